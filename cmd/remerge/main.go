// remerge re-runs the provenance merge for contracts whose pass artifacts
// are already in the bucket. It exists for merge-policy changes and for
// debugging a delivered payload: the extraction passes are not re-run, only
// the merge and the payload upload.
//
//	remerge -contract c-123 -contract c-456 -mode union -dry-run
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/habitaro/extraction-backend/internal/clients/gcp"
	"github.com/habitaro/extraction-backend/internal/extraction/cutout"
	"github.com/habitaro/extraction-backend/internal/extraction/provenance"
	"github.com/habitaro/extraction-backend/internal/logger"
	"github.com/habitaro/extraction-backend/internal/services"
	"github.com/habitaro/extraction-backend/internal/types"
)

type contractList []string

func (l *contractList) String() string { return strings.Join(*l, ",") }
func (l *contractList) Set(v string) error {
	v = strings.TrimSpace(v)
	if v != "" {
		*l = append(*l, v)
	}
	return nil
}

func main() {
	var contracts contractList
	var mode string
	var dryRun bool
	flag.Var(&contracts, "contract", "contract id to re-merge (repeatable)")
	flag.StringVar(&mode, "mode", "", "merge mode: anchored or union (default anchored)")
	flag.BoolVar(&dryRun, "dry-run", false, "print merge diagnostics without re-uploading the payload")
	flag.Parse()

	if len(contracts) == 0 {
		fmt.Println("no -contract values provided")
		os.Exit(1)
	}

	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	mergeMode, err := provenance.ParseMergeMode(mode)
	if err != nil {
		fmt.Printf("Bad -mode value: %v\n", err)
		os.Exit(1)
	}

	bucket, err := gcp.NewBucketService(log)
	if err != nil {
		log.Error("Could not init BucketService", "error", err)
		os.Exit(1)
	}
	uploader := services.NewResultUploader(log, bucket)
	merger := provenance.NewMerger(log)

	ctx := context.Background()
	failed := 0
	for _, contractID := range contracts {
		if err := remerge(ctx, bucket, uploader, merger, contractID, mergeMode, dryRun); err != nil {
			log.Error("Re-merge failed", "contract_id", contractID, "error", err)
			failed++
		}
	}
	if failed > 0 {
		os.Exit(1)
	}
}

func remerge(ctx context.Context, bucket gcp.BucketService, uploader services.ResultUploader, merger provenance.Merger, contractID string, mode provenance.MergeMode, dryRun bool) error {
	prefix := services.ContractOutputPath(contractID)

	passA, err := downloadUnits(ctx, bucket, prefix+services.FileContractResult, "contract pass")
	if err != nil {
		return err
	}
	passB, err := downloadUnits(ctx, bucket, prefix+services.FileInstallmentResult, "installment pass")
	if err != nil {
		return err
	}

	rawManifest, err := bucket.DownloadBytes(ctx, prefix+services.FileCutoutManifest)
	if err != nil {
		return fmt.Errorf("download %s: %w", services.FileCutoutManifest, err)
	}
	var manifest []cutout.ManifestEntry
	if err := json.Unmarshal(rawManifest, &manifest); err != nil {
		return fmt.Errorf("decode cutout manifest: %w", err)
	}
	artifacts := types.ArtifactMap{}
	for _, m := range manifest {
		artifacts.Add(types.ArtifactKey(m.UnitIndex, m.Field), m.URI)
	}

	merged, diag := merger.Merge(provenance.JobContext{
		JobID:      contractID,
		BucketName: bucket.BucketName(),
		Mode:       mode,
	}, passA, passB, artifacts)

	fmt.Printf("%s: units=%d citations=%d dropped=%d gaps=%d\n",
		contractID, diag.MergedUnits, diag.Citations, diag.DroppedUnits, len(diag.Gaps))
	for _, g := range diag.Gaps {
		fmt.Printf("  gap: unit %d field %s has no chunk reference\n", g.UnitNumber, g.Field)
	}

	if dryRun {
		return nil
	}
	// processedAt format matches what the pipeline writes: microsecond UTC
	// with a literal Z suffix.
	payload := &types.ResultPayload{
		JobID:       contractID,
		BucketName:  bucket.BucketName(),
		Status:      "success",
		ProcessedAt: time.Now().UTC().Format("2006-01-02T15:04:05.000000") + "Z",
		Units:       merged,
	}
	uri, err := uploader.UploadResultPayload(ctx, contractID, payload)
	if err != nil {
		return err
	}
	fmt.Printf("%s: payload re-uploaded to %s\n", contractID, uri)
	return nil
}

func downloadUnits(ctx context.Context, bucket gcp.BucketService, key string, label string) ([]types.UnitExtraction, error) {
	raw, err := bucket.DownloadBytes(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", key, err)
	}
	return types.DecodeUnitExtractions(label, raw)
}
