package services

import (
	"context"
	"fmt"

	"github.com/habitaro/extraction-backend/internal/clients/gcp"
	"github.com/habitaro/extraction-backend/internal/extraction/cutout"
	"github.com/habitaro/extraction-backend/internal/logger"
	"github.com/habitaro/extraction-backend/internal/types"
)

// Artifact filenames under the contract prefix. The receiving backend reads
// these by name, so they are part of the delivery contract.
const (
	FileDocumentChunks      = "document_chunks.json"
	FileDocumentText        = "document_text.txt"
	FileContractResult      = "contract_extraction_result.json"
	FileInstallmentResult   = "installment_extraction_result.json"
	FileCutoutManifest      = "cutout_manifest.json"
	FileReport              = "report.md"
	FileNotificationPayload = "merged_notification_payload.json"
)

// ContractOutputPath is the storage prefix all of a contract's artifacts
// live under, and the output_path the webhook reports.
func ContractOutputPath(contractID string) string {
	return fmt.Sprintf("contracts/%s/", contractID)
}

// ResultUploader persists job artifacts under contracts/{contractID}/. Each
// method maps to one fixed filename; uploads happen as the pipeline reaches
// each stage so partial runs still leave inspectable output behind.
type ResultUploader interface {
	UploadChunks(ctx context.Context, contractID string, chunks []types.ChunkRecord) error
	UploadContractResult(ctx context.Context, contractID string, units []types.UnitExtraction) error
	UploadInstallmentResult(ctx context.Context, contractID string, units []types.UnitExtraction) error
	UploadCutoutManifest(ctx context.Context, contractID string, entries []cutout.ManifestEntry) error
	UploadReport(ctx context.Context, contractID string, markdown []byte) error
	UploadResultPayload(ctx context.Context, contractID string, payload *types.ResultPayload) (string, error)
}

type resultUploader struct {
	log    *logger.Logger
	bucket gcp.BucketService
}

func NewResultUploader(log *logger.Logger, bucket gcp.BucketService) ResultUploader {
	return &resultUploader{
		log:    log.With("service", "ResultUploader"),
		bucket: bucket,
	}
}

// UploadChunks writes both chunk artifacts: the JSON records and the
// page-bannered plain text render.
func (u *resultUploader) UploadChunks(ctx context.Context, contractID string, chunks []types.ChunkRecord) error {
	if chunks == nil {
		chunks = []types.ChunkRecord{}
	}
	if err := u.putJSON(ctx, contractID, FileDocumentChunks, chunks); err != nil {
		return err
	}
	return u.putBytes(ctx, contractID, FileDocumentText, []byte(types.RenderChunksText(chunks)))
}

func (u *resultUploader) UploadContractResult(ctx context.Context, contractID string, units []types.UnitExtraction) error {
	if units == nil {
		units = []types.UnitExtraction{}
	}
	return u.putJSON(ctx, contractID, FileContractResult, units)
}

func (u *resultUploader) UploadInstallmentResult(ctx context.Context, contractID string, units []types.UnitExtraction) error {
	if units == nil {
		units = []types.UnitExtraction{}
	}
	return u.putJSON(ctx, contractID, FileInstallmentResult, units)
}

func (u *resultUploader) UploadCutoutManifest(ctx context.Context, contractID string, entries []cutout.ManifestEntry) error {
	if entries == nil {
		entries = []cutout.ManifestEntry{}
	}
	return u.putJSON(ctx, contractID, FileCutoutManifest, entries)
}

func (u *resultUploader) UploadReport(ctx context.Context, contractID string, markdown []byte) error {
	return u.putBytes(ctx, contractID, FileReport, markdown)
}

func (u *resultUploader) UploadResultPayload(ctx context.Context, contractID string, payload *types.ResultPayload) (string, error) {
	if payload == nil {
		return "", fmt.Errorf("result payload required")
	}
	key := ContractOutputPath(contractID) + FileNotificationPayload
	uri, err := u.bucket.UploadJSON(ctx, key, payload)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	u.log.Info("Artifact uploaded", "key", key)
	return uri, nil
}

func (u *resultUploader) putJSON(ctx context.Context, contractID, filename string, v any) error {
	key := ContractOutputPath(contractID) + filename
	if _, err := u.bucket.UploadJSON(ctx, key, v); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	u.log.Info("Artifact uploaded", "key", key)
	return nil
}

func (u *resultUploader) putBytes(ctx context.Context, contractID, filename string, data []byte) error {
	key := ContractOutputPath(contractID) + filename
	if _, err := u.bucket.UploadBytes(ctx, key, data); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	u.log.Info("Artifact uploaded", "key", key)
	return nil
}
