package extract_contract

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/habitaro/extraction-backend/internal/extraction/provenance"
	"github.com/habitaro/extraction-backend/internal/extraction/report"
	"github.com/habitaro/extraction-backend/internal/ingestion"
	jobrt "github.com/habitaro/extraction-backend/internal/jobs/runtime"
	"github.com/habitaro/extraction-backend/internal/logger"
	apperrors "github.com/habitaro/extraction-backend/internal/pkg/errors"
	"github.com/habitaro/extraction-backend/internal/platform/ctxutil"
	"github.com/habitaro/extraction-backend/internal/services"
	"github.com/habitaro/extraction-backend/internal/types"
	"github.com/habitaro/extraction-backend/internal/utils"
)

// Run drives one contract through the full extraction flow: download,
// chunk, the two extraction passes, cutout rendering, the provenance
// merge, artifact upload and the caller webhook. Every artifact is keyed
// by the contract id, so re-running a job overwrites the previous output
// in place.
func (p *Pipeline) Run(jc *jobrt.Context) error {
	if jc == nil || jc.Job == nil {
		return nil
	}
	contractID, ok := jc.PayloadString("contract_id")
	if !ok {
		contractID = strings.TrimSpace(jc.Job.ContractID)
	}
	if contractID == "" {
		jc.Fail("validate", fmt.Errorf("missing contract_id"))
		return nil
	}
	fileKey, ok := jc.PayloadString("file_key")
	if !ok {
		jc.Fail("validate", fmt.Errorf("missing file_key"))
		return nil
	}

	log := p.log.With("contract_id", contractID, "job_id", jc.Job.ID)
	if td := ctxutil.GetTraceData(jc.Ctx); td != nil {
		log = log.With("trace_id", td.TraceID, "request_id", td.RequestID)
	}

	jobTimeoutMin := utils.GetEnvAsInt("EXTRACT_JOB_TIMEOUT_MINUTES", 30, p.log)
	heartbeatSec := utils.GetEnvAsInt("EXTRACT_HEARTBEAT_SECONDS", 3, p.log)
	if heartbeatSec < 1 {
		heartbeatSec = 1
	}
	if heartbeatSec > 10 {
		heartbeatSec = 10
	}

	jobCtx := jc.Ctx
	cancelJob := func() {}
	if jobTimeoutMin > 0 {
		jobCtx, cancelJob = context.WithTimeout(jc.Ctx, time.Duration(jobTimeoutMin)*time.Minute)
	}
	defer cancelJob()

	var (
		currentPct   int32 = 2
		currentStage atomic.Value
		currentMsg   atomic.Value
	)
	currentStage.Store("download")
	currentMsg.Store("Starting extraction")

	stop := make(chan struct{})
	var wg sync.WaitGroup
	var stopOnce sync.Once
	stopTicker := func() {
		stopOnce.Do(func() {
			close(stop)
			wg.Wait()
		})
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(time.Duration(heartbeatSec) * time.Second)
		defer t.Stop()
		for {
			select {
			case <-jobCtx.Done():
				return
			case <-stop:
				return
			case <-t.C:
				stage, _ := currentStage.Load().(string)
				msg, _ := currentMsg.Load().(string)
				if strings.TrimSpace(msg) == "" {
					msg = "Extracting…"
				}
				jc.Progress(stage, int(atomic.LoadInt32(&currentPct)), msg)
			}
		}
	}()
	defer stopTicker()

	step := func(stage string, pct int, msg string) {
		currentStage.Store(stage)
		atomic.StoreInt32(&currentPct, int32(pct))
		currentMsg.Store(msg)
		jc.Progress(stage, pct, msg)
	}
	fail := func(stage string, err error) {
		stopTicker()
		jc.Fail(stage, err)
		if p.webhook == nil {
			return
		}
		// Caller notification uses the worker context: jobCtx may already
		// be past its deadline when the failure is a timeout.
		if werr := p.webhook.NotifyFailure(jc.Ctx, contractID, err.Error(), errorTypeOf(err)); werr != nil {
			log.Warn("Failure webhook not delivered", "error", werr)
		}
	}

	step("download", 5, "Downloading source document")
	pdfData, err := p.bucket.DownloadBytes(jobCtx, fileKey)
	if err != nil {
		fail("download", fmt.Errorf("download %s: %w", fileKey, err))
		return nil
	}

	step("chunk", 15, "Chunking document")
	res, err := p.chunker.ChunkPDF(jobCtx, pdfData)
	if err != nil {
		fail("chunk", err)
		return nil
	}
	if len(res.Warnings) > 0 {
		log.Warn("Chunking finished with warnings", "warnings", strings.Join(res.Warnings, "; "))
	}
	if err := p.uploader.UploadChunks(jobCtx, contractID, res.Chunks); err != nil {
		fail("chunk", err)
		return nil
	}
	doc := p.persistDocument(jobCtx, log, contractID, fileKey, res)

	step("extract", 30, "Running extraction passes")
	var passA, passB []types.UnitExtraction
	g, gctx := errgroup.WithContext(jobCtx)
	g.Go(func() error {
		units, aErr := p.contract.Extract(gctx, res.Chunks)
		if aErr != nil {
			return fmt.Errorf("contract pass: %w", aErr)
		}
		passA = units
		return nil
	})
	g.Go(func() error {
		units, bErr := p.installment.Extract(gctx, res.Chunks)
		if bErr != nil {
			return fmt.Errorf("installment pass: %w", bErr)
		}
		passB = units
		return nil
	})
	if err := g.Wait(); err != nil {
		fail("extract", err)
		return nil
	}
	if err := p.uploader.UploadContractResult(jobCtx, contractID, passA); err != nil {
		fail("extract", err)
		return nil
	}
	if err := p.uploader.UploadInstallmentResult(jobCtx, contractID, passB); err != nil {
		fail("extract", err)
		return nil
	}

	step("cutouts", 55, "Rendering source cutouts")
	combined := provenance.CombineForCutouts(passA, passB)
	cut, err := p.cutouts.Render(jobCtx, contractID, pdfData, combined, res.Chunks)
	if err != nil {
		fail("cutouts", err)
		return nil
	}
	if err := p.uploader.UploadCutoutManifest(jobCtx, contractID, cut.Manifest); err != nil {
		fail("cutouts", err)
		return nil
	}

	step("merge", 75, "Merging pass results")
	mode, modeErr := provenance.ParseMergeMode(os.Getenv("EXTRACTION_MERGE_MODE"))
	if modeErr != nil {
		log.Warn("Bad EXTRACTION_MERGE_MODE, using anchored", "error", modeErr)
	}
	merged, diag := p.merger.Merge(provenance.JobContext{
		JobID:      contractID,
		BucketName: p.bucket.BucketName(),
		Mode:       mode,
	}, passA, passB, cut.Artifacts)
	payload := &types.ResultPayload{
		JobID:       contractID,
		BucketName:  p.bucket.BucketName(),
		Status:      "success",
		ProcessedAt: processedAtUTC(),
		Units:       merged,
	}
	md := report.Render(p.spec, combined, cut.Manifest, report.Meta{
		ContractID:  contractID,
		GeneratedAt: time.Now().UTC(),
		PageCount:   res.PageCount,
		OCRUsed:     res.OCRUsed,
	})

	step("upload", 85, "Uploading results")
	if err := p.uploader.UploadReport(jobCtx, contractID, md); err != nil {
		fail("upload", err)
		return nil
	}
	payloadURI, err := p.uploader.UploadResultPayload(jobCtx, contractID, payload)
	if err != nil {
		fail("upload", err)
		return nil
	}

	step("notify", 95, "Notifying caller")
	if p.webhook != nil {
		// Delivery failures never undo a finished extraction; the artifact
		// set is already complete in the bucket.
		if err := p.webhook.NotifySuccess(jobCtx, contractID); err != nil {
			log.Warn("Success webhook not delivered", "error", err)
		}
	}
	if doc != nil {
		if err := p.docs.UpdateFields(jobCtx, nil, doc.ID, map[string]interface{}{"status": "extracted"}); err != nil {
			log.Warn("Contract document status not updated", "error", err)
		}
	}

	stopTicker()
	jc.Succeed("done", map[string]any{
		"contract_id":   contractID,
		"output_path":   services.ContractOutputPath(contractID),
		"payload_uri":   payloadURI,
		"units":         len(merged),
		"dropped_units": diag.DroppedUnits,
		"coverage_gaps": len(diag.Gaps),
		"pages":         res.PageCount,
		"ocr_used":      res.OCRUsed,
	})
	return nil
}

// persistDocument catalogs the chunked document and its chunk rows. The
// bucket artifacts are the delivery source of truth, so a failed catalog
// write degrades to a warning instead of failing the extraction.
func (p *Pipeline) persistDocument(ctx context.Context, log *logger.Logger, contractID, fileKey string, res *ingestion.Result) *types.ContractDocument {
	if p.docs == nil {
		return nil
	}
	doc := &types.ContractDocument{
		ContractID: contractID,
		Bucket:     p.bucket.BucketName(),
		FileKey:    fileKey,
		PageCount:  res.PageCount,
		ChunkCount: len(res.Chunks),
		Status:     "chunked",
	}
	created, err := p.docs.Create(ctx, nil, []*types.ContractDocument{doc})
	if err != nil || len(created) == 0 {
		log.Warn("Contract document row not persisted", "error", err)
		return nil
	}
	doc = created[0]
	if p.chunkRows == nil {
		return doc
	}
	rows := make([]*types.DocumentChunk, 0, len(res.Chunks))
	for _, c := range res.Chunks {
		m := c.Model(doc.ID)
		rows = append(rows, &m)
	}
	if _, err := p.chunkRows.ReplaceForDocument(ctx, nil, doc.ID, rows); err != nil {
		log.Warn("Document chunk rows not persisted", "error", err)
	}
	return doc
}

func processedAtUTC() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000000") + "Z"
}

// errorTypeOf names the failure class for the caller webhook.
func errorTypeOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, apperrors.ErrMalformedRecord):
		return "MalformedRecordError"
	case errors.Is(err, context.DeadlineExceeded):
		return "TimeoutError"
	case errors.Is(err, context.Canceled):
		return "CanceledError"
	default:
		return "PipelineError"
	}
}
