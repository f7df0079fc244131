package extract_contract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/habitaro/extraction-backend/internal/extraction/cutout"
	"github.com/habitaro/extraction-backend/internal/extraction/fieldspec"
	"github.com/habitaro/extraction-backend/internal/extraction/provenance"
	"github.com/habitaro/extraction-backend/internal/ingestion"
	jobrt "github.com/habitaro/extraction-backend/internal/jobs/runtime"
	"github.com/habitaro/extraction-backend/internal/logger"
	apperrors "github.com/habitaro/extraction-backend/internal/pkg/errors"
	"github.com/habitaro/extraction-backend/internal/services"
	"github.com/habitaro/extraction-backend/internal/types"
)

type stubBucket struct {
	pdf []byte
}

func (b *stubBucket) BucketName() string { return "test-bucket" }

func (b *stubBucket) ObjectURI(key string) string { return "gs://test-bucket/" + key }

func (b *stubBucket) GetPublicURL(key string) string { return "https://test-bucket/" + key }

func (b *stubBucket) UploadBytes(ctx context.Context, key string, data []byte) (string, error) {
	return b.ObjectURI(key), nil
}

func (b *stubBucket) UploadJSON(ctx context.Context, key string, v any) (string, error) {
	return b.ObjectURI(key), nil
}

func (b *stubBucket) UploadFile(ctx context.Context, key string, file io.Reader) (string, error) {
	return b.ObjectURI(key), nil
}

func (b *stubBucket) DownloadFile(ctx context.Context, key string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(string(b.pdf))), nil
}

func (b *stubBucket) DownloadBytes(ctx context.Context, key string) ([]byte, error) {
	if len(b.pdf) == 0 {
		return nil, errors.New("object not found")
	}
	return b.pdf, nil
}

func (b *stubBucket) DeleteFile(ctx context.Context, key string) error { return nil }

func (b *stubBucket) DeletePrefix(ctx context.Context, prefix string) error { return nil }

func (b *stubBucket) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	return nil, nil
}

func (b *stubBucket) EnsureBucket(ctx context.Context) error { return nil }

func (b *stubBucket) Close() error { return nil }

type stubChunker struct {
	res *ingestion.Result
	err error
}

func (c *stubChunker) ChunkPDF(ctx context.Context, pdfData []byte) (*ingestion.Result, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.res, nil
}

type stubAgent struct {
	units []types.UnitExtraction
	err   error
}

func (a *stubAgent) Extract(ctx context.Context, chunks []types.ChunkRecord) ([]types.UnitExtraction, error) {
	if a.err != nil {
		return nil, a.err
	}
	return a.units, nil
}

type stubRenderer struct {
	res *cutout.Result
	err error
}

func (r *stubRenderer) Render(ctx context.Context, jobID string, pdf []byte, units []types.UnitExtraction, chunks []types.ChunkRecord) (*cutout.Result, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.res, nil
}

type captureUploader struct {
	errOn string

	chunks   []types.ChunkRecord
	passA    []types.UnitExtraction
	passB    []types.UnitExtraction
	manifest []cutout.ManifestEntry
	report   []byte
	payload  *types.ResultPayload
}

func (u *captureUploader) UploadChunks(ctx context.Context, contractID string, chunks []types.ChunkRecord) error {
	if u.errOn == "chunks" {
		return errors.New("chunks upload failed")
	}
	u.chunks = chunks
	return nil
}

func (u *captureUploader) UploadContractResult(ctx context.Context, contractID string, units []types.UnitExtraction) error {
	u.passA = units
	return nil
}

func (u *captureUploader) UploadInstallmentResult(ctx context.Context, contractID string, units []types.UnitExtraction) error {
	u.passB = units
	return nil
}

func (u *captureUploader) UploadCutoutManifest(ctx context.Context, contractID string, entries []cutout.ManifestEntry) error {
	u.manifest = entries
	return nil
}

func (u *captureUploader) UploadReport(ctx context.Context, contractID string, markdown []byte) error {
	if u.errOn == "report" {
		return errors.New("report upload failed")
	}
	u.report = markdown
	return nil
}

func (u *captureUploader) UploadResultPayload(ctx context.Context, contractID string, payload *types.ResultPayload) (string, error) {
	u.payload = payload
	return "gs://test-bucket/" + services.ContractOutputPath(contractID) + services.FileNotificationPayload, nil
}

type webhookFailure struct {
	contractID string
	message    string
	errorType  string
}

type captureWebhook struct {
	success  []string
	failures []webhookFailure
}

func (w *captureWebhook) NotifySuccess(ctx context.Context, contractID string) error {
	w.success = append(w.success, contractID)
	return nil
}

func (w *captureWebhook) NotifyFailure(ctx context.Context, contractID string, errorMessage string, errorType string) error {
	w.failures = append(w.failures, webhookFailure{contractID, errorMessage, errorType})
	return nil
}

type pipeNotifier struct {
	stages []string
}

func (n *pipeNotifier) JobUpdated(ctx context.Context, job *types.ExtractionJob) {
	n.stages = append(n.stages, job.Stage)
}

func (n *pipeNotifier) JobSucceeded(ctx context.Context, job *types.ExtractionJob) {}

func (n *pipeNotifier) JobFailed(ctx context.Context, job *types.ExtractionJob, stage string, errorMessage string) {
}

func testLog(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return log
}

func strptr(s string) *string { return &s }

func testChunks() []types.ChunkRecord {
	return []types.ChunkRecord{
		{ChunkID: "chunk_000", Text: "Unit A-101, total price 2,500,000,000", Page: 1, BBox: [4]float64{0.1, 0.1, 0.6, 0.3}, ElementType: "table"},
		{ChunkID: "chunk_001", Text: "Installment schedule: 10% on signing", Page: 2, BBox: [4]float64{0.1, 0.4, 0.9, 0.6}, ElementType: "text"},
	}
}

func passAUnits() []types.UnitExtraction {
	return []types.UnitExtraction{{
		Unit:       map[string]any{"unitCode": "A-101", "totalPrice": float64(2500000000)},
		Confidence: map[string]string{"unitCode": "high", "totalPrice": "medium"},
		Sources: []types.Source{
			{Field: "unitCode", ChunkID: strptr("chunk_000")},
			{Field: "totalPrice", ChunkID: strptr(types.CalculatedRef)},
		},
	}}
}

func passBUnits(n int) []types.UnitExtraction {
	units := make([]types.UnitExtraction, 0, n)
	for i := 0; i < n; i++ {
		units = append(units, types.UnitExtraction{
			Unit:       map[string]any{"unitCode": fmt.Sprintf("A-10%d", i+1), "installmentPlans": []any{}},
			Confidence: map[string]string{"installmentPlans": "high"},
			Sources: []types.Source{
				{Field: "installmentPlans", ChunkID: strptr("chunk_001")},
			},
		})
	}
	return units
}

func testCutoutResult() *cutout.Result {
	artifacts := types.ArtifactMap{}
	key := types.ArtifactKey(1, "unitCode")
	uri := "gs://test-bucket/contracts/c-1/images/unit_1/unitCode.png"
	artifacts.Add(key, uri)
	return &cutout.Result{
		Artifacts: artifacts,
		Manifest: []cutout.ManifestEntry{{
			UnitIndex: 1,
			Field:     "unitCode",
			ChunkID:   "chunk_000",
			Page:      1,
			Key:       "contracts/c-1/images/unit_1/unitCode.png",
			URI:       uri,
			BBox:      [4]float64{0.1, 0.1, 0.6, 0.3},
		}},
	}
}

type pipelineFixture struct {
	pipeline *Pipeline
	uploader *captureUploader
	webhook  *captureWebhook
	notify   *pipeNotifier
	job      *types.ExtractionJob
}

func newFixture(t *testing.T, mutate func(*stubChunker, *stubAgent, *stubAgent, *captureUploader)) *pipelineFixture {
	t.Helper()
	log := testLog(t)
	spec, err := fieldspec.Load()
	if err != nil {
		t.Fatalf("fieldspec.Load: %v", err)
	}

	chunker := &stubChunker{res: &ingestion.Result{Chunks: testChunks(), PageCount: 2}}
	contract := &stubAgent{units: passAUnits()}
	installment := &stubAgent{units: passBUnits(1)}
	uploader := &captureUploader{}
	if mutate != nil {
		mutate(chunker, contract, installment, uploader)
	}
	webhook := &captureWebhook{}

	p := New(
		nil,
		log,
		&stubBucket{pdf: []byte("%PDF-1.4 test")},
		chunker,
		contract,
		installment,
		&stubRenderer{res: testCutoutResult()},
		provenance.NewMerger(log),
		uploader,
		webhook,
		spec,
		nil,
		nil,
	)

	return &pipelineFixture{
		pipeline: p,
		uploader: uploader,
		webhook:  webhook,
		notify:   &pipeNotifier{},
		job: &types.ExtractionJob{
			ID:         uuid.New(),
			ContractID: "c-1",
			JobType:    "extract_contract",
			Status:     types.JobStatusRunning,
			Payload:    datatypes.JSON(`{"contract_id":"c-1","file_key":"uploads/c-1.pdf"}`),
		},
	}
}

func (f *pipelineFixture) run(t *testing.T) {
	t.Helper()
	jc := jobrt.NewContext(context.Background(), nil, f.job, nil, f.notify)
	if err := f.pipeline.Run(jc); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestRunProducesFullArtifactSet(t *testing.T) {
	f := newFixture(t, nil)
	f.run(t)

	if f.job.Status != types.JobStatusSucceeded {
		t.Fatalf("status = %q (stage %q, error %q)", f.job.Status, f.job.Stage, f.job.Error)
	}
	if f.job.Stage != "done" || f.job.Progress != 100 {
		t.Fatalf("stage=%q progress=%d", f.job.Stage, f.job.Progress)
	}
	if len(f.uploader.chunks) != 2 {
		t.Fatalf("uploaded chunks = %d", len(f.uploader.chunks))
	}
	if len(f.uploader.passA) != 1 || len(f.uploader.passB) != 1 {
		t.Fatalf("pass results = %d / %d", len(f.uploader.passA), len(f.uploader.passB))
	}
	if len(f.uploader.manifest) != 1 {
		t.Fatalf("manifest entries = %d", len(f.uploader.manifest))
	}
	if !strings.Contains(string(f.uploader.report), "# Contract Extraction Report") {
		t.Fatal("report markdown missing header")
	}

	payload := f.uploader.payload
	if payload == nil {
		t.Fatal("result payload not uploaded")
	}
	if payload.JobID != "c-1" || payload.BucketName != "test-bucket" || payload.Status != "success" {
		t.Fatalf("payload meta = %+v", payload)
	}
	if !strings.HasSuffix(payload.ProcessedAt, "Z") {
		t.Fatalf("processedAt = %q", payload.ProcessedAt)
	}
	if len(payload.Units) != 1 {
		t.Fatalf("merged units = %d", len(payload.Units))
	}
	var gotFileKey bool
	for _, src := range payload.Units[0].Sources {
		if src.ChunkFileKey != nil {
			gotFileKey = true
		}
	}
	if !gotFileKey {
		t.Fatal("no source resolved to a cutout file key")
	}

	if len(f.webhook.success) != 1 || f.webhook.success[0] != "c-1" {
		t.Fatalf("webhook success = %v", f.webhook.success)
	}
	if len(f.webhook.failures) != 0 {
		t.Fatalf("webhook failures = %v", f.webhook.failures)
	}

	var result map[string]any
	if err := json.Unmarshal(f.job.Result, &result); err != nil {
		t.Fatalf("job result not JSON: %v", err)
	}
	if result["output_path"] != "contracts/c-1/" {
		t.Fatalf("output_path = %v", result["output_path"])
	}
	if result["units"] != float64(1) {
		t.Fatalf("units = %v", result["units"])
	}

	if len(f.notify.stages) == 0 || f.notify.stages[0] != "download" {
		t.Fatalf("progress stages = %v", f.notify.stages)
	}
}

func TestRunFailsAtChunkStage(t *testing.T) {
	f := newFixture(t, func(c *stubChunker, _, _ *stubAgent, _ *captureUploader) {
		c.err = errors.New("no readable layout")
	})
	f.run(t)

	if f.job.Status != types.JobStatusFailed || f.job.Stage != "chunk" {
		t.Fatalf("status=%q stage=%q", f.job.Status, f.job.Stage)
	}
	if len(f.webhook.failures) != 1 {
		t.Fatalf("webhook failures = %v", f.webhook.failures)
	}
	got := f.webhook.failures[0]
	if got.contractID != "c-1" || got.errorType != "PipelineError" {
		t.Fatalf("failure = %+v", got)
	}
	if f.uploader.payload != nil {
		t.Fatal("result payload should not upload after a failure")
	}
}

func TestRunClassifiesMalformedAgentOutput(t *testing.T) {
	f := newFixture(t, func(_ *stubChunker, _, installment *stubAgent, _ *captureUploader) {
		installment.err = fmt.Errorf("installment pass: %w", apperrors.ErrMalformedRecord)
	})
	f.run(t)

	if f.job.Status != types.JobStatusFailed || f.job.Stage != "extract" {
		t.Fatalf("status=%q stage=%q", f.job.Status, f.job.Stage)
	}
	if len(f.webhook.failures) != 1 || f.webhook.failures[0].errorType != "MalformedRecordError" {
		t.Fatalf("webhook failures = %v", f.webhook.failures)
	}
}

func TestRunFailsValidateWithoutWebhook(t *testing.T) {
	f := newFixture(t, nil)
	f.job.Payload = datatypes.JSON(`{"contract_id":"c-1"}`)
	f.run(t)

	if f.job.Status != types.JobStatusFailed || f.job.Stage != "validate" {
		t.Fatalf("status=%q stage=%q", f.job.Status, f.job.Stage)
	}
	if len(f.webhook.failures) != 0 {
		t.Fatalf("validate failures should not notify, got %v", f.webhook.failures)
	}
}

func TestRunFailsAtUploadStage(t *testing.T) {
	f := newFixture(t, func(_ *stubChunker, _, _ *stubAgent, u *captureUploader) {
		u.errOn = "report"
	})
	f.run(t)

	if f.job.Status != types.JobStatusFailed || f.job.Stage != "upload" {
		t.Fatalf("status=%q stage=%q", f.job.Status, f.job.Stage)
	}
	if len(f.webhook.failures) != 1 {
		t.Fatalf("webhook failures = %v", f.webhook.failures)
	}
}

func TestRunAnchoredModeDropsPassBOverflow(t *testing.T) {
	t.Setenv("EXTRACTION_MERGE_MODE", "anchored")
	f := newFixture(t, func(_ *stubChunker, _, installment *stubAgent, _ *captureUploader) {
		installment.units = passBUnits(3)
	})
	f.run(t)

	if f.job.Status != types.JobStatusSucceeded {
		t.Fatalf("status = %q (stage %q, error %q)", f.job.Status, f.job.Stage, f.job.Error)
	}
	if len(f.uploader.payload.Units) != 1 {
		t.Fatalf("anchored merged units = %d, want 1", len(f.uploader.payload.Units))
	}
	var result map[string]any
	if err := json.Unmarshal(f.job.Result, &result); err != nil {
		t.Fatalf("job result not JSON: %v", err)
	}
	if result["dropped_units"] != float64(2) {
		t.Fatalf("dropped_units = %v", result["dropped_units"])
	}
}

func TestRunUnionModeKeepsPassBOverflow(t *testing.T) {
	t.Setenv("EXTRACTION_MERGE_MODE", "union")
	f := newFixture(t, func(_ *stubChunker, _, installment *stubAgent, _ *captureUploader) {
		installment.units = passBUnits(3)
	})
	f.run(t)

	if f.job.Status != types.JobStatusSucceeded {
		t.Fatalf("status = %q (stage %q, error %q)", f.job.Status, f.job.Stage, f.job.Error)
	}
	if len(f.uploader.payload.Units) != 3 {
		t.Fatalf("union merged units = %d, want 3", len(f.uploader.payload.Units))
	}
}
