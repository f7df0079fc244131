package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/habitaro/extraction-backend/internal/logger"
	"github.com/habitaro/extraction-backend/internal/sse"
	"github.com/habitaro/extraction-backend/internal/types"
)

type fakeJobRepo struct {
	byID    map[uuid.UUID]*types.ExtractionJob
	latest  *types.ExtractionJob
	created []*types.ExtractionJob
}

func newFakeJobRepo() *fakeJobRepo {
	return &fakeJobRepo{byID: make(map[uuid.UUID]*types.ExtractionJob)}
}

func (r *fakeJobRepo) Create(ctx context.Context, tx *gorm.DB, jobs []*types.ExtractionJob) ([]*types.ExtractionJob, error) {
	for _, j := range jobs {
		if j.ID == uuid.Nil {
			j.ID = uuid.New()
		}
		r.byID[j.ID] = j
		r.created = append(r.created, j)
	}
	return jobs, nil
}

func (r *fakeJobRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.ExtractionJob, error) {
	return r.byID[id], nil
}

func (r *fakeJobRepo) GetLatestByContract(ctx context.Context, tx *gorm.DB, contractID string, jobType string) (*types.ExtractionJob, error) {
	return r.latest, nil
}

func (r *fakeJobRepo) ClaimNextRunnable(ctx context.Context, tx *gorm.DB, maxAttempts int, retryDelay time.Duration, staleRunning time.Duration) (*types.ExtractionJob, error) {
	return nil, nil
}

func (r *fakeJobRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
	return nil
}

func (r *fakeJobRepo) UpdateFieldsUnlessStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, excludedStatuses []string, updates map[string]interface{}) (bool, error) {
	return true, nil
}

func (r *fakeJobRepo) Heartbeat(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	return nil
}

type fakeNotifier struct {
	updated []uuid.UUID
}

func (n *fakeNotifier) JobUpdated(ctx context.Context, job *types.ExtractionJob) {
	n.updated = append(n.updated, job.ID)
}

func (n *fakeNotifier) JobSucceeded(ctx context.Context, job *types.ExtractionJob) {}

func (n *fakeNotifier) JobFailed(ctx context.Context, job *types.ExtractionJob, stage string, errorMessage string) {
}

type handlerFixture struct {
	router *gin.Engine
	repo   *fakeJobRepo
	notify *fakeNotifier
	hub    *sse.SSEHub
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	repo := newFakeJobRepo()
	notify := &fakeNotifier{}
	hub := sse.NewSSEHub(log)

	h := NewExtractionsHandler(log, repo, hub, notify)
	router := gin.New()
	router.POST("/api/v1/extractions", h.Create)
	router.GET("/api/v1/extractions/:id", h.GetByID)
	router.GET("/api/v1/extractions/:id/events", h.Events)

	return &handlerFixture{router: router, repo: repo, notify: notify, hub: hub}
}

func TestCreateQueuesJob(t *testing.T) {
	f := newHandlerFixture(t)

	body := `{"contractId":" c-1 ","fileKey":"uploads/c-1.pdf"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/extractions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	var out struct {
		JobID  string `json:"jobId"`
		Status string `json:"status"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.JobID == "" || out.Status != types.JobStatusQueued {
		t.Fatalf("unexpected response: %+v", out)
	}

	if len(f.repo.created) != 1 {
		t.Fatalf("expected 1 created job, got %d", len(f.repo.created))
	}
	job := f.repo.created[0]
	if job.ContractID != "c-1" {
		t.Fatalf("contract id not trimmed: %q", job.ContractID)
	}
	if job.JobType != types.JobTypeExtractContract || job.Stage != "queued" {
		t.Fatalf("unexpected job fields: %+v", job)
	}
	var payload map[string]any
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload["contract_id"] != "c-1" || payload["file_key"] != "uploads/c-1.pdf" {
		t.Fatalf("unexpected payload: %v", payload)
	}
	if len(f.notify.updated) != 1 || f.notify.updated[0] != job.ID {
		t.Fatalf("expected one queued notification for %s", job.ID)
	}
}

func TestCreateRejectsMissingFields(t *testing.T) {
	f := newHandlerFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/extractions", strings.NewReader(`{"contractId":"c-1"}`))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	var out ErrorEnvelope
	if err := json.NewDecoder(rr.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Error.Code != "invalid_request_body" {
		t.Fatalf("unexpected code: %q", out.Error.Code)
	}
	if len(f.repo.created) != 0 {
		t.Fatalf("job should not have been created")
	}
}

func TestCreateReturnsActiveJobInsteadOfQueuing(t *testing.T) {
	f := newHandlerFixture(t)
	active := &types.ExtractionJob{
		ID:         uuid.New(),
		ContractID: "c-1",
		JobType:    types.JobTypeExtractContract,
		Status:     types.JobStatusRunning,
	}
	f.repo.latest = active

	body := `{"contractId":"c-1","fileKey":"uploads/c-1.pdf"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/extractions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	var out struct {
		JobID  string `json:"jobId"`
		Status string `json:"status"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.JobID != active.ID.String() || out.Status != types.JobStatusRunning {
		t.Fatalf("expected the active job back, got %+v", out)
	}
	if len(f.repo.created) != 0 {
		t.Fatalf("duplicate job was queued")
	}
}

func TestCreateRequeuesAfterTerminalJob(t *testing.T) {
	f := newHandlerFixture(t)
	f.repo.latest = &types.ExtractionJob{
		ID:         uuid.New(),
		ContractID: "c-1",
		JobType:    types.JobTypeExtractContract,
		Status:     types.JobStatusFailed,
	}

	body := `{"contractId":"c-1","fileKey":"uploads/c-1.pdf"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/extractions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	if len(f.repo.created) != 1 {
		t.Fatalf("expected a fresh job after a failed one")
	}
}

func TestGetByIDRejectsBadID(t *testing.T) {
	f := newHandlerFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/extractions/not-a-uuid", nil)
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	var out ErrorEnvelope
	if err := json.NewDecoder(rr.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Error.Code != "invalid_job_id" {
		t.Fatalf("unexpected code: %q", out.Error.Code)
	}
}

func TestGetByIDNotFound(t *testing.T) {
	f := newHandlerFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/extractions/"+uuid.NewString(), nil)
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
}

func TestGetByIDReturnsJob(t *testing.T) {
	f := newHandlerFixture(t)
	job := &types.ExtractionJob{
		ID:         uuid.New(),
		ContractID: "c-1",
		JobType:    types.JobTypeExtractContract,
		Status:     types.JobStatusSucceeded,
		Stage:      "done",
		Progress:   100,
	}
	f.repo.byID[job.ID] = job

	req := httptest.NewRequest(http.MethodGet, "/api/v1/extractions/"+job.ID.String(), nil)
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	var out struct {
		Job struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"job"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Job.ID != job.ID.String() || out.Job.Status != types.JobStatusSucceeded {
		t.Fatalf("unexpected job: %+v", out.Job)
	}
}

func TestEventsSendsSnapshotOnConnect(t *testing.T) {
	f := newHandlerFixture(t)
	job := &types.ExtractionJob{
		ID:         uuid.New(),
		ContractID: "c-1",
		JobType:    types.JobTypeExtractContract,
		Status:     types.JobStatusRunning,
		Stage:      "extract",
		Progress:   30,
	}
	f.repo.byID[job.ID] = job

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/extractions/"+job.ID.String()+"/events", nil).WithContext(ctx)
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)

	if got := rr.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("content type: %q", got)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "event: message") {
		t.Fatalf("no SSE frame in body: %q", body)
	}
	if !strings.Contains(body, job.ID.String()) || !strings.Contains(body, `"stage":"extract"`) {
		t.Fatalf("snapshot missing job state: %q", body)
	}
}

func TestEventsRejectsUnknownJob(t *testing.T) {
	f := newHandlerFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/extractions/"+uuid.NewString()+"/events", nil)
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
}
