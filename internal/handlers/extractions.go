package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/habitaro/extraction-backend/internal/logger"
	"github.com/habitaro/extraction-backend/internal/platform/ctxutil"
	"github.com/habitaro/extraction-backend/internal/repos"
	"github.com/habitaro/extraction-backend/internal/services"
	"github.com/habitaro/extraction-backend/internal/sse"
	"github.com/habitaro/extraction-backend/internal/types"
)

var (
	errBlankFields = errors.New("contractId and fileKey must not be blank")
	errJobNotFound = errors.New("extraction job not found")
)

type ExtractionsHandler struct {
	log    *logger.Logger
	jobs   repos.ExtractionJobRepo
	hub    *sse.SSEHub
	notify services.JobNotifier
}

func NewExtractionsHandler(log *logger.Logger, jobs repos.ExtractionJobRepo, hub *sse.SSEHub, notify services.JobNotifier) *ExtractionsHandler {
	return &ExtractionsHandler{
		log:    log.With("handler", "ExtractionsHandler"),
		jobs:   jobs,
		hub:    hub,
		notify: notify,
	}
}

// POST /api/v1/extractions
func (h *ExtractionsHandler) Create(c *gin.Context) {
	var req struct {
		ContractID string `json:"contractId" binding:"required"`
		FileKey    string `json:"fileKey" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request_body", err)
		return
	}
	contractID := strings.TrimSpace(req.ContractID)
	fileKey := strings.TrimSpace(req.FileKey)
	if contractID == "" || fileKey == "" {
		RespondError(c, http.StatusBadRequest, "invalid_request_body", errBlankFields)
		return
	}

	ctx := c.Request.Context()

	// One live job per contract: queuing a second would race the first over
	// the same contracts/{id}/ artifact prefix.
	existing, err := h.jobs.GetLatestByContract(ctx, nil, contractID, types.JobTypeExtractContract)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "job_lookup_failed", err)
		return
	}
	if existing != nil && (existing.Status == types.JobStatusQueued || existing.Status == types.JobStatusRunning) {
		RespondOK(c, gin.H{"jobId": existing.ID, "status": existing.Status})
		return
	}

	payload := map[string]any{
		"contract_id": contractID,
		"file_key":    fileKey,
	}
	if td := ctxutil.GetTraceData(ctx); td != nil {
		if td.TraceID != "" {
			payload["trace_id"] = td.TraceID
		}
		if td.RequestID != "" {
			payload["request_id"] = td.RequestID
		}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "job_create_failed", err)
		return
	}

	job := &types.ExtractionJob{
		ContractID: contractID,
		JobType:    types.JobTypeExtractContract,
		Status:     types.JobStatusQueued,
		Stage:      "queued",
		Payload:    datatypes.JSON(raw),
	}
	created, err := h.jobs.Create(ctx, nil, []*types.ExtractionJob{job})
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "job_create_failed", err)
		return
	}
	job = created[0]

	h.log.Info("Extraction job queued", "contract_id", contractID, "job_id", job.ID.String())
	if h.notify != nil {
		h.notify.JobUpdated(ctx, job)
	}

	RespondAccepted(c, gin.H{"jobId": job.ID, "status": job.Status})
}

// GET /api/v1/extractions/:id
func (h *ExtractionsHandler) GetByID(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return
	}
	job, err := h.jobs.GetByID(c.Request.Context(), nil, jobID)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "job_lookup_failed", err)
		return
	}
	if job == nil {
		RespondError(c, http.StatusNotFound, "job_not_found", errJobNotFound)
		return
	}
	RespondOK(c, gin.H{"job": job})
}

// GET /api/v1/extractions/:id/events
//
// Streams job progress over SSE. The client gets a snapshot of the current
// job state on connect, then live events forwarded from the Redis bus.
func (h *ExtractionsHandler) Events(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return
	}
	job, err := h.jobs.GetByID(c.Request.Context(), nil, jobID)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "job_lookup_failed", err)
		return
	}
	if job == nil {
		RespondError(c, http.StatusNotFound, "job_not_found", errJobNotFound)
		return
	}

	client := h.hub.NewSSEClient()
	h.hub.AddChannel(client, jobID.String())
	defer h.hub.CloseClient(client)

	client.Outbound <- sse.SSEMessage{
		Channel: jobID.String(),
		Event:   sse.SSEEventJobUpdated,
		Data:    services.JobEventData(job),
	}

	h.hub.ServeHTTP(c.Writer, c.Request, client)
}
