package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/habitaro/extraction-backend/internal/platform/ctxutil"
	"github.com/habitaro/extraction-backend/internal/repos"
	"github.com/habitaro/extraction-backend/internal/services"
	"github.com/habitaro/extraction-backend/internal/types"
)

/*
Context is the execution contract between the worker and pipeline code.
It wraps:
  - The claimed extraction_job row in memory,
  - The repo that persists its state transitions,
  - The notifier side-channel (SSE),
  - And the only sanctioned ways to report progress or terminate a run.

Pipelines never write extraction_job rows directly. Every transition goes
through Progress/Fail/Succeed, all guarded so a canceled job is never
overwritten by a worker that has not noticed the cancellation yet.
*/
type Context struct {
	Ctx    context.Context
	DB     *gorm.DB
	Job    *types.ExtractionJob
	Repo   repos.ExtractionJobRepo
	Notify services.JobNotifier

	payload map[string]any
}

// NewContext builds a Context for a claimed job execution. The payload JSON
// is decoded eagerly so handlers read inputs via Payload()/PayloadString().
// A decode failure is non-fatal here; handlers validate required fields.
func NewContext(ctx context.Context, db *gorm.DB, job *types.ExtractionJob, repo repos.ExtractionJobRepo, notify services.JobNotifier) *Context {
	c := &Context{
		Ctx:    ctx,
		DB:     db,
		Job:    job,
		Repo:   repo,
		Notify: notify,
	}
	_ = c.decodePayload()
	c.applyTraceData()
	return c
}

func (c *Context) decodePayload() error {
	if c.Job == nil {
		return nil
	}
	if len(c.Job.Payload) == 0 {
		c.payload = map[string]any{}
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(c.Job.Payload, &m); err != nil {
		c.payload = map[string]any{}
		return err
	}
	c.payload = m
	return nil
}

// applyTraceData threads the trace and request ids the API stamped into
// the payload back onto the job context, so worker-side logs line up with
// the originating request.
func (c *Context) applyTraceData() {
	if c == nil || c.Ctx == nil {
		return
	}
	payload := c.Payload()
	traceID := payloadTrimmed(payload, "trace_id")
	reqID := payloadTrimmed(payload, "request_id")
	if traceID == "" && reqID == "" {
		return
	}
	c.Ctx = ctxutil.WithTraceData(c.Ctx, &ctxutil.TraceData{
		TraceID:   traceID,
		RequestID: reqID,
	})
}

func payloadTrimmed(payload map[string]any, key string) string {
	v, ok := payload[key]
	if !ok || v == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

// Payload returns the decoded payload map. Never nil.
func (c *Context) Payload() map[string]any {
	if c.payload == nil {
		c.payload = map[string]any{}
	}
	return c.payload
}

// PayloadString reads a payload field as a trimmed string. Returns false
// when the key is missing, nil, or blank after trimming.
func (c *Context) PayloadString(key string) (string, bool) {
	v, ok := c.Payload()[key]
	if !ok || v == nil {
		return "", false
	}
	s := strings.TrimSpace(fmt.Sprint(v))
	if s == "" {
		return "", false
	}
	return s, true
}

// Update applies arbitrary field updates to the job row, guarded against
// canceled jobs. Prefer Progress/Fail/Succeed for lifecycle transitions so
// the invariants stay centralized; this is for rare custom writes.
func (c *Context) Update(updates map[string]any) error {
	if c == nil || c.Repo == nil || c.Job == nil || c.Job.ID == uuid.Nil {
		return nil
	}
	_, err := c.Repo.UpdateFieldsUnlessStatus(c.ctx(), nil, c.Job.ID, []string{types.JobStatusCanceled}, toIfaceMap(updates))
	return err
}

// Progress publishes a non-terminal status update: stage, percent and a
// human message, plus a heartbeat write so the stale-running reaper leaves
// the job alone. The in-memory row is synced and a notifier event emitted.
func (c *Context) Progress(stage string, pct int, msg string) {
	if c == nil {
		return
	}
	now := time.Now()

	if c.Repo != nil && c.Job != nil && c.Job.ID != uuid.Nil {
		ok, _ := c.Repo.UpdateFieldsUnlessStatus(c.ctx(), nil, c.Job.ID, []string{types.JobStatusCanceled}, map[string]interface{}{
			"stage":        stage,
			"progress":     pct,
			"message":      msg,
			"heartbeat_at": now,
			"updated_at":   now,
		})
		if !ok {
			return
		}
	}

	if c.Job != nil {
		c.Job.Stage = stage
		c.Job.Progress = pct
		c.Job.Message = msg
		c.Job.HeartbeatAt = &now
		c.Job.UpdatedAt = now
		// status remains whatever the claim set ("running")
	}

	if c.Notify != nil && c.Job != nil {
		c.Notify.JobUpdated(c.ctx(), c.Job)
	}
}

// Fail marks the run terminally failed: status=failed, the failing stage,
// the error text, last_error_at, and locked_at cleared so the claim query
// can retry it after the backoff window. Canceled jobs are not overwritten;
// when the guard rejects the write no notification is emitted.
func (c *Context) Fail(stage string, err error) {
	if c == nil {
		return
	}
	now := time.Now()
	msg := ""
	if err != nil {
		msg = err.Error()
	}

	if c.Repo != nil && c.Job != nil && c.Job.ID != uuid.Nil {
		ok, _ := c.Repo.UpdateFieldsUnlessStatus(c.ctx(), nil, c.Job.ID, []string{types.JobStatusCanceled}, map[string]interface{}{
			"status":        types.JobStatusFailed,
			"stage":         stage,
			"message":       "",
			"error":         msg,
			"last_error_at": now,
			"locked_at":     nil,
			"updated_at":    now,
		})
		if !ok {
			return
		}
	}

	if c.Job != nil {
		c.Job.Status = types.JobStatusFailed
		c.Job.Stage = stage
		c.Job.Message = ""
		c.Job.Error = msg
		c.Job.LastErrorAt = &now
		c.Job.LockedAt = nil
		c.Job.UpdatedAt = now
	}

	if c.Notify != nil && c.Job != nil {
		c.Notify.JobFailed(c.ctx(), c.Job, stage, msg)
	}
}

// Succeed marks the run terminally succeeded and stores the result JSON on
// the row. Same cancellation guard as Fail.
func (c *Context) Succeed(finalStage string, result any) {
	if c == nil {
		return
	}
	now := time.Now()
	var res datatypes.JSON
	if result != nil {
		b, _ := json.Marshal(result)
		res = datatypes.JSON(b)
	}

	if c.Repo != nil && c.Job != nil && c.Job.ID != uuid.Nil {
		ok, _ := c.Repo.UpdateFieldsUnlessStatus(c.ctx(), nil, c.Job.ID, []string{types.JobStatusCanceled}, map[string]interface{}{
			"status":       types.JobStatusSucceeded,
			"stage":        finalStage,
			"progress":     100,
			"message":      "",
			"error":        "",
			"result":       res,
			"locked_at":    nil,
			"heartbeat_at": now,
			"updated_at":   now,
		})
		if !ok {
			return
		}
	}

	if c.Job != nil {
		c.Job.Status = types.JobStatusSucceeded
		c.Job.Stage = finalStage
		c.Job.Progress = 100
		c.Job.Message = ""
		c.Job.Error = ""
		c.Job.Result = res
		c.Job.LockedAt = nil
		c.Job.HeartbeatAt = &now
		c.Job.UpdatedAt = now
	}

	if c.Notify != nil && c.Job != nil {
		c.Notify.JobSucceeded(c.ctx(), c.Job)
	}
}

func (c *Context) ctx() context.Context {
	if c != nil && c.Ctx != nil {
		return c.Ctx
	}
	return context.Background()
}

func toIfaceMap(in map[string]any) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
