package services

import (
	"context"

	"github.com/habitaro/extraction-backend/internal/clients/redis"
	"github.com/habitaro/extraction-backend/internal/logger"
	"github.com/habitaro/extraction-backend/internal/sse"
	"github.com/habitaro/extraction-backend/internal/types"
)

// JobNotifier pushes job state changes onto the Redis SSE bus. The worker
// and the API may run as separate processes, so events never go straight to
// a local hub. A nil bus turns every call into a no-op.
type JobNotifier interface {
	JobUpdated(ctx context.Context, job *types.ExtractionJob)
	JobSucceeded(ctx context.Context, job *types.ExtractionJob)
	JobFailed(ctx context.Context, job *types.ExtractionJob, stage string, errorMessage string)
}

type jobNotifier struct {
	log *logger.Logger
	bus redis.SSEBus
}

func NewJobNotifier(log *logger.Logger, bus redis.SSEBus) JobNotifier {
	return &jobNotifier{
		log: log.With("service", "JobNotifier"),
		bus: bus,
	}
}

func (n *jobNotifier) JobUpdated(ctx context.Context, job *types.ExtractionJob) {
	n.publish(ctx, sse.SSEEventJobUpdated, job, nil)
}

func (n *jobNotifier) JobSucceeded(ctx context.Context, job *types.ExtractionJob) {
	n.publish(ctx, sse.SSEEventJobSucceeded, job, nil)
}

func (n *jobNotifier) JobFailed(ctx context.Context, job *types.ExtractionJob, stage string, errorMessage string) {
	n.publish(ctx, sse.SSEEventJobFailed, job, map[string]any{
		"stage": stage,
		"error": errorMessage,
	})
}

// JobEventData is the wire shape of a job event. The SSE handler reuses it
// for the snapshot it sends a client on connect, so stream consumers see
// one shape regardless of where the event came from.
func JobEventData(job *types.ExtractionJob) map[string]any {
	if job == nil {
		return map[string]any{}
	}
	return map[string]any{
		"job_id":      job.ID.String(),
		"contract_id": job.ContractID,
		"job_type":    job.JobType,
		"status":      job.Status,
		"stage":       job.Stage,
		"progress":    job.Progress,
		"message":     job.Message,
	}
}

func (n *jobNotifier) publish(ctx context.Context, event sse.SSEEvent, job *types.ExtractionJob, extra map[string]any) {
	if n.bus == nil || job == nil {
		return
	}

	data := JobEventData(job)
	for k, v := range extra {
		data[k] = v
	}

	err := n.bus.Publish(ctx, sse.SSEMessage{
		Channel: job.ID.String(),
		Event:   event,
		Data:    data,
	})
	if err != nil {
		n.log.Warn("Failed to publish job event", "job_id", job.ID.String(), "event", string(event), "error", err)
	}
}
