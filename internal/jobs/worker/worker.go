package worker

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/habitaro/extraction-backend/internal/jobs/runtime"
	"github.com/habitaro/extraction-backend/internal/logger"
	"github.com/habitaro/extraction-backend/internal/repos"
	"github.com/habitaro/extraction-backend/internal/services"
	"github.com/habitaro/extraction-backend/internal/utils"
)

// Worker polls extraction_job for runnable rows and dispatches each claim
// into the registered pipeline for its job type. Claims go through
// ClaimNextRunnable, so concurrent workers never double-run a job.
type Worker struct {
	db       *gorm.DB
	log      *logger.Logger
	repo     repos.ExtractionJobRepo
	registry *runtime.Registry
	notify   services.JobNotifier

	maxAttempts  int
	retryDelay   time.Duration
	staleRunning time.Duration
}

func NewWorker(db *gorm.DB, baseLog *logger.Logger, repo repos.ExtractionJobRepo, registry *runtime.Registry, notify services.JobNotifier) *Worker {
	log := baseLog.With("component", "JobWorker")
	maxAttempts := utils.GetEnvAsInt("EXTRACT_WORKER_MAX_ATTEMPTS", 3, baseLog)
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	retrySec := utils.GetEnvAsInt("EXTRACT_WORKER_RETRY_DELAY_SECONDS", 60, baseLog)
	if retrySec < 1 {
		retrySec = 1
	}
	staleMin := utils.GetEnvAsInt("EXTRACT_WORKER_STALE_RUNNING_MINUTES", 15, baseLog)
	if staleMin < 1 {
		staleMin = 1
	}
	return &Worker{
		db:           db,
		log:          log,
		repo:         repo,
		registry:     registry,
		notify:       notify,
		maxAttempts:  maxAttempts,
		retryDelay:   time.Duration(retrySec) * time.Second,
		staleRunning: time.Duration(staleMin) * time.Minute,
	}
}

func (w *Worker) Start(ctx context.Context) {
	concurrency := utils.GetEnvAsInt("EXTRACT_WORKER_CONCURRENCY", 2, w.log)
	if concurrency < 1 {
		concurrency = 1
	}
	w.log.Info("Starting job worker pool",
		"concurrency", concurrency,
		"max_attempts", w.maxAttempts,
		"retry_delay", w.retryDelay.String(),
		"stale_running", w.staleRunning.String(),
	)

	for i := 0; i < concurrency; i++ {
		workerID := i + 1
		go w.runLoop(ctx, workerID)
	}
}

func (w *Worker) runLoop(ctx context.Context, workerID int) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("Worker loop stopped", "worker_id", workerID)
			return
		case <-ticker.C:
			job, err := w.repo.ClaimNextRunnable(ctx, w.db, w.maxAttempts, w.retryDelay, w.staleRunning)
			if err != nil {
				w.log.Warn("ClaimNextRunnable failed", "worker_id", workerID, "error", err)
				continue
			}
			if job == nil {
				continue
			}

			h, ok := w.registry.Get(job.JobType)
			jc := runtime.NewContext(ctx, w.db, job, w.repo, w.notify)

			if !ok {
				w.log.Warn("No handler registered for job_type",
					"worker_id", workerID,
					"job_type", job.JobType,
					"job_id", job.ID,
				)
				jc.Fail("dispatch", &missingHandlerError{JobType: job.JobType})
				continue
			}

			func() {
				defer func() {
					if r := recover(); r != nil {
						w.log.Error("Job handler panic",
							"worker_id", workerID,
							"job_id", job.ID,
							"job_type", job.JobType,
							"panic", r,
						)
						jc.Fail("panic", &panicError{Val: r})
					}
				}()

				if runErr := h.Run(jc); runErr != nil {
					// Pipelines call jc.Fail themselves; this is a safety net.
					jc.Fail("run", runErr)
				}
			}()
		}
	}
}

type missingHandlerError struct{ JobType string }

func (e *missingHandlerError) Error() string { return "no handler registered for job_type=" + e.JobType }

type panicError struct{ Val any }

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.Val) }
