package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/habitaro/extraction-backend/internal/logger"
	"github.com/habitaro/extraction-backend/internal/types"
)

type ExtractionJobRepo interface {
	Create(ctx context.Context, tx *gorm.DB, jobs []*types.ExtractionJob) ([]*types.ExtractionJob, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.ExtractionJob, error)
	GetLatestByContract(ctx context.Context, tx *gorm.DB, contractID string, jobType string) (*types.ExtractionJob, error)
	ClaimNextRunnable(ctx context.Context, tx *gorm.DB, maxAttempts int, retryDelay time.Duration, staleRunning time.Duration) (*types.ExtractionJob, error)
	UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error
	UpdateFieldsUnlessStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, excludedStatuses []string, updates map[string]interface{}) (bool, error)
	Heartbeat(ctx context.Context, tx *gorm.DB, id uuid.UUID) error
}

type extractionJobRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewExtractionJobRepo(db *gorm.DB, baseLog *logger.Logger) ExtractionJobRepo {
	return &extractionJobRepo{
		db:  db,
		log: baseLog.With("repo", "ExtractionJobRepo"),
	}
}

func (r *extractionJobRepo) Create(ctx context.Context, tx *gorm.DB, jobs []*types.ExtractionJob) ([]*types.ExtractionJob, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(jobs) == 0 {
		return []*types.ExtractionJob{}, nil
	}
	if err := transaction.WithContext(ctx).Create(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *extractionJobRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.ExtractionJob, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil, nil
	}
	var job types.ExtractionJob
	err := transaction.WithContext(ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == uuid.Nil {
		return nil, nil
	}
	return &job, nil
}

func (r *extractionJobRepo) GetLatestByContract(ctx context.Context, tx *gorm.DB, contractID string, jobType string) (*types.ExtractionJob, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if contractID == "" || jobType == "" {
		return nil, nil
	}
	var job types.ExtractionJob
	err := transaction.WithContext(ctx).
		Where("contract_id = ? AND job_type = ?", contractID, jobType).
		Order("created_at DESC").
		Limit(1).
		Find(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == uuid.Nil {
		return nil, nil
	}
	return &job, nil
}

func (r *extractionJobRepo) ClaimNextRunnable(ctx context.Context, tx *gorm.DB, maxAttempts int, retryDelay time.Duration, staleRunning time.Duration) (*types.ExtractionJob, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	now := time.Now()
	retryCutoff := now.Add(-retryDelay)
	staleCutoff := now.Add(-staleRunning)
	var claimed *types.ExtractionJob
	err := transaction.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		var job types.ExtractionJob
		q := txx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where(`
				(
					status = ?
					OR (
						status = ?
						AND attempts < ?
						AND (last_error_at IS NULL OR last_error_at < ?)
					)
					OR (
						status = ?
						AND heartbeat_at IS NOT NULL
						AND heartbeat_at < ?
					)
				)
			`, types.JobStatusQueued, types.JobStatusFailed, maxAttempts, retryCutoff, types.JobStatusRunning, staleCutoff).
			Order("created_at ASC")
		qErr := q.First(&job).Error
		if errors.Is(qErr, gorm.ErrRecordNotFound) {
			return nil
		}
		if qErr != nil {
			return qErr
		}
		uErr := txx.Model(&types.ExtractionJob{}).
			Where("id = ?", job.ID).
			Updates(map[string]interface{}{
				"status":       types.JobStatusRunning,
				"attempts":     gorm.Expr("attempts + 1"),
				"locked_at":    now,
				"heartbeat_at": now,
				"updated_at":   now,
			}).Error
		if uErr != nil {
			return uErr
		}
		claimed = &job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *extractionJobRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return transaction.WithContext(ctx).
		Model(&types.ExtractionJob{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// UpdateFieldsUnlessStatus applies updates only while the job is not in one
// of the excluded statuses. Returns false when the guard rejected the write.
func (r *extractionJobRepo) UpdateFieldsUnlessStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, excludedStatuses []string, updates map[string]interface{}) (bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return false, nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	q := transaction.WithContext(ctx).
		Model(&types.ExtractionJob{}).
		Where("id = ?", id)
	if len(excludedStatuses) > 0 {
		q = q.Where("status NOT IN ?", excludedStatuses)
	}
	res := q.Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *extractionJobRepo) Heartbeat(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	now := time.Now()
	return transaction.WithContext(ctx).
		Model(&types.ExtractionJob{}).
		Where("id = ? AND status = ?", id, types.JobStatusRunning).
		Updates(map[string]interface{}{
			"heartbeat_at": now,
			"updated_at":   now,
		}).Error
}
