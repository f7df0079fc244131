package repos

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/habitaro/extraction-backend/internal/logger"
	"github.com/habitaro/extraction-backend/internal/types"
)

type DocumentChunkRepo interface {
	ReplaceForDocument(ctx context.Context, tx *gorm.DB, documentID uuid.UUID, chunks []*types.DocumentChunk) ([]*types.DocumentChunk, error)
	ListByDocument(ctx context.Context, tx *gorm.DB, documentID uuid.UUID) ([]*types.DocumentChunk, error)
}

type documentChunkRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewDocumentChunkRepo(db *gorm.DB, baseLog *logger.Logger) DocumentChunkRepo {
	return &documentChunkRepo{
		db:  db,
		log: baseLog.With("repo", "DocumentChunkRepo"),
	}
}

// ReplaceForDocument swaps the stored chunk set for a document in one
// transaction. Re-running ingestion for the same document stays idempotent.
func (r *documentChunkRepo) ReplaceForDocument(ctx context.Context, tx *gorm.DB, documentID uuid.UUID, chunks []*types.DocumentChunk) ([]*types.DocumentChunk, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if documentID == uuid.Nil {
		return []*types.DocumentChunk{}, nil
	}
	err := transaction.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		if err := txx.Where("document_id = ?", documentID).Delete(&types.DocumentChunk{}).Error; err != nil {
			return err
		}
		if len(chunks) == 0 {
			return nil
		}
		for _, c := range chunks {
			c.DocumentID = documentID
		}
		return txx.Create(&chunks).Error
	})
	if err != nil {
		return nil, err
	}
	return chunks, nil
}

func (r *documentChunkRepo) ListByDocument(ctx context.Context, tx *gorm.DB, documentID uuid.UUID) ([]*types.DocumentChunk, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.DocumentChunk
	if documentID == uuid.Nil {
		return out, nil
	}
	if err := transaction.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("chunk_key ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
