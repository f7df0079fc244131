package repos

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/habitaro/extraction-backend/internal/logger"
	"github.com/habitaro/extraction-backend/internal/types"
)

type ContractDocumentRepo interface {
	Create(ctx context.Context, tx *gorm.DB, docs []*types.ContractDocument) ([]*types.ContractDocument, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.ContractDocument, error)
	GetLatestByContract(ctx context.Context, tx *gorm.DB, contractID string) (*types.ContractDocument, error)
	UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error
}

type contractDocumentRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewContractDocumentRepo(db *gorm.DB, baseLog *logger.Logger) ContractDocumentRepo {
	return &contractDocumentRepo{
		db:  db,
		log: baseLog.With("repo", "ContractDocumentRepo"),
	}
}

func (r *contractDocumentRepo) Create(ctx context.Context, tx *gorm.DB, docs []*types.ContractDocument) ([]*types.ContractDocument, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(docs) == 0 {
		return []*types.ContractDocument{}, nil
	}
	if err := transaction.WithContext(ctx).Create(&docs).Error; err != nil {
		return nil, err
	}
	return docs, nil
}

func (r *contractDocumentRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.ContractDocument, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil, nil
	}
	var doc types.ContractDocument
	err := transaction.WithContext(ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&doc).Error
	if err != nil {
		return nil, err
	}
	if doc.ID == uuid.Nil {
		return nil, nil
	}
	return &doc, nil
}

func (r *contractDocumentRepo) GetLatestByContract(ctx context.Context, tx *gorm.DB, contractID string) (*types.ContractDocument, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if contractID == "" {
		return nil, nil
	}
	var doc types.ContractDocument
	err := transaction.WithContext(ctx).
		Where("contract_id = ?", contractID).
		Order("created_at DESC").
		Limit(1).
		Find(&doc).Error
	if err != nil {
		return nil, err
	}
	if doc.ID == uuid.Nil {
		return nil, nil
	}
	return &doc, nil
}

func (r *contractDocumentRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil || len(updates) == 0 {
		return nil
	}
	return transaction.WithContext(ctx).
		Model(&types.ContractDocument{}).
		Where("id = ?", id).
		Updates(updates).Error
}
