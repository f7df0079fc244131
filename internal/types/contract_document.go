package types

import (
	"time"

	"github.com/google/uuid"
)

type ContractDocument struct {
	ID         uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ContractID string    `gorm:"column:contract_id;not null;index" json:"contract_id"`
	Bucket     string    `gorm:"column:bucket;not null" json:"bucket"`
	FileKey    string    `gorm:"column:file_key;not null;index" json:"file_key"`
	PageCount  int       `gorm:"column:page_count;not null;default:0" json:"page_count"`
	ChunkCount int       `gorm:"column:chunk_count;not null;default:0" json:"chunk_count"`
	Status     string    `gorm:"column:status;not null;index" json:"status"`
	CreatedAt  time.Time `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt  time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (ContractDocument) TableName() string { return "contract_document" }
