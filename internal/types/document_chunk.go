package types

import (
	"time"

	"github.com/google/uuid"
)

const (
	ChunkElementText  = "text"
	ChunkElementTable = "table"
)

type DocumentChunk struct {
	ID          uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	DocumentID  uuid.UUID `gorm:"type:uuid;not null;index" json:"document_id"`
	ChunkKey    string    `gorm:"column:chunk_key;not null;index" json:"chunk_id"`
	Page        int       `gorm:"column:page;not null" json:"page"`
	Text        string    `gorm:"column:text;not null" json:"text"`
	ElementType string    `gorm:"column:element_type;not null" json:"element_type"`
	BBoxL       float64   `gorm:"column:bbox_l" json:"bbox_l"`
	BBoxT       float64   `gorm:"column:bbox_t" json:"bbox_t"`
	BBoxR       float64   `gorm:"column:bbox_r" json:"bbox_r"`
	BBoxB       float64   `gorm:"column:bbox_b" json:"bbox_b"`
	CreatedAt   time.Time `gorm:"not null;default:now()" json:"created_at"`
}

func (DocumentChunk) TableName() string { return "document_chunk" }
