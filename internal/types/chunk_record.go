package types

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ChunkRecord is the wire shape of one document chunk, both in the
// document_chunks.json artifact and in the agent prompt digests. BBox
// is [left, top, right, bottom], page-normalized, top-left origin.
type ChunkRecord struct {
	ChunkID     string     `json:"chunk_id"`
	Text        string     `json:"text"`
	Page        int        `json:"page"`
	BBox        [4]float64 `json:"bbox"`
	ElementType string     `json:"element_type"`
}

func ChunkID(n int) string {
	return fmt.Sprintf("chunk_%03d", n)
}

func (r ChunkRecord) Model(documentID uuid.UUID) DocumentChunk {
	return DocumentChunk{
		DocumentID:  documentID,
		ChunkKey:    r.ChunkID,
		Page:        r.Page,
		Text:        r.Text,
		ElementType: r.ElementType,
		BBoxL:       r.BBox[0],
		BBoxT:       r.BBox[1],
		BBoxR:       r.BBox[2],
		BBoxB:       r.BBox[3],
	}
}

func (m DocumentChunk) Record() ChunkRecord {
	return ChunkRecord{
		ChunkID:     m.ChunkKey,
		Text:        m.Text,
		Page:        m.Page,
		BBox:        [4]float64{m.BBoxL, m.BBoxT, m.BBoxR, m.BBoxB},
		ElementType: m.ElementType,
	}
}

func (r ChunkRecord) Box() NormBox {
	return NormBox{Left: r.BBox[0], Top: r.BBox[1], Right: r.BBox[2], Bottom: r.BBox[3]}
}

// RenderChunksText lays chunks out as the plain-text artifact, with a
// banner whenever the page number changes between consecutive chunks.
func RenderChunksText(chunks []ChunkRecord) string {
	var b strings.Builder
	currentPage := 0
	for _, c := range chunks {
		if c.Page != currentPage {
			if currentPage != 0 {
				b.WriteString("\n\n")
			}
			bar := strings.Repeat("=", 60)
			fmt.Fprintf(&b, "%s\nPAGE %d\n%s\n\n", bar, c.Page, bar)
			currentPage = c.Page
		}
		b.WriteString(c.Text)
		b.WriteString("\n\n")
	}
	return b.String()
}
