package types

import (
	"encoding/json"
	"fmt"

	apperrors "github.com/habitaro/extraction-backend/internal/pkg/errors"
)

// UnitExtraction is one logical unit as reported by a single extraction
// pass: the extracted field map, per-field confidence labels, and the
// citations backing the values.
type UnitExtraction struct {
	Unit       map[string]any    `json:"unit"`
	Confidence map[string]string `json:"confidence"`
	Sources    []Source          `json:"sources"`
}

// Source cites the chunk a field value came from. ChunkID is nil when the
// pass gave no provenance, or the literal "calculated" when the value was
// derived instead of read off the page.
type Source struct {
	Field       string  `json:"field"`
	ChunkID     *string `json:"chunk_id"`
	Page        *int    `json:"page,omitempty"`
	TextExcerpt string  `json:"text_excerpt,omitempty"`
}

// CalculatedRef is the chunk reference agents use for derived values.
const CalculatedRef = "calculated"

// DecodeUnitExtractions is the shape boundary between agent output and the
// merge core. Missing keys are tolerated (they decode to empty maps and
// slices); a structurally wrong document, such as a unit that is not an
// object, is a contract violation and fails the decode.
func DecodeUnitExtractions(label string, raw []byte) ([]UnitExtraction, error) {
	var units []UnitExtraction
	if err := json.Unmarshal(raw, &units); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", apperrors.ErrMalformedRecord, label, err)
	}
	return units, nil
}
