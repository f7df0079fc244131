package provenance

import (
	"github.com/habitaro/extraction-backend/internal/types"
)

// CombineForCutouts builds the unit list the cutout renderer works from:
// pass-A units extended with pass-B citations, installment plans, and
// confidence, plus pass-B units beyond pass-A's length appended whole.
// Citations are not deduplicated here; artifacts are keyed by (unit,
// field), so repeated citations re-render the same key at worst.
func CombineForCutouts(passA, passB []types.UnitExtraction) []types.UnitExtraction {
	combined := make([]types.UnitExtraction, 0, len(passA))
	for _, a := range passA {
		combined = append(combined, types.UnitExtraction{
			Unit:       copyFields(a.Unit),
			Confidence: copyConfidence(a.Confidence),
			Sources:    append([]types.Source(nil), a.Sources...),
		})
	}
	for idx, b := range passB {
		if idx >= len(combined) {
			combined = append(combined, b)
			continue
		}
		combined[idx].Sources = append(combined[idx].Sources, b.Sources...)
		combined[idx].Unit[FieldInstallmentPlans] = plansOf(b.Unit)
		for k, v := range b.Confidence {
			combined[idx].Confidence[k] = v
		}
	}
	return combined
}

func plansOf(unit map[string]any) any {
	if v, ok := unit[FieldInstallmentPlans]; ok && v != nil {
		return v
	}
	return []any{}
}
