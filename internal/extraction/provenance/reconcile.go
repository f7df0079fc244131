package provenance

import (
	"github.com/habitaro/extraction-backend/internal/types"
)

// FieldInstallmentPlans is the one nested collection the installment pass
// owns outright: when it reports a non-empty value, it replaces whatever
// the contract pass put there.
const FieldInstallmentPlans = "installmentPlans"

// reconciled is a merged unit before citation resolution. Primary citations
// come from pass A; appended ones are the pass-B citations whose key was
// not already present.
type reconciled struct {
	unit       map[string]any
	confidence map[string]string
	primary    []types.Source
	appended   []types.Source
}

// reconcileUnit merges the two passes' views of one unit. Either input may
// be nil, never both.
func reconcileUnit(a, b *types.UnitExtraction) reconciled {
	if a == nil {
		rec := reconciled{
			unit:       copyFields(b.Unit),
			confidence: copyConfidence(b.Confidence),
		}
		rec.appended = DedupeSources(b.Sources)
		return rec
	}

	rec := reconciled{
		unit:       copyFields(a.Unit),
		confidence: copyConfidence(a.Confidence),
	}
	rec.primary = DedupeSources(a.Sources)

	if b == nil {
		return rec
	}

	if plans, ok := nonEmptyPlans(b.Unit); ok {
		rec.unit[FieldInstallmentPlans] = plans
	}
	for k, v := range b.Confidence {
		rec.confidence[k] = v
	}

	seen := keySetOf(rec.primary)
	for _, src := range DedupeSources(b.Sources) {
		key := keyOf(src.Field, src.ChunkID)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		rec.appended = append(rec.appended, src)
	}
	return rec
}

func nonEmptyPlans(unit map[string]any) (any, bool) {
	v, ok := unit[FieldInstallmentPlans]
	if !ok || v == nil {
		return nil, false
	}
	if arr, isArr := v.([]any); isArr {
		return arr, len(arr) > 0
	}
	return v, true
}

func copyFields(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyConfidence(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
