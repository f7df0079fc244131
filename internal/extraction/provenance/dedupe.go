package provenance

import (
	"github.com/habitaro/extraction-backend/internal/types"
)

// citationKey identifies a citation for dedup purposes. A nil chunk ref is
// a legal key component distinct from the empty string, so two citations
// for the same field both lacking a ref collapse into one.
type citationKey struct {
	field   string
	ref     string
	nullRef bool
}

func keyOf(field string, ref *string) citationKey {
	if ref == nil {
		return citationKey{field: field, nullRef: true}
	}
	return citationKey{field: field, ref: *ref}
}

func keySetOf(sources []types.Source) map[citationKey]struct{} {
	set := make(map[citationKey]struct{}, len(sources))
	for _, src := range sources {
		set[keyOf(src.Field, src.ChunkID)] = struct{}{}
	}
	return set
}

// DedupeSources removes repeated (field, chunk ref) citations, keeping the
// first occurrence and the original relative order. Citations for the same
// field backed by different chunks are distinct and all survive.
func DedupeSources(sources []types.Source) []types.Source {
	seen := make(map[citationKey]struct{}, len(sources))
	filtered := make([]types.Source, 0, len(sources))
	for _, src := range sources {
		key := keyOf(src.Field, src.ChunkID)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		filtered = append(filtered, src)
	}
	return filtered
}
