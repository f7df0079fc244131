package provenance

import (
	"github.com/habitaro/extraction-backend/internal/types"
)

// resolvePrimary rewrites a pass-A citation to its artifact locator. With
// no artifact the chunk ref itself is surfaced, except a "calculated" ref,
// which has no literal source chunk and resolves to null.
func resolvePrimary(unitNumber int, src types.Source, artifacts types.ArtifactMap) types.MergedSource {
	out := types.MergedSource{Field: src.Field, ChunkID: src.ChunkID}
	if loc, ok := artifacts.First(types.ArtifactKey(unitNumber, src.Field)); ok {
		out.ChunkFileKey = &loc
		return out
	}
	if src.ChunkID != nil && *src.ChunkID != types.CalculatedRef {
		ref := *src.ChunkID
		out.ChunkFileKey = &ref
	}
	return out
}

// resolveSupplementary rewrites an appended pass-B citation. Unlike
// resolvePrimary, the fallback passes the chunk ref through unchanged,
// "calculated" included, and the wire form never carries a chunk id.
func resolveSupplementary(unitNumber int, src types.Source, artifacts types.ArtifactMap) types.MergedSource {
	out := types.MergedSource{Field: src.Field, ChunkID: src.ChunkID, Supplementary: true}
	if loc, ok := artifacts.First(types.ArtifactKey(unitNumber, src.Field)); ok {
		out.ChunkFileKey = &loc
		return out
	}
	if src.ChunkID != nil {
		ref := *src.ChunkID
		out.ChunkFileKey = &ref
	}
	return out
}
