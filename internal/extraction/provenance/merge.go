// Package provenance reconciles the two extraction passes run over one
// contract document into a single per-unit result list. It deduplicates
// citations, applies the installment-plan override, and rewrites chunk
// references to rendered artifact locators. The package is pure: all
// inputs arrive as values, nothing is read from the environment, and the
// only side channel is diagnostic logging.
package provenance

import (
	"fmt"
	"strings"

	"github.com/habitaro/extraction-backend/internal/logger"
	"github.com/habitaro/extraction-backend/internal/types"
)

// MergeMode selects how unit counts are reconciled when the two passes
// disagree.
type MergeMode int

const (
	// ModeAnchored emits exactly one merged unit per pass-A unit. Pass-B
	// units beyond pass-A's length are dropped and counted in Diagnostics.
	ModeAnchored MergeMode = iota
	// ModeUnion also emits pass-B units beyond pass-A's length, built from
	// pass-B data alone.
	ModeUnion
)

func (m MergeMode) String() string {
	switch m {
	case ModeUnion:
		return "union"
	default:
		return "anchored"
	}
}

func ParseMergeMode(raw string) (MergeMode, error) {
	switch strings.TrimSpace(strings.ToLower(raw)) {
	case "", "anchored":
		return ModeAnchored, nil
	case "union":
		return ModeUnion, nil
	default:
		return ModeAnchored, fmt.Errorf("unknown merge mode %q", raw)
	}
}

// JobContext carries the per-job identifiers and options the merge needs.
// It is passed explicitly; the merge never reads ambient state.
type JobContext struct {
	JobID      string
	BucketName string
	Mode       MergeMode
}

// CoverageGap flags a citation with no chunk reference.
type CoverageGap struct {
	UnitNumber int
	Field      string
}

// Diagnostics reports what the merge observed. It never influences the
// merged output and never escalates to an error.
type Diagnostics struct {
	MergedUnits  int
	Citations    int
	DroppedUnits int
	Gaps         []CoverageGap
}

type Merger interface {
	Merge(jc JobContext, passA, passB []types.UnitExtraction, artifacts types.ArtifactMap) ([]types.MergedUnit, Diagnostics)
}

type merger struct {
	log *logger.Logger
}

func NewMerger(log *logger.Logger) Merger {
	return &merger{log: log.With("service", "ProvenanceMerger")}
}

// Merge drives reconciliation across all units and resolves every citation.
// Pass-A citations resolve with the "calculated" rule; appended pass-B
// citations pass their ref through unchanged. Units present in only one
// pass are handled per jc.Mode.
func (m *merger) Merge(jc JobContext, passA, passB []types.UnitExtraction, artifacts types.ArtifactMap) ([]types.MergedUnit, Diagnostics) {
	total := len(passA)
	if jc.Mode == ModeUnion && len(passB) > total {
		total = len(passB)
	}

	diag := Diagnostics{}
	merged := make([]types.MergedUnit, 0, total)
	for idx := 0; idx < total; idx++ {
		a := unitAt(passA, idx)
		b := unitAt(passB, idx)
		if a == nil && b == nil {
			continue
		}
		unitNumber := idx + 1
		rec := reconcileUnit(a, b)

		sources := make([]types.MergedSource, 0, len(rec.primary)+len(rec.appended))
		for _, src := range rec.primary {
			sources = append(sources, resolvePrimary(unitNumber, src, artifacts))
		}
		for _, src := range rec.appended {
			sources = append(sources, resolveSupplementary(unitNumber, src, artifacts))
		}

		merged = append(merged, types.MergedUnit{
			Unit:       rec.unit,
			Confidence: rec.confidence,
			Sources:    sources,
		})
		diag.Citations += len(sources)
	}

	diag.MergedUnits = len(merged)
	diag.Gaps = mergedCoverageGaps(merged)
	if jc.Mode == ModeAnchored && len(passB) > len(passA) {
		diag.DroppedUnits = len(passB) - len(passA)
		m.log.Warn("pass-B units beyond pass-A length were not merged",
			"job_id", jc.JobID, "dropped_units", diag.DroppedUnits,
			"pass_a_units", len(passA), "pass_b_units", len(passB))
	}
	if len(diag.Gaps) > 0 {
		m.log.Warn("citations missing chunk reference",
			"job_id", jc.JobID, "count", len(diag.Gaps))
	}
	m.log.Debug("merge complete", "job_id", jc.JobID, "mode", jc.Mode.String(),
		"units", diag.MergedUnits, "citations", diag.Citations)
	return merged, diag
}

// unitAt treats the pass list as a map from index to optional unit, so a
// missing counterpart is an explicit nil instead of an index panic.
func unitAt(units []types.UnitExtraction, idx int) *types.UnitExtraction {
	if idx < 0 || idx >= len(units) {
		return nil
	}
	return &units[idx]
}

// CoverageGaps lists the citations in one pass's raw output that carry no
// chunk reference. Callers log it per pass; the result never feeds back
// into the merge.
func CoverageGaps(units []types.UnitExtraction) []CoverageGap {
	var missing []CoverageGap
	for idx, unit := range units {
		for _, src := range unit.Sources {
			if src.ChunkID == nil || *src.ChunkID == "" {
				missing = append(missing, CoverageGap{UnitNumber: idx + 1, Field: src.Field})
			}
		}
	}
	return missing
}

func mergedCoverageGaps(units []types.MergedUnit) []CoverageGap {
	var missing []CoverageGap
	for idx, unit := range units {
		for _, src := range unit.Sources {
			if src.ChunkID == nil || *src.ChunkID == "" {
				missing = append(missing, CoverageGap{UnitNumber: idx + 1, Field: src.Field})
			}
		}
	}
	return missing
}
