package provenance

import (
	"testing"

	"github.com/habitaro/extraction-backend/internal/logger"
	"github.com/habitaro/extraction-backend/internal/pkg/pointers"
	"github.com/habitaro/extraction-backend/internal/types"
)

func testMerger(t *testing.T) Merger {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return NewMerger(log)
}

func unitWith(fields map[string]any, confidence map[string]string, sources ...types.Source) types.UnitExtraction {
	return types.UnitExtraction{Unit: fields, Confidence: confidence, Sources: sources}
}

func TestMergeUnitCountFollowsPassA(t *testing.T) {
	m := testMerger(t)
	passA := []types.UnitExtraction{
		unitWith(map[string]any{"unitCode": "A101"}, nil),
		unitWith(map[string]any{"unitCode": "A102"}, nil),
		unitWith(map[string]any{"unitCode": "A103"}, nil),
	}
	for _, bLen := range []int{0, 1, 3, 7} {
		passB := make([]types.UnitExtraction, 0, bLen)
		for i := 0; i < bLen; i++ {
			passB = append(passB, unitWith(map[string]any{}, nil))
		}
		merged, diag := m.Merge(JobContext{JobID: "job-1"}, passA, passB, types.ArtifactMap{})
		if len(merged) != len(passA) {
			t.Fatalf("anchored merge with %d pass-B units: want=%d got=%d", bLen, len(passA), len(merged))
		}
		wantDropped := 0
		if bLen > len(passA) {
			wantDropped = bLen - len(passA)
		}
		if diag.DroppedUnits != wantDropped {
			t.Fatalf("dropped units with %d pass-B units: want=%d got=%d", bLen, wantDropped, diag.DroppedUnits)
		}
	}
}

func TestMergeUnionModeEmitsOverflowUnits(t *testing.T) {
	m := testMerger(t)
	passA := []types.UnitExtraction{
		unitWith(map[string]any{"unitCode": "A101"}, nil),
	}
	passB := []types.UnitExtraction{
		unitWith(map[string]any{}, nil),
		unitWith(
			map[string]any{"unitCode": "A102", FieldInstallmentPlans: []any{map[string]any{"series": "B"}}},
			map[string]string{FieldInstallmentPlans: "high"},
			types.Source{Field: FieldInstallmentPlans, ChunkID: pointers.String("chunk_009")},
		),
	}
	merged, diag := m.Merge(JobContext{JobID: "job-1", Mode: ModeUnion}, passA, passB, types.ArtifactMap{})
	if len(merged) != 2 {
		t.Fatalf("union merge length: want=2 got=%d", len(merged))
	}
	if diag.DroppedUnits != 0 {
		t.Fatalf("union merge drops nothing: got=%d", diag.DroppedUnits)
	}
	overflow := merged[1]
	if overflow.Unit["unitCode"] != "A102" {
		t.Fatalf("overflow unit fields: want unitCode=A102 got=%v", overflow.Unit["unitCode"])
	}
	if len(overflow.Sources) != 1 {
		t.Fatalf("overflow unit citations: want=1 got=%d", len(overflow.Sources))
	}
	if !overflow.Sources[0].Supplementary {
		t.Fatalf("overflow citations must be supplementary")
	}
	if overflow.Sources[0].ChunkFileKey == nil || *overflow.Sources[0].ChunkFileKey != "chunk_009" {
		t.Fatalf("overflow citation fallback: want=chunk_009 got=%v", overflow.Sources[0].ChunkFileKey)
	}
}

func TestMergeInstallmentPlansOverwrite(t *testing.T) {
	m := testMerger(t)
	passA := []types.UnitExtraction{
		unitWith(map[string]any{
			"unitCode":            "A101",
			"totalPrice":          350000.0,
			FieldInstallmentPlans: []any{map[string]any{"series": "X"}},
		}, nil),
	}
	passB := []types.UnitExtraction{
		unitWith(map[string]any{
			FieldInstallmentPlans: []any{
				map[string]any{"series": "Y"},
				map[string]any{"series": "Z"},
			},
		}, nil),
	}
	merged, _ := m.Merge(JobContext{JobID: "job-1"}, passA, passB, types.ArtifactMap{})
	plans, ok := merged[0].Unit[FieldInstallmentPlans].([]any)
	if !ok || len(plans) != 2 {
		t.Fatalf("installment plans overwrite: want 2 plans got %v", merged[0].Unit[FieldInstallmentPlans])
	}
	if merged[0].Unit["totalPrice"] != 350000.0 {
		t.Fatalf("non-installment field changed: want=350000 got=%v", merged[0].Unit["totalPrice"])
	}
	if merged[0].Unit["unitCode"] != "A101" {
		t.Fatalf("non-installment field changed: want=A101 got=%v", merged[0].Unit["unitCode"])
	}
	// the pass-A input itself must stay untouched
	aPlans := passA[0].Unit[FieldInstallmentPlans].([]any)
	if len(aPlans) != 1 {
		t.Fatalf("merge mutated pass-A input: got %d plans", len(aPlans))
	}
}

func TestMergeEmptyPassBPlansDoNotOverwrite(t *testing.T) {
	m := testMerger(t)
	passA := []types.UnitExtraction{
		unitWith(map[string]any{FieldInstallmentPlans: []any{map[string]any{"series": "X"}}}, nil),
	}
	passB := []types.UnitExtraction{
		unitWith(map[string]any{FieldInstallmentPlans: []any{}}, nil),
	}
	merged, _ := m.Merge(JobContext{JobID: "job-1"}, passA, passB, types.ArtifactMap{})
	plans := merged[0].Unit[FieldInstallmentPlans].([]any)
	if len(plans) != 1 {
		t.Fatalf("empty pass-B plans must not overwrite: want=1 got=%d", len(plans))
	}
}

func TestMergeConfidencePrecedence(t *testing.T) {
	m := testMerger(t)
	passA := []types.UnitExtraction{
		unitWith(map[string]any{}, map[string]string{"f1": "high", "f2": "low"}),
	}
	passB := []types.UnitExtraction{
		unitWith(map[string]any{}, map[string]string{"f1": "medium", "f3": "high"}),
	}
	merged, _ := m.Merge(JobContext{JobID: "job-1"}, passA, passB, types.ArtifactMap{})
	conf := merged[0].Confidence
	want := map[string]string{"f1": "medium", "f2": "low", "f3": "high"}
	if len(conf) != len(want) {
		t.Fatalf("confidence keys: want=%d got=%d", len(want), len(conf))
	}
	for k, v := range want {
		if conf[k] != v {
			t.Fatalf("confidence %q: want=%q got=%q", k, v, conf[k])
		}
	}
}

func TestMergeCalculatedAsymmetry(t *testing.T) {
	m := testMerger(t)
	passA := []types.UnitExtraction{
		unitWith(map[string]any{}, nil,
			types.Source{Field: "total", ChunkID: pointers.String(types.CalculatedRef)}),
	}
	passB := []types.UnitExtraction{
		unitWith(map[string]any{}, nil,
			types.Source{Field: "monthlyTotal", ChunkID: pointers.String(types.CalculatedRef)}),
	}
	merged, _ := m.Merge(JobContext{JobID: "job-1"}, passA, passB, types.ArtifactMap{})
	if len(merged[0].Sources) != 2 {
		t.Fatalf("citation count: want=2 got=%d", len(merged[0].Sources))
	}
	primary := merged[0].Sources[0]
	if primary.ChunkFileKey != nil {
		t.Fatalf("calculated primary citation must resolve to null, got %q", *primary.ChunkFileKey)
	}
	appended := merged[0].Sources[1]
	if appended.ChunkFileKey == nil || *appended.ChunkFileKey != types.CalculatedRef {
		t.Fatalf("calculated supplementary citation must pass through, got %v", appended.ChunkFileKey)
	}
}

func TestMergeArtifactFirstWins(t *testing.T) {
	m := testMerger(t)
	passA := []types.UnitExtraction{
		unitWith(map[string]any{}, nil,
			types.Source{Field: "buyerName", ChunkID: pointers.String("chunk_001")}),
	}
	artifacts := types.ArtifactMap{
		"unit1_buyerName": {"gs://bucket/contracts/j/images/unit_1/buyerName.png", "gs://bucket/other.png"},
	}
	merged, _ := m.Merge(JobContext{JobID: "job-1"}, passA, nil, artifacts)
	got := merged[0].Sources[0].ChunkFileKey
	if got == nil || *got != "gs://bucket/contracts/j/images/unit_1/buyerName.png" {
		t.Fatalf("artifact resolution: want first locator got=%v", got)
	}
}

func TestMergeFallsBackToChunkRefWithoutArtifact(t *testing.T) {
	m := testMerger(t)
	passA := []types.UnitExtraction{
		unitWith(map[string]any{}, nil,
			types.Source{Field: "buyerName", ChunkID: pointers.String("chunk_014")}),
	}
	merged, _ := m.Merge(JobContext{JobID: "job-1"}, passA, nil, types.ArtifactMap{})
	got := merged[0].Sources[0].ChunkFileKey
	if got == nil || *got != "chunk_014" {
		t.Fatalf("fallback resolution: want=chunk_014 got=%v", got)
	}
}

func TestMergeNoCitationLoss(t *testing.T) {
	m := testMerger(t)
	passA := []types.UnitExtraction{
		unitWith(map[string]any{}, nil,
			types.Source{Field: "f1", ChunkID: pointers.String("c1")},
			types.Source{Field: "f2", ChunkID: pointers.String("c2")},
			types.Source{Field: "f2", ChunkID: pointers.String("c2")}),
	}
	passB := []types.UnitExtraction{
		unitWith(map[string]any{}, nil,
			types.Source{Field: "f2", ChunkID: pointers.String("c2")},
			types.Source{Field: "f3", ChunkID: pointers.String("c3")},
			types.Source{Field: "f3", ChunkID: nil}),
	}
	// dedupe(A)=2, dedupe(B)=3, exact key overlap=1
	merged, _ := m.Merge(JobContext{JobID: "job-1"}, passA, passB, types.ArtifactMap{})
	if len(merged[0].Sources) != 4 {
		t.Fatalf("citation count: want=4 got=%d", len(merged[0].Sources))
	}
}

func TestMergeCoverageDiagnosticsDoNotAlterOutput(t *testing.T) {
	m := testMerger(t)
	passA := []types.UnitExtraction{
		unitWith(map[string]any{"unitCode": "A101"}, nil,
			types.Source{Field: "buyerName", ChunkID: nil},
			types.Source{Field: "unitCode", ChunkID: pointers.String("chunk_002")}),
	}
	merged, diag := m.Merge(JobContext{JobID: "job-1"}, passA, nil, types.ArtifactMap{})
	if len(diag.Gaps) != 1 {
		t.Fatalf("coverage gaps: want=1 got=%d", len(diag.Gaps))
	}
	if diag.Gaps[0].UnitNumber != 1 || diag.Gaps[0].Field != "buyerName" {
		t.Fatalf("coverage gap: want unit 1 buyerName got unit %d %q", diag.Gaps[0].UnitNumber, diag.Gaps[0].Field)
	}
	if len(merged[0].Sources) != 2 {
		t.Fatalf("diagnostics altered output: want=2 citations got=%d", len(merged[0].Sources))
	}
}

func TestCoverageGapsOnRawPassOutput(t *testing.T) {
	units := []types.UnitExtraction{
		unitWith(map[string]any{}, nil, types.Source{Field: "a", ChunkID: pointers.String("c")}),
		unitWith(map[string]any{}, nil,
			types.Source{Field: "b", ChunkID: nil},
			types.Source{Field: "c", ChunkID: pointers.String("")}),
	}
	gaps := CoverageGaps(units)
	if len(gaps) != 2 {
		t.Fatalf("coverage gaps: want=2 got=%d", len(gaps))
	}
	if gaps[0].UnitNumber != 2 || gaps[0].Field != "b" {
		t.Fatalf("first gap: want unit 2 field b got unit %d field %q", gaps[0].UnitNumber, gaps[0].Field)
	}
}

func TestParseMergeMode(t *testing.T) {
	if mode, err := ParseMergeMode(""); err != nil || mode != ModeAnchored {
		t.Fatalf("empty mode: want anchored got %v err=%v", mode, err)
	}
	if mode, err := ParseMergeMode("Union"); err != nil || mode != ModeUnion {
		t.Fatalf("union mode: got %v err=%v", mode, err)
	}
	if _, err := ParseMergeMode("both"); err == nil {
		t.Fatalf("unknown mode must error")
	}
}

func TestCombineForCutouts(t *testing.T) {
	passA := []types.UnitExtraction{
		unitWith(map[string]any{"unitCode": "A101", FieldInstallmentPlans: []any{map[string]any{"series": "X"}}},
			map[string]string{"unitCode": "high"},
			types.Source{Field: "unitCode", ChunkID: pointers.String("chunk_001")}),
	}
	passB := []types.UnitExtraction{
		unitWith(map[string]any{FieldInstallmentPlans: []any{}},
			map[string]string{FieldInstallmentPlans: "low"},
			types.Source{Field: FieldInstallmentPlans, ChunkID: pointers.String("chunk_005")}),
		unitWith(map[string]any{"unitCode": "A102"}, nil),
	}
	combined := CombineForCutouts(passA, passB)
	if len(combined) != 2 {
		t.Fatalf("combined length: want=2 got=%d", len(combined))
	}
	if len(combined[0].Sources) != 2 {
		t.Fatalf("combined sources: want=2 got=%d", len(combined[0].Sources))
	}
	// unlike the merge, the renderer input takes pass-B plans verbatim
	plans := combined[0].Unit[FieldInstallmentPlans].([]any)
	if len(plans) != 0 {
		t.Fatalf("renderer input plans: want pass-B value got %v", plans)
	}
	if combined[0].Confidence[FieldInstallmentPlans] != "low" {
		t.Fatalf("renderer input confidence not merged")
	}
	if combined[1].Unit["unitCode"] != "A102" {
		t.Fatalf("overflow unit not appended")
	}
	if len(passA[0].Sources) != 1 {
		t.Fatalf("combine mutated pass-A input")
	}
}
