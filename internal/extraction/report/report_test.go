package report

import (
	"strings"
	"testing"
	"time"

	"github.com/habitaro/extraction-backend/internal/extraction/cutout"
	"github.com/habitaro/extraction-backend/internal/extraction/fieldspec"
	"github.com/habitaro/extraction-backend/internal/types"
)

func testSpec(t *testing.T) *fieldspec.Spec {
	t.Helper()
	spec, err := fieldspec.Load()
	if err != nil {
		t.Fatalf("load fieldspec: %v", err)
	}
	return spec
}

func ref(s string) *string { return &s }

func TestRenderUnitSections(t *testing.T) {
	units := []types.UnitExtraction{{
		Unit: map[string]any{
			"unitCode":   "A-101",
			"totalPrice": float64(2500000000),
			"installmentPlans": []any{
				map[string]any{"sequence": float64(1), "label": "Signing", "dueDate": "2024-01-15", "amount": float64(250000000), "percentage": float64(10)},
			},
		},
		Confidence: map[string]string{"unitCode": "high"},
		Sources: []types.Source{
			{Field: "unitCode", ChunkID: ref("chunk_001")},
			{Field: "totalPrice", ChunkID: ref(types.CalculatedRef)},
		},
	}}
	manifest := []cutout.ManifestEntry{
		{UnitIndex: 1, Field: "unitCode", ChunkID: "chunk_001", Page: 1},
	}

	md := string(Render(testSpec(t), units, manifest, Meta{
		ContractID:  "c-77",
		GeneratedAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		PageCount:   4,
	}))

	for _, want := range []string{
		"## Unit 1: A-101",
		"| unitCode | A-101 | high | `chunk_001` |",
		"2500000000",
		"### Installment schedule",
		"| 1 | Signing | 2024-01-15 | 250000000 | 10 |",
		"![unitCode](images/unit_1/unitCode.png)",
		"- Pages: 4",
	} {
		if !strings.Contains(md, want) {
			t.Fatalf("report missing %q:\n%s", want, md)
		}
	}
}

func TestRenderLargeAmountsAreNotScientific(t *testing.T) {
	if got := renderValue(float64(2500000000)); got != "2500000000" {
		t.Fatalf("value: want=2500000000 got=%s", got)
	}
}

func TestRenderEscapesTableBreakingText(t *testing.T) {
	if got := renderValue("a|b\nc"); got != "a\\|b c" {
		t.Fatalf("escape: got=%q", got)
	}
}

func TestRenderEmptyUnits(t *testing.T) {
	md := string(Render(testSpec(t), nil, nil, Meta{}))
	if !strings.Contains(md, "No units were extracted") {
		t.Fatalf("empty note missing:\n%s", md)
	}
}

func TestRenderMissingFieldsShowDash(t *testing.T) {
	units := []types.UnitExtraction{{Unit: map[string]any{"unitCode": "B-202"}}}
	md := string(Render(testSpec(t), units, nil, Meta{}))
	if !strings.Contains(md, "| buyerName | - | - | - |") {
		t.Fatalf("dash row missing:\n%s", md)
	}
}
