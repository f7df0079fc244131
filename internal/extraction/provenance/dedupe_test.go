package provenance

import (
	"testing"

	"github.com/habitaro/extraction-backend/internal/pkg/pointers"
	"github.com/habitaro/extraction-backend/internal/types"
)

func TestDedupeSourcesRemovesRepeatedKeysInOrder(t *testing.T) {
	in := []types.Source{
		{Field: "buyerName", ChunkID: pointers.String("chunk_001")},
		{Field: "unitCode", ChunkID: pointers.String("chunk_002")},
		{Field: "buyerName", ChunkID: pointers.String("chunk_001")},
		{Field: "totalPrice", ChunkID: pointers.String("chunk_003")},
	}
	out := DedupeSources(in)
	if len(out) != 3 {
		t.Fatalf("dedupe length: want=3 got=%d", len(out))
	}
	wantFields := []string{"buyerName", "unitCode", "totalPrice"}
	for i, want := range wantFields {
		if out[i].Field != want {
			t.Fatalf("dedupe order at %d: want=%q got=%q", i, want, out[i].Field)
		}
	}
}

func TestDedupeSourcesKeepsSameFieldDifferentChunks(t *testing.T) {
	in := []types.Source{
		{Field: "buyerName", ChunkID: pointers.String("chunk_001")},
		{Field: "buyerName", ChunkID: pointers.String("chunk_004")},
	}
	out := DedupeSources(in)
	if len(out) != 2 {
		t.Fatalf("distinct chunks for one field must survive: want=2 got=%d", len(out))
	}
}

func TestDedupeSourcesNilRefIsAValidKey(t *testing.T) {
	in := []types.Source{
		{Field: "totalPrice", ChunkID: nil},
		{Field: "totalPrice", ChunkID: nil},
		{Field: "totalPrice", ChunkID: pointers.String("")},
	}
	out := DedupeSources(in)
	if len(out) != 2 {
		t.Fatalf("nil refs dedupe together but stay distinct from empty string: want=2 got=%d", len(out))
	}
	if out[0].ChunkID != nil {
		t.Fatalf("first survivor should keep nil ref, got %q", *out[0].ChunkID)
	}
	if out[1].ChunkID == nil || *out[1].ChunkID != "" {
		t.Fatalf("second survivor should keep empty-string ref")
	}
}

func TestDedupeSourcesIsIdempotent(t *testing.T) {
	in := []types.Source{
		{Field: "buyerName", ChunkID: pointers.String("chunk_001")},
		{Field: "buyerName", ChunkID: pointers.String("chunk_001")},
		{Field: "unitCode", ChunkID: nil},
		{Field: "unitCode", ChunkID: nil},
	}
	once := DedupeSources(in)
	twice := DedupeSources(once)
	if len(once) != len(twice) {
		t.Fatalf("second pass removed entries: want=%d got=%d", len(once), len(twice))
	}
	for i := range once {
		if once[i].Field != twice[i].Field {
			t.Fatalf("second pass reordered entries at %d: want=%q got=%q", i, once[i].Field, twice[i].Field)
		}
	}
}

func TestDedupeSourcesEmptyInput(t *testing.T) {
	if out := DedupeSources(nil); len(out) != 0 {
		t.Fatalf("nil input: want empty got %d entries", len(out))
	}
}
