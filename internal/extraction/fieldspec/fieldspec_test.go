package fieldspec

import (
	"strings"
	"testing"
)

func TestLoadEmbeddedCatalog(t *testing.T) {
	spec, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if spec.Catalog != "contract_extraction" {
		t.Fatalf("catalog: want=contract_extraction got=%s", spec.Catalog)
	}

	contract := spec.ContractFieldNames()
	if !contains(contract, "unitCode") || !contains(contract, "totalPrice") {
		t.Fatalf("contract fields missing expected names: %v", contract)
	}
	installment := spec.InstallmentFieldNames()
	if !contains(installment, "installmentPlans") {
		t.Fatalf("installment fields missing installmentPlans: %v", installment)
	}

	for _, name := range installment {
		if contains(contract, name) {
			t.Fatalf("field %s appears in both passes", name)
		}
	}
}

func TestValidateSpecRejectsDuplicateNames(t *testing.T) {
	spec := &Spec{
		Catalog: "contract_extraction",
		Version: 1,
		ContractFields: []Field{
			{Name: "unitCode", Type: "string", Description: "x"},
		},
		InstallmentFields: []Field{
			{Name: "unitCode", Type: "string", Description: "x"},
		},
	}
	if err := validateSpec(spec); err == nil {
		t.Fatal("expected duplicate name error")
	}
}

func TestValidateSpecRejectsArrayWithoutItemFields(t *testing.T) {
	spec := &Spec{
		Catalog: "contract_extraction",
		Version: 1,
		ContractFields: []Field{
			{Name: "rows", Type: "array", Description: "x"},
		},
		InstallmentFields: []Field{
			{Name: "other", Type: "string", Description: "x"},
		},
	}
	if err := validateSpec(spec); err == nil {
		t.Fatal("expected item_fields error")
	}
}

func TestContractSchemaRequiresEveryField(t *testing.T) {
	spec, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	schema := spec.ContractSchema()

	units, ok := schema["properties"].(map[string]any)["units"].(map[string]any)
	if !ok {
		t.Fatal("schema missing units property")
	}
	item, ok := units["items"].(map[string]any)
	if !ok {
		t.Fatal("units missing items schema")
	}
	unitObj, ok := item["properties"].(map[string]any)["unit"].(map[string]any)
	if !ok {
		t.Fatal("item missing unit object")
	}
	required, ok := unitObj["required"].([]string)
	if !ok {
		t.Fatal("unit object missing required list")
	}
	if len(required) != len(spec.ContractFields) {
		t.Fatalf("required length: want=%d got=%d", len(spec.ContractFields), len(required))
	}
	if ap, _ := unitObj["additionalProperties"].(bool); ap {
		t.Fatal("unit object must close additionalProperties")
	}
}

func TestSourceSchemaKeepsChunkIDNullable(t *testing.T) {
	s := sourceSchema()
	chunkID, ok := s["properties"].(map[string]any)["chunk_id"].(map[string]any)
	if !ok {
		t.Fatal("source schema missing chunk_id")
	}
	typ, ok := chunkID["type"].([]string)
	if !ok || len(typ) != 2 || typ[1] != "null" {
		t.Fatalf("chunk_id type: want nullable string got=%v", chunkID["type"])
	}
}

func TestPromptBlockMarksCalculatedFields(t *testing.T) {
	spec, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	block := PromptBlock(spec.ContractFields)

	if !strings.Contains(block, "totalPrice") {
		t.Fatal("prompt block missing totalPrice")
	}
	for _, line := range strings.Split(block, "\n") {
		if strings.HasPrefix(line, "- totalPrice") && !strings.Contains(line, `cite "calculated"`) {
			t.Fatalf("calculated rule missing from line: %s", line)
		}
	}
	if !strings.Contains(PromptBlock(spec.InstallmentFields), "installmentPlans.dueDate") {
		t.Fatal("prompt block missing nested item fields")
	}
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}
