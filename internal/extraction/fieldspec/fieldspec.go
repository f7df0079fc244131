// Package fieldspec holds the catalog of extractable contract fields.
// Both agent passes derive their prompts and response schemas from it,
// so the YAML is the single place a field is added or renamed.
package fieldspec

import (
	"embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

const fieldSpecEnv = "EXTRACTION_FIELDSPEC_YAML"

//go:embed fields.yaml
var fieldSpecFS embed.FS

type Field struct {
	Name        string  `yaml:"name"`
	Type        string  `yaml:"type"`
	Description string  `yaml:"description"`
	Calculated  bool    `yaml:"calculated"`
	ItemFields  []Field `yaml:"item_fields"`
}

type Spec struct {
	Catalog           string  `yaml:"catalog"`
	Version           int     `yaml:"version"`
	ContractFields    []Field `yaml:"contract_fields"`
	InstallmentFields []Field `yaml:"installment_fields"`
}

var (
	loadOnce sync.Once
	cached   *Spec
	loadErr  error
)

// Load parses the embedded catalog, or the file EXTRACTION_FIELDSPEC_YAML
// points at. There is no hardcoded fallback: a catalog that fails to
// parse must fail the job rather than extract against stale fields.
func Load() (*Spec, error) {
	loadOnce.Do(func() {
		cached, loadErr = load()
	})
	return cached, loadErr
}

func load() (*Spec, error) {
	data, err := readSpecBytes()
	if err != nil {
		return nil, err
	}
	var spec Spec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse field catalog: %w", err)
	}
	if err := validateSpec(&spec); err != nil {
		return nil, err
	}
	return &spec, nil
}

func readSpecBytes() ([]byte, error) {
	if path := strings.TrimSpace(os.Getenv(fieldSpecEnv)); path != "" {
		return os.ReadFile(path)
	}
	return fieldSpecFS.ReadFile("fields.yaml")
}

func validateSpec(spec *Spec) error {
	if spec == nil {
		return errors.New("missing field catalog")
	}
	if strings.TrimSpace(spec.Catalog) != "contract_extraction" {
		return fmt.Errorf("unexpected catalog: %s", spec.Catalog)
	}
	if spec.Version <= 0 {
		return errors.New("catalog version is required")
	}
	if len(spec.ContractFields) == 0 {
		return errors.New("no contract fields defined")
	}
	if len(spec.InstallmentFields) == 0 {
		return errors.New("no installment fields defined")
	}

	// One namespace: both passes write into the same merged unit map,
	// so a name collision across the lists would silently clobber data.
	seen := map[string]bool{}
	for _, f := range append(append([]Field{}, spec.ContractFields...), spec.InstallmentFields...) {
		if err := validateField(f); err != nil {
			return err
		}
		if seen[f.Name] {
			return fmt.Errorf("duplicate field name: %s", f.Name)
		}
		seen[f.Name] = true
	}
	return nil
}

func validateField(f Field) error {
	name := strings.TrimSpace(f.Name)
	if name == "" {
		return errors.New("field name is required")
	}
	if strings.TrimSpace(f.Description) == "" {
		return fmt.Errorf("field %s: description is required", name)
	}
	switch f.Type {
	case "string", "number", "integer":
		if len(f.ItemFields) > 0 {
			return fmt.Errorf("field %s: item_fields only apply to array fields", name)
		}
	case "array":
		if len(f.ItemFields) == 0 {
			return fmt.Errorf("field %s: array field needs item_fields", name)
		}
		itemSeen := map[string]bool{}
		for _, item := range f.ItemFields {
			if err := validateField(item); err != nil {
				return fmt.Errorf("field %s: %w", name, err)
			}
			if itemSeen[item.Name] {
				return fmt.Errorf("field %s: duplicate item field %s", name, item.Name)
			}
			itemSeen[item.Name] = true
		}
	default:
		return fmt.Errorf("field %s: unsupported type %q", name, f.Type)
	}
	return nil
}

func fieldNames(fields []Field) []string {
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		out = append(out, f.Name)
	}
	return out
}

func (s *Spec) ContractFieldNames() []string    { return fieldNames(s.ContractFields) }
func (s *Spec) InstallmentFieldNames() []string { return fieldNames(s.InstallmentFields) }

// PromptBlock renders the catalog section of an agent system prompt.
// Calculated fields get the citation rule appended so the model knows
// to mark derived values.
func PromptBlock(fields []Field) string {
	var b strings.Builder
	for _, f := range fields {
		desc := strings.TrimSpace(f.Description)
		if f.Calculated {
			desc += ` May be derived from other values; cite "calculated" when it is.`
		}
		fmt.Fprintf(&b, "- %s (%s): %s\n", f.Name, f.Type, desc)
		for _, item := range f.ItemFields {
			fmt.Fprintf(&b, "  - %s.%s (%s): %s\n", f.Name, item.Name, item.Type, strings.TrimSpace(item.Description))
		}
	}
	return b.String()
}

// ContractSchema and InstallmentSchema build the strict-mode response
// schemas for the two passes. Every scalar is nullable; absent is not a
// state the responses API lets a required property have.
func (s *Spec) ContractSchema() map[string]any {
	return unitsSchema(s.ContractFields)
}

func (s *Spec) InstallmentSchema() map[string]any {
	return unitsSchema(s.InstallmentFields)
}

func unitsSchema(fields []Field) map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"units": map[string]any{
				"type":  "array",
				"items": unitItemSchema(fields),
			},
		},
		"required":             []string{"units"},
		"additionalProperties": false,
	}
}

func unitItemSchema(fields []Field) map[string]any {
	unitProps := map[string]any{}
	confProps := map[string]any{}
	for _, f := range fields {
		unitProps[f.Name] = fieldSchema(f)
		confProps[f.Name] = map[string]any{
			"type":        []string{"string", "null"},
			"description": "high, medium or low; null when the field was not found",
		}
	}
	names := fieldNames(fields)

	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"unit": map[string]any{
				"type":                 "object",
				"properties":           unitProps,
				"required":             names,
				"additionalProperties": false,
			},
			"confidence": map[string]any{
				"type":                 "object",
				"properties":           confProps,
				"required":             names,
				"additionalProperties": false,
			},
			"sources": map[string]any{
				"type":  "array",
				"items": sourceSchema(),
			},
		},
		"required":             []string{"unit", "confidence", "sources"},
		"additionalProperties": false,
	}
}

func sourceSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"field": map[string]any{
				"type":        "string",
				"description": "Field name from the catalog this citation supports",
			},
			"chunk_id": map[string]any{
				"type":        []string{"string", "null"},
				"description": `Chunk the value was read from, "calculated" for derived values, null when unknown`,
			},
		},
		"required":             []string{"field", "chunk_id"},
		"additionalProperties": false,
	}
}

func fieldSchema(f Field) map[string]any {
	switch f.Type {
	case "array":
		itemProps := map[string]any{}
		for _, item := range f.ItemFields {
			itemProps[item.Name] = scalarSchema(item.Type, item.Description)
		}
		return map[string]any{
			"type":        "array",
			"description": strings.TrimSpace(f.Description),
			"items": map[string]any{
				"type":                 "object",
				"properties":           itemProps,
				"required":             fieldNames(f.ItemFields),
				"additionalProperties": false,
			},
		}
	default:
		return scalarSchema(f.Type, f.Description)
	}
}

func scalarSchema(typ, description string) map[string]any {
	return map[string]any{
		"type":        []string{typ, "null"},
		"description": strings.TrimSpace(description),
	}
}
