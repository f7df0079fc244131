// Package report renders the human-readable markdown summary stored next to
// the job's JSON artifacts. It works off the combined units, so the values
// and citations match what the notification payload carries.
package report

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/habitaro/extraction-backend/internal/extraction/cutout"
	"github.com/habitaro/extraction-backend/internal/extraction/fieldspec"
	"github.com/habitaro/extraction-backend/internal/types"
)

// Meta carries the report header facts.
type Meta struct {
	ContractID  string
	GeneratedAt time.Time
	PageCount   int
	OCRUsed     bool
}

const plansField = "installmentPlans"

// Render produces report.md. Fields follow the catalog order; units follow
// their extraction order. Image links are relative to the job prefix so the
// report stays browsable inside the bucket folder.
func Render(spec *fieldspec.Spec, units []types.UnitExtraction, manifest []cutout.ManifestEntry, meta Meta) []byte {
	var b strings.Builder

	b.WriteString("# Contract Extraction Report\n\n")
	if meta.ContractID != "" {
		fmt.Fprintf(&b, "- Contract: `%s`\n", meta.ContractID)
	}
	if !meta.GeneratedAt.IsZero() {
		fmt.Fprintf(&b, "- Generated: %s\n", meta.GeneratedAt.UTC().Format(time.RFC3339))
	}
	if meta.PageCount > 0 {
		fmt.Fprintf(&b, "- Pages: %d\n", meta.PageCount)
	}
	if meta.OCRUsed {
		b.WriteString("- Text source: OCR fallback\n")
	}
	fmt.Fprintf(&b, "- Units: %d\n", len(units))

	cutsByUnit := map[int][]cutout.ManifestEntry{}
	for _, e := range manifest {
		cutsByUnit[e.UnitIndex] = append(cutsByUnit[e.UnitIndex], e)
	}

	for i, u := range units {
		unitNumber := i + 1
		b.WriteString("\n")
		fmt.Fprintf(&b, "## Unit %d%s\n\n", unitNumber, unitTitleSuffix(u.Unit))

		b.WriteString("| Field | Value | Confidence | Source |\n")
		b.WriteString("| --- | --- | --- | --- |\n")
		writeFieldRows(&b, spec.ContractFields, u)
		writeFieldRows(&b, spec.InstallmentFields, u)

		if plans := planRows(u.Unit); len(plans) > 0 {
			b.WriteString("\n### Installment schedule\n\n")
			b.WriteString("| # | Label | Due date | Amount | Percentage |\n")
			b.WriteString("| --- | --- | --- | --- | --- |\n")
			for _, p := range plans {
				fmt.Fprintf(&b, "| %s | %s | %s | %s | %s |\n",
					renderValue(p["sequence"]),
					renderValue(p["label"]),
					renderValue(p["dueDate"]),
					renderValue(p["amount"]),
					renderValue(p["percentage"]),
				)
			}
		}

		if cuts := cutsByUnit[unitNumber]; len(cuts) > 0 {
			b.WriteString("\n### Cited regions\n\n")
			for _, e := range cuts {
				fmt.Fprintf(&b, "![%s](images/unit_%d/%s.png)\n\n", e.Field, e.UnitIndex, e.Field)
			}
		}
	}

	if len(units) == 0 {
		b.WriteString("\nNo units were extracted from this document.\n")
	}

	return []byte(b.String())
}

func writeFieldRows(b *strings.Builder, fields []fieldspec.Field, u types.UnitExtraction) {
	for _, f := range fields {
		if f.Name == plansField {
			continue
		}
		fmt.Fprintf(b, "| %s | %s | %s | %s |\n",
			f.Name,
			renderValue(u.Unit[f.Name]),
			orDash(u.Confidence[f.Name]),
			sourceRef(u.Sources, f.Name),
		)
	}
}

func unitTitleSuffix(unit map[string]any) string {
	if unit == nil {
		return ""
	}
	if code, ok := unit["unitCode"].(string); ok && strings.TrimSpace(code) != "" {
		return ": " + escapePipes(strings.TrimSpace(code))
	}
	return ""
}

// planRows tolerates whatever shape the model put under installmentPlans and
// keeps only the object rows.
func planRows(unit map[string]any) []map[string]any {
	if unit == nil {
		return nil
	}
	raw, ok := unit[plansField].([]any)
	if !ok {
		return nil
	}
	rows := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		if m, ok := item.(map[string]any); ok {
			rows = append(rows, m)
		}
	}
	return rows
}

func sourceRef(sources []types.Source, field string) string {
	for _, s := range sources {
		if s.Field != field {
			continue
		}
		if s.ChunkID == nil || strings.TrimSpace(*s.ChunkID) == "" {
			return "-"
		}
		return "`" + escapePipes(strings.TrimSpace(*s.ChunkID)) + "`"
	}
	return "-"
}

func renderValue(v any) string {
	switch t := v.(type) {
	case nil:
		return "-"
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return "-"
		}
		return escapePipes(s)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case bool:
		return strconv.FormatBool(t)
	default:
		enc, err := json.Marshal(t)
		if err != nil {
			return escapePipes(fmt.Sprintf("%v", t))
		}
		return escapePipes(string(enc))
	}
}

func orDash(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "-"
	}
	return s
}

func escapePipes(s string) string {
	s = strings.ReplaceAll(s, "|", "\\|")
	return strings.ReplaceAll(s, "\n", " ")
}
