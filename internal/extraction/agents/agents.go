// Package agents runs the two model passes over a chunked contract.
// Pass A reads the commercial terms of each unit, pass B reads the
// installment schedules. Both passes answer in the same shape (unit map,
// confidence map, sources) so the merge core can reconcile them.
package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/habitaro/extraction-backend/internal/clients/openai"
	"github.com/habitaro/extraction-backend/internal/extraction/fieldspec"
	"github.com/habitaro/extraction-backend/internal/logger"
	"github.com/habitaro/extraction-backend/internal/types"
	"github.com/habitaro/extraction-backend/internal/utils"
)

// ContractAgent extracts the per-unit contract terms (pass A).
type ContractAgent interface {
	Extract(ctx context.Context, chunks []types.ChunkRecord) ([]types.UnitExtraction, error)
}

// InstallmentAgent extracts the per-unit installment schedules (pass B).
type InstallmentAgent interface {
	Extract(ctx context.Context, chunks []types.ChunkRecord) ([]types.UnitExtraction, error)
}

type agent struct {
	log        *logger.Logger
	ai         openai.Client
	label      string
	schemaName string
	schema     map[string]any
	system     string
	fieldBlock string

	chunkTextLimit  int
	digestCharLimit int
}

const contractSystemPrompt = `ROLE: Real-estate contract analyst.
TASK: Read the document chunks and extract the commercial terms of every apartment unit sold in the contract.
OUTPUT: Return ONLY JSON matching the schema (no extra keys).
RULES: Emit one entry in "units" per distinct unit, in the order the units appear in the document. Use null for anything the document does not state. Copy identifiers verbatim; write dates as YYYY-MM-DD and amounts as plain digits without separators. For every non-null field add a source citing the chunk_id it was read from; cite "calculated" when the value is derived from other fields instead of read off the page. Rate confidence per field as high, medium or low, or null when the field is null. Never invent chunk ids.`

const installmentSystemPrompt = `ROLE: Real-estate payment-schedule analyst.
TASK: Read the document chunks and extract the installment payment schedule of every apartment unit in the contract.
OUTPUT: Return ONLY JSON matching the schema (no extra keys).
RULES: Emit one entry in "units" per distinct unit, in the order the units appear in the document; keep installment plans sorted by sequence. Use null for anything the document does not state. Write dates as YYYY-MM-DD and amounts as plain digits without separators. For every non-null field add a source citing the chunk_id it was read from; cite "calculated" for totals and counts you derived from the plan rows. Rate confidence per field as high, medium or low, or null when the field is null. Never invent chunk ids.`

// NewContractAgent builds the pass-A agent from the field catalog.
func NewContractAgent(log *logger.Logger, ai openai.Client, spec *fieldspec.Spec) ContractAgent {
	a := newAgent(log, ai, "contract extraction")
	a.schemaName = fmt.Sprintf("contract_units_v%d", spec.Version)
	a.schema = spec.ContractSchema()
	a.system = contractSystemPrompt
	a.fieldBlock = fieldspec.PromptBlock(spec.ContractFields)
	return a
}

// NewInstallmentAgent builds the pass-B agent from the field catalog.
func NewInstallmentAgent(log *logger.Logger, ai openai.Client, spec *fieldspec.Spec) InstallmentAgent {
	a := newAgent(log, ai, "installment extraction")
	a.schemaName = fmt.Sprintf("installment_units_v%d", spec.Version)
	a.schema = spec.InstallmentSchema()
	a.system = installmentSystemPrompt
	a.fieldBlock = fieldspec.PromptBlock(spec.InstallmentFields)
	return a
}

func newAgent(log *logger.Logger, ai openai.Client, label string) *agent {
	a := &agent{
		log:             log.With("service", "ExtractionAgent", "pass", label),
		ai:              ai,
		label:           label,
		chunkTextLimit:  utils.GetEnvAsInt("AGENT_CHUNK_TEXT_LIMIT", 6000, log),
		digestCharLimit: utils.GetEnvAsInt("AGENT_DIGEST_CHAR_LIMIT", 240000, log),
	}
	if a.chunkTextLimit < 200 {
		a.chunkTextLimit = 200
	}
	if a.digestCharLimit < 2000 {
		a.digestCharLimit = 2000
	}
	return a
}

func (a *agent) Extract(ctx context.Context, chunks []types.ChunkRecord) ([]types.UnitExtraction, error) {
	if a.ai == nil {
		return nil, fmt.Errorf("%s: openai client not configured", a.label)
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%s: no chunks to extract from", a.label)
	}

	user := a.userPrompt(chunks)
	start := time.Now()
	obj, err := a.ai.GenerateJSON(ctx, a.system, user, a.schemaName, a.schema)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", a.label, err)
	}
	units, err := decodeUnits(a.label, obj)
	if err != nil {
		return nil, err
	}

	a.log.Info("Extraction pass completed",
		"units", len(units),
		"chunks", len(chunks),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return units, nil
}

func (a *agent) userPrompt(chunks []types.ChunkRecord) string {
	var b strings.Builder
	b.WriteString("Fields to extract per unit:\n")
	b.WriteString(a.fieldBlock)
	b.WriteString("\nDocument chunks ([chunk_id] page N (kind)):\n\n")
	b.WriteString(chunkDigest(chunks, a.chunkTextLimit, a.digestCharLimit))
	return strings.TrimSpace(b.String())
}

// chunkDigest renders the chunk list the model cites from. Oversized chunk
// text is cut on a rune boundary and the cut is marked so the model does not
// treat a clipped row as the whole table.
func chunkDigest(chunks []types.ChunkRecord, chunkTextLimit, digestCharLimit int) string {
	var b strings.Builder
	for i, c := range chunks {
		text := truncateRunes(strings.TrimSpace(c.Text), chunkTextLimit)
		entry := fmt.Sprintf("[%s] page %d (%s):\n%s\n\n", c.ChunkID, c.Page, c.ElementType, text)
		if digestCharLimit > 0 && b.Len()+len(entry) > digestCharLimit {
			fmt.Fprintf(&b, "[digest clipped: %d more chunks omitted]\n", len(chunks)-i)
			break
		}
		b.WriteString(entry)
	}
	return strings.TrimSpace(b.String())
}

func truncateRunes(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "\n[truncated]"
}

// decodeUnits lifts the "units" array out of the model response and runs it
// through the shared shape boundary.
func decodeUnits(label string, obj map[string]any) ([]types.UnitExtraction, error) {
	if obj == nil {
		return nil, errors.New(label + ": empty model response")
	}
	raw, ok := obj["units"]
	if !ok {
		return nil, fmt.Errorf("%s: response missing units", label)
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: re-encode units: %v", label, err)
	}
	return types.DecodeUnitExtractions(label, encoded)
}
