package gcp

import (
	"context"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	documentai "cloud.google.com/go/documentai/apiv1"
	"cloud.google.com/go/documentai/apiv1/documentaipb"
	"google.golang.org/api/option"
	"google.golang.org/protobuf/types/known/fieldmaskpb"

	"github.com/habitaro/extraction-backend/internal/logger"
	"github.com/habitaro/extraction-backend/internal/platform/ctxutil"
	"github.com/habitaro/extraction-backend/internal/types"
)

// Document wraps one Document AI processor. The processor identity is
// fixed at construction from env so callers only hand over bytes.
type Document interface {
	ProcessBytes(ctx context.Context, data []byte, mimeType string) (*DocAIResult, error)
	Close() error
}

type DocAIResult struct {
	Processor   string          `json:"processor"`
	MimeType    string          `json:"mime_type"`
	PageCount   int             `json:"page_count"`
	PrimaryText string          `json:"primary_text"`
	Segments    []types.Segment `json:"segments,omitempty"`
	Tables      []types.Segment `json:"tables,omitempty"`
	Warnings    []string        `json:"warnings,omitempty"`
}

type documentService struct {
	log *logger.Logger

	client    *documentai.DocumentProcessorClient
	processor string
}

func NewDocument(log *logger.Logger) (Document, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	slog := log.With("service", "gcp.Document")

	project := strings.TrimSpace(os.Getenv("DOCUMENTAI_PROJECT_ID"))
	processorID := strings.TrimSpace(os.Getenv("DOCUMENTAI_PROCESSOR_ID"))
	if project == "" || processorID == "" {
		return nil, fmt.Errorf("DOCUMENTAI_PROJECT_ID and DOCUMENTAI_PROCESSOR_ID are required")
	}
	location := strings.TrimSpace(os.Getenv("DOCUMENTAI_LOCATION"))
	if location == "" {
		location = "us"
	}
	version := strings.TrimSpace(os.Getenv("DOCUMENTAI_PROCESSOR_VERSION"))

	endpoint := fmt.Sprintf("%s-documentai.googleapis.com:443", location)
	opts := append([]option.ClientOption{option.WithEndpoint(endpoint)}, ClientOptionsFromEnv()...)

	ctx := context.Background()
	client, err := documentai.NewDocumentProcessorClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("documentai client: %w", err)
	}

	name := processorName(project, location, processorID, version)
	slog.Info("Document AI initialized", "endpoint", endpoint, "processor", name)

	return &documentService{log: slog, client: client, processor: name}, nil
}

func (s *documentService) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *documentService) ProcessBytes(ctx context.Context, data []byte, mimeType string) (*DocAIResult, error) {
	ctx = ctxutil.Default(ctx)
	ctx, cancel := context.WithTimeout(ctx, 3*time.Minute)
	defer cancel()

	if len(data) == 0 {
		return &DocAIResult{Processor: s.processor, MimeType: mimeType}, nil
	}
	if mimeType == "" {
		mimeType = "application/pdf"
	}

	req := &documentaipb.ProcessRequest{
		Name: s.processor,
		Source: &documentaipb.ProcessRequest_RawDocument{
			RawDocument: &documentaipb.RawDocument{
				Content:  data,
				MimeType: mimeType,
			},
		},
		// Only text and page layout are read out of the response.
		FieldMask: &fieldmaskpb.FieldMask{Paths: []string{"text", "pages"}},
	}

	resp, err := s.client.ProcessDocument(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("documentai ProcessDocument: %w", err)
	}
	if resp == nil || resp.Document == nil {
		return &DocAIResult{Processor: s.processor, MimeType: mimeType}, nil
	}

	return buildDocAIResult(resp.Document, s.processor, mimeType), nil
}

func buildDocAIResult(doc *documentaipb.Document, processor string, mimeType string) *DocAIResult {
	out := &DocAIResult{
		Processor: processor,
		MimeType:  mimeType,
	}
	if doc == nil {
		return out
	}

	out.PrimaryText = strings.TrimSpace(doc.Text)
	out.PageCount = len(doc.Pages)

	segs := []types.Segment{}
	tableSegs := []types.Segment{}

	for pi, p := range doc.Pages {
		if p == nil {
			continue
		}
		pageNum := int(p.PageNumber)
		if pageNum <= 0 {
			pageNum = pi + 1
		}

		for _, para := range p.Paragraphs {
			if para == nil || para.Layout == nil || para.Layout.TextAnchor == nil {
				continue
			}
			t := strings.TrimSpace(textFromAnchor(doc.Text, para.Layout.TextAnchor))
			if t == "" {
				continue
			}
			seg := types.Segment{
				Kind: types.SegmentKindText,
				Text: t,
				Page: pageNum,
				Box:  normBoxFromPoly(para.Layout.BoundingPoly, p.Dimension),
			}
			if c := float64(para.Layout.Confidence); c > 0 {
				seg.Confidence = &c
			}
			segs = append(segs, seg)
		}

		for _, table := range p.Tables {
			if table == nil {
				continue
			}
			md := strings.TrimSpace(tableToMarkdown(doc.Text, table))
			if md == "" {
				continue
			}
			seg := types.Segment{
				Kind: types.SegmentKindTable,
				Text: md,
				Page: pageNum,
			}
			if table.Layout != nil {
				seg.Box = normBoxFromPoly(table.Layout.BoundingPoly, p.Dimension)
			}
			tableSegs = append(tableSegs, seg)
		}
	}

	out.Segments = segs
	out.Tables = tableSegs

	// Some processor versions return doc.Text without structured page
	// paragraphs. Hand that text back as a single boxless segment so
	// callers still get something to chunk.
	if len(out.Segments) == 0 && len(out.Tables) == 0 && out.PrimaryText != "" {
		out.Segments = append(out.Segments, types.Segment{
			Kind: types.SegmentKindText,
			Text: out.PrimaryText,
			Page: 1,
		})
		out.Warnings = append(out.Warnings, "no page layout returned; using primary text only")
	}

	return out
}

func normBoxFromPoly(poly *documentaipb.BoundingPoly, dim *documentaipb.Document_Page_Dimension) *types.NormBox {
	if poly == nil {
		return nil
	}

	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	n := 0

	if len(poly.NormalizedVertices) > 0 {
		for _, v := range poly.NormalizedVertices {
			if v == nil {
				continue
			}
			minX = math.Min(minX, float64(v.X))
			minY = math.Min(minY, float64(v.Y))
			maxX = math.Max(maxX, float64(v.X))
			maxY = math.Max(maxY, float64(v.Y))
			n++
		}
	} else if len(poly.Vertices) > 0 && dim != nil && dim.Width > 0 && dim.Height > 0 {
		w, h := float64(dim.Width), float64(dim.Height)
		for _, v := range poly.Vertices {
			if v == nil {
				continue
			}
			minX = math.Min(minX, float64(v.X)/w)
			minY = math.Min(minY, float64(v.Y)/h)
			maxX = math.Max(maxX, float64(v.X)/w)
			maxY = math.Max(maxY, float64(v.Y)/h)
			n++
		}
	}
	if n == 0 {
		return nil
	}

	box := &types.NormBox{
		Left:   clamp01(minX),
		Top:    clamp01(minY),
		Right:  clamp01(maxX),
		Bottom: clamp01(maxY),
	}
	if !box.Valid() {
		return nil
	}
	return box
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func textFromAnchor(full string, anchor *documentaipb.Document_TextAnchor) string {
	if anchor == nil || len(anchor.TextSegments) == 0 || full == "" {
		return ""
	}
	var b strings.Builder
	for _, seg := range anchor.TextSegments {
		if seg == nil {
			continue
		}
		start := int(seg.StartIndex)
		end := int(seg.EndIndex)
		if start < 0 {
			start = 0
		}
		if end > len(full) {
			end = len(full)
		}
		if start >= end {
			continue
		}
		b.WriteString(full[start:end])
	}
	return b.String()
}

func tableToMarkdown(full string, t *documentaipb.Document_Page_Table) string {
	if t == nil {
		return ""
	}

	rows := [][]string{}
	header := []string{}
	if len(t.HeaderRows) > 0 && t.HeaderRows[0] != nil {
		header = tableRowToCells(full, t.HeaderRows[0])
	}
	bodyRows := append([]*documentaipb.Document_Page_Table_TableRow{}, t.BodyRows...)

	if len(header) == 0 && len(bodyRows) > 0 && bodyRows[0] != nil {
		header = tableRowToCells(full, bodyRows[0])
		bodyRows = bodyRows[1:]
	}
	if len(header) == 0 {
		return ""
	}

	rows = append(rows, header)
	for _, r := range bodyRows {
		if r == nil {
			continue
		}
		rows = append(rows, tableRowToCells(full, r))
	}

	maxCols := 0
	for _, r := range rows {
		if len(r) > maxCols {
			maxCols = len(r)
		}
	}
	if maxCols == 0 {
		return ""
	}
	for i := range rows {
		for len(rows[i]) < maxCols {
			rows[i] = append(rows[i], "")
		}
	}

	var out strings.Builder
	out.WriteString("| ")
	out.WriteString(strings.Join(escapePipes(rows[0]), " | "))
	out.WriteString(" |\n| ")
	sep := make([]string, maxCols)
	for i := 0; i < maxCols; i++ {
		sep[i] = "---"
	}
	out.WriteString(strings.Join(sep, " | "))
	out.WriteString(" |\n")

	for i := 1; i < len(rows); i++ {
		out.WriteString("| ")
		out.WriteString(strings.Join(escapePipes(rows[i]), " | "))
		out.WriteString(" |\n")
	}
	return out.String()
}

func tableRowToCells(full string, r *documentaipb.Document_Page_Table_TableRow) []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.Cells))
	for _, c := range r.Cells {
		if c == nil || c.Layout == nil || c.Layout.TextAnchor == nil {
			out = append(out, "")
			continue
		}
		out = append(out, strings.TrimSpace(textFromAnchor(full, c.Layout.TextAnchor)))
	}
	return out
}

func escapePipes(row []string) []string {
	out := make([]string, len(row))
	for i, s := range row {
		out[i] = strings.ReplaceAll(s, "|", "\\|")
	}
	return out
}

func processorName(project, location, processorID, version string) string {
	base := fmt.Sprintf("projects/%s/locations/%s/processors/%s", project, location, processorID)
	if version != "" {
		return base + "/processorVersions/" + version
	}
	return base
}
