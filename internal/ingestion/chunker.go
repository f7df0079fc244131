// Package ingestion turns an uploaded contract PDF into ordered,
// citable chunks. Chunk IDs handed out here are what the agents cite
// and what the provenance merge later resolves to artifact URIs.
package ingestion

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/habitaro/extraction-backend/internal/clients/gcp"
	"github.com/habitaro/extraction-backend/internal/logger"
	"github.com/habitaro/extraction-backend/internal/platform/localmedia"
	"github.com/habitaro/extraction-backend/internal/types"
	"github.com/habitaro/extraction-backend/internal/utils"
)

type Chunker interface {
	ChunkPDF(ctx context.Context, pdfData []byte) (*Result, error)
}

type Result struct {
	Chunks    []types.ChunkRecord
	PageCount int
	OCRUsed   bool
	Warnings  []string
}

type chunker struct {
	log    *logger.Logger
	docai  gcp.Document
	vision gcp.Vision
	media  localmedia.Tools

	// Below this many characters of layout text the document is treated
	// as a scan and re-read through OCR.
	ocrMinChars int
	ocrDPI      int
}

func NewChunker(log *logger.Logger, docai gcp.Document, vision gcp.Vision, media localmedia.Tools) Chunker {
	slog := log.With("service", "Chunker")
	return &chunker{
		log:         slog,
		docai:       docai,
		vision:      vision,
		media:       media,
		ocrMinChars: utils.GetEnvAsInt("OCR_FALLBACK_MIN_CHARS", 200, log),
		ocrDPI:      utils.GetEnvAsInt("OCR_RENDER_DPI", 200, log),
	}
}

func (c *chunker) ChunkPDF(ctx context.Context, pdfData []byte) (*Result, error) {
	if len(pdfData) == 0 {
		return nil, fmt.Errorf("empty PDF data")
	}

	docRes, err := c.docai.ProcessBytes(ctx, pdfData, "application/pdf")
	if err != nil {
		return nil, fmt.Errorf("layout processing: %w", err)
	}

	out := &Result{
		PageCount: docRes.PageCount,
		Warnings:  append([]string{}, docRes.Warnings...),
	}

	textSegs := docRes.Segments
	if c.textSignalWeak(docRes) {
		ocrSegs, pages, ocrErr := c.ocrAllPages(ctx, pdfData)
		if ocrErr != nil {
			c.log.Warn("OCR fallback failed; keeping layout text", "error", ocrErr)
			out.Warnings = append(out.Warnings, fmt.Sprintf("ocr fallback failed: %v", ocrErr))
		} else {
			textSegs = ocrSegs
			out.OCRUsed = true
			if pages > out.PageCount {
				out.PageCount = pages
			}
		}
	}

	// Tables first, then running text. Chunk numbering is a single
	// counter across both groups and must stay stable for a given
	// document because every citation keys on it.
	boxless := 0
	counter := 0
	appendSegment := func(seg types.Segment) {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			return
		}
		box := types.NormBox{Left: 0, Top: 0, Right: 1, Bottom: 1}
		if seg.Box != nil {
			box = *seg.Box
		} else {
			boxless++
		}
		page := seg.Page
		if page <= 0 {
			page = 1
		}
		out.Chunks = append(out.Chunks, types.ChunkRecord{
			ChunkID:     types.ChunkID(counter),
			Text:        text,
			Page:        page,
			BBox:        [4]float64{box.Left, box.Top, box.Right, box.Bottom},
			ElementType: string(seg.Kind),
		})
		counter++
	}

	for _, seg := range docRes.Tables {
		appendSegment(seg)
	}
	for _, seg := range textSegs {
		appendSegment(seg)
	}

	if len(out.Chunks) == 0 {
		return nil, fmt.Errorf("no text extracted from document")
	}
	if boxless > 0 {
		out.Warnings = append(out.Warnings, fmt.Sprintf("%d chunks without geometry use the full page", boxless))
	}

	for _, ch := range out.Chunks {
		if ch.Page > out.PageCount {
			out.PageCount = ch.Page
		}
	}

	c.log.Info("Document chunked",
		"chunks", len(out.Chunks),
		"pages", out.PageCount,
		"tables", len(docRes.Tables),
		"ocr_used", out.OCRUsed,
	)
	return out, nil
}

func (c *chunker) textSignalWeak(res *gcp.DocAIResult) bool {
	total := 0
	for _, seg := range res.Segments {
		total += len(strings.TrimSpace(seg.Text))
	}
	for _, seg := range res.Tables {
		total += len(strings.TrimSpace(seg.Text))
	}
	return total < c.ocrMinChars
}

// ocrAllPages rasterizes every page and OCRs the images one by one.
// Segment pages are rewritten from the render order since Vision only
// ever sees a single page at a time.
func (c *chunker) ocrAllPages(ctx context.Context, pdfData []byte) ([]types.Segment, int, error) {
	if c.vision == nil || c.media == nil {
		return nil, 0, fmt.Errorf("ocr fallback not configured")
	}

	pdfPath, cleanup, err := c.media.WriteTempFile(ctx, pdfData, ".pdf")
	if err != nil {
		return nil, 0, err
	}
	defer cleanup()

	outDir, err := os.MkdirTemp("", "chunker-ocr-*")
	if err != nil {
		return nil, 0, fmt.Errorf("mkdir temp: %w", err)
	}
	defer os.RemoveAll(outDir)

	paths, err := c.media.RenderPDFToImages(ctx, pdfPath, outDir, localmedia.PDFRenderOptions{
		DPI:    c.ocrDPI,
		Format: "png",
	})
	if err != nil {
		return nil, 0, err
	}

	segs := []types.Segment{}
	for i, imgPath := range paths {
		img, err := os.ReadFile(imgPath)
		if err != nil {
			return nil, 0, fmt.Errorf("read page image: %w", err)
		}
		ocrRes, err := c.vision.OCRImageBytes(ctx, img)
		if err != nil {
			return nil, 0, fmt.Errorf("ocr page %d: %w", i+1, err)
		}
		for _, seg := range ocrRes.Segments {
			seg.Page = i + 1
			segs = append(segs, seg)
		}
	}
	return segs, len(paths), nil
}
