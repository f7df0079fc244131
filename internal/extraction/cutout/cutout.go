// Package cutout renders the page regions cited by extraction sources as
// labeled PNG crops and uploads them under the job's image prefix. The
// resulting artifact map is what the merge step resolves citations against.
package cutout

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"strings"

	_ "image/png"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"

	"github.com/habitaro/extraction-backend/internal/clients/gcp"
	"github.com/habitaro/extraction-backend/internal/logger"
	"github.com/habitaro/extraction-backend/internal/platform/localmedia"
	"github.com/habitaro/extraction-backend/internal/types"
	"github.com/habitaro/extraction-backend/internal/utils"
)

type Renderer interface {
	Render(ctx context.Context, jobID string, pdf []byte, units []types.UnitExtraction, chunks []types.ChunkRecord) (*Result, error)
}

// Result carries the uploaded cutouts: the artifact map consumed by the
// merge step, plus the manifest rows persisted alongside the job output.
type Result struct {
	Artifacts types.ArtifactMap
	Manifest  []ManifestEntry
	Warnings  []string
}

// ManifestEntry describes one uploaded cutout for cutout_manifest.json.
type ManifestEntry struct {
	UnitIndex int        `json:"unit_index"`
	Field     string     `json:"field"`
	ChunkID   string     `json:"chunk_id"`
	Page      int        `json:"page"`
	Key       string     `json:"key"`
	URI       string     `json:"uri"`
	BBox      [4]float64 `json:"bbox"`
}

type renderer struct {
	log    *logger.Logger
	bucket gcp.BucketService
	media  localmedia.Tools

	dpi        int
	marginPx   int
	maxWidthPx int
	fontFace   font.Face
}

const captionHeight = 26

func NewRenderer(log *logger.Logger, bucket gcp.BucketService, media localmedia.Tools) Renderer {
	serviceLog := log.With("service", "CutoutRenderer")

	r := &renderer{
		log:        serviceLog,
		bucket:     bucket,
		media:      media,
		dpi:        utils.GetEnvAsInt("CUTOUT_RENDER_DPI", 200, log),
		marginPx:   utils.GetEnvAsInt("CUTOUT_MARGIN_PX", 16, log),
		maxWidthPx: utils.GetEnvAsInt("CUTOUT_MAX_WIDTH_PX", 1600, log),
	}
	if r.dpi < 72 {
		r.dpi = 72
	}
	if r.marginPx < 0 {
		r.marginPx = 0
	}
	if r.maxWidthPx < 200 {
		r.maxWidthPx = 200
	}

	if fontPath := strings.TrimSpace(os.Getenv("CUTOUT_FONT")); fontPath != "" {
		face, err := loadFontFace(fontPath, 14)
		if err != nil {
			serviceLog.Warn("Failed to load cutout font, using built-in face", "font", fontPath, "error", err)
		} else {
			r.fontFace = face
		}
	}
	return r
}

// Render walks every unit's sources in order. The first citation per
// unit/field key is rendered and uploaded; later citations for the same key
// are skipped so the key always points at the first cited region.
func (r *renderer) Render(ctx context.Context, jobID string, pdf []byte, units []types.UnitExtraction, chunks []types.ChunkRecord) (*Result, error) {
	out := &Result{Artifacts: types.ArtifactMap{}}
	if len(units) == 0 {
		return out, nil
	}
	if len(pdf) == 0 {
		return nil, errors.New("cutout render: empty pdf")
	}

	byID := make(map[string]types.ChunkRecord, len(chunks))
	for _, c := range chunks {
		byID[c.ChunkID] = c
	}

	pdfPath, cleanup, err := r.media.WriteTempFile(ctx, pdf, ".pdf")
	if err != nil {
		return nil, fmt.Errorf("cutout render: stage pdf: %w", err)
	}
	defer cleanup()

	outDir, err := os.MkdirTemp("", "cutout-pages-*")
	if err != nil {
		return nil, fmt.Errorf("cutout render: temp dir: %w", err)
	}
	defer os.RemoveAll(outDir)

	pages := map[int]image.Image{}
	pageImage := func(page int) (image.Image, error) {
		if img, ok := pages[page]; ok {
			return img, nil
		}
		path, err := r.media.RenderPDFPage(ctx, pdfPath, outDir, page, localmedia.PDFRenderOptions{DPI: r.dpi, Format: "png"})
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		img, _, err := image.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		pages[page] = img
		return img, nil
	}

	seen := map[string]struct{}{}
	for i, u := range units {
		unitNumber := i + 1
		for _, src := range u.Sources {
			field := strings.TrimSpace(src.Field)
			if field == "" || src.ChunkID == nil {
				continue
			}
			ref := strings.TrimSpace(*src.ChunkID)
			if ref == "" || ref == types.CalculatedRef {
				continue
			}
			key := types.ArtifactKey(unitNumber, field)
			if _, done := seen[key]; done {
				continue
			}

			chunk, ok := byID[ref]
			if !ok {
				out.Warnings = append(out.Warnings, fmt.Sprintf("unit %d field %s cites unknown chunk %s", unitNumber, field, ref))
				continue
			}

			img, err := pageImage(chunk.Page)
			if err != nil {
				r.log.Warn("Failed to render page for cutout", "job_id", jobID, "page", chunk.Page, "error", err)
				out.Warnings = append(out.Warnings, fmt.Sprintf("page %d render failed for %s", chunk.Page, key))
				continue
			}

			pngBytes, err := r.cropAndLabel(img, chunk, field)
			if err != nil {
				r.log.Warn("Failed to build cutout", "job_id", jobID, "chunk_id", chunk.ChunkID, "error", err)
				out.Warnings = append(out.Warnings, fmt.Sprintf("cutout failed for %s: %v", key, err))
				continue
			}

			storageKey := fmt.Sprintf("contracts/%s/images/unit_%d/%s.png", jobID, unitNumber, field)
			uri, err := r.bucket.UploadBytes(ctx, storageKey, pngBytes)
			if err != nil {
				return nil, fmt.Errorf("cutout render: upload %s: %w", storageKey, err)
			}

			seen[key] = struct{}{}
			out.Artifacts.Add(key, uri)
			out.Manifest = append(out.Manifest, ManifestEntry{
				UnitIndex: unitNumber,
				Field:     field,
				ChunkID:   chunk.ChunkID,
				Page:      chunk.Page,
				Key:       storageKey,
				URI:       uri,
				BBox:      chunk.BBox,
			})
		}
	}

	r.log.Info("Cutouts rendered",
		"job_id", jobID,
		"count", len(out.Manifest),
		"pages_rastered", len(pages),
		"warnings", len(out.Warnings),
	)
	return out, nil
}

// cropAndLabel cuts the chunk's region out of the page raster, scales it
// down when it exceeds the width cap, and appends a caption strip naming the
// field and its origin.
func (r *renderer) cropAndLabel(page image.Image, chunk types.ChunkRecord, field string) ([]byte, error) {
	b := page.Bounds()
	rect := pixelRect(chunk.BBox, b.Dx(), b.Dy(), r.marginPx)
	if rect.Empty() {
		return nil, fmt.Errorf("empty crop region for %s", chunk.ChunkID)
	}

	crop := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Draw(crop, crop.Bounds(), page, rect.Min.Add(b.Min), draw.Src)

	final := crop
	if crop.Bounds().Dx() > r.maxWidthPx {
		scale := float64(r.maxWidthPx) / float64(crop.Bounds().Dx())
		h := int(math.Round(float64(crop.Bounds().Dy()) * scale))
		if h < 1 {
			h = 1
		}
		scaled := image.NewRGBA(image.Rect(0, 0, r.maxWidthPx, h))
		draw.CatmullRom.Scale(scaled, scaled.Bounds(), crop, crop.Bounds(), draw.Over, nil)
		final = scaled
	}

	w := final.Bounds().Dx()
	h := final.Bounds().Dy()

	dc := gg.NewContext(w, h+captionHeight)
	dc.SetColor(color.White)
	dc.Clear()
	dc.DrawImage(final, 0, 0)

	dc.SetColor(color.NRGBA{R: 0x33, G: 0x33, B: 0x33, A: 0xFF})
	dc.SetLineWidth(1)
	dc.DrawRectangle(0.5, 0.5, float64(w)-1, float64(h)-1)
	dc.Stroke()

	if r.fontFace != nil {
		dc.SetFontFace(r.fontFace)
	}
	caption := fmt.Sprintf("%s | %s | page %d", field, chunk.ChunkID, chunk.Page)
	dc.SetColor(color.Black)
	dc.DrawString(caption, 6, float64(h+captionHeight-9))

	var buf bytes.Buffer
	if err := dc.EncodePNG(&buf); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// pixelRect maps a normalized l/t/r/b box onto page pixels, padded by the
// margin and clamped to the page. A degenerate box falls back to the whole
// page so the citation still gets a visual.
func pixelRect(bbox [4]float64, w, h, margin int) image.Rectangle {
	clamp01 := func(v float64) float64 {
		if v < 0 {
			return 0
		}
		if v > 1 {
			return 1
		}
		return v
	}
	l := clamp01(bbox[0])
	t := clamp01(bbox[1])
	rr := clamp01(bbox[2])
	bb := clamp01(bbox[3])
	if rr <= l || bb <= t {
		return image.Rect(0, 0, w, h)
	}

	x0 := int(l*float64(w)) - margin
	y0 := int(t*float64(h)) - margin
	x1 := int(math.Ceil(rr*float64(w))) + margin
	y1 := int(math.Ceil(bb*float64(h))) + margin
	return image.Rect(x0, y0, x1, y1).Intersect(image.Rect(0, 0, w, h))
}

func loadFontFace(fontPath string, size float64) (font.Face, error) {
	fontBytes, err := os.ReadFile(fontPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read font file: %w", err)
	}
	parsedFont, err := truetype.Parse(fontBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse TTF: %w", err)
	}
	return truetype.NewFace(parsedFont, &truetype.Options{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingNone,
	}), nil
}
