package gcp

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	vision "cloud.google.com/go/vision/v2/apiv1"
	"cloud.google.com/go/vision/v2/apiv1/visionpb"

	"github.com/habitaro/extraction-backend/internal/logger"
	"github.com/habitaro/extraction-backend/internal/platform/ctxutil"
	"github.com/habitaro/extraction-backend/internal/types"
)

// Vision runs OCR over a single rasterized page image. It is the
// fallback path when the layout processor returns too little text,
// which happens on scanned contracts with no embedded text layer.
type Vision interface {
	OCRImageBytes(ctx context.Context, img []byte) (*VisionOCRResult, error)
	Close() error
}

// VisionOCRResult segments always carry Page=1; the caller knows which
// document page the image was rendered from and rewrites it.
type VisionOCRResult struct {
	PrimaryText string          `json:"primary_text"`
	Confidence  float64         `json:"confidence"`
	Segments    []types.Segment `json:"segments,omitempty"`
}

type visionService struct {
	log    *logger.Logger
	client *vision.ImageAnnotatorClient
}

func NewVision(log *logger.Logger) (Vision, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	slog := log.With("service", "gcp.Vision")

	client, err := vision.NewImageAnnotatorClient(context.Background(), ClientOptionsFromEnv()...)
	if err != nil {
		return nil, fmt.Errorf("vision client: %w", err)
	}
	return &visionService{log: slog, client: client}, nil
}

func (s *visionService) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *visionService) OCRImageBytes(ctx context.Context, img []byte) (*VisionOCRResult, error) {
	if len(img) == 0 {
		return &VisionOCRResult{}, nil
	}

	ctx = ctxutil.Default(ctx)
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	req := &visionpb.BatchAnnotateImagesRequest{
		Requests: []*visionpb.AnnotateImageRequest{
			{
				Image: &visionpb.Image{Content: img},
				Features: []*visionpb.Feature{
					{Type: visionpb.Feature_DOCUMENT_TEXT_DETECTION},
				},
			},
		},
	}
	resp, err := s.client.BatchAnnotateImages(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("vision BatchAnnotateImages: %w", err)
	}
	if resp == nil || len(resp.Responses) == 0 || resp.Responses[0] == nil {
		return &VisionOCRResult{}, nil
	}

	r0 := resp.Responses[0]
	if r0.Error != nil && r0.Error.Message != "" {
		return nil, fmt.Errorf("vision annotate error: %s", r0.Error.Message)
	}

	fta := r0.FullTextAnnotation
	if fta == nil || strings.TrimSpace(fta.Text) == "" {
		return &VisionOCRResult{}, nil
	}

	out := &VisionOCRResult{PrimaryText: strings.TrimSpace(fta.Text)}

	for _, pg := range fta.Pages {
		if pg == nil {
			continue
		}
		out.Confidence = avgBlockConfidence(pg.Blocks)
		for _, b := range pg.Blocks {
			if b == nil {
				continue
			}
			txt := blockText(b)
			if txt == "" {
				continue
			}
			seg := types.Segment{
				Kind: types.SegmentKindOCR,
				Text: txt,
				Page: 1,
				Box:  normBoxFromImagePoly(b.BoundingBox, int(pg.Width), int(pg.Height)),
			}
			if c := float64(b.Confidence); c > 0 {
				seg.Confidence = &c
			}
			out.Segments = append(out.Segments, seg)
		}
	}

	if len(out.Segments) == 0 {
		out.Segments = append(out.Segments, types.Segment{
			Kind: types.SegmentKindOCR,
			Text: out.PrimaryText,
			Page: 1,
		})
	}
	return out, nil
}

// blockText walks the paragraph/word/symbol tree and rebuilds the text
// with the breaks Vision detected.
func blockText(b *visionpb.Block) string {
	var sb strings.Builder
	for _, par := range b.Paragraphs {
		if par == nil {
			continue
		}
		for _, w := range par.Words {
			if w == nil {
				continue
			}
			for _, sym := range w.Symbols {
				if sym == nil {
					continue
				}
				sb.WriteString(sym.Text)
				if sym.Property == nil || sym.Property.DetectedBreak == nil {
					continue
				}
				switch sym.Property.DetectedBreak.Type {
				case visionpb.TextAnnotation_DetectedBreak_SPACE,
					visionpb.TextAnnotation_DetectedBreak_SURE_SPACE:
					sb.WriteString(" ")
				case visionpb.TextAnnotation_DetectedBreak_EOL_SURE_SPACE,
					visionpb.TextAnnotation_DetectedBreak_LINE_BREAK:
					sb.WriteString("\n")
				case visionpb.TextAnnotation_DetectedBreak_HYPHEN:
					sb.WriteString("-\n")
				}
			}
		}
	}
	return strings.TrimSpace(sb.String())
}

func avgBlockConfidence(blocks []*visionpb.Block) float64 {
	var sum float64
	n := 0
	for _, b := range blocks {
		if b == nil || b.Confidence <= 0 {
			continue
		}
		sum += float64(b.Confidence)
		n++
	}
	if n == 0 {
		return 0
	}
	return math.Max(0, math.Min(1, sum/float64(n)))
}

func normBoxFromImagePoly(bp *visionpb.BoundingPoly, width, height int) *types.NormBox {
	if bp == nil {
		return nil
	}

	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	n := 0

	if len(bp.NormalizedVertices) > 0 {
		for _, v := range bp.NormalizedVertices {
			if v == nil {
				continue
			}
			minX = math.Min(minX, float64(v.X))
			minY = math.Min(minY, float64(v.Y))
			maxX = math.Max(maxX, float64(v.X))
			maxY = math.Max(maxY, float64(v.Y))
			n++
		}
	} else if len(bp.Vertices) > 0 && width > 0 && height > 0 {
		w, h := float64(width), float64(height)
		for _, v := range bp.Vertices {
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
