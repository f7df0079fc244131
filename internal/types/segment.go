package types

// NormBox is a page-relative bounding box. All four edges are in [0, 1]
// with the origin at the top-left corner of the page.
type NormBox struct {
	Left   float64 `json:"l"`
	Top    float64 `json:"t"`
	Right  float64 `json:"r"`
	Bottom float64 `json:"b"`
}

func (b NormBox) Width() float64  { return b.Right - b.Left }
func (b NormBox) Height() float64 { return b.Bottom - b.Top }

func (b NormBox) Valid() bool {
	return b.Width() > 0 && b.Height() > 0 &&
		b.Left >= 0 && b.Top >= 0 && b.Right <= 1 && b.Bottom <= 1
}

type SegmentKind string

const (
	SegmentKindText  SegmentKind = "text"
	SegmentKindTable SegmentKind = "table"
	SegmentKindOCR   SegmentKind = "ocr"
)

// Segment is one extracted region of a document page. Page numbers are
// 1-based. Box is nil when the provider gave no usable geometry.
type Segment struct {
	Kind       SegmentKind `json:"kind"`
	Text       string      `json:"text"`
	Page       int         `json:"page"`
	Box        *NormBox    `json:"box,omitempty"`
	Confidence *float64    `json:"confidence,omitempty"`
}
