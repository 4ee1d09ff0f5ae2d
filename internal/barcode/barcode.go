package barcode

import (
	"errors"
	"math"
	"time"
)

// ErrEmptyBarcode is returned when a scan result would carry no payload.
var ErrEmptyBarcode = errors.New("empty barcode")

// Source identifies what produced a scan result
type Source string

const (
	SourceNative Source = "native"
	SourceOCR    Source = "ocr"
)

// ScanResult is a validated scan. Treat it as immutable once created.
type ScanResult struct {
	Barcode    string    `json:"barcode"`
	Format     Format    `json:"format"`
	Confidence int       `json:"confidence"`
	FrameIndex int       `json:"frame_index"`
	Timestamp  time.Time `json:"timestamp"`
	Enhanced   bool      `json:"enhanced"`
	Source     Source    `json:"source"`
}

// NewScanResult builds a native scan result, clamping confidence to [0,100].
func NewScanResult(code string, format Format, confidence int, ts time.Time) (ScanResult, error) {
	if code == "" {
		return ScanResult{}, ErrEmptyBarcode
	}
	if format == "" {
		format = FormatUnknown
	}
	return ScanResult{
		Barcode:    code,
		Format:     format,
		Confidence: ClampConfidence(confidence),
		Timestamp:  ts,
		Source:     SourceNative,
	}, nil
}

// WithConfidence returns a copy of r with a new, clamped confidence.
func (r ScanResult) WithConfidence(confidence int) ScanResult {
	r.Confidence = ClampConfidence(confidence)
	return r
}

// ClampConfidence limits a confidence value to [0,100].
func ClampConfidence(c int) int {
	if c < 0 {
		return 0
	}
	if c > 100 {
		return 100
	}
	return c
}

// ConfidenceFromFloat rounds and clamps a fractional confidence.
func ConfidenceFromFloat(c float64) int {
	if math.IsNaN(c) {
		return 0
	}
	return ClampConfidence(int(math.Round(c)))
}

// Size is a frame's pixel dimensions.
type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Rect is an axis-aligned bounding box in frame coordinates.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Area returns the box area, zero for degenerate boxes.
func (r Rect) Area() float64 {
	if r.Width <= 0 || r.Height <= 0 {
		return 0
	}
	return r.Width * r.Height
}

// Center returns the box's center point.
func (r Rect) Center() (float64, float64) {
	return r.X + r.Width/2, r.Y + r.Height/2
}

// Contains reports whether the point lies inside the box.
func (r Rect) Contains(x, y float64) bool {
	return x >= r.X && x <= r.X+r.Width && y >= r.Y && y <= r.Y+r.Height
}

// Intersect returns the overlapping box of r and o.
func (r Rect) Intersect(o Rect) Rect {
	x1 := math.Max(r.X, o.X)
	y1 := math.Max(r.Y, o.Y)
	x2 := math.Min(r.X+r.Width, o.X+o.Width)
	y2 := math.Min(r.Y+r.Height, o.Y+o.Height)
	if x2 <= x1 || y2 <= y1 {
		return Rect{}
	}
	return Rect{X: x1, Y: y1, Width: x2 - x1, Height: y2 - y1}
}

// IoU returns the intersection-over-union ratio of two boxes.
func (r Rect) IoU(o Rect) float64 {
	inter := r.Intersect(o).Area()
	if inter == 0 {
		return 0
	}
	union := r.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// DetectedBarcode is a scan result ranked within a single frame.
type DetectedBarcode struct {
	ScanResult
	Priority float64 `json:"priority"`
	Bounds   *Rect   `json:"bounds,omitempty"`
}

// DetectionEvent is the raw shape detectors hand to the pipeline. Data wins
// over Raw when both are set.
type DetectionEvent struct {
	Data       string `json:"data,omitempty"`
	Raw        string `json:"raw,omitempty"`
	Type       string `json:"type,omitempty"`
	Bounds     *Rect  `json:"bounds,omitempty"`
	Confidence *int   `json:"confidence,omitempty"`
	Source     Source `json:"source,omitempty"`
}

// Payload returns the decoded string carried by the event.
func (e DetectionEvent) Payload() string {
	if e.Data != "" {
		return e.Data
	}
	return e.Raw
}
