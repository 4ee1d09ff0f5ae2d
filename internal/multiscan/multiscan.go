// Package multiscan ranks the barcodes found in a single frame.
package multiscan

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/zombor/scan-pipeline/internal/barcode"
)

// Strategy selects how a detection's priority is computed.
type Strategy string

const (
	StrategyCenter     Strategy = "center"
	StrategySize       Strategy = "size"
	StrategyConfidence Strategy = "confidence"
	StrategyCustom     Strategy = "custom"
)

const overlapThreshold = 0.5

// Highlight colours
const (
	ColorPrimary = "#4CAF50"
	ColorHigh    = "#2196F3"
	ColorMedium  = "#FFC107"
	ColorLow     = "#FF9800"
)

// Config controls ranking
type Config struct {
	MaxBarcodesPerFrame int      `json:"max_barcodes_per_frame"`
	Strategy            Strategy `json:"priority_strategy"`
	MinConfidence       int      `json:"min_confidence"`
	SpatialDedup        bool     `json:"spatial_deduplication"`
}

// DefaultConfig returns ten codes per frame ranked by distance from the
// frame centre, dropping anything under 50% confidence.
func DefaultConfig() Config {
	return Config{
		MaxBarcodesPerFrame: 10,
		Strategy:            StrategyCenter,
		MinConfidence:       50,
		SpatialDedup:        true,
	}
}

// Highlight is a presentation hint for one ranked barcode.
type Highlight struct {
	Barcode  string       `json:"barcode"`
	Position barcode.Rect `json:"position"`
	Color    string       `json:"color"`
	Priority float64      `json:"priority"`
	Label    string       `json:"label"`
}

// Scanner ranks multi-barcode frames and remembers the last ranking.
type Scanner struct {
	mu        sync.Mutex
	cfg       Config
	frame     barcode.Size
	lastFound []barcode.DetectedBarcode
}

// New creates a Scanner. Until a frame size is supplied, bounds are taken
// to be normalized to a 1x1 frame.
func New(cfg Config) *Scanner {
	if cfg.MaxBarcodesPerFrame <= 0 {
		cfg.MaxBarcodesPerFrame = DefaultConfig().MaxBarcodesPerFrame
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyCenter
	}
	return &Scanner{cfg: cfg, frame: barcode.Size{Width: 1, Height: 1}}
}

// Config returns the current configuration
func (s *Scanner) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// UpdateConfig replaces the configuration
func (s *Scanner) UpdateConfig(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.MaxBarcodesPerFrame <= 0 {
		cfg.MaxBarcodesPerFrame = DefaultConfig().MaxBarcodesPerFrame
	}
	s.cfg = cfg
}

// DetectMultiple assigns priorities, drops low-confidence detections and
// spatial duplicates, and returns the rest highest priority first, capped at
// MaxBarcodesPerFrame.
func (s *Scanner) DetectMultiple(results []barcode.DetectedBarcode, frameSize *barcode.Size) []barcode.DetectedBarcode {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(results) == 0 {
		s.lastFound = nil
		return nil
	}
	if frameSize != nil && frameSize.Width > 0 && frameSize.Height > 0 {
		s.frame = *frameSize
	}

	ranked := make([]barcode.DetectedBarcode, 0, len(results))
	for i, r := range results {
		r.Priority = s.priority(r, i, len(results))
		if r.Confidence < s.cfg.MinConfidence {
			continue
		}
		ranked = append(ranked, r)
	}
	if s.cfg.SpatialDedup {
		ranked = dedupe(ranked)
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Priority > ranked[j].Priority
	})
	if len(ranked) > s.cfg.MaxBarcodesPerFrame {
		ranked = ranked[:s.cfg.MaxBarcodesPerFrame]
	}

	s.lastFound = ranked
	return clone(ranked)
}

func (s *Scanner) priority(d barcode.DetectedBarcode, index, total int) float64 {
	switch s.cfg.Strategy {
	case StrategyCenter:
		return s.centerPriority(d)
	case StrategySize:
		if d.Bounds == nil {
			return 5
		}
		ratio := d.Bounds.Area() / (s.frame.Width * s.frame.Height)
		return clamp(ratio*100, 1, 10)
	case StrategyConfidence:
		return float64(d.Confidence)
	case StrategyCustom:
		return 10 - float64(index)*(9/float64(max(1, total-1)))
	}
	return 5
}

func (s *Scanner) centerPriority(d barcode.DetectedBarcode) float64 {
	if d.Bounds == nil {
		return 5
	}
	cx, cy := s.frame.Width/2, s.frame.Height/2
	bx, by := d.Bounds.Center()
	dx := (bx - cx) / cx
	dy := (by - cy) / cy
	dist := math.Sqrt(dx*dx + dy*dy)
	return clamp(10-dist*9, 1, 10)
}

// dedupe keeps the first of any two detections of the same string whose
// boxes overlap by at least half (IoU).
func dedupe(in []barcode.DetectedBarcode) []barcode.DetectedBarcode {
	out := make([]barcode.DetectedBarcode, 0, len(in))
	for _, d := range in {
		dup := false
		for _, kept := range out {
			if d.Barcode != kept.Barcode || d.Bounds == nil || kept.Bounds == nil {
				continue
			}
			if d.Bounds.IoU(*kept.Bounds) >= overlapThreshold {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, d)
		}
	}
	return out
}

// HighlightBarcodes maps a ranking to presentation hints; nil uses the last
// ranking. The first entry is always the primary colour.
func (s *Scanner) HighlightBarcodes(ranked []barcode.DetectedBarcode) []Highlight {
	if ranked == nil {
		ranked = s.CaptureAll()
	}
	out := make([]Highlight, 0, len(ranked))
	for i, d := range ranked {
		pos := barcode.Rect{Width: 100, Height: 100}
		if d.Bounds != nil {
			pos = *d.Bounds
		}
		out = append(out, Highlight{
			Barcode:  d.Barcode,
			Position: pos,
			Color:    highlightColor(d.Priority, i),
			Priority: d.Priority,
			Label:    fmt.Sprintf("%s • %d%%", strings.ToUpper(string(d.Format)), d.Confidence),
		})
	}
	return out
}

func highlightColor(priority float64, index int) string {
	switch {
	case index == 0:
		return ColorPrimary
	case priority >= 7:
		return ColorHigh
	case priority >= 4:
		return ColorMedium
	}
	return ColorLow
}

// PrimaryBarcode returns the highest priority detection of the last frame.
func (s *Scanner) PrimaryBarcode() (barcode.DetectedBarcode, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.lastFound) == 0 {
		return barcode.DetectedBarcode{}, false
	}
	return s.lastFound[0], true
}

// BarcodesInRegion returns last-frame detections whose centre lies in region.
func (s *Scanner) BarcodesInRegion(region barcode.Rect) []barcode.DetectedBarcode {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []barcode.DetectedBarcode
	for _, d := range s.lastFound {
		if d.Bounds == nil {
			continue
		}
		if region.Contains(d.Bounds.Center()) {
			out = append(out, d)
		}
	}
	return out
}

// CaptureAll returns every detection of the last frame
func (s *Scanner) CaptureAll() []barcode.DetectedBarcode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return clone(s.lastFound)
}

// FilterByFormat keeps detections of one format; nil filters the last frame.
func (s *Scanner) FilterByFormat(format barcode.Format, ranked []barcode.DetectedBarcode) []barcode.DetectedBarcode {
	if ranked == nil {
		ranked = s.CaptureAll()
	}
	var out []barcode.DetectedBarcode
	for _, d := range ranked {
		if d.Format == format {
			out = append(out, d)
		}
	}
	return out
}

// FormatCounts tallies detections per format; nil counts the last frame.
func (s *Scanner) FormatCounts(ranked []barcode.DetectedBarcode) map[barcode.Format]int {
	if ranked == nil {
		ranked = s.CaptureAll()
	}
	counts := make(map[barcode.Format]int)
	for _, d := range ranked {
		counts[d.Format]++
	}
	return counts
}

// Reset forgets the last frame and its size
func (s *Scanner) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastFound = nil
	s.frame = barcode.Size{Width: 1, Height: 1}
}

func clone(in []barcode.DetectedBarcode) []barcode.DetectedBarcode {
	if in == nil {
		return nil
	}
	out := make([]barcode.DetectedBarcode, len(in))
	copy(out, in)
	return out
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
