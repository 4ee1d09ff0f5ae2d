package frames

import (
	"sort"
	"sync"
	"time"

	"github.com/zombor/scan-pipeline/internal/barcode"
)

const (
	staleThreshold     = 3000 * time.Millisecond
	resightingBonus    = 5
	mixedFormatPenalty = 0.8
)

// MultiFrameConfig sizes the sliding window
type MultiFrameConfig struct {
	BufferSize         int `json:"buffer_size"`
	MinConsensusFrames int `json:"min_consensus_frames"`
}

// DefaultMultiFrameConfig returns a 5-frame window needing 2 agreeing frames.
func DefaultMultiFrameConfig() MultiFrameConfig {
	return MultiFrameConfig{BufferSize: 5, MinConsensusFrames: 2}
}

// AggregatedResult is one barcode's agreement across a window of results.
type AggregatedResult struct {
	Barcode          string           `json:"barcode"`
	Confidence       int              `json:"confidence"`
	FrameCount       int              `json:"frame_count"`
	FirstFrame       int              `json:"first_frame"`
	LastFrame        int              `json:"last_frame"`
	Formats          []barcode.Format `json:"formats"`
	ConsensusReached bool             `json:"consensus_reached"`
}

// TrackedBarcode follows one barcode across tracking passes.
type TrackedBarcode struct {
	Barcode    string         `json:"barcode"`
	Format     barcode.Format `json:"format"`
	FirstSeen  time.Time      `json:"first_seen"`
	LastSeen   time.Time      `json:"last_seen"`
	FrameCount int            `json:"frame_count"`
	Confidence int            `json:"confidence"`
	Positions  []barcode.Rect `json:"positions"`

	streak   int
	lastPass uint64
}

// MultiFrame aggregates detections over a sliding window of frames and
// tracks barcode stability. Eviction follows the injected clock.
type MultiFrame struct {
	cfg   MultiFrameConfig
	clock barcode.Clock

	mu      sync.Mutex
	buffer  []Frame
	tracked map[string]*TrackedBarcode
	pass    uint64
}

// NewMultiFrame creates a MultiFrame. Non-positive config values fall back
// to the defaults.
func NewMultiFrame(cfg MultiFrameConfig, clock barcode.Clock) *MultiFrame {
	def := DefaultMultiFrameConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.MinConsensusFrames <= 0 {
		cfg.MinConsensusFrames = def.MinConsensusFrames
	}
	if clock == nil {
		clock = barcode.SystemClock{}
	}
	return &MultiFrame{
		cfg:     cfg,
		clock:   clock,
		tracked: make(map[string]*TrackedBarcode),
	}
}

// Config returns the window configuration
func (m *MultiFrame) Config() MultiFrameConfig {
	return m.cfg
}

// AddFrame pushes a frame into the window, dropping the oldest when full.
func (m *MultiFrame) AddFrame(f Frame) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buffer = append(m.buffer, f)
	if len(m.buffer) > m.cfg.BufferSize {
		m.buffer = m.buffer[len(m.buffer)-m.cfg.BufferSize:]
	}
}

// FrameBuffer returns a copy of the window
func (m *MultiFrame) FrameBuffer() []Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Frame, len(m.buffer))
	copy(out, m.buffer)
	return out
}

// ClearBuffer empties the window
func (m *MultiFrame) ClearBuffer() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buffer = nil
}

// AggregateResults groups results by barcode and returns the groups seen in
// at least MinConsensusFrames results, most confident first.
func (m *MultiFrame) AggregateResults(results []barcode.ScanResult) []AggregatedResult {
	groups := make(map[string][]barcode.ScanResult)
	var order []string
	for _, r := range results {
		if _, ok := groups[r.Barcode]; !ok {
			order = append(order, r.Barcode)
		}
		groups[r.Barcode] = append(groups[r.Barcode], r)
	}

	out := make([]AggregatedResult, 0, len(order))
	for _, code := range order {
		group := groups[code]
		n := len(group)
		if n < m.cfg.MinConsensusFrames {
			continue
		}

		agg := AggregatedResult{
			Barcode:    code,
			FrameCount: n,
			FirstFrame: group[0].FrameIndex,
			LastFrame:  group[0].FrameIndex,
		}
		seen := make(map[barcode.Format]bool)
		for _, r := range group {
			agg.FirstFrame = min(agg.FirstFrame, r.FrameIndex)
			agg.LastFrame = max(agg.LastFrame, r.FrameIndex)
			if !seen[r.Format] {
				seen[r.Format] = true
				agg.Formats = append(agg.Formats, r.Format)
			}
		}

		base := min(100, float64(n)/float64(m.cfg.BufferSize)*100)
		consistency := 1.0
		if len(agg.Formats) > 1 {
			consistency = mixedFormatPenalty
		}
		agg.Confidence = barcode.ConfidenceFromFloat(base * consistency)
		agg.ConsensusReached = n >= m.cfg.MinConsensusFrames
		out = append(out, agg)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Confidence > out[j].Confidence
	})
	return out
}

// TrackBarcodes records one frame's detections as a tracking pass, evicts
// barcodes unseen for more than three seconds and returns the live set.
func (m *MultiFrame) TrackBarcodes(current []barcode.DetectedBarcode) []TrackedBarcode {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	m.pass++
	// Evict first so a code returning after the window starts over.
	for code, t := range m.tracked {
		if now.Sub(t.LastSeen) > staleThreshold {
			delete(m.tracked, code)
		}
	}
	for _, d := range current {
		t, ok := m.tracked[d.Barcode]
		switch {
		case !ok:
			t = &TrackedBarcode{
				Barcode:    d.Barcode,
				Format:     d.Format,
				FirstSeen:  now,
				FrameCount: 1,
				Confidence: d.Confidence,
				streak:     1,
			}
			m.tracked[d.Barcode] = t
		case t.lastPass == m.pass:
			// Same code twice in one frame counts once.
		default:
			t.FrameCount++
			t.Confidence = min(100, t.Confidence+resightingBonus)
			if t.lastPass == m.pass-1 {
				t.streak++
			} else {
				t.streak = 1
			}
		}
		t.LastSeen = now
		t.lastPass = m.pass
		if d.Bounds != nil && (len(t.Positions) == 0 || t.Positions[len(t.Positions)-1] != *d.Bounds) {
			t.Positions = append(t.Positions, *d.Bounds)
			if len(t.Positions) > m.cfg.BufferSize {
				t.Positions = t.Positions[len(t.Positions)-m.cfg.BufferSize:]
			}
		}
	}
	return m.snapshot()
}

// IsStationaryBarcode reports whether code appeared in at least threshold
// consecutive tracking passes, including the latest one.
func (m *MultiFrame) IsStationaryBarcode(code string, threshold int) bool {
	if threshold <= 0 {
		threshold = 3
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tracked[code]
	if !ok || t.lastPass != m.pass {
		return false
	}
	return t.streak >= threshold
}

// ConfidenceScore rates a tracked barcode by how many frames saw it plus a
// bonus for having been seen in the last one or two seconds.
func (m *MultiFrame) ConfidenceScore(code string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tracked[code]
	if !ok {
		return 0
	}
	score := min(100, float64(t.FrameCount)/float64(m.cfg.BufferSize)*100)
	recency := m.clock.Now().Sub(t.LastSeen)
	switch {
	case recency < time.Second:
		score += 10
	case recency < 2*time.Second:
		score += 5
	}
	return barcode.ConfidenceFromFloat(score)
}

// TrackedBarcodes returns the live tracked set ordered by first sighting.
func (m *MultiFrame) TrackedBarcodes() []TrackedBarcode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot()
}

// ClearTracking forgets every tracked barcode
func (m *MultiFrame) ClearTracking() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracked = make(map[string]*TrackedBarcode)
}

// Reset clears the window and tracking state
func (m *MultiFrame) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buffer = nil
	m.tracked = make(map[string]*TrackedBarcode)
	m.pass = 0
}

func (m *MultiFrame) snapshot() []TrackedBarcode {
	out := make([]TrackedBarcode, 0, len(m.tracked))
	for _, t := range m.tracked {
		c := *t
		c.Positions = append([]barcode.Rect(nil), t.Positions...)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FirstSeen.Equal(out[j].FirstSeen) {
			return out[i].FirstSeen.Before(out[j].FirstSeen)
		}
		return out[i].Barcode < out[j].Barcode
	})
	return out
}
