package frames

import (
	"image"
	"math"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"golang.org/x/time/rate"
)

const (
	minFPS        = 5
	maxFPS        = 30
	minDownsample = 1.0
	maxDownsample = 4.0
	minSimilarity = 0.90
	maxSimilarity = 0.98
	roiShare      = 0.4
)

// DeviceTier buckets device capability
type DeviceTier string

const (
	TierLow  DeviceTier = "low"
	TierMid  DeviceTier = "mid"
	TierHigh DeviceTier = "high"
)

// DeviceMetrics describes the capturing device
type DeviceMetrics struct {
	CPUCores     int        `json:"cpu_cores"`
	MemoryMB     int        `json:"memory_mb"`
	BatteryLevel *int       `json:"battery_level,omitempty"` // 0..100, nil when unknown
	LowPowerMode bool       `json:"low_power_mode"`
	Tier         DeviceTier `json:"device_tier"`
}

// Settings controls frame gating. ROI is in post-downsample pixels; nil
// means the centre 40% of the frame.
type Settings struct {
	TargetFPS           int              `json:"target_fps"`
	Resolution          image.Point      `json:"resolution"`
	EnableROI           bool             `json:"enable_roi"`
	ROI                 *image.Rectangle `json:"roi,omitempty"`
	SkipSimilarFrames   bool             `json:"skip_similar_frames"`
	SimilarityThreshold float64          `json:"similarity_threshold"`
	DownsampleFactor    float64          `json:"downsample_factor"`
}

// DefaultSettings returns 15fps, 1280x720, centre ROI and similar-frame
// skipping at 0.95.
func DefaultSettings() Settings {
	return Settings{
		TargetFPS:           15,
		Resolution:          image.Pt(defaultWidth, defaultHeight),
		EnableROI:           true,
		SkipSimilarFrames:   true,
		SimilarityThreshold: 0.95,
		DownsampleFactor:    1,
	}
}

// OptimizerStats reports gating counters
type OptimizerStats struct {
	TotalFrames      int     `json:"total_frames"`
	FramesSkipped    int     `json:"frames_skipped"`
	FramesThrottled  int     `json:"frames_throttled"`
	SkipRate         float64 `json:"skip_rate"`
	CurrentFPS       int     `json:"current_fps"`
	FPSCeiling       int     `json:"fps_ceiling"`
	DownsampleFactor float64 `json:"downsample_factor"`
}

// Optimizer gates frames before they reach detection. AdjustFrameRate sets
// an fps ceiling from device metrics; AutoTune only moves the target fps
// between 5 and that ceiling.
type Optimizer struct {
	mu        sync.Mutex
	settings  Settings
	ceiling   int
	metrics   *DeviceMetrics
	last      *Frame
	lastTS    time.Time
	limiter   *rate.Limiter
	skipped   int
	throttled int
	total     int
}

// NewOptimizer creates an Optimizer. Out-of-range settings are clamped.
func NewOptimizer(settings Settings) *Optimizer {
	o := &Optimizer{ceiling: maxFPS}
	o.settings = o.sanitize(settings)
	o.limiter = rate.NewLimiter(rate.Limit(o.settings.TargetFPS), 1)
	return o
}

func (o *Optimizer) sanitize(s Settings) Settings {
	if s.TargetFPS <= 0 {
		s.TargetFPS = DefaultSettings().TargetFPS
	}
	s.TargetFPS = clampInt(s.TargetFPS, minFPS, o.ceiling)
	if s.DownsampleFactor == 0 {
		s.DownsampleFactor = 1
	}
	s.DownsampleFactor = math.Min(maxDownsample, math.Max(minDownsample, s.DownsampleFactor))
	if s.SimilarityThreshold <= 0 {
		s.SimilarityThreshold = DefaultSettings().SimilarityThreshold
	}
	if s.Resolution == (image.Point{}) {
		s.Resolution = DefaultSettings().Resolution
	}
	return s
}

// AdjustFrameRate derives the fps ceiling from device metrics: 5/15/30 by
// tier, halved in low-power mode and cut to 70% under 20% battery (when
// reported), never below 5. The target fps is reset to the ceiling.
func (o *Optimizer) AdjustFrameRate(m DeviceMetrics) int {
	fps := 15
	switch m.Tier {
	case TierHigh:
		fps = 30
	case TierMid:
		fps = 15
	case TierLow:
		fps = 5
	}
	if m.LowPowerMode {
		fps = max(minFPS, fps/2)
	}
	if m.BatteryLevel != nil && *m.BatteryLevel < 20 {
		fps = max(minFPS, int(math.Floor(float64(fps)*0.7)))
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.metrics = &m
	o.ceiling = fps
	o.setTargetFPS(fps)
	return fps
}

func (o *Optimizer) setTargetFPS(fps int) {
	o.settings.TargetFPS = clampInt(fps, minFPS, o.ceiling)
	o.limiter.SetLimitAt(o.lastTS, rate.Limit(o.settings.TargetFPS))
}

// ShouldSkipFrame reports whether f is too similar to the last processed
// frame, counting it as skipped if so.
func (o *Optimizer) ShouldSkipFrame(f Frame) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.shouldSkip(f)
}

func (o *Optimizer) shouldSkip(f Frame) bool {
	if !o.settings.SkipSimilarFrames || o.last == nil {
		return false
	}
	if optimizerSimilarity(f, *o.last) >= o.settings.SimilarityThreshold {
		o.skipped++
		return true
	}
	return false
}

// optimizerSimilarity is finer grained than FrameSimilarity at short
// intervals and falls back to metadata for frames far apart.
func optimizerSimilarity(a, b Frame) float64 {
	diff := absDuration(a.Timestamp.Sub(b.Timestamp))
	switch {
	case diff < 50*time.Millisecond:
		return 0.98
	case diff < 100*time.Millisecond:
		return 0.90
	case diff < 200*time.Millisecond:
		return 0.75
	case diff < 500*time.Millisecond:
		return 0.50
	}
	if a.Metadata != nil && b.Metadata != nil && a.Metadata.Orientation == b.Metadata.Orientation {
		if math.Abs(lightOf(a.Metadata)-lightOf(b.Metadata)) < 0.1 {
			return 0.85
		}
	}
	return 0.30
}

func lightOf(md *Metadata) float64 {
	if md.LightLevel == nil {
		return 0
	}
	return *md.LightLevel
}

// ProcessFrame runs the gate: similarity skip, fps throttle, downsample, ROI
// crop. It returns false when the frame should not be processed.
func (o *Optimizer) ProcessFrame(f Frame) (Frame, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.total++
	o.lastTS = f.Timestamp
	if o.shouldSkip(f) {
		return Frame{}, false
	}
	if !o.limiter.AllowN(f.Timestamp, 1) {
		o.throttled++
		return Frame{}, false
	}

	out := o.downsample(f)
	out = o.cropToROI(out, nil)
	o.last = &out
	return out, true
}

func (o *Optimizer) downsample(f Frame) Frame {
	factor := o.settings.DownsampleFactor
	if factor <= 1 {
		return f
	}
	w, h := f.Size()
	tw := max(1, int(math.Floor(float64(w)/factor)))
	th := max(1, int(math.Floor(float64(h)/factor)))
	if f.Data != nil {
		f.Data = imaging.Resize(f.Data, tw, th, imaging.Box)
	}
	return f.withSize(tw, th)
}

// CropToROI crops f to roi, the configured ROI or the centre 40%.
func (o *Optimizer) CropToROI(f Frame, roi *image.Rectangle) Frame {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cropToROI(f, roi)
}

func (o *Optimizer) cropToROI(f Frame, roi *image.Rectangle) Frame {
	if !o.settings.EnableROI {
		return f
	}
	w, h := f.Size()
	region := DefaultROI(w, h)
	switch {
	case roi != nil:
		region = *roi
	case o.settings.ROI != nil:
		region = *o.settings.ROI
	}
	region = region.Intersect(image.Rect(0, 0, w, h))
	if region.Empty() {
		return f
	}
	if f.Data != nil {
		b := f.Data.Bounds()
		f.Data = imaging.Crop(f.Data, region.Add(b.Min))
	}
	return f.withSize(region.Dx(), region.Dy())
}

// DefaultROI returns the centred rectangle covering 40% of each dimension.
func DefaultROI(w, h int) image.Rectangle {
	rw := int(math.Floor(float64(w) * roiShare))
	rh := int(math.Floor(float64(h) * roiShare))
	x := (w - rw) / 2
	y := (h - rh) / 2
	return image.Rect(x, y, x+rw, y+rh)
}

// AutoTune reacts to measured throughput. Below 80% of target it degrades
// quality; above 120% it recovers. Every knob stays within its bounds, so
// repeated calls converge.
func (o *Optimizer) AutoTune(actualFPS, targetFPS float64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	s := &o.settings
	switch {
	case actualFPS < targetFPS*0.8:
		s.DownsampleFactor = math.Min(maxDownsample, s.DownsampleFactor+0.5)
		if s.TargetFPS > minFPS {
			o.setTargetFPS(max(minFPS, int(math.Floor(float64(s.TargetFPS)*0.8))))
		}
		s.SkipSimilarFrames = true
		s.SimilarityThreshold = math.Min(maxSimilarity, s.SimilarityThreshold+0.05)
	case actualFPS > targetFPS*1.2:
		s.DownsampleFactor = math.Max(minDownsample, s.DownsampleFactor-0.5)
		if o.metrics == nil || o.metrics.Tier != TierLow {
			o.setTargetFPS(s.TargetFPS + 5)
		}
		if s.SimilarityThreshold > minSimilarity {
			s.SimilarityThreshold = math.Max(minSimilarity, s.SimilarityThreshold-0.05)
		}
	}
}

// Stats returns the gating counters
func (o *Optimizer) Stats() OptimizerStats {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := OptimizerStats{
		TotalFrames:      o.total,
		FramesSkipped:    o.skipped,
		FramesThrottled:  o.throttled,
		CurrentFPS:       o.settings.TargetFPS,
		FPSCeiling:       o.ceiling,
		DownsampleFactor: o.settings.DownsampleFactor,
	}
	if o.total > 0 {
		st.SkipRate = float64(o.skipped) / float64(o.total)
	}
	return st
}

// Settings returns a copy of the current settings
func (o *Optimizer) Settings() Settings {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.settings
}

// UpdateSettings replaces the settings, clamped to the current ceiling.
func (o *Optimizer) UpdateSettings(s Settings) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.settings = o.sanitize(s)
	o.limiter.SetLimitAt(o.lastTS, rate.Limit(o.settings.TargetFPS))
}

// Reset clears the last processed frame and the counters
func (o *Optimizer) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.last = nil
	o.lastTS = time.Time{}
	o.skipped, o.throttled, o.total = 0, 0, 0
	o.limiter = rate.NewLimiter(rate.Limit(o.settings.TargetFPS), 1)
}

// EstimateDeviceTier buckets a device by cores and memory.
func EstimateDeviceTier(cpuCores, memoryMB int) DeviceTier {
	switch {
	case cpuCores >= 6 && memoryMB >= 4096:
		return TierHigh
	case cpuCores >= 4 && memoryMB >= 2048:
		return TierMid
	}
	return TierLow
}

// RecommendedSettings returns defaults tuned for a device tier.
func RecommendedSettings(tier DeviceTier) Settings {
	s := DefaultSettings()
	switch tier {
	case TierHigh:
		s.TargetFPS, s.DownsampleFactor, s.SimilarityThreshold = 30, 1, 0.95
	case TierMid:
		s.TargetFPS, s.DownsampleFactor, s.SimilarityThreshold = 15, 1.5, 0.93
	case TierLow:
		s.TargetFPS, s.DownsampleFactor, s.SimilarityThreshold = 5, 2, 0.90
	}
	return s
}

func clampInt(v, lo, hi int) int {
	if hi < lo {
		hi = lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
