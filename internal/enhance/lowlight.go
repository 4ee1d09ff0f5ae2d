package enhance

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"sync"

	"github.com/disintegration/imaging"

	"github.com/zombor/scan-pipeline/internal/barcode"
)

const (
	lightHistorySize = 10
	defaultLight     = 0.5

	claheTile  = 16
	claheClip  = 4.0
	boostLight = 1.5
	boostGain  = 1.3
)

// ErrNoFrames is returned when there is nothing to accumulate.
var ErrNoFrames = errors.New("no frames to accumulate")

// LightCategory buckets an ambient light level
type LightCategory string

const (
	LightDark   LightCategory = "dark"
	LightLow    LightCategory = "low"
	LightNormal LightCategory = "normal"
	LightBright LightCategory = "bright"
)

// CameraSettings are the capture settings recommended for a light level.
type CameraSettings struct {
	Exposure          float64 `json:"exposure"`   // EV compensation, -2..2
	ISO               int     `json:"iso"`        // 100..3200
	Brightness        float64 `json:"brightness"` // 0..1
	Contrast          float64 `json:"contrast"`   // 0..2
	EnableFlash       bool    `json:"enable_flash"`
	FrameAccumulation int     `json:"frame_accumulation"`
}

// LightConditions is the analysis of one light level.
type LightConditions struct {
	Level          float64        `json:"level"`
	Category       LightCategory  `json:"category"`
	Recommendation string         `json:"recommendation"`
	Settings       CameraSettings `json:"settings"`
}

// LowLight tracks recent ambient light readings and prepares dark frames
// for detection.
type LowLight struct {
	clock barcode.Clock

	mu      sync.Mutex
	history []float64
}

// NewLowLight creates a LowLight. The clock drives the time-of-day estimate
// used when no frame is available.
func NewLowLight(clock barcode.Clock) *LowLight {
	if clock == nil {
		clock = barcode.SystemClock{}
	}
	return &LowLight{clock: clock}
}

// DetectLightLevel returns the mean luminance of img in [0,1] and records it.
// A nil image falls back to a time-of-day estimate, which is not recorded.
func (l *LowLight) DetectLightLevel(img image.Image) float64 {
	if img == nil || img.Bounds().Empty() {
		return l.estimateFromTime()
	}
	hist := imaging.Histogram(img)
	level := 0.0
	for i, v := range hist {
		level += float64(i) * v
	}
	level /= 255

	l.mu.Lock()
	l.history = append(l.history, level)
	if len(l.history) > lightHistorySize {
		l.history = l.history[len(l.history)-lightHistorySize:]
	}
	l.mu.Unlock()
	return level
}

// SmoothedLightLevel averages the recorded readings, 0.5 when there are none.
func (l *LowLight) SmoothedLightLevel() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.history) == 0 {
		return defaultLight
	}
	sum := 0.0
	for _, v := range l.history {
		sum += v
	}
	return sum / float64(len(l.history))
}

func (l *LowLight) estimateFromTime() float64 {
	hour := l.clock.Now().Hour()
	switch {
	case hour >= 6 && hour <= 8:
		return 0.4
	case hour > 8 && hour < 17:
		return 0.8
	case hour >= 17 && hour <= 19:
		return 0.4
	}
	return 0.2
}

// CurrentConditions analyzes the smoothed light level.
func (l *LowLight) CurrentConditions() LightConditions {
	return AnalyzeLightConditions(l.SmoothedLightLevel())
}

// Reset clears the reading history
func (l *LowLight) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.history = nil
}

// AnalyzeLightConditions categorizes level and recommends camera settings.
func AnalyzeLightConditions(level float64) LightConditions {
	switch {
	case level < 0.25:
		return LightConditions{
			Level:          level,
			Category:       LightDark,
			Recommendation: "Very low light detected. Enable flash for best results.",
			Settings:       CameraSettings{Exposure: 2, ISO: 3200, Brightness: 1, Contrast: 1.5, EnableFlash: true, FrameAccumulation: 5},
		}
	case level < 0.45:
		return LightConditions{
			Level:          level,
			Category:       LightLow,
			Recommendation: "Low light detected. Consider enabling flash or moving to better lighting.",
			Settings:       CameraSettings{Exposure: 1, ISO: 1600, Brightness: 0.8, Contrast: 1.3, EnableFlash: true, FrameAccumulation: 3},
		}
	case level < 0.75:
		return LightConditions{
			Level:          level,
			Category:       LightNormal,
			Recommendation: "Lighting conditions are adequate.",
			Settings:       CameraSettings{Exposure: 0, ISO: 800, Brightness: 0.5, Contrast: 1, FrameAccumulation: 1},
		}
	}
	return LightConditions{
		Level:          level,
		Category:       LightBright,
		Recommendation: "Good lighting conditions.",
		Settings:       CameraSettings{Exposure: -0.5, ISO: 100, Brightness: 0.3, Contrast: 1, FrameAccumulation: 1},
	}
}

// OptimizeCameraSettings returns only the settings for level.
func OptimizeCameraSettings(level float64) CameraSettings {
	return AnalyzeLightConditions(level).Settings
}

// AccumulateFrames averages same-sized frames pixel by pixel to cut sensor
// noise.
func AccumulateFrames(frames []image.Image) (*image.NRGBA, error) {
	if len(frames) == 0 {
		return nil, ErrNoFrames
	}
	base := imaging.Clone(frames[0])
	size := base.Bounds().Size()
	sums := make([]float64, len(base.Pix))
	for i, f := range frames {
		src := base
		if i > 0 {
			src = imaging.Clone(f)
			if src.Bounds().Size() != size {
				return nil, fmt.Errorf("frame %d is %v, want %v", i, src.Bounds().Size(), size)
			}
		}
		for j, v := range src.Pix {
			sums[j] += float64(v)
		}
	}
	out := image.NewNRGBA(image.Rect(0, 0, size.X, size.Y))
	n := float64(len(frames))
	for j, s := range sums {
		out.Pix[j] = uint8(math.Round(s / n))
	}
	return out, nil
}

// ReduceNoise runs an edge-preserving bilateral filter tuned for dark frames.
func ReduceNoise(img image.Image) *image.NRGBA {
	return Bilateral(img, 5, 50, 50)
}

// EnhanceForLowLight denoises, boosts brightness and contrast, then applies
// tiled histogram equalization.
func EnhanceForLowLight(img image.Image) *image.NRGBA {
	out := ReduceNoise(img)
	out = BoostBrightnessContrast(out, boostLight, boostGain)
	return CLAHE(out, claheTile, claheClip)
}

// Bilateral filters img with a square window of the given diameter. Pixels
// are weighted by spatial distance and RGB distance.
func Bilateral(img image.Image, diameter int, sigmaColor, sigmaSpace float64) *image.NRGBA {
	src := imaging.Clone(img)
	w, h := src.Bounds().Dx(), src.Bounds().Dy()
	out := image.NewNRGBA(image.Rect(0, 0, w, h))
	radius := diameter / 2
	colorDen := 2 * sigmaColor * sigmaColor
	spaceDen := 2 * sigmaSpace * sigmaSpace

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			ci := y*src.Stride + x*4
			cr, cg, cb := float64(src.Pix[ci]), float64(src.Pix[ci+1]), float64(src.Pix[ci+2])
			var sr, sg, sb, sw float64
			for dy := -radius; dy <= radius; dy++ {
				py := y + dy
				if py < 0 || py >= h {
					continue
				}
				for dx := -radius; dx <= radius; dx++ {
					px := x + dx
					if px < 0 || px >= w {
						continue
					}
					pi := py*src.Stride + px*4
					pr, pg, pb := float64(src.Pix[pi]), float64(src.Pix[pi+1]), float64(src.Pix[pi+2])
					colorDist := (pr-cr)*(pr-cr) + (pg-cg)*(pg-cg) + (pb-cb)*(pb-cb)
					weight := math.Exp(-float64(dx*dx+dy*dy)/spaceDen) * math.Exp(-colorDist/colorDen)
					sr += pr * weight
					sg += pg * weight
					sb += pb * weight
					sw += weight
				}
			}
			oi := y*out.Stride + x*4
			if sw > 0 {
				out.Pix[oi] = uint8(clamp(math.Round(sr/sw), 0, 255))
				out.Pix[oi+1] = uint8(clamp(math.Round(sg/sw), 0, 255))
				out.Pix[oi+2] = uint8(clamp(math.Round(sb/sw), 0, 255))
			} else {
				copy(out.Pix[oi:oi+3], src.Pix[ci:ci+3])
			}
			out.Pix[oi+3] = src.Pix[ci+3]
		}
	}
	return out
}

// BoostBrightnessContrast applies a contrast curve around mid-grey and then
// scales by brightness.
func BoostBrightnessContrast(img image.Image, brightness, contrast float64) *image.NRGBA {
	factor := (259 * (contrast*128 + 255)) / (255 * (259 - contrast*128))
	var lut [256]uint8
	for i := range lut {
		v := (factor*(float64(i)-128) + 128) * brightness
		lut[i] = uint8(clamp(math.Round(v), 0, 255))
	}
	return imaging.AdjustFunc(img, func(c color.NRGBA) color.NRGBA {
		return color.NRGBA{R: lut[c.R], G: lut[c.G], B: lut[c.B], A: c.A}
	})
}

// CLAHE equalizes each tile x tile block independently with its luminance
// histogram clipped at clipLimit and the excess spread over all bins.
func CLAHE(img image.Image, tile int, clipLimit float64) *image.NRGBA {
	out := imaging.Clone(img)
	w, h := out.Bounds().Dx(), out.Bounds().Dy()
	for ty := 0; ty < h; ty += tile {
		for tx := 0; tx < w; tx += tile {
			equalizeRegion(out, tx, ty, min(tile, w-tx), min(tile, h-ty), clipLimit)
		}
	}
	return out
}

func equalizeRegion(img *image.NRGBA, x0, y0, w, h int, clipLimit float64) {
	var hist [256]float64
	for y := y0; y < y0+h; y++ {
		for x := x0; x < x0+w; x++ {
			i := y*img.Stride + x*4
			hist[int(math.Round(luminance(img.Pix[i], img.Pix[i+1], img.Pix[i+2])))]++
		}
	}

	excess := 0.0
	for _, c := range hist {
		excess += math.Max(0, c-clipLimit)
	}
	spread := excess / 256
	for i := range hist {
		hist[i] = math.Min(hist[i], clipLimit) + spread
	}

	var cdf [256]float64
	cdf[0] = hist[0]
	for i := 1; i < 256; i++ {
		cdf[i] = cdf[i-1] + hist[i]
	}
	cdfMin := 0.0
	for _, v := range cdf {
		if v > 0 {
			cdfMin = v
			break
		}
	}
	denom := float64(w*h) - cdfMin
	if denom <= 0 {
		return
	}
	scale := 255 / denom

	for y := y0; y < y0+h; y++ {
		for x := x0; x < x0+w; x++ {
			i := y*img.Stride + x*4
			for c := 0; c < 3; c++ {
				img.Pix[i+c] = uint8(clamp(math.Round((cdf[img.Pix[i+c]]-cdfMin)*scale), 0, 255))
			}
		}
	}
}
