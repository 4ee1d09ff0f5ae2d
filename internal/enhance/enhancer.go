// Package enhance holds the pixel transforms used to make hard frames
// readable: contrast, brightness, gamma, sharpening, denoising, thresholding
// and the low-light pipeline.
package enhance

import (
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
)

var (
	sharpenKernel  = [9]float64{0, -1, 0, -1, 5, -1, 0, -1, 0}
	gaussianKernel = [9]float64{1, 2, 1, 2, 4, 2, 1, 2, 1}
)

// Options selects the enhancements applied by Enhance.
type Options struct {
	AutoContrast bool    `json:"auto_contrast"`
	Brightness   float64 `json:"brightness"` // -100..100
	Sharpen      bool    `json:"sharpen"`
	Denoise      bool    `json:"denoise"`
	Gamma        float64 `json:"gamma"` // 0.1..3.0, 0 or 1 leaves the image alone
}

// Empty reports whether the options would leave the image untouched.
func (o Options) Empty() bool {
	return !o.AutoContrast && o.Brightness == 0 && !o.Sharpen && !o.Denoise && (o.Gamma == 0 || o.Gamma == 1)
}

// Enhance applies denoise, auto-contrast, brightness, gamma and sharpen in
// that order. The input is never modified.
func Enhance(img image.Image, opts Options) *image.NRGBA {
	out := imaging.Clone(img)
	if opts.Denoise {
		out = Denoise(out)
	}
	if opts.AutoContrast {
		out = AutoContrast(out)
	}
	if opts.Brightness != 0 {
		out = imaging.AdjustBrightness(out, clamp(opts.Brightness, -100, 100))
	}
	if opts.Gamma != 0 && opts.Gamma != 1 {
		out = imaging.AdjustGamma(out, clamp(opts.Gamma, 0.1, 3))
	}
	if opts.Sharpen {
		out = Sharpen(out)
	}
	return out
}

// AutoContrast equalizes the luminance histogram and remaps every channel
// through the resulting CDF.
func AutoContrast(img image.Image) *image.NRGBA {
	hist := imaging.Histogram(img)
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
	span := 1 - cdfMin
	if span <= 0 {
		return imaging.Clone(img)
	}
	var lut [256]uint8
	for i := range lut {
		lut[i] = uint8(clamp(math.Round((cdf[i]-cdfMin)/span*255), 0, 255))
	}
	return imaging.AdjustFunc(img, func(c color.NRGBA) color.NRGBA {
		return color.NRGBA{R: lut[c.R], G: lut[c.G], B: lut[c.B], A: c.A}
	})
}

// AdjustBrightness shifts every channel by adjustment percent of full scale.
func AdjustBrightness(img image.Image, adjustment float64) *image.NRGBA {
	return imaging.AdjustBrightness(img, clamp(adjustment, -100, 100))
}

// GammaCorrection applies out = 255 * (in/255)^(1/gamma).
func GammaCorrection(img image.Image, gamma float64) *image.NRGBA {
	return imaging.AdjustGamma(img, clamp(gamma, 0.1, 3))
}

// Sharpen applies a 3x3 Laplacian sharpening kernel.
func Sharpen(img image.Image) *image.NRGBA {
	return imaging.Convolve3x3(img, sharpenKernel, nil)
}

// Denoise applies a 3x3 Gaussian blur.
func Denoise(img image.Image) *image.NRGBA {
	return imaging.Convolve3x3(img, gaussianKernel, &imaging.ConvolveOptions{Normalize: true})
}

// Grayscale converts to weighted luminance.
func Grayscale(img image.Image) *image.NRGBA {
	return imaging.Grayscale(img)
}

// AdaptiveThreshold binarizes img against the mean of its blockSize x
// blockSize neighbourhood minus c. Edges are clamped.
func AdaptiveThreshold(img image.Image, blockSize int, c float64) *image.Gray {
	if blockSize < 1 {
		blockSize = 11
	}
	gray := imaging.Grayscale(img)
	w, h := gray.Bounds().Dx(), gray.Bounds().Dy()
	lum := make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			lum[y*w+x] = float64(gray.Pix[y*gray.Stride+x*4])
		}
	}

	half := blockSize / 2
	count := float64((2*half + 1) * (2*half + 1))
	out := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			sum := 0.0
			for by := -half; by <= half; by++ {
				py := clampInt(y+by, 0, h-1)
				for bx := -half; bx <= half; bx++ {
					sum += lum[py*w+clampInt(x+bx, 0, w-1)]
				}
			}
			if lum[y*w+x] > sum/count-c {
				out.Pix[y*out.Stride+x] = 255
			}
		}
	}
	return out
}

// Stats summarizes a frame for choosing enhancement settings. Brightness
// and contrast are on the 0..255 luminance scale; noise and sharpness are
// 0..100 scores.
type Stats struct {
	Brightness float64 `json:"brightness"`
	Contrast   float64 `json:"contrast"`
	Noise      float64 `json:"noise"`
	Sharpness  float64 `json:"sharpness"`
}

// Analyze measures img. Noise and sharpness are estimated from an evenly
// spaced sample of at most 1000 pixels.
func Analyze(img image.Image) Stats {
	src := imaging.Clone(img)
	w, h := src.Bounds().Dx(), src.Bounds().Dy()
	n := w * h
	if n == 0 {
		return Stats{}
	}

	lumAt := func(x, y int) float64 {
		i := y*src.Stride + x*4
		return luminance(src.Pix[i], src.Pix[i+1], src.Pix[i+2])
	}

	sum, lo, hi := 0.0, 255.0, 0.0
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			l := lumAt(x, y)
			sum += l
			lo = math.Min(lo, l)
			hi = math.Max(hi, l)
		}
	}

	samples := n / 100
	if samples > 1000 {
		samples = 1000
	}
	if samples < 1 {
		samples = 1
	}
	variance, edges := 0.0, 0.0
	for s := 0; s < samples; s++ {
		idx := s * n / samples
		x, y := idx%w, idx/w
		center := lumAt(x, y)
		left, right, below := center, center, center
		if x > 0 {
			left = lumAt(x-1, y)
		}
		if x < w-1 {
			right = lumAt(x+1, y)
		}
		if y < h-1 {
			below = lumAt(x, y+1)
		}
		variance += math.Abs(left-center) + math.Abs(right-center)
		gx, gy := right-center, below-center
		edges += math.Sqrt(gx*gx + gy*gy)
	}

	return Stats{
		Brightness: sum / float64(n),
		Contrast:   hi - lo,
		Noise:      math.Min(100, variance/float64(samples)*2),
		Sharpness:  math.Min(100, edges/float64(samples)*5),
	}
}

// DetectOptimalSettings picks enhancement options from the frame's stats.
func DetectOptimalSettings(img image.Image) Options {
	return SettingsFor(Analyze(img))
}

// SettingsFor maps measured stats onto enhancement options.
func SettingsFor(s Stats) Options {
	var opts Options
	if s.Contrast < 50 {
		opts.AutoContrast = true
	}
	if s.Brightness < 80 {
		opts.Brightness = 40
		opts.Gamma = 1.2
	}
	if s.Noise > 20 {
		opts.Denoise = true
	}
	if s.Sharpness < 40 {
		opts.Sharpen = true
	}
	return opts
}

func luminance(r, g, b uint8) float64 {
	return 0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
