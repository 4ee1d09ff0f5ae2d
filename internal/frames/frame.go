// Package frames decides which camera frames are worth processing and
// builds consensus over the barcodes seen across them.
package frames

import (
	"image"
	"time"
)

const (
	defaultWidth  = 1280
	defaultHeight = 720
)

// Metadata describes a captured frame. LightLevel is nil when unknown.
type Metadata struct {
	Width       int      `json:"width,omitempty"`
	Height      int      `json:"height,omitempty"`
	Orientation int      `json:"orientation,omitempty"`
	LightLevel  *float64 `json:"light_level,omitempty"`
}

// Frame is one captured image. The caller owns Data; the pipeline only
// derives new images from it.
type Frame struct {
	Data      image.Image `json:"-"`
	Timestamp time.Time   `json:"timestamp"`
	Index     int         `json:"index"`
	Metadata  *Metadata   `json:"metadata,omitempty"`
}

// LightLevel returns a pointer suitable for Metadata.LightLevel.
func LightLevel(v float64) *float64 {
	return &v
}

// Battery returns a pointer suitable for DeviceMetrics.BatteryLevel.
func Battery(v int) *int {
	return &v
}

// Size returns the frame's dimensions from the image, then from metadata,
// then the 1280x720 default.
func (f Frame) Size() (int, int) {
	if f.Data != nil {
		b := f.Data.Bounds()
		if !b.Empty() {
			return b.Dx(), b.Dy()
		}
	}
	if f.Metadata != nil && f.Metadata.Width > 0 && f.Metadata.Height > 0 {
		return f.Metadata.Width, f.Metadata.Height
	}
	return defaultWidth, defaultHeight
}

func (f Frame) withSize(w, h int) Frame {
	md := Metadata{}
	if f.Metadata != nil {
		md = *f.Metadata
	}
	md.Width, md.Height = w, h
	f.Metadata = &md
	return f
}
