package detector

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"math"
	"sync"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/oned"
	"github.com/makiuchi-d/gozxing/qrcode"

	"github.com/zombor/scan-pipeline/internal/barcode"
)

// nativeReaders lists the symbologies gozxing can decode, in the order they
// are tried. EAN-13 precedes UPC-A so a UPC symbol keeps its leading zero.
var nativeReaders = []struct {
	format  barcode.Format
	zxing   gozxing.BarcodeFormat
	newFunc func() gozxing.Reader
}{
	{barcode.FormatQR, gozxing.BarcodeFormat_QR_CODE, func() gozxing.Reader { return qrcode.NewQRCodeReader() }},
	{barcode.FormatCode128, gozxing.BarcodeFormat_CODE_128, func() gozxing.Reader { return oned.NewCode128Reader() }},
	{barcode.FormatCode39, gozxing.BarcodeFormat_CODE_39, func() gozxing.Reader { return oned.NewCode39Reader() }},
	{barcode.FormatEAN13, gozxing.BarcodeFormat_EAN_13, func() gozxing.Reader { return oned.NewEAN13Reader() }},
	{barcode.FormatEAN8, gozxing.BarcodeFormat_EAN_8, func() gozxing.Reader { return oned.NewEAN8Reader() }},
	{barcode.FormatUPCA, gozxing.BarcodeFormat_UPC_A, func() gozxing.Reader { return oned.NewUPCAReader() }},
	{barcode.FormatUPCE, gozxing.BarcodeFormat_UPC_E, func() gozxing.Reader { return oned.NewUPCEReader() }},
	{barcode.FormatITF14, gozxing.BarcodeFormat_ITF, func() gozxing.Reader { return oned.NewITFReader() }},
}

// NativeSupports reports whether the native detector can decode format
func NativeSupports(format barcode.Format) bool {
	for _, r := range nativeReaders {
		if r.format == format {
			return true
		}
	}
	return false
}

type nativeReader struct {
	format barcode.Format
	reader gozxing.Reader
}

// Native decodes barcodes in-process with gozxing. Each enabled reader
// reports at most one symbol per frame.
type Native struct {
	mu      sync.Mutex
	readers []nativeReader
	hints   map[gozxing.DecodeHintType]interface{}
}

// NewNative creates a detector for formats. Formats gozxing cannot decode
// are skipped; an empty list enables every supported reader.
func NewNative(formats []barcode.Format) *Native {
	want := make(map[barcode.Format]bool, len(formats))
	for _, f := range formats {
		want[f] = true
	}

	n := &Native{}
	var possible []gozxing.BarcodeFormat
	for _, r := range nativeReaders {
		if len(want) > 0 && !want[r.format] {
			continue
		}
		n.readers = append(n.readers, nativeReader{format: r.format, reader: r.newFunc()})
		possible = append(possible, r.zxing)
	}
	for _, f := range formats {
		if !NativeSupports(f) {
			slog.Debug("Format not supported by native detector", "format", f)
		}
	}

	n.hints = map[gozxing.DecodeHintType]interface{}{
		gozxing.DecodeHintType_TRY_HARDER:       true,
		gozxing.DecodeHintType_POSSIBLE_FORMATS: possible,
	}
	return n
}

// Formats returns the formats this detector decodes
func (n *Native) Formats() []barcode.Format {
	out := make([]barcode.Format, len(n.readers))
	for i, r := range n.readers {
		out[i] = r.format
	}
	return out
}

// Detect runs every enabled reader over img
func (n *Native) Detect(ctx context.Context, img image.Image) ([]barcode.DetectionEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	bmp, err := gozxing.NewBinaryBitmapFromImage(img)
	if err != nil {
		return nil, fmt.Errorf("creating bitmap: %w", err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	seen := make(map[string]bool)
	var events []barcode.DetectionEvent
	for _, r := range n.readers {
		if err := ctx.Err(); err != nil {
			return events, err
		}
		result, err := r.reader.Decode(bmp, n.hints)
		r.reader.Reset()
		if err != nil || result == nil {
			continue
		}
		text := result.GetText()
		if text == "" || seen[text] {
			continue
		}
		seen[text] = true
		events = append(events, barcode.DetectionEvent{
			Data:   text,
			Type:   string(r.format),
			Bounds: boundsFromPoints(result.GetResultPoints()),
			Source: barcode.SourceNative,
		})
	}
	return events, nil
}

// boundsFromPoints boxes a result's finder or end points. 1D readers return
// a scan line, which becomes a box one pixel tall.
func boundsFromPoints(points []gozxing.ResultPoint) *barcode.Rect {
	if len(points) == 0 {
		return nil
	}
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, p := range points {
		if p == nil {
			continue
		}
		x, y := p.GetX(), p.GetY()
		minX, maxX = math.Min(minX, x), math.Max(maxX, x)
		minY, maxY = math.Min(minY, y), math.Max(maxY, y)
	}
	if math.IsInf(minX, 1) {
		return nil
	}
	return &barcode.Rect{
		X:      minX,
		Y:      minY,
		Width:  math.Max(maxX-minX, 1),
		Height: math.Max(maxY-minY, 1),
	}
}

// Close is a no-op
func (n *Native) Close() error {
	return nil
}
