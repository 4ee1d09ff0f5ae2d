// Package detector adapts barcode decoders to the pipeline. A detector turns
// an image into raw detection events; everything after that belongs to the
// scanner.
package detector

import (
	"context"
	"fmt"
	"image"

	"github.com/zombor/scan-pipeline/internal/barcode"
)

// Detector finds barcodes in an image
type Detector interface {
	// Detect returns one event per symbol found. No symbols is not an error.
	Detect(ctx context.Context, img image.Image) ([]barcode.DetectionEvent, error)
	// Close releases the detector's resources
	Close() error
}

// Kind names a detector implementation
type Kind string

const (
	KindNative Kind = "native"
	KindGemini Kind = "gemini"
	KindOllama Kind = "ollama"
)

// Config selects and configures a detector
type Config struct {
	Kind    Kind
	Formats []barcode.Format

	GeminiAPIKey string
	GeminiModel  string

	OllamaURL   string
	OllamaModel string
}

// New builds the detector named by cfg.Kind. An empty kind is native.
func New(cfg Config) (Detector, error) {
	switch cfg.Kind {
	case KindNative, "":
		return NewNative(cfg.Formats), nil
	case KindGemini:
		return NewGemini(cfg.GeminiAPIKey, cfg.GeminiModel)
	case KindOllama:
		return NewOllama(cfg.OllamaURL, cfg.OllamaModel)
	}
	return nil, fmt.Errorf("unknown detector: %s", cfg.Kind)
}

// barcodeScanPrompt is shared by the vision model detectors
const barcodeScanPrompt = `You are reading barcodes and QR codes in a photo. Find every barcode or QR code that is visible, including partially damaged ones, and read the characters encoded in it. For 1D barcodes the human readable digits printed under the bars are a good source when the bars are hard to read.

Return ONLY valid JSON in this exact format:
{
  "barcodes": [
    {"data": "0123456789012", "format": "ean13", "confidence": 90}
  ]
}

Important:
- "format" is one of: qr, code39, code93, code128, ean13, ean8, upc_a, upc_e, codabar, itf14, datamatrix, pdf417, aztec, unknown
- "confidence" is an integer from 0 to 100 describing how sure you are of the characters
- If there are no barcodes, return {"barcodes": []}
- Do not include any text before or after the JSON
- Do not use markdown code blocks`
