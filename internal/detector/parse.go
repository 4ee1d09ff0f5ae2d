package detector

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/zombor/scan-pipeline/internal/barcode"
)

// ocrDefaultConfidence is used when a model omits a confidence
const ocrDefaultConfidence = 70

type ocrBarcode struct {
	Data       string   `json:"data"`
	Format     string   `json:"format"`
	Confidence *float64 `json:"confidence"`
}

type ocrResponse struct {
	Barcodes []ocrBarcode `json:"barcodes"`
}

// parseBarcodeJSON turns a model reply into OCR detection events
func parseBarcodeJSON(text string) ([]barcode.DetectionEvent, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	startIdx := strings.Index(text, "{")
	if startIdx == -1 {
		return nil, fmt.Errorf("no JSON object found in response")
	}
	endIdx := strings.LastIndex(text, "}")
	if endIdx < startIdx {
		return nil, fmt.Errorf("invalid JSON object in response")
	}
	text = text[startIdx : endIdx+1]

	var resp ocrResponse
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		return nil, fmt.Errorf("unmarshaling json: %w", err)
	}

	events := make([]barcode.DetectionEvent, 0, len(resp.Barcodes))
	for _, b := range resp.Barcodes {
		data := strings.TrimSpace(b.Data)
		if data == "" {
			continue
		}
		conf := ocrDefaultConfidence
		if b.Confidence != nil {
			c := *b.Confidence
			// Some models answer with a fraction despite the prompt.
			if c > 0 && c <= 1 {
				c *= 100
			}
			conf = barcode.ConfidenceFromFloat(c)
		}
		events = append(events, barcode.DetectionEvent{
			Data:       data,
			Type:       strings.TrimSpace(b.Format),
			Confidence: &conf,
			Source:     barcode.SourceOCR,
		})
	}
	return events, nil
}
