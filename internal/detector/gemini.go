package detector

import (
	"context"
	"fmt"
	"image"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/zombor/scan-pipeline/internal/barcode"
)

// Gemini reads barcodes with a Google Gemini vision model. Its events carry
// source=ocr.
type Gemini struct {
	client  *genai.Client
	model   *genai.GenerativeModel
	timeout time.Duration
}

// NewGemini creates a Gemini detector
func NewGemini(apiKey string, modelName string) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if modelName == "" {
		modelName = "gemini-2.5-pro"
	}

	client, err := genai.NewClient(context.Background(), option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	return &Gemini{
		client:  client,
		model:   client.GenerativeModel(modelName),
		timeout: 30 * time.Second,
	}, nil
}

// Detect sends the frame to Gemini and parses the barcodes it reports
func (g *Gemini) Detect(ctx context.Context, img image.Image) ([]barcode.DetectionEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	data, err := encodePNG(img)
	if err != nil {
		return nil, err
	}

	// genai.ImageData wants the format suffix, not the MIME type.
	resp, err := g.model.GenerateContent(ctx, genai.ImageData("png", data), genai.Text(barcodeScanPrompt))
	if err != nil {
		return nil, fmt.Errorf("generating content: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("no response from gemini")
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			text.WriteString(string(t))
		}
	}

	events, err := parseBarcodeJSON(text.String())
	if err != nil {
		return nil, fmt.Errorf("parsing barcode data: %w", err)
	}
	return events, nil
}

// Close closes the Gemini client
func (g *Gemini) Close() error {
	return g.client.Close()
}
