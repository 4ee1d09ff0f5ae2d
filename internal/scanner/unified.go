// Package scanner is the single ingestion point for detector output. It
// cleans raw payloads, canonicalizes formats and suppresses repeats.
package scanner

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/zombor/scan-pipeline/internal/barcode"
	"github.com/zombor/scan-pipeline/internal/batch"
)

// Mode selects how repeats are handled
type Mode string

const (
	ModeSingle     Mode = "single"
	ModeBatch      Mode = "batch"
	ModeConcurrent Mode = "concurrent"
)

// ParseMode validates a mode name
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeSingle, ModeBatch, ModeConcurrent:
		return m, nil
	}
	return "", fmt.Errorf("unknown scan mode: %s", s)
}

// Config controls the scanner and tells the surrounding pipeline which
// optional stages to run.
type Config struct {
	Mode        Mode             `json:"mode"`
	Formats     []barcode.Format `json:"formats"`
	Cooldown    time.Duration    `json:"cooldown"`
	HistorySize int              `json:"history_size"`

	MultiFrame     bool `json:"multi_frame"`
	LowLight       bool `json:"low_light"`
	DamageRecovery bool `json:"damage_recovery"`
	Enhancement    bool `json:"enhancement"`

	FPS               int  `json:"fps"`
	WorkerThreads     int  `json:"worker_threads"`
	SkipSimilarFrames bool `json:"skip_similar_frames"`
}

var allFormats = []barcode.Format{
	barcode.FormatCode39, barcode.FormatCode128, barcode.FormatQR, barcode.FormatEAN13,
	barcode.FormatEAN8, barcode.FormatUPCA, barcode.FormatUPCE, barcode.FormatCode93,
	barcode.FormatCodabar, barcode.FormatITF14, barcode.FormatDataMatrix,
	barcode.FormatPDF417, barcode.FormatAztec,
}

// Preset returns one of the named configurations: fast, balanced or
// accurate.
func Preset(name string) (Config, error) {
	cfg := Config{Mode: ModeSingle, Cooldown: 300 * time.Millisecond}
	switch name {
	case "fast":
		cfg.Formats = []barcode.Format{barcode.FormatCode39, barcode.FormatCode128, barcode.FormatQR, barcode.FormatEAN13}
		cfg.FPS, cfg.HistorySize, cfg.WorkerThreads = 30, 50, 1
		cfg.SkipSimilarFrames = true
	case "balanced":
		cfg.Formats = append([]barcode.Format(nil), allFormats[:7]...)
		cfg.MultiFrame, cfg.LowLight, cfg.Enhancement = true, true, true
		cfg.FPS, cfg.HistorySize, cfg.WorkerThreads = 20, 100, 2
		cfg.SkipSimilarFrames = true
	case "accurate":
		cfg.Formats = append([]barcode.Format(nil), allFormats...)
		cfg.MultiFrame, cfg.LowLight, cfg.DamageRecovery, cfg.Enhancement = true, true, true, true
		cfg.FPS, cfg.HistorySize, cfg.WorkerThreads = 15, 100, 2
	default:
		return Config{}, fmt.Errorf("unknown preset: %s", name)
	}
	return cfg, nil
}

// DefaultConfig returns the balanced preset
func DefaultConfig() Config {
	cfg, _ := Preset("balanced")
	return cfg
}

// Unified cleans and deduplicates raw scans. In batch mode the attached
// batch.Scanner owns duplicate suppression.
type Unified struct {
	formats *barcode.FormatTable
	clock   barcode.Clock

	mu       sync.Mutex
	cfg      Config
	cooldown *barcode.Cooldown
	batch    *batch.Scanner
	frame    int
	history  []barcode.ScanResult
}

// New creates a Unified scanner. A nil format table uses the default
// aliases; a nil clock uses the wall clock.
func New(cfg Config, formats *barcode.FormatTable, clock barcode.Clock) *Unified {
	if formats == nil {
		formats = barcode.NewFormatTable(nil)
	}
	if clock == nil {
		clock = barcode.SystemClock{}
	}
	cfg = sanitize(cfg)
	return &Unified{
		formats:  formats,
		clock:    clock,
		cfg:      cfg,
		cooldown: barcode.NewCooldown(cfg.Cooldown),
	}
}

func sanitize(cfg Config) Config {
	if cfg.Mode == "" {
		cfg.Mode = ModeSingle
	}
	if cfg.Cooldown < 0 {
		cfg.Cooldown = 0
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 100
	}
	return cfg
}

// AttachBatch hands batch-mode duplicate decisions to b.
func (u *Unified) AttachBatch(b *batch.Scanner) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.batch = b
}

// Config returns a copy of the configuration
func (u *Unified) Config() Config {
	u.mu.Lock()
	defer u.mu.Unlock()
	cfg := u.cfg
	cfg.Formats = append([]barcode.Format(nil), u.cfg.Formats...)
	return cfg
}

// UpdateConfig replaces the configuration, keeping cooldown state.
func (u *Unified) UpdateConfig(cfg Config) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.cfg = sanitize(cfg)
	u.cooldown.SetWindow(u.cfg.Cooldown)
	u.trimHistory()
}

// LoadPreset switches to a named preset
func (u *Unified) LoadPreset(name string) error {
	cfg, err := Preset(name)
	if err != nil {
		return err
	}
	u.UpdateConfig(cfg)
	return nil
}

// ProcessScan turns a raw payload into a scan result. A nil result comes
// with the reason it was not accepted.
func (u *Unified) ProcessScan(raw, format string) (*barcode.ScanResult, barcode.Reason) {
	det, reason := u.process(barcode.DetectionEvent{Data: raw, Type: format})
	if det == nil {
		return nil, reason
	}
	return &det.ScanResult, reason
}

// ProcessEvent normalizes a detector event and processes its payload,
// carrying bounds and confidence through.
func (u *Unified) ProcessEvent(ev barcode.DetectionEvent) (*barcode.DetectedBarcode, barcode.Reason) {
	return u.process(ev)
}

func (u *Unified) process(ev barcode.DetectionEvent) (*barcode.DetectedBarcode, barcode.Reason) {
	code, wrapped := Clean(ev.Payload())
	if code == "" {
		slog.Debug("Scan rejected", "reason", barcode.ReasonEmptyBarcode)
		return nil, barcode.ReasonEmptyBarcode
	}

	format := u.formats.Normalize(ev.Type)
	if format == barcode.FormatUnknown {
		format = barcode.InferFormat(code)
		if format == barcode.FormatUnknown && wrapped {
			format = barcode.FormatCode39
		}
	}

	confidence := 100
	if ev.Confidence != nil {
		confidence = *ev.Confidence
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	now := u.clock.Now()
	res, err := barcode.NewScanResult(code, format, confidence, now)
	if err != nil {
		return nil, barcode.ReasonEmptyBarcode
	}
	res.FrameIndex = u.frame
	if ev.Source != "" {
		res.Source = ev.Source
	}

	switch u.cfg.Mode {
	case ModeSingle:
		if u.cooldown.Active(code, now) {
			slog.Debug("Scan rejected", "barcode", code, "reason", barcode.ReasonDuplicate)
			return nil, barcode.ReasonDuplicate
		}
		u.cooldown.Record(code, now)
	case ModeBatch:
		if u.batch == nil {
			return nil, barcode.ReasonNoActiveSession
		}
		op := u.batch.ProcessScan(res, "")
		if !op.Accepted {
			slog.Debug("Scan rejected", "barcode", code, "reason", op.Reason)
			return nil, op.Reason
		}
	case ModeConcurrent:
		u.cooldown.Record(code, now)
	}

	u.frame++
	u.history = append(u.history, res)
	u.trimHistory()

	return &barcode.DetectedBarcode{ScanResult: res, Bounds: ev.Bounds}, barcode.ReasonNone
}

func (u *Unified) trimHistory() {
	if n := len(u.history) - u.cfg.HistorySize; n > 0 {
		u.history = append([]barcode.ScanResult(nil), u.history[n:]...)
	}
}

// History returns accepted scans, oldest first
func (u *Unified) History() []barcode.ScanResult {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]barcode.ScanResult(nil), u.history...)
}

// ClearHistory drops the scan history
func (u *Unified) ClearHistory() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.history = nil
}

// Reset clears cooldown state, history and the frame counter so a reopened
// scan surface can accept the same item again.
func (u *Unified) Reset() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.cooldown.Reset()
	u.history = nil
	u.frame = 0
}

// Clean trims a payload and strips scan artifacts: runs of '*' at either
// end and a '%' pair wrapping the whole payload. It reports whether '*'
// wrappers were removed. A lone leading '%' is kept.
func Clean(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	trimmed := strings.Trim(s, "*")
	wrapped := trimmed != "" && trimmed != s && strings.HasPrefix(s, "*") && strings.HasSuffix(s, "*")
	s = strings.TrimSpace(trimmed)
	if len(s) >= 2 && strings.HasPrefix(s, "%") && strings.HasSuffix(s, "%") {
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	return s, wrapped
}
