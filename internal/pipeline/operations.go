package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image"

	"github.com/disintegration/imaging"

	"github.com/zombor/scan-pipeline/internal/barcode"
	"github.com/zombor/scan-pipeline/internal/batch"
	"github.com/zombor/scan-pipeline/internal/frames"
	"github.com/zombor/scan-pipeline/internal/journal"
	"github.com/zombor/scan-pipeline/internal/queue"
	"github.com/zombor/scan-pipeline/internal/scanner"
	"github.com/zombor/scan-pipeline/internal/workerpool"
)

func encodeFrame(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, fmt.Errorf("encoding frame: %w", err)
	}
	return buf.Bytes(), nil
}

// StartBatch opens a batch session and switches the scanner to batch mode
func (s *Service) StartBatch(cfg batch.Config) batch.Session {
	sess := s.batches.StartBatch(cfg)
	s.setMode(scanner.ModeBatch)
	return sess
}

// ActiveBatch returns the active session with its live stats
func (s *Service) ActiveBatch() (batch.Session, batch.Stats, bool) {
	sess, ok := s.batches.ActiveSession()
	if !ok {
		return batch.Session{}, batch.Stats{}, false
	}
	stats, _ := s.batches.Stats(sess.ID)
	return sess, stats, true
}

// Batch returns a session by ID
func (s *Service) Batch(id string) (batch.Session, bool) {
	return s.batches.Session(id)
}

// PauseBatch pauses an active session
func (s *Service) PauseBatch(id string) bool {
	return s.batches.PauseBatch(id)
}

// ResumeBatch resumes a paused session
func (s *Service) ResumeBatch(id string) bool {
	return s.batches.ResumeBatch(id)
}

// CompleteBatch completes a session and returns the scanner to the mode it
// had before the batch started.
func (s *Service) CompleteBatch(id string) (batch.Summary, bool) {
	sum, ok := s.batches.CompleteBatch(id)
	if ok {
		s.restoreMode()
	}
	return sum, ok
}

// CancelBatch cancels a session, journals its summary and restores the
// previous scanner mode.
func (s *Service) CancelBatch(id string) bool {
	sess, ok := s.batches.Session(id)
	if !ok {
		return false
	}
	wasTerminal := sess.Status.Terminal()
	if !s.batches.CancelBatch(sess.ID) {
		return false
	}
	if !wasTerminal {
		// Completing a finished session returns its stored summary.
		if sum, ok := s.batches.CompleteBatch(sess.ID); ok {
			s.saveSummary(sum)
		}
	}
	s.restoreMode()
	return true
}

// UndoLastScan removes the newest scan from a session
func (s *Service) UndoLastScan(id string) (barcode.ScanResult, bool) {
	return s.batches.UndoLastScan(id)
}

func (s *Service) setMode(mode scanner.Mode) {
	cfg := s.unified.Config()
	if cfg.Mode == mode {
		return
	}
	s.mu.Lock()
	s.prevMode = cfg.Mode
	s.mu.Unlock()
	cfg.Mode = mode
	s.unified.UpdateConfig(cfg)
}

func (s *Service) restoreMode() {
	s.mu.Lock()
	prev := s.prevMode
	s.prevMode = ""
	s.mu.Unlock()
	if prev == "" {
		return
	}
	cfg := s.unified.Config()
	cfg.Mode = prev
	s.unified.UpdateConfig(cfg)
}

// SetMode switches the scanner mode
func (s *Service) SetMode(mode scanner.Mode) {
	s.mu.Lock()
	s.prevMode = ""
	s.mu.Unlock()
	cfg := s.unified.Config()
	cfg.Mode = mode
	s.unified.UpdateConfig(cfg)
}

// ScannerConfig returns the unified scanner's configuration
func (s *Service) ScannerConfig() scanner.Config {
	return s.unified.Config()
}

// LoadPreset switches the scanner to a named preset, keeping the mode
func (s *Service) LoadPreset(name string) error {
	cfg, err := scanner.Preset(name)
	if err != nil {
		return err
	}
	cfg.Mode = s.unified.Config().Mode
	s.unified.UpdateConfig(cfg)
	return nil
}

// History returns the scanner's accepted scans
func (s *Service) History() []barcode.ScanResult {
	return s.unified.History()
}

// AddKnownBarcodes feeds the recovery lookup set
func (s *Service) AddKnownBarcodes(codes ...string) {
	s.recovery.AddKnownBarcodes(codes...)
}

// QueueStatus returns queue counters
func (s *Service) QueueStatus() queue.Status {
	return s.queue.Status()
}

// QueueItems returns every queued item, oldest first
func (s *Service) QueueItems() []queue.Item {
	return s.queue.All()
}

// ProcessQueue persists every pending queue item
func (s *Service) ProcessQueue(ctx context.Context) queue.BatchResult {
	return s.queue.ProcessBatch(ctx)
}

// RetryFailed returns failed queue items to pending
func (s *Service) RetryFailed() int {
	return s.queue.RetryFailed()
}

// WorkerStats returns worker pool load
func (s *Service) WorkerStats() workerpool.Stats {
	return s.pool.Stats()
}

// AdjustForDevice sets the frame rate ceiling from device metrics
func (s *Service) AdjustForDevice(m frames.DeviceMetrics) int {
	if m.Tier == "" {
		m.Tier = frames.EstimateDeviceTier(m.CPUCores, m.MemoryMB)
	}
	return s.optimizer.AdjustFrameRate(m)
}

// ReportThroughput feeds measured fps into the optimizer's auto-tuning
func (s *Service) ReportThroughput(actualFPS float64) frames.OptimizerStats {
	target := float64(s.optimizer.Settings().TargetFPS)
	s.optimizer.AutoTune(actualFPS, target)
	return s.optimizer.Stats()
}

// FrameStats returns optimizer counters
func (s *Service) FrameStats() frames.OptimizerStats {
	return s.optimizer.Stats()
}

// Tracked returns the barcodes tracked across recent frames
func (s *Service) Tracked() []frames.TrackedBarcode {
	return s.tracker.TrackedBarcodes()
}

// ListScans returns the journaled scans
func (s *Service) ListScans() ([]*journal.Entry, error) {
	entries, err := s.db.ListEntries()
	if err != nil {
		return nil, fmt.Errorf("listing scans: %w", err)
	}
	return entries, nil
}

// ListSummaries returns the journaled batch summaries
func (s *Service) ListSummaries() ([]*batch.Summary, error) {
	summaries, err := s.db.ListSummaries()
	if err != nil {
		return nil, fmt.Errorf("listing batch summaries: %w", err)
	}
	return summaries, nil
}

// Reset clears scanner, tracking and optimizer state so a reopened scan
// surface starts fresh. Sessions, queue and journal are kept.
func (s *Service) Reset() {
	s.unified.Reset()
	s.tracker.Reset()
	s.optimizer.Reset()
	s.multi.Reset()
	s.lowLight.Reset()
	s.mu.Lock()
	s.consensus = nil
	s.frame = 0
	s.mu.Unlock()
}
