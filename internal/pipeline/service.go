// Package pipeline wires the scan components into one service: frames are
// gated, enhanced and decoded, reads are repaired, confirmed and
// deduplicated, and accepted scans are queued for the journal.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"

	"github.com/zombor/scan-pipeline/internal/barcode"
	"github.com/zombor/scan-pipeline/internal/batch"
	"github.com/zombor/scan-pipeline/internal/detector"
	"github.com/zombor/scan-pipeline/internal/enhance"
	"github.com/zombor/scan-pipeline/internal/frames"
	"github.com/zombor/scan-pipeline/internal/journal"
	"github.com/zombor/scan-pipeline/internal/multiscan"
	"github.com/zombor/scan-pipeline/internal/queue"
	"github.com/zombor/scan-pipeline/internal/recovery"
	"github.com/zombor/scan-pipeline/internal/scanner"
	"github.com/zombor/scan-pipeline/internal/workerpool"
)

// Worker pool task types
const (
	TaskEnhance = "enhance"
	TaskRecover = "recover"
)

// Config collects the component configurations
type Config struct {
	Scanner    scanner.Config
	Queue      queue.Config
	Workers    workerpool.Config
	MultiScan  multiscan.Config
	MultiFrame frames.MultiFrameConfig
	Optimizer  frames.Settings

	// LowConfidence is the confidence below which a read is repaired and,
	// for frames, held back until other frames agree.
	LowConfidence int
	// RejectUnrecovered drops low-confidence reads that recovery could not
	// repair instead of passing them on unchanged.
	RejectUnrecovered bool
	// StationaryFrames, when positive, only accepts frame detections seen
	// in that many consecutive frames.
	StationaryFrames int
	// ArchiveUnread stores frames in which nothing was detected.
	ArchiveUnread bool
}

// DefaultConfig returns the balanced scanner preset and component defaults
func DefaultConfig() Config {
	return Config{
		Scanner:       scanner.DefaultConfig(),
		Queue:         queue.DefaultConfig(),
		Workers:       workerpool.DefaultConfig(),
		MultiScan:     multiscan.DefaultConfig(),
		MultiFrame:    frames.DefaultMultiFrameConfig(),
		Optimizer:     frames.DefaultSettings(),
		LowConfidence: 70,
	}
}

// Outcome is the result of ingesting one read
type Outcome struct {
	Scan        *barcode.DetectedBarcode `json:"scan,omitempty"`
	Reason      barcode.Reason           `json:"reason,omitempty"`
	Recovery    *recovery.Result         `json:"recovery,omitempty"`
	QueueItemID string                   `json:"queue_item_id,omitempty"`
	QueueReason barcode.Reason           `json:"queue_reason,omitempty"`
}

// Accepted reports whether the read produced a scan
func (o Outcome) Accepted() bool {
	return o.Scan != nil
}

// Rejection names a read that was not accepted
type Rejection struct {
	Barcode string         `json:"barcode"`
	Reason  barcode.Reason `json:"reason"`
}

// FrameOutcome is the result of processing one frame
type FrameOutcome struct {
	Index      int                       `json:"index"`
	Skipped    bool                      `json:"skipped"`
	Enhanced   bool                      `json:"enhanced"`
	LightLevel float64                   `json:"light_level"`
	Detections int                       `json:"detections"`
	Accepted   []barcode.DetectedBarcode `json:"accepted"`
	Ranked     []barcode.DetectedBarcode `json:"ranked,omitempty"`
	Rejected   []Rejection               `json:"rejected,omitempty"`
	Highlights []multiscan.Highlight     `json:"highlights,omitempty"`
	Tracked    []frames.TrackedBarcode   `json:"tracked,omitempty"`
	Archived   string                    `json:"archived,omitempty"`
}

type recoverTask struct {
	code   string
	format barcode.Format
}

type enhanceTask struct {
	img      image.Image
	lowLight bool
	opts     enhance.Options
}

type pendingRead struct {
	frame int
	scan  barcode.ScanResult
}

// Service owns one instance of every pipeline component
type Service struct {
	cfg      Config
	detector detector.Detector
	db       journal.DB
	archive  journal.Archive
	clock    barcode.Clock
	ids      barcode.IDGenerator
	formats  *barcode.FormatTable

	unified   *scanner.Unified
	batches   *batch.Scanner
	queue     *queue.Queue
	pool      *workerpool.Pool
	multi     *multiscan.Scanner
	tracker   *frames.MultiFrame
	optimizer *frames.Optimizer
	recovery  *recovery.Recovery
	lowLight  *enhance.LowLight

	mu        sync.Mutex
	frame     int
	consensus []pendingRead
	sessions  map[string]string
	prevMode  scanner.Mode
	completed string
}

// NewService creates a Service using the wall clock and random UUIDs. The
// archive may be nil.
func NewService(cfg Config, det detector.Detector, db journal.DB, archive journal.Archive) *Service {
	return NewServiceWithDeps(cfg, det, db, archive, barcode.SystemClock{}, barcode.UUIDGenerator{})
}

// NewServiceWithDeps creates a Service with an injected clock and ID
// generator
func NewServiceWithDeps(cfg Config, det detector.Detector, db journal.DB, archive journal.Archive, clock barcode.Clock, ids barcode.IDGenerator) *Service {
	if cfg.LowConfidence <= 0 {
		cfg.LowConfidence = DefaultConfig().LowConfidence
	}

	s := &Service{
		cfg:       cfg,
		detector:  det,
		db:        db,
		archive:   archive,
		clock:     clock,
		ids:       ids,
		formats:   barcode.NewFormatTable(nil),
		batches:   batch.NewWithDeps(clock, ids),
		queue:     queue.NewWithDeps(cfg.Queue, clock, ids),
		pool:      workerpool.NewWithDeps(cfg.Workers, ids),
		multi:     multiscan.New(cfg.MultiScan),
		tracker:   frames.NewMultiFrame(cfg.MultiFrame, clock),
		optimizer: frames.NewOptimizer(cfg.Optimizer),
		recovery:  recovery.New(nil),
		lowLight:  enhance.NewLowLight(clock),
		sessions:  make(map[string]string),
	}
	s.unified = scanner.New(cfg.Scanner, s.formats, clock)
	s.unified.AttachBatch(s.batches)
	s.batches.OnComplete(s.saveSummary)
	s.queue.SetProcessingCallback(s.persist)

	s.pool.RegisterProcessor(TaskRecover, func(_ context.Context, data any) (any, error) {
		t, ok := data.(recoverTask)
		if !ok {
			return nil, fmt.Errorf("unexpected recover task: %T", data)
		}
		return s.recovery.AttemptRecovery(t.code, t.format), nil
	})
	s.pool.RegisterProcessor(TaskEnhance, func(_ context.Context, data any) (any, error) {
		t, ok := data.(enhanceTask)
		if !ok {
			return nil, fmt.Errorf("unexpected enhance task: %T", data)
		}
		if t.lowLight {
			return enhance.EnhanceForLowLight(t.img), nil
		}
		return enhance.Enhance(t.img, t.opts), nil
	})

	return s
}

// SubmitScan ingests a read that was decoded elsewhere. A nil confidence
// means the decoder was certain.
func (s *Service) SubmitScan(ctx context.Context, raw, format string, confidence *int) Outcome {
	return s.ingest(ctx, barcode.DetectionEvent{Data: raw, Type: format, Confidence: confidence}, -1, false)
}

// ProcessFrame runs one frame through the optimizer gate, enhancement, the
// detector and ingestion. Detector failures are returned as errors; every
// other outcome is reported in FrameOutcome.
func (s *Service) ProcessFrame(ctx context.Context, f frames.Frame) (FrameOutcome, error) {
	s.mu.Lock()
	if f.Timestamp.IsZero() {
		f.Timestamp = s.clock.Now()
	}
	f.Index = s.frame
	s.frame++
	s.mu.Unlock()

	out := FrameOutcome{Index: f.Index}
	gated, ok := s.optimizer.ProcessFrame(f)
	if !ok {
		out.Skipped = true
		return out, nil
	}
	s.tracker.AddFrame(gated)

	img := gated.Data
	if img == nil {
		return out, fmt.Errorf("frame %d has no image data", f.Index)
	}
	img, out.Enhanced, out.LightLevel = s.prepare(ctx, img)

	events, err := s.detector.Detect(ctx, img)
	if err != nil {
		return out, fmt.Errorf("detecting barcodes: %w", err)
	}
	out.Detections = len(events)

	if len(events) == 0 {
		out.Archived = s.archiveFrame(img, f.Index)
		return out, nil
	}

	sightings := make([]barcode.DetectedBarcode, 0, len(events))
	for _, ev := range events {
		code, _ := scanner.Clean(ev.Payload())
		if code == "" {
			continue
		}
		sightings = append(sightings, barcode.DetectedBarcode{
			ScanResult: barcode.ScanResult{Barcode: code, Format: s.formats.Normalize(ev.Type), Confidence: 100},
			Bounds:     ev.Bounds,
		})
	}
	out.Tracked = s.tracker.TrackBarcodes(sightings)

	var accepted []barcode.DetectedBarcode
	for _, ev := range events {
		code, _ := scanner.Clean(ev.Payload())
		if s.cfg.StationaryFrames > 0 && code != "" && !s.tracker.IsStationaryBarcode(code, s.cfg.StationaryFrames) {
			out.Rejected = append(out.Rejected, Rejection{Barcode: code, Reason: barcode.ReasonNotStationary})
			continue
		}
		res := s.ingest(ctx, ev, f.Index, out.Enhanced)
		if !res.Accepted() {
			out.Rejected = append(out.Rejected, Rejection{Barcode: code, Reason: res.Reason})
			continue
		}
		accepted = append(accepted, *res.Scan)
	}

	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	out.Accepted = accepted
	out.Ranked = s.multi.DetectMultiple(accepted, &barcode.Size{Width: float64(w), Height: float64(h)})
	out.Highlights = s.multi.HighlightBarcodes(out.Ranked)
	return out, nil
}

// prepare measures light and enhances the frame on the worker pool when
// the scanner config asks for it.
func (s *Service) prepare(ctx context.Context, img image.Image) (image.Image, bool, float64) {
	cfg := s.unified.Config()
	level := s.lowLight.DetectLightLevel(img)

	var task *enhanceTask
	switch {
	case cfg.LowLight && isDim(level):
		task = &enhanceTask{img: img, lowLight: true}
	case cfg.Enhancement:
		if opts := enhance.DetectOptimalSettings(img); !opts.Empty() {
			task = &enhanceTask{img: img, opts: opts}
		}
	}
	if task == nil {
		return img, false, level
	}

	res := s.pool.ProcessAsync(ctx, TaskEnhance, *task, workerpool.PriorityHigh)
	if !res.Success {
		slog.Warn("Frame enhancement failed", "error", res.Error)
		return img, false, level
	}
	enhanced, ok := res.Value.(image.Image)
	if !ok {
		return img, false, level
	}
	return enhanced, true, level
}

func isDim(level float64) bool {
	switch enhance.AnalyzeLightConditions(level).Category {
	case enhance.LightDark, enhance.LightLow:
		return true
	}
	return false
}

// ingest repairs and confirms low-confidence reads, then hands the read to
// the unified scanner and queues it. frame is -1 for reads that did not
// come from a frame.
func (s *Service) ingest(ctx context.Context, ev barcode.DetectionEvent, frame int, enhanced bool) Outcome {
	var out Outcome
	cfg := s.unified.Config()

	conf := 100
	if ev.Confidence != nil {
		conf = barcode.ClampConfidence(*ev.Confidence)
	}

	code, _ := scanner.Clean(ev.Payload())
	if code != "" && conf < s.cfg.LowConfidence {
		format := s.formats.Normalize(ev.Type)

		if cfg.DamageRecovery {
			rec, err := s.recover(ctx, code, format)
			if err != nil {
				slog.Warn("Recovery task failed", "barcode", code, "error", err)
			}
			out.Recovery = rec
			if rec != nil && rec.Success {
				code, conf = rec.Reconstructed, rec.Confidence
				ev.Data, ev.Raw = code, ""
			} else if s.cfg.RejectUnrecovered {
				out.Reason = barcode.ReasonRecoveryFailed
				return out
			}
		}

		if conf < s.cfg.LowConfidence && frame >= 0 && cfg.MultiFrame {
			agreed, ok := s.confirm(frame, code, format, conf)
			if !ok {
				out.Reason = barcode.ReasonLowConfidence
				return out
			}
			conf = agreed
		}
	}
	ev.Confidence = &conf

	det, reason := s.unified.ProcessEvent(ev)
	if det == nil {
		out.Reason = reason
		return out
	}
	det.Enhanced = enhanced
	out.Scan = det

	var sessionID string
	if cfg.Mode == scanner.ModeBatch {
		if sess, ok := s.batches.ActiveSession(); ok {
			sessionID = sess.ID
		} else {
			// The scan that reached the auto-complete threshold.
			sessionID = s.lastCompleted()
		}
	}

	// Held across Enqueue so auto-processing cannot persist the item
	// before its session is recorded.
	s.mu.Lock()
	item, qReason := s.queue.Enqueue(det.ScanResult)
	if item != nil && sessionID != "" {
		s.sessions[item.ID] = sessionID
	}
	s.mu.Unlock()

	if item == nil {
		out.QueueReason = qReason
		slog.Debug("Scan not queued", "barcode", det.Barcode, "reason", qReason)
		return out
	}
	out.QueueItemID = item.ID
	return out
}

func (s *Service) recover(ctx context.Context, code string, format barcode.Format) (*recovery.Result, error) {
	res := s.pool.ProcessAsync(ctx, TaskRecover, recoverTask{code: code, format: format}, workerpool.PriorityNormal)
	if !res.Success {
		return nil, errors.New(res.Error)
	}
	rec, ok := res.Value.(recovery.Result)
	if !ok {
		return nil, fmt.Errorf("unexpected recover result: %T", res.Value)
	}
	return &rec, nil
}

// confirm holds a low-confidence read until enough recent frames agree on
// it. It returns the consensus confidence once they do.
func (s *Service) confirm(frame int, code string, format barcode.Format, conf int) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	window := s.tracker.Config().BufferSize
	kept := s.consensus[:0]
	for _, p := range s.consensus {
		if frame-p.frame < window {
			kept = append(kept, p)
		}
	}
	s.consensus = append(kept, pendingRead{
		frame: frame,
		scan:  barcode.ScanResult{Barcode: code, Format: format, Confidence: conf, FrameIndex: frame},
	})

	scans := make([]barcode.ScanResult, len(s.consensus))
	for i, p := range s.consensus {
		scans[i] = p.scan
	}
	for _, agg := range s.tracker.AggregateResults(scans) {
		if agg.Barcode != code || !agg.ConsensusReached {
			continue
		}
		rest := s.consensus[:0]
		for _, p := range s.consensus {
			if p.scan.Barcode != code {
				rest = append(rest, p)
			}
		}
		s.consensus = rest
		return agg.Confidence, true
	}
	return 0, false
}

func (s *Service) archiveFrame(img image.Image, index int) string {
	if !s.cfg.ArchiveUnread || s.archive == nil {
		return ""
	}
	data, err := encodeFrame(img)
	if err != nil {
		slog.Warn("Failed to encode unread frame", "frame", index, "error", err)
		return ""
	}
	name, err := s.archive.Save(fmt.Sprintf("%s_frame-%d.png", s.ids.Generate(), index), data)
	if err != nil {
		slog.Warn("Failed to archive unread frame", "frame", index, "error", err)
		return ""
	}
	return name
}

// persist is the queue's processing callback
func (s *Service) persist(_ context.Context, item queue.Item) error {
	s.mu.Lock()
	sessionID := s.sessions[item.ID]
	s.mu.Unlock()

	entry := &journal.Entry{
		ID:         item.ID,
		Scan:       item.Scan,
		SessionID:  sessionID,
		RecordedAt: s.clock.Now(),
	}
	if err := s.db.SaveEntry(entry); err != nil {
		return fmt.Errorf("saving scan to journal: %w", err)
	}

	// Failed items keep their session for RetryFailed.
	s.mu.Lock()
	delete(s.sessions, item.ID)
	s.mu.Unlock()
	return nil
}

func (s *Service) lastCompleted() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed
}

// saveSummary is the batch scanner's completion hook
func (s *Service) saveSummary(sum batch.Summary) {
	s.mu.Lock()
	s.completed = sum.SessionID
	s.mu.Unlock()
	if err := s.db.SaveSummary(&sum); err != nil {
		slog.Error("Failed to save batch summary", "session_id", sum.SessionID, "error", err)
	}
}

// Close stops queue auto-processing
func (s *Service) Close() {
	s.queue.Close()
}
