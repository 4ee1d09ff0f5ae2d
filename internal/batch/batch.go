// Package batch runs batch scanning sessions: a state machine that collects
// accepted scans, suppresses repeats and reports progress.
package batch

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zombor/scan-pipeline/internal/barcode"
)

// Status is a session's lifecycle state
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Config controls one session. A zero AutoCompleteThreshold disables
// auto-completion.
type Config struct {
	DuplicateCooldown     time.Duration `json:"duplicate_cooldown"`
	AutoCompleteThreshold int           `json:"auto_complete_threshold,omitempty"`
	TargetRate            float64       `json:"target_rate,omitempty"`
	AllowDuplicates       bool          `json:"allow_duplicates"`
	ValidateScans         bool          `json:"validate_scans"`
}

// DefaultConfig returns a 500ms duplicate window with validation on.
func DefaultConfig() Config {
	return Config{
		DuplicateCooldown: 500 * time.Millisecond,
		ValidateScans:     true,
	}
}

// Session is one batch. Scans only grow while the session is active or
// paused, except through UndoLastScan and ClearScans.
type Session struct {
	ID        string               `json:"id"`
	StartTime time.Time            `json:"start_time"`
	EndTime   time.Time            `json:"end_time,omitempty"`
	Scans     []barcode.ScanResult `json:"scans"`
	Config    Config               `json:"config"`
	Status    Status               `json:"status"`
	Errors    int                  `json:"errors"`

	summary *Summary
}

// Stats is a live view of a session
type Stats struct {
	TotalScans          int            `json:"total_scans"`
	UniqueBarcodes      int            `json:"unique_barcodes"`
	Duplicates          int            `json:"duplicates"`
	Errors              int            `json:"errors"`
	AverageRate         float64        `json:"average_rate"`
	Elapsed             time.Duration  `json:"elapsed"`
	EstimatedCompletion *time.Duration `json:"estimated_completion,omitempty"`
}

// Summary is the final report of a session
type Summary struct {
	SessionID      string        `json:"session_id"`
	Status         Status        `json:"status"`
	TotalScans     int           `json:"total_scans"`
	UniqueBarcodes int           `json:"unique_barcodes"`
	Duplicates     int           `json:"duplicates"`
	Errors         int           `json:"errors"`
	Duration       time.Duration `json:"duration"`
	ScansPerSecond float64       `json:"scans_per_second"`
	StartTime      time.Time     `json:"start_time"`
	EndTime        time.Time     `json:"end_time"`
}

// OperationResult reports what happened to one scan.
type OperationResult struct {
	Accepted bool               `json:"accepted"`
	Reason   barcode.Reason     `json:"reason,omitempty"`
	Message  string             `json:"message,omitempty"`
	Scan     barcode.ScanResult `json:"scan"`
	Stats    Stats              `json:"session_stats"`
}

// Scanner owns batch sessions. At most one session is active at a time;
// an empty session ID in any method means the active one.
type Scanner struct {
	clock barcode.Clock
	ids   barcode.IDGenerator

	mu         sync.Mutex
	sessions   map[string]*Session
	order      []string
	activeID   string
	onComplete func(Summary)
}

// New creates a Scanner using the wall clock and random UUIDs
func New() *Scanner {
	return NewWithDeps(barcode.SystemClock{}, barcode.UUIDGenerator{})
}

// NewWithDeps creates a Scanner with an injected clock and ID generator
func NewWithDeps(clock barcode.Clock, ids barcode.IDGenerator) *Scanner {
	return &Scanner{
		clock:    clock,
		ids:      ids,
		sessions: make(map[string]*Session),
	}
}

// OnComplete registers a hook that receives each session's summary the
// first time it completes. The hook runs without the scanner's lock held.
func (s *Scanner) OnComplete(fn func(Summary)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onComplete = fn
}

// StartBatch opens a new active session. A zero DuplicateCooldown falls
// back to the default unless duplicates are allowed. A session that is
// still open is completed first and reported to the OnComplete hook.
func (s *Scanner) StartBatch(cfg Config) Session {
	if cfg.DuplicateCooldown <= 0 && !cfg.AllowDuplicates {
		cfg.DuplicateCooldown = DefaultConfig().DuplicateCooldown
	}

	s.mu.Lock()

	var previous *Summary
	if old := s.session(""); old != nil && !old.Status.Terminal() {
		previous = s.complete(old)
		slog.Debug("Batch session superseded", "session_id", old.ID)
	}
	hook := s.onComplete

	sess := &Session{
		ID:        s.ids.Generate(),
		StartTime: s.clock.Now(),
		Config:    cfg,
		Status:    StatusActive,
	}
	s.sessions[sess.ID] = sess
	s.order = append(s.order, sess.ID)
	s.activeID = sess.ID

	out := sess.copy()
	s.mu.Unlock()

	slog.Debug("Batch session started", "session_id", out.ID, "auto_complete", cfg.AutoCompleteThreshold)
	if previous != nil && hook != nil {
		hook(*previous)
	}
	return out
}

// ProcessScan offers a scan to a session. Rejections are reported in the
// result, never as errors.
func (s *Scanner) ProcessScan(scan barcode.ScanResult, sessionID string) OperationResult {
	s.mu.Lock()

	sess := s.session(sessionID)
	if sess == nil {
		s.mu.Unlock()
		return OperationResult{
			Reason:  barcode.ReasonNoActiveSession,
			Message: "No active batch session",
			Scan:    scan,
		}
	}

	if sess.Status != StatusActive {
		res := OperationResult{
			Reason:  barcode.ReasonSessionNotActive,
			Message: fmt.Sprintf("Batch session is %s", sess.Status),
			Scan:    scan,
			Stats:   s.stats(sess),
		}
		s.mu.Unlock()
		return res
	}

	if scan.Timestamp.IsZero() {
		scan.Timestamp = s.clock.Now()
	}

	if sess.Config.ValidateScans && scan.Barcode == "" {
		sess.Errors++
		res := OperationResult{
			Reason:  barcode.ReasonEmptyBarcode,
			Message: "Empty barcode",
			Scan:    scan,
			Stats:   s.stats(sess),
		}
		s.mu.Unlock()
		return res
	}

	if !sess.Config.AllowDuplicates && isDuplicate(scan, sess) {
		res := OperationResult{
			Reason:  barcode.ReasonDuplicate,
			Message: "Duplicate barcode (within cooldown period)",
			Scan:    scan,
			Stats:   s.stats(sess),
		}
		s.mu.Unlock()
		return res
	}

	sess.Scans = append(sess.Scans, scan)

	var completed *Summary
	if t := sess.Config.AutoCompleteThreshold; t > 0 && len(sess.Scans) >= t {
		completed = s.complete(sess)
		slog.Info("Batch session auto-completed", "session_id", sess.ID, "scans", len(sess.Scans))
	}
	res := OperationResult{Accepted: true, Scan: scan, Stats: s.stats(sess)}
	hook := s.onComplete
	s.mu.Unlock()

	if completed != nil && hook != nil {
		hook(*completed)
	}
	return res
}

// isDuplicate compares capture timestamps, so no two stored scans of one
// barcode are ever closer than the cooldown.
func isDuplicate(scan barcode.ScanResult, sess *Session) bool {
	window := sess.Config.DuplicateCooldown
	for i := len(sess.Scans) - 1; i >= 0; i-- {
		prev := sess.Scans[i]
		if prev.Barcode != scan.Barcode {
			continue
		}
		gap := scan.Timestamp.Sub(prev.Timestamp)
		if gap < 0 {
			gap = -gap
		}
		if gap < window {
			return true
		}
	}
	return false
}

// PauseBatch moves an active session to paused
func (s *Scanner) PauseBatch(sessionID string) bool {
	return s.transition(sessionID, StatusActive, StatusPaused)
}

// ResumeBatch moves a paused session back to active
func (s *Scanner) ResumeBatch(sessionID string) bool {
	return s.transition(sessionID, StatusPaused, StatusActive)
}

func (s *Scanner) transition(sessionID string, from, to Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.session(sessionID)
	if sess == nil || sess.Status != from {
		return false
	}
	sess.Status = to
	return true
}

// CompleteBatch ends a session and returns its summary. Completing an
// already finished session returns the same summary again.
func (s *Scanner) CompleteBatch(sessionID string) (Summary, bool) {
	s.mu.Lock()
	sess := s.session(sessionID)
	if sess == nil {
		s.mu.Unlock()
		return Summary{}, false
	}
	if sess.summary != nil {
		sum := *sess.summary
		s.mu.Unlock()
		return sum, true
	}
	sum := s.complete(sess)
	hook := s.onComplete
	s.mu.Unlock()

	if hook != nil {
		hook(*sum)
	}
	return *sum, true
}

// CancelBatch ends a session without completing it. Cancelling a finished
// session is a no-op that still reports success.
func (s *Scanner) CancelBatch(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.session(sessionID)
	if sess == nil {
		return false
	}
	if sess.Status.Terminal() {
		return true
	}
	sess.Status = StatusCancelled
	sess.EndTime = s.clock.Now()
	sess.summary = summarize(sess)
	s.clearActive(sess.ID)
	slog.Debug("Batch session cancelled", "session_id", sess.ID)
	return true
}

func (s *Scanner) complete(sess *Session) *Summary {
	sess.Status = StatusCompleted
	sess.EndTime = s.clock.Now()
	sess.summary = summarize(sess)
	s.clearActive(sess.ID)
	return sess.summary
}

func (s *Scanner) clearActive(id string) {
	if s.activeID == id {
		s.activeID = ""
	}
}

func summarize(sess *Session) *Summary {
	unique := uniqueCount(sess.Scans)
	duration := sess.EndTime.Sub(sess.StartTime)
	sum := &Summary{
		SessionID:      sess.ID,
		Status:         sess.Status,
		TotalScans:     len(sess.Scans),
		UniqueBarcodes: unique,
		Duplicates:     len(sess.Scans) - unique,
		Errors:         sess.Errors,
		Duration:       duration,
		StartTime:      sess.StartTime,
		EndTime:        sess.EndTime,
	}
	if duration > 0 {
		sum.ScansPerSecond = float64(len(sess.Scans)) / duration.Seconds()
	}
	return sum
}

// Stats returns live statistics for a session
func (s *Scanner) Stats(sessionID string) (Stats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.session(sessionID)
	if sess == nil {
		return Stats{}, false
	}
	return s.stats(sess), true
}

func (s *Scanner) stats(sess *Session) Stats {
	end := s.clock.Now()
	if sess.Status.Terminal() {
		end = sess.EndTime
	}
	elapsed := end.Sub(sess.StartTime)
	unique := uniqueCount(sess.Scans)
	st := Stats{
		TotalScans:     len(sess.Scans),
		UniqueBarcodes: unique,
		Duplicates:     len(sess.Scans) - unique,
		Errors:         sess.Errors,
		Elapsed:        elapsed,
	}
	if elapsed > 0 {
		st.AverageRate = float64(len(sess.Scans)) / elapsed.Seconds()
	}
	if t := sess.Config.AutoCompleteThreshold; t > 0 && st.AverageRate > 0 {
		remaining := max(0, t-len(sess.Scans))
		eta := time.Duration(float64(remaining) / st.AverageRate * float64(time.Second))
		st.EstimatedCompletion = &eta
	}
	return st
}

func uniqueCount(scans []barcode.ScanResult) int {
	seen := make(map[string]struct{}, len(scans))
	for _, sc := range scans {
		seen[sc.Barcode] = struct{}{}
	}
	return len(seen)
}

// UndoLastScan removes and returns the most recent scan.
func (s *Scanner) UndoLastScan(sessionID string) (barcode.ScanResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.session(sessionID)
	if sess == nil || sess.Status.Terminal() || len(sess.Scans) == 0 {
		return barcode.ScanResult{}, false
	}
	last := sess.Scans[len(sess.Scans)-1]
	sess.Scans = sess.Scans[:len(sess.Scans)-1]
	return last, true
}

// ClearScans empties a session's scan list. Finished sessions keep their
// scans so they agree with the stored summary.
func (s *Scanner) ClearScans(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.session(sessionID)
	if sess == nil || sess.Status.Terminal() {
		return false
	}
	sess.Scans = nil
	return true
}

// Scans returns a copy of a session's scans in acceptance order
func (s *Scanner) Scans(sessionID string) []barcode.ScanResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.session(sessionID)
	if sess == nil {
		return nil
	}
	return append([]barcode.ScanResult(nil), sess.Scans...)
}

// RecentScans returns the last n scans; n <= 0 means five.
func (s *Scanner) RecentScans(n int, sessionID string) []barcode.ScanResult {
	if n <= 0 {
		n = 5
	}
	scans := s.Scans(sessionID)
	if len(scans) > n {
		scans = scans[len(scans)-n:]
	}
	return scans
}

// Session returns a copy of a session
func (s *Scanner) Session(sessionID string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.session(sessionID)
	if sess == nil {
		return Session{}, false
	}
	return sess.copy(), true
}

// ActiveSession returns a copy of the active session
func (s *Scanner) ActiveSession() (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeID == "" {
		return Session{}, false
	}
	return s.sessions[s.activeID].copy(), true
}

// AllSessions returns every session in creation order
func (s *Scanner) AllSessions() []Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Session, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.sessions[id].copy())
	}
	return out
}

// ClearCompletedSessions drops finished sessions and returns how many.
func (s *Scanner) ClearCompletedSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.order[:0]
	cleared := 0
	for _, id := range s.order {
		if s.sessions[id].Status.Terminal() {
			delete(s.sessions, id)
			cleared++
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	return cleared
}

// Reset drops every session
func (s *Scanner) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = make(map[string]*Session)
	s.order = nil
	s.activeID = ""
}

func (s *Scanner) session(id string) *Session {
	if id == "" {
		id = s.activeID
	}
	if id == "" {
		return nil
	}
	return s.sessions[id]
}

func (sess *Session) copy() Session {
	c := *sess
	c.Scans = append([]barcode.ScanResult(nil), sess.Scans...)
	c.summary = nil
	return c
}
