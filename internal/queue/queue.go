// Package queue holds accepted scans until a processing callback, usually
// persistence, has handled them.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zombor/scan-pipeline/internal/barcode"
)

// ItemStatus is a queue item's processing state. Items only move forward,
// except failed items put back by RetryFailed.
type ItemStatus string

const (
	StatusPending    ItemStatus = "pending"
	StatusProcessing ItemStatus = "processing"
	StatusProcessed  ItemStatus = "processed"
	StatusFailed     ItemStatus = "failed"
)

// Item is one queued scan
type Item struct {
	ID          string             `json:"id"`
	Scan        barcode.ScanResult `json:"scan_result"`
	Status      ItemStatus         `json:"status"`
	AddedAt     time.Time          `json:"added_at"`
	ProcessedAt time.Time          `json:"processed_at,omitempty"`
	Error       string             `json:"error,omitempty"`
}

// Config controls the queue
type Config struct {
	Cooldown        time.Duration `json:"cooldown_period"`
	MaxQueueSize    int           `json:"max_queue_size"`
	AutoProcess     bool          `json:"auto_process"`
	ProcessingDelay time.Duration `json:"processing_delay"`
	CallbackTimeout time.Duration `json:"callback_timeout"`
}

// DefaultConfig returns a 1000 item queue with a 500ms cooldown and manual
// processing.
func DefaultConfig() Config {
	return Config{
		Cooldown:        500 * time.Millisecond,
		MaxQueueSize:    1000,
		ProcessingDelay: 100 * time.Millisecond,
		CallbackTimeout: 5 * time.Second,
	}
}

// Status counts items by state
type Status struct {
	Pending                int           `json:"pending"`
	Processing             int           `json:"processing"`
	Processed              int           `json:"processed"`
	Failed                 int           `json:"failed"`
	TotalItems             int           `json:"total_items"`
	EstimatedTimeRemaining time.Duration `json:"estimated_time_remaining"`
}

// Failure is a scan whose callback failed
type Failure struct {
	Scan  barcode.ScanResult `json:"scan_result"`
	Error string             `json:"error"`
}

// BatchResult partitions one ProcessBatch run
type BatchResult struct {
	Successful []barcode.ScanResult `json:"successful"`
	Failed     []Failure            `json:"failed"`
	Duration   time.Duration        `json:"duration"`
}

// Callback handles one item. A returned error or panic marks the item
// failed.
type Callback func(ctx context.Context, item Item) error

// Queue is a cooldown-gated FIFO of scans. It is safe for concurrent use.
type Queue struct {
	clock barcode.Clock
	ids   barcode.IDGenerator

	mu       sync.Mutex
	cfg      Config
	items    []*Item
	cooldown *barcode.Cooldown
	callback Callback
	stop     chan struct{}
	wg       sync.WaitGroup
}

// New creates a Queue using the wall clock and random UUIDs
func New(cfg Config) *Queue {
	return NewWithDeps(cfg, barcode.SystemClock{}, barcode.UUIDGenerator{})
}

// NewWithDeps creates a Queue with an injected clock and ID generator
func NewWithDeps(cfg Config, clock barcode.Clock, ids barcode.IDGenerator) *Queue {
	cfg = sanitize(cfg)
	return &Queue{
		clock:    clock,
		ids:      ids,
		cfg:      cfg,
		cooldown: barcode.NewCooldown(cfg.Cooldown),
	}
}

func sanitize(cfg Config) Config {
	def := DefaultConfig()
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = def.MaxQueueSize
	}
	if cfg.ProcessingDelay <= 0 {
		cfg.ProcessingDelay = def.ProcessingDelay
	}
	if cfg.CallbackTimeout <= 0 {
		cfg.CallbackTimeout = def.CallbackTimeout
	}
	return cfg
}

// SetProcessingCallback installs the handler run for each item
func (q *Queue) SetProcessingCallback(fn Callback) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.callback = fn
}

// Enqueue adds a scan. It returns nil with a reason when the barcode is
// still cooling down or the queue is full.
func (q *Queue) Enqueue(scan barcode.ScanResult) (*Item, barcode.Reason) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	if scan.Barcode == "" {
		return nil, barcode.ReasonEmptyBarcode
	}
	if q.cooldown.Active(scan.Barcode, now) {
		return nil, barcode.ReasonDuplicate
	}
	if len(q.items) >= q.cfg.MaxQueueSize && !q.evictProcessed() {
		slog.Warn("Scan queue full", "size", len(q.items))
		return nil, barcode.ReasonQueueFull
	}

	item := &Item{
		ID:      q.ids.Generate(),
		Scan:    scan,
		Status:  StatusPending,
		AddedAt: now,
	}
	q.items = append(q.items, item)
	q.cooldown.Record(scan.Barcode, now)

	if q.cfg.AutoProcess {
		q.startAuto()
	}

	c := *item
	return &c, barcode.ReasonNone
}

// ProcessBatch runs the callback over every pending item in order and
// partitions the outcomes.
func (q *Queue) ProcessBatch(ctx context.Context) BatchResult {
	start := q.clock.Now()
	res := BatchResult{}

	q.mu.Lock()
	var pending []*Item
	for _, it := range q.items {
		if it.Status == StatusPending {
			pending = append(pending, it)
		}
	}
	q.mu.Unlock()

	for _, it := range pending {
		ran, err := q.processItem(ctx, it)
		if !ran {
			continue
		}
		if err != nil {
			res.Failed = append(res.Failed, Failure{Scan: it.Scan, Error: err.Error()})
			continue
		}
		res.Successful = append(res.Successful, it.Scan)
	}

	res.Duration = q.clock.Now().Sub(start)
	return res
}

// processItem claims a pending item, runs the callback and records the
// outcome. It returns false when another worker claimed the item first.
func (q *Queue) processItem(ctx context.Context, it *Item) (bool, error) {
	q.mu.Lock()
	if it.Status != StatusPending {
		q.mu.Unlock()
		return false, nil
	}
	it.Status = StatusProcessing
	cb := q.callback
	timeout := q.cfg.CallbackTimeout
	snapshot := *it
	q.mu.Unlock()

	err := runCallback(ctx, cb, snapshot, timeout)

	q.mu.Lock()
	defer q.mu.Unlock()
	if err != nil {
		it.Status = StatusFailed
		it.Error = err.Error()
		slog.Warn("Queue item failed", "id", it.ID, "barcode", it.Scan.Barcode, "error", err)
		return true, err
	}
	it.Status = StatusProcessed
	it.ProcessedAt = q.clock.Now()
	it.Error = ""
	return true, nil
}

func runCallback(ctx context.Context, cb Callback, item Item, timeout time.Duration) error {
	if cb == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("processing callback panicked: %v", r)
			}
		}()
		done <- cb(ctx, item)
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("processing %s: %w", item.ID, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("processing %s: %w", item.ID, ctx.Err())
	}
}

// startAuto launches the processing loop if it is not running. Callers hold
// q.mu.
func (q *Queue) startAuto() {
	if q.stop != nil {
		return
	}
	stop := make(chan struct{})
	q.stop = stop
	q.wg.Add(1)
	go q.autoProcess(stop, q.cfg.ProcessingDelay)
}

// stopAuto signals the loop to exit. Callers hold q.mu.
func (q *Queue) stopAuto() {
	if q.stop == nil {
		return
	}
	close(q.stop)
	q.stop = nil
}

// autoProcess handles one pending item per tick and exits once the queue
// has drained.
func (q *Queue) autoProcess(stop chan struct{}, delay time.Duration) {
	defer q.wg.Done()
	ticker := time.NewTicker(delay)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		q.mu.Lock()
		var next *Item
		for _, it := range q.items {
			if it.Status == StatusPending {
				next = it
				break
			}
		}
		if next == nil {
			if q.stop == stop {
				q.stop = nil
			}
			q.mu.Unlock()
			slog.Debug("Scan queue drained")
			return
		}
		q.mu.Unlock()

		q.processItem(context.Background(), next)
	}
}

// Status returns item counts and an ETA from the average time processed
// items spent in the queue.
func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()

	st := Status{TotalItems: len(q.items)}
	var spent time.Duration
	for _, it := range q.items {
		switch it.Status {
		case StatusPending:
			st.Pending++
		case StatusProcessing:
			st.Processing++
		case StatusProcessed:
			st.Processed++
			spent += it.ProcessedAt.Sub(it.AddedAt)
		case StatusFailed:
			st.Failed++
		}
	}
	if st.Pending > 0 && st.Processed > 0 {
		st.EstimatedTimeRemaining = time.Duration(st.Pending) * (spent / time.Duration(st.Processed))
	}
	return st
}

// Pending returns pending items in queue order
func (q *Queue) Pending() []Item {
	return q.filter(StatusPending)
}

// Processed returns processed items
func (q *Queue) Processed() []Item {
	return q.filter(StatusProcessed)
}

// Failed returns failed items
func (q *Queue) Failed() []Item {
	return q.filter(StatusFailed)
}

func (q *Queue) filter(status ItemStatus) []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Item
	for _, it := range q.items {
		if it.Status == status {
			out = append(out, *it)
		}
	}
	return out
}

// Recent returns the last n items; n <= 0 means five.
func (q *Queue) Recent(n int) []Item {
	if n <= 0 {
		n = 5
	}
	all := q.All()
	if len(all) > n {
		all = all[len(all)-n:]
	}
	return all
}

// All returns every item in queue order
func (q *Queue) All() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Item, 0, len(q.items))
	for _, it := range q.items {
		out = append(out, *it)
	}
	return out
}

// Size returns the number of items
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// IsEmpty reports whether the queue holds no items
func (q *Queue) IsEmpty() bool {
	return q.Size() == 0
}

// IsFull reports whether Enqueue would be refused for capacity
func (q *Queue) IsFull() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	open := 0
	for _, it := range q.items {
		if it.Status != StatusProcessed {
			open++
		}
	}
	return open >= q.cfg.MaxQueueSize
}

// RemoveItem drops an item by ID
func (q *Queue) RemoveItem(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, it := range q.items {
		if it.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

// UndoLast removes the newest item and lifts its barcode's cooldown.
func (q *Queue) UndoLast() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Item{}, false
	}
	last := q.items[len(q.items)-1]
	q.items = q.items[:len(q.items)-1]
	q.cooldown.Forget(last.Scan.Barcode)
	return *last, true
}

// Deduplicate keeps the first item per barcode and returns how many were
// removed.
func (q *Queue) Deduplicate() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	seen := make(map[string]struct{}, len(q.items))
	kept := q.items[:0]
	for _, it := range q.items {
		if _, ok := seen[it.Scan.Barcode]; ok {
			continue
		}
		seen[it.Scan.Barcode] = struct{}{}
		kept = append(kept, it)
	}
	removed := len(q.items) - len(kept)
	q.items = kept
	return removed
}

// ClearProcessed drops processed items and returns how many
func (q *Queue) ClearProcessed() int {
	return q.drop(StatusProcessed)
}

// ClearFailed drops failed items and returns how many
func (q *Queue) ClearFailed() int {
	return q.drop(StatusFailed)
}

func (q *Queue) drop(status ItemStatus) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.items[:0]
	for _, it := range q.items {
		if it.Status != status {
			kept = append(kept, it)
		}
	}
	removed := len(q.items) - len(kept)
	q.items = kept
	return removed
}

// evictProcessed drops the oldest processed item to make room. Callers
// hold q.mu.
func (q *Queue) evictProcessed() bool {
	for i, it := range q.items {
		if it.Status == StatusProcessed {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

// RetryFailed returns failed items to pending and returns how many.
func (q *Queue) RetryFailed() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, it := range q.items {
		if it.Status == StatusFailed {
			it.Status = StatusPending
			it.Error = ""
			n++
		}
	}
	if n > 0 && q.cfg.AutoProcess {
		q.startAuto()
	}
	return n
}

// Config returns the current configuration
func (q *Queue) Config() Config {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cfg
}

// UpdateConfig replaces the configuration, restarting auto-processing when
// its settings changed.
func (q *Queue) UpdateConfig(cfg Config) {
	q.mu.Lock()
	defer q.mu.Unlock()
	cfg = sanitize(cfg)
	restart := cfg.AutoProcess != q.cfg.AutoProcess || cfg.ProcessingDelay != q.cfg.ProcessingDelay
	q.cfg = cfg
	q.cooldown.SetWindow(cfg.Cooldown)
	if !restart {
		return
	}
	q.stopAuto()
	if cfg.AutoProcess && q.hasPending() {
		q.startAuto()
	}
}

func (q *Queue) hasPending() bool {
	for _, it := range q.items {
		if it.Status == StatusPending {
			return true
		}
	}
	return false
}

// Export returns copies of every item
func (q *Queue) Export() []Item {
	return q.All()
}

// Import replaces the queue's contents with items. Cooldown state is
// cleared.
func (q *Queue) Import(items []Item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stopAuto()
	q.cooldown.Reset()
	q.items = make([]*Item, 0, len(items))
	for i := range items {
		it := items[i]
		q.items = append(q.items, &it)
	}
	if q.cfg.AutoProcess && q.hasPending() {
		q.startAuto()
	}
}

// Reset stops auto-processing and drops every item and cooldown.
func (q *Queue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stopAuto()
	q.items = nil
	q.cooldown.Reset()
}

// Close stops auto-processing and waits for the loop to exit.
func (q *Queue) Close() {
	q.mu.Lock()
	q.stopAuto()
	q.mu.Unlock()
	q.wg.Wait()
}
