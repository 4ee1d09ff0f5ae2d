// Package workerpool runs registered processors with a bounded number of
// tasks in flight. Tasks that cannot start immediately wait in priority
// order.
package workerpool

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zombor/scan-pipeline/internal/barcode"
)

var (
	// ErrQueueFull is reported when too many tasks are already waiting.
	ErrQueueFull = errors.New("task queue full")
	// ErrTaskTimeout is reported when a processor overruns its deadline.
	ErrTaskTimeout = errors.New("task timeout")
	// ErrTaskDropped is reported to waiting tasks discarded by Reset.
	ErrTaskDropped = errors.New("task dropped")
)

const statSamples = 100

// Priority orders waiting tasks
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityNormal Priority = 2
	PriorityHigh   Priority = 3
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	}
	return "normal"
}

// ParsePriority maps low, normal and high; anything else is normal.
func ParsePriority(s string) Priority {
	switch strings.ToLower(s) {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	}
	return PriorityNormal
}

// Processor handles one task's data. It should honour ctx.
type Processor func(ctx context.Context, data any) (any, error)

// Result is the single outcome delivered for a task.
type Result struct {
	TaskID         string        `json:"task_id"`
	Success        bool          `json:"success"`
	Value          any           `json:"result,omitempty"`
	Error          string        `json:"error,omitempty"`
	ProcessingTime time.Duration `json:"processing_time"`
}

// Config sizes the pool
type Config struct {
	MaxWorkers   int           `json:"max_workers"`
	TaskTimeout  time.Duration `json:"task_timeout"`
	MaxQueueSize int           `json:"max_queue_size"`
}

// DefaultConfig uses between two and four workers depending on the CPU
// count, a 5s task timeout and room for 1000 waiting tasks.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:   max(2, min(4, runtime.NumCPU())),
		TaskTimeout:  5 * time.Second,
		MaxQueueSize: 1000,
	}
}

// Stats describes pool load. Workers are slots, not goroutines.
type Stats struct {
	TotalWorkers      int           `json:"total_workers"`
	AvailableWorkers  int           `json:"available_workers"`
	BusyWorkers       int           `json:"busy_workers"`
	QueuedTasks       int           `json:"queued_tasks"`
	CompletedTasks    int           `json:"completed_tasks"`
	FailedTasks       int           `json:"failed_tasks"`
	AvgProcessingTime time.Duration `json:"avg_processing_time"`
}

type task struct {
	id       string
	kind     string
	data     any
	priority Priority
	seq      uint64
	index    int
	ready    chan struct{}
	dropped  bool
}

// Pool executes tasks with at most MaxWorkers in flight. It is safe for
// concurrent use; ProcessAsync blocks until its task finishes, so callers
// wanting fire-and-forget run it in a goroutine.
type Pool struct {
	ids barcode.IDGenerator

	mu         sync.Mutex
	cfg        Config
	processors map[string]Processor
	waiting    taskHeap
	busy       int
	seq        uint64
	completed  int
	failed     int
	samples    []time.Duration
}

// New creates a Pool with random UUID task IDs
func New(cfg Config) *Pool {
	return NewWithDeps(cfg, barcode.UUIDGenerator{})
}

// NewWithDeps creates a Pool with an injected ID generator
func NewWithDeps(cfg Config, ids barcode.IDGenerator) *Pool {
	return &Pool{
		ids:        ids,
		cfg:        sanitize(cfg),
		processors: make(map[string]Processor),
	}
}

func sanitize(cfg Config) Config {
	def := DefaultConfig()
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = def.MaxWorkers
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = def.TaskTimeout
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = def.MaxQueueSize
	}
	return cfg
}

// RegisterProcessor installs the processor for a task type, replacing any
// earlier one.
func (p *Pool) RegisterProcessor(kind string, fn Processor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.processors[kind] = fn
}

// ProcessAsync runs data through the processor registered for kind and
// returns exactly one result. A task that exceeds TaskTimeout fails with
// "task timeout"; a panicking processor fails the task. Failed tasks are
// not retried.
func (p *Pool) ProcessAsync(ctx context.Context, kind string, data any, priority Priority) Result {
	p.mu.Lock()
	t := &task{
		id:       p.ids.Generate(),
		kind:     kind,
		data:     data,
		priority: priority,
		index:    -1,
	}
	fn, ok := p.processors[kind]
	if !ok {
		p.mu.Unlock()
		return Result{TaskID: t.id, Error: fmt.Sprintf("no processor registered for task type: %s", kind)}
	}

	if p.busy < p.cfg.MaxWorkers && p.waiting.Len() == 0 {
		p.busy++
		timeout := p.cfg.TaskTimeout
		p.mu.Unlock()
		return p.run(ctx, t, fn, timeout)
	}

	if p.waiting.Len() >= p.cfg.MaxQueueSize {
		p.mu.Unlock()
		return Result{TaskID: t.id, Error: ErrQueueFull.Error()}
	}
	p.seq++
	t.seq = p.seq
	t.ready = make(chan struct{})
	heap.Push(&p.waiting, t)
	p.mu.Unlock()

	select {
	case <-t.ready:
	case <-ctx.Done():
		p.mu.Lock()
		if t.index >= 0 {
			heap.Remove(&p.waiting, t.index)
			p.mu.Unlock()
			return Result{TaskID: t.id, Error: ctx.Err().Error()}
		}
		p.mu.Unlock()
		// Dispatched while we were giving up; the slot is ours.
		<-t.ready
	}

	p.mu.Lock()
	if t.dropped {
		p.mu.Unlock()
		return Result{TaskID: t.id, Error: ErrTaskDropped.Error()}
	}
	timeout := p.cfg.TaskTimeout
	p.mu.Unlock()
	return p.run(ctx, t, fn, timeout)
}

// run executes a task that already holds a worker slot and releases it.
func (p *Pool) run(ctx context.Context, t *task, fn Processor, timeout time.Duration) Result {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("processor panicked: %v", r)}
			}
		}()
		v, err := fn(ctx, t.data)
		done <- outcome{value: v, err: err}
	}()

	var res Result
	select {
	case o := <-done:
		res = Result{TaskID: t.id, Success: o.err == nil, Value: o.value}
		if o.err != nil {
			res.Value = nil
			res.Error = o.err.Error()
		}
	case <-ctx.Done():
		err := ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = ErrTaskTimeout
		}
		res = Result{TaskID: t.id, Error: err.Error()}
	}
	res.ProcessingTime = time.Since(start)

	p.finish(res)
	if !res.Success {
		slog.Warn("Task failed", "task_id", t.id, "type", t.kind, "error", res.Error)
	}
	return res
}

func (p *Pool) finish(res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if res.Success {
		p.completed++
		p.samples = append(p.samples, res.ProcessingTime)
		if len(p.samples) > statSamples {
			p.samples = p.samples[len(p.samples)-statSamples:]
		}
	} else {
		p.failed++
	}
	p.busy--
	p.dispatch()
}

// dispatch hands free slots to the highest priority waiting tasks. Callers
// hold p.mu.
func (p *Pool) dispatch() {
	for p.busy < p.cfg.MaxWorkers && p.waiting.Len() > 0 {
		next := heap.Pop(&p.waiting).(*task)
		p.busy++
		close(next.ready)
	}
}

// ProcessBatchParallel runs every item as its own task and returns results
// in input order. At most MaxWorkers items are in flight; once ctx is done
// the remaining items are not started and carry the context error.
func (p *Pool) ProcessBatchParallel(ctx context.Context, kind string, items []any, priority Priority) []Result {
	results := make([]Result, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.Config().MaxWorkers)
	for i, item := range items {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				results[i] = Result{Error: err.Error()}
				return nil
			}
			results[i] = p.ProcessAsync(gctx, kind, item, priority)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Stats returns a snapshot of pool load
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Stats{
		TotalWorkers:     p.cfg.MaxWorkers,
		AvailableWorkers: max(0, p.cfg.MaxWorkers-p.busy),
		BusyWorkers:      p.busy,
		QueuedTasks:      p.waiting.Len(),
		CompletedTasks:   p.completed,
		FailedTasks:      p.failed,
	}
	if len(p.samples) > 0 {
		var sum time.Duration
		for _, d := range p.samples {
			sum += d
		}
		st.AvgProcessingTime = sum / time.Duration(len(p.samples))
	}
	return st
}

// IsBusy reports whether every worker slot is taken
func (p *Pool) IsBusy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.busy >= p.cfg.MaxWorkers
}

// WaitForCompletion blocks until nothing is running or waiting. It returns
// false if ctx ends first.
func (p *Pool) WaitForCompletion(ctx context.Context) bool {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		p.mu.Lock()
		idle := p.busy == 0 && p.waiting.Len() == 0
		p.mu.Unlock()
		if idle {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// Config returns the current configuration
func (p *Pool) Config() Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

// UpdateConfig resizes the pool. Growing it starts waiting tasks at once;
// shrinking lets running tasks finish.
func (p *Pool) UpdateConfig(cfg Config) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg = sanitize(cfg)
	p.dispatch()
}

// Reset drops waiting tasks and zeroes the counters. Running tasks finish
// normally.
func (p *Pool) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.waiting.Len() > 0 {
		t := heap.Pop(&p.waiting).(*task)
		t.dropped = true
		close(t.ready)
	}
	p.completed, p.failed = 0, 0
	p.samples = nil
}

// taskHeap orders tasks by priority, then submission order.
type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	t := x.(*task)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
