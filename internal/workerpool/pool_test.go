package workerpool

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/scan-pipeline/internal/barcode"
)

func TestWorkerpool(t *testing.T) {
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))

	RegisterFailHandler(Fail)
	RunSpecs(t, "Workerpool Suite")
}

var _ = Describe("Pool", func() {
	var (
		cfg  Config
		pool *Pool
		ctx  context.Context
	)

	BeforeEach(func() {
		cfg = Config{MaxWorkers: 2, TaskTimeout: time.Second, MaxQueueSize: 10}
		ctx = context.Background()
	})

	JustBeforeEach(func() {
		pool = NewWithDeps(cfg, barcode.UUIDGenerator{})
		pool.RegisterProcessor("upper", func(_ context.Context, data any) (any, error) {
			s, ok := data.(string)
			if !ok {
				return nil, errors.New("not a string")
			}
			return s + "!", nil
		})
	})

	It("runs a registered processor", func() {
		res := pool.ProcessAsync(ctx, "upper", "a", PriorityNormal)
		Expect(res.Success).To(BeTrue())
		Expect(res.Value).To(Equal("a!"))
		Expect(res.TaskID).NotTo(BeEmpty())

		st := pool.Stats()
		Expect(st.CompletedTasks).To(Equal(1))
		Expect(st.BusyWorkers).To(BeZero())
		Expect(st.AvailableWorkers).To(Equal(2))
	})

	It("fails tasks without a processor", func() {
		res := pool.ProcessAsync(ctx, "missing", nil, PriorityNormal)
		Expect(res.Success).To(BeFalse())
		Expect(res.Error).To(Equal("no processor registered for task type: missing"))
	})

	It("records processor errors", func() {
		res := pool.ProcessAsync(ctx, "upper", 42, PriorityNormal)
		Expect(res.Success).To(BeFalse())
		Expect(res.Value).To(BeNil())
		Expect(res.Error).To(Equal("not a string"))
		Expect(pool.Stats().FailedTasks).To(Equal(1))
	})

	It("contains processor panics", func() {
		pool.RegisterProcessor("panic", func(context.Context, any) (any, error) {
			panic("bad frame")
		})
		res := pool.ProcessAsync(ctx, "panic", nil, PriorityHigh)
		Expect(res.Success).To(BeFalse())
		Expect(res.Error).To(ContainSubstring("bad frame"))
	})

	When("a processor overruns", func() {
		BeforeEach(func() {
			cfg.TaskTimeout = 20 * time.Millisecond
		})

		It("delivers a single timeout result", func() {
			finished := make(chan struct{})
			pool.RegisterProcessor("slow", func(context.Context, any) (any, error) {
				time.Sleep(60 * time.Millisecond)
				close(finished)
				return "late", nil
			})
			res := pool.ProcessAsync(ctx, "slow", nil, PriorityNormal)
			Expect(res.Success).To(BeFalse())
			Expect(res.Error).To(Equal(ErrTaskTimeout.Error()))

			Eventually(finished).Should(BeClosed())
			st := pool.Stats()
			Expect(st.FailedTasks).To(Equal(1))
			Expect(st.CompletedTasks).To(BeZero())
			Expect(st.BusyWorkers).To(BeZero())
		})
	})

	When("all workers are busy", func() {
		var (
			release chan struct{}
			mu      sync.Mutex
			order   []string
		)

		BeforeEach(func() {
			cfg.MaxWorkers = 1
			cfg.MaxQueueSize = 3
		})

		JustBeforeEach(func() {
			release = make(chan struct{})
			order = nil
			pool.RegisterProcessor("block", func(context.Context, any) (any, error) {
				<-release
				return nil, nil
			})
			pool.RegisterProcessor("record", func(_ context.Context, data any) (any, error) {
				mu.Lock()
				defer mu.Unlock()
				order = append(order, data.(string))
				return nil, nil
			})
			go pool.ProcessAsync(ctx, "block", nil, PriorityNormal)
			Eventually(pool.IsBusy).Should(BeTrue())
		})

		It("starts waiting tasks by priority, then arrival", func() {
			var wg sync.WaitGroup
			submit := func(name string, prio Priority, queued int) {
				wg.Add(1)
				go func() {
					defer wg.Done()
					pool.ProcessAsync(ctx, "record", name, prio)
				}()
				Eventually(func() int { return pool.Stats().QueuedTasks }).Should(Equal(queued))
			}
			submit("low", PriorityLow, 1)
			submit("normal-1", PriorityNormal, 2)
			submit("high", PriorityHigh, 3)

			close(release)
			wg.Wait()
			Expect(order).To(Equal([]string{"high", "normal-1", "low"}))
		})

		It("refuses tasks beyond the waiting limit", func() {
			for i := 0; i < 3; i++ {
				go pool.ProcessAsync(ctx, "record", "x", PriorityLow)
			}
			Eventually(func() int { return pool.Stats().QueuedTasks }).Should(Equal(3))

			res := pool.ProcessAsync(ctx, "record", "y", PriorityHigh)
			Expect(res.Error).To(Equal(ErrQueueFull.Error()))
			close(release)
		})

		It("gives up waiting when the caller cancels", func() {
			cctx, cancel := context.WithCancel(ctx)
			done := make(chan Result, 1)
			go func() { done <- pool.ProcessAsync(cctx, "record", "x", PriorityNormal) }()
			Eventually(func() int { return pool.Stats().QueuedTasks }).Should(Equal(1))

			cancel()
			var res Result
			Eventually(done).Should(Receive(&res))
			Expect(res.Error).To(Equal(context.Canceled.Error()))
			Expect(pool.Stats().QueuedTasks).To(BeZero())
			close(release)
		})

		It("drops waiting tasks on reset", func() {
			done := make(chan Result, 1)
			go func() { done <- pool.ProcessAsync(ctx, "record", "x", PriorityNormal) }()
			Eventually(func() int { return pool.Stats().QueuedTasks }).Should(Equal(1))

			pool.Reset()
			var res Result
			Eventually(done).Should(Receive(&res))
			Expect(res.Error).To(Equal(ErrTaskDropped.Error()))
			close(release)
		})

		It("waits for completion", func() {
			short, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
			defer cancel()
			Expect(pool.WaitForCompletion(short)).To(BeFalse())

			close(release)
			Expect(pool.WaitForCompletion(ctx)).To(BeTrue())
		})

		It("starts waiting tasks when the pool grows", func() {
			done := make(chan Result, 1)
			go func() { done <- pool.ProcessAsync(ctx, "record", "x", PriorityNormal) }()
			Eventually(func() int { return pool.Stats().QueuedTasks }).Should(Equal(1))

			pool.UpdateConfig(Config{MaxWorkers: 2, TaskTimeout: time.Second, MaxQueueSize: 3})
			Eventually(done).Should(Receive())
			close(release)
		})
	})

	It("processes a batch in input order", func() {
		results := pool.ProcessBatchParallel(ctx, "upper", []any{"a", "b", "c", "d"}, PriorityNormal)
		Expect(results).To(HaveLen(4))
		for i, want := range []string{"a!", "b!", "c!", "d!"} {
			Expect(results[i].Success).To(BeTrue())
			Expect(results[i].Value).To(Equal(want))
		}
		Expect(pool.Stats().CompletedTasks).To(Equal(4))
		Expect(pool.Stats().AvgProcessingTime).To(BeNumerically(">=", 0))
	})

	It("stops starting batch items once the context is cancelled", func() {
		batchCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		var started atomic.Int32
		pool.RegisterProcessor("cancel", func(_ context.Context, data any) (any, error) {
			started.Add(1)
			cancel()
			return data, nil
		})
		pool.UpdateConfig(Config{MaxWorkers: 1, TaskTimeout: time.Second, MaxQueueSize: 10})

		results := pool.ProcessBatchParallel(batchCtx, "cancel", []any{"a", "b", "c"}, PriorityNormal)
		Expect(results).To(HaveLen(3))
		Expect(results[1].Error).To(Equal(context.Canceled.Error()))
		Expect(results[2].Error).To(Equal(context.Canceled.Error()))
		Expect(started.Load()).To(Equal(int32(1)))
	})

	DescribeTable("ParsePriority",
		func(in string, want Priority) {
			Expect(ParsePriority(in)).To(Equal(want))
			Expect(want.String()).NotTo(BeEmpty())
		},
		Entry("high", "HIGH", PriorityHigh),
		Entry("low", "low", PriorityLow),
		Entry("default", "", PriorityNormal),
	)
})
