package batch

import (
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/scan-pipeline/internal/barcode"
)

func TestBatch(t *testing.T) {
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))

	RegisterFailHandler(Fail)
	RunSpecs(t, "Batch Suite")
}

type sequentialIDs struct {
	n int
}

func (g *sequentialIDs) Generate() string {
	g.n++
	return fmt.Sprintf("batch-%d", g.n)
}

var _ = Describe("Scanner", func() {
	var (
		clock   *barcode.ManualClock
		scanner *Scanner
		start   time.Time
	)

	scan := func(code string) barcode.ScanResult {
		return barcode.ScanResult{Barcode: code, Format: barcode.FormatCode128, Confidence: 100, Timestamp: clock.Now()}
	}

	BeforeEach(func() {
		start = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
		clock = barcode.NewManualClock(start)
		scanner = NewWithDeps(clock, &sequentialIDs{})
	})

	It("rejects scans without a session", func() {
		res := scanner.ProcessScan(scan("A"), "")
		Expect(res.Accepted).To(BeFalse())
		Expect(res.Reason).To(Equal(barcode.ReasonNoActiveSession))
	})

	It("starts an active session", func() {
		sess := scanner.StartBatch(DefaultConfig())
		Expect(sess.ID).To(Equal("batch-1"))
		Expect(sess.Status).To(Equal(StatusActive))
		Expect(sess.StartTime).To(Equal(start))

		active, ok := scanner.ActiveSession()
		Expect(ok).To(BeTrue())
		Expect(active.ID).To(Equal(sess.ID))
	})

	Describe("ProcessScan", func() {
		var sess Session

		BeforeEach(func() {
			sess = scanner.StartBatch(DefaultConfig())
		})

		It("accepts scans in order", func() {
			Expect(scanner.ProcessScan(scan("A"), "").Accepted).To(BeTrue())
			clock.Advance(10 * time.Millisecond)
			Expect(scanner.ProcessScan(scan("B"), sess.ID).Accepted).To(BeTrue())

			scans := scanner.Scans("")
			Expect(scans).To(HaveLen(2))
			Expect(scans[0].Barcode).To(Equal("A"))
			Expect(scans[1].Barcode).To(Equal("B"))
		})

		It("rejects a repeat inside the cooldown", func() {
			scanner.ProcessScan(scan("A"), "")
			clock.Advance(499 * time.Millisecond)
			res := scanner.ProcessScan(scan("A"), "")
			Expect(res.Accepted).To(BeFalse())
			Expect(res.Reason).To(Equal(barcode.ReasonDuplicate))
			Expect(res.Stats.TotalScans).To(Equal(1))

			clock.Advance(time.Millisecond)
			Expect(scanner.ProcessScan(scan("A"), "").Accepted).To(BeTrue())
		})

		It("never stores two copies of a barcode closer than the cooldown", func() {
			offsets := []time.Duration{0, 100, 200, 450, 600, 700, 1150, 1200}
			for _, ms := range offsets {
				s := scan("A")
				s.Timestamp = start.Add(ms * time.Millisecond)
				scanner.ProcessScan(s, "")
			}
			scans := scanner.Scans("")
			Expect(scans).To(HaveLen(3))
			for i := 1; i < len(scans); i++ {
				Expect(scans[i].Timestamp.Sub(scans[i-1].Timestamp)).To(BeNumerically(">=", 500*time.Millisecond))
			}
		})

		It("stamps scans that carry no time", func() {
			scanner.ProcessScan(barcode.ScanResult{Barcode: "A"}, "")
			Expect(scanner.Scans("")[0].Timestamp).To(Equal(start))
		})

		It("counts empty scans as errors", func() {
			res := scanner.ProcessScan(barcode.ScanResult{}, "")
			Expect(res.Reason).To(Equal(barcode.ReasonEmptyBarcode))
			Expect(res.Stats.Errors).To(Equal(1))
		})

		It("rejects scans while paused", func() {
			Expect(scanner.PauseBatch("")).To(BeTrue())
			res := scanner.ProcessScan(scan("A"), "")
			Expect(res.Reason).To(Equal(barcode.ReasonSessionNotActive))
			Expect(res.Message).To(Equal("Batch session is paused"))

			Expect(scanner.PauseBatch("")).To(BeFalse())
			Expect(scanner.ResumeBatch("")).To(BeTrue())
			Expect(scanner.ResumeBatch("")).To(BeFalse())
			Expect(scanner.ProcessScan(scan("A"), "").Accepted).To(BeTrue())
		})
	})

	When("duplicates are allowed", func() {
		BeforeEach(func() {
			scanner.StartBatch(Config{AllowDuplicates: true})
		})

		It("keeps every repeat", func() {
			scanner.ProcessScan(scan("A"), "")
			scanner.ProcessScan(scan("A"), "")
			stats, ok := scanner.Stats("")
			Expect(ok).To(BeTrue())
			Expect(stats.TotalScans).To(Equal(2))
			Expect(stats.UniqueBarcodes).To(Equal(1))
			Expect(stats.Duplicates).To(Equal(1))
		})
	})

	When("an auto-complete threshold is set", func() {
		var (
			sess      Session
			summaries []Summary
		)

		BeforeEach(func() {
			summaries = nil
			scanner.OnComplete(func(s Summary) {
				summaries = append(summaries, s)
			})
			sess = scanner.StartBatch(Config{AutoCompleteThreshold: 3})
		})

		It("completes after the third distinct barcode", func() {
			for _, code := range []string{"A", "B", "C"} {
				clock.Advance(time.Second)
				Expect(scanner.ProcessScan(scan(code), "").Accepted).To(BeTrue())
			}

			got, ok := scanner.Session(sess.ID)
			Expect(ok).To(BeTrue())
			Expect(got.Status).To(Equal(StatusCompleted))
			_, ok = scanner.ActiveSession()
			Expect(ok).To(BeFalse())

			Expect(summaries).To(HaveLen(1))
			Expect(summaries[0].TotalScans).To(Equal(3))
			Expect(summaries[0].Duration).To(Equal(3 * time.Second))
			Expect(summaries[0].ScansPerSecond).To(BeNumerically("~", 1, 0.001))
		})

		It("estimates the time to completion", func() {
			clock.Advance(time.Second)
			scanner.ProcessScan(scan("A"), "")
			clock.Advance(time.Second)
			stats, _ := scanner.Stats("")
			Expect(stats.AverageRate).To(BeNumerically("~", 0.5, 0.001))
			Expect(stats.EstimatedCompletion).NotTo(BeNil())
			Expect(*stats.EstimatedCompletion).To(Equal(4 * time.Second))
		})

		It("keeps a completed session's scans in line with its summary", func() {
			for _, code := range []string{"A", "B", "C"} {
				clock.Advance(time.Second)
				scanner.ProcessScan(scan(code), "")
			}

			_, ok := scanner.UndoLastScan(sess.ID)
			Expect(ok).To(BeFalse())
			Expect(scanner.ClearScans(sess.ID)).To(BeFalse())

			sum, _ := scanner.CompleteBatch(sess.ID)
			Expect(sum.TotalScans).To(Equal(3))
			Expect(scanner.Scans(sess.ID)).To(HaveLen(sum.TotalScans))
		})

		It("completes an open session when a new one starts", func() {
			scanner.ProcessScan(scan("A"), "")
			clock.Advance(time.Second)

			next := scanner.StartBatch(DefaultConfig())

			old, _ := scanner.Session(sess.ID)
			Expect(old.Status).To(Equal(StatusCompleted))
			Expect(summaries).To(HaveLen(1))
			Expect(summaries[0].SessionID).To(Equal(sess.ID))
			Expect(summaries[0].TotalScans).To(Equal(1))

			active, ok := scanner.ActiveSession()
			Expect(ok).To(BeTrue())
			Expect(active.ID).To(Equal(next.ID))
		})

		It("returns the same summary when completed twice", func() {
			scanner.ProcessScan(scan("A"), "")
			clock.Advance(2 * time.Second)
			first, ok := scanner.CompleteBatch(sess.ID)
			Expect(ok).To(BeTrue())
			Expect(first.TotalScans).To(Equal(1))

			clock.Advance(time.Minute)
			second, ok := scanner.CompleteBatch(sess.ID)
			Expect(ok).To(BeTrue())
			Expect(second).To(Equal(first))
			Expect(summaries).To(HaveLen(1))
		})
	})

	Describe("finishing", func() {
		var sess Session

		BeforeEach(func() {
			sess = scanner.StartBatch(DefaultConfig())
			scanner.ProcessScan(scan("A"), "")
		})

		It("makes the summary total match the stored scans", func() {
			clock.Advance(time.Second)
			scanner.ProcessScan(scan("B"), "")
			clock.Advance(time.Second)
			scanner.ProcessScan(scan("A"), "")
			sum, ok := scanner.CompleteBatch("")
			Expect(ok).To(BeTrue())
			Expect(sum.TotalScans).To(Equal(len(scanner.Scans(sess.ID))))
			Expect(sum.UniqueBarcodes).To(Equal(2))
			Expect(sum.Duplicates).To(Equal(1))
		})

		It("cancels into a terminal state", func() {
			Expect(scanner.CancelBatch("")).To(BeTrue())
			got, _ := scanner.Session(sess.ID)
			Expect(got.Status).To(Equal(StatusCancelled))
			Expect(scanner.ResumeBatch(sess.ID)).To(BeFalse())
			Expect(scanner.ProcessScan(scan("B"), sess.ID).Reason).To(Equal(barcode.ReasonSessionNotActive))

			Expect(scanner.CancelBatch(sess.ID)).To(BeTrue())
			sum, ok := scanner.CompleteBatch(sess.ID)
			Expect(ok).To(BeTrue())
			Expect(sum.Status).To(Equal(StatusCancelled))
		})

		It("reports nothing to complete without a session", func() {
			scanner.CancelBatch("")
			_, ok := scanner.CompleteBatch("")
			Expect(ok).To(BeFalse())
		})
	})

	Describe("editing scans", func() {
		BeforeEach(func() {
			scanner.StartBatch(DefaultConfig())
			for _, code := range []string{"A", "B", "C", "D", "E", "F"} {
				scanner.ProcessScan(scan(code), "")
			}
		})

		It("undoes only the last scan", func() {
			last, ok := scanner.UndoLastScan("")
			Expect(ok).To(BeTrue())
			Expect(last.Barcode).To(Equal("F"))
			Expect(scanner.Scans("")).To(HaveLen(5))
			Expect(scanner.Scans("")[4].Barcode).To(Equal("E"))
		})

		It("returns recent scans", func() {
			recent := scanner.RecentScans(0, "")
			Expect(recent).To(HaveLen(5))
			Expect(recent[0].Barcode).To(Equal("B"))
			Expect(scanner.RecentScans(2, "")).To(HaveLen(2))
		})

		It("refuses edits once the session is cancelled", func() {
			Expect(scanner.CancelBatch("")).To(BeTrue())
			sess := scanner.AllSessions()[0]
			_, ok := scanner.UndoLastScan(sess.ID)
			Expect(ok).To(BeFalse())
			Expect(scanner.ClearScans(sess.ID)).To(BeFalse())
			Expect(scanner.Scans(sess.ID)).To(HaveLen(6))
		})

		It("clears scans", func() {
			Expect(scanner.ClearScans("")).To(BeTrue())
			Expect(scanner.Scans("")).To(BeEmpty())
			_, ok := scanner.UndoLastScan("")
			Expect(ok).To(BeFalse())
		})
	})

	It("clears finished sessions only", func() {
		scanner.StartBatch(DefaultConfig())
		scanner.CompleteBatch("")
		scanner.StartBatch(DefaultConfig())
		scanner.CancelBatch("")
		live := scanner.StartBatch(DefaultConfig())

		Expect(scanner.AllSessions()).To(HaveLen(3))
		Expect(scanner.ClearCompletedSessions()).To(Equal(2))
		all := scanner.AllSessions()
		Expect(all).To(HaveLen(1))
		Expect(all[0].ID).To(Equal(live.ID))

		scanner.Reset()
		Expect(scanner.AllSessions()).To(BeEmpty())
	})
})
