package frames

import (
	"image"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/scan-pipeline/internal/barcode"
)

func TestFrames(t *testing.T) {
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))

	RegisterFailHandler(Fail)
	RunSpecs(t, "Frames Suite")
}

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func result(code string, format barcode.Format, frame int) barcode.ScanResult {
	return barcode.ScanResult{Barcode: code, Format: format, Confidence: 80, FrameIndex: frame, Timestamp: t0}
}

func detected(code string) barcode.DetectedBarcode {
	return barcode.DetectedBarcode{ScanResult: result(code, barcode.FormatEAN13, 0)}
}

var _ = Describe("MultiFrame", func() {
	var (
		clock *barcode.ManualClock
		mf    *MultiFrame
	)

	BeforeEach(func() {
		clock = barcode.NewManualClock(t0)
		mf = NewMultiFrame(MultiFrameConfig{}, clock)
	})

	It("falls back to the default window", func() {
		Expect(mf.Config()).To(Equal(DefaultMultiFrameConfig()))
	})

	It("keeps only the newest frames", func() {
		for i := 0; i < 7; i++ {
			mf.AddFrame(Frame{Index: i, Timestamp: t0})
		}
		buf := mf.FrameBuffer()
		Expect(buf).To(HaveLen(5))
		Expect(buf[0].Index).To(Equal(2))
		mf.ClearBuffer()
		Expect(mf.FrameBuffer()).To(BeEmpty())
	})

	Describe("AggregateResults", func() {
		It("needs two agreeing frames for consensus", func() {
			Expect(mf.AggregateResults([]barcode.ScanResult{result("111", barcode.FormatEAN13, 0)})).To(BeEmpty())

			out := mf.AggregateResults([]barcode.ScanResult{
				result("111", barcode.FormatEAN13, 3),
				result("111", barcode.FormatEAN13, 1),
			})
			Expect(out).To(HaveLen(1))
			Expect(out[0].ConsensusReached).To(BeTrue())
			Expect(out[0].Confidence).To(Equal(40))
			Expect(out[0].FirstFrame).To(Equal(1))
			Expect(out[0].LastFrame).To(Equal(3))
		})

		It("penalises disagreeing formats", func() {
			out := mf.AggregateResults([]barcode.ScanResult{
				result("111", barcode.FormatEAN13, 0),
				result("111", barcode.FormatUPCA, 1),
			})
			Expect(out[0].Confidence).To(Equal(32))
			Expect(out[0].Formats).To(ConsistOf(barcode.FormatEAN13, barcode.FormatUPCA))
		})

		It("orders groups by confidence", func() {
			out := mf.AggregateResults([]barcode.ScanResult{
				result("a", barcode.FormatQR, 0),
				result("a", barcode.FormatQR, 1),
				result("b", barcode.FormatQR, 0),
				result("b", barcode.FormatQR, 1),
				result("b", barcode.FormatQR, 2),
			})
			Expect(out).To(HaveLen(2))
			Expect(out[0].Barcode).To(Equal("b"))
			Expect(out[0].Confidence).To(Equal(60))
		})
	})

	Describe("TrackBarcodes", func() {
		It("rewards re-sightings", func() {
			mf.TrackBarcodes([]barcode.DetectedBarcode{detected("A")})
			clock.Advance(100 * time.Millisecond)
			tracked := mf.TrackBarcodes([]barcode.DetectedBarcode{detected("A")})
			Expect(tracked).To(HaveLen(1))
			Expect(tracked[0].FrameCount).To(Equal(2))
			Expect(tracked[0].Confidence).To(Equal(85))
		})

		It("counts a code twice in one pass once", func() {
			tracked := mf.TrackBarcodes([]barcode.DetectedBarcode{detected("A"), detected("A")})
			Expect(tracked[0].FrameCount).To(Equal(1))
			Expect(tracked[0].Confidence).To(Equal(80))
		})

		It("caps the confidence at 100", func() {
			for i := 0; i < 10; i++ {
				mf.TrackBarcodes([]barcode.DetectedBarcode{detected("A")})
			}
			Expect(mf.TrackedBarcodes()[0].Confidence).To(Equal(100))
		})

		It("evicts barcodes unseen for more than three seconds", func() {
			mf.TrackBarcodes([]barcode.DetectedBarcode{detected("A")})
			clock.Advance(3 * time.Second)
			Expect(mf.TrackBarcodes(nil)).To(HaveLen(1))
			clock.Advance(time.Millisecond)
			Expect(mf.TrackBarcodes(nil)).To(BeEmpty())
		})

		It("starts over when a code returns after the staleness window", func() {
			mf.TrackBarcodes([]barcode.DetectedBarcode{detected("A")})
			mf.TrackBarcodes([]barcode.DetectedBarcode{detected("A")})
			clock.Advance(10 * time.Second)
			tracked := mf.TrackBarcodes([]barcode.DetectedBarcode{detected("A")})
			Expect(tracked).To(HaveLen(1))
			Expect(tracked[0].FrameCount).To(Equal(1))
			Expect(tracked[0].Confidence).To(Equal(80))
			Expect(tracked[0].FirstSeen).To(Equal(clock.Now()))
			Expect(mf.IsStationaryBarcode("A", 3)).To(BeFalse())
			Expect(mf.IsStationaryBarcode("A", 1)).To(BeTrue())
		})

		It("keeps a bounded position history", func() {
			for i := 0; i < 8; i++ {
				d := detected("A")
				d.Bounds = &barcode.Rect{X: float64(i), Width: 10, Height: 10}
				mf.TrackBarcodes([]barcode.DetectedBarcode{d})
			}
			positions := mf.TrackedBarcodes()[0].Positions
			Expect(positions).To(HaveLen(5))
			Expect(positions[4].X).To(Equal(7.0))
		})
	})

	Describe("IsStationaryBarcode", func() {
		It("requires consecutive passes including the latest", func() {
			mf.TrackBarcodes([]barcode.DetectedBarcode{detected("A")})
			mf.TrackBarcodes([]barcode.DetectedBarcode{detected("A")})
			Expect(mf.IsStationaryBarcode("A", 0)).To(BeFalse())

			mf.TrackBarcodes([]barcode.DetectedBarcode{detected("A")})
			Expect(mf.IsStationaryBarcode("A", 0)).To(BeTrue())

			mf.TrackBarcodes([]barcode.DetectedBarcode{detected("B")})
			Expect(mf.IsStationaryBarcode("A", 3)).To(BeFalse())

			mf.TrackBarcodes([]barcode.DetectedBarcode{detected("A")})
			Expect(mf.IsStationaryBarcode("A", 1)).To(BeTrue())
			Expect(mf.IsStationaryBarcode("A", 2)).To(BeFalse())
		})

		It("is false for unknown codes", func() {
			Expect(mf.IsStationaryBarcode("nope", 1)).To(BeFalse())
		})
	})

	Describe("ConfidenceScore", func() {
		It("adds a recency bonus", func() {
			mf.TrackBarcodes([]barcode.DetectedBarcode{detected("A")})
			Expect(mf.ConfidenceScore("A")).To(Equal(30))
			clock.Advance(1500 * time.Millisecond)
			Expect(mf.ConfidenceScore("A")).To(Equal(25))
			clock.Advance(time.Second)
			Expect(mf.ConfidenceScore("A")).To(Equal(20))
			Expect(mf.ConfidenceScore("B")).To(BeZero())
		})
	})

	It("resets everything", func() {
		mf.AddFrame(Frame{Timestamp: t0})
		mf.TrackBarcodes([]barcode.DetectedBarcode{detected("A")})
		mf.Reset()
		Expect(mf.FrameBuffer()).To(BeEmpty())
		Expect(mf.TrackedBarcodes()).To(BeEmpty())
	})
})

var _ = Describe("Quality", func() {
	It("scores a clean frame at 100", func() {
		q := AnalyzeQuality(Frame{Metadata: &Metadata{Width: 1280, Height: 720, LightLevel: LightLevel(0.8)}})
		Expect(q.Score).To(Equal(100))
		Expect(q.Issues).To(BeEmpty())
	})

	It("deducts for each issue", func() {
		q := AnalyzeQuality(Frame{Metadata: &Metadata{Width: 320, Height: 240, Orientation: 90, LightLevel: LightLevel(0.2)}})
		Expect(q.Score).To(Equal(55))
		Expect(q.Issues).To(HaveLen(3))
		Expect(q.Recommendations).To(HaveLen(3))
		Expect(IsSuitableForProcessing(Frame{Metadata: &Metadata{Orientation: 90, LightLevel: LightLevel(0.2)}}, 70)).To(BeTrue())
		Expect(IsSuitableForProcessing(Frame{Metadata: &Metadata{Width: 320, Height: 240, Orientation: 90, LightLevel: LightLevel(0.2)}}, 70)).To(BeFalse())
	})

	DescribeTable("FrameSimilarity",
		func(gap time.Duration, want float64) {
			a := Frame{Timestamp: t0}
			b := Frame{Timestamp: t0.Add(gap)}
			Expect(FrameSimilarity(a, b)).To(Equal(want))
			Expect(FrameSimilarity(b, a)).To(Equal(want))
		},
		Entry("near", 50*time.Millisecond, 0.95),
		Entry("short", 300*time.Millisecond, 0.80),
		Entry("medium", 700*time.Millisecond, 0.50),
		Entry("far", 2*time.Second, 0.20),
	)

	It("detects camera movement", func() {
		still := []Frame{{Timestamp: t0}, {Timestamp: t0.Add(30 * time.Millisecond)}, {Timestamp: t0.Add(60 * time.Millisecond)}}
		moving := []Frame{{Timestamp: t0}, {Timestamp: t0.Add(2 * time.Second)}}
		Expect(IsCameraMoving(still, 0.9)).To(BeFalse())
		Expect(IsCameraMoving(moving, 0.9)).To(BeTrue())
		Expect(IsCameraMoving(still[:1], 0.9)).To(BeFalse())
		Expect(AreSimilar(still[0], still[1], 0.9)).To(BeTrue())
	})
})

var _ = Describe("Optimizer", func() {
	var o *Optimizer

	BeforeEach(func() {
		o = NewOptimizer(DefaultSettings())
	})

	DescribeTable("AdjustFrameRate",
		func(m DeviceMetrics, want int) {
			Expect(o.AdjustFrameRate(m)).To(Equal(want))
			Expect(o.Settings().TargetFPS).To(Equal(want))
			Expect(o.Stats().FPSCeiling).To(Equal(want))
		},
		Entry("high tier", DeviceMetrics{Tier: TierHigh, BatteryLevel: Battery(100)}, 30),
		Entry("mid tier", DeviceMetrics{Tier: TierMid, BatteryLevel: Battery(100)}, 15),
		Entry("low tier in low-power mode", DeviceMetrics{Tier: TierLow, BatteryLevel: Battery(100), LowPowerMode: true}, 5),
		Entry("high tier in low-power mode", DeviceMetrics{Tier: TierHigh, BatteryLevel: Battery(100), LowPowerMode: true}, 15),
		Entry("high tier on low battery", DeviceMetrics{Tier: TierHigh, BatteryLevel: Battery(10)}, 21),
		Entry("low tier on low battery", DeviceMetrics{Tier: TierLow, BatteryLevel: Battery(10), LowPowerMode: true}, 5),
		Entry("high tier with no battery reading", DeviceMetrics{Tier: TierHigh}, 30),
		Entry("high tier on an empty battery", DeviceMetrics{Tier: TierHigh, BatteryLevel: Battery(0)}, 21),
	)

	It("skips frames too close to the last processed one", func() {
		settings := DefaultSettings()
		settings.EnableROI = false
		o.UpdateSettings(settings)

		_, ok := o.ProcessFrame(Frame{Timestamp: t0})
		Expect(ok).To(BeTrue())
		_, ok = o.ProcessFrame(Frame{Timestamp: t0.Add(20 * time.Millisecond)})
		Expect(ok).To(BeFalse())

		stats := o.Stats()
		Expect(stats.TotalFrames).To(Equal(2))
		Expect(stats.FramesSkipped).To(Equal(1))
		Expect(stats.SkipRate).To(Equal(0.5))
	})

	It("treats distant frames with matching metadata as similar", func() {
		a := Frame{Timestamp: t0, Metadata: &Metadata{LightLevel: LightLevel(0.5)}}
		b := Frame{Timestamp: t0.Add(time.Second), Metadata: &Metadata{LightLevel: LightLevel(0.55)}}
		c := Frame{Timestamp: t0.Add(time.Second), Metadata: &Metadata{LightLevel: LightLevel(0.9)}}
		Expect(optimizerSimilarity(a, b)).To(Equal(0.85))
		Expect(optimizerSimilarity(a, c)).To(Equal(0.30))
	})

	It("throttles to the target fps", func() {
		settings := DefaultSettings()
		settings.SkipSimilarFrames = false
		settings.EnableROI = false
		settings.TargetFPS = 10
		o.UpdateSettings(settings)

		_, ok := o.ProcessFrame(Frame{Timestamp: t0})
		Expect(ok).To(BeTrue())
		_, ok = o.ProcessFrame(Frame{Timestamp: t0.Add(20 * time.Millisecond)})
		Expect(ok).To(BeFalse())
		_, ok = o.ProcessFrame(Frame{Timestamp: t0.Add(120 * time.Millisecond)})
		Expect(ok).To(BeTrue())
		Expect(o.Stats().FramesThrottled).To(Equal(1))
	})

	It("downsamples and crops to the centre", func() {
		settings := DefaultSettings()
		settings.DownsampleFactor = 2
		o.UpdateSettings(settings)

		out, ok := o.ProcessFrame(Frame{Timestamp: t0, Data: imaging.New(100, 50, image.White.C)})
		Expect(ok).To(BeTrue())
		Expect(out.Data.Bounds().Dx()).To(Equal(20))
		Expect(out.Data.Bounds().Dy()).To(Equal(10))
		Expect(out.Metadata.Width).To(Equal(20))
		Expect(out.Metadata.Height).To(Equal(10))
	})

	It("crops to an explicit region", func() {
		roi := image.Rect(10, 10, 30, 20)
		out := o.CropToROI(Frame{Data: imaging.New(100, 50, image.Black.C)}, &roi)
		Expect(out.Data.Bounds().Size()).To(Equal(image.Pt(20, 10)))
		Expect(DefaultROI(1280, 720)).To(Equal(image.Rect(384, 216, 896, 504)))
	})

	It("converges when throughput stays low", func() {
		for i := 0; i < 20; i++ {
			o.AutoTune(1, 30)
		}
		s := o.Settings()
		Expect(s.DownsampleFactor).To(Equal(4.0))
		Expect(s.TargetFPS).To(Equal(5))
		Expect(s.SkipSimilarFrames).To(BeTrue())
		Expect(s.SimilarityThreshold).To(Equal(0.98))
	})

	It("recovers up to the ceiling when throughput is high", func() {
		o.AutoTune(1, 30)
		for i := 0; i < 20; i++ {
			o.AutoTune(100, 10)
		}
		s := o.Settings()
		Expect(s.DownsampleFactor).To(Equal(1.0))
		Expect(s.TargetFPS).To(Equal(30))
		Expect(s.SimilarityThreshold).To(Equal(0.90))
	})

	It("never raises fps on a low tier device", func() {
		o.AdjustFrameRate(DeviceMetrics{Tier: TierLow, BatteryLevel: Battery(100), LowPowerMode: true})
		for i := 0; i < 5; i++ {
			o.AutoTune(100, 10)
		}
		Expect(o.Settings().TargetFPS).To(Equal(5))
	})

	It("leaves settings alone within the tolerance band", func() {
		before := o.Settings()
		o.AutoTune(10, 10)
		Expect(o.Settings()).To(Equal(before))
	})

	It("clears counters on reset", func() {
		o.ProcessFrame(Frame{Timestamp: t0})
		o.Reset()
		Expect(o.Stats().TotalFrames).To(BeZero())
		_, ok := o.ProcessFrame(Frame{Timestamp: t0})
		Expect(ok).To(BeTrue())
	})

	DescribeTable("EstimateDeviceTier",
		func(cores, mem int, want DeviceTier) {
			Expect(EstimateDeviceTier(cores, mem)).To(Equal(want))
		},
		Entry("high", 8, 8192, TierHigh),
		Entry("mid", 4, 3072, TierMid),
		Entry("low", 2, 1024, TierLow),
	)

	It("recommends settings per tier", func() {
		Expect(RecommendedSettings(TierLow).TargetFPS).To(Equal(5))
		Expect(RecommendedSettings(TierLow).DownsampleFactor).To(Equal(2.0))
		Expect(RecommendedSettings(TierHigh).TargetFPS).To(Equal(30))
	})
})
