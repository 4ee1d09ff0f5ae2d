package server

import (
	"bytes"
	"image"
	"image/png"
	"net/http"
	"path/filepath"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/scan-pipeline/internal/detector"
	"github.com/zombor/scan-pipeline/internal/journal"
	"github.com/zombor/scan-pipeline/internal/pipeline"
)

var _ = Describe("Integration", func() {
	var (
		db       *journal.BoltDB
		archive  *journal.LocalArchive
		service  *pipeline.Service
		server   *Server
		ghServer *ghttp.Server
	)

	BeforeEach(func() {
		dir := GinkgoT().TempDir()
		var err error
		db, err = journal.NewBoltDB(filepath.Join(dir, "journal.db"))
		Expect(err).NotTo(HaveOccurred())
		archive, err = journal.NewLocalArchive(filepath.Join(dir, "frames"))
		Expect(err).NotTo(HaveOccurred())

		cfg := pipeline.DefaultConfig()
		cfg.Optimizer.EnableROI = false
		cfg.Optimizer.SkipSimilarFrames = false
		cfg.ArchiveUnread = true
		cfg.Scanner.Enhancement = false
		cfg.Scanner.LowLight = false

		service = pipeline.NewService(cfg, detector.NewNative(nil), db, archive)
		server = NewServer(service, BasicAuth{})
		ghServer = ghttp.NewServer()
	})

	AfterEach(func() {
		ghServer.Close()
		service.Close()
		db.Close()
	})

	encode := func(img image.Image) *bytes.Reader {
		var buf bytes.Buffer
		Expect(png.Encode(&buf, img)).To(Succeed())
		return bytes.NewReader(buf.Bytes())
	}

	It("decodes an uploaded frame and journals the scan", func() {
		ghServer.AppendHandlers(
			server.ServeHTTP, // frame upload
			server.ServeHTTP, // queue processing
			server.ServeHTTP, // journal listing
		)

		matrix, err := qrcode.NewQRCodeWriter().Encode("BIN-0042", gozxing.BarcodeFormat_QR_CODE, 240, 240, nil)
		Expect(err).NotTo(HaveOccurred())

		resp, err := http.Post(ghServer.URL()+"/api/frames", "image/png", encode(matrix))
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		var out pipeline.FrameOutcome
		decode(resp, &out)
		Expect(out.Accepted).To(HaveLen(1))
		Expect(out.Accepted[0].Barcode).To(Equal("BIN-0042"))
		Expect(out.Accepted[0].Bounds).NotTo(BeNil())
		Expect(out.Highlights).To(HaveLen(1))

		resp, err = http.Post(ghServer.URL()+"/api/queue/process", "application/json", nil)
		Expect(err).NotTo(HaveOccurred())
		resp.Body.Close()

		resp, err = http.Get(ghServer.URL() + "/api/scans")
		Expect(err).NotTo(HaveOccurred())
		var entries []journal.Entry
		decode(resp, &entries)
		Expect(entries).To(HaveLen(1))
		Expect(entries[0].Scan.Barcode).To(Equal("BIN-0042"))
	})

	It("archives frames with no readable code", func() {
		ghServer.AppendHandlers(server.ServeHTTP)

		blank := image.NewGray(image.Rect(0, 0, 64, 48))
		for i := range blank.Pix {
			blank.Pix[i] = 200
		}
		resp, err := http.Post(ghServer.URL()+"/api/frames", "image/png", encode(blank))
		Expect(err).NotTo(HaveOccurred())
		var out pipeline.FrameOutcome
		decode(resp, &out)
		Expect(out.Detections).To(BeZero())
		Expect(out.Archived).NotTo(BeEmpty())

		names, err := archive.List()
		Expect(err).NotTo(HaveOccurred())
		Expect(names).To(ConsistOf(out.Archived))
	})
})
