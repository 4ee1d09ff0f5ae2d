package main

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/scan-pipeline/internal/barcode"
	"github.com/zombor/scan-pipeline/internal/detector"
	"github.com/zombor/scan-pipeline/internal/journal"
	"github.com/zombor/scan-pipeline/internal/pipeline"
	"github.com/zombor/scan-pipeline/internal/scanner"
	"github.com/zombor/scan-pipeline/internal/server"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	defaults := pipeline.DefaultConfig()

	fs := ff.NewFlagSet("scanpipe")
	var (
		port         = fs.IntLong("port", 8080, "HTTP server port")
		dbPath       = fs.StringLong("db", "scanpipe.db", "Scan journal file path")
		archivePath  = fs.StringLong("archive", "", "Directory for frames with no readable code (disabled if empty)")
		detectorKind = fs.StringLong("detector", "native", "Detector: 'native', 'gemini' or 'ollama'")
		formats      = fs.StringLong("formats", "", "Comma separated formats for the native detector (default all)")
		geminiKey    = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel  = fs.StringLong("gemini-model", "gemini-2.5-pro", "Google Gemini model name")
		ollamaURL    = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel  = fs.StringLong("ollama-model", "llava", "Ollama model name")
		preset       = fs.StringLong("preset", "balanced", "Scanner preset: 'fast', 'balanced' or 'accurate'")
		mode         = fs.StringLong("mode", "single", "Scan mode: 'single', 'batch' or 'concurrent'")
		cooldown     = fs.DurationLong("cooldown", defaults.Scanner.Cooldown, "Repeat scan cooldown")
		lowConf      = fs.IntLong("low-confidence", defaults.LowConfidence, "Confidence below which reads are repaired or confirmed")
		rejectBad    = fs.BoolLong("reject-unrecovered", "Drop low-confidence reads that cannot be repaired")
		stationary   = fs.IntLong("stationary-frames", 0, "Frames a code must hold still before it is accepted (0 disables)")
		queueSize    = fs.IntLong("queue-size", defaults.Queue.MaxQueueSize, "Maximum queued scans")
		queueCool    = fs.DurationLong("queue-cooldown", defaults.Queue.Cooldown, "Queue duplicate cooldown")
		autoProcess  = fs.BoolLong("auto-process", "Write queued scans to the journal automatically")
		queueDelay   = fs.DurationLong("queue-delay", defaults.Queue.ProcessingDelay, "Delay between automatic queue runs")
		workers      = fs.IntLong("workers", defaults.Workers.MaxWorkers, "Worker pool size")
		taskTimeout  = fs.DurationLong("task-timeout", defaults.Workers.TaskTimeout, "Worker task timeout")
		targetFPS    = fs.IntLong("fps", defaults.Optimizer.TargetFPS, "Target frames per second")
		authUser     = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass     = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		showVersion  = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("SCANPIPE"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	cfg := defaults
	scanCfg, err := scanner.Preset(*preset)
	if err != nil {
		slog.Error("Invalid scanner preset", "error", err)
		os.Exit(1)
	}
	scanCfg.Mode, err = scanner.ParseMode(*mode)
	if err != nil {
		slog.Error("Invalid scan mode", "error", err)
		os.Exit(1)
	}
	scanCfg.Cooldown = *cooldown
	cfg.Scanner = scanCfg
	cfg.LowConfidence = *lowConf
	cfg.RejectUnrecovered = *rejectBad
	cfg.StationaryFrames = *stationary
	cfg.ArchiveUnread = *archivePath != ""
	cfg.Queue.MaxQueueSize = *queueSize
	cfg.Queue.Cooldown = *queueCool
	cfg.Queue.AutoProcess = *autoProcess
	cfg.Queue.ProcessingDelay = *queueDelay
	cfg.Workers.MaxWorkers = *workers
	cfg.Workers.TaskTimeout = *taskTimeout
	cfg.Optimizer.TargetFPS = *targetFPS

	slog.Info("Initializing scan journal...", "path", *dbPath)
	db, err := journal.NewBoltDB(*dbPath)
	if err != nil {
		slog.Error("Failed to initialize scan journal", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	var archive journal.Archive
	if *archivePath != "" {
		archive, err = journal.NewLocalArchive(*archivePath)
		if err != nil {
			slog.Error("Failed to initialize frame archive", "error", err)
			os.Exit(1)
		}
	}

	apiKey := *geminiKey
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	slog.Info("Initializing detector...", "detector", *detectorKind)
	det, err := detector.New(detector.Config{
		Kind:         detector.Kind(*detectorKind),
		Formats:      parseFormats(*formats),
		GeminiAPIKey: apiKey,
		GeminiModel:  *geminiModel,
		OllamaURL:    *ollamaURL,
		OllamaModel:  *ollamaModel,
	})
	if err != nil {
		slog.Error("Failed to initialize detector", "error", err)
		os.Exit(1)
	}
	defer det.Close()

	service := pipeline.NewService(cfg, det, db, archive)
	defer service.Close()

	basicAuth := server.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	}
	srv := server.NewServer(service, basicAuth)

	addr := fmt.Sprintf(":%d", *port)
	go func() {
		if err := srv.Start(addr); err != nil {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr), "mode", cfg.Scanner.Mode)
	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("Shutting down...")
}

func parseFormats(list string) []barcode.Format {
	table := barcode.NewFormatTable(nil)
	var out []barcode.Format
	for _, name := range strings.Split(list, ",") {
		if strings.TrimSpace(name) == "" {
			continue
		}
		f := table.Normalize(name)
		if f == barcode.FormatUnknown {
			slog.Warn("Ignoring unknown barcode format", "format", name)
			continue
		}
		out = append(out, f)
	}
	return out
}
