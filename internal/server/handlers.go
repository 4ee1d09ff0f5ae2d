package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/zombor/scan-pipeline/internal/batch"
	"github.com/zombor/scan-pipeline/internal/detector"
	"github.com/zombor/scan-pipeline/internal/frames"
	"github.com/zombor/scan-pipeline/internal/scanner"
)

const maxFrameSize = int64(50 << 20)

// corsError writes an error response with CORS headers set
func corsError(w http.ResponseWriter, message string, code int) {
	setCORSHeaders(w)
	http.Error(w, message, code)
}

// jsonError writes a JSON error body with CORS headers set
func jsonError(w http.ResponseWriter, message string, code int) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// decodeBody decodes an optional JSON body into v. An empty body leaves v
// untouched.
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// sessionID maps the "active" path segment to the active session
func sessionID(r *http.Request) string {
	id := r.PathValue("id")
	if id == "active" {
		return ""
	}
	return id
}

type scanRequest struct {
	Barcode    string `json:"barcode"`
	Format     string `json:"format"`
	Confidence *int   `json:"confidence,omitempty"`
}

func (s *Server) handleSubmitScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	out := s.service.SubmitScan(r.Context(), req.Barcode, req.Format, req.Confidence)
	code := http.StatusOK
	if out.Accepted() {
		code = http.StatusCreated
	}
	writeJSON(w, code, out)
}

func (s *Server) handleListScans(w http.ResponseWriter, r *http.Request) {
	entries, err := s.service.ListScans()
	if err != nil {
		slog.Error("Error listing scans", "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// readFrame reads a frame from a multipart "file" field or the raw body
func readFrame(r *http.Request) ([]byte, string, error) {
	ct := r.Header.Get("Content-Type")
	if !strings.HasPrefix(ct, "multipart/form-data") {
		data, err := io.ReadAll(io.LimitReader(r.Body, maxFrameSize))
		return data, ct, err
	}

	if err := r.ParseMultipartForm(maxFrameSize); err != nil {
		return nil, "", err
	}
	f, header, err := r.FormFile("file")
	if err != nil {
		return nil, "", err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, "", err
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		switch strings.ToLower(filepath.Ext(header.Filename)) {
		case ".jpg", ".jpeg":
			contentType = "image/jpeg"
		case ".png":
			contentType = "image/png"
		case ".pdf":
			contentType = "application/pdf"
		case ".heic":
			contentType = "image/heic"
		case ".heif":
			contentType = "image/heif"
		}
	}
	return data, strings.ToLower(strings.TrimSpace(contentType)), nil
}

func (s *Server) handleProcessFrame(w http.ResponseWriter, r *http.Request) {
	data, contentType, err := readFrame(r)
	if err != nil {
		slog.Error("Error reading frame", "error", err)
		jsonError(w, "No frame provided", http.StatusBadRequest)
		return
	}
	if len(data) == 0 {
		jsonError(w, "No frame provided", http.StatusBadRequest)
		return
	}

	img, err := detector.LoadImage(data, contentType)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	out, err := s.service.ProcessFrame(r.Context(), frames.Frame{Data: img})
	if err != nil {
		slog.Error("Error processing frame", "frame", out.Index, "error", err)
		jsonError(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleFrameStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"optimizer": s.service.FrameStats(),
		"tracked":   s.service.Tracked(),
	})
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	var m frames.DeviceMetrics
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		jsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	fps := s.service.AdjustForDevice(m)
	writeJSON(w, http.StatusOK, map[string]any{
		"target_fps": fps,
		"stats":      s.service.FrameStats(),
	})
}

func (s *Server) handleScannerConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.ScannerConfig())
}

type presetRequest struct {
	Preset string `json:"preset"`
	Mode   string `json:"mode"`
}

func (s *Server) handleLoadPreset(w http.ResponseWriter, r *http.Request) {
	var req presetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Preset != "" {
		if err := s.service.LoadPreset(req.Preset); err != nil {
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	if req.Mode != "" {
		mode, err := scanner.ParseMode(req.Mode)
		if err != nil {
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.service.SetMode(mode)
	}
	writeJSON(w, http.StatusOK, s.service.ScannerConfig())
}

func (s *Server) handleAddKnown(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Barcodes []string `json:"barcodes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	s.service.AddKnownBarcodes(req.Barcodes...)
	w.WriteHeader(http.StatusNoContent)
}

type batchRequest struct {
	CooldownMS            *int    `json:"duplicate_cooldown_ms,omitempty"`
	AutoCompleteThreshold int     `json:"auto_complete_threshold,omitempty"`
	TargetRate            float64 `json:"target_rate,omitempty"`
	AllowDuplicates       bool    `json:"allow_duplicates"`
	ValidateScans         *bool   `json:"validate_scans,omitempty"`
}

func (req batchRequest) config() batch.Config {
	cfg := batch.DefaultConfig()
	if req.CooldownMS != nil {
		cfg.DuplicateCooldown = time.Duration(*req.CooldownMS) * time.Millisecond
	}
	cfg.AutoCompleteThreshold = req.AutoCompleteThreshold
	cfg.TargetRate = req.TargetRate
	cfg.AllowDuplicates = req.AllowDuplicates
	if req.ValidateScans != nil {
		cfg.ValidateScans = *req.ValidateScans
	}
	return cfg
}

func (s *Server) handleStartBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decodeBody(r, &req); err != nil {
		jsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, s.service.StartBatch(req.config()))
}

type batchResponse struct {
	Session batch.Session `json:"session"`
	Stats   *batch.Stats  `json:"stats,omitempty"`
}

func (s *Server) handleActiveBatch(w http.ResponseWriter, r *http.Request) {
	sess, stats, ok := s.service.ActiveBatch()
	if !ok {
		corsError(w, "No active batch session", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, batchResponse{Session: sess, Stats: &stats})
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.service.Batch(r.PathValue("id"))
	if !ok {
		corsError(w, "Batch session not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, batchResponse{Session: sess})
}

func (s *Server) handleBatchAction(w http.ResponseWriter, r *http.Request) {
	sess, found := s.service.Batch(sessionID(r))
	if !found {
		corsError(w, "Batch session not found", http.StatusNotFound)
		return
	}

	var ok bool
	switch r.PathValue("action") {
	case "pause":
		ok = s.service.PauseBatch(sess.ID)
	case "resume":
		ok = s.service.ResumeBatch(sess.ID)
	case "cancel":
		ok = s.service.CancelBatch(sess.ID)
	case "complete":
		sum, _ := s.service.CompleteBatch(sess.ID)
		writeJSON(w, http.StatusOK, sum)
		return
	default:
		corsError(w, "Unknown batch action", http.StatusNotFound)
		return
	}
	if !ok {
		corsError(w, "Batch session is "+string(sess.Status), http.StatusConflict)
		return
	}

	sess, _ = s.service.Batch(sess.ID)
	writeJSON(w, http.StatusOK, batchResponse{Session: sess})
}

func (s *Server) handleUndoLastScan(w http.ResponseWriter, r *http.Request) {
	scan, ok := s.service.UndoLastScan(sessionID(r))
	if !ok {
		corsError(w, "No scan to undo", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, scan)
}

func (s *Server) handleListSummaries(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.service.ListSummaries()
	if err != nil {
		slog.Error("Error listing batch summaries", "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": s.service.QueueStatus(),
		"items":  s.service.QueueItems(),
	})
}

func (s *Server) handleProcessQueue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.ProcessQueue(r.Context()))
}

func (s *Server) handleRetryQueue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"retried": s.service.RetryFailed()})
}

func (s *Server) handleWorkerStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.WorkerStats())
}
