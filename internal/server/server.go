// Package server exposes the scan pipeline over HTTP.
package server

import (
	"encoding/base64"
	"log/slog"
	"net/http"
	"strings"

	"github.com/zombor/scan-pipeline/internal/pipeline"
)

// Server handles HTTP requests for the scan pipeline
type Server struct {
	service   *pipeline.Service
	basicAuth BasicAuth
	mux       *http.ServeMux
}

// BasicAuth holds basic authentication credentials
type BasicAuth struct {
	Username string
	Password string
}

// NewServer creates a new Server with default mux
func NewServer(service *pipeline.Service, basicAuth BasicAuth) *Server {
	return NewServerWithMux(service, basicAuth, http.NewServeMux())
}

// NewServerWithMux creates a new Server with a custom mux for testing
func NewServerWithMux(service *pipeline.Service, basicAuth BasicAuth, mux *http.ServeMux) *Server {
	s := &Server{
		service:   service,
		basicAuth: basicAuth,
		mux:       mux,
	}
	s.registerRoutes()
	return s
}

func (s *Server) authenticate(r *http.Request) bool {
	if s.basicAuth.Username == "" && s.basicAuth.Password == "" {
		return true
	}

	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Basic ") {
		return false
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(auth, "Basic "))
	if err != nil {
		return false
	}

	credentials := strings.SplitN(string(decoded), ":", 2)
	if len(credentials) != 2 {
		return false
	}

	return credentials[0] == s.basicAuth.Username && credentials[1] == s.basicAuth.Password
}

// corsMiddleware answers preflight requests and sets CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authenticate(r) {
			w.Header().Set("WWW-Authenticate", `Basic realm="Scan Pipeline"`)
			corsError(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// registerRoutes registers all API routes on the server's mux
func (s *Server) registerRoutes() {
	// Scans and frames
	s.mux.HandleFunc("POST /api/scans", s.requireAuth(s.handleSubmitScan))
	s.mux.HandleFunc("GET /api/scans", s.requireAuth(s.handleListScans))
	s.mux.HandleFunc("GET /api/frames/stats", s.requireAuth(s.handleFrameStats))
	s.mux.HandleFunc("POST /api/frames", s.requireAuth(s.handleProcessFrame))
	s.mux.HandleFunc("POST /api/device", s.requireAuth(s.handleDevice))

	// Scanner configuration
	s.mux.HandleFunc("GET /api/scanner", s.requireAuth(s.handleScannerConfig))
	s.mux.HandleFunc("POST /api/scanner/preset", s.requireAuth(s.handleLoadPreset))
	s.mux.HandleFunc("POST /api/scanner/known", s.requireAuth(s.handleAddKnown))

	// Batches (most specific paths first)
	s.mux.HandleFunc("DELETE /api/batches/{id}/scans/last", s.requireAuth(s.handleUndoLastScan))
	s.mux.HandleFunc("POST /api/batches/{id}/{action}", s.requireAuth(s.handleBatchAction))
	s.mux.HandleFunc("GET /api/batches/active", s.requireAuth(s.handleActiveBatch))
	s.mux.HandleFunc("GET /api/batches/summaries", s.requireAuth(s.handleListSummaries))
	s.mux.HandleFunc("GET /api/batches/{id}", s.requireAuth(s.handleGetBatch))
	s.mux.HandleFunc("POST /api/batches", s.requireAuth(s.handleStartBatch))

	// Queue and workers
	s.mux.HandleFunc("POST /api/queue/process", s.requireAuth(s.handleProcessQueue))
	s.mux.HandleFunc("POST /api/queue/retry", s.requireAuth(s.handleRetryQueue))
	s.mux.HandleFunc("GET /api/queue", s.requireAuth(s.handleQueueStatus))
	s.mux.HandleFunc("GET /api/workers", s.requireAuth(s.handleWorkerStats))
}

// Handler returns the mux wrapped with CORS handling
func (s *Server) Handler() http.Handler {
	return s.corsMiddleware(s.mux)
}

// Start starts the HTTP server
func (s *Server) Start(addr string) error {
	slog.Info("Starting server", "address", addr)
	return http.ListenAndServe(addr, s.Handler())
}

// ServeHTTP implements http.Handler for testing
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}
