// Package api implements the HTTP read surface for reconciled
// conversation state and sliding-window retrieval.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/loomchat/loom/internal/buildinfo"
	"github.com/loomchat/loom/internal/conversation"
	"github.com/loomchat/loom/internal/events"
	"github.com/loomchat/loom/internal/keywords"
	"github.com/loomchat/loom/internal/window"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response,
// which is not actionable but worth tracking for debugging.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address   string
	port      int
	service   *conversation.Service
	retriever *window.Retriever
	indexer   *keywords.Indexer
	bus       *events.Bus
	logger    *slog.Logger
	server    *http.Server

	defaultWindowSize  int
	defaultMaxMessages int
}

// NewServer creates a new API server.
func NewServer(address string, port int, service *conversation.Service, retriever *window.Retriever, bus *events.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:   address,
		port:      port,
		service:   service,
		retriever: retriever,
		bus:       bus,
		logger:    logger,
	}
}

// SetIndexer configures the background keyword indexer used on the
// message append path. Optional; appends still work without it.
func (s *Server) SetIndexer(ix *keywords.Indexer) {
	s.indexer = ix
}

// SetRetrievalDefaults overrides the window size and message cap used
// when a window request does not specify its own. Zero values keep the
// retriever's built-in defaults.
func (s *Server) SetRetrievalDefaults(windowSize, maxMessages int) {
	s.defaultWindowSize = windowSize
	s.defaultMaxMessages = maxMessages
}

// routes builds the request mux. Split from Start so handler tests can
// exercise the full routing table without binding a port.
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	// Session endpoints
	mux.HandleFunc("GET /api/sessions", s.handleSessionList)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleSessionGet)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleSessionClear)

	// Reconciled history
	mux.HandleFunc("GET /api/sessions/{id}/history", s.handleHistory)
	mux.HandleFunc("GET /api/sessions/{id}/transcript", s.handleTranscript)

	// Sliding-window retrieval
	mux.HandleFunc("GET /api/sessions/{id}/window", s.handleWindow)
	mux.HandleFunc("GET /api/sessions/{id}/context", s.handleContext)

	// Checkpoint ingest from the agent runtime
	mux.HandleFunc("PUT /api/sessions/{id}/checkpoint", s.handleCheckpointPut)

	// Message log writes
	mux.HandleFunc("POST /api/sessions/{id}/messages", s.handleMessageAppend)
	mux.HandleFunc("DELETE /api/sessions/{id}/messages/{position}", s.handleMessageDelete)
	mux.HandleFunc("POST /api/sessions/{id}/reindex", s.handleReindex)

	// Operational endpoints
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /api/version", s.handleVersion)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /", s.handleRoot)

	return mux
}

// Start begins serving HTTP requests.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.withLogging(s.routes()),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Loom",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.RuntimeInfo(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}
