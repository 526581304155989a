// Package api implements the Oracle HTTP API: turn submission, the
// per-user voice event stream, turn status, audio download, memory
// ingestion, health and metrics.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/spiralogic/oracle/internal/buildinfo"
	"github.com/spiralogic/oracle/internal/connwatch"
	"github.com/spiralogic/oracle/internal/metrics"
)

// DefaultHeartbeat is the idle interval between event-stream keepalives.
const DefaultHeartbeat = 15 * time.Second

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Checker reports whether a dependency is reachable.
type Checker interface {
	Ping(ctx context.Context) error
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context) error

// Ping implements Checker.
func (f CheckerFunc) Ping(ctx context.Context) error { return f(ctx) }

// ProviderMonitor reports provider reachability for /health.
type ProviderMonitor interface {
	Status() []connwatch.Status
}

// Server is the HTTP API server.
type Server struct {
	address   string
	port      int
	heartbeat time.Duration

	turns     TurnSubmitter
	status    TurnReader
	voice     VoiceController
	events    EventSource
	audio     AudioResolver
	memory    *MemoryHandlers
	checks    map[string]Checker
	providers ProviderMonitor
	usage     UsageReader

	logger *slog.Logger

	mu       sync.Mutex
	server   *http.Server
	shutdown bool
}

// NewServer creates a new API server. Optional collaborators are set
// with the Set* methods; their routes answer 503 until configured.
func NewServer(address string, port int, turns TurnSubmitter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:   address,
		port:      port,
		heartbeat: DefaultHeartbeat,
		turns:     turns,
		checks:    make(map[string]Checker),
		logger:    logger.With("component", "api"),
	}
}

// SetHeartbeat sets the idle keepalive interval of event streams.
func (s *Server) SetHeartbeat(d time.Duration) {
	if d > 0 {
		s.heartbeat = d
	}
}

// SetTurnReader configures the turn status endpoint.
func (s *Server) SetTurnReader(r TurnReader) {
	s.status = r
}

// SetVoice configures voice task cancellation and queue health.
func (s *Server) SetVoice(v VoiceController) {
	s.voice = v
}

// SetEvents configures the event stream endpoints.
func (s *Server) SetEvents(e EventSource) {
	s.events = e
}

// SetAudio configures the audio download endpoint.
func (s *Server) SetAudio(a AudioResolver) {
	s.audio = a
}

// SetMemory configures the memory ingestion and stats endpoints.
func (s *Server) SetMemory(m *MemoryHandlers) {
	s.memory = m
}

// SetProviders reports provider reachability on /health. An
// unreachable provider does not degrade health; the fallback chain
// covers it.
func (s *Server) SetProviders(p ProviderMonitor) {
	s.providers = p
}

// AddCheck registers a dependency reported by /health.
func (s *Server) AddCheck(name string, c Checker) {
	s.checks[name] = c
}

// Handler returns the routed handler with logging and metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Turns
	mux.HandleFunc("POST /v1/turns", s.handleSubmitTurn)
	mux.HandleFunc("GET /v1/turns/{id}", s.handleGetTurn)
	mux.HandleFunc("GET /v1/sessions/{session_id}/turns", s.handleListSession)
	mux.HandleFunc("DELETE /v1/voice/{task_id}", s.handleCancelVoice)
	mux.HandleFunc("GET /v1/voice/{task_id}", s.handleVoiceStatus)

	// Push channels
	mux.HandleFunc("GET /v1/events", s.handleEventStream)
	mux.HandleFunc("GET /v1/events/ws", s.handleEventSocket)

	// Audio
	mux.HandleFunc("GET /v1/audio/{ref}", s.handleAudio)

	// Memory
	mux.HandleFunc("POST /v1/memory/journal", s.handleIngestJournal)
	mux.HandleFunc("POST /v1/memory/external", s.handleIngestExternal)
	mux.HandleFunc("PUT /v1/memory/profile", s.handleSetProfile)
	mux.HandleFunc("GET /v1/memory/stats", s.handleMemoryStats)

	// Usage
	mux.HandleFunc("GET /v1/usage", s.handleUsage)

	// Health endpoints
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /{$}", s.handleRoot)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return http.ErrServerClosed
	}
	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: event streams are long-lived and reset
		// their own deadlines.
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}
	srv := s.server
	s.mu.Unlock()

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return srv.ListenAndServe()
}

// Shutdown gracefully stops the server. A Start that has not run yet
// returns http.ErrServerClosed at once.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shutdown = true
	srv := s.server
	s.mu.Unlock()

	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// statusRecorder captures the response code for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach Flush, Hijack and the
// deadline setters of the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("hijack not supported")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		metrics.RequestCount.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		metrics.RequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())

		level := slog.LevelInfo
		if route == "GET /metrics" || route == "GET /health" {
			level = slog.LevelDebug
		}
		s.logger.Log(r.Context(), level, "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Oracle",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.RuntimeInfo(), s.logger)
}

// healthCheckTimeout bounds each dependency ping.
const healthCheckTimeout = 2 * time.Second

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	deps := make(map[string]string, len(s.checks))
	for name, c := range s.checks {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		err := c.Ping(ctx)
		cancel()
		if err != nil {
			deps[name] = err.Error()
			status = "degraded"
			continue
		}
		deps[name] = "ok"
	}

	body := map[string]any{
		"status":       status,
		"dependencies": deps,
		"uptime":       buildinfo.Uptime().Round(time.Second).String(),
	}
	if s.voice != nil {
		body["voice_queue_depth"] = s.voice.Depth()
		body["voice_tasks_pending"] = s.voice.Pending()
	}
	if s.events != nil {
		body["subscribers"] = s.events.SubscriberCount("")
	}
	if s.providers != nil {
		body["providers"] = s.providers.Status()
	}

	w.Header().Set("Content-Type", "application/json")
	if status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	writeJSON(w, body, s.logger)
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

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	return dec.Decode(v)
}

// maxBodyBytes bounds request bodies; journal uploads are the largest.
const maxBodyBytes = 4 << 20

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
