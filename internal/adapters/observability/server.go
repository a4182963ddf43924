// Package observability serves health probes, Prometheus metrics and the
// review webhook over HTTP.
package observability

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/eleven-am/flowgate/internal/adapters/health"
	"github.com/eleven-am/flowgate/internal/domain"
	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthProvider is satisfied by *health.Checker.
type HealthProvider interface {
	GetHealth(ctx context.Context) *health.Status
	IsReady(ctx context.Context) bool
}

type Server struct {
	config    domain.ServerConfig
	health    HealthProvider
	gatherer  prometheus.Gatherer
	webhook   http.Handler
	logger    *slog.Logger
	startTime time.Time

	mu     sync.Mutex
	server *http.Server
	addr   net.Addr
}

type HealthResponse struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Uptime     string            `json:"uptime"`
	Draining   bool              `json:"draining,omitempty"`
	Components map[string]string `json:"components,omitempty"`
}

type SystemMetrics struct {
	Runtime RuntimeMetrics `json:"runtime"`
	Memory  MemoryMetrics  `json:"memory"`
	Process ProcessMetrics `json:"process"`
}

type RuntimeMetrics struct {
	GoVersion    string `json:"go_version"`
	GOOS         string `json:"goos"`
	GOARCH       string `json:"goarch"`
	NumCPU       int    `json:"num_cpu"`
	NumGoroutine int    `json:"num_goroutine"`
}

type MemoryMetrics struct {
	Alloc        uint64 `json:"alloc_bytes"`
	Sys          uint64 `json:"sys_bytes"`
	HeapAlloc    uint64 `json:"heap_alloc_bytes"`
	HeapObjects  uint64 `json:"heap_objects"`
	NumGC        uint32 `json:"gc_cycles"`
	PauseTotalNs uint64 `json:"gc_pause_total_ns"`
}

type ProcessMetrics struct {
	PID    int           `json:"pid"`
	Uptime time.Duration `json:"uptime_ns"`
}

// NewServer wires the routes. gatherer and webhook are optional; without
// them /metrics and the webhook path are not mounted.
func NewServer(config domain.ServerConfig, health HealthProvider, gatherer prometheus.Gatherer, webhook http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		config:    withDefaults(config),
		health:    health,
		gatherer:  gatherer,
		webhook:   webhook,
		logger:    logger.With("component", "observability-server"),
		startTime: time.Now(),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/live", s.handleLive)
	mux.HandleFunc("/debug/vars", s.handleDebugVars)
	if s.config.EnableMetrics && s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	if s.webhook != nil {
		mux.Handle(s.config.WebhookPath, s.webhook)
	}

	return s.withLogging(mux)
}

// Start listens and serves until ctx is cancelled, then shuts down.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", listenAddress(s.config))
	if err != nil {
		return err
	}

	server := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	s.mu.Lock()
	s.server = server
	s.addr = listener.Addr()
	s.mu.Unlock()

	s.logger.Info("starting observability server", "addr", listener.Addr().String(), "webhook_path", s.config.WebhookPath)

	serveErr := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			s.logger.Error("observability server error", "error", err)
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.logger.Info("shutting down observability server")
	return server.Shutdown(shutdownCtx)
}

// Addr is the bound listener address once Start is serving.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Uptime:    time.Since(s.startTime).String(),
	}

	code := http.StatusOK
	if s.health != nil {
		status := s.health.GetHealth(r.Context())
		response.Components = status.Components
		response.Draining = status.IsDraining
		if !status.Healthy {
			response.Status = "unhealthy"
			code = http.StatusServiceUnavailable
		}
	}

	writeJSON(w, code, response)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.health != nil && !s.health.IsReady(r.Context()) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("not ready"))
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("live"))
}

func (s *Server) handleDebugVars(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime":    time.Since(s.startTime).String(),
		"timestamp": time.Now(),
		"system":    s.collectSystemMetrics(),
	})
}

func (s *Server) collectSystemMetrics() SystemMetrics {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return SystemMetrics{
		Runtime: RuntimeMetrics{
			GoVersion:    runtime.Version(),
			GOOS:         runtime.GOOS,
			GOARCH:       runtime.GOARCH,
			NumCPU:       runtime.NumCPU(),
			NumGoroutine: runtime.NumGoroutine(),
		},
		Memory: MemoryMetrics{
			Alloc:        m.Alloc,
			Sys:          m.Sys,
			HeapAlloc:    m.HeapAlloc,
			HeapObjects:  m.HeapObjects,
			NumGC:        m.NumGC,
			PauseTotalNs: m.PauseTotalNs,
		},
		Process: ProcessMetrics{
			PID:    os.Getpid(),
			Uptime: time.Since(s.startTime),
		},
	}
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration", time.Since(start),
			"remote_addr", r.RemoteAddr,
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
