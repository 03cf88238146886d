// Package status is the daemon's local HTTP surface:
//
//	GET  /healthz  liveness of the re-probe loop
//	GET  /status   latest probe event and driver state
//	POST /probe    run a probe round now (rate limited)
//	GET  /ws       websocket stream of probe events
//	GET  /metrics  Prometheus metrics
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/doughall/rootprobe/internal/driver"
	"github.com/doughall/rootprobe/internal/monitor"
	"github.com/doughall/rootprobe/internal/version"
)

var rateLimitRejects = promauto.NewCounter(prometheus.CounterOpts{
	Name: "rootprobe_status_rate_limit_rejects_total",
	Help: "POST /probe requests rejected by the rate limiter",
})

// Monitor is the part of *monitor.Monitor the server uses.
type Monitor interface {
	Check(ctx context.Context, reason string) monitor.Event
	Last() (monitor.Event, bool)
	Healthy() bool
}

// Config configures a Server.
type Config struct {
	Addr string
	// ProbeRate and ProbeBurst limit POST /probe.
	ProbeRate       rate.Limit
	ProbeBurst      int
	ShutdownTimeout time.Duration
}

// DefaultConfig allows one manual probe every ten seconds.
func DefaultConfig(addr string) Config {
	return Config{
		Addr:            addr,
		ProbeRate:       rate.Every(10 * time.Second),
		ProbeBurst:      1,
		ShutdownTimeout: 5 * time.Second,
	}
}

// Server serves the status endpoints.
type Server struct {
	config     Config
	monitor    Monitor
	handle     *driver.Handle
	hub        *Hub
	limiter    *rate.Limiter
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a Server. Register Hub() as a monitor sink to feed /ws.
func NewServer(cfg Config, m Monitor, h *driver.Handle, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "status"))
	s := &Server{
		config:  cfg,
		monitor: m,
		handle:  h,
		hub:     NewHub(logger),
		limiter: rate.NewLimiter(cfg.ProbeRate, cfg.ProbeBurst),
		logger:  logger,
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Hub returns the websocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /probe", s.rateLimit(s.handleProbe))
	mux.HandleFunc("GET /ws", s.hub.ServeWS(s.monitor.Last))
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// Serve accepts connections on l until Shutdown.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("status server listening", slog.String("addr", l.Addr().String()))
	if err := s.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe listens on the configured address.
func (s *Server) ListenAndServe() error {
	l, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.Addr, err)
	}
	return s.Serve(l)
}

// Shutdown closes websocket clients and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	if s.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.ShutdownTimeout)
		defer cancel()
	}
	return s.httpServer.Shutdown(ctx)
}

// HealthResponse is the body of /healthz.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{Status: "healthy", Timestamp: time.Now()}
	code := http.StatusOK
	if !s.monitor.Healthy() {
		resp.Status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, resp)
}

// StatusResponse is the body of /status.
type StatusResponse struct {
	Version   string         `json:"version"`
	Available bool           `json:"available"`
	Driver    driver.State   `json:"driver"`
	Last      *monitor.Event `json:"last,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := StatusResponse{
		Version:   version.Version,
		Driver:    s.handle.Snapshot(),
		Available: s.handle.Loaded(),
	}
	if ev, ok := s.monitor.Last(); ok {
		resp.Last = &ev
		resp.Available = ev.Available
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleProbe(w http.ResponseWriter, r *http.Request) {
	ev := s.monitor.Check(r.Context(), monitor.ReasonManual)
	respondJSON(w, http.StatusOK, ev)
}

func (s *Server) rateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			rateLimitRejects.Inc()
			w.Header().Set("Retry-After", "10")
			respondJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}
		next(w, r)
	}
}

func respondJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
