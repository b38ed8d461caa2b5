// Package server exposes process health: an HTTP endpoint with health, status,
// Prometheus metrics and the outbound event stream, and a gRPC health service.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"trade_gateway/internal/core"
	"trade_gateway/internal/gateway"
	"trade_gateway/pkg/telemetry"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SessionSource lists the running gateways. *gateway.Router satisfies it.
type SessionSource interface {
	Gateways() []*gateway.Gateway
}

// VenueStatus is one row of the /status response.
type VenueStatus struct {
	Venue      string    `json:"venue"`
	State      string    `json:"state"`
	Step       string    `json:"step,omitempty"`
	FrontID    string    `json:"front_id,omitempty"`
	SessionID  string    `json:"session_id,omitempty"`
	CaughtUp   bool      `json:"caught_up"`
	ReadyCount int       `json:"ready_count"`
	LiveOrders int       `json:"live_orders"`
	LastError  string    `json:"last_error,omitempty"`
	Since      time.Time `json:"since"`
}

type HealthServer struct {
	addr     string
	logger   core.ILogger
	hm       core.IHealthMonitor
	sessions SessionSource
	stream   http.Handler

	mu  sync.Mutex
	srv *http.Server
	lis net.Listener
}

func NewHealthServer(addr string, logger core.ILogger, hm core.IHealthMonitor, sessions SessionSource) *HealthServer {
	return &HealthServer{
		addr:     addr,
		logger:   logger.WithField("component", "health_server"),
		hm:       hm,
		sessions: sessions,
	}
}

// SetStream mounts the outbound event stream at /stream.
func (s *HealthServer) SetStream(h http.Handler) {
	s.mu.Lock()
	s.stream = h
	s.mu.Unlock()
}

// Handler returns the server's routes.
func (s *HealthServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Get("/status/{venue}", s.handleVenueStatus)
	r.Handle("/metrics", promhttp.Handler())
	s.mu.Lock()
	if s.stream != nil {
		r.Get("/stream", s.stream.ServeHTTP)
	}
	s.mu.Unlock()
	return r
}

// Start binds the listener and serves in the background.
func (s *HealthServer) Start() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.mu.Lock()
	s.srv, s.lis = srv, lis
	s.mu.Unlock()

	go func() {
		s.logger.Info("Starting health server", "addr", lis.Addr().String())
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Health server failed", "error", err)
		}
	}()
	return nil
}

// Addr is the bound address once started.
func (s *HealthServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis == nil {
		return s.addr
	}
	return s.lis.Addr().String()
}

func (s *HealthServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	s.logger.Info("Stopping health server")
	return srv.Shutdown(ctx)
}

func (s *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	metrics := telemetry.GetGlobalMetrics()

	health := map[string]interface{}{
		"status":      "ok",
		"time":        time.Now(),
		"live_orders": metrics.GetLiveOrders(),
	}

	code := http.StatusOK
	if s.hm != nil {
		health["components"] = s.hm.GetStatus()
		if !s.hm.IsHealthy() {
			health["status"] = "unhealthy"
			code = http.StatusServiceUnavailable
		}
	}

	s.writeJSON(w, code, health)
}

func (s *HealthServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	var rows []VenueStatus
	if s.sessions != nil {
		for _, g := range s.sessions.Gateways() {
			rows = append(rows, venueStatus(g))
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"venues": rows})
}

func (s *HealthServer) handleVenueStatus(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "venue")
	if s.sessions != nil {
		for _, g := range s.sessions.Gateways() {
			if g.Name() == name {
				s.writeJSON(w, http.StatusOK, venueStatus(g))
				return
			}
		}
	}
	s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown venue: " + name})
}

func venueStatus(g *gateway.Gateway) VenueStatus {
	info := g.Session()
	return VenueStatus{
		Venue:      info.Venue,
		State:      info.State.String(),
		Step:       info.Step,
		FrontID:    info.Identity.FrontID,
		SessionID:  info.Identity.SessionID,
		CaughtUp:   info.CaughtUp,
		ReadyCount: info.ReadyCount,
		LiveOrders: len(g.LiveOrders()),
		LastError:  info.LastError,
		Since:      info.Since,
	}
}

func (s *HealthServer) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}
