// Package diagserver is a local-only diagnostic HTTP/websocket/socket.io
// surface: a live tail of triggered snapshots, a Prometheus scrape
// endpoint, and an imperative command channel for a technician's laptop
// plugged into the vehicle's diagnostic port. None of this is part of the
// cloud-facing telemetry path (spec §1 non-goals keep the cloud contract
// to MQTT only); it exists purely for on-vehicle observability.
package diagserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ConditionView is one condition's current diagnostic state, for the
// /conditions inspection endpoint.
type ConditionView struct {
	Index         int    `json:"index"`
	CampaignID    string `json:"campaign_id"`
	Phase         string `json:"phase"`
	CurrentlyTrue bool   `json:"currently_true"`
	LastTriggerMs uint64 `json:"last_trigger_ms"`
}

// ConditionsProvider exposes a read-only snapshot of engine state for
// diagnostics without giving the HTTP layer any write access to the
// engine itself.
type ConditionsProvider interface {
	Conditions() []ConditionView
}

// Config tunes the diagnostic server.
type Config struct {
	Addr           string
	AllowedOrigins []string
	DevMode        bool
}

// Server bundles the mux router, websocket tail and socket.io command
// channel behind one http.Server.
type Server struct {
	cfg        Config
	httpServer *http.Server
	bus        *Bus
	conditions ConditionsProvider
}

// New builds a diagnostic server. handler services socket.io commands;
// conditions backs the /conditions endpoint.
func New(cfg Config, handler CommandHandler, conditions ConditionsProvider) (*Server, error) {
	s := &Server{cfg: cfg, bus: NewBus(), conditions: conditions}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	router.HandleFunc("/conditions", s.handleConditions).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	upgrader.CheckOrigin = buildCheckOrigin(cfg.AllowedOrigins, cfg.DevMode)
	router.HandleFunc("/tail", s.handleTail)

	sio, err := newSocketIOServer(handler)
	if err != nil {
		return nil, fmt.Errorf("diagserver: socket.io setup: %w", err)
	}
	router.Handle("/socket.io/", sio)
	go func() {
		if err := sio.Serve(); err != nil {
			slog.Warn("diagserver: socket.io server stopped", "error", err)
		}
	}()

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

// Bus exposes the event bus so the inspection pipeline can publish
// snapshot events as they're emitted.
func (s *Server) Bus() *Bus { return s.bus }

// Run starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("diagserver: listening", "addr", s.cfg.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
