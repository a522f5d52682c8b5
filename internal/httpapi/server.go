// Package httpapi serves the panel's local HTTP surface: the current
// snapshot, command endpoints, a live notice stream, health and metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/agsys/rigpanel/internal/command"
	"github.com/agsys/rigpanel/internal/notice"
	"github.com/agsys/rigpanel/internal/rig"
)

// SnapshotSource exposes the engine's view of the rig
type SnapshotSource interface {
	Snapshot() rig.Snapshot
	Running() bool
}

// Dispatcher accepts commands. Only validation errors and command.ErrClosed are returned.
type Dispatcher interface {
	Dispatch(ctx context.Context, c rig.Command) error
}

// Config configures the HTTP server
type Config struct {
	Addr         string
	CORSOrigins  []string
	PingInterval time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns default server settings
func DefaultConfig() Config {
	return Config{
		Addr:         ":8080",
		PingInterval: 30 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server is the panel HTTP API
type Server struct {
	config     Config
	engine     SnapshotSource
	dispatcher Dispatcher
	hub        *hub
	metrics    http.Handler

	// base outlives individual requests so accepted commands finish
	// after the 202 is sent.
	base context.Context
}

// New creates the server. metrics may be nil.
func New(config Config, engine SnapshotSource, dispatcher Dispatcher, bus *notice.Bus, metrics http.Handler) *Server {
	d := DefaultConfig()
	if config.Addr == "" {
		config.Addr = d.Addr
	}
	if config.PingInterval <= 0 {
		config.PingInterval = d.PingInterval
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = d.WriteTimeout
	}

	s := &Server{
		config:     config,
		engine:     engine,
		dispatcher: dispatcher,
		metrics:    metrics,
		base:       context.Background(),
	}
	s.hub = newHub(bus, config)
	return s
}

// Router builds the route table
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.healthHandler).Methods("GET")
	r.HandleFunc("/api/snapshot", s.snapshotHandler).Methods("GET")
	r.HandleFunc("/api/commands/threshold", s.thresholdHandler).Methods("POST")
	r.HandleFunc("/api/commands/pump", s.pumpHandler).Methods("POST")
	r.HandleFunc("/api/commands/servo", s.servoHandler).Methods("POST")
	r.HandleFunc("/ws", s.hub.serveWS).Methods("GET")
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics).Methods("GET")
	}

	return r
}

// Handler wraps the router with recovery, CORS and access logging
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.Router()
	h = handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(h)
	if len(s.config.CORSOrigins) > 0 {
		h = handlers.CORS(
			handlers.AllowedOrigins(s.config.CORSOrigins),
			handlers.AllowedMethods([]string{"GET", "POST", "OPTIONS"}),
			handlers.AllowedHeaders([]string{"Content-Type"}),
		)(h)
	}
	return handlers.LoggingHandler(log.Writer(), h)
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.base = ctx
	srv := &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Panel API listening on %s", s.config.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.hub.close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"running": s.engine.Running(),
	})
}

func (s *Server) snapshotHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Snapshot())
}

func (s *Server) thresholdHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Percent *int `json:"percent"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Percent == nil {
		writeError(w, http.StatusBadRequest, "percent is required")
		return
	}
	s.dispatch(w, rig.MoistureThreshold(*req.Percent))
}

func (s *Server) pumpHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		On *bool `json:"on"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.On == nil {
		writeError(w, http.StatusBadRequest, "on is required")
		return
	}
	s.dispatch(w, rig.PumpState(*req.On))
}

func (s *Server) servoHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Index *int `json:"index"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Index == nil {
		writeError(w, http.StatusBadRequest, "index is required")
		return
	}
	s.dispatch(w, rig.ServoPosition(rig.ServoIndex(*req.Index)))
}

func (s *Server) dispatch(w http.ResponseWriter, c rig.Command) {
	if err := s.dispatcher.Dispatch(s.base, c); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, command.ErrClosed) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"kind":  c.Kind,
		"value": c.Value(),
	})
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<12))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
