// Package api exposes the engine facade over HTTP: JSON endpoints, an SSE
// event stream, websocket live tails and the Prometheus scrape endpoint.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/hochfrequenz/recon-orchestrator/internal/domain"
	"github.com/hochfrequenz/recon-orchestrator/internal/engine"
	"github.com/hochfrequenz/recon-orchestrator/internal/observer"
)

// Engine is the part of engine.Facade the API serves
type Engine interface {
	List(ctx context.Context) ([]engine.TargetInfo, error)
	Status(target string) (*domain.Snapshot, error)
	Tail(target string, n int) ([]string, error)
	TailTask(target, task string, n int) ([]string, error)
	LogPath(target, task string) (string, error)
	Start(ctx context.Context, target string, opts engine.StartOptions) (string, error)
	Stop(target string) error
	TopFindings(ctx context.Context, target string, n int) ([]domain.Finding, error)
	AddListener(fn engine.Listener)
	Stats() observer.Stats
}

// Server is the HTTP API server
type Server struct {
	engine   Engine
	metrics  http.Handler
	addr     string
	mux      *http.ServeMux
	sseHub   *SSEHub
	upgrader websocket.Upgrader
	log      logrus.FieldLogger
}

// NewServer creates a new API server. metrics may be nil.
func NewServer(eng Engine, metrics http.Handler, addr string, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Server{
		engine:  eng,
		metrics: metrics,
		addr:    addr,
		mux:     http.NewServeMux(),
		sseHub:  NewSSEHub(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: log.WithField("component", "api"),
	}
	s.setupRoutes()
	eng.AddListener(s.onEvent)
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /api/targets", s.listTargetsHandler())
	s.mux.HandleFunc("GET /api/targets/{target}/status", s.statusHandler())
	s.mux.HandleFunc("GET /api/targets/{target}/tail", s.tailHandler())
	s.mux.HandleFunc("GET /api/targets/{target}/tail/ws", s.tailSocketHandler())
	s.mux.HandleFunc("GET /api/targets/{target}/findings", s.findingsHandler())
	s.mux.HandleFunc("POST /api/targets/{target}/start", s.startHandler())
	s.mux.HandleFunc("POST /api/targets/{target}/stop", s.stopHandler())
	s.mux.HandleFunc("GET /api/events", s.sseHandler())
	s.mux.HandleFunc("GET /api/stats", s.statsHandler())
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics)
	}
}

// Handler returns the routed handler, for tests and embedding
func (s *Server) Handler() http.Handler { return s.mux }

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	go s.sseHub.Run(hubCtx)

	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.WithField("addr", s.addr).Info("API listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Broadcast sends an event to all SSE clients
func (s *Server) Broadcast(event SSEEvent) {
	s.sseHub.Broadcast(event)
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	writeJSONStatus(w, http.StatusOK, data)
}

func writeJSONStatus(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSONStatus(w, code, map[string]string{"error": message})
}

// writeEngineError maps facade errors to status codes
func writeEngineError(w http.ResponseWriter, err error) {
	var ce *domain.ConfigError
	switch {
	case errors.Is(err, engine.ErrUnknownTarget), errors.Is(err, engine.ErrNoRun), errors.Is(err, engine.ErrUnknownTask):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrRunActive):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &ce):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
