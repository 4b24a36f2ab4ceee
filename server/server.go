// Package server wires the REST API and the event stream into a single
// HTTP server.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/conductorhq/conductor/engine"
	"github.com/conductorhq/conductor/events"
	"github.com/conductorhq/conductor/internal/version"
	"github.com/conductorhq/conductor/server/api"
	"github.com/conductorhq/conductor/server/ws"
	"github.com/conductorhq/conductor/task"
)

// Server is the HTTP front end of the orchestration engine.
type Server struct {
	addr   string
	logger *slog.Logger

	lifecycle *engine.Lifecycle
	scheduler *engine.Scheduler
	gates     *engine.Gates
	bus       *events.Bus

	defaultStrategy task.Strategy

	hub  *ws.Hub
	http *http.Server
}

// New creates a server listening on addr once Start is called.
func New(addr string, logger *slog.Logger) *Server {
	return &Server{addr: addr, logger: logger}
}

func (s *Server) SetLifecycle(lc *engine.Lifecycle) { s.lifecycle = lc }
func (s *Server) SetScheduler(sc *engine.Scheduler) { s.scheduler = sc }
func (s *Server) SetGates(g *engine.Gates)          { s.gates = g }
func (s *Server) SetBus(b *events.Bus)              { s.bus = b }

// SetDefaultStrategy sets the subtask strategy used when a decompose
// request omits one.
func (s *Server) SetDefaultStrategy(st task.Strategy) { s.defaultStrategy = st }

// Start builds the route table and begins serving. It blocks until the
// listener fails or Stop is called.
func (s *Server) Start() error {
	mux := http.NewServeMux()

	handlers := &api.Handlers{
		Lifecycle: s.lifecycle,
		Scheduler: s.scheduler,
		Gates:     s.gates,
		Tasks:     s.lifecycle.Store(),
		Logger:    s.logger,
		Version:   version.Get(),

		DefaultStrategy: s.defaultStrategy,
	}
	handlers.RegisterRoutes(mux)

	s.hub = ws.NewHub(s.bus, s.logger)
	mux.HandleFunc("GET /stream/{taskId}", s.hub.ServeStream)

	s.http = &http.Server{
		Addr:              s.addr,
		Handler:           s.logRequests(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("server listening", slog.String("addr", s.addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop drains connections and shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.hub != nil {
		s.hub.Close()
	}
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Duration("duration", time.Since(start)),
		)
	})
}
