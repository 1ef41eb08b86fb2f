// Package api serves the consumer's operational endpoints: Prometheus
// metrics and health probes.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/dvloznov/fraud-monitor/internal/api/handlers"
	"github.com/dvloznov/fraud-monitor/internal/api/middleware"
	"github.com/rs/zerolog"
)

// Server is the ops HTTP server.
type Server struct {
	server *http.Server
	log    zerolog.Logger
}

// NewServer wires /metrics, /healthz and /readyz behind the standard
// middleware chain.
func NewServer(addr string, metrics http.Handler, checks map[string]handlers.Check, log zerolog.Logger) *Server {
	return &Server{
		server: &http.Server{
			Addr:         addr,
			Handler:      NewHandler(metrics, checks, log),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		log: log,
	}
}

// NewHandler builds the router. It is separate from NewServer for tests.
func NewHandler(metrics http.Handler, checks map[string]handlers.Check, log zerolog.Logger) http.Handler {
	health := handlers.NewHealthHandler(checks, log)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics)
	mux.HandleFunc("/healthz", middleware.MethodGet(health.Healthz))
	mux.HandleFunc("/readyz", middleware.MethodGet(health.Readyz))

	return middleware.Recovery(log)(
		middleware.RequestID(
			middleware.Logger(log, "/metrics", "/healthz", "/readyz")(mux),
		),
	)
}

// Start listens in the background. Listen errors are returned immediately;
// serve errors after that are logged.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("Start: listen on %s: %w", s.server.Addr, err)
	}

	go func() {
		s.log.Info().Str("addr", ln.Addr().String()).Msg("Starting ops server")
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("Ops server stopped")
		}
	}()
	return nil
}

// Shutdown stops accepting requests and waits for active ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
