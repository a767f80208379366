// Package metrics serves Prometheus metrics and the health endpoint
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"gridmaker/internal/core"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server exports /metrics and, when a handler is given, /health
type Server struct {
	addr    string
	metrics http.Handler
	health  http.Handler
	logger  core.ILogger
	srv     *http.Server
}

// NewServer creates a metrics server listening on port; port 0 picks a free
// one. A nil metrics handler serves the default Prometheus registry.
func NewServer(port int, metrics, health http.Handler, logger core.ILogger) *Server {
	if metrics == nil {
		metrics = promhttp.Handler()
	}
	return &Server{
		addr:    fmt.Sprintf(":%d", port),
		metrics: metrics,
		health:  health,
		logger:  logger.WithField("component", "metrics_server"),
	}
}

// Handler is the mux served by the server
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics)
	if s.health != nil {
		mux.Handle("/health", s.health)
	}
	return mux
}

// Run serves until ctx is done
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("metrics server listen: %w", err)
	}
	s.srv = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting Prometheus metrics server", "addr", ln.Addr().String())
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			s.logger.Error("Metrics server failed", "error", err)
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Stopping metrics server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(shutdownCtx)
}
