package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"trading_engine/internal/core"
)

// Server handles Prometheus metrics export and the health endpoint
type Server struct {
	port    int
	metrics http.Handler
	health  http.Handler
	logger  core.ILogger

	mu   sync.Mutex
	addr net.Addr
}

// NewServer creates a new metrics server. health may be nil.
func NewServer(port int, metrics, health http.Handler, logger core.ILogger) *Server {
	return &Server{
		port:    port,
		metrics: metrics,
		health:  health,
		logger:  logger.WithField("component", "metrics_server"),
	}
}

// Run serves until ctx is done, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics)
	if s.health != nil {
		mux.Handle("/health", s.health)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("metrics server listen: %w", err)
	}
	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting Prometheus metrics server", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server failed: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("Stopping metrics server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// Addr is the bound listen address once Run has started, nil before
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}
