// Package metrics serves Prometheus metrics over HTTP.
package metrics

//go:generate errtrace -w .

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"braces.dev/errtrace"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ghettovoice/sipproxy/log"
)

// DefaultPath is the HTTP path metrics are served on when none is given.
const DefaultPath = "/metrics"

// Server is the HTTP server of a Prometheus registry.
type Server struct {
	addr   string
	path   string
	gather prometheus.Gatherer
	log    *slog.Logger

	ln   net.Listener
	srv  *http.Server
	done chan struct{}
}

// NewServer creates a metrics server. If gather is nil, [prometheus.DefaultGatherer] is used.
func NewServer(addr, path string, gather prometheus.Gatherer, logger *slog.Logger) *Server {
	if path == "" {
		path = DefaultPath
	}
	if gather == nil {
		gather = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Server{addr: addr, path: path, gather: gather, log: logger}
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errtrace.Wrap(err)
	}

	mux := http.NewServeMux()
	mux.Handle(s.path, promhttp.HandlerFor(s.gather, promhttp.HandlerOpts{ErrorLog: slog.NewLogLogger(s.log.Handler(), slog.LevelError)}))
	s.ln = ln
	s.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.done = make(chan struct{})

	s.log.LogAttrs(context.Background(), slog.LevelInfo,
		"metrics server started",
		slog.String("addr", ln.Addr().String()),
		slog.String("path", s.path),
	)
	go func() {
		defer close(s.done)
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.LogAttrs(context.Background(), slog.LevelError, "metrics server failed", slog.Any("error", err))
		}
	}()
	return nil
}

// Addr returns the bound address, or nil before [Server.Start].
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Stop shuts the server down, waiting up to 5 seconds for open requests.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		return errtrace.Wrap(err)
	}
	<-s.done
	s.log.LogAttrs(ctx, slog.LevelInfo, "metrics server stopped")
	return nil
}
