package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"kestrelvision.io/kestrel/internal/log"
)

// Server exposes the Prometheus registry over HTTP.
type Server struct {
	srv *http.Server
}

// NewServer builds the metrics endpoint; nil is returned when listen is
// empty, callers treat that as metrics disabled.
func NewServer(listen, path string) *Server {
	if listen == "" {
		return nil
	}
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())
	return &Server{
		srv: &http.Server{
			Addr:              listen,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start serves in the background until Stop.
func (s *Server) Start() {
	go func() {
		log.GetLogger().WithField("listen", s.srv.Addr).Info("metrics server started")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.GetLogger().WithError(err).Error("metrics server stopped unexpectedly")
		}
	}()
}

// Stop shuts the endpoint down, bounded by ctx.
func (s *Server) Stop(ctx context.Context) {
	if err := s.srv.Shutdown(ctx); err != nil {
		log.GetLogger().WithError(err).Warn("metrics server shutdown")
	}
}
