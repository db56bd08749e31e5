package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Server serves the health probes and Prometheus metrics for one
// coordinator process.
type Server struct {
	port int
	srv  *http.Server
}

// NewServer creates an observability server listening on the given
// port once started.
func NewServer(port int) *Server {
	return &Server{port: port}
}

// Handler builds the route table. Exposed so tests can drive the
// endpoints without a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", HealthHandler())
	mux.HandleFunc("/health/live", LivenessHandler())
	mux.HandleFunc("/health/ready", ReadinessHandler())
	mux.Handle("/metrics", MetricsHandler())
	return mux
}

// Start listens and serves until Shutdown or a listener error. It
// blocks.
func (s *Server) Start() error {
	s.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  2 * time.Minute,
	}
	return s.srv.ListenAndServe()
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
