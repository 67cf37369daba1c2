package api

import (
	"context"
	"net/http"
	"time"
)

// Server wraps the receiver's HTTP server with lifecycle control.
type Server struct {
	handler http.Handler
	server  *http.Server
}

// NewServer builds the server around the configured routes.
func NewServer(h *Handlers, limiter *RateLimiter, adminToken string) *Server {
	return &Server{handler: SetupRoutes(h, limiter, adminToken)}
}

// ListenAndServe starts the HTTP server. Webhook bodies are small, so the
// timeouts stay tight; the provider expects validation replies within
// seconds anyway.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s.server.ListenAndServe()
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}
