package api

import (
	"context"
	"net/http"
	"time"

	"github.com/trustplane/kernel/pkg/authn"
)

// Server is the kernel's HTTP listener over a Handler.
type Server struct {
	httpServer *http.Server
}

// NewServer builds a Server listening on addr, wired to h through a
// router that requires tm-issued tokens on every endpoint but the
// liveness/readiness probes.
func NewServer(addr string, h *Handler, tm *authn.TokenManager, corsOrigins []string) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      NewRouter(h, tm, corsOrigins),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

// ListenAndServe starts the server. It blocks until the server exits with
// an error other than http.ErrServerClosed.
func (s *Server) ListenAndServe() error {
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully drains in-flight requests before closing.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
