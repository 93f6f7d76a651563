// Package server provides the ambient HTTP surface: health, version and
// shutdown endpoints, plus the WebSocket upgrade route for the
// Evaluator Transport. It is deliberately thin — the transport package
// owns the WS protocol itself.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/valentin-krasontovitsch/ensemble-evaluator/internal/config"
	"github.com/valentin-krasontovitsch/ensemble-evaluator/internal/transport"
)

// Server manages the ambient HTTP server and routes.
type Server struct {
	cfg          *config.Config
	logger       arbor.ILogger
	transport    *transport.Server
	router       *http.ServeMux
	server       *http.Server
	shutdownChan chan struct{}
}

// New creates a new HTTP server serving cfg's host/port, wiring in the
// Evaluator Transport server at /ws.
func New(cfg *config.Config, logger arbor.ILogger, ts *transport.Server) *Server {
	s := &Server{cfg: cfg, logger: logger, transport: ts}
	s.router = s.setupRoutes()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.withConditionalMiddleware(s.router),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
		TLSConfig:    ts.TLSConfig(),
	}
	return s
}

// SetShutdownChannel sets the channel signaled on an HTTP shutdown request.
func (s *Server) SetShutdownChannel(ch chan struct{}) {
	s.shutdownChan = ch
}

// Start starts the HTTP server, blocking until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.logger.Info().Str("address", addr).Bool("tls", s.server.TLSConfig != nil).Msg("server: HTTP server starting")

	var err error
	if s.server.TLSConfig != nil {
		err = s.server.ListenAndServeTLS("", "")
	} else {
		err = s.server.ListenAndServe()
	}
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen failed: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("server: shutting down HTTP server")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown failed: %w", err)
	}
	s.logger.Info().Msg("server: HTTP server stopped")
	return nil
}

// Handler returns the HTTP handler for testing.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// ShutdownHandler handles HTTP shutdown requests. The route is registered
// unconditionally.
func (s *Server) ShutdownHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.logger.Info().Msg("server: shutdown requested via HTTP endpoint")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Shutting down gracefully...\n"))
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}

	if s.shutdownChan != nil {
		go func() {
			time.Sleep(100 * time.Millisecond)
			s.shutdownChan <- struct{}{}
		}()
	}
}
