package transport

import (
	"crypto/tls"
	"net/http"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
)

// Server is the broadcast half of the Evaluator Transport: it upgrades
// incoming connections, authenticates them with a single shared token
// header, and broadcasts envelopes to every connected monitor. The
// per-connection write-mutex pattern (one mutex per *websocket.Conn,
// guarding WriteMessage against concurrent writers) is the same one the
// teacher's handler uses for its broadcast fan-out.
type Server struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]*sync.Mutex

	token    string
	tlsConf  *tls.Config
	upgrader websocket.Upgrader
	logger   arbor.ILogger
	validate *validator.Validate

	onReconnectSnapshot func() (Envelope, error)
}

// NewServer returns a server requiring the given value in the "token"
// header of every upgrade request (an empty token disables the check).
// tlsConf may be nil to serve plaintext.
func NewServer(token string, tlsConf *tls.Config, logger arbor.ILogger) *Server {
	return &Server{
		clients: make(map[*websocket.Conn]*sync.Mutex),
		token:   token,
		tlsConf: tlsConf,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:   logger,
		validate: validator.New(),
	}
}

// TLSConfig returns the server's configured TLS material, nil when serving
// plaintext.
func (s *Server) TLSConfig() *tls.Config { return s.tlsConf }

// OnReconnectSnapshot registers a callback invoked to produce the full
// snapshot envelope re-published to a newly (re)connected client, the
// "re-publish current differ snapshot on reconnect" behavior from §4.7.
func (s *Server) OnReconnectSnapshot(fn func() (Envelope, error)) {
	s.onReconnectSnapshot = fn
}

// ServeHTTP upgrades the connection after validating the token header,
// registers the connection, sends the current snapshot, and blocks reading
// (and discarding) incoming frames until the client disconnects, at which
// point it deregisters itself — mirroring the teacher's HandleWebSocket
// read-loop-then-cleanup shape.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.token != "" && r.Header.Get("token") != s.token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("transport: websocket upgrade failed")
		return
	}

	connMu := &sync.Mutex{}
	s.mu.Lock()
	s.clients[conn] = connMu
	s.mu.Unlock()

	s.logger.Info().Int("clients", s.clientCount()).Msg("transport: client connected")

	if s.onReconnectSnapshot != nil {
		if env, err := s.onReconnectSnapshot(); err == nil {
			connMu.Lock()
			_ = conn.WriteJSON(env)
			connMu.Unlock()
		}
	}

	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
		conn.Close()
		s.logger.Info().Int("clients", s.clientCount()).Msg("transport: client disconnected")
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) clientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Broadcast sends env to every connected client, copying the client set
// under RLock before writing so a slow writer never blocks new
// connections from registering.
func (s *Server) Broadcast(env Envelope) {
	s.mu.RLock()
	type target struct {
		conn *websocket.Conn
		mu   *sync.Mutex
	}
	targets := make([]target, 0, len(s.clients))
	for c, m := range s.clients {
		targets = append(targets, target{conn: c, mu: m})
	}
	s.mu.RUnlock()

	for _, t := range targets {
		t.mu.Lock()
		if err := t.conn.WriteJSON(env); err != nil {
			s.logger.Warn().Err(err).Msg("transport: broadcast write failed")
		}
		t.mu.Unlock()
	}
}
