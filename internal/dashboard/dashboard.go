// Package dashboard serves a read-only WebSocket push of bus.Event
// activity to connected operator consoles: task transitions, trigger
// resolutions, agent status changes. There is no inbound RPC surface —
// everything a dashboard client can do is GET/observe, matching SPEC_FULL
// §10's assignment of coder/websocket to this package ("push, not poll").
// Grounded on the teacher's gateway.go websocket client/connection
// bookkeeping (client registry, bus subscription per connection, one
// writer goroutine per socket), stripped of its RPC dispatch loop.
package dashboard

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/orbiter-labs/fleetbroker/internal/bus"
)

// Config wires a Server's dependencies.
type Config struct {
	Bus            *bus.Bus
	AllowedOrigins []string
	Logger         *slog.Logger
}

// Server accepts dashboard websocket connections and fans out bus events.
type Server struct {
	cfg Config

	clientsMu sync.RWMutex
	clients   map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
	sub  *bus.Subscription
}

// New constructs a dashboard push server.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{cfg: cfg, clients: make(map[*client]struct{})}
}

// Handler returns the single route this package serves.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	return mux
}

// handleWS upgrades the connection and streams every bus event to the
// client until it disconnects or the write backpressures.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowedOrigins,
	})
	if err != nil {
		return
	}
	c := &client{conn: conn}
	if s.cfg.Bus != nil {
		c.sub = s.cfg.Bus.Subscribe("")
	}
	s.addClient(c)
	s.cfg.Logger.Info("dashboard: client connected")
	defer func() {
		s.removeClient(c)
		s.cfg.Logger.Info("dashboard: client disconnecting")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	ctx := r.Context()

	// A background reader detects client-initiated close; the dashboard
	// never expects inbound messages, so anything read is discarded.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	if c.sub == nil {
		<-closed
		return
	}

	for {
		select {
		case <-closed:
			return
		case ev, ok := <-c.sub.Ch():
			if !ok {
				return
			}
			if err := c.write(ctx, ev); err != nil {
				s.cfg.Logger.Warn("dashboard: write failed, closing", "error", err)
				return
			}
		}
	}
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *client) {
	if c.sub != nil && s.cfg.Bus != nil {
		s.cfg.Bus.Unsubscribe(c.sub)
	}
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
}

func (c *client) write(ctx context.Context, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, payload)
}

// ConnectedClients reports the current dashboard connection count, used by
// doctor health checks.
func (s *Server) ConnectedClients() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
