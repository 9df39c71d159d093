// Package httpapi implements the Status Broadcaster, plus the /metrics
// and /healthz endpoints. Status pushes are
// non-blocking: a slow or disconnected client is dropped rather than
// allowed to stall the broadcast.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// client wraps one websocket connection with its own outbound buffer so a
// slow reader never blocks the broadcaster.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub is the websocket Status Broadcaster: every currently-connected
// operator dashboard receives a copy of each pushed status payload.
type Hub struct {
	logger *zap.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
}

// NewHub builds an empty broadcaster hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{logger: logger, clients: make(map[*client]struct{})}
}

func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if h.logger != nil {
			h.logger.Debug("httpapi: websocket upgrade failed", zap.Error(err))
		}
		return
	}

	c := &client{conn: conn, send: make(chan []byte, 16)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writePump(c)
	go h.readPump(c)
}

// readPump exists only to detect client-initiated close; the Status
// Broadcaster is push-only, so inbound frames are discarded.
func (h *Hub) readPump(c *client) {
	defer h.drop(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	defer h.drop(c)
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	c.conn.Close()
}

// Broadcast pushes payload to every connected client. Non-blocking: a
// client whose outbound buffer is full is dropped rather than slowing the
// rest of the fleet's status pushes down.
func (h *Hub) Broadcast(payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
			delete(h.clients, c)
			close(c.send)
			go c.conn.Close()
		}
	}
}

// ClientCount returns the number of currently-connected dashboard clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// HealthCheckFunc reports whether the process is alive enough to serve
// traffic. /healthz is a liveness check only; it never dials the broker.
type HealthCheckFunc func() bool

// Server bundles the hub, metrics endpoint, and healthz endpoint behind a
// single HTTP listener.
type Server struct {
	hub    *Hub
	logger *zap.Logger
	srv    *http.Server
}

// NewServer wires /ws, /metrics, and /healthz onto addr. metricsHandler is
// typically metrics.Handler(promRegistry) from the internal/metrics package.
func NewServer(addr string, hub *Hub, metricsHandler http.Handler, healthCheck HealthCheckFunc, logger *zap.Logger) *Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.handleWS)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if healthCheck != nil && !healthCheck() {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintln(w, "not ready")
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	return &Server{
		hub:    hub,
		logger: logger,
		srv:    &http.Server{Addr: addr, Handler: mux},
	}
}

// Start runs the HTTP server until ctx is cancelled, then shuts it down
// gracefully within a bounded window.
func (s *Server) Start(ctx context.Context) {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
	}()

	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		if s.logger != nil {
			s.logger.Error("httpapi: server error", zap.Error(err))
		}
	}
}
