// Package control is the engine's operator-facing status surface: an
// HTTP server exposing /healthz and a WebSocket endpoint that
// broadcasts each closed, typed StatusEvent passed to Hub.Broadcast to
// every connected client. No engine component calls Broadcast, so the
// running process publishes no events through it. It has no
// chat-domain function — purely observability. There is exactly one logical channel here, so
// no per-channel subscription bookkeeping is needed. Bearer-token auth
// is checked with bcrypt.CompareHashAndPassword.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"
)

// EventKind tags the variant carried by a StatusEvent.
type EventKind string

const (
	EventReachabilityChanged EventKind = "reachability_changed"
	EventRequestShrunk       EventKind = "request_shrunk"
	EventRequestDeleted      EventKind = "request_deleted"
	EventPlannerPick         EventKind = "planner_pick"
	EventWorkerBackoff       EventKind = "worker_backoff"
)

// StatusEvent is one operator-visible engine transition.
type StatusEvent struct {
	Kind EventKind `json:"kind"`
	Time time.Time `json:"time"`
	Detail map[string]any `json:"detail,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub broadcasts StatusEvents to every connected websocket client.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]bool
	logger  *log.Logger
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub returns an empty Hub.
func NewHub(logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.Default()
	}
	return &Hub{clients: make(map[*client]bool), logger: logger}
}

// Broadcast sends ev to every connected client, dropping it for any
// client whose send buffer is full rather than blocking the caller —
// the same non-blocking-send idiom as internal/websocket.Hub.broadcast.
func (h *Hub) Broadcast(ev StatusEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Printf("control: marshal status event: %v", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Printf("control: client send buffer full, dropping status event")
		}
	}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = true
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// Server is the control surface's HTTP server.
type Server struct {
	hub        *Hub
	mux        *http.ServeMux
	httpServer *http.Server
	tokenHash  []byte
	logger     *log.Logger
}

// NewServer returns a Server bound to addr. adminToken is hashed with
// bcrypt at construction; connections must present it as a bearer
// token to open the status websocket.
func NewServer(addr, adminToken string, logger *log.Logger) (*Server, error) {
	if logger == nil {
		logger = log.Default()
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(adminToken), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("control: hash admin token: %w", err)
	}

	s := &Server{
		hub:       NewHub(logger),
		mux:       http.NewServeMux(),
		tokenHash: hash,
		logger:    logger,
	}
	s.mux.HandleFunc("/healthz", s.handleHealthz)
	s.mux.HandleFunc("/status/ws", s.handleStatusWS)
	s.httpServer = &http.Server{Addr: addr, Handler: s.mux}
	return s, nil
}

// Hub returns the server's broadcast hub; StatusEvents passed to its
// Broadcast reach every connected client.
func (s *Server) Hub() *Hub { return s.hub }

// ListenAndServe runs the HTTP server until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) authorized(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword(s.tokenHash, []byte(token)) == nil
}

func (s *Server) handleStatusWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("control: websocket upgrade: %v", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, 64)}
	s.hub.add(c)
	go s.writePump(c)
	go s.readPump(c)
}

func (s *Server) writePump(c *client) {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// readPump discards inbound traffic (this endpoint is publish-only)
// but must keep reading to process control frames and notice a closed
// connection, per gorilla/websocket's documented pattern.
func (s *Server) readPump(c *client) {
	defer s.hub.remove(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
