// Package gateway exposes the hub's WebSocket event stream and RPC surface
// plus a small HTTP API.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/voxflow/internal/bus"
	"github.com/nextlevelbuilder/voxflow/internal/config"
	"github.com/nextlevelbuilder/voxflow/internal/engine"
	"github.com/nextlevelbuilder/voxflow/pkg/protocol"
)

// Server is the hub gateway handling WebSocket and HTTP connections.
type Server struct {
	cfg    *config.Config
	engine *engine.Engine

	upgrader websocket.Upgrader
	router   *methodRouter

	mu      sync.RWMutex
	clients map[string]*client

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer wires the gateway. Bind the bus afterwards so broadcasts flow.
func NewServer(cfg *config.Config, eng *engine.Engine) *Server {
	s := &Server{
		cfg:     cfg,
		engine:  eng,
		clients: make(map[string]*client),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.router = newMethodRouter(s)
	return s
}

// Bind subscribes the gateway to every bus trigger for WebSocket fan-out.
func (s *Server) Bind(b *bus.Bus) {
	b.SubscribeAll(func(ev bus.Event) {
		s.broadcast(protocol.EventOrchestration, ev)
	})
}

// checkOrigin validates the Origin header against the configured whitelist.
// No configuration allows everything; empty Origin (CLI clients) is always
// allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.Hub.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("gateway.origin_rejected", "origin", origin)
	return false
}

// authorized checks the hub token when one is configured.
func (s *Server) authorized(r *http.Request) bool {
	token := s.cfg.Hub.Token
	if token == "" {
		return true
	}
	if h := r.Header.Get("Authorization"); strings.TrimPrefix(h, "Bearer ") == token {
		return true
	}
	return r.URL.Query().Get("token") == token
}

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("GET /api/workflows", s.handleListWorkflows)
	mux.HandleFunc("GET /api/workflows/{id}", s.handleGetWorkflow)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	s.mux = mux
	return mux
}

// Start serves HTTP until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Hub.Host, fmt.Sprint(s.cfg.Hub.Port))
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.BuildMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("gateway.listening", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.closeClients()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"protocol": protocol.ProtocolVersion,
		"clients":  s.clientCount(),
	})
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
		return
	}
	writeJSON(w, http.StatusOK, s.engine.ListWorkflows())
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
		return
	}
	wf, err := s.engine.GetWorkflow(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Store().Statistics())
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("gateway.upgrade_failed", "error", err)
		return
	}

	c := newClient(uuid.NewString()[:8], conn)
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
	slog.Info("gateway.client_connected", "client", c.id, "total", s.clientCount())

	go c.writePump()
	s.readPump(c)
}

// readPump processes inbound RPC frames until the connection drops.
func (s *Server) readPump(c *client) {
	defer func() {
		s.mu.Lock()
		delete(s.clients, c.id)
		s.mu.Unlock()
		c.close()
		slog.Info("gateway.client_disconnected", "client", c.id)
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var req rpcRequest
		if err := json.Unmarshal(data, &req); err != nil {
			c.send(rpcResponse{ID: "", Error: "malformed request"})
			continue
		}
		resp := s.router.dispatch(context.Background(), req)
		c.send(resp)
	}
}

// broadcast queues an event envelope on every connected client. Frames for
// slow clients are dropped rather than blocking the bus.
func (s *Server) broadcast(name string, payload any) {
	envelope := wsEnvelope{Name: name, Payload: payload}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		c.send(envelope)
	}
}

func (s *Server) clientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Server) closeClients() {
	s.broadcast(protocol.EventShutdown, nil)
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.clients {
		c.close()
		delete(s.clients, id)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// wsEnvelope frames server-pushed events.
type wsEnvelope struct {
	Name    string `json:"name"`
	Payload any    `json:"payload,omitempty"`
}
