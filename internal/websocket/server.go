// internal/websocket/server.go
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"histex/internal/origin"
)

// Server serves RPC over websocket on /ws, a health check on /health, and
// delegates every other path to the API handler
type Server struct {
	port       int
	authKey    string
	origins    *origin.Policy
	upgrader   websocket.Upgrader
	router     *Router
	api        http.Handler
	logger     *slog.Logger
	peers      map[string]*peer
	peersMu    sync.RWMutex
	httpServer *http.Server

	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer creates a server routing RPC calls to router. api may be nil.
// A non-empty authKey is required from clients in the X-Auth-Key header.
// Browser upgrades are refused unless origins allows the page's origin; a nil
// policy accepts only same-host loopback pages.
func NewServer(router *Router, api http.Handler, authKey string, origins *origin.Policy, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		authKey: authKey,
		origins: origins,
		router:  router,
		api:     api,
		logger:  logger,
		peers:   make(map[string]*peer),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     origins.Allowed,
	}
	return s
}

// Handler returns the mux without starting a listener
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	if s.api != nil {
		mux.Handle("/", s.api)
	}
	return mux
}

// Start listens on addr ("127.0.0.1:0" picks a free port) and returns the
// bound port
func (s *Server) Start(addr string) (int, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.port = listener.Addr().(*net.TCPAddr).Port
	s.httpServer = &http.Server{Handler: s.Handler()}

	go func() {
		if err := s.httpServer.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server error", "err", err)
		}
	}()

	s.logger.Info("server listening", "addr", listener.Addr().String())
	return s.port, nil
}

// Stop drops every peer, cancels in-flight calls and shuts down
func (s *Server) Stop(ctx context.Context) error {
	s.cancel()

	s.peersMu.Lock()
	for _, p := range s.peers {
		p.drop()
	}
	s.peersMu.Unlock()

	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.authKey != "" && r.Header.Get("X-Auth-Key") != s.authKey {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if !s.origins.Allowed(r) {
		s.logger.Warn("refused websocket from foreign origin", "origin", r.Header.Get("Origin"))
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "err", err)
		return
	}

	p := newPeer(conn, s.logger)

	s.peersMu.Lock()
	s.peers[p.id] = p
	s.peersMu.Unlock()

	go p.writeLoop()

	s.readPump(p)
}

// ClientCount returns the number of connected tabs
func (s *Server) ClientCount() int {
	s.peersMu.RLock()
	defer s.peersMu.RUnlock()
	return len(s.peers)
}

func (s *Server) readPump(p *peer) {
	ctx, cancel := context.WithCancel(s.ctx)
	defer func() {
		cancel()
		s.peersMu.Lock()
		delete(s.peers, p.id)
		s.peersMu.Unlock()
		p.drop()
	}()

	p.armReads()
	for {
		_, message, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				p.logger.Warn("websocket read error", "err", err)
			}
			break
		}

		s.handleMessage(ctx, p, message)
	}
}

func (s *Server) handleMessage(ctx context.Context, p *peer, message []byte) {
	var msg WSMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		p.logger.Warn("invalid message format", "err", err)
		return
	}

	if msg.Kind == "rpc_request" && msg.Request != nil {
		// Calls run concurrently so a long search does not block the socket
		go s.handleRPCRequest(ctx, p, msg.Request)
	}
}

func (s *Server) handleRPCRequest(ctx context.Context, p *peer, req *RPCRequest) {
	result, err := s.router.Call(ctx, req.Method, req.Params)
	if err != nil {
		p.logger.Debug("rpc call failed", "method", req.Method, "err", err)
	}

	if err := p.reply(req.ID, result, err); err != nil {
		p.logger.Warn("failed to send response", "method", req.Method, "err", err)
	}
}

// BroadcastEvent sends an event to every connected tab
func (s *Server) BroadcastEvent(eventType string, payload interface{}) {
	s.peersMu.RLock()
	defer s.peersMu.RUnlock()

	for _, p := range s.peers {
		if err := p.notify(eventType, payload); err != nil {
			p.logger.Debug("dropped event", "event", eventType, "err", err)
		}
	}
}

// GetPort returns the bound port
func (s *Server) GetPort() int {
	return s.port
}
