// Package ws is the concrete transport.Sink/transport.Publisher/HTTP adapter for
// WebSocket connections, built on gorilla/websocket. It never imports router,
// schema, or dispatch — it only ever calls the four transport.Lifecycle methods,
// keeping the same boundary mini-rpc's server package keeps between its
// connection-handling loop and its codec/business logic.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"zocket/send"
	"zocket/transport"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 1 << 20 // 1 MiB
)

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the structured logger used for connection-level diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithCheckOrigin overrides the upgrader's origin check. The gorilla default
// rejects cross-origin upgrades; pass a permissive func in development only.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(s *Server) { s.upgrader.CheckOrigin = fn }
}

// Server is an http.Handler that upgrades requests to WebSocket connections and
// drives transport.Lifecycle on the core for each one. It also implements
// transport.Publisher via an in-process topic fan-out, since plain WebSocket
// connections have no server-side broker of their own — the one piece of the
// transport the core needs that gorilla/websocket does not provide by itself.
type Server struct {
	lifecycle transport.Lifecycle
	upgrader  websocket.Upgrader
	logger    *zap.Logger

	mu    sync.RWMutex
	conns map[string]*wsConn

	subsMu sync.RWMutex
	subs   map[string]map[string]struct{} // topic -> set of client IDs
}

// NewServer creates a Server bound to lifecycle, the core's Lifecycle
// implementation (normally *dispatch.Engine).
func NewServer(lifecycle transport.Lifecycle, opts ...Option) *Server {
	s := &Server{
		lifecycle: lifecycle,
		logger:    zap.NewNop(),
		conns:     make(map[string]*wsConn),
		subs:      make(map[string]map[string]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetLifecycle binds the core's transport.Lifecycle implementation after
// construction. It exists because the core (dispatch.Engine) needs a
// transport.Publisher — this Server — before it can itself be built, so the
// two are wired together in two steps rather than one circular constructor
// call.
func (s *Server) SetLifecycle(lifecycle transport.Lifecycle) {
	s.lifecycle = lifecycle
}

// ServeHTTP implements http.Handler: negotiate the upgrade decision with the
// core first (OnUpgrade), only then perform the actual WebSocket handshake, so a
// rejected handshake never costs a socket.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	decision := s.lifecycle.OnUpgrade(r.Context(), transport.UpgradeRequest{
		Header: r.Header,
		Query:  r.URL.Query(),
	})
	if !decision.Accept {
		status := decision.StatusCode
		if status == 0 {
			status = http.StatusForbidden
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = writeJSON(w, decision.Body)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws: upgrade failed", zap.Error(err))
		return
	}

	wc := &wsConn{conn: conn, clientID: decision.ClientID, server: s}
	s.mu.Lock()
	s.conns[decision.ClientID] = wc
	s.mu.Unlock()
	s.subscribe(decision.ClientID, send.BroadcastTopic)

	s.lifecycle.OnOpen(wc, decision.ClientID, decision.Handshake)
	wc.readLoop(s.lifecycle)

	s.mu.Lock()
	delete(s.conns, decision.ClientID)
	s.mu.Unlock()
	s.unsubscribeAll(decision.ClientID)
	s.lifecycle.OnClose(decision.ClientID)
}

// Publish implements transport.Publisher over the in-process subscriber table:
// every connection currently subscribed to topic gets the bytes written directly
// to its socket. This is the adapter's only approximation of real pub/sub — a
// production deployment behind a message broker would replace this method
// without touching the rest of the package.
func (s *Server) Publish(ctx context.Context, topic string, data []byte) error {
	s.subsMu.RLock()
	members := make([]string, 0, len(s.subs[topic]))
	for id := range s.subs[topic] {
		members = append(members, id)
	}
	s.subsMu.RUnlock()

	// Resolve the live *wsConn for each member under the lock, then release it
	// before writing: Send can block for up to writeWait on a slow socket, and
	// holding s.mu across that would stall every concurrent accept/teardown
	// racing for the writer side of the same RWMutex.
	s.mu.RLock()
	conns := make([]*wsConn, 0, len(members))
	for _, id := range members {
		if conn, ok := s.conns[id]; ok {
			conns = append(conns, conn)
		}
	}
	s.mu.RUnlock()

	var firstErr error
	for _, conn := range conns {
		if err := conn.Send(ctx, data); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Server) subscribe(clientID, topic string) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	set, ok := s.subs[topic]
	if !ok {
		set = make(map[string]struct{})
		s.subs[topic] = set
	}
	set[clientID] = struct{}{}
}

func (s *Server) unsubscribe(clientID, topic string) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	set, ok := s.subs[topic]
	if !ok {
		return
	}
	delete(set, clientID)
	if len(set) == 0 {
		delete(s.subs, topic)
	}
}

func (s *Server) unsubscribeAll(clientID string) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for topic, set := range s.subs {
		if _, ok := set[clientID]; ok {
			delete(set, clientID)
			if len(set) == 0 {
				delete(s.subs, topic)
			}
		}
	}
}

// wsConn is the transport.Sink for one WebSocket connection. writeMu is the same
// per-connection write-serialization lock mini-rpc's handleConn shares across
// concurrently processed requests, adapted here to guard gorilla/websocket's
// single-writer requirement instead of a raw TCP frame boundary.
type wsConn struct {
	conn     *websocket.Conn
	clientID string
	server   *Server
	writeMu  sync.Mutex
}

func (c *wsConn) Send(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	return c.conn.Close()
}

func (c *wsConn) Subscribe(topic string) error {
	c.server.subscribe(c.clientID, topic)
	return nil
}

func (c *wsConn) Unsubscribe(topic string) error {
	c.server.unsubscribe(c.clientID, topic)
	return nil
}

// readLoop is the single reader goroutine for this connection — reads must stay
// sequential so OnMessage assigns tickets in true receive order (I6). It also
// runs the ping/pong heartbeat mini-rpc's TCP transport implements with its own
// heartbeat frame type, translated here to WebSocket's native ping control frame.
func (c *wsConn) readLoop(lifecycle transport.Lifecycle) {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	stopPing := make(chan struct{})
	go c.pingLoop(stopPing)
	defer close(stopPing)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		lifecycle.OnMessage(c.clientID, data)
	}
}

func (c *wsConn) pingLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("ws: marshal rejection body: %w", err)
	}
	_, err = w.Write(data)
	return err
}
