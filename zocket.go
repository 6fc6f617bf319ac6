// Package zocket assembles the router, schema gateway, connection manager,
// dispatch engine, room registry, and send fabric into one bidirectional
// RPC-and-event server over a duplex transport (WebSocket by default via
// zocket/transport/ws).
//
// Usage mirrors mini-rpc's Server: build a router tree, register it with New,
// attach any global middleware with Use, then mount Handler() on an HTTP mux and
// serve.
package zocket

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"zocket/connection"
	"zocket/dispatch"
	"zocket/router"
	"zocket/schema"
	"zocket/send"
	"zocket/transport"
	"zocket/transport/ws"
)

// Option configures a Server. Options that affect how the dispatch engine is
// compiled (global middleware, the handshake schema, lifecycle callbacks) must
// be supplied to New or Use before the first call to Handler.
type Option func(*config)

type config struct {
	logger          *zap.Logger
	handshakeSchema schema.Schema
	onConnect       connection.OnConnectFunc
	onDisconnect    connection.OnDisconnectFunc
	onSendError     func(clientID string, err error)
	legacyHandlers  map[string]router.HandlerFunc
	checkOrigin     func(r *http.Request) bool
	globalMW        []router.MiddlewareFunc
}

// WithLogger sets the structured logger used across the connection manager and
// dispatch engine.
func WithLogger(logger *zap.Logger) Option {
	return func(c *config) { c.logger = logger }
}

// WithHandshakeSchema validates every incoming connection's merged
// header+query bag before it is accepted.
func WithHandshakeSchema(s schema.Schema) Option {
	return func(c *config) { c.handshakeSchema = s }
}

// WithOnConnect registers the lifecycle hook run once per accepted connection.
func WithOnConnect(fn connection.OnConnectFunc) Option {
	return func(c *config) { c.onConnect = fn }
}

// WithOnDisconnect registers the lifecycle hook run once per connection, on
// every exit path.
func WithOnDisconnect(fn connection.OnDisconnectFunc) Option {
	return func(c *config) { c.onDisconnect = fn }
}

// WithOnSendError registers a callback invoked whenever writing an RPC reply to
// some connection's sink fails. Event writes made through a send.Sender do not
// invoke it; the Sender logs those failures instead.
func WithOnSendError(fn func(clientID string, err error)) Option {
	return func(c *config) { c.onSendError = fn }
}

// WithLegacyHandlers supplies handlers for In procedures declared without one
// directly in the router tree, keyed by dotted route — the "parallel handler
// tree" registration style.
func WithLegacyHandlers(handlers map[string]router.HandlerFunc) Option {
	return func(c *config) { c.legacyHandlers = handlers }
}

// WithCheckOrigin overrides the WebSocket upgrader's origin check. The default
// rejects cross-origin upgrades; pass a permissive func only in development.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(c *config) { c.checkOrigin = fn }
}

// Server is a complete Zocket instance bound to one router tree.
type Server struct {
	cfg     config
	table   router.Table
	manager *connection.Manager
	ws      *ws.Server
	engine  *dispatch.Engine

	buildOnce sync.Once
	built     bool
	buildMu   sync.Mutex
}

// New flattens tree into a dispatch table and builds a Server. It returns an
// error for any router configuration mistake Flatten catches (duplicate
// routes, a reserved route name, a Handler on an Out procedure, a missing
// Handler on an In procedure).
func New(tree router.Node, opts ...Option) (*Server, error) {
	var cfg config
	cfg.logger = zap.NewNop()
	for _, opt := range opts {
		opt(&cfg)
	}

	var legacy []map[string]router.HandlerFunc
	if cfg.legacyHandlers != nil {
		legacy = []map[string]router.HandlerFunc{cfg.legacyHandlers}
	}
	table, err := router.Flatten(tree, legacy...)
	if err != nil {
		return nil, fmt.Errorf("zocket: %w", err)
	}

	return &Server{cfg: cfg, table: table}, nil
}

// Use appends global middleware, applied outermost and ahead of any
// per-procedure middleware, to every In procedure. It must be called before
// Handler; calling it afterward has no effect on the already-compiled engine
// and is logged as a configuration mistake.
func (s *Server) Use(mws ...router.MiddlewareFunc) {
	s.buildMu.Lock()
	defer s.buildMu.Unlock()
	if s.built {
		s.cfg.logger.Warn("zocket: Use called after Handler was built, middleware ignored")
		return
	}
	s.cfg.globalMW = append(s.cfg.globalMW, mws...)
}

// build compiles the connection manager, dispatch engine, and transport
// adapter exactly once, on first use — mirroring mini-rpc's Serve building its
// middleware chain once at startup rather than per-request.
func (s *Server) build() {
	s.buildOnce.Do(func() {
		s.buildMu.Lock()
		s.built = true
		s.buildMu.Unlock()

		// ws.Server is both the transport.Publisher and the eventual
		// http.Handler; the engine needs the former before either exists, so
		// wsServer is constructed with a placeholder lifecycle that is filled
		// in immediately after.
		wsOpts := []ws.Option{ws.WithLogger(s.cfg.logger)}
		if s.cfg.checkOrigin != nil {
			wsOpts = append(wsOpts, ws.WithCheckOrigin(s.cfg.checkOrigin))
		}
		wsServer := ws.NewServer(nil, wsOpts...)

		s.manager = connection.NewManager(wsServer,
			connection.WithHandshakeSchema(s.cfg.handshakeSchema),
			connection.WithOnConnect(s.cfg.onConnect),
			connection.WithOnDisconnect(s.cfg.onDisconnect),
			connection.WithOnSendError(s.cfg.onSendError),
			connection.WithLogger(s.cfg.logger),
		)
		s.engine = dispatch.NewEngine(s.table, s.manager,
			dispatch.WithGlobalMiddleware(s.cfg.globalMW...),
			dispatch.WithLogger(s.cfg.logger),
		)
		wsServer.SetLifecycle(s.engine)
		s.ws = wsServer
	})
}

// Handler returns the http.Handler to mount on a route that should accept
// WebSocket upgrades (e.g. "/ws"). Building the connection manager, dispatch
// engine, and transport adapter happens on first call.
func (s *Server) Handler() http.Handler {
	s.build()
	return s.ws
}

// Send returns the server-wide send fabric: the same fluent dispatcher a
// handler reaches via ctx.send, usable from outside any connection's request
// scope (a timer, an HTTP endpoint, a background job).
func (s *Server) Send() *send.Sender {
	s.build()
	return send.NewSender(s.engine.RouteSchemaLookup, s.lookupSink, s.ws, s.cfg.logger)
}

func (s *Server) lookupSink(clientID string) (transport.Sink, bool) {
	conn, ok := s.manager.Lookup(clientID)
	if !ok {
		return nil, false
	}
	return conn.Sink, true
}

// Shutdown closes every live connection's sink and waits up to timeout for
// those Close calls to return — the same drain-with-timeout shape mini-rpc's
// Server.Shutdown uses around its in-flight request WaitGroup, applied here to
// live connections instead of requests. It does not wait for read loops or
// in-flight handlers to exit, and it does not stop new upgrades.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.build()

	done := make(chan struct{})
	go func() {
		s.manager.Each(func(conn *connection.Connection) {
			_ = conn.Sink.Close()
		})
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("zocket: timeout closing connections")
	}
}
