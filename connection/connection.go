// Package connection implements the Connection Manager: handshake validation,
// connection lifecycle (I1), and the per-connection state (client ID, handshake
// values, user context, subscriptions) the rest of the runtime reads.
package connection

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"zocket/rooms"
	"zocket/schema"
	"zocket/send"
	"zocket/transport"
)

// Connection is one live duplex session with a client. Everything on it is owned
// by the Manager; handlers only ever see it through the ambient RequestContext.
type Connection struct {
	ClientID  string
	Handshake map[string]string

	mu   sync.RWMutex
	user any
	open bool // true once on_connect has resolved without error

	// ready is closed once on_connect resolves (successfully or not); frames
	// arriving before that point block here, satisfying P5/I5 without dropping
	// or reordering them.
	ready chan struct{}

	Sink  transport.Sink
	Send  *send.Sender
	Rooms *rooms.Handle

	onSendError func(err error)
}

// User returns the connection's current user context (the value returned by
// on_connect, or whatever on_connect had produced so far if it errored).
func (c *Connection) User() any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.user
}

// IsOpen reports whether on_connect completed successfully. Dispatch uses this to
// implement the LifecycleThrew policy: a connection whose on_connect failed never
// becomes visible to handlers.
func (c *Connection) IsOpen() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.open
}

// Ready returns a channel that is closed once on_connect has resolved. Dispatch
// awaits it before processing the connection's first frame (§4.3).
func (c *Connection) Ready() <-chan struct{} { return c.ready }

// ReportSendError forwards a non-fatal transport send failure to the configured
// per-connection error callback, if any (§5 "Backpressure"). Dispatch calls this
// whenever writing an RPC reply to the connection's sink fails.
func (c *Connection) ReportSendError(err error) {
	if c.onSendError != nil {
		c.onSendError(err)
	}
}

// OnConnectFunc runs once per successful handshake and returns the opaque user
// context stored on the connection. An error means LifecycleThrew: the connection
// is treated as never fully opened.
type OnConnectFunc func(ctx context.Context, handshake map[string]string, clientID string) (any, error)

// OnDisconnectFunc runs exactly once per on_connect, after on_connect has
// resolved (successfully or not) and after every room the connection belonged to
// has been captured in roomsSnapshot.
type OnDisconnectFunc func(ctx context.Context, clientID string, user any, roomsSnapshot []string)

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithHandshakeSchema validates the merged header+query bag against schema before
// accepting a connection. Without one, any handshake is accepted.
func WithHandshakeSchema(s schema.Schema) ManagerOption {
	return func(m *Manager) { m.handshakeSchema = s }
}

// WithOnConnect sets the callback invoked after a successful handshake.
func WithOnConnect(fn OnConnectFunc) ManagerOption {
	return func(m *Manager) { m.onConnect = fn }
}

// WithOnDisconnect sets the callback invoked on every exit path, including
// transport error.
func WithOnDisconnect(fn OnDisconnectFunc) ManagerOption {
	return func(m *Manager) { m.onDisconnect = fn }
}

// WithLogger sets the structured logger used for non-fatal per-connection errors.
func WithLogger(logger *zap.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// WithOnSendError sets a callback invoked whenever writing an RPC reply to a
// connection's sink fails. Non-fatal. Event writes made through a send.Sender
// do not invoke it; the Sender logs those failures instead.
func WithOnSendError(fn func(clientID string, err error)) ManagerOption {
	return func(m *Manager) { m.onSendErr = fn }
}

// Manager owns the live connection table and runs the handshake/open/close
// lifecycle described in §4.3. It is the only component that creates or destroys
// a Connection.
type Manager struct {
	mu   sync.RWMutex
	live map[string]*Connection

	rooms *rooms.Registry

	handshakeSchema schema.Schema
	onConnect       OnConnectFunc
	onDisconnect    OnDisconnectFunc
	onSendErr       func(clientID string, err error)
	logger          *zap.Logger

	publisher transport.Publisher
}

// NewManager creates a Manager. publisher may be nil if the transport adapter does
// not support server-level pub/sub; toRoom then degrades to a logged no-op per
// §4.7.
func NewManager(publisher transport.Publisher, opts ...ManagerOption) *Manager {
	m := &Manager{
		live:      make(map[string]*Connection),
		rooms:     rooms.NewRegistry(),
		publisher: publisher,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Rooms exposes the shared room registry, e.g. for a server-level sender that
// needs to look up room membership independent of any one connection.
func (m *Manager) Rooms() *rooms.Registry { return m.rooms }

// Lookup returns the live connection for clientID, if any.
func (m *Manager) Lookup(clientID string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.live[clientID]
	return c, ok
}

// Each iterates every currently live connection. fn must not call back into the
// Manager (it is called while the read lock is held, matching the teacher's
// connection-table locking discipline).
func (m *Manager) Each(fn func(*Connection)) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.live {
		fn(c)
	}
}

// Snapshot returns every live client ID.
func (m *Manager) Snapshot() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.live))
	for id := range m.live {
		out = append(out, id)
	}
	return out
}

// HandleUpgrade validates the merged handshake bag and allocates a fresh client
// ID on success. It never touches the connection table — that happens in
// HandleOpen, once the transport has actually completed the upgrade.
func (m *Manager) HandleUpgrade(handshake map[string]string) (clientID string, validated map[string]string, rejected *schema.Result) {
	if m.handshakeSchema == nil {
		return m.newClientID(), handshake, nil
	}

	raw, _ := json.Marshal(handshake)
	result, err := m.handshakeSchema.Validate(raw)
	if err != nil || !result.OK() {
		if err != nil {
			result.Issues = append(result.Issues, schema.Issue{Message: err.Error()})
		}
		return "", nil, &result
	}

	out := handshake
	if coerced, ok := result.Value.(map[string]string); ok {
		out = coerced
	}
	return m.newClientID(), out, nil
}

// HandleOpen registers the connection, wires its Send/Rooms handles, and runs
// on_connect asynchronously so the caller (the transport adapter) never blocks the
// accept path on user code. No connection is observable by the dispatch engine
// until on_connect has completed (I5) — HandleOpen arranges that via Ready().
func (m *Manager) HandleOpen(ctx context.Context, sink transport.Sink, clientID string, handshake map[string]string, table send.RouteSchemaLookup) *Connection {
	conn := &Connection{
		ClientID:  clientID,
		Handshake: handshake,
		ready:     make(chan struct{}),
		Sink:      sink,
	}
	conn.onSendError = func(err error) {
		if m.onSendErr != nil {
			m.onSendErr(clientID, err)
		}
	}

	conn.Send = send.NewSender(table, send.ConnectionTableFunc(m.lookupSink), m.publisher, m.logger)
	conn.Rooms = rooms.NewHandle(m.rooms, clientID,
		func(topic string) error { return sink.Subscribe(topic) },
		func(topic string) error { return sink.Unsubscribe(topic) },
		func(route, room string, payload any) error {
			return conn.Send.Emit(route, payload).ToRoom(room)
		},
	)

	m.mu.Lock()
	m.live[clientID] = conn
	m.mu.Unlock()

	go m.runOnConnect(ctx, conn)
	return conn
}

func (m *Manager) runOnConnect(ctx context.Context, conn *Connection) {
	defer close(conn.ready)

	if m.onConnect == nil {
		conn.mu.Lock()
		conn.open = true
		conn.mu.Unlock()
		return
	}

	user, err := m.onConnect(ctx, conn.Handshake, conn.ClientID)
	conn.mu.Lock()
	conn.user = user
	conn.open = err == nil
	conn.mu.Unlock()

	if err != nil {
		m.logger.Warn("on_connect failed, connection never fully opened",
			zap.String("client_id", conn.ClientID), zap.Error(err))
	}
}

// HandleClose runs on_disconnect and tears down every trace of the connection.
// Called on every exit path, including transport error, exactly once per
// on_connect (I1).
func (m *Manager) HandleClose(ctx context.Context, clientID string) {
	m.mu.Lock()
	conn, ok := m.live[clientID]
	if ok {
		delete(m.live, clientID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	<-conn.ready // never run on_disconnect concurrently with a still-running on_connect

	roomsSnapshot := conn.Rooms.Teardown()

	if m.onDisconnect != nil {
		m.onDisconnect(ctx, clientID, conn.User(), roomsSnapshot)
	}
}

func (m *Manager) lookupSink(clientID string) (transport.Sink, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.live[clientID]
	if !ok {
		return nil, false
	}
	return c.Sink, true
}

// newClientID allocates a client_<epoch_ms>_<base36 random> identifier, exactly
// the format documented for client IDs. An 8-character base36 suffix over a
// millisecond epoch gives ample spread for one process's connection churn from
// a single crypto/rand read per handshake.
func (m *Manager) newClientID() string {
	return fmt.Sprintf("client_%d_%s", time.Now().UnixMilli(), randomBase36(8))
}

const base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

func randomBase36(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing is effectively unrecoverable on this host; fall
		// back to a fixed, clearly-non-random suffix rather than panic.
		for i := range buf {
			buf[i] = '0'
		}
		return string(buf)
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = base36Alphabet[int(b)%len(base36Alphabet)]
	}
	return string(out)
}
