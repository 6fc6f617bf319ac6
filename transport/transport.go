// Package transport defines the narrow boundary between the Zocket core and a
// concrete duplex transport. It is the only layer that touches bytes; every other
// package operates on frame.Inbound/frame.Outbound values or higher.
package transport

import (
	"context"
	"net/http"
	"net/url"
)

// Sink is the per-connection write/control surface the core uses to talk back to
// one client.
type Sink interface {
	// Send writes a single outbound frame's bytes to the client.
	Send(ctx context.Context, data []byte) error
	// Close terminates the connection from the server side.
	Close() error
	// Subscribe arms topic on this connection so a Publisher-backed fan-out
	// reaches it without the core having to iterate members.
	Subscribe(topic string) error
	// Unsubscribe is the symmetric teardown for Subscribe.
	Unsubscribe(topic string) error
}

// Publisher is the server-level fan-out primitive required for room broadcast
// (toRoom) to be materially cheaper than iterating members. An adapter that
// cannot implement real pub/sub may omit it; callers MUST treat a nil Publisher as
// "toRoom degrades to a logged no-op", never as "fall back to iterating members" —
// preserving the performance contract at the expense of observability, exactly as
// specified.
type Publisher interface {
	Publish(ctx context.Context, topic string, data []byte) error
}

// UpgradeRequest carries the handshake-relevant parts of the incoming HTTP request:
// protocol headers and the URL query string. The core reads handshake fields from
// both, with query winning on conflict — the documented escape hatch for browser
// WebSocket constructors that cannot set custom headers.
type UpgradeRequest struct {
	Header http.Header
	Query  url.Values
}

// Merged returns the handshake bag: headers first, then query values overlaid on
// top so a conflicting query parameter wins.
func (u UpgradeRequest) Merged() map[string]string {
	out := make(map[string]string, len(u.Header)+len(u.Query))
	for k := range u.Header {
		out[k] = u.Header.Get(k)
	}
	for k := range u.Query {
		out[k] = u.Query.Get(k)
	}
	return out
}

// UpgradeDecision is returned by the core's on_upgrade lifecycle hook.
type UpgradeDecision struct {
	Accept     bool
	ClientID   string            // set when Accept is true
	Handshake  map[string]string // validated handshake values, set when Accept is true
	StatusCode int               // set when Accept is false
	Body       any               // JSON-encodable rejection body, set when Accept is false
}

// Lifecycle is the set of callbacks a transport adapter invokes on the core. The
// core implements this interface; an adapter (e.g. transport/ws) only needs to
// call these four methods at the right moments — it never needs to know about
// routers, schemas, or rooms.
type Lifecycle interface {
	OnUpgrade(ctx context.Context, req UpgradeRequest) UpgradeDecision
	OnOpen(sink Sink, clientID string, handshake map[string]string)
	OnMessage(clientID string, data []byte)
	OnClose(clientID string)
}
