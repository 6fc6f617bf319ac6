// Package send implements the Send Fabric: the fluent dispatcher handlers and
// ambient code use to push events back to one connection, a room, or everyone.
package send

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"zocket/frame"
	"zocket/transport"
)

// RouteSchemaLookup optionally resolves the outbound schema registered for a
// route, so Sender can validate a payload before it ever reaches the wire. A nil
// lookup (or a route with no registered schema) skips validation entirely.
type RouteSchemaLookup func(route string) (validate func(any) error, ok bool)

// ConnectionTableFunc resolves a client ID to its live transport.Sink. It is the
// seam connection.Manager plugs in; it lets Sender reach an arbitrary connection
// without importing the connection package (which would create a cycle).
type ConnectionTableFunc func(clientID string) (transport.Sink, bool)

// Sender is the send fabric bound to one Zocket instance. Each connection gets
// its own Sender, but none is scoped to its owner: to/toRoom/broadcast may
// target any connection — see §4.5.
type Sender struct {
	routeSchema RouteSchemaLookup
	table       ConnectionTableFunc
	publisher   transport.Publisher
	logger      *zap.Logger
}

// NewSender builds a Sender. routeSchema and publisher may be nil.
func NewSender(routeSchema RouteSchemaLookup, table ConnectionTableFunc, publisher transport.Publisher, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{routeSchema: routeSchema, table: table, publisher: publisher, logger: logger}
}

// Emit begins a fluent dispatch for route/payload. Nothing is sent until a
// terminal operation (To, ToRoom, Broadcast) is called.
func (s *Sender) Emit(route string, payload any) *Fluent {
	return &Fluent{sender: s, route: route, payload: payload}
}

// Fluent is the builder returned by Sender.Emit; it mirrors the specification's
// send.<route>(payload).to(...)/.toRoom(...)/.broadcast() chain.
type Fluent struct {
	sender  *Sender
	route   string
	payload any
}

// encode validates (if a schema is registered for the route) and serializes the
// payload exactly once, so every terminal operation ships identical bytes.
func (f *Fluent) encode() ([]byte, error) {
	if f.sender.routeSchema != nil {
		if validate, ok := f.sender.routeSchema(f.route); ok {
			if err := validate(f.payload); err != nil {
				return nil, fmt.Errorf("send: payload for route %q failed validation: %w", f.route, err)
			}
		}
	}
	return frame.Encode(frame.NewEvent(f.route, f.payload))
}

// To sends the event to one or more connections by client ID, matching the
// explicit-set targeting mode's to(client_ids) shape. An unknown clientID is
// silently skipped — the caller raced a disconnect, not an error condition
// worth surfacing — and the remaining IDs still receive the event. A failed
// write is logged and does not stop delivery to the remaining IDs; the first
// such error is returned once every ID has been tried.
func (f *Fluent) To(clientIDs ...string) error {
	data, err := f.encode()
	if err != nil {
		return err
	}
	var firstErr error
	for _, clientID := range clientIDs {
		sink, ok := f.sender.table(clientID)
		if !ok {
			continue
		}
		if err := sink.Send(context.Background(), data); err != nil {
			f.sender.logger.Warn("send: delivery to connection failed",
				zap.String("client_id", clientID), zap.String("route", f.route), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// ToRoom sends the event to every member of one or more rooms via the
// transport's Publisher, matching the room targeting mode's
// toRoom(room_ids) shape, so fan-out cost does not scale with the number of
// connections the server process happens to be holding open. A nil Publisher
// degrades to a logged no-op — it never falls back to iterating members, which
// would silently reintroduce the cost this path exists to avoid.
func (f *Fluent) ToRoom(rooms ...string) error {
	data, err := f.encode()
	if err != nil {
		return err
	}
	if f.sender.publisher == nil {
		f.sender.logger.Warn("send: toRoom has no publisher configured, dropping",
			zap.Strings("rooms", rooms), zap.String("route", f.route))
		return nil
	}
	for _, room := range rooms {
		if err := f.sender.publisher.Publish(context.Background(), room, data); err != nil {
			f.sender.logger.Warn("send: room publish failed",
				zap.String("room", room), zap.String("route", f.route), zap.Error(err))
			return err
		}
	}
	return nil
}

// Broadcast sends the event to every connection known to the publisher's global
// topic. Like ToRoom, this requires a Publisher; without one it is a logged no-op.
func (f *Fluent) Broadcast() error {
	return f.ToRoom(BroadcastTopic)
}

// BroadcastTopic is the reserved pub/sub topic every connection is implicitly
// subscribed to on open, used by Broadcast. Transport adapters that implement
// Publisher must subscribe every new connection to this topic.
const BroadcastTopic = "__broadcast"
