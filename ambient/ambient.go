// Package ambient implements the Ambient Context Store: the per-frame context
// object handlers and middleware receive, carried the idiomatic Go way — as a
// value on context.Context — rather than through a task-local mechanism the
// language doesn't have (see the design notes this choice is grounded on).
package ambient

import (
	"context"
	"fmt"

	"zocket/rooms"
	"zocket/send"
)

// RequestContext is the per-frame ambient context: everything a handler or
// middleware needs about the connection and the frame currently being
// processed, without having to thread it through every function signature by
// hand.
type RequestContext struct {
	ClientID  string
	Handshake map[string]string
	User      any

	// Route is the dotted path the current frame was dispatched to.
	Route string
	// RPCID is non-empty when the current frame expects a reply.
	RPCID string

	Send  *send.Sender
	Rooms *rooms.Handle
}

// IsRPC reports whether the frame being processed expects a reply.
func (r *RequestContext) IsRPC() bool { return r.RPCID != "" }

type contextKey struct{}

// With returns a derived context carrying rc. Dispatch calls this once per
// frame, before invoking the compiled middleware+handler chain.
func With(parent context.Context, rc *RequestContext) context.Context {
	return context.WithValue(parent, contextKey{}, rc)
}

// From extracts the RequestContext previously attached with With, if any.
func From(ctx context.Context) (*RequestContext, bool) {
	rc, ok := ctx.Value(contextKey{}).(*RequestContext)
	return rc, ok
}

// MustFrom extracts the RequestContext and panics if the context has none. A
// handler reached through the dispatch engine always has one; this only fires if
// a handler is invoked outside of it, which is a programming error worth
// surfacing loudly rather than papering over with a zero-value ctx.
func MustFrom(ctx context.Context) *RequestContext {
	rc, ok := From(ctx)
	if !ok {
		panic(fmt.Sprintf("ambient: %T missing from context, handler invoked outside the dispatch engine", rc))
	}
	return rc
}
