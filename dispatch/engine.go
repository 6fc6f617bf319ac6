// Package dispatch implements the Dispatch Engine: the per-frame pipeline that
// takes raw bytes off the wire, decodes, validates, runs the middleware+handler
// chain, and replies to RPC callers — while enforcing that handler chains start
// in the order their frames were received (I6).
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"zocket/ambient"
	"zocket/connection"
	"zocket/frame"
	"zocket/middleware"
	"zocket/router"
	"zocket/schema"
	"zocket/transport"
)

// Engine wires a compiled router.Table to a connection.Manager and implements
// transport.Lifecycle, so a transport adapter only ever needs to talk to one
// object.
type Engine struct {
	table    router.Table
	compiled map[string]router.HandlerFunc
	manager  *connection.Manager
	logger   *zap.Logger
	globalMW []router.MiddlewareFunc

	gatesMu sync.Mutex
	gates   map[string]*connGate
}

type connGate struct {
	gate *ticketGate
	next uint64
}

// rejectionBody is the wire shape of a rejected handshake: {"error": "...",
// "details": [...]}, matching the error envelope the rest of the module uses
// for client-facing failures.
type rejectionBody struct {
	Error   string         `json:"error"`
	Details []schema.Issue `json:"details,omitempty"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithGlobalMiddleware installs middleware that runs around every In procedure,
// applied outermost-first and ahead of the procedure's own middleware —
// mirroring mini-rpc's Server.Use.
func WithGlobalMiddleware(mws ...router.MiddlewareFunc) Option {
	return func(e *Engine) { e.globalMW = mws }
}

// WithLogger sets the structured logger used for dropped-frame diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

func NewEngine(table router.Table, manager *connection.Manager, opts ...Option) *Engine {
	e := &Engine{
		table:   table,
		manager: manager,
		logger:  zap.NewNop(),
		gates:   make(map[string]*connGate),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.compiled = make(map[string]router.HandlerFunc, len(table))
	for route, proc := range table {
		if proc.Direction != router.In {
			continue
		}
		chain := middleware.Chain(append(append([]router.MiddlewareFunc{}, e.globalMW...), proc.Middlewares...)...)
		e.compiled[route] = chain(proc.Handler)
	}
	return e
}

// RouteSchemaLookup exposes each Out procedure's schema as a send.RouteSchemaLookup,
// so every connection's Sender validates outgoing payloads against the
// declared shape before they hit the wire.
func (e *Engine) RouteSchemaLookup(route string) (func(any) error, bool) {
	proc, ok := e.table[route]
	if !ok || proc.Direction != router.Out || proc.Schema == nil {
		return nil, false
	}
	s := proc.Schema
	return func(payload any) error {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("dispatch: marshal outgoing payload for %q: %w", route, err)
		}
		result, err := s.Validate(raw)
		if err != nil {
			return fmt.Errorf("dispatch: schema error for %q: %w", route, err)
		}
		if !result.OK() {
			return fmt.Errorf("dispatch: outgoing payload for %q failed validation: %+v", route, result.Issues)
		}
		return nil
	}, true
}

// OnUpgrade implements transport.Lifecycle.
func (e *Engine) OnUpgrade(ctx context.Context, req transport.UpgradeRequest) transport.UpgradeDecision {
	clientID, handshake, rejected := e.manager.HandleUpgrade(req.Merged())
	if rejected != nil {
		return transport.UpgradeDecision{
			Accept:     false,
			StatusCode: 400,
			Body: rejectionBody{
				Error:   "Invalid headers",
				Details: rejected.Issues,
			},
		}
	}
	return transport.UpgradeDecision{Accept: true, ClientID: clientID, Handshake: handshake}
}

// OnOpen implements transport.Lifecycle.
func (e *Engine) OnOpen(sink transport.Sink, clientID string, handshake map[string]string) {
	e.gatesMu.Lock()
	e.gates[clientID] = &connGate{gate: newTicketGate()}
	e.gatesMu.Unlock()

	e.manager.HandleOpen(context.Background(), sink, clientID, handshake, e.RouteSchemaLookup)
}

// OnClose implements transport.Lifecycle.
func (e *Engine) OnClose(clientID string) {
	e.gatesMu.Lock()
	delete(e.gates, clientID)
	e.gatesMu.Unlock()

	e.manager.HandleClose(context.Background(), clientID)
}

// OnMessage implements transport.Lifecycle. It is always called from the
// connection's own read loop, so tickets are assigned in receive order by
// construction; the actual frame processing happens on its own goroutine so a
// slow handler never stalls the read loop or later frames' starts.
func (e *Engine) OnMessage(clientID string, data []byte) {
	e.gatesMu.Lock()
	cg, ok := e.gates[clientID]
	if !ok {
		e.gatesMu.Unlock()
		return
	}
	ticket := cg.next
	cg.next++
	e.gatesMu.Unlock()

	go e.process(clientID, cg.gate, ticket, data)
}

func (e *Engine) process(clientID string, gate *ticketGate, ticket uint64, data []byte) {
	gate.Wait(ticket)

	conn, ok := e.manager.Lookup(clientID)
	if !ok {
		gate.Advance()
		return
	}
	<-conn.Ready()
	if !conn.IsOpen() {
		gate.Advance()
		return
	}

	in, err := frame.Decode(data)
	if err != nil {
		gate.Advance()
		e.logger.Warn("dispatch: dropping malformed frame", zap.String("client_id", clientID), zap.Error(err))
		return
	}

	proc, ok := e.table[in.Type]
	if !ok || proc.Direction != router.In {
		gate.Advance()
		e.logger.Warn("dispatch: dropping frame for unknown route", zap.String("client_id", clientID), zap.String("route", in.Type))
		return
	}

	input, err := e.validate(proc.Schema, in.Payload)
	if err != nil {
		// PayloadInvalid: dropped silently, even if RPCID is set — the caller
		// receiving no reply is itself the error signal for now, per the
		// specification's open question on this path.
		gate.Advance()
		e.logger.Warn("dispatch: payload failed validation", zap.String("client_id", clientID), zap.String("route", in.Type), zap.Error(err))
		return
	}

	handler, ok := e.compiled[in.Type]
	if !ok {
		gate.Advance()
		return
	}

	rc := &ambient.RequestContext{
		ClientID:  clientID,
		Handshake: conn.Handshake,
		User:      conn.User(),
		Route:     in.Type,
		RPCID:     in.RPCID,
		Send:      conn.Send,
		Rooms:     conn.Rooms,
	}
	ctx := ambient.With(context.Background(), rc)

	// Advance the gate here, immediately before the handler chain runs. The
	// lookup, decode and validation above ran while holding this frame's
	// ticket, so they happen in receive order; the handler body below does
	// not hold it, so the next frame may proceed while it runs.
	gate.Advance()

	result, err := handler(ctx, input)
	if err != nil {
		// HandlerThrew/MiddlewareRejected: no reply, even for an RPC caller.
		e.logger.Warn("dispatch: handler chain returned error", zap.String("client_id", clientID), zap.String("route", in.Type), zap.Error(err))
		return
	}

	if in.RPCID == "" {
		return
	}
	out, err := frame.Encode(frame.NewReply(in.RPCID, result))
	if err != nil {
		e.logger.Warn("dispatch: failed to encode rpc reply", zap.String("client_id", clientID), zap.Error(err))
		return
	}
	if err := conn.Sink.Send(context.Background(), out); err != nil {
		conn.ReportSendError(err)
	}
}

func (e *Engine) validate(s schema.Schema, raw json.RawMessage) (any, error) {
	if s == nil {
		s = schema.Any()
	}
	result, err := s.Validate(raw)
	if err != nil {
		return nil, err
	}
	if !result.OK() {
		return nil, fmt.Errorf("dispatch: %d validation issue(s)", len(result.Issues))
	}
	return result.Value, nil
}
