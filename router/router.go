// Package router converts a declarative, nested router tree into the flat
// dotted-path dispatch table the dispatch engine uses at runtime.
//
// Flattening is a depth-first traversal of the tree, exactly the shape of
// mini-rpc's reflection-based service scan in server/service.go, except the tree
// is built at compile time instead of discovered via reflection: every leaf is a
// *Procedure placed explicitly by the caller, and the traversal's only job is to
// accumulate dotted paths and catch configuration mistakes before the server ever
// accepts a connection.
package router

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"zocket/frame"
	"zocket/schema"
)

// Direction distinguishes incoming procedures (client -> server) from outgoing
// event declarations (server -> client).
type Direction int

const (
	// In procedures accept a validated payload, run a middleware chain, and
	// invoke a handler that may return a value for RPC callers.
	In Direction = iota
	// Out procedures have no handler; they exist only so a client can type-check
	// its event subscriptions against an output payload schema.
	Out
)

func (d Direction) String() string {
	if d == Out {
		return "out"
	}
	return "in"
}

// HandlerFunc processes a validated payload under a request-scoped context and
// optionally returns a value (used as the RPC reply payload).
type HandlerFunc func(ctx context.Context, input any) (any, error)

// MiddlewareFunc wraps a HandlerFunc to add cross-cutting behavior. A middleware
// that wants to reject a request has its returned HandlerFunc return a non-nil
// error without calling next.
// See package middleware for the composition helper (Chain) and built-ins.
type MiddlewareFunc func(next HandlerFunc) HandlerFunc

// Procedure is a single leaf in a router tree.
type Procedure struct {
	Direction   Direction
	Schema      schema.Schema // input schema (In) or output schema (Out); may be nil
	Middlewares []MiddlewareFunc
	Handler     HandlerFunc // required for In, must be nil for Out
}

// Incoming declares an In procedure.
func Incoming(input schema.Schema, handler HandlerFunc, mws ...MiddlewareFunc) *Procedure {
	return &Procedure{Direction: In, Schema: input, Handler: handler, Middlewares: mws}
}

// Outgoing declares an Out procedure. It carries no handler.
func Outgoing(output schema.Schema) *Procedure {
	return &Procedure{Direction: Out, Schema: output}
}

// Node is one level of a declarative router tree. A value is either a *Procedure
// (a leaf) or a nested Node (a named grouping).
type Node map[string]any

// Table is the flattened dispatch table: dotted path -> procedure.
type Table map[string]*Procedure

// Flatten walks tree depth-first and produces a Table. legacyHandlers optionally
// supplies handlers for In procedures declared without one directly on the node
// (the "parallel handler tree" style mentioned in the specification) keyed by the
// same dotted path; when present it plugs the gap left by a Procedure with a nil
// Handler. Flatten always produces exactly one entry per route, and returns a
// configuration error — never panics — for duplicate routes, a reserved route
// name, a Handler on an Out procedure, or a missing Handler on an In procedure.
func Flatten(tree Node, legacyHandlers ...map[string]HandlerFunc) (Table, error) {
	var legacy map[string]HandlerFunc
	if len(legacyHandlers) > 0 {
		legacy = legacyHandlers[0]
	}

	table := make(Table)
	if err := flattenNode(tree, nil, legacy, table); err != nil {
		return nil, err
	}
	return table, nil
}

func flattenNode(node Node, path []string, legacy map[string]HandlerFunc, table Table) error {
	// Deterministic iteration makes configuration errors reproducible across runs.
	keys := make([]string, 0, len(node))
	for k := range node {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, seg := range keys {
		child := node[seg]
		childPath := append(append([]string{}, path...), seg)
		dotted := strings.Join(childPath, ".")

		if err := frame.ValidateRoute(dotted); err != nil {
			return fmt.Errorf("router: %w", err)
		}

		switch v := child.(type) {
		case *Procedure:
			if err := registerProcedure(table, dotted, v, legacy); err != nil {
				return err
			}
		case Node:
			if err := flattenNode(v, childPath, legacy, table); err != nil {
				return err
			}
		default:
			return fmt.Errorf("router: %q is neither a *Procedure nor a Node (%T)", dotted, child)
		}
	}
	return nil
}

func registerProcedure(table Table, dotted string, proc *Procedure, legacy map[string]HandlerFunc) error {
	if _, exists := table[dotted]; exists {
		return fmt.Errorf("router: duplicate route %q", dotted)
	}

	resolved := *proc // copy — Flatten must not mutate the caller's tree
	if resolved.Direction == Out {
		if resolved.Handler != nil {
			return fmt.Errorf("router: route %q is declared out but has a handler", dotted)
		}
		table[dotted] = &resolved
		return nil
	}

	if resolved.Handler == nil {
		if h, ok := legacy[dotted]; ok {
			resolved.Handler = h
		} else {
			return fmt.Errorf("router: route %q is declared in but has no handler", dotted)
		}
	}
	table[dotted] = &resolved
	return nil
}
