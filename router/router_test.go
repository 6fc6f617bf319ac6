package router

import (
	"context"
	"testing"

	"zocket/schema"
)

func noopHandler(ctx context.Context, input any) (any, error) { return nil, nil }

func TestFlattenBuildsDottedPaths(t *testing.T) {
	tree := Node{
		"echo": Node{
			"ping":   Incoming(schema.Any(), noopHandler),
			"onPong": Outgoing(schema.Any()),
		},
	}
	table, err := Flatten(tree)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := table["echo.ping"]; !ok {
		t.Fatal("expected echo.ping in table")
	}
	if _, ok := table["echo.onPong"]; !ok {
		t.Fatal("expected echo.onPong in table")
	}
	if table["echo.onPong"].Direction != Out {
		t.Fatal("expected echo.onPong to be Out")
	}
}

func TestFlattenRejectsReservedRoute(t *testing.T) {
	tree := Node{"__rpc_res": Incoming(schema.Any(), noopHandler)}
	if _, err := Flatten(tree); err == nil {
		t.Fatal("expected reserved route to be rejected")
	}
}

func TestFlattenRejectsMissingHandler(t *testing.T) {
	tree := Node{"broken": &Procedure{Direction: In}}
	if _, err := Flatten(tree); err == nil {
		t.Fatal("expected missing handler to be rejected")
	}
}

func TestFlattenRejectsHandlerOnOut(t *testing.T) {
	tree := Node{"broken": &Procedure{Direction: Out, Handler: noopHandler}}
	if _, err := Flatten(tree); err == nil {
		t.Fatal("expected handler on out procedure to be rejected")
	}
}

func TestFlattenAcceptsLegacyHandlerTree(t *testing.T) {
	tree := Node{"legacy": &Procedure{Direction: In}}
	table, err := Flatten(tree, map[string]HandlerFunc{"legacy": noopHandler})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if table["legacy"].Handler == nil {
		t.Fatal("expected legacy handler to be wired in")
	}
}

func TestFlattenRejectsDuplicateAcrossGroups(t *testing.T) {
	// "a.b" nested under "a" and "a.b" declared flat both flatten to the same
	// dotted path, even though they're distinct, non-colliding map keys.
	tree := Node{
		"a":   Node{"b": Incoming(schema.Any(), noopHandler)},
		"a.b": Incoming(schema.Any(), noopHandler),
	}
	if _, err := Flatten(tree); err == nil {
		t.Fatal("expected duplicate dotted route to be rejected")
	}
}
