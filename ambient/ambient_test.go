package ambient

import (
	"context"
	"testing"
)

func TestWithFromRoundTrip(t *testing.T) {
	rc := &RequestContext{ClientID: "client_1", Route: "chat.message"}
	ctx := With(context.Background(), rc)

	got, ok := From(ctx)
	if !ok {
		t.Fatal("expected RequestContext to be present")
	}
	if got.ClientID != "client_1" || got.Route != "chat.message" {
		t.Fatalf("unexpected RequestContext: %+v", got)
	}
}

func TestFromMissingReturnsFalse(t *testing.T) {
	if _, ok := From(context.Background()); ok {
		t.Fatal("expected no RequestContext on a bare context")
	}
}

func TestMustFromPanicsWithoutContext(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	MustFrom(context.Background())
}

func TestIsRPCReflectsRPCID(t *testing.T) {
	rc := &RequestContext{}
	if rc.IsRPC() {
		t.Fatal("expected IsRPC false without an RPCID")
	}
	rc.RPCID = "abc"
	if !rc.IsRPC() {
		t.Fatal("expected IsRPC true with an RPCID")
	}
}
