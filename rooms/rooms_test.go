package rooms

import "testing"

func TestJoinIsIdempotent(t *testing.T) {
	r := NewRegistry()
	r.Join("a", "general")
	r.Join("a", "general")
	members := r.Members("general")
	if len(members) != 1 {
		t.Fatalf("expected 1 member, got %d", len(members))
	}
}

func TestLeaveNonMemberIsNoop(t *testing.T) {
	r := NewRegistry()
	r.Leave("a", "nowhere") // must not panic
	if r.Has("a", "nowhere") {
		t.Fatal("unexpected membership")
	}
}

func TestLeaveRemovesEmptyRoom(t *testing.T) {
	r := NewRegistry()
	r.Join("a", "general")
	r.Leave("a", "general")
	if _, ok := r.members["general"]; ok {
		t.Fatal("expected empty room to be removed")
	}
}

func TestHandleJoinLeaveCallsTransport(t *testing.T) {
	r := NewRegistry()
	var subscribed, unsubscribed []string
	h := NewHandle(r, "a", func(topic string) error {
		subscribed = append(subscribed, topic)
		return nil
	}, func(topic string) error {
		unsubscribed = append(unsubscribed, topic)
		return nil
	}, nil)

	if err := h.Join("general"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := h.Join("general"); err != nil { // idempotent, should not re-subscribe
		t.Fatalf("unexpected error: %v", err)
	}
	if len(subscribed) != 1 {
		t.Fatalf("expected exactly one subscribe call, got %d", len(subscribed))
	}
	if !h.Has("general") {
		t.Fatal("expected membership")
	}

	if err := h.Leave("general"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(unsubscribed) != 1 {
		t.Fatalf("expected exactly one unsubscribe call, got %d", len(unsubscribed))
	}
	if h.Has("general") {
		t.Fatal("expected membership to be gone")
	}
}

func TestHandleTeardownReturnsFinalSnapshot(t *testing.T) {
	r := NewRegistry()
	h := NewHandle(r, "a", nil, nil, nil)
	h.Join("r1")
	h.Join("r2")

	final := h.Teardown()
	if len(final) != 2 {
		t.Fatalf("expected 2 rooms in final snapshot, got %d", len(final))
	}
	if r.Has("a", "r1") || r.Has("a", "r2") {
		t.Fatal("expected registry membership to be cleared")
	}
	if len(h.Current()) != 0 {
		t.Fatal("expected handle subscriptions to be cleared")
	}
}
