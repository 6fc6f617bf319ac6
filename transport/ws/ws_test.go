package ws

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"zocket/transport"
)

// fakeLifecycle is a minimal transport.Lifecycle stand-in so this package can be
// tested without depending on the dispatch engine.
type fakeLifecycle struct {
	mu       sync.Mutex
	messages []string
	opened   []string
	closed   []string
}

func (f *fakeLifecycle) OnUpgrade(ctx context.Context, req transport.UpgradeRequest) transport.UpgradeDecision {
	if req.Query.Get("reject") == "1" {
		return transport.UpgradeDecision{Accept: false, StatusCode: 401, Body: map[string]string{"reason": "no"}}
	}
	return transport.UpgradeDecision{Accept: true, ClientID: "client_1", Handshake: req.Merged()}
}

func (f *fakeLifecycle) OnOpen(sink transport.Sink, clientID string, handshake map[string]string) {
	f.mu.Lock()
	f.opened = append(f.opened, clientID)
	f.mu.Unlock()
	_ = sink.Send(context.Background(), []byte(`{"type":"welcome"}`))
}

func (f *fakeLifecycle) OnMessage(clientID string, data []byte) {
	f.mu.Lock()
	f.messages = append(f.messages, string(data))
	f.mu.Unlock()
}

func (f *fakeLifecycle) OnClose(clientID string) {
	f.mu.Lock()
	f.closed = append(f.closed, clientID)
	f.mu.Unlock()
}

func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	return conn
}

func TestServeHTTPAcceptsAndForwardsMessages(t *testing.T) {
	lifecycle := &fakeLifecycle{}
	srv := NewServer(lifecycle)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn := dialWS(t, url)
	defer conn.Close()

	_, welcome, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("expected welcome message: %v", err)
	}
	if string(welcome) != `{"type":"welcome"}` {
		t.Fatalf("unexpected welcome payload: %s", welcome)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		lifecycle.mu.Lock()
		n := len(lifecycle.messages)
		lifecycle.mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	lifecycle.mu.Lock()
	defer lifecycle.mu.Unlock()
	if len(lifecycle.messages) != 1 || lifecycle.messages[0] != `{"type":"ping"}` {
		t.Fatalf("expected lifecycle to observe the message, got %v", lifecycle.messages)
	}
	if len(lifecycle.opened) != 1 || lifecycle.opened[0] != "client_1" {
		t.Fatalf("expected OnOpen to be called once, got %v", lifecycle.opened)
	}
}

func TestServeHTTPRejectsUpgrade(t *testing.T) {
	lifecycle := &fakeLifecycle{}
	srv := NewServer(lifecycle)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "?reject=1"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial to fail for a rejected upgrade")
	}
	if resp == nil || resp.StatusCode != 401 {
		t.Fatalf("expected 401 status, got %+v", resp)
	}
}

func TestPublishDeliversToSubscribedConnection(t *testing.T) {
	lifecycle := &fakeLifecycle{}
	srv := NewServer(lifecycle)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn := dialWS(t, url)
	defer conn.Close()

	// Drain the welcome frame before subscribing by hand for this test.
	conn.ReadMessage()

	srv.subscribe("client_1", "room:general")
	if err := srv.Publish(context.Background(), "room:general", []byte(`{"type":"room.event"}`)); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("expected published message to reach the connection: %v", err)
	}
	if string(data) != `{"type":"room.event"}` {
		t.Fatalf("unexpected published payload: %s", data)
	}
}
