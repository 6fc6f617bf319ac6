package zocket_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"zocket"
	"zocket/router"
	"zocket/schema"
)

type chatMessage struct {
	Text string `json:"text" validate:"required"`
}

func buildServer(t *testing.T) *zocket.Server {
	t.Helper()
	tree := router.Node{
		"chat": router.Node{
			"echo": router.Incoming(schema.Typed[chatMessage](nil), func(ctx context.Context, input any) (any, error) {
				msg := input.(chatMessage)
				return map[string]string{"text": msg.Text}, nil
			}),
			"shout": router.Incoming(schema.Typed[chatMessage](nil), func(ctx context.Context, input any) (any, error) {
				return nil, nil
			}),
		},
	}
	srv, err := zocket.New(tree)
	if err != nil {
		t.Fatalf("unexpected error building server: %v", err)
	}
	return srv
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	return conn
}

func TestEndToEndRPCRoundTrip(t *testing.T) {
	srv := buildServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn := dial(t, url)
	defer conn.Close()

	payload, _ := json.Marshal(chatMessage{Text: "hello"})
	frame, _ := json.Marshal(struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
		RPCID   string          `json:"rpcId"`
	}{Type: "chat.echo", Payload: payload, RPCID: "rpc-1"})

	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("expected a reply: %v", err)
	}

	var reply struct {
		Type    string `json:"type"`
		RPCID   string `json:"rpcId"`
		Payload struct {
			Text string `json:"text"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(data, &reply); err != nil {
		t.Fatalf("invalid reply: %v", err)
	}
	if reply.RPCID != "rpc-1" || reply.Payload.Text != "hello" {
		t.Fatalf("unexpected reply: %+v", reply)
	}
}

func TestEndToEndInvalidPayloadDropsSilently(t *testing.T) {
	srv := buildServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn := dial(t, url)
	defer conn.Close()

	frame, _ := json.Marshal(struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
		RPCID   string          `json:"rpcId"`
	}{Type: "chat.echo", Payload: json.RawMessage(`{}`), RPCID: "rpc-2"})

	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := conn.ReadMessage()
	if err == nil {
		t.Fatal("expected no reply for a payload that fails validation")
	}
}

func TestServerSendDeliversToConnectionByID(t *testing.T) {
	var seenClientID string
	tree := router.Node{
		"whoami": router.Incoming(schema.Any(), func(ctx context.Context, input any) (any, error) {
			return nil, nil
		}),
	}
	srv, err := zocket.New(tree, zocket.WithOnConnect(func(ctx context.Context, handshake map[string]string, clientID string) (any, error) {
		seenClientID = clientID
		return nil, nil
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn := dial(t, url)
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for seenClientID == "" && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if seenClientID == "" {
		t.Fatal("expected on_connect to have run")
	}

	if err := srv.Send().Emit("server.greeting", map[string]string{"hi": "there"}).To(seenClientID); err != nil {
		t.Fatalf("unexpected send error: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("expected the server-initiated event to arrive: %v", err)
	}
	if !strings.Contains(string(data), "server.greeting") {
		t.Fatalf("unexpected frame: %s", data)
	}
}
