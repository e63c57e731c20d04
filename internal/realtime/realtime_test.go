package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"notifd/internal/channel"
	logx "notifd/pkg/logx"
)

func TestFakeUnsubscribeRunsOnce(t *testing.T) {
	t.Parallel()
	f := NewFake()
	got := 0
	unsub := f.Subscribe(Handler{OnMessage: func(Message) { got++ }})
	if err := f.Emit("job:offer", map[string]any{"orderId": "o1"}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	unsub()
	unsub()
	_ = f.Emit("job:offer", map[string]any{"orderId": "o2"})
	if got != 1 {
		t.Fatalf("handler called %d times, want 1", got)
	}
}

func TestStatusChangesAreDeduplicated(t *testing.T) {
	t.Parallel()
	f := NewFake()
	var seen []channel.RealtimeStatus
	defer f.Subscribe(Handler{OnConnection: func(e ConnectionEvent) { seen = append(seen, e.Status) }})()

	f.SetStatus(channel.RealtimeConnected, nil)
	f.SetStatus(channel.RealtimeConnected, nil)
	f.SetStatus(channel.RealtimeError, nil)
	f.SetStatus(channel.RealtimeError, nil)
	if len(seen) != 3 {
		t.Fatalf("statuses = %v, want connected + two errors", seen)
	}
	if f.Status() != channel.RealtimeError {
		t.Fatalf("Status() = %s", f.Status())
	}
}

func TestWebSocketDeliversFramesAndReportsStatus(t *testing.T) {
	t.Parallel()

	authz := make(chan string, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authz <- r.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"order:status","data":{"orderId":"o1","status":"accepted"}}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ws := NewWebSocket(Config{
		URL:          "ws" + strings.TrimPrefix(srv.URL, "http"),
		Token:        "secret",
		PingInterval: time.Minute,
	}, nil, logx.Nop())

	msgs := make(chan Message, 4)
	states := make(chan channel.RealtimeStatus, 8)
	unsub := ws.Subscribe(Handler{
		OnMessage:    func(m Message) { msgs <- m },
		OnConnection: func(e ConnectionEvent) { states <- e.Status },
	})
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ws.Run(ctx) }()

	if got := <-states; got != channel.RealtimeConnected {
		t.Fatalf("first status = %s, want connected", got)
	}
	if got := <-authz; got != "Bearer secret" {
		t.Fatalf("Authorization = %q", got)
	}
	select {
	case m := <-msgs:
		if m.Event != "order:status" || !strings.Contains(string(m.Data), `"o1"`) {
			t.Fatalf("message = %+v", m)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no message delivered")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if ws.Status() != channel.RealtimeDisconnected {
		t.Fatalf("status after cancel = %s", ws.Status())
	}
}

func TestWebSocketRequiresURL(t *testing.T) {
	t.Parallel()
	ws := NewWebSocket(Config{}, nil, logx.Nop())
	if err := ws.Run(context.Background()); err == nil {
		t.Fatal("expected error for empty url")
	}
}
