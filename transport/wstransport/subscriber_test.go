package wstransport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/presenceapp/attendsync/conflict"
	"github.com/presenceapp/attendsync/queue"
)

type stubTransport struct {
	pushed  int
	fetched int
}

func (s *stubTransport) PushOperations(ctx context.Context, ops []queue.PendingOperation) error {
	s.pushed += len(ops)
	return nil
}

func (s *stubTransport) FetchChanges(ctx context.Context, since time.Time) ([]conflict.ChangeRecord, error) {
	s.fetched++
	return nil, nil
}

func (s *stubTransport) Subscribe(ctx context.Context, handler func([]conflict.ChangeRecord) error) error {
	return nil
}

func (s *stubTransport) Close() error { return nil }

func wsServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		handler(conn)
	}))
}

func TestSubscribe_DeliversChangeBatches(t *testing.T) {
	server := wsServer(t, func(conn *websocket.Conn) {
		payload, _ := json.Marshal(envelope{
			Type: EventChangesApplied,
			Data: map[string]any{
				"changes": []any{
					map[string]any{"entityId": "student_1_session_2", "status": "absent"},
				},
			},
			Timestamp: time.Now().Unix(),
		})
		conn.WriteMessage(websocket.TextMessage, payload)
		// Unknown event types are ignored by the subscriber.
		other, _ := json.Marshal(envelope{Type: "export.started", Data: map[string]any{}})
		conn.WriteMessage(websocket.TextMessage, other)
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	})
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	sub := NewSubscriber(&stubTransport{}, wsURL)

	var got []conflict.ChangeRecord
	err := sub.Subscribe(context.Background(), func(changes []conflict.ChangeRecord) error {
		got = append(got, changes...)
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("received %d changes, want 1", len(got))
	}
	if got[0]["entityId"] != "student_1_session_2" {
		t.Errorf("entityId = %v", got[0]["entityId"])
	}
}

func TestSubscribe_ContextCancel(t *testing.T) {
	server := wsServer(t, func(conn *websocket.Conn) {
		// Hold the connection open; the client cancels.
		conn.ReadMessage()
	})
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	sub := NewSubscriber(&stubTransport{}, wsURL)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	err := sub.Subscribe(ctx, func([]conflict.ChangeRecord) error { return nil })
	if err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestSubscriber_DelegatesToInner(t *testing.T) {
	inner := &stubTransport{}
	sub := NewSubscriber(inner, "ws://example.invalid")

	op := queue.NewPendingOperation("e1", queue.KindUpdate, nil)
	if err := sub.PushOperations(context.Background(), []queue.PendingOperation{op}); err != nil {
		t.Fatalf("push: %v", err)
	}
	if _, err := sub.FetchChanges(context.Background(), time.Now()); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if inner.pushed != 1 || inner.fetched != 1 {
		t.Errorf("inner calls = %d pushed, %d fetched", inner.pushed, inner.fetched)
	}
}
