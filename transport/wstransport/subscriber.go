// Package wstransport adds real-time change subscriptions over WebSocket
// to a polling transport. Pushes and fetches are delegated to the wrapped
// transport; Subscribe maintains its own WebSocket connection.
package wstransport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/presenceapp/attendsync/conflict"
	syncErrors "github.com/presenceapp/attendsync/errors"
	"github.com/presenceapp/attendsync/logging"
	"github.com/presenceapp/attendsync/queue"
	"github.com/presenceapp/attendsync/transport"
)

// Event types delivered by the server.
const (
	EventChangesApplied = "sync.changes_applied"
)

// envelope wraps every WebSocket message.
type envelope struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp int64          `json:"timestamp"`
}

// Subscriber decorates a polling transport with WebSocket subscriptions.
type Subscriber struct {
	inner  transport.Transport
	wsURL  string
	dialer *websocket.Dialer
	logger *logging.Logger

	pingInterval time.Duration
	readTimeout  time.Duration
}

var _ transport.Transport = (*Subscriber)(nil)

// SubscriberOption configures a Subscriber.
type SubscriberOption func(*Subscriber)

// WithDialer sets a custom WebSocket dialer
func WithDialer(d *websocket.Dialer) SubscriberOption {
	return func(s *Subscriber) { s.dialer = d }
}

// WithLogger attaches a structured logger
func WithLogger(l *logging.Logger) SubscriberOption {
	return func(s *Subscriber) { s.logger = l.WithComponent("transport") }
}

// WithPingInterval sets how often keepalive pings are sent
func WithPingInterval(d time.Duration) SubscriberOption {
	return func(s *Subscriber) { s.pingInterval = d }
}

// NewSubscriber wraps inner with a WebSocket subscription at wsURL
// (e.g. "ws://localhost:8090/sync/events").
func NewSubscriber(inner transport.Transport, wsURL string, opts ...SubscriberOption) *Subscriber {
	s := &Subscriber{
		inner:        inner,
		wsURL:        wsURL,
		dialer:       websocket.DefaultDialer,
		logger:       logging.Discard(),
		pingInterval: 30 * time.Second,
		readTimeout:  60 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PushOperations delegates to the wrapped transport.
func (s *Subscriber) PushOperations(ctx context.Context, ops []queue.PendingOperation) error {
	return s.inner.PushOperations(ctx, ops)
}

// FetchChanges delegates to the wrapped transport.
func (s *Subscriber) FetchChanges(ctx context.Context, since time.Time) ([]conflict.ChangeRecord, error) {
	return s.inner.FetchChanges(ctx, since)
}

// Subscribe connects to the server's event stream and calls handler for
// each batch of change records. It blocks until ctx is cancelled or the
// connection fails.
func (s *Subscriber) Subscribe(ctx context.Context, handler func([]conflict.ChangeRecord) error) error {
	conn, _, err := s.dialer.DialContext(ctx, s.wsURL, nil)
	if err != nil {
		return syncErrors.NewNetworkError(syncErrors.OpTransport, fmt.Errorf("dial %s: %w", s.wsURL, err))
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		return nil
	})

	// Close the connection when ctx ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		case <-done:
		}
	}()

	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	s.logger.Info("subscribed to change events", slog.String("url", s.wsURL))

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return syncErrors.NewNetworkError(syncErrors.OpTransport, err)
		}

		var env envelope
		if err := json.Unmarshal(message, &env); err != nil {
			s.logger.Warn("skipping malformed event", slog.String("error", err.Error()))
			continue
		}
		if env.Type != EventChangesApplied {
			continue
		}

		changes := decodeChanges(env.Data)
		if len(changes) == 0 {
			continue
		}
		if err := handler(changes); err != nil {
			return err
		}
	}
}

// decodeChanges pulls change records out of an event payload.
func decodeChanges(data map[string]any) []conflict.ChangeRecord {
	raw, ok := data["changes"].([]any)
	if !ok {
		return nil
	}
	out := make([]conflict.ChangeRecord, 0, len(raw))
	for _, item := range raw {
		if rec, ok := item.(map[string]any); ok {
			out = append(out, rec)
		}
	}
	return out
}

// Close closes the wrapped transport.
func (s *Subscriber) Close() error {
	return s.inner.Close()
}
