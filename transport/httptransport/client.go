// Package httptransport implements the sync transport over JSON/HTTP.
package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/presenceapp/attendsync/conflict"
	syncErrors "github.com/presenceapp/attendsync/errors"
	"github.com/presenceapp/attendsync/logging"
	"github.com/presenceapp/attendsync/queue"
	"github.com/presenceapp/attendsync/transport"
)

// Limits defines size limits for HTTP responses.
type Limits struct {
	// MaxBodyBytes is the maximum response body size in bytes
	MaxBodyBytes int64
}

// Client implements transport.Transport over HTTP. It is a polling
// transport: Subscribe is not supported.
type Client struct {
	baseURL string
	http    *http.Client
	limits  Limits
	logger  *logging.Logger
}

var _ transport.Transport = (*Client)(nil)

// ClientOption configures a Client using the functional options pattern.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(cl *http.Client) ClientOption {
	return func(c *Client) { c.http = cl }
}

// WithLimits sets response size limits
func WithLimits(l Limits) ClientOption {
	return func(c *Client) { c.limits = l }
}

// WithLogger attaches a structured logger
func WithLogger(l *logging.Logger) ClientOption {
	return func(c *Client) { c.logger = l.WithComponent("transport") }
}

// NewClient creates an HTTP transport client for the given base URL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		limits:  Limits{MaxBodyBytes: 8 << 20},
		logger:  logging.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// pushRequest is the wire format for queued operations.
type pushRequest struct {
	Operations []wireOperation `json:"operations"`
}

type wireOperation struct {
	ID        string         `json:"id"`
	EntityID  string         `json:"entity_id"`
	Kind      string         `json:"kind"`
	Payload   map[string]any `json:"payload"`
	Timestamp int64          `json:"timestamp"`
}

// changesResponse is the wire format for server change records.
type changesResponse struct {
	Changes []conflict.ChangeRecord `json:"changes"`
}

// PushOperations sends queued operations to the server.
func (c *Client) PushOperations(ctx context.Context, ops []queue.PendingOperation) error {
	if len(ops) == 0 {
		return nil
	}

	body := pushRequest{Operations: make([]wireOperation, 0, len(ops))}
	for _, op := range ops {
		body.Operations = append(body.Operations, wireOperation{
			ID:        op.ID,
			EntityID:  op.EntityID,
			Kind:      string(op.Kind),
			Payload:   op.Payload,
			Timestamp: op.Timestamp.UnixMilli(),
		})
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return syncErrors.NewValidationError(syncErrors.OpPush, fmt.Errorf("marshal push request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sync/operations", bytes.NewReader(payload))
	if err != nil {
		return syncErrors.NewNetworkError(syncErrors.OpPush, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return syncErrors.NewNetworkError(syncErrors.OpPush, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, c.limits.MaxBodyBytes))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return syncErrors.NewNetworkError(syncErrors.OpPush, fmt.Errorf("server returned %s", resp.Status))
	}

	c.logger.Debug("pushed operations", slog.Int("count", len(ops)))
	return nil
}

// FetchChanges retrieves server change records observed since the given
// instant.
func (c *Client) FetchChanges(ctx context.Context, since time.Time) ([]conflict.ChangeRecord, error) {
	url := c.baseURL + "/sync/changes?since=" + strconv.FormatInt(since.UnixMilli(), 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, syncErrors.NewNetworkError(syncErrors.OpPull, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, syncErrors.NewNetworkError(syncErrors.OpPull, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, c.limits.MaxBodyBytes))
		return nil, syncErrors.NewNetworkError(syncErrors.OpPull, fmt.Errorf("server returned %s", resp.Status))
	}

	var decoded changesResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, c.limits.MaxBodyBytes)).Decode(&decoded); err != nil {
		return nil, syncErrors.NewValidationError(syncErrors.OpPull, fmt.Errorf("decode changes response: %w", err))
	}

	c.logger.Debug("fetched changes", slog.Int("count", len(decoded.Changes)))
	return decoded.Changes, nil
}

// Subscribe is not supported by the polling HTTP transport.
func (c *Client) Subscribe(ctx context.Context, handler func([]conflict.ChangeRecord) error) error {
	return transport.ErrSubscribeUnsupported
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}
