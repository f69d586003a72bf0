// Package transport defines the boundary between the sync core and the
// attendance backend. Implementations carry queued operations to the server
// and deliver server-side change records; the sync core treats them as
// black boxes. Retry and backoff are the caller's concern, not the
// transport's.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/presenceapp/attendsync/conflict"
	"github.com/presenceapp/attendsync/queue"
)

// ErrSubscribeUnsupported is returned by polling-only transports.
var ErrSubscribeUnsupported = errors.New("transport does not support subscriptions")

// Transport handles communication with the attendance backend.
type Transport interface {
	// PushOperations sends queued operations (or resolved replacements)
	// to the server
	PushOperations(ctx context.Context, ops []queue.PendingOperation) error

	// FetchChanges retrieves server-side change records observed since
	// the given instant
	FetchChanges(ctx context.Context, since time.Time) ([]conflict.ChangeRecord, error)

	// Subscribe listens for real-time change events. Optional: transports
	// that only support polling return ErrSubscribeUnsupported.
	Subscribe(ctx context.Context, handler func([]conflict.ChangeRecord) error) error

	// Close closes the transport connection
	Close() error
}
