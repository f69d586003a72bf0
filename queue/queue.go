// Package queue provides the offline operation queue consumed by the sync
// manager: pending attendance mutations recorded while the client was
// offline, with their sync lifecycle.
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Kind describes what a pending operation does to its entity.
type Kind string

const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// Status tracks an operation through its sync lifecycle.
type Status string

const (
	// StatusPending operations have not been sent to the server yet.
	StatusPending Status = "pending"

	// StatusSyncing operations are in flight.
	StatusSyncing Status = "syncing"

	// StatusSynced operations were accepted by the server as-is.
	StatusSynced Status = "synced"

	// StatusSuperseded operations were replaced by a conflict resolution;
	// the resolved record, not the original payload, is what was pushed.
	StatusSuperseded Status = "superseded"

	// StatusFailed operations exhausted their error budget.
	StatusFailed Status = "failed"
)

// PendingOperation is one locally queued mutation awaiting sync.
type PendingOperation struct {
	ID         string
	EntityID   string
	Kind       Kind
	Payload    map[string]any
	Timestamp  time.Time
	Status     Status
	RetryCount int
	LastError  string
}

// NewPendingOperation builds a pending operation with a fresh id.
func NewPendingOperation(entityID string, kind Kind, payload map[string]any) PendingOperation {
	return PendingOperation{
		ID:        uuid.New().String(),
		EntityID:  entityID,
		Kind:      kind,
		Payload:   payload,
		Timestamp: time.Now(),
		Status:    StatusPending,
	}
}

// Stats summarizes queue contents by status.
type Stats struct {
	Total      int
	Pending    int
	Syncing    int
	Synced     int
	Superseded int
	Failed     int
}

// Store persists pending operations. Implementations can use any backend;
// this package ships SQLite and in-memory stores.
type Store interface {
	// Enqueue persists a new pending operation
	Enqueue(ctx context.Context, op PendingOperation) error

	// Pending returns operations awaiting sync, ordered by timestamp ascending
	Pending(ctx context.Context) ([]PendingOperation, error)

	// MarkSyncing transitions an operation to in-flight
	MarkSyncing(ctx context.Context, id string) error

	// MarkSynced records that the server accepted the operation as-is
	MarkSynced(ctx context.Context, id string) error

	// MarkSuperseded records that conflict resolution replaced the
	// operation's payload with the given resolved record
	MarkSuperseded(ctx context.Context, id string, replacement map[string]any) error

	// MarkFailed records a sync failure for later retry or review
	MarkFailed(ctx context.Context, id string, cause error) error

	// Stats reports queue contents by status
	Stats(ctx context.Context) (Stats, error)

	// Close releases store resources
	Close() error
}
