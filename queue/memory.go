package queue

import (
	"context"
	"fmt"
	"sort"
	stdSync "sync"
)

// MemoryStore is an in-memory Store for tests and demos. Operations are
// kept until Close; nothing is persisted.
type MemoryStore struct {
	mu     stdSync.RWMutex
	ops    map[string]PendingOperation
	closed bool
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ops: make(map[string]PendingOperation)}
}

func (s *MemoryStore) Enqueue(ctx context.Context, op PendingOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if op.ID == "" || op.EntityID == "" {
		return fmt.Errorf("operation id and entity id are required")
	}
	if op.Status == "" {
		op.Status = StatusPending
	}
	s.ops[op.ID] = op
	return nil
}

func (s *MemoryStore) Pending(ctx context.Context) ([]PendingOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	var out []PendingOperation
	for _, op := range s.ops {
		if op.Status == StatusPending {
			out = append(out, op)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *MemoryStore) MarkSyncing(ctx context.Context, id string) error {
	return s.setStatus(id, StatusSyncing, nil)
}

func (s *MemoryStore) MarkSynced(ctx context.Context, id string) error {
	return s.setStatus(id, StatusSynced, nil)
}

func (s *MemoryStore) MarkSuperseded(ctx context.Context, id string, replacement map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOperationNotFound, id)
	}
	op.Status = StatusSuperseded
	op.Payload = replacement
	s.ops[id] = op
	return nil
}

func (s *MemoryStore) MarkFailed(ctx context.Context, id string, cause error) error {
	return s.setStatus(id, StatusFailed, cause)
}

func (s *MemoryStore) setStatus(id string, status Status, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOperationNotFound, id)
	}
	op.Status = status
	if status == StatusFailed {
		op.RetryCount++
		if cause != nil {
			op.LastError = cause.Error()
		}
	}
	s.ops[id] = op
	return nil
}

func (s *MemoryStore) Stats(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var stats Stats
	for _, op := range s.ops {
		stats.Total++
		switch op.Status {
		case StatusPending:
			stats.Pending++
		case StatusSyncing:
			stats.Syncing++
		case StatusSynced:
			stats.Synced++
		case StatusSuperseded:
			stats.Superseded++
		case StatusFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
