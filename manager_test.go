package attendsync

import (
	"context"
	"errors"
	stdSync "sync"
	"testing"
	"time"

	"github.com/presenceapp/attendsync/conflict"
	"github.com/presenceapp/attendsync/queue"
)

type mockTransport struct {
	mu       stdSync.Mutex
	pushed   [][]queue.PendingOperation
	changes  []conflict.ChangeRecord
	pushErr  error
	fetchErr error
	closed   bool
}

func (t *mockTransport) PushOperations(ctx context.Context, ops []queue.PendingOperation) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pushErr != nil {
		return t.pushErr
	}
	t.pushed = append(t.pushed, ops)
	return nil
}

func (t *mockTransport) FetchChanges(ctx context.Context, since time.Time) ([]conflict.ChangeRecord, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.changes, t.fetchErr
}

func (t *mockTransport) Subscribe(ctx context.Context, handler func([]conflict.ChangeRecord) error) error {
	t.mu.Lock()
	changes := t.changes
	t.mu.Unlock()
	if err := handler(changes); err != nil {
		return err
	}
	<-ctx.Done()
	return ctx.Err()
}

func (t *mockTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *mockTransport) pushedOps() []queue.PendingOperation {
	t.mu.Lock()
	defer t.mu.Unlock()
	var all []queue.PendingOperation
	for _, batch := range t.pushed {
		all = append(all, batch...)
	}
	return all
}

func newTestManager(t *testing.T, tr *mockTransport) (*Manager, *queue.MemoryStore) {
	t.Helper()
	store := queue.NewMemoryStore()
	m, err := NewManager(Options{Store: store, Transport: tr})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m, store
}

func TestNewManager_Validation(t *testing.T) {
	if _, err := NewManager(Options{Transport: &mockTransport{}}); err == nil {
		t.Errorf("expected error without store")
	}
	if _, err := NewManager(Options{Store: queue.NewMemoryStore()}); err == nil {
		t.Errorf("expected error without transport")
	}
}

func TestSync_PushesPendingOperations(t *testing.T) {
	tr := &mockTransport{}
	m, store := newTestManager(t, tr)
	defer m.Close()
	ctx := context.Background()

	op := queue.NewPendingOperation("student_1_session_2", queue.KindUpdate, map[string]any{"status": "present"})
	if err := store.Enqueue(ctx, op); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	result, err := m.Sync(ctx)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if result.OpsPushed != 1 {
		t.Errorf("pushed = %d, want 1", result.OpsPushed)
	}
	if result.ConflictsDetected != 0 {
		t.Errorf("conflicts = %d, want 0", result.ConflictsDetected)
	}

	pushed := tr.pushedOps()
	if len(pushed) != 1 || pushed[0].ID != op.ID {
		t.Fatalf("transport received %v", pushed)
	}

	stats, _ := store.Stats(ctx)
	if stats.Synced != 1 || stats.Pending != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestSync_ResolvesConflictAndSupersedes(t *testing.T) {
	now := time.Now()
	tr := &mockTransport{changes: []conflict.ChangeRecord{
		{
			"entityId":   "student_1_session_2",
			"status":     "absent",
			"updated_at": now.Add(-time.Hour).UnixMilli(),
		},
	}}
	m, store := newTestManager(t, tr)
	defer m.Close()
	ctx := context.Background()

	op := queue.NewPendingOperation("student_1_session_2", queue.KindUpdate, map[string]any{
		"status":     "present",
		"updated_at": now.UnixMilli(),
	})
	if err := store.Enqueue(ctx, op); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	result, err := m.Sync(ctx)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if result.ConflictsDetected != 1 || result.ConflictsResolved != 1 {
		t.Fatalf("detected = %d, resolved = %d", result.ConflictsDetected, result.ConflictsResolved)
	}
	if len(result.NeedsReview) != 0 {
		t.Errorf("needs review = %d, want 0", len(result.NeedsReview))
	}

	pushed := tr.pushedOps()
	if len(pushed) != 1 {
		t.Fatalf("pushed %d ops, want 1", len(pushed))
	}
	if got := pushed[0].Payload["status"]; got != "present" {
		t.Errorf("pushed status = %v, presence should win", got)
	}

	stats, _ := store.Stats(ctx)
	if stats.Superseded != 1 || stats.Pending != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestSync_ReplacementPayloadOmitsBookkeepingKeys(t *testing.T) {
	tr := &mockTransport{changes: []conflict.ChangeRecord{
		{"entityId": "student_1_session_2", "status": "absent"},
	}}
	m, store := newTestManager(t, tr)
	defer m.Close()
	ctx := context.Background()

	// The payload carries neither entityId nor a write time; the sync pass
	// injects both into the detector projection.
	op := queue.NewPendingOperation("student_1_session_2", queue.KindUpdate, map[string]any{"status": "present"})
	if err := store.Enqueue(ctx, op); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if _, err := m.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}

	pushed := tr.pushedOps()
	if len(pushed) != 1 {
		t.Fatalf("pushed %d ops, want 1", len(pushed))
	}
	payload := pushed[0].Payload
	if got := payload["status"]; got != "present" {
		t.Errorf("pushed status = %v, presence should win", got)
	}
	if _, ok := payload["entityId"]; ok {
		t.Errorf("replacement payload should not carry the injected entityId, got %v", payload)
	}
	if _, ok := payload["updated_at"]; ok {
		t.Errorf("replacement payload should not carry the injected updated_at, got %v", payload)
	}
}

func TestSync_EscalatedConflictStaysQueued(t *testing.T) {
	tr := &mockTransport{changes: []conflict.ChangeRecord{
		{"entityId": "session_9", "settings": map[string]any{"late_threshold": 10}},
	}}
	m, store := newTestManager(t, tr)
	defer m.Close()
	ctx := context.Background()

	op := queue.NewPendingOperation("session_9", queue.KindUpdate, map[string]any{
		"settings": map[string]any{"late_threshold": 15},
	})
	if err := store.Enqueue(ctx, op); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	result, err := m.Sync(ctx)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(result.NeedsReview) != 1 {
		t.Fatalf("needs review = %d, want 1", len(result.NeedsReview))
	}
	item := result.NeedsReview[0]
	if item.Conflict.EntityID != "session_9" {
		t.Errorf("review entity = %q", item.Conflict.EntityID)
	}
	if !item.Resolution.RequiresUserInput {
		t.Errorf("review resolution should require user input")
	}

	if got := tr.pushedOps(); len(got) != 0 {
		t.Errorf("escalated op must not be pushed, got %v", got)
	}
	stats, _ := store.Stats(ctx)
	if stats.Pending != 1 {
		t.Errorf("escalated op should stay pending, stats = %+v", stats)
	}
}

func TestSync_PushFailureMarksFailed(t *testing.T) {
	tr := &mockTransport{pushErr: errors.New("network down")}
	m, store := newTestManager(t, tr)
	defer m.Close()
	ctx := context.Background()

	op := queue.NewPendingOperation("e1", queue.KindCreate, map[string]any{"status": "late"})
	if err := store.Enqueue(ctx, op); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if _, err := m.Sync(ctx); err == nil {
		t.Fatalf("expected push error")
	}
	stats, _ := store.Stats(ctx)
	if stats.Failed != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestSync_NotifiesSubscribers(t *testing.T) {
	tr := &mockTransport{}
	m, store := newTestManager(t, tr)
	defer m.Close()
	ctx := context.Background()

	var results []SyncResult
	m.OnSync(func(r SyncResult) { results = append(results, r) })

	op := queue.NewPendingOperation("e1", queue.KindCreate, map[string]any{"status": "present"})
	store.Enqueue(ctx, op)

	if _, err := m.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("subscriber called %d times, want 1", len(results))
	}
	if results[0].OpsPushed != 1 {
		t.Errorf("subscriber saw %+v", results[0])
	}
}

func TestAutoSync_DoubleStartErrors(t *testing.T) {
	m, _ := newTestManager(t, &mockTransport{})
	defer m.Close()

	ctx := context.Background()
	if err := m.StartAutoSync(ctx, time.Hour); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.StartAutoSync(ctx, time.Hour); err == nil {
		t.Errorf("second start should error")
	}
	m.StopAutoSync()
	// After a stop, a fresh start succeeds.
	if err := m.StartAutoSync(ctx, time.Hour); err != nil {
		t.Errorf("restart: %v", err)
	}
}

func TestClose_IsIdempotentAndBlocksSync(t *testing.T) {
	tr := &mockTransport{}
	m, _ := newTestManager(t, tr)

	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if !tr.closed {
		t.Errorf("transport should be closed")
	}
	if _, err := m.Sync(context.Background()); err == nil {
		t.Errorf("sync on closed manager should error")
	}
}

func TestListenRealtime_TriggersSync(t *testing.T) {
	tr := &mockTransport{}
	m, store := newTestManager(t, tr)
	defer m.Close()

	op := queue.NewPendingOperation("e1", queue.KindUpdate, map[string]any{"status": "present"})
	store.Enqueue(context.Background(), op)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := m.ListenRealtime(ctx)
	if err != context.DeadlineExceeded {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if len(tr.pushedOps()) != 1 {
		t.Errorf("realtime event should have triggered a sync pass")
	}
}
