// Package attendsync coordinates offline-first synchronization of classroom
// attendance data: queued local operations are pushed to the backend, server
// changes are pulled, and disagreements between the two are detected and
// resolved by the conflict engine.
package attendsync

import (
	"context"
	"fmt"
	"log/slog"
	stdSync "sync"
	"time"

	"github.com/presenceapp/attendsync/conflict"
	syncErrors "github.com/presenceapp/attendsync/errors"
	"github.com/presenceapp/attendsync/logging"
	"github.com/presenceapp/attendsync/metrics"
	"github.com/presenceapp/attendsync/queue"
	"github.com/presenceapp/attendsync/transport"
)

const defaultSyncTimeout = 30 * time.Second

// SyncResult summarizes one sync pass.
type SyncResult struct {
	OpsPushed         int
	ChangesPulled     int
	ConflictsDetected int
	ConflictsResolved int

	// NeedsReview holds resolutions that require user input. The
	// corresponding queued operations stay pending.
	NeedsReview []ReviewItem

	Errors    []error
	StartTime time.Time
	Duration  time.Duration
}

// ReviewItem pairs an escalated conflict with its suggested resolution.
type ReviewItem struct {
	Conflict   conflict.ConflictData
	Resolution conflict.ResolutionResult
}

// Options configures a Manager.
type Options struct {
	// Store is the offline operation queue. Required.
	Store queue.Store

	// Transport carries operations to and from the backend. Required.
	Transport transport.Transport

	// Engine resolves detected conflicts. Defaults to a new engine with the
	// built-in resolvers.
	Engine *conflict.Engine

	Logger  *logging.Logger
	Metrics metrics.Collector

	// SyncTimeout bounds one sync pass. Defaults to 30s.
	SyncTimeout time.Duration

	// BatchSize caps operations pushed per pass. Zero means no cap.
	BatchSize int
}

// Manager orchestrates sync passes over the queue, transport and engine.
// All methods are safe for concurrent use; sync passes themselves are
// serialized.
type Manager struct {
	store     queue.Store
	transport transport.Transport
	engine    *conflict.Engine
	logger    *logging.Logger
	metrics   metrics.Collector

	syncTimeout time.Duration
	batchSize   int

	syncMu stdSync.Mutex // serializes Sync passes

	mu           stdSync.Mutex
	closed       bool
	lastSync     time.Time
	autoSyncStop chan struct{}
	subscribers  []func(SyncResult)
}

// NewManager validates opts and builds a Manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, syncErrors.NewValidationError(syncErrors.OpSync, fmt.Errorf("store is required"))
	}
	if opts.Transport == nil {
		return nil, syncErrors.NewValidationError(syncErrors.OpSync, fmt.Errorf("transport is required"))
	}

	m := &Manager{
		store:       opts.Store,
		transport:   opts.Transport,
		engine:      opts.Engine,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		syncTimeout: opts.SyncTimeout,
		batchSize:   opts.BatchSize,
	}
	if m.engine == nil {
		m.engine = conflict.NewEngine()
	}
	if m.logger == nil {
		m.logger = logging.Discard()
	}
	m.logger = m.logger.WithComponent("manager")
	if m.metrics == nil {
		m.metrics = &metrics.NoOpCollector{}
	}
	if m.syncTimeout <= 0 {
		m.syncTimeout = defaultSyncTimeout
	}
	return m, nil
}

// OnSync registers a callback invoked after every completed sync pass,
// including passes that recorded errors.
func (m *Manager) OnSync(fn func(SyncResult)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}

// Sync performs one full pass: load pending operations, pull server
// changes, detect and resolve conflicts, push what is safe to push, and
// update queue statuses. Escalated conflicts are reported in NeedsReview
// and their operations remain queued.
func (m *Manager) Sync(ctx context.Context) (SyncResult, error) {
	m.syncMu.Lock()
	defer m.syncMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return SyncResult{}, syncErrors.New(syncErrors.OpSync, fmt.Errorf("manager is closed"))
	}
	since := m.lastSync
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.syncTimeout)
	defer cancel()

	result := SyncResult{StartTime: time.Now()}
	defer func() {
		result.Duration = time.Since(result.StartTime)
		m.metrics.RecordSyncDuration("sync", result.Duration)
		m.notify(result)
	}()

	pending, err := m.store.Pending(ctx)
	if err != nil {
		result.Errors = append(result.Errors, err)
		m.metrics.RecordSyncErrors("sync", "load_pending")
		return result, err
	}
	if m.batchSize > 0 && len(pending) > m.batchSize {
		pending = pending[:m.batchSize]
	}

	serverChanges, err := m.transport.FetchChanges(ctx, since)
	if err != nil {
		result.Errors = append(result.Errors, err)
		m.metrics.RecordSyncErrors("pull", "fetch_changes")
		return result, err
	}
	result.ChangesPulled = len(serverChanges)

	localChanges := make([]conflict.ChangeRecord, 0, len(pending))
	for _, op := range pending {
		localChanges = append(localChanges, changeRecordFor(op))
	}

	detected := m.engine.DetectPotentialConflicts(localChanges, serverChanges)
	result.ConflictsDetected = len(detected)

	ordered := m.engine.OrderForBatch(detected)
	resolutions := m.engine.BatchResolve(ctx, ordered)

	resolvedByEntity := make(map[string]conflict.ResolutionResult, len(ordered))
	for i, c := range ordered {
		res := resolutions[i]
		if res.RequiresUserInput {
			result.NeedsReview = append(result.NeedsReview, ReviewItem{Conflict: c, Resolution: res})
			continue
		}
		resolvedByEntity[c.EntityID] = res
		result.ConflictsResolved++
	}

	var toPush []queue.PendingOperation
	var superseded []queue.PendingOperation
	inReview := make(map[string]bool, len(result.NeedsReview))
	for _, item := range result.NeedsReview {
		inReview[item.Conflict.EntityID] = true
	}

	for _, op := range pending {
		if inReview[op.EntityID] {
			continue
		}
		if res, ok := resolvedByEntity[op.EntityID]; ok {
			replacement := op
			replacement.Payload = stripInjectedKeys(op, res.ResolvedData)
			toPush = append(toPush, replacement)
			superseded = append(superseded, replacement)
			continue
		}
		toPush = append(toPush, op)
	}

	if len(toPush) > 0 {
		for _, op := range toPush {
			if err := m.store.MarkSyncing(ctx, op.ID); err != nil {
				result.Errors = append(result.Errors, err)
			}
		}
		if err := m.transport.PushOperations(ctx, toPush); err != nil {
			for _, op := range toPush {
				if markErr := m.store.MarkFailed(ctx, op.ID, err); markErr != nil {
					result.Errors = append(result.Errors, markErr)
				}
			}
			result.Errors = append(result.Errors, err)
			m.metrics.RecordSyncErrors("push", "push_operations")
			return result, err
		}
	}

	supersededIDs := make(map[string]bool, len(superseded))
	for _, op := range superseded {
		supersededIDs[op.ID] = true
		if err := m.store.MarkSuperseded(ctx, op.ID, op.Payload); err != nil {
			result.Errors = append(result.Errors, err)
		}
	}
	for _, op := range toPush {
		if supersededIDs[op.ID] {
			continue
		}
		if err := m.store.MarkSynced(ctx, op.ID); err != nil {
			result.Errors = append(result.Errors, err)
		}
	}
	result.OpsPushed = len(toPush)
	m.metrics.RecordOperations(result.OpsPushed, result.ChangesPulled)

	m.mu.Lock()
	m.lastSync = result.StartTime
	m.mu.Unlock()

	m.logger.Info("sync pass completed",
		slog.Int("pushed", result.OpsPushed),
		slog.Int("pulled", result.ChangesPulled),
		slog.Int("conflicts", result.ConflictsDetected),
		slog.Int("needs_review", len(result.NeedsReview)))

	return result, nil
}

// changeRecordFor projects a queued operation into a change record the
// detector can compare against server changes.
func changeRecordFor(op queue.PendingOperation) conflict.ChangeRecord {
	rec := make(conflict.ChangeRecord, len(op.Payload)+2)
	for k, v := range op.Payload {
		rec[k] = v
	}
	if _, ok := rec["entityId"]; !ok {
		rec["entityId"] = op.EntityID
	}
	// Give the resolvers a write time without tripping conflict-type
	// inference, which keys on the "timestamp" field.
	if _, ok := rec["updated_at"]; !ok {
		if _, ok := rec["timestamp"]; !ok {
			rec["updated_at"] = op.Timestamp.UnixMilli()
		}
	}
	return rec
}

// stripInjectedKeys removes the bookkeeping keys changeRecordFor added to
// the detector projection when they survive into the resolved record. Only
// our own injections are removed: a key the original payload carried, or one
// whose value differs from what was injected, stays.
func stripInjectedKeys(op queue.PendingOperation, resolved map[string]any) map[string]any {
	out := make(map[string]any, len(resolved))
	for k, v := range resolved {
		out[k] = v
	}
	if _, had := op.Payload["entityId"]; !had {
		if v, ok := out["entityId"]; ok && v == op.EntityID {
			delete(out, "entityId")
		}
	}
	_, hadUpdated := op.Payload["updated_at"]
	_, hadTimestamp := op.Payload["timestamp"]
	if !hadUpdated && !hadTimestamp {
		if v, ok := out["updated_at"]; ok {
			if ts, isInt := v.(int64); isInt && ts == op.Timestamp.UnixMilli() {
				delete(out, "updated_at")
			}
		}
	}
	return out
}

// StartAutoSync begins periodic sync passes at the given interval. It
// returns an error if auto sync is already running or the manager is
// closed. Pass failures are logged, not fatal.
func (m *Manager) StartAutoSync(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return syncErrors.NewValidationError(syncErrors.OpSync, fmt.Errorf("interval must be positive"))
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return syncErrors.New(syncErrors.OpSync, fmt.Errorf("manager is closed"))
	}
	if m.autoSyncStop != nil {
		m.mu.Unlock()
		return syncErrors.New(syncErrors.OpSync, fmt.Errorf("auto sync already running"))
	}
	stop := make(chan struct{})
	m.autoSyncStop = stop
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := m.Sync(ctx); err != nil {
					m.logger.LogError(err, "auto sync pass failed")
				}
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// StopAutoSync stops periodic syncing. Safe to call when not running.
func (m *Manager) StopAutoSync() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.autoSyncStop != nil {
		close(m.autoSyncStop)
		m.autoSyncStop = nil
	}
}

// ListenRealtime subscribes to the transport's change stream and runs a
// sync pass whenever the server announces changes. It blocks until ctx is
// cancelled or the subscription fails. Transports without subscription
// support return transport.ErrSubscribeUnsupported immediately.
func (m *Manager) ListenRealtime(ctx context.Context) error {
	return m.transport.Subscribe(ctx, func(changes []conflict.ChangeRecord) error {
		m.logger.Debug("server announced changes", slog.Int("count", len(changes)))
		if _, err := m.Sync(ctx); err != nil {
			m.logger.LogError(err, "realtime-triggered sync failed")
		}
		return nil
	})
}

// LastSync reports when the most recent successful pass started.
func (m *Manager) LastSync() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSync
}

// Stats reports queue contents by status.
func (m *Manager) Stats(ctx context.Context) (queue.Stats, error) {
	return m.store.Stats(ctx)
}

// Close stops auto sync and closes the transport and store. Safe to call
// more than once.
func (m *Manager) Close() error {
	m.StopAutoSync()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	var firstErr error
	if err := m.transport.Close(); err != nil {
		firstErr = syncErrors.New(syncErrors.OpClose, err)
	}
	if err := m.store.Close(); err != nil && firstErr == nil {
		firstErr = syncErrors.New(syncErrors.OpClose, err)
	}
	return firstErr
}

func (m *Manager) notify(result SyncResult) {
	m.mu.Lock()
	subs := make([]func(SyncResult), len(m.subscribers))
	copy(subs, m.subscribers)
	m.mu.Unlock()
	for _, fn := range subs {
		fn(result)
	}
}
