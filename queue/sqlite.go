package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	stdSync "sync"
	"time"

	syncErrors "github.com/presenceapp/attendsync/errors"

	// Go SQLite driver
	_ "github.com/mattn/go-sqlite3"
)

var (
	ErrOperationNotFound = errors.New("operation not found")
	ErrStoreClosed       = errors.New("store is closed")
)

// Config holds configuration options for the SQLiteStore.
type Config struct {
	// DataSourceName is the connection string for the SQLite database.
	// Example: "file:attendance.db?_journal_mode=WAL"
	DataSourceName string

	// EnableWAL enables Write-Ahead Logging mode for better concurrency.
	// When true, "?_journal_mode=WAL" is appended to DataSourceName unless
	// a journal mode is already set.
	EnableWAL bool

	// TableName is the table used for queued operations.
	// Defaults to "pending_operations".
	TableName string

	// Connection pool settings.
	// Defaults: MaxOpen=10, MaxIdle=2, Lifetime=1h, IdleTime=5m
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func (c *Config) setDefaults() {
	if c.TableName == "" {
		c.TableName = "pending_operations"
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 2
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = 5 * time.Minute
	}
	if c.EnableWAL && !strings.Contains(c.DataSourceName, "_journal_mode=") {
		if strings.Contains(c.DataSourceName, "?") {
			c.DataSourceName += "&_journal_mode=WAL"
		} else {
			c.DataSourceName += "?_journal_mode=WAL"
		}
	}
}

// DefaultConfig returns a Config with WAL enabled and pool defaults applied.
func DefaultConfig(dataSourceName string) *Config {
	config := &Config{
		DataSourceName: dataSourceName,
		EnableWAL:      true,
	}
	config.setDefaults()
	return config
}

// SQLiteStore implements the Store interface on SQLite.
type SQLiteStore struct {
	db        *sql.DB
	mu        stdSync.RWMutex
	closed    bool
	tableName string
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens the database, applies pool settings and creates the
// operations table if needed.
func NewSQLiteStore(config *Config) (*SQLiteStore, error) {
	if config == nil {
		return nil, syncErrors.NewValidationError(syncErrors.OpLoad, errors.New("config must not be nil"))
	}
	config.setDefaults()

	db, err := sql.Open("sqlite3", config.DataSourceName)
	if err != nil {
		return nil, syncErrors.NewQueueError(syncErrors.OpLoad, fmt.Errorf("open database: %w", err))
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	s := &SQLiteStore{db: db, tableName: config.TableName}
	if err := s.createTable(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStoreWithDataSource is a convenience constructor using defaults.
func NewSQLiteStoreWithDataSource(dataSourceName string) (*SQLiteStore, error) {
	return NewSQLiteStore(DefaultConfig(dataSourceName))
}

func (s *SQLiteStore) createTable() error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			entity_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			payload TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_%s_status ON %s(status);
		CREATE INDEX IF NOT EXISTS idx_%s_entity ON %s(entity_id);
	`, s.tableName, s.tableName, s.tableName, s.tableName, s.tableName)

	if _, err := s.db.Exec(query); err != nil {
		return syncErrors.NewQueueError(syncErrors.OpLoad, fmt.Errorf("create table: %w", err))
	}
	return nil
}

func (s *SQLiteStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return syncErrors.NewQueueError(syncErrors.OpLoad, ErrStoreClosed)
	}
	return nil
}

// Enqueue persists a new pending operation.
func (s *SQLiteStore) Enqueue(ctx context.Context, op PendingOperation) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if op.ID == "" || op.EntityID == "" {
		return syncErrors.NewValidationError(syncErrors.OpEnqueue, errors.New("operation id and entity id are required"))
	}

	payload, err := json.Marshal(op.Payload)
	if err != nil {
		return syncErrors.NewValidationError(syncErrors.OpEnqueue, fmt.Errorf("marshal payload: %w", err))
	}
	status := op.Status
	if status == "" {
		status = StatusPending
	}

	query := fmt.Sprintf(`INSERT INTO %s (id, entity_id, kind, payload, timestamp, status, retry_count, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, s.tableName)
	_, err = s.db.ExecContext(ctx, query,
		op.ID, op.EntityID, string(op.Kind), string(payload), op.Timestamp.UnixMilli(), string(status), op.RetryCount, op.LastError)
	if err != nil {
		return syncErrors.NewQueueError(syncErrors.OpEnqueue, err)
	}
	return nil
}

// Pending returns operations awaiting sync, oldest first.
func (s *SQLiteStore) Pending(ctx context.Context) ([]PendingOperation, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT id, entity_id, kind, payload, timestamp, status, retry_count, last_error
		FROM %s WHERE status = ? ORDER BY timestamp ASC`, s.tableName)
	rows, err := s.db.QueryContext(ctx, query, string(StatusPending))
	if err != nil {
		return nil, syncErrors.NewQueueError(syncErrors.OpLoad, err)
	}
	defer rows.Close()

	var ops []PendingOperation
	for rows.Next() {
		var op PendingOperation
		var kind, status, payload string
		var ts int64
		if err := rows.Scan(&op.ID, &op.EntityID, &kind, &payload, &ts, &status, &op.RetryCount, &op.LastError); err != nil {
			return nil, syncErrors.NewQueueError(syncErrors.OpLoad, err)
		}
		op.Kind = Kind(kind)
		op.Status = Status(status)
		op.Timestamp = time.UnixMilli(ts)
		if err := json.Unmarshal([]byte(payload), &op.Payload); err != nil {
			return nil, syncErrors.NewQueueError(syncErrors.OpLoad, fmt.Errorf("unmarshal payload for %s: %w", op.ID, err))
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, syncErrors.NewQueueError(syncErrors.OpLoad, err)
	}
	return ops, nil
}

// MarkSyncing transitions an operation to in-flight.
func (s *SQLiteStore) MarkSyncing(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, StatusSyncing)
}

// MarkSynced records that the server accepted the operation.
func (s *SQLiteStore) MarkSynced(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, StatusSynced)
}

// MarkSuperseded replaces the operation's payload with the resolved record
// and retires it from the pending set.
func (s *SQLiteStore) MarkSuperseded(ctx context.Context, id string, replacement map[string]any) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	payload, err := json.Marshal(replacement)
	if err != nil {
		return syncErrors.NewValidationError(syncErrors.OpUpdate, fmt.Errorf("marshal replacement: %w", err))
	}
	query := fmt.Sprintf(`UPDATE %s SET status = ?, payload = ? WHERE id = ?`, s.tableName)
	res, err := s.db.ExecContext(ctx, query, string(StatusSuperseded), string(payload), id)
	if err != nil {
		return syncErrors.NewQueueError(syncErrors.OpUpdate, err)
	}
	return checkAffected(res, id)
}

// MarkFailed records a sync failure and bumps the retry counter.
func (s *SQLiteStore) MarkFailed(ctx context.Context, id string, cause error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	query := fmt.Sprintf(`UPDATE %s SET status = ?, retry_count = retry_count + 1, last_error = ? WHERE id = ?`, s.tableName)
	res, err := s.db.ExecContext(ctx, query, string(StatusFailed), msg, id)
	if err != nil {
		return syncErrors.NewQueueError(syncErrors.OpUpdate, err)
	}
	return checkAffected(res, id)
}

func (s *SQLiteStore) setStatus(ctx context.Context, id string, status Status) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE %s SET status = ? WHERE id = ?`, s.tableName)
	res, err := s.db.ExecContext(ctx, query, string(status), id)
	if err != nil {
		return syncErrors.NewQueueError(syncErrors.OpUpdate, err)
	}
	return checkAffected(res, id)
}

func checkAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return syncErrors.NewQueueError(syncErrors.OpUpdate, err)
	}
	if n == 0 {
		return syncErrors.NewQueueError(syncErrors.OpUpdate, fmt.Errorf("%w: %s", ErrOperationNotFound, id))
	}
	return nil
}

// Stats reports queue contents by status.
func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	if err := s.checkOpen(); err != nil {
		return Stats{}, err
	}

	query := fmt.Sprintf(`SELECT status, COUNT(*) FROM %s GROUP BY status`, s.tableName)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return Stats{}, syncErrors.NewQueueError(syncErrors.OpLoad, err)
	}
	defer rows.Close()

	var stats Stats
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, syncErrors.NewQueueError(syncErrors.OpLoad, err)
		}
		stats.Total += count
		switch Status(status) {
		case StatusPending:
			stats.Pending = count
		case StatusSyncing:
			stats.Syncing = count
		case StatusSynced:
			stats.Synced = count
		case StatusSuperseded:
			stats.Superseded = count
		case StatusFailed:
			stats.Failed = count
		}
	}
	return stats, rows.Err()
}

// Close closes the store. Safe to call more than once.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
