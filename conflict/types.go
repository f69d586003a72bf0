// Package conflict implements detection and resolution of disagreements
// between locally queued attendance changes and server-observed changes.
//
// The engine is schema-agnostic: record versions are plain field-to-value
// maps, and resolution is driven by field paths and per-type strategies
// rather than by a fixed schema.
package conflict

import (
	"context"
	"time"
)

// ConflictType classifies a conflict and selects the default resolver.
type ConflictType string

const (
	TypeAttendanceStatus ConflictType = "attendance_status"
	TypeStudentData      ConflictType = "student_data"
	TypeSessionConfig    ConflictType = "session_config"
	TypeBulkOperation    ConflictType = "bulk_operation"
	TypeTimestamp        ConflictType = "timestamp_conflict"
)

// ResolutionStrategy describes how a conflict was, or must be, resolved.
type ResolutionStrategy string

const (
	StrategyAutoMerge       ResolutionStrategy = "auto_merge"
	StrategyLastWriterWins  ResolutionStrategy = "last_writer_wins"
	StrategyFirstWriterWins ResolutionStrategy = "first_writer_wins"
	StrategyUserGuided      ResolutionStrategy = "user_guided"
	StrategyRejectChanges   ResolutionStrategy = "reject_changes"
	StrategyAcceptBoth      ResolutionStrategy = "accept_both"
)

// ChangeRecord is one side of a change as an untyped field-to-value map.
// Records produced by the offline queue and by the server change stream are
// both represented this way.
type ChangeRecord = map[string]any

// ConflictData is the unit of work submitted to the engine. It is
// constructed once, by the detector or manually by a caller that already
// knows two versions disagree, and consumed exactly once.
type ConflictData struct {
	// Type determines which resolver is invoked by default.
	Type ConflictType

	// EntityID identifies the record in conflict, e.g. "student_123_session_456".
	// It must be stable across local and server representations of the same
	// logical entity.
	EntityID string

	// LocalVersion and ServerVersion are the two disagreeing versions.
	// Either may be nil, signalling a delete-vs-update conflict.
	LocalVersion  map[string]any
	ServerVersion map[string]any

	// BaseVersion, when present, is the last version both sides agreed on
	// and enables three-way merge instead of two-way.
	BaseVersion map[string]any

	// Timestamp is when the conflict was detected, not when either version
	// was created.
	Timestamp time.Time

	// ConflictFields names fields known or suspected to differ. When empty,
	// the whole record is treated as one field.
	ConflictFields []string

	// Metadata is opaque pass-through, not interpreted by the engine.
	Metadata map[string]any
}

// ConflictField records the resolution of a single field.
type ConflictField struct {
	FieldPath   string
	LocalValue  any
	ServerValue any
	BaseValue   any
	Resolution  any
	Strategy    ResolutionStrategy
	Confidence  int
}

// ResolutionResult is the engine's output for one conflict.
type ResolutionResult struct {
	// Strategy is what was actually applied.
	Strategy ResolutionStrategy

	// ResolvedData is the record to accept going forward.
	ResolvedData map[string]any

	// RequiresUserInput means ResolvedData is a default, not a final answer;
	// the caller must still prompt a human.
	RequiresUserInput bool

	// Conflicts holds per-field detail; empty for whole-record resolutions.
	Conflicts []ConflictField

	// Confidence is a 0-100 score; higher is more certain. It ranks batch
	// ordering and decides auto-apply versus escalate.
	Confidence int

	// Explanation is a human-readable justification, always populated.
	Explanation string
}

// Resolver produces a resolution for one conflict. Implementations must be
// pure: no I/O, no mutation of the input.
type Resolver interface {
	Resolve(ctx context.Context, c ConflictData) (ResolutionResult, error)
}

// ResolverFunc adapts a plain function to the Resolver interface.
type ResolverFunc func(ctx context.Context, c ConflictData) (ResolutionResult, error)

func (f ResolverFunc) Resolve(ctx context.Context, c ConflictData) (ResolutionResult, error) {
	return f(ctx, c)
}

// UserHandler is invoked when a resolution requires human input. It receives
// the primary result followed by alternative suggestions and returns the
// resolution to use instead.
type UserHandler func(ctx context.Context, c ConflictData, suggestions []ResolutionResult) (ResolutionResult, error)

// cloneRecord returns a shallow copy of rec, preserving nil.
func cloneRecord(rec map[string]any) map[string]any {
	if rec == nil {
		return nil
	}
	out := make(map[string]any, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out
}
