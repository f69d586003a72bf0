// Package metrics provides observability hooks for the sync core.
package metrics

import "time"

// Collector provides hooks for observability around sync and conflict resolution.
type Collector interface {
	// RecordSyncDuration records how long a sync operation took
	RecordSyncDuration(op string, d time.Duration)

	// RecordOperations records how many queued operations were pushed and
	// how many server changes were pulled
	RecordOperations(pushed, pulled int)

	// RecordConflicts records conflict counts for one detection/resolution pass
	RecordConflicts(detected, resolved, escalated int)

	// RecordSyncErrors records sync operation errors
	RecordSyncErrors(op, reason string)
}

// NoOpCollector is a stub implementation that discards metrics.
type NoOpCollector struct{}

func (*NoOpCollector) RecordSyncDuration(op string, d time.Duration)     {}
func (*NoOpCollector) RecordOperations(pushed, pulled int)               {}
func (*NoOpCollector) RecordConflicts(detected, resolved, escalated int) {}
func (*NoOpCollector) RecordSyncErrors(op, reason string)                {}
