package conflict

import (
	"fmt"
	"log/slog"
	"time"
)

// DetectPotentialConflicts compares two independent change lists and
// packages every overlapping pair as a ConflictData. Two changes overlap
// when they share an "entityId" or an "id" value; either match suffices.
// This is deliberately permissive and can over-detect when ids from
// unrelated namespaces coincide.
//
// At most one ConflictData is emitted per entity per pass, so callers can
// process the output idempotently.
func (e *Engine) DetectPotentialConflicts(localChanges, serverChanges []ChangeRecord) []ConflictData {
	conflicts := detectConflicts(localChanges, serverChanges, time.Now())
	if len(conflicts) > 0 {
		e.logger.Debug("detected potential conflicts",
			slog.Int("count", len(conflicts)),
			slog.Int("local_changes", len(localChanges)),
			slog.Int("server_changes", len(serverChanges)))
	}
	return conflicts
}

func detectConflicts(local, server []ChangeRecord, now time.Time) []ConflictData {
	var out []ConflictData
	seen := make(map[string]bool)

	for _, lc := range local {
		for _, sc := range server {
			if !changesOverlap(lc, sc) {
				continue
			}
			id := conflictEntityID(lc, sc)
			if seen[id] {
				continue
			}
			seen[id] = true

			out = append(out, ConflictData{
				Type:           inferConflictType(lc, sc),
				EntityID:       id,
				LocalVersion:   lc,
				ServerVersion:  sc,
				Timestamp:      now,
				ConflictFields: differingFields(lc, sc),
			})
		}
	}
	return out
}

func changesOverlap(a, b ChangeRecord) bool {
	if av, ok := a["entityId"]; ok && av != nil {
		if bv, ok := b["entityId"]; ok && valuesEqual(av, bv) {
			return true
		}
	}
	if av, ok := a["id"]; ok && av != nil {
		if bv, ok := b["id"]; ok && valuesEqual(av, bv) {
			return true
		}
	}
	return false
}

func conflictEntityID(a, b ChangeRecord) string {
	for _, rec := range []ChangeRecord{a, b} {
		if v, ok := rec["entityId"]; ok && v != nil {
			return fmt.Sprintf("%v", v)
		}
	}
	for _, rec := range []ChangeRecord{a, b} {
		if v, ok := rec["id"]; ok && v != nil {
			return fmt.Sprintf("%v", v)
		}
	}
	return ""
}

// inferConflictType classifies a conflict from the fields present on the
// two sides. Rules are checked in order; the first match wins.
func inferConflictType(a, b ChangeRecord) ConflictType {
	if hasField(a, "status") || hasField(b, "status") {
		return TypeAttendanceStatus
	}
	if hasField(a, "operations") && hasField(b, "operations") {
		return TypeBulkOperation
	}
	if hasField(a, "student_id") || hasField(b, "student_id") {
		return TypeStudentData
	}
	if hasField(a, "timestamp") || hasField(b, "timestamp") {
		return TypeTimestamp
	}
	return TypeSessionConfig
}

func hasField(rec ChangeRecord, key string) bool {
	_, ok := rec[key]
	return ok
}

// differingFields returns the sorted union of keys present on either side
// whose values differ structurally.
func differingFields(a, b ChangeRecord) []string {
	var out []string
	for _, key := range unionKeys(a, b) {
		if !valuesEqual(a[key], b[key]) {
			out = append(out, key)
		}
	}
	return out
}
