package conflict

import (
	"context"
	"fmt"
	"sort"
)

var (
	_ Resolver = (*AttendanceStatusResolver)(nil)
	_ Resolver = (*StudentDataResolver)(nil)
	_ Resolver = (*SessionConfigResolver)(nil)
	_ Resolver = (*BulkOperationResolver)(nil)
	_ Resolver = (*TimestampResolver)(nil)
	_ Resolver = (*GenericResolver)(nil)
)

// AttendanceStatusResolver resolves disagreements about a student's
// attendance status. A confirmed presence always beats an absence: a false
// absence is worse than overriding a stale absence with a real check-in.
// For all other status pairs the more recently updated side wins wholesale.
type AttendanceStatusResolver struct{}

func (r *AttendanceStatusResolver) Resolve(ctx context.Context, c ConflictData) (ResolutionResult, error) {
	localStatus, _ := c.LocalVersion["status"].(string)
	serverStatus, _ := c.ServerVersion["status"].(string)

	if localStatus == "present" && serverStatus == "absent" {
		return ResolutionResult{
			Strategy:     StrategyAutoMerge,
			ResolvedData: cloneRecord(c.LocalVersion),
			Confidence:   85,
			Explanation:  "Attendance resolved automatically: presence takes precedence over absence",
		}, nil
	}
	if localStatus == "absent" && serverStatus == "present" {
		return ResolutionResult{
			Strategy:     StrategyAutoMerge,
			ResolvedData: cloneRecord(c.ServerVersion),
			Confidence:   85,
			Explanation:  "Attendance resolved automatically: presence takes precedence over absence",
		}, nil
	}

	localTS := recordTimestamp(c.LocalVersion, "updated_at", "timestamp")
	serverTS := recordTimestamp(c.ServerVersion, "updated_at", "timestamp")

	// Ties go to the server: local wins only when strictly newer.
	if localTS > serverTS {
		return ResolutionResult{
			Strategy:     StrategyLastWriterWins,
			ResolvedData: cloneRecord(c.LocalVersion),
			Confidence:   90,
			Explanation:  "Attendance resolved by last writer: local version is more recent",
		}, nil
	}
	return ResolutionResult{
		Strategy:     StrategyLastWriterWins,
		ResolvedData: cloneRecord(c.ServerVersion),
		Confidence:   90,
		Explanation:  "Attendance resolved by last writer: server version is at least as recent",
	}, nil
}

// StudentDataResolver merges student record changes field by field, using
// a three-way merge when the last agreed-on version is available.
type StudentDataResolver struct {
	policy *FieldPolicy
}

func (r *StudentDataResolver) Resolve(ctx context.Context, c ConflictData) (ResolutionResult, error) {
	if c.BaseVersion != nil {
		return threeWayMerge(r.policy, c), nil
	}
	return twoWayMerge(r.policy, c), nil
}

// SessionConfigResolver never auto-applies session configuration changes.
// It still computes per-field suggestions so the review UI can surface them
// alongside the server default.
type SessionConfigResolver struct {
	policy *FieldPolicy
}

func (r *SessionConfigResolver) Resolve(ctx context.Context, c ConflictData) (ResolutionResult, error) {
	return ResolutionResult{
		Strategy:          StrategyUserGuided,
		ResolvedData:      cloneRecord(c.ServerVersion),
		RequiresUserInput: true,
		Conflicts:         analyzeFields(r.policy, c),
		Confidence:        30,
		Explanation:       "Session configuration changes require manual review; defaulting to the server version",
	}, nil
}

// BulkOperationResolver merges two operation lists: concatenate local then
// server, drop duplicate operation ids keeping the first occurrence, and
// order the result by operation timestamp.
type BulkOperationResolver struct{}

func (r *BulkOperationResolver) Resolve(ctx context.Context, c ConflictData) (ResolutionResult, error) {
	localOps := operationList(c.LocalVersion)
	serverOps := operationList(c.ServerVersion)

	merged := make([]any, 0, len(localOps)+len(serverOps))
	seen := make(map[string]bool)
	for _, op := range append(append([]any{}, localOps...), serverOps...) {
		if rec, ok := op.(map[string]any); ok {
			if id, ok := rec["id"].(string); ok && id != "" {
				if seen[id] {
					continue
				}
				seen[id] = true
			}
		}
		merged = append(merged, op)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return operationTimestamp(merged[i]) < operationTimestamp(merged[j])
	})

	resolved := cloneRecord(c.ServerVersion)
	if resolved == nil {
		resolved = make(map[string]any)
	}
	resolved["operations"] = merged

	return ResolutionResult{
		Strategy:     StrategyAutoMerge,
		ResolvedData: resolved,
		Confidence:   70,
		Explanation:  fmt.Sprintf("Merged %d local and %d server operations into %d deduplicated, time-ordered operations", len(localOps), len(serverOps), len(merged)),
	}, nil
}

func operationList(rec map[string]any) []any {
	ops, _ := rec["operations"].([]any)
	return ops
}

func operationTimestamp(op any) int64 {
	rec, ok := op.(map[string]any)
	if !ok {
		return 0
	}
	return timestampOf(rec["timestamp"])
}

// TimestampResolver picks the side whose timestamp parses strictly later;
// a missing or unparseable timestamp counts as the epoch.
type TimestampResolver struct{}

func (r *TimestampResolver) Resolve(ctx context.Context, c ConflictData) (ResolutionResult, error) {
	localTS := timestampOf(c.LocalVersion["timestamp"])
	serverTS := timestampOf(c.ServerVersion["timestamp"])

	if localTS > serverTS {
		return ResolutionResult{
			Strategy:     StrategyLastWriterWins,
			ResolvedData: cloneRecord(c.LocalVersion),
			Confidence:   95,
			Explanation:  "Timestamp conflict resolved: local version carries the later timestamp",
		}, nil
	}
	return ResolutionResult{
		Strategy:     StrategyLastWriterWins,
		ResolvedData: cloneRecord(c.ServerVersion),
		Confidence:   95,
		Explanation:  "Timestamp conflict resolved: server version carries the later or equal timestamp",
	}, nil
}

// GenericResolver is the fallback for unknown conflict types and malformed
// input. It never fails the pipeline: it defaults to the server version at
// low confidence and flags the result for human review.
type GenericResolver struct {
	policy *FieldPolicy
}

func (r *GenericResolver) Resolve(ctx context.Context, c ConflictData) (ResolutionResult, error) {
	return ResolutionResult{
		Strategy:          StrategyLastWriterWins,
		ResolvedData:      cloneRecord(c.ServerVersion),
		RequiresUserInput: true,
		Conflicts:         analyzeFields(r.policy, c),
		Confidence:        20,
		Explanation:       "Generic resolution: defaulting to server version",
	}, nil
}
