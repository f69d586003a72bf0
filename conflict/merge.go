package conflict

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"time"
)

// valuesEqual compares two field values structurally. Nested maps and slices
// that are value-equal compare as equal here, unlike the reference semantics
// of a dynamic runtime.
func valuesEqual(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

// timestampOf normalizes a timestamp value to epoch milliseconds. Records
// coming off the wire carry timestamps as RFC 3339 strings, JSON numbers or
// time.Time; anything unrecognized is treated as the epoch.
func timestampOf(v any) int64 {
	switch t := v.(type) {
	case nil:
		return 0
	case time.Time:
		return t.UnixMilli()
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return ts.UnixMilli()
		}
		if ts, err := time.Parse(time.RFC3339, t); err == nil {
			return ts.UnixMilli()
		}
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return n
		}
		return 0
	default:
		return 0
	}
}

// recordTimestamp reads the first present key from rec and normalizes it.
func recordTimestamp(rec map[string]any, keys ...string) int64 {
	for _, k := range keys {
		if v, ok := rec[k]; ok {
			return timestampOf(v)
		}
	}
	return 0
}

// unionKeys returns the sorted union of keys across the given records.
func unionKeys(records ...map[string]any) []string {
	set := make(map[string]struct{})
	for _, rec := range records {
		for k := range rec {
			set[k] = struct{}{}
		}
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// FieldPolicy maps field names to preferred resolution strategies and
// resolves individual field conflicts accordingly. Unknown fields fall back
// to last-writer-wins.
type FieldPolicy struct {
	strategies map[string]ResolutionStrategy
}

// NewFieldPolicy returns a policy with the default per-field strategies.
func NewFieldPolicy() *FieldPolicy {
	return &FieldPolicy{strategies: map[string]ResolutionStrategy{
		"attendance_status": StrategyLastWriterWins,
		"timestamp":         StrategyLastWriterWins,
		"notes":             StrategyAutoMerge,
		"settings":          StrategyUserGuided,
	}}
}

// Set overrides the preferred strategy for a field. Last setter wins.
func (p *FieldPolicy) Set(field string, s ResolutionStrategy) {
	p.strategies[field] = s
}

// StrategyFor returns the preferred strategy for a field.
func (p *FieldPolicy) StrategyFor(field string) ResolutionStrategy {
	if s, ok := p.strategies[field]; ok {
		return s
	}
	return StrategyLastWriterWins
}

// ResolveField resolves a single field conflict between local and server
// values, optionally informed by the common-ancestor value.
func (p *FieldPolicy) ResolveField(fieldPath string, local, server, base any, hasBase bool) ConflictField {
	cf := ConflictField{
		FieldPath:   fieldPath,
		LocalValue:  local,
		ServerValue: server,
		BaseValue:   base,
	}
	cf.Strategy = p.StrategyFor(fieldPath)

	switch cf.Strategy {
	case StrategyLastWriterWins:
		if localLooksNewer(local, server) {
			cf.Resolution = local
		} else {
			cf.Resolution = server
		}
		cf.Confidence = 80

	case StrategyAutoMerge:
		cf.Resolution, cf.Confidence = autoMergeValues(local, server, base, hasBase)

	case StrategyAcceptBoth:
		la, lok := local.([]any)
		sa, sok := server.([]any)
		if lok && sok {
			cf.Resolution = unionValues(la, sa)
			cf.Confidence = 85
		} else {
			cf.Resolution = map[string]any{"local": local, "server": server}
			cf.Confidence = 50
		}

	default:
		// user_guided and anything unrecognized defaults to the server value.
		cf.Resolution = server
		cf.Confidence = 30
	}

	return cf
}

// localLooksNewer reports whether the local value is a record carrying a
// timestamp strictly greater than the server value's timestamp. Plain
// scalar values always report false, so the server side wins.
func localLooksNewer(local, server any) bool {
	lm, ok := local.(map[string]any)
	if !ok {
		return false
	}
	lv, ok := lm["timestamp"]
	if !ok {
		return false
	}
	var sts int64
	if sm, ok := server.(map[string]any); ok {
		sts = timestampOf(sm["timestamp"])
	}
	return timestampOf(lv) > sts
}

func autoMergeValues(local, server, base any, hasBase bool) (any, int) {
	// One-side-unchanged shortcut: when the ancestor equals one side, the
	// other side made the only change and wins verbatim.
	if hasBase {
		if valuesEqual(base, local) {
			return server, 60
		}
		if valuesEqual(base, server) {
			return local, 60
		}
	}

	ls, lok := local.(string)
	ss, sok := server.(string)
	if lok && sok {
		return fmt.Sprintf("%s | %s", ls, ss), 60
	}

	la, laok := local.([]any)
	sa, saok := server.([]any)
	if laok && saok {
		return unionValues(la, sa), 70
	}

	return server, 30
}

// unionValues concatenates two slices, dropping structural duplicates.
func unionValues(a, b []any) []any {
	out := make([]any, 0, len(a)+len(b))
	for _, v := range append(append([]any{}, a...), b...) {
		dup := false
		for _, existing := range out {
			if valuesEqual(existing, v) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, v)
		}
	}
	return out
}

// threeWayMerge merges local and server against the common ancestor. Fields
// where only one side changed take that side's value without recording a
// conflict; fields where all three differ go through the field policy.
func threeWayMerge(policy *FieldPolicy, c ConflictData) ResolutionResult {
	merged := make(map[string]any)
	var conflicts []ConflictField

	for _, key := range unionKeys(c.LocalVersion, c.ServerVersion, c.BaseVersion) {
		lv := c.LocalVersion[key]
		sv := c.ServerVersion[key]
		bv := c.BaseVersion[key]

		switch {
		case valuesEqual(lv, sv):
			merged[key] = lv
		case valuesEqual(lv, bv):
			merged[key] = sv
		case valuesEqual(sv, bv):
			merged[key] = lv
		default:
			cf := policy.ResolveField(key, lv, sv, bv, true)
			merged[key] = cf.Resolution
			conflicts = append(conflicts, cf)
		}
	}

	confidence := 95
	requiresUser := false
	for i, cf := range conflicts {
		if i == 0 || cf.Confidence < confidence {
			confidence = cf.Confidence
		}
		if cf.Confidence < 70 {
			requiresUser = true
		}
	}

	return ResolutionResult{
		Strategy:          StrategyAutoMerge,
		ResolvedData:      merged,
		RequiresUserInput: requiresUser,
		Conflicts:         conflicts,
		Confidence:        confidence,
		Explanation:       fmt.Sprintf("Three-way merge against common ancestor: %d field(s) required conflict resolution", len(conflicts)),
	}
}

// twoWayMerge merges local into a copy of the server version without an
// ancestor. The uncertainty bar is lower than for three-way merge, so the
// escalation threshold is stricter.
func twoWayMerge(policy *FieldPolicy, c ConflictData) ResolutionResult {
	merged := cloneRecord(c.ServerVersion)
	if merged == nil {
		merged = make(map[string]any)
	}
	var conflicts []ConflictField

	for _, key := range unionKeys(c.LocalVersion, c.ServerVersion) {
		lv := c.LocalVersion[key]
		sv := c.ServerVersion[key]
		if valuesEqual(lv, sv) {
			continue
		}
		cf := policy.ResolveField(key, lv, sv, nil, false)
		merged[key] = cf.Resolution
		conflicts = append(conflicts, cf)
	}

	confidence := 80
	requiresUser := false
	for i, cf := range conflicts {
		if i == 0 || cf.Confidence < confidence {
			confidence = cf.Confidence
		}
		if cf.Confidence < 50 {
			requiresUser = true
		}
	}

	return ResolutionResult{
		Strategy:          StrategyAutoMerge,
		ResolvedData:      merged,
		RequiresUserInput: requiresUser,
		Conflicts:         conflicts,
		Confidence:        confidence,
		Explanation:       fmt.Sprintf("Field-level merge without ancestor: %d field(s) required conflict resolution", len(conflicts)),
	}
}

// analyzeFields computes per-field suggestions for the fields named in the
// conflict, without deciding the overall record. When no fields are named,
// the whole record is treated as one field at the root path.
func analyzeFields(policy *FieldPolicy, c ConflictData) []ConflictField {
	hasBase := c.BaseVersion != nil
	if len(c.ConflictFields) == 0 {
		var base any
		if hasBase {
			base = c.BaseVersion
		}
		return []ConflictField{policy.ResolveField("", c.LocalVersion, c.ServerVersion, base, hasBase)}
	}
	out := make([]ConflictField, 0, len(c.ConflictFields))
	for _, f := range c.ConflictFields {
		out = append(out, policy.ResolveField(f, c.LocalVersion[f], c.ServerVersion[f], c.BaseVersion[f], hasBase))
	}
	return out
}
