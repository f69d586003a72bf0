package conflict

import (
	"testing"
	"time"
)

func TestDetect_NoOverlap(t *testing.T) {
	local := []ChangeRecord{{"entityId": "a", "id": "1", "status": "present"}}
	server := []ChangeRecord{{"entityId": "b", "id": "2", "status": "present"}}

	conflicts := detectConflicts(local, server, time.Now())
	if len(conflicts) != 0 {
		t.Fatalf("len(conflicts) = %d, want 0 for disjoint ids", len(conflicts))
	}
}

func TestDetect_EntityIDMatch(t *testing.T) {
	local := []ChangeRecord{{"entityId": "student_1_session_2", "status": "present"}}
	server := []ChangeRecord{{"entityId": "student_1_session_2", "status": "absent"}}

	conflicts := detectConflicts(local, server, time.Now())
	if len(conflicts) != 1 {
		t.Fatalf("len(conflicts) = %d, want 1", len(conflicts))
	}
	c := conflicts[0]
	if c.EntityID != "student_1_session_2" {
		t.Errorf("entity id = %q", c.EntityID)
	}
	if c.Type != TypeAttendanceStatus {
		t.Errorf("type = %v, want attendance_status", c.Type)
	}
	if len(c.ConflictFields) != 1 || c.ConflictFields[0] != "status" {
		t.Errorf("conflict fields = %v, want [status]", c.ConflictFields)
	}
}

func TestDetect_IDMatchAlone(t *testing.T) {
	// No entityId at all; a bare id match is sufficient (and intentionally
	// permissive across namespaces).
	local := []ChangeRecord{{"id": "42", "name": "before"}}
	server := []ChangeRecord{{"id": "42", "name": "after"}}

	conflicts := detectConflicts(local, server, time.Now())
	if len(conflicts) != 1 {
		t.Fatalf("len(conflicts) = %d, want 1", len(conflicts))
	}
	if conflicts[0].EntityID != "42" {
		t.Errorf("entity id = %q, want id fallback", conflicts[0].EntityID)
	}
}

func TestDetect_OnePerEntityPerPass(t *testing.T) {
	local := []ChangeRecord{
		{"entityId": "e1", "status": "present"},
		{"entityId": "e1", "status": "late"},
	}
	server := []ChangeRecord{
		{"entityId": "e1", "status": "absent"},
		{"entityId": "e1", "status": "excused"},
	}

	conflicts := detectConflicts(local, server, time.Now())
	if len(conflicts) != 1 {
		t.Fatalf("len(conflicts) = %d, want 1 per entity per pass", len(conflicts))
	}
}

func TestDetect_TypeInference(t *testing.T) {
	tests := []struct {
		name   string
		local  ChangeRecord
		server ChangeRecord
		want   ConflictType
	}{
		{
			name:   "status wins first",
			local:  ChangeRecord{"entityId": "e", "status": "present", "student_id": "s1", "timestamp": int64(1)},
			server: ChangeRecord{"entityId": "e", "status": "absent"},
			want:   TypeAttendanceStatus,
		},
		{
			name:   "operations on both sides",
			local:  ChangeRecord{"entityId": "e", "operations": []any{}},
			server: ChangeRecord{"entityId": "e", "operations": []any{}},
			want:   TypeBulkOperation,
		},
		{
			name:   "operations on one side only is not bulk",
			local:  ChangeRecord{"entityId": "e", "operations": []any{}, "student_id": "s1"},
			server: ChangeRecord{"entityId": "e", "student_id": "s1"},
			want:   TypeStudentData,
		},
		{
			name:   "timestamp fallback",
			local:  ChangeRecord{"entityId": "e", "timestamp": int64(1)},
			server: ChangeRecord{"entityId": "e", "timestamp": int64(2)},
			want:   TypeTimestamp,
		},
		{
			name:   "session config is the default",
			local:  ChangeRecord{"entityId": "e", "name": "a"},
			server: ChangeRecord{"entityId": "e", "name": "b"},
			want:   TypeSessionConfig,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conflicts := detectConflicts([]ChangeRecord{tt.local}, []ChangeRecord{tt.server}, time.Now())
			if len(conflicts) != 1 {
				t.Fatalf("len(conflicts) = %d, want 1", len(conflicts))
			}
			if conflicts[0].Type != tt.want {
				t.Errorf("type = %v, want %v", conflicts[0].Type, tt.want)
			}
		})
	}
}

func TestDetect_DifferingFieldsSortedUnion(t *testing.T) {
	local := []ChangeRecord{{"entityId": "e", "b": 1, "a": "x", "same": true}}
	server := []ChangeRecord{{"entityId": "e", "b": 2, "c": "y", "same": true}}

	conflicts := detectConflicts(local, server, time.Now())
	if len(conflicts) != 1 {
		t.Fatalf("len(conflicts) = %d, want 1", len(conflicts))
	}
	got := conflicts[0].ConflictFields
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("conflict fields = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("conflict fields = %v, want %v", got, want)
		}
	}
}

func TestDetect_DeepEqualNestedValuesNotFlagged(t *testing.T) {
	local := []ChangeRecord{{"entityId": "e", "nested": map[string]any{"k": []any{1, 2}}}}
	server := []ChangeRecord{{"entityId": "e", "nested": map[string]any{"k": []any{1, 2}}}}

	conflicts := detectConflicts(local, server, time.Now())
	if len(conflicts) != 1 {
		t.Fatalf("len(conflicts) = %d, want 1 (ids overlap)", len(conflicts))
	}
	if len(conflicts[0].ConflictFields) != 0 {
		t.Errorf("conflict fields = %v, want none for value-equal nested records", conflicts[0].ConflictFields)
	}
}

func TestDetect_EngineWrapper(t *testing.T) {
	engine := NewEngine()
	conflicts := engine.DetectPotentialConflicts(
		[]ChangeRecord{{"entityId": "e", "status": "present"}},
		[]ChangeRecord{{"entityId": "e", "status": "absent"}},
	)
	if len(conflicts) != 1 {
		t.Fatalf("len(conflicts) = %d, want 1", len(conflicts))
	}
	if conflicts[0].Timestamp.IsZero() {
		t.Errorf("detection timestamp should be populated")
	}
}
