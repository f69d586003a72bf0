package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestSyncError_Error(t *testing.T) {
	cause := errors.New("connection refused")

	tests := []struct {
		name string
		err  *SyncError
		want []string
	}{
		{
			name: "with component and code",
			err:  NewNetworkError(OpPush, cause),
			want: []string{"push operation failed", "transport", "NETWORK_FAILURE", "connection refused"},
		},
		{
			name: "without component",
			err:  New(OpResolve, cause),
			want: []string{"resolve operation failed", "connection refused"},
		},
		{
			name: "queue error",
			err:  NewQueueError(OpEnqueue, cause),
			want: []string{"enqueue operation failed", "queue", "QUEUE_FAILURE"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			for _, want := range tt.want {
				if !strings.Contains(msg, want) {
					t.Errorf("Error() = %q, missing %q", msg, want)
				}
			}
		})
	}
}

func TestSyncError_Unwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := NewQueueError(OpEnqueue, cause)

	if !errors.Is(err, cause) {
		t.Errorf("expected errors.Is to find the underlying cause")
	}

	wrapped := fmt.Errorf("outer: %w", err)
	var syncErr *SyncError
	if !errors.As(wrapped, &syncErr) {
		t.Fatalf("expected errors.As to find SyncError through wrapping")
	}
	if syncErr.Op != OpEnqueue {
		t.Errorf("expected op %q, got %q", OpEnqueue, syncErr.Op)
	}
}

func TestIsRetryable(t *testing.T) {
	cause := errors.New("boom")

	if !IsRetryable(NewNetworkError(OpPull, cause)) {
		t.Errorf("network errors should be retryable")
	}
	if IsRetryable(NewConflictError(OpResolve, cause)) {
		t.Errorf("conflict errors should not be retryable")
	}
	if IsRetryable(cause) {
		t.Errorf("plain errors should not be retryable")
	}
	if !IsRetryable(fmt.Errorf("wrapped: %w", NewRetryable(OpSync, cause))) {
		t.Errorf("retryable flag should survive wrapping")
	}
}
