package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusCollector_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPrometheusCollector(reg)

	c.RecordOperations(3, 5)
	c.RecordConflicts(2, 1, 1)
	c.RecordSyncErrors("push", "timeout")
	c.RecordSyncDuration("full_sync", 120*time.Millisecond)

	if got := testutil.ToFloat64(c.opsPushed); got != 3 {
		t.Errorf("operations_pushed_total = %v, want 3", got)
	}
	if got := testutil.ToFloat64(c.opsPulled); got != 5 {
		t.Errorf("changes_pulled_total = %v, want 5", got)
	}
	if got := testutil.ToFloat64(c.conflicts.WithLabelValues("detected")); got != 2 {
		t.Errorf("conflicts_total{outcome=detected} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.syncErrors.WithLabelValues("push", "timeout")); got != 1 {
		t.Errorf("sync_errors_total = %v, want 1", got)
	}
}

func TestPrometheusCollector_ZeroCountsNotRecorded(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPrometheusCollector(reg)

	c.RecordOperations(0, 0)
	c.RecordConflicts(0, 0, 0)

	if got := testutil.ToFloat64(c.opsPushed); got != 0 {
		t.Errorf("operations_pushed_total = %v, want 0", got)
	}
}
