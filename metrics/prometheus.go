package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements Collector backed by prometheus metrics.
type PrometheusCollector struct {
	syncDuration *prometheus.HistogramVec
	opsPushed    prometheus.Counter
	opsPulled    prometheus.Counter
	conflicts    *prometheus.CounterVec
	syncErrors   *prometheus.CounterVec
}

var _ Collector = (*PrometheusCollector)(nil)

// NewPrometheusCollector creates a collector and registers its metrics with reg.
// Pass prometheus.DefaultRegisterer to use the default registry.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	c := &PrometheusCollector{
		syncDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "attendsync",
			Name:      "sync_duration_seconds",
			Help:      "Duration of sync operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		opsPushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "attendsync",
			Name:      "operations_pushed_total",
			Help:      "Queued operations pushed to the server.",
		}),
		opsPulled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "attendsync",
			Name:      "changes_pulled_total",
			Help:      "Server change records pulled.",
		}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "attendsync",
			Name:      "conflicts_total",
			Help:      "Conflicts by outcome.",
		}, []string{"outcome"}),
		syncErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "attendsync",
			Name:      "sync_errors_total",
			Help:      "Sync errors by operation and reason.",
		}, []string{"op", "reason"}),
	}

	reg.MustRegister(c.syncDuration, c.opsPushed, c.opsPulled, c.conflicts, c.syncErrors)
	return c
}

func (c *PrometheusCollector) RecordSyncDuration(op string, d time.Duration) {
	c.syncDuration.WithLabelValues(op).Observe(d.Seconds())
}

func (c *PrometheusCollector) RecordOperations(pushed, pulled int) {
	if pushed > 0 {
		c.opsPushed.Add(float64(pushed))
	}
	if pulled > 0 {
		c.opsPulled.Add(float64(pulled))
	}
}

func (c *PrometheusCollector) RecordConflicts(detected, resolved, escalated int) {
	if detected > 0 {
		c.conflicts.WithLabelValues("detected").Add(float64(detected))
	}
	if resolved > 0 {
		c.conflicts.WithLabelValues("resolved").Add(float64(resolved))
	}
	if escalated > 0 {
		c.conflicts.WithLabelValues("escalated").Add(float64(escalated))
	}
}

func (c *PrometheusCollector) RecordSyncErrors(op, reason string) {
	c.syncErrors.WithLabelValues(op, reason).Inc()
}
