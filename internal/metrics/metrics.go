// Package metrics exposes Prometheus collectors for sync cycles, remote requests and the
// staged-install lifecycle. A nil *Metrics is valid and records nothing.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "addonsyncd"

// Metrics holds the collectors.
type Metrics struct {
	cycles         *prometheus.CounterVec
	cycleDuration  prometheus.Histogram
	filesWritten   prometheus.Counter
	filesDeleted   *prometheus.CounterVec
	fileFailures   prometheus.Counter
	lastSuccess    prometheus.Gauge
	remoteRequests *prometheus.CounterVec
	lifecycle      *prometheus.CounterVec
}

// New registers the collectors with reg. Use a fresh registry per instance; registering
// twice with the same registry panics.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		cycles: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_cycles_total",
			Help:      "Sync cycles by mode and result",
		}, []string{"mode", "result"}),

		cycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_cycle_duration_seconds",
			Help:      "Duration of sync cycles in seconds",
			Buckets:   prometheus.DefBuckets,
		}),

		filesWritten: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_written_total",
			Help:      "Mirror files written",
		}),

		filesDeleted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_deleted_total",
			Help:      "Mirror files deleted, by reason",
		}, []string{"reason"}),

		fileFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "file_failures_total",
			Help:      "Per-path local write or delete failures",
		}),

		lastSuccess: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last fully successful sync cycle",
		}),

		remoteRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_requests_total",
			Help:      "Requests to the remote repository host by endpoint and HTTP status (0 = no response)",
		}, []string{"endpoint", "status"}),

		lifecycle: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_observations_total",
			Help:      "Staged-install states observed per lifecycle pass",
		}, []string{"component", "state"}),
	}
}

// Cycle describes one finished sync cycle.
type Cycle struct {
	Mode     string
	Result   string
	Duration time.Duration
	Written  int
	Deleted  int
	Pruned   int
	Failed   int
}

// ObserveCycle records a finished cycle. Result "ok" and "unchanged" count as success.
func (m *Metrics) ObserveCycle(c Cycle) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(c.Mode, c.Result).Inc()
	m.cycleDuration.Observe(c.Duration.Seconds())
	m.filesWritten.Add(float64(c.Written))
	m.filesDeleted.WithLabelValues("removed").Add(float64(c.Deleted))
	m.filesDeleted.WithLabelValues("pruned").Add(float64(c.Pruned))
	m.fileFailures.Add(float64(c.Failed))
	if c.Result == "ok" || c.Result == "unchanged" {
		m.lastSuccess.SetToCurrentTime()
	}
}

// ObserveRemote records one remote request.
func (m *Metrics) ObserveRemote(endpoint string, status int) {
	if m == nil {
		return
	}
	m.remoteRequests.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
}

// ObserveLifecycle records the state a target was found in.
func (m *Metrics) ObserveLifecycle(component, state string) {
	if m == nil {
		return
	}
	m.lifecycle.WithLabelValues(component, state).Inc()
}
