// Package metrics provides performance tracking and observability for dockgate
// using Prometheus metrics. It offers collectors for the connection pool, the
// FIFO acquire queue, the status cache, and raw daemon calls.
//
// # Overview
//
// The metrics package provides:
//   - Prometheus-compatible metrics collection
//   - Pre-defined metrics for pool, queue, cache, and daemon operations
//   - Thread-safe metric recording
//   - Automatic metric registration via promauto
//
// # Basic Usage
//
//	// Record a finished acquire
//	metrics.PoolAcquires.WithLabelValues("hit").Inc()
//
//	// Track daemon call latency
//	timer := metrics.NewTimer("list_containers")
//	containers, err := client.ListContainers(ctx)
//	metrics.DaemonCallLatency.WithLabelValues("list_containers").
//	    Observe(timer.Stop().Seconds())
//
// # Metric Types
//
// Counter: Monotonically increasing values (e.g., total acquires)
// Gauge: Values that can go up or down (e.g., in-use connections)
// Histogram: Distribution of values (e.g., acquire wait time)
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PoolAcquires tracks finished acquire attempts.
	// Labels: result (hit/created/queued/queue_timeout/creation_error/closed)
	//
	// Example:
	//	metrics.PoolAcquires.WithLabelValues("queued").Inc()
	PoolAcquires = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dockgate_pool_acquires_total",
			Help: "Total number of connection acquire attempts by result",
		},
		[]string{"result"},
	)

	// PoolConnections tracks the current pool population.
	// Labels: state (idle/in_use)
	PoolConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dockgate_pool_connections",
			Help: "Current number of pooled connections by state",
		},
		[]string{"state"},
	)

	// QueueDepth tracks how many acquire requests are waiting for a slot
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dockgate_pool_queue_depth",
			Help: "Current number of queued acquire requests",
		},
	)

	// AcquireWait tracks the distribution of time spent waiting for a connection
	AcquireWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "dockgate_pool_acquire_wait_seconds",
			Help: "Time spent waiting for a pooled connection",
			Buckets: []float64{
				0.001, // fast-path hit
				0.01,
				0.05,
				0.1,
				0.5,
				1,
				2.5,
				5,
				10,
				30,
			},
		},
	)

	// HealthCheckFailures counts idle connections discarded after a failed ping
	HealthCheckFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dockgate_pool_health_check_failures_total",
			Help: "Idle connections discarded after failing a health check",
		},
	)

	// DaemonCalls tracks raw calls issued to the engine daemon.
	// Labels: operation (ping/list_containers/inspect/stats), status (success/error)
	DaemonCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dockgate_daemon_calls_total",
			Help: "Total daemon calls by operation and status",
		},
		[]string{"operation", "status"},
	)

	// DaemonCallLatency tracks daemon call latency in seconds.
	// Labels: operation
	DaemonCallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dockgate_daemon_call_seconds",
			Help:    "Daemon call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// CacheReads tracks status cache reads.
	// Labels: outcome (fresh/stale/refresh)
	CacheReads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dockgate_cache_reads_total",
			Help: "Status cache reads by outcome",
		},
		[]string{"outcome"},
	)

	// CacheRefreshes tracks full-set refresh attempts.
	// Labels: status (success/error)
	CacheRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dockgate_cache_refreshes_total",
			Help: "Full-set cache refreshes by status",
		},
		[]string{"status"},
	)

	// CacheAge exports the age of the last successful full refresh
	CacheAge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dockgate_cache_age_seconds",
			Help: "Age of the last successful full refresh in seconds",
		},
	)

	// TrackedEntities exports the number of entities the cache keeps bookkeeping for
	TrackedEntities = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dockgate_cache_tracked_entities",
			Help: "Entities with cache bookkeeping (fingerprint/timestamp)",
		},
	)
)

// Timer provides a simple timing mechanism for measuring operation durations.
// It captures the start time on creation and calculates elapsed time on stop.
type Timer struct {
	start time.Time
	name  string
}

// NewTimer creates a new timer and starts timing immediately.
// The name parameter is for identification in logs or metrics.
func NewTimer(name string) *Timer {
	return &Timer{
		start: time.Now(),
		name:  name,
	}
}

// Stop returns the elapsed time since the timer was created
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}

// ObserveDaemonCall records one daemon call's outcome and latency in one shot
func ObserveDaemonCall(operation string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	DaemonCalls.WithLabelValues(operation, status).Inc()
	DaemonCallLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}
