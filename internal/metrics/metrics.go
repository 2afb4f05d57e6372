// Package metrics holds the Prometheus collectors for file coordination.
// Collectors register on the default registry; `interlock serve` exposes
// them on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "interlock"

var (
	// LockAcquires counts acquire attempts by outcome (acquired, timeout, cancelled, error).
	LockAcquires = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "lock",
		Name:      "acquires_total",
		Help:      "Lock acquire attempts by outcome",
	}, []string{"outcome"})

	// LockWait measures time spent waiting for a contended lock.
	LockWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "lock",
		Name:      "wait_seconds",
		Help:      "Time spent waiting to acquire a file lock",
		Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	LockReleases = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "lock",
		Name:      "releases_total",
		Help:      "Lock releases by outcome (released, noop)",
	}, []string{"outcome"})

	LockReclaims = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "lock",
		Name:      "reclaims_total",
		Help:      "Locks reclaimed from dead holders",
	})

	// Backups counts snapshot, restore and prune operations by outcome.
	Backups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "backup",
		Name:      "operations_total",
		Help:      "Backup operations by kind and outcome",
	}, []string{"op", "outcome"})

	BackupBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "backup",
		Name:      "bytes_total",
		Help:      "Bytes copied into backups",
	})

	Modifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "modifications_total",
		Help:      "Finished modifications by outcome (success, failure)",
	}, []string{"outcome"})

	// UnprotectedWrites counts file changes seen without a lock held.
	UnprotectedWrites = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "watch",
		Name:      "unprotected_writes_total",
		Help:      "File changes observed while no lock was held",
	})

	// StoreRetries counts statements retried because SQLite reported
	// "database is locked".
	StoreRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "busy_retries_total",
		Help:      "Store statements retried after SQLITE_BUSY",
	})

	StoreBreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "breaker_state",
		Help:      "Store circuit breaker state (0 closed, 1 open, 2 half-open)",
	})

	StoreRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "breaker_rejected_total",
		Help:      "Store calls refused while the circuit breaker was open",
	})

	ProtectedWriteDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "coord",
		Name:      "protected_write_seconds",
		Help:      "End-to-end duration of protected writes, lock wait included",
		Buckets:   prometheus.DefBuckets,
	})
)

// Outcome maps an error to a success/failure label.
func Outcome(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

func ObserveWait(d time.Duration) {
	LockWait.Observe(d.Seconds())
}
