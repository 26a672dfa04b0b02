package lock

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	lockAcquireTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shardmesh_lock_acquire_total",
			Help: "Total number of lock acquire outcomes",
		},
		[]string{"scope", "status"},
	)

	lockAcquireWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shardmesh_lock_acquire_wait_seconds",
			Help:    "Time spent waiting for a lock to be acquired",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"scope"},
	)

	lockRenewTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shardmesh_lock_renew_total",
			Help: "Total number of lock renew operations",
		},
		[]string{"scope", "status"},
	)

	lockReleaseTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shardmesh_lock_release_total",
			Help: "Total number of lock release operations",
		},
		[]string{"scope", "status"},
	)

	lockLostTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shardmesh_lock_lost_total",
			Help: "Total number of leases detected as lost",
		},
		[]string{"scope"},
	)

	lockActiveLeases = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shardmesh_lock_active_leases",
			Help: "Current number of leases held by this process",
		},
		[]string{"scope"},
	)
)

func recordLockAcquire(key, status string, waited time.Duration) {
	scope := lockScope(key)
	lockAcquireTotal.WithLabelValues(scope, normalizeLockLabel(status)).Inc()
	if status == "acquired" {
		lockAcquireWait.WithLabelValues(scope).Observe(waited.Seconds())
	}
}

func recordLockRenew(key, status string) {
	lockRenewTotal.WithLabelValues(lockScope(key), normalizeLockLabel(status)).Inc()
}

func recordLockRelease(key, status string) {
	lockReleaseTotal.WithLabelValues(lockScope(key), normalizeLockLabel(status)).Inc()
}

func recordLockLost(key string) {
	lockLostTotal.WithLabelValues(lockScope(key)).Inc()
}

func incrementActiveLeases(key string) {
	lockActiveLeases.WithLabelValues(lockScope(key)).Inc()
}

func decrementActiveLeases(key string) {
	lockActiveLeases.WithLabelValues(lockScope(key)).Dec()
}

// lockScope strips the trailing shard index so label cardinality follows the key prefix,
// not the number of shards.
func lockScope(key string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(key), "0123456789")
	trimmed = strings.TrimRight(trimmed, ":/-_.")
	return normalizeLockLabel(trimmed)
}

func normalizeLockLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
