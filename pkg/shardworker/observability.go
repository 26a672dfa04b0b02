package shardworker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	shardsOwned = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shardmesh_shards_owned",
			Help: "Current number of shards assigned to this node",
		},
		[]string{"role"},
	)

	shardsRunning = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shardmesh_shards_running",
			Help: "Current number of shard tasks executing under a lease",
		},
		[]string{"role"},
	)

	shardTaskTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shardmesh_shard_task_total",
			Help: "Total number of shard task outcomes",
		},
		[]string{"role", "outcome"},
	)

	shardOwnershipChangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shardmesh_shard_ownership_changes_total",
			Help: "Total number of shards gained or given up by this node",
		},
		[]string{"role", "direction"},
	)
)

func recordOwnership(role string, owned, added, removed int) {
	shardsOwned.WithLabelValues(role).Set(float64(owned))
	if added > 0 {
		shardOwnershipChangesTotal.WithLabelValues(role, "added").Add(float64(added))
	}
	if removed > 0 {
		shardOwnershipChangesTotal.WithLabelValues(role, "removed").Add(float64(removed))
	}
}

func recordTaskOutcome(role, outcome string) {
	shardTaskTotal.WithLabelValues(role, outcome).Inc()
}
