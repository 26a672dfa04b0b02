// Command shardmesh runs an example mesh node whose per-shard task simulates batch processing.
package main

import (
	"context"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nimburion/shardmesh/pkg/cli"
)

var batchesProcessed = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "shardmesh_demo_batches_total",
		Help: "Batches processed by the demo shard task",
	},
	[]string{"shard"},
)

// processBatch pretends to drain one batch of work for shard.
func processBatch(ctx context.Context, shard int) error {
	timer := time.NewTimer(100*time.Millisecond + rand.N(400*time.Millisecond))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}
	batchesProcessed.WithLabelValues(strconv.Itoa(shard)).Inc()
	return nil
}

func main() {
	cli.Execute(cli.NewNodeCommand(cli.NodeCommandOptions{
		Name:        "shardmesh",
		Description: "Example mesh node running one batch loop per owned shard",
		EnvPrefix:   "SHARDMESH",
		Task:        processBatch,
	}))
}
