// Package shardworker runs a task per owned shard, each under a distributed lease.
package shardworker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/nimburion/shardmesh/pkg/lock"
	"github.com/nimburion/shardmesh/pkg/mesh"
	"github.com/nimburion/shardmesh/pkg/observability/logger"
	"github.com/nimburion/shardmesh/pkg/observability/tracing"
	"github.com/nimburion/shardmesh/pkg/sharding"
)

// Task is the per-shard work. It is invoked again after every lease acquisition and must return
// promptly once ctx ends, which happens on reassignment, lease loss or worker shutdown.
type Task func(ctx context.Context, shard int) error

type shardSlot struct {
	state    ShardState
	owned    bool
	gen      uint64
	failures int
	cancel   context.CancelFunc
	done     chan struct{}
}

// Status is a point-in-time view of the worker's shard table.
type Status struct {
	Role     string          `json:"role"`
	NodeID   sharding.NodeID `json:"node_id"`
	Version  uint64          `json:"version"`
	Owned    string          `json:"owned"`
	States   []ShardState    `json:"states"`
	Failures []int           `json:"failures"`
}

// Worker binds a role's shard map to leases: it follows membership snapshots, starts a goroutine
// for every shard this node owns and stops it when ownership moves elsewhere.
type Worker struct {
	locker *lock.Locker
	source mesh.Source
	task   Task
	log    logger.Logger
	config Config
	def    sharding.Definition

	mu      sync.Mutex
	runCtx  context.Context
	version uint64
	owned   []bool
	shards  []shardSlot

	lifecycleMu sync.Mutex
	running     bool
	wg          sync.WaitGroup
}

// NewWorker creates a worker for cfg.Role. The role must be registered in registry.
func NewWorker(locker *lock.Locker, source mesh.Source, registry *sharding.Registry, task Task, log logger.Logger, cfg Config) (*Worker, error) {
	if locker == nil {
		return nil, workerError(ErrValidation, "locker is required")
	}
	if source == nil {
		return nil, workerError(ErrValidation, "membership source is required")
	}
	if registry == nil {
		return nil, workerError(ErrValidation, "sharding registry is required")
	}
	if task == nil {
		return nil, workerError(ErrValidation, "task is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	def, err := registry.Lookup(cfg.Role)
	if err != nil {
		return nil, errors.Join(workerError(ErrValidation, "unknown role"), err)
	}
	if _, err := locker.ResolveOptions(cfg.LockOptions); err != nil {
		return nil, errors.Join(workerError(ErrValidation, "invalid lock options"), err)
	}

	return &Worker{
		locker: locker,
		source: source,
		task:   task,
		log:    log.With("role", cfg.Role, "node_id", string(cfg.NodeID)),
		config: cfg,
		def:    def,
		owned:  make([]bool, def.ShardCount),
		shards: make([]shardSlot, def.ShardCount),
	}, nil
}

// Config returns the normalized configuration.
func (w *Worker) Config() Config {
	return w.config
}

// Run follows membership until ctx ends or the source is disposed, then stops every shard and
// waits for all shard goroutines. It returns nil when ctx ended and mesh.ErrDisposed otherwise.
func (w *Worker) Run(ctx context.Context) error {
	if ctx == nil {
		return workerError(ErrValidation, "context is required")
	}

	w.lifecycleMu.Lock()
	if w.running {
		w.lifecycleMu.Unlock()
		return ErrAlreadyRunning
	}
	w.running = true
	w.lifecycleMu.Unlock()
	defer func() {
		w.lifecycleMu.Lock()
		w.running = false
		w.lifecycleMu.Unlock()
	}()

	runCtx, cancel := context.WithCancel(logger.ContextWithNode(ctx, string(w.config.NodeID)))
	defer cancel()
	w.mu.Lock()
	w.runCtx = runCtx
	w.mu.Unlock()

	w.log.Info("shard worker started", "shards", w.def.ShardCount)
	updates := w.source.Subscribe(runCtx)

	var result error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case update, ok := <-updates:
			if !ok {
				if ctx.Err() == nil {
					result = mesh.ErrDisposed
				}
				break loop
			}
			if update.Terminal() {
				result = update.Err
				break loop
			}
			if update.Err != nil {
				w.log.Warn("membership update failed", "error", update.Err)
				continue
			}
			w.apply(runCtx, update.Snapshot)
		}
	}

	w.disownAll()
	cancel()
	w.wg.Wait()
	w.log.Info("shard worker stopped")
	return result
}

func (w *Worker) apply(ctx context.Context, snapshot mesh.Snapshot) {
	next := make([]bool, w.def.ShardCount)
	if shardMap, ok := snapshot.Sharding(w.config.Role); ok {
		copy(next, shardMap.OwnedBy(w.config.NodeID))
	}

	w.mu.Lock()
	diff := sharding.Diff(w.owned, next)
	w.owned = next
	w.version = snapshot.Version
	w.mu.Unlock()

	if diff.Empty() {
		return
	}

	_, span := tracing.StartShardSpan(ctx, tracing.SpanOperationShardRebalance, w.config.Role, -1,
		tracing.WithShardNode(string(w.config.NodeID)),
		tracing.WithShardChanges(len(diff.Added), len(diff.Removed)))
	defer span.End()

	for _, shard := range diff.Removed {
		w.transition(shard, 0, eventDisowned)
	}
	for _, shard := range diff.Added {
		w.transition(shard, 0, eventOwned)
	}

	ownedCount := 0
	for _, v := range next {
		if v {
			ownedCount++
		}
	}
	recordOwnership(w.config.Role, ownedCount, len(diff.Added), len(diff.Removed))
	w.log.Info("shard ownership changed",
		"version", snapshot.Version,
		"owned", sharding.FormatBitset(next),
		"added", diff.Added,
		"removed", diff.Removed,
	)
	tracing.RecordSuccess(span)
}

func (w *Worker) disownAll() {
	w.mu.Lock()
	prev := w.owned
	w.owned = make([]bool, w.def.ShardCount)
	w.mu.Unlock()

	for shard, owned := range prev {
		if owned {
			w.transition(shard, 0, eventDisowned)
		}
	}
	recordOwnership(w.config.Role, 0, 0, 0)
}

// transition applies event to shard under the state-table mutex. Events raised by a shard
// goroutine carry its generation and are ignored once the slot has moved on to a newer one.
func (w *Worker) transition(shard int, gen uint64, event shardEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()

	slot := &w.shards[shard]
	switch event {
	case eventOwned:
		if slot.owned {
			return
		}
		slot.owned = true
		slot.gen++
		slot.failures = 0
		shardCtx, cancel := context.WithCancel(logger.ContextWithShard(w.runCtx, w.config.Role, shard))
		previous := slot.done
		done := make(chan struct{})
		slot.cancel = cancel
		slot.done = done
		slot.state = ShardStarting
		w.wg.Add(1)
		go w.runShard(shardCtx, shard, slot.gen, previous, done)
	case eventDisowned:
		if !slot.owned {
			return
		}
		slot.owned = false
		if slot.cancel != nil {
			slot.cancel()
		}
		if slot.state != ShardUnused {
			slot.state = ShardStopping
		}
	case eventLeaseAcquired:
		if slot.gen != gen || !slot.owned {
			return
		}
		slot.state = ShardRunning
	case eventLeaseReleased:
		if slot.gen != gen {
			return
		}
		if slot.owned {
			slot.state = ShardStarting
		} else {
			slot.state = ShardStopping
		}
	case eventExited:
		if slot.gen != gen {
			return
		}
		if slot.cancel != nil {
			slot.cancel()
			slot.cancel = nil
		}
		slot.state = ShardUnused
	}
}

func (w *Worker) setFailures(shard int, gen uint64, failures int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.shards[shard].gen == gen {
		w.shards[shard].failures = failures
	}
}

// runShard is the acquire, run, release loop of one shard generation. It starts only after the
// previous generation of the same shard has exited, so one process never holds two leases for a key.
func (w *Worker) runShard(ctx context.Context, shard int, gen uint64, previous <-chan struct{}, done chan struct{}) {
	defer w.wg.Done()
	defer close(done)
	defer w.transition(shard, gen, eventExited)

	if previous != nil {
		<-previous
	}

	log := w.log.With("shard", shard)
	key := w.config.LockKey(shard)
	failures := 0

	for ctx.Err() == nil {
		lease, err := w.locker.Acquire(ctx, key, w.config.LockPayload, w.config.LockOptions)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			w.setFailures(shard, gen, failures)
			delay := w.config.RetryDelays.Delay(failures)
			log.Warn("shard lock acquire failed", "error", err, "attempt", failures, "delay", delay)
			if !sleepContext(ctx, delay) {
				return
			}
			continue
		}

		w.transition(shard, gen, eventLeaseAcquired)
		log.Info("shard lease acquired", "holder_id", lease.HolderID())

		taskErr := w.runTask(ctx, lease, shard, failures)
		lost := lease.IsLost()
		if stopErr := lease.Stop(context.WithoutCancel(ctx)); stopErr != nil {
			log.Warn("shard lease release failed", "error", stopErr)
		}
		w.transition(shard, gen, eventLeaseReleased)

		var delay time.Duration
		switch {
		case ctx.Err() != nil:
			recordTaskOutcome(w.config.Role, "cancelled")
			log.Info("shard stopped")
			return
		case lost:
			recordTaskOutcome(w.config.Role, "lost")
			log.Info("shard lease lost, reacquiring")
			failures = 0
		case taskErr == nil:
			recordTaskOutcome(w.config.Role, "success")
			failures = 0
			delay = w.config.RepeatDelay.Next()
		default:
			recordTaskOutcome(w.config.Role, "failure")
			failures++
			delay = w.config.RetryDelays.Delay(failures)
			log.Warn("shard task failed", "error", taskErr, "attempt", failures, "delay", delay)
		}
		w.setFailures(shard, gen, failures)

		if !sleepContext(ctx, delay) {
			return
		}
	}
}

func (w *Worker) runTask(ctx context.Context, lease *lock.Lease, shard, attempt int) error {
	ctx, span := tracing.StartShardSpan(ctx, tracing.SpanOperationShardRun, w.config.Role, shard,
		tracing.WithShardNode(string(w.config.NodeID)),
		tracing.WithShardAttempt(attempt))
	defer span.End()

	shardsRunning.WithLabelValues(w.config.Role).Inc()
	defer shardsRunning.WithLabelValues(w.config.Role).Dec()

	err := lease.Run(ctx, func(taskCtx context.Context) error {
		return w.invokeTask(taskCtx, shard)
	})
	if err != nil && !lease.IsLost() && ctx.Err() == nil {
		tracing.RecordError(span, err)
		return err
	}
	tracing.RecordSuccess(span)
	return err
}

func (w *Worker) invokeTask(ctx context.Context, shard int) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in shard task: %v; stack=%s", rec, string(debug.Stack()))
		}
	}()
	return w.task(ctx, shard)
}

// Status returns a copy of the shard table.
func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	status := Status{
		Role:     w.config.Role,
		NodeID:   w.config.NodeID,
		Version:  w.version,
		Owned:    sharding.FormatBitset(w.owned),
		States:   make([]ShardState, len(w.shards)),
		Failures: make([]int, len(w.shards)),
	}
	for i := range w.shards {
		status.States[i] = w.shards[i].state
		status.Failures[i] = w.shards[i].failures
	}
	return status
}

func sleepContext(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
