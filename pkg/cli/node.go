package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nimburion/shardmesh/pkg/config"
	"github.com/nimburion/shardmesh/pkg/health"
	"github.com/nimburion/shardmesh/pkg/lock"
	"github.com/nimburion/shardmesh/pkg/mesh"
	"github.com/nimburion/shardmesh/pkg/observability/logger"
	"github.com/nimburion/shardmesh/pkg/observability/metrics"
	"github.com/nimburion/shardmesh/pkg/observability/tracing"
	"github.com/nimburion/shardmesh/pkg/server"
	"github.com/nimburion/shardmesh/pkg/sharding"
	"github.com/nimburion/shardmesh/pkg/shardworker"
	"github.com/nimburion/shardmesh/pkg/version"
)

// BackendFactory builds the lock backend of a node.
type BackendFactory func(cfg config.LockConfig, log logger.Logger) (lock.Backend, error)

// NodeOptions configures how a Node is assembled from configuration.
type NodeOptions struct {
	// Task runs for every shard of worker.role owned by this node. A nil task leaves the node
	// without a worker: it still joins the mesh and serves management endpoints.
	Task shardworker.Task
	// ConfigureWorker adjusts the worker configuration before the worker is created.
	ConfigureWorker func(cfg *config.Config, workerCfg *shardworker.Config) error
	// BackendFactory overrides lock.NewBackend.
	BackendFactory BackendFactory
}

// Node is one assembled mesh member: lock backend, membership source, shard worker, management
// server and tracer.
type Node struct {
	config     *config.Config
	log        logger.Logger
	registry   *sharding.Registry
	backend    lock.Backend
	locker     *lock.Locker
	source     mesh.Source
	heartbeat  *mesh.RedisSource
	worker     *shardworker.Worker
	health     *health.Registry
	management *server.ManagementServer
	tracer     *tracing.TracerProvider
}

// NewNode wires a node from cfg. Close releases what NewNode opened when Run is never called.
func NewNode(ctx context.Context, cfg *config.Config, log logger.Logger, opts NodeOptions) (*Node, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	nodeID := strings.TrimSpace(cfg.Service.NodeID)
	if nodeID == "" {
		return nil, errors.New("service.node_id is required")
	}

	registry, err := registryFromConfig(cfg.Shardings)
	if err != nil {
		return nil, err
	}

	n := &Node{
		config:   cfg,
		log:      log.With("node_id", nodeID),
		registry: registry,
		health:   health.NewRegistry(),
	}

	factory := opts.BackendFactory
	if factory == nil {
		factory = lock.NewBackend
	}
	n.backend, err = factory(cfg.Lock, n.log)
	if err != nil {
		return nil, fmt.Errorf("create lock backend: %w", err)
	}
	n.health.Register(lock.NewBackendHealthChecker("lock-backend", n.backend, 0))

	n.locker, err = lock.NewLocker(n.backend, n.log, lock.LockerConfigFromConfig(cfg.Lock))
	if err != nil {
		n.Close()
		return nil, fmt.Errorf("create locker: %w", err)
	}

	if err := n.buildMembership(nodeID); err != nil {
		n.Close()
		return nil, err
	}

	if opts.Task != nil && cfg.Worker.Role != "" {
		if err := n.buildWorker(cfg, nodeID, opts); err != nil {
			n.Close()
			return nil, err
		}
	}

	info := version.Current(cfg.Service.Name)
	n.tracer, err = tracing.NewTracerProvider(ctx, tracing.TracerConfig{
		ServiceName:    cfg.Service.Name,
		ServiceVersion: info.Version,
		Environment:    cfg.Service.Environment,
		NodeID:         nodeID,
		Endpoint:       cfg.Tracing.Endpoint,
		SampleRate:     cfg.Tracing.SampleRate,
		Enabled:        cfg.Tracing.Enabled,
	})
	if err != nil {
		n.Close()
		return nil, fmt.Errorf("create tracer provider: %w", err)
	}

	if cfg.Management.Enabled {
		var shards server.ShardStatusProvider
		if n.worker != nil {
			shards = n.worker
		}
		n.management, err = server.NewManagementServer(cfg.Management, n.log, n.health, metrics.NewRegistry(), shards)
		if err != nil {
			n.Close()
			return nil, fmt.Errorf("create management server: %w", err)
		}
	}
	return n, nil
}

func (n *Node) buildMembership(nodeID string) error {
	cfg := n.config.Membership
	switch cfg.Type {
	case config.MembershipRedis:
		source, err := mesh.NewRedisSource(mesh.RedisSourceConfig{
			URL:               cfg.Redis.URL,
			NodeID:            sharding.NodeID(nodeID),
			Key:               cfg.Redis.Key,
			HeartbeatInterval: cfg.Redis.HeartbeatInterval,
			MemberTTL:         cfg.Redis.MemberTTL,
			OperationTimeout:  cfg.Redis.OperationTimeout,
		}, n.registry, n.log)
		if err != nil {
			return fmt.Errorf("create redis membership: %w", err)
		}
		n.source = source
		n.heartbeat = source
		n.health.Register(health.NewAdapterChecker("membership", source, cfg.Redis.OperationTimeout))
	default:
		nodes := make([]sharding.NodeID, 0, len(cfg.StaticNodes))
		for _, node := range cfg.StaticNodes {
			nodes = append(nodes, sharding.NodeID(node))
		}
		if len(nodes) == 0 {
			nodes = append(nodes, sharding.NodeID(nodeID))
		}
		n.source = mesh.NewStaticSource(n.registry, nodes...)
	}
	return nil
}

func (n *Node) buildWorker(cfg *config.Config, nodeID string, opts NodeOptions) error {
	workerCfg := shardworker.Config{
		Role:        cfg.Worker.Role,
		NodeID:      sharding.NodeID(nodeID),
		KeyPrefix:   cfg.Lock.KeyPrefix,
		LockPayload: nodeID,
		RepeatDelay: shardworker.RepeatDelay{
			Min: cfg.Worker.RepeatDelayMin,
			Max: cfg.Worker.RepeatDelayMax,
		},
		RetryDelays: shardworker.RetryDelays{
			Initial:    cfg.Worker.RetryInitial,
			Max:        cfg.Worker.RetryMax,
			Multiplier: cfg.Worker.RetryMultiplier,
		},
	}
	if opts.ConfigureWorker != nil {
		if err := opts.ConfigureWorker(cfg, &workerCfg); err != nil {
			return fmt.Errorf("configure worker: %w", err)
		}
	}
	worker, err := shardworker.NewWorker(n.locker, n.source, n.registry, opts.Task, n.log, workerCfg)
	if err != nil {
		return fmt.Errorf("create shard worker: %w", err)
	}
	n.worker = worker
	n.health.Register(health.NewCustomChecker("shard-worker", n.checkWorker))
	return nil
}

// checkWorker reports degraded when every owned shard is backing off after failures.
func (n *Node) checkWorker(context.Context) (health.Status, string, error) {
	status := n.worker.Status()
	owned, failing := 0, 0
	for shard, bit := range status.Owned {
		if bit != '1' {
			continue
		}
		owned++
		if shard < len(status.Failures) && status.Failures[shard] > 0 {
			failing++
		}
	}
	message := fmt.Sprintf("%d shards owned, %d failing", owned, failing)
	if owned > 0 && failing == owned {
		return health.StatusDegraded, message, nil
	}
	return health.StatusHealthy, message, nil
}

// Worker returns the shard worker, or nil when the node runs none.
func (n *Node) Worker() *shardworker.Worker { return n.worker }

// Source returns the membership source.
func (n *Node) Source() mesh.Source { return n.source }

// Locker returns the locker shared by the node.
func (n *Node) Locker() *lock.Locker { return n.locker }

// Health returns the readiness registry served on /ready.
func (n *Node) Health() *health.Registry { return n.health }

// Management returns the management server, or nil when disabled.
func (n *Node) Management() *server.ManagementServer { return n.management }

// Run runs every component until ctx ends or one of them fails, then releases leases, leaves
// the mesh and closes the backend.
func (n *Node) Run(ctx context.Context) error {
	n.log.Info("starting mesh node",
		"service", n.config.Service.Name,
		"lock_backend", n.config.Lock.Backend,
		"membership", n.config.Membership.Type,
		"role", n.config.Worker.Role,
		"readiness_checks", n.health.List(),
	)
	defer n.Close()

	g, gctx := errgroup.WithContext(ctx)
	if n.heartbeat != nil {
		g.Go(func() error {
			if err := n.heartbeat.Run(gctx); err != nil && !errors.Is(err, mesh.ErrClosed) {
				return fmt.Errorf("membership: %w", err)
			}
			return nil
		})
	}
	if n.worker != nil {
		g.Go(func() error {
			if err := n.worker.Run(gctx); err != nil {
				return fmt.Errorf("shard worker: %w", err)
			}
			return nil
		})
	}
	if n.management != nil {
		g.Go(func() error {
			return n.management.Start(gctx)
		})
	}

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		n.log.Error("mesh node stopped", "error", err)
		return err
	}
	n.log.Info("mesh node stopped")
	return nil
}

// Close disposes the membership source, the tracer and the lock backend. It is safe to call
// more than once.
func (n *Node) Close() {
	if n.source != nil {
		if err := n.source.Close(); err != nil {
			n.log.Warn("close membership source", "error", err)
		}
	}
	if n.tracer != nil {
		if err := n.tracer.Shutdown(context.Background()); err != nil {
			n.log.Warn("shutdown tracer", "error", err)
		}
		n.tracer = nil
	}
	if n.backend != nil {
		if err := n.backend.Close(); err != nil {
			n.log.Warn("close lock backend", "error", err)
		}
		n.backend = nil
	}
}

func registryFromConfig(shardings []config.ShardingConfig) (*sharding.Registry, error) {
	defs := make([]sharding.Definition, 0, len(shardings))
	for _, sc := range shardings {
		def, err := sharding.NewDefinition(sc.Role, sc.ShardCount)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return sharding.NewRegistry(defs...)
}

// generateNodeID returns "<hostname>-<8 hex chars>", unique per process start.
func generateNodeID() string {
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		host = "node"
	}
	host = strings.Map(func(r rune) rune {
		if r == ' ' || r == '\t' {
			return '-'
		}
		return r
	}, host)
	return host + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
