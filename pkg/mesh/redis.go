package mesh

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nimburion/shardmesh/pkg/observability/logger"
	"github.com/nimburion/shardmesh/pkg/sharding"
	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisMembersKey       = "shardmesh:members"
	defaultRedisHeartbeat        = 2 * time.Second
	defaultRedisMemberTTL        = 10 * time.Second
	defaultRedisOperationTimeout = 3 * time.Second
)

// RedisSourceConfig configures heartbeat membership over a Redis sorted set.
type RedisSourceConfig struct {
	URL    string
	NodeID sharding.NodeID
	// Key is the sorted set holding one member per node, scored by its last heartbeat in unix ms.
	Key               string
	HeartbeatInterval time.Duration
	// MemberTTL is how long a node stays in the mesh without a heartbeat.
	MemberTTL        time.Duration
	OperationTimeout time.Duration
}

func (c *RedisSourceConfig) normalize() {
	c.Key = strings.TrimSpace(c.Key)
	if c.Key == "" {
		c.Key = defaultRedisMembersKey
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultRedisHeartbeat
	}
	if c.MemberTTL <= 0 {
		c.MemberTTL = defaultRedisMemberTTL
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultRedisOperationTimeout
	}
}

func (c RedisSourceConfig) validate() error {
	if strings.TrimSpace(string(c.NodeID)) == "" {
		return errors.New("redis membership requires a node id")
	}
	if c.MemberTTL <= c.HeartbeatInterval {
		return fmt.Errorf("redis membership member ttl (%s) must exceed heartbeat interval (%s)", c.MemberTTL, c.HeartbeatInterval)
	}
	return nil
}

// RedisSource discovers the mesh through heartbeats. Every node scores itself into a shared
// sorted set at each heartbeat, prunes members whose score is older than MemberTTL and publishes
// the remaining members as the node set.
type RedisSource struct {
	client    redis.UniversalClient
	log       logger.Logger
	config    RedisSourceConfig
	hub       *hub
	ownClient bool
	now       func() time.Time

	closeOnce sync.Once
	closed    chan struct{}
}

// NewRedisSource connects to cfg.URL. The first snapshot (version 0) is empty until Run completes
// a heartbeat.
func NewRedisSource(cfg RedisSourceConfig, registry *sharding.Registry, log logger.Logger) (*RedisSource, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("redis membership url is required")
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis membership url: %w", err)
	}
	client := redis.NewClient(opts)
	source, err := NewRedisSourceWithClient(client, cfg, registry, log)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	source.ownClient = true
	return source, nil
}

// NewRedisSourceWithClient uses an existing client. Close leaves the client open.
func NewRedisSourceWithClient(client redis.UniversalClient, cfg RedisSourceConfig, registry *sharding.Registry, log logger.Logger) (*RedisSource, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &RedisSource{
		client: client,
		log:    log.With("membership", "redis", "node_id", string(cfg.NodeID)),
		config: cfg,
		hub:    newHub(registry, nil, 0),
		now:    time.Now,
		closed: make(chan struct{}),
	}, nil
}

// Run heartbeats until ctx ends or the source is closed. Redis failures are published to
// subscribers as non-terminal errors and retried at the next heartbeat.
func (s *RedisSource) Run(ctx context.Context) error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}

	s.refresh(ctx)

	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.closed:
			return nil
		case <-ticker.C:
			s.refresh(ctx)
		}
	}
}

func (s *RedisSource) refresh(ctx context.Context) {
	members, err := s.heartbeat(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.log.Warn("membership heartbeat failed", "error", err)
		s.hub.publishError(err)
		return
	}

	nodes := make([]sharding.NodeID, 0, len(members))
	for _, member := range members {
		nodes = append(nodes, sharding.NodeID(member))
	}
	if snapshot, changed := s.hub.setNodes(nodes); changed {
		s.log.Info("membership changed", "version", snapshot.Version, "nodes", len(snapshot.Nodes))
	}
}

// heartbeat scores this node, prunes expired members and lists the rest.
func (s *RedisSource) heartbeat(ctx context.Context) ([]string, error) {
	opCtx, cancel := context.WithTimeout(ctx, s.config.OperationTimeout)
	defer cancel()

	nowMs := s.now().UnixMilli()
	expiredBefore := nowMs - s.config.MemberTTL.Milliseconds()

	var members *redis.StringSliceCmd
	_, err := s.client.TxPipelined(opCtx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(opCtx, s.config.Key, redis.Z{Score: float64(nowMs), Member: string(s.config.NodeID)})
		pipe.ZRemRangeByScore(opCtx, s.config.Key, "-inf", "("+strconv.FormatInt(expiredBefore, 10))
		members = pipe.ZRange(opCtx, s.config.Key, 0, -1)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis membership heartbeat: %w", err)
	}
	list := members.Val()
	if len(list) == 0 {
		list = []string{string(s.config.NodeID)}
	}
	return list, nil
}

// Current implements Source.
func (s *RedisSource) Current() Snapshot {
	return s.hub.snapshot()
}

// Subscribe implements Source.
func (s *RedisSource) Subscribe(ctx context.Context) <-chan Update {
	return s.hub.subscribe(ctx)
}

// HealthCheck verifies Redis connectivity.
func (s *RedisSource) HealthCheck(ctx context.Context) error {
	opCtx, cancel := context.WithTimeout(ctx, s.config.OperationTimeout)
	defer cancel()
	if err := s.client.Ping(opCtx).Err(); err != nil {
		return fmt.Errorf("redis membership healthcheck: %w", err)
	}
	return nil
}

// Close removes this node from the member set so peers rebalance without waiting for MemberTTL,
// then disposes every subscription.
func (s *RedisSource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.hub.close()

		ctx, cancel := context.WithTimeout(context.Background(), s.config.OperationTimeout)
		defer cancel()
		if remErr := s.client.ZRem(ctx, s.config.Key, string(s.config.NodeID)).Err(); remErr != nil {
			err = fmt.Errorf("redis membership leave: %w", remErr)
		}
		if s.ownClient {
			err = errors.Join(err, s.client.Close())
		}
	})
	return err
}
