package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nimburion/shardmesh/pkg/config"
	"github.com/nimburion/shardmesh/pkg/health"
	"github.com/nimburion/shardmesh/pkg/lock"
	"github.com/nimburion/shardmesh/pkg/mesh"
	"github.com/nimburion/shardmesh/pkg/observability/logger"
	"github.com/nimburion/shardmesh/pkg/sharding"
	"github.com/nimburion/shardmesh/pkg/shardworker"
)

const healthcheckTimeout = 10 * time.Second

type shardMapView struct {
	Role       string           `yaml:"role"`
	ShardCount int              `yaml:"shard_count"`
	Nodes      []string         `yaml:"nodes"`
	Ranges     []sharding.Range `yaml:"ranges"`
	Key        *keyPlacement    `yaml:"key,omitempty"`
}

type keyPlacement struct {
	Key   string `yaml:"key"`
	Shard int    `yaml:"shard"`
	Node  string `yaml:"node"`
}

type lockView struct {
	Key       string `yaml:"key"`
	Held      bool   `yaml:"held"`
	HolderID  string `yaml:"holder_id,omitempty"`
	Payload   string `yaml:"payload,omitempty"`
	ExpiresAt string `yaml:"expires_at,omitempty"`
}

func newShardMapCommand(loadConfig configLoaderFunc) *cobra.Command {
	var role string
	var nodes []string
	var key string
	cmd := &cobra.Command{
		Use:   "shardmap",
		Short: "Print the shard assignment of the configured shardings",
		Long: "Print the contiguous shard ranges each node owns. Nodes default to membership.static_nodes, " +
			"or to this node alone.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, _, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			views, err := buildShardMapViews(cfg, role, nodes, key)
			if err != nil {
				return err
			}
			formatted, err := formatYAML(views)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), formatted)
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "only print this role")
	cmd.Flags().StringSliceVar(&nodes, "nodes", nil, "node ids to assign shards to (comma separated)")
	cmd.Flags().StringVar(&key, "key", "", "also report the shard and node owning this routing key")
	return cmd
}

func buildShardMapViews(cfg *config.Config, role string, nodes []string, key string) ([]shardMapView, error) {
	registry, err := registryFromConfig(cfg.Shardings)
	if err != nil {
		return nil, err
	}

	var defs []sharding.Definition
	if role = strings.TrimSpace(role); role != "" {
		def, err := registry.Lookup(role)
		if err != nil {
			return nil, err
		}
		defs = []sharding.Definition{def}
	} else {
		defs = registry.Definitions()
	}
	if len(defs) == 0 {
		return nil, errors.New("no shardings configured")
	}

	if len(nodes) == 0 {
		nodes = cfg.Membership.StaticNodes
	}
	if len(nodes) == 0 {
		nodes = []string{cfg.Service.NodeID}
	}
	snapshot := mesh.NewSnapshot(0, toNodeIDs(nodes), registry)

	views := make([]shardMapView, 0, len(defs))
	for _, def := range defs {
		shardMap, _ := snapshot.Sharding(def.Role)
		view := shardMapView{
			Role:       def.Role,
			ShardCount: def.ShardCount,
			Ranges:     shardMap.Ranges(),
		}
		for _, node := range shardMap.Nodes() {
			view.Nodes = append(view.Nodes, string(node))
		}
		if key != "" {
			node, _ := shardMap.NodeForKey(key)
			view.Key = &keyPlacement{Key: key, Shard: shardMap.ShardForKey(key), Node: string(node)}
		}
		views = append(views, view)
	}
	return views, nil
}

func newLockCommand(loadConfig configLoaderFunc, factory BackendFactory) *cobra.Command {
	lockCmd := &cobra.Command{
		Use:   "lock",
		Short: "Inspect cluster locks",
	}

	var key string
	var role string
	var shard int
	queryCmd := &cobra.Command{
		Use:   "query",
		Short: "Show the live holder of a lock",
		Long:  "Show the live holder of a lock, given either --key or the --role and --shard of a shard lock.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, log, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			defer syncLogger(log)
			lockKey, err := resolveLockKey(cfg, key, role, shard)
			if err != nil {
				return err
			}
			view, err := queryLock(cmd.Context(), cfg, log, factory, lockKey)
			if err != nil {
				return err
			}
			formatted, err := formatYAML(view)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), formatted)
			return nil
		},
	}
	queryCmd.Flags().StringVar(&key, "key", "", "full lock key")
	queryCmd.Flags().StringVar(&role, "role", "", "sharding role of a shard lock")
	queryCmd.Flags().IntVar(&shard, "shard", -1, "shard index of a shard lock")
	lockCmd.AddCommand(queryCmd)
	return lockCmd
}

func resolveLockKey(cfg *config.Config, key, role string, shard int) (string, error) {
	if key = strings.TrimSpace(key); key != "" {
		return key, nil
	}
	role = strings.TrimSpace(role)
	if role == "" || shard < 0 {
		return "", errors.New("either --key or both --role and --shard are required")
	}
	registry, err := registryFromConfig(cfg.Shardings)
	if err != nil {
		return "", err
	}
	def, err := registry.Lookup(role)
	if err != nil {
		return "", err
	}
	if shard >= def.ShardCount {
		return "", fmt.Errorf("shard %d is out of range for %s", shard, def)
	}
	prefix := strings.Trim(strings.TrimSpace(cfg.Lock.KeyPrefix), "/")
	if prefix == "" {
		prefix = shardworker.DefaultKeyPrefix
	}
	return shardworker.Config{KeyPrefix: prefix, Role: role}.LockKey(shard), nil
}

func queryLock(ctx context.Context, cfg *config.Config, log logger.Logger, factory BackendFactory, key string) (lockView, error) {
	backend, err := factory(cfg.Lock, log)
	if err != nil {
		return lockView{}, fmt.Errorf("create lock backend: %w", err)
	}
	defer backend.Close()

	locker, err := lock.NewLocker(backend, log, lock.LockerConfigFromConfig(cfg.Lock))
	if err != nil {
		return lockView{}, err
	}
	record, err := locker.Query(ctx, key)
	if err != nil {
		return lockView{}, fmt.Errorf("query lock %s: %w", key, err)
	}
	view := lockView{Key: key}
	if record != nil {
		view.Held = true
		view.HolderID = record.HolderID()
		view.Payload = record.Payload()
		view.ExpiresAt = record.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}
	return view, nil
}

// runHealthcheck probes the lock backend and, for redis membership, the membership store. It
// prints one line per check and fails when any check is unhealthy.
func runHealthcheck(ctx context.Context, out io.Writer, cfg *config.Config, log logger.Logger, factory BackendFactory) error {
	ctx, cancel := context.WithTimeout(ctx, healthcheckTimeout)
	defer cancel()

	registry := health.NewRegistry()

	backend, err := factory(cfg.Lock, log)
	if err != nil {
		return fmt.Errorf("create lock backend: %w", err)
	}
	defer backend.Close()
	registry.Register(lock.NewBackendHealthChecker("lock-backend", backend, 0))

	if cfg.Membership.Type == config.MembershipRedis {
		shardings, err := registryFromConfig(cfg.Shardings)
		if err != nil {
			return err
		}
		source, err := mesh.NewRedisSource(mesh.RedisSourceConfig{
			URL:               cfg.Membership.Redis.URL,
			NodeID:            sharding.NodeID(cfg.Service.NodeID),
			Key:               cfg.Membership.Redis.Key,
			HeartbeatInterval: cfg.Membership.Redis.HeartbeatInterval,
			MemberTTL:         cfg.Membership.Redis.MemberTTL,
			OperationTimeout:  cfg.Membership.Redis.OperationTimeout,
		}, shardings, log)
		if err != nil {
			return fmt.Errorf("create redis membership: %w", err)
		}
		defer source.Close()
		registry.Register(health.NewAdapterChecker("membership", source, cfg.Membership.Redis.OperationTimeout))
	}

	result := registry.Check(ctx)
	for _, check := range result.Checks {
		line := fmt.Sprintf("%s: %s (%s)", check.Name, check.Status, check.Duration.Round(time.Millisecond))
		if check.Error != "" {
			line += ": " + check.Error
		}
		fmt.Fprintln(out, line)
	}
	if !result.IsHealthy() {
		return fmt.Errorf("healthcheck failed: %s", result.Status)
	}
	return nil
}

func toNodeIDs(nodes []string) []sharding.NodeID {
	out := make([]sharding.NodeID, 0, len(nodes))
	for _, node := range nodes {
		if node = strings.TrimSpace(node); node != "" {
			out = append(out, sharding.NodeID(node))
		}
	}
	return out
}
