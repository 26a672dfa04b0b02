package lock

import (
	"fmt"
	"strings"
	"time"

	"github.com/nimburion/shardmesh/pkg/config"
	"github.com/nimburion/shardmesh/pkg/health"
	"github.com/nimburion/shardmesh/pkg/observability/logger"
)

// OptionsFromConfig returns the lease timing configured in cfg.
func OptionsFromConfig(cfg config.LockConfig) Options {
	return Options{
		ExpirationPeriod: cfg.ExpirationPeriod,
		RenewalFraction:  cfg.RenewalFraction,
		RenewalJitter:    cfg.RenewalJitter,
		CheckPeriod:      cfg.CheckPeriod,
		AcquireTimeout:   cfg.AcquireTimeout,
	}
}

// LockerConfigFromConfig returns the Locker settings configured in cfg.
func LockerConfigFromConfig(cfg config.LockConfig) LockerConfig {
	return LockerConfig{
		HolderPrefix:   cfg.HolderPrefix,
		Defaults:       OptionsFromConfig(cfg),
		ReleaseTimeout: cfg.ReleaseTimeout,
	}
}

// NewBackend builds the backend selected by cfg.Backend.
func NewBackend(cfg config.LockConfig, log logger.Logger) (Backend, error) {
	if log == nil {
		return nil, lockError(ErrInvalidArgument, "logger is required")
	}
	defaults := OptionsFromConfig(cfg)

	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", config.LockBackendMemory:
		return NewMemoryBackend(WithMemoryDefaults(defaults)), nil
	case config.LockBackendRedis:
		return backendOrNil(NewRedisBackend(RedisBackendConfig{
			URL:              cfg.Redis.URL,
			Prefix:           cfg.Redis.Prefix,
			OperationTimeout: cfg.Redis.OperationTimeout,
			Defaults:         defaults,
		}, log))
	case config.LockBackendPostgres:
		return backendOrNil(NewPostgresBackend(PostgresBackendConfig{
			URL:              cfg.Postgres.URL,
			Table:            cfg.Postgres.Table,
			OperationTimeout: cfg.Postgres.OperationTimeout,
			Listen:           cfg.Postgres.Listen,
			Defaults:         defaults,
		}, log))
	case config.LockBackendMySQL:
		return backendOrNil(NewMySQLBackend(MySQLBackendConfig{
			DSN:              cfg.MySQL.DSN,
			Table:            cfg.MySQL.Table,
			OperationTimeout: cfg.MySQL.OperationTimeout,
			Defaults:         defaults,
		}, log))
	case config.LockBackendDynamoDB:
		return backendOrNil(NewDynamoDBBackend(DynamoDBBackendConfig{
			Region:           cfg.DynamoDB.Region,
			Endpoint:         cfg.DynamoDB.Endpoint,
			AccessKeyID:      cfg.DynamoDB.AccessKeyID,
			SecretAccessKey:  cfg.DynamoDB.SecretAccessKey,
			SessionToken:     cfg.DynamoDB.SessionToken,
			Table:            cfg.DynamoDB.Table,
			OperationTimeout: cfg.DynamoDB.OperationTimeout,
			Defaults:         defaults,
		}, log))
	case config.LockBackendMongoDB:
		return backendOrNil(NewMongoBackend(MongoBackendConfig{
			URL:              cfg.MongoDB.URL,
			Database:         cfg.MongoDB.Database,
			Collection:       cfg.MongoDB.Collection,
			ConnectTimeout:   cfg.MongoDB.ConnectTimeout,
			OperationTimeout: cfg.MongoDB.OperationTimeout,
			WatchChanges:     cfg.MongoDB.WatchChanges,
			Defaults:         defaults,
		}, log))
	default:
		return nil, lockError(ErrValidation, fmt.Sprintf("unsupported lock backend %q", cfg.Backend))
	}
}

// backendOrNil keeps a failed constructor from producing a non-nil interface around a nil pointer.
func backendOrNil(backend Backend, err error) (Backend, error) {
	if err != nil {
		return nil, err
	}
	return backend, nil
}

// NewBackendHealthChecker reports the backend as unhealthy when HealthCheck fails within timeout.
func NewBackendHealthChecker(name string, backend Backend, timeout time.Duration) *health.AdapterChecker {
	if strings.TrimSpace(name) == "" {
		name = "lock-backend"
	}
	return health.NewAdapterChecker(name, backend, timeout)
}
