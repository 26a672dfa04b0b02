package config

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Loader defines the interface for loading configuration
type Loader interface {
	Load() (*Config, error)
	Validate(*Config) error
}

// ViperLoader implements Loader using Viper for configuration management
type ViperLoader struct {
	configFile         string
	envPrefix          string
	serviceNameDefault string
	flags              *pflag.FlagSet
}

// NewViperLoader creates a new ViperLoader
// configFile: path to configuration file (optional, can be empty)
// envPrefix: prefix for environment variables (e.g., "SHARDMESH")
func NewViperLoader(configFile, envPrefix string) *ViperLoader {
	return &ViperLoader{
		configFile: configFile,
		envPrefix:  envPrefix,
	}
}

// WithServiceNameDefault sets the default service.name used when no config/env override is provided.
func (l *ViperLoader) WithServiceNameDefault(serviceName string) *ViperLoader {
	if l == nil {
		return l
	}
	l.serviceNameDefault = strings.TrimSpace(serviceName)
	return l
}

// WithFlags binds command-line flags whose names match configuration keys written with dashes,
// e.g. --log-level overrides log.level. Flags take precedence over the environment.
func (l *ViperLoader) WithFlags(flags *pflag.FlagSet) *ViperLoader {
	if l == nil {
		return l
	}
	l.flags = flags
	return l
}

// ConfigFile returns the configured file path, or empty string if none.
func (l *ViperLoader) ConfigFile() string {
	return l.configFile
}

// Load loads configuration with precedence: flags > ENV > file > defaults
func (l *ViperLoader) Load() (*Config, error) {
	cfg, _, err := l.load(false)
	return cfg, err
}

func (l *ViperLoader) load(withSecrets bool) (*Config, *Config, error) {
	v := viper.New()

	defaults := DefaultConfig()
	l.setDefaults(v, defaults)

	if l.configFile != "" {
		v.SetConfigFile(l.configFile)
		if err := v.ReadInConfig(); err != nil {
			// Only return error if file was explicitly specified but couldn't be read
			return nil, nil, fmt.Errorf("failed to read config file %s: %w", l.configFile, err)
		}
	}

	var secrets *Config
	if withSecrets {
		var err error
		secrets, err = l.mergeSecrets(v)
		if err != nil {
			return nil, nil, err
		}
	}

	// Environment variables override file config through explicit bindings.
	v.SetEnvPrefix(l.envPrefix)
	l.bindEnvVars(v)
	if err := l.bindFlags(v); err != nil {
		return nil, nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook())); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := l.Validate(&cfg); err != nil {
		return nil, nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, secrets, nil
}

// bindEnvVars explicitly binds environment variables for nested structs
func (l *ViperLoader) bindEnvVars(v *viper.Viper) {
	// Service
	v.BindEnv("service.name", l.prefixedEnv("SERVICE_NAME"))
	v.BindEnv("service.environment", l.prefixedEnv("SERVICE_ENVIRONMENT"), l.prefixedEnv("ENVIRONMENT"))
	v.BindEnv("service.node_id", l.prefixedEnv("NODE_ID"))

	// Log
	v.BindEnv("log.level", l.prefixedEnv("LOG_LEVEL"))
	v.BindEnv("log.format", l.prefixedEnv("LOG_FORMAT"))

	// Management
	v.BindEnv("management.enabled", l.prefixedEnv("MGMT_ENABLED"))
	v.BindEnv("management.port", l.prefixedEnv("MGMT_PORT"))
	v.BindEnv("management.read_timeout", l.prefixedEnv("MGMT_READ_TIMEOUT"))
	v.BindEnv("management.write_timeout", l.prefixedEnv("MGMT_WRITE_TIMEOUT"))
	v.BindEnv("management.shutdown_timeout", l.prefixedEnv("MGMT_SHUTDOWN_TIMEOUT"))

	// Lock
	v.BindEnv("lock.backend", l.prefixedEnv("LOCK_BACKEND"))
	v.BindEnv("lock.holder_prefix", l.prefixedEnv("LOCK_HOLDER_PREFIX"))
	v.BindEnv("lock.key_prefix", l.prefixedEnv("LOCK_KEY_PREFIX"))
	v.BindEnv("lock.expiration_period", l.prefixedEnv("LOCK_EXPIRATION_PERIOD"))
	v.BindEnv("lock.renewal_fraction", l.prefixedEnv("LOCK_RENEWAL_FRACTION"))
	v.BindEnv("lock.renewal_jitter", l.prefixedEnv("LOCK_RENEWAL_JITTER"))
	v.BindEnv("lock.check_period", l.prefixedEnv("LOCK_CHECK_PERIOD"))
	v.BindEnv("lock.acquire_timeout", l.prefixedEnv("LOCK_ACQUIRE_TIMEOUT"))
	v.BindEnv("lock.release_timeout", l.prefixedEnv("LOCK_RELEASE_TIMEOUT"))
	v.BindEnv("lock.redis.url", l.prefixedEnv("LOCK_REDIS_URL"))
	v.BindEnv("lock.redis.prefix", l.prefixedEnv("LOCK_REDIS_PREFIX"))
	v.BindEnv("lock.redis.operation_timeout", l.prefixedEnv("LOCK_REDIS_OPERATION_TIMEOUT"))
	v.BindEnv("lock.postgres.url", l.prefixedEnv("LOCK_POSTGRES_URL"))
	v.BindEnv("lock.postgres.table", l.prefixedEnv("LOCK_POSTGRES_TABLE"))
	v.BindEnv("lock.postgres.operation_timeout", l.prefixedEnv("LOCK_POSTGRES_OPERATION_TIMEOUT"))
	v.BindEnv("lock.postgres.listen", l.prefixedEnv("LOCK_POSTGRES_LISTEN"))
	v.BindEnv("lock.mysql.dsn", l.prefixedEnv("LOCK_MYSQL_DSN"))
	v.BindEnv("lock.mysql.table", l.prefixedEnv("LOCK_MYSQL_TABLE"))
	v.BindEnv("lock.mysql.operation_timeout", l.prefixedEnv("LOCK_MYSQL_OPERATION_TIMEOUT"))
	v.BindEnv("lock.dynamodb.region", l.prefixedEnv("LOCK_DYNAMODB_REGION"), "AWS_REGION")
	v.BindEnv("lock.dynamodb.endpoint", l.prefixedEnv("LOCK_DYNAMODB_ENDPOINT"))
	v.BindEnv("lock.dynamodb.access_key_id", l.prefixedEnv("LOCK_DYNAMODB_ACCESS_KEY_ID"))
	v.BindEnv("lock.dynamodb.secret_access_key", l.prefixedEnv("LOCK_DYNAMODB_SECRET_ACCESS_KEY"))
	v.BindEnv("lock.dynamodb.session_token", l.prefixedEnv("LOCK_DYNAMODB_SESSION_TOKEN"))
	v.BindEnv("lock.dynamodb.table", l.prefixedEnv("LOCK_DYNAMODB_TABLE"))
	v.BindEnv("lock.dynamodb.operation_timeout", l.prefixedEnv("LOCK_DYNAMODB_OPERATION_TIMEOUT"))
	v.BindEnv("lock.mongodb.url", l.prefixedEnv("LOCK_MONGODB_URL"))
	v.BindEnv("lock.mongodb.database", l.prefixedEnv("LOCK_MONGODB_DATABASE"))
	v.BindEnv("lock.mongodb.collection", l.prefixedEnv("LOCK_MONGODB_COLLECTION"))
	v.BindEnv("lock.mongodb.connect_timeout", l.prefixedEnv("LOCK_MONGODB_CONNECT_TIMEOUT"))
	v.BindEnv("lock.mongodb.operation_timeout", l.prefixedEnv("LOCK_MONGODB_OPERATION_TIMEOUT"))
	v.BindEnv("lock.mongodb.watch_changes", l.prefixedEnv("LOCK_MONGODB_WATCH_CHANGES"))

	// Membership
	v.BindEnv("membership.type", l.prefixedEnv("MEMBERSHIP_TYPE"))
	v.BindEnv("membership.static_nodes", l.prefixedEnv("MEMBERSHIP_STATIC_NODES"))
	v.BindEnv("membership.redis.url", l.prefixedEnv("MEMBERSHIP_REDIS_URL"))
	v.BindEnv("membership.redis.key", l.prefixedEnv("MEMBERSHIP_REDIS_KEY"))
	v.BindEnv("membership.redis.heartbeat_interval", l.prefixedEnv("MEMBERSHIP_REDIS_HEARTBEAT_INTERVAL"))
	v.BindEnv("membership.redis.member_ttl", l.prefixedEnv("MEMBERSHIP_REDIS_MEMBER_TTL"))
	v.BindEnv("membership.redis.operation_timeout", l.prefixedEnv("MEMBERSHIP_REDIS_OPERATION_TIMEOUT"))

	// Shardings: "role:count,role:count"
	v.BindEnv("shardings", l.prefixedEnv("SHARDINGS"))

	// Worker
	v.BindEnv("worker.role", l.prefixedEnv("WORKER_ROLE"))
	v.BindEnv("worker.repeat_delay_min", l.prefixedEnv("WORKER_REPEAT_DELAY_MIN"))
	v.BindEnv("worker.repeat_delay_max", l.prefixedEnv("WORKER_REPEAT_DELAY_MAX"))
	v.BindEnv("worker.retry_initial", l.prefixedEnv("WORKER_RETRY_INITIAL"))
	v.BindEnv("worker.retry_max", l.prefixedEnv("WORKER_RETRY_MAX"))
	v.BindEnv("worker.retry_multiplier", l.prefixedEnv("WORKER_RETRY_MULTIPLIER"))

	// Tracing
	v.BindEnv("tracing.enabled", l.prefixedEnv("TRACING_ENABLED"))
	v.BindEnv("tracing.endpoint", l.prefixedEnv("TRACING_ENDPOINT"))
	v.BindEnv("tracing.sample_rate", l.prefixedEnv("TRACING_SAMPLE_RATE"))
}

// bindFlags binds every flag whose dashed name maps to a known key.
func (l *ViperLoader) bindFlags(v *viper.Viper) error {
	if l.flags == nil {
		return nil
	}
	var errs []error
	l.flags.VisitAll(func(flag *pflag.Flag) {
		key := strings.ReplaceAll(flag.Name, "-", ".")
		if !v.IsSet(key) {
			return
		}
		if err := v.BindPFlag(key, flag); err != nil {
			errs = append(errs, fmt.Errorf("bind flag --%s: %w", flag.Name, err))
		}
	})
	return errors.Join(errs...)
}

func (l *ViperLoader) prefixedEnv(suffix string) string {
	prefix := strings.TrimSpace(l.envPrefix)
	if prefix == "" {
		prefix = "SHARDMESH"
	}
	return fmt.Sprintf("%s_%s", strings.ToUpper(prefix), suffix)
}

func (l *ViperLoader) defaultServiceName(fallback string) string {
	if l.serviceNameDefault != "" {
		return l.serviceNameDefault
	}
	return fallback
}

func (l *ViperLoader) setDefaults(v *viper.Viper, cfg *Config) {
	// Service defaults
	v.SetDefault("service.name", l.defaultServiceName(cfg.Service.Name))
	v.SetDefault("service.environment", cfg.Service.Environment)
	v.SetDefault("service.node_id", cfg.Service.NodeID)

	// Log defaults
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)

	// Management defaults
	v.SetDefault("management.enabled", cfg.Management.Enabled)
	v.SetDefault("management.port", cfg.Management.Port)
	v.SetDefault("management.read_timeout", cfg.Management.ReadTimeout)
	v.SetDefault("management.write_timeout", cfg.Management.WriteTimeout)
	v.SetDefault("management.shutdown_timeout", cfg.Management.ShutdownTimeout)

	// Lock defaults
	v.SetDefault("lock.backend", cfg.Lock.Backend)
	v.SetDefault("lock.holder_prefix", cfg.Lock.HolderPrefix)
	v.SetDefault("lock.key_prefix", cfg.Lock.KeyPrefix)
	v.SetDefault("lock.expiration_period", cfg.Lock.ExpirationPeriod)
	v.SetDefault("lock.renewal_fraction", cfg.Lock.RenewalFraction)
	v.SetDefault("lock.renewal_jitter", cfg.Lock.RenewalJitter)
	v.SetDefault("lock.check_period", cfg.Lock.CheckPeriod)
	v.SetDefault("lock.acquire_timeout", cfg.Lock.AcquireTimeout)
	v.SetDefault("lock.release_timeout", cfg.Lock.ReleaseTimeout)
	v.SetDefault("lock.redis.url", cfg.Lock.Redis.URL)
	v.SetDefault("lock.redis.prefix", cfg.Lock.Redis.Prefix)
	v.SetDefault("lock.redis.operation_timeout", cfg.Lock.Redis.OperationTimeout)
	v.SetDefault("lock.postgres.url", cfg.Lock.Postgres.URL)
	v.SetDefault("lock.postgres.table", cfg.Lock.Postgres.Table)
	v.SetDefault("lock.postgres.operation_timeout", cfg.Lock.Postgres.OperationTimeout)
	v.SetDefault("lock.postgres.listen", cfg.Lock.Postgres.Listen)
	v.SetDefault("lock.mysql.dsn", cfg.Lock.MySQL.DSN)
	v.SetDefault("lock.mysql.table", cfg.Lock.MySQL.Table)
	v.SetDefault("lock.mysql.operation_timeout", cfg.Lock.MySQL.OperationTimeout)
	v.SetDefault("lock.dynamodb.region", cfg.Lock.DynamoDB.Region)
	v.SetDefault("lock.dynamodb.endpoint", cfg.Lock.DynamoDB.Endpoint)
	v.SetDefault("lock.dynamodb.access_key_id", cfg.Lock.DynamoDB.AccessKeyID)
	v.SetDefault("lock.dynamodb.secret_access_key", cfg.Lock.DynamoDB.SecretAccessKey)
	v.SetDefault("lock.dynamodb.session_token", cfg.Lock.DynamoDB.SessionToken)
	v.SetDefault("lock.dynamodb.table", cfg.Lock.DynamoDB.Table)
	v.SetDefault("lock.dynamodb.operation_timeout", cfg.Lock.DynamoDB.OperationTimeout)
	v.SetDefault("lock.mongodb.url", cfg.Lock.MongoDB.URL)
	v.SetDefault("lock.mongodb.database", cfg.Lock.MongoDB.Database)
	v.SetDefault("lock.mongodb.collection", cfg.Lock.MongoDB.Collection)
	v.SetDefault("lock.mongodb.connect_timeout", cfg.Lock.MongoDB.ConnectTimeout)
	v.SetDefault("lock.mongodb.operation_timeout", cfg.Lock.MongoDB.OperationTimeout)
	v.SetDefault("lock.mongodb.watch_changes", cfg.Lock.MongoDB.WatchChanges)

	// Membership defaults
	v.SetDefault("membership.type", cfg.Membership.Type)
	v.SetDefault("membership.static_nodes", cfg.Membership.StaticNodes)
	v.SetDefault("membership.redis.url", cfg.Membership.Redis.URL)
	v.SetDefault("membership.redis.key", cfg.Membership.Redis.Key)
	v.SetDefault("membership.redis.heartbeat_interval", cfg.Membership.Redis.HeartbeatInterval)
	v.SetDefault("membership.redis.member_ttl", cfg.Membership.Redis.MemberTTL)
	v.SetDefault("membership.redis.operation_timeout", cfg.Membership.Redis.OperationTimeout)

	v.SetDefault("shardings", cfg.Shardings)

	// Worker defaults
	v.SetDefault("worker.role", cfg.Worker.Role)
	v.SetDefault("worker.repeat_delay_min", cfg.Worker.RepeatDelayMin)
	v.SetDefault("worker.repeat_delay_max", cfg.Worker.RepeatDelayMax)
	v.SetDefault("worker.retry_initial", cfg.Worker.RetryInitial)
	v.SetDefault("worker.retry_max", cfg.Worker.RetryMax)
	v.SetDefault("worker.retry_multiplier", cfg.Worker.RetryMultiplier)

	// Tracing defaults
	v.SetDefault("tracing.enabled", cfg.Tracing.Enabled)
	v.SetDefault("tracing.endpoint", cfg.Tracing.Endpoint)
	v.SetDefault("tracing.sample_rate", cfg.Tracing.SampleRate)
}

func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		stringToShardingsHook,
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// stringToShardingsHook decodes "role:count,role:count" into []ShardingConfig.
func stringToShardingsHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String || to != reflect.TypeOf([]ShardingConfig{}) {
		return data, nil
	}
	return ParseShardings(data.(string))
}

// ParseShardings parses a comma separated "role:count" list.
func ParseShardings(raw string) ([]ShardingConfig, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	out := make([]ShardingConfig, 0, len(parts))
	for _, part := range parts {
		role, count, found := strings.Cut(strings.TrimSpace(part), ":")
		if !found {
			return nil, fmt.Errorf("invalid sharding %q (expected role:count)", part)
		}
		n, err := strconv.Atoi(strings.TrimSpace(count))
		if err != nil {
			return nil, fmt.Errorf("invalid shard count in %q: %w", part, err)
		}
		out = append(out, ShardingConfig{Role: strings.TrimSpace(role), ShardCount: n})
	}
	return out, nil
}
