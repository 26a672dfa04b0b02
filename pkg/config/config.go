package config

import "time"

// Lock backend type constants
const (
	// LockBackendMemory keeps locks in process memory (single process only)
	LockBackendMemory = "memory"
	// LockBackendRedis uses Redis for cluster locks
	LockBackendRedis = "redis"
	// LockBackendPostgres uses PostgreSQL for cluster locks
	LockBackendPostgres = "postgres"
	// LockBackendMySQL uses MySQL for cluster locks
	LockBackendMySQL = "mysql"
	// LockBackendDynamoDB uses AWS DynamoDB for cluster locks
	LockBackendDynamoDB = "dynamodb"
	// LockBackendMongoDB uses MongoDB for cluster locks
	LockBackendMongoDB = "mongodb"
)

// Membership source type constants
const (
	// MembershipStatic uses a fixed node list from configuration
	MembershipStatic = "static"
	// MembershipRedis discovers nodes through Redis heartbeats
	MembershipRedis = "redis"
)

// Config is the root configuration of a mesh node.
type Config struct {
	Service    ServiceConfig    `mapstructure:"service"`
	Log        LogConfig        `mapstructure:"log"`
	Management ManagementConfig `mapstructure:"management"`
	Lock       LockConfig       `mapstructure:"lock"`
	Membership MembershipConfig `mapstructure:"membership"`
	Shardings  []ShardingConfig `mapstructure:"shardings"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// ServiceConfig configures service identity metadata.
type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	// NodeID identifies this process in the mesh. A random id is generated when empty.
	NodeID string `mapstructure:"node_id"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json, text
}

// ManagementConfig configures the management server.
type ManagementConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LockConfig configures the cluster lock backend and lease timing.
type LockConfig struct {
	Backend          string        `mapstructure:"backend"`
	HolderPrefix     string        `mapstructure:"holder_prefix"`
	KeyPrefix        string        `mapstructure:"key_prefix"`
	ExpirationPeriod time.Duration `mapstructure:"expiration_period"`
	RenewalFraction  float64       `mapstructure:"renewal_fraction"`
	RenewalJitter    float64       `mapstructure:"renewal_jitter"`
	CheckPeriod      time.Duration `mapstructure:"check_period"`
	AcquireTimeout   time.Duration `mapstructure:"acquire_timeout"`
	ReleaseTimeout   time.Duration `mapstructure:"release_timeout"`

	Redis    LockRedisConfig    `mapstructure:"redis"`
	Postgres LockPostgresConfig `mapstructure:"postgres"`
	MySQL    LockMySQLConfig    `mapstructure:"mysql"`
	DynamoDB LockDynamoDBConfig `mapstructure:"dynamodb"`
	MongoDB  LockMongoDBConfig  `mapstructure:"mongodb"`
}

// LockRedisConfig configures the Redis lock backend.
type LockRedisConfig struct {
	URL              string        `mapstructure:"url"`
	Prefix           string        `mapstructure:"prefix"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
}

// LockPostgresConfig configures the Postgres lock backend.
type LockPostgresConfig struct {
	URL              string        `mapstructure:"url"`
	Table            string        `mapstructure:"table"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
	Listen           bool          `mapstructure:"listen"`
}

// LockMySQLConfig configures the MySQL lock backend.
type LockMySQLConfig struct {
	DSN              string        `mapstructure:"dsn"`
	Table            string        `mapstructure:"table"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
}

// LockDynamoDBConfig configures the DynamoDB lock backend.
type LockDynamoDBConfig struct {
	Region           string        `mapstructure:"region"`
	Endpoint         string        `mapstructure:"endpoint"`
	AccessKeyID      string        `mapstructure:"access_key_id"`
	SecretAccessKey  string        `mapstructure:"secret_access_key"`
	SessionToken     string        `mapstructure:"session_token"`
	Table            string        `mapstructure:"table"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
}

// LockMongoDBConfig configures the MongoDB lock backend.
type LockMongoDBConfig struct {
	URL              string        `mapstructure:"url"`
	Database         string        `mapstructure:"database"`
	Collection       string        `mapstructure:"collection"`
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
	WatchChanges     bool          `mapstructure:"watch_changes"`
}

// MembershipConfig configures how the live node set is discovered.
type MembershipConfig struct {
	Type        string                `mapstructure:"type"` // static, redis
	StaticNodes []string              `mapstructure:"static_nodes"`
	Redis       MembershipRedisConfig `mapstructure:"redis"`
}

// MembershipRedisConfig configures Redis heartbeat membership.
type MembershipRedisConfig struct {
	URL               string        `mapstructure:"url"`
	Key               string        `mapstructure:"key"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	MemberTTL         time.Duration `mapstructure:"member_ttl"`
	OperationTimeout  time.Duration `mapstructure:"operation_timeout"`
}

// ShardingConfig declares one sharded role.
type ShardingConfig struct {
	Role       string `mapstructure:"role"`
	ShardCount int    `mapstructure:"shard_count"`
}

// WorkerConfig configures the shard worker of this node.
type WorkerConfig struct {
	Role            string        `mapstructure:"role"`
	RepeatDelayMin  time.Duration `mapstructure:"repeat_delay_min"`
	RepeatDelayMax  time.Duration `mapstructure:"repeat_delay_max"`
	RetryInitial    time.Duration `mapstructure:"retry_initial"`
	RetryMax        time.Duration `mapstructure:"retry_max"`
	RetryMultiplier float64       `mapstructure:"retry_multiplier"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `mapstructure:"enabled"`
	Endpoint   string  `mapstructure:"endpoint"`
	SampleRate float64 `mapstructure:"sample_rate"`
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "shardmesh",
			Environment: "production",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Management: ManagementConfig{
			Enabled:         true,
			Port:            9090,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Lock: LockConfig{
			Backend:          LockBackendMemory,
			KeyPrefix:        "shardmesh",
			ExpirationPeriod: 15 * time.Second,
			RenewalFraction:  0.5,
			CheckPeriod:      2 * time.Second,
			ReleaseTimeout:   5 * time.Second,
			Redis: LockRedisConfig{
				Prefix:           "shardmesh:lock",
				OperationTimeout: 3 * time.Second,
			},
			Postgres: LockPostgresConfig{
				Table:            "shardmesh_locks",
				OperationTimeout: 3 * time.Second,
				Listen:           true,
			},
			MySQL: LockMySQLConfig{
				Table:            "shardmesh_locks",
				OperationTimeout: 3 * time.Second,
			},
			DynamoDB: LockDynamoDBConfig{
				Table:            "shardmesh_locks",
				OperationTimeout: 5 * time.Second,
			},
			MongoDB: LockMongoDBConfig{
				Collection:       "shardmesh_locks",
				ConnectTimeout:   5 * time.Second,
				OperationTimeout: 5 * time.Second,
			},
		},
		Membership: MembershipConfig{
			Type: MembershipStatic,
			Redis: MembershipRedisConfig{
				Key:               "shardmesh:members",
				HeartbeatInterval: 2 * time.Second,
				MemberTTL:         10 * time.Second,
				OperationTimeout:  3 * time.Second,
			},
		},
		Worker: WorkerConfig{
			RepeatDelayMin:  500 * time.Millisecond,
			RepeatDelayMax:  time.Second,
			RetryInitial:    time.Second,
			RetryMax:        time.Minute,
			RetryMultiplier: 2,
		},
		Tracing: TracingConfig{
			SampleRate: 0.1,
		},
	}
}
