package lock

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/nimburion/shardmesh/pkg/observability/logger"
	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPrefix           = "shardmesh:lock"
	defaultRedisOperationTimeout = 3 * time.Second
)

var (
	redisAcquireScript = redis.NewScript(`
if redis.call("SET", KEYS[1], ARGV[1], "NX", "PX", ARGV[2]) then
  return {1, 0}
end
return {0, redis.call("PTTL", KEYS[1])}
`)

	redisRenewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

	redisReleaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  redis.call("DEL", KEYS[1])
  redis.call("PUBLISH", KEYS[2], "released")
  return 1
end
return 0
`)
)

// RedisBackendConfig configures a Redis lock backend.
type RedisBackendConfig struct {
	URL              string
	Prefix           string
	OperationTimeout time.Duration
	Defaults         Options
}

func (c *RedisBackendConfig) normalize() {
	if strings.TrimSpace(c.Prefix) == "" {
		c.Prefix = defaultRedisPrefix
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultRedisOperationTimeout
	}
	c.Defaults = c.Defaults.WithDefaults(DefaultOptions())
}

// RedisBackend stores lock records as Redis strings with a PX expiry. Releases are announced on a
// per-key pub/sub channel so waiters wake without polling.
type RedisBackend struct {
	client    *redis.Client
	log       logger.Logger
	config    RedisBackendConfig
	ownClient bool
}

// NewRedisBackend connects to cfg.URL and verifies the connection.
func NewRedisBackend(cfg RedisBackendConfig, log logger.Logger) (*RedisBackend, error) {
	if log == nil {
		return nil, lockError(ErrInvalidArgument, "logger is required")
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, lockError(ErrInvalidArgument, "redis url is required")
	}
	cfg.normalize()

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, errors.Join(lockError(ErrValidation, "parse redis url failed"), err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.OperationTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Join(lockError(ErrRetryable, "ping redis failed"), err)
	}

	return &RedisBackend{client: client, log: log, config: cfg, ownClient: true}, nil
}

// NewRedisBackendWithClient wraps an existing client. Close leaves the client open.
func NewRedisBackendWithClient(client *redis.Client, cfg RedisBackendConfig, log logger.Logger) (*RedisBackend, error) {
	if client == nil {
		return nil, lockError(ErrInvalidArgument, "redis client is required")
	}
	if log == nil {
		return nil, lockError(ErrInvalidArgument, "logger is required")
	}
	cfg.normalize()
	return &RedisBackend{client: client, log: log, config: cfg}, nil
}

// Client returns the underlying Redis client.
func (b *RedisBackend) Client() *redis.Client {
	return b.client
}

// TryAcquire implements Backend.
func (b *RedisBackend) TryAcquire(ctx context.Context, key, value string, ttl time.Duration) (bool, time.Time, error) {
	if err := b.ready(key, ttl); err != nil {
		return false, time.Time{}, err
	}
	opCtx, cancel := b.operationContext(ctx)
	defer cancel()

	result, err := redisAcquireScript.Run(opCtx, b.client, []string{b.fullKey(key)}, value, ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return false, time.Time{}, errors.Join(lockError(ErrRetryable, "acquire lock failed"), err)
	}
	if len(result) != 2 {
		return false, time.Time{}, lockError(ErrRetryable, "unexpected acquire script reply")
	}
	if result[0] == 1 {
		return true, time.Time{}, nil
	}
	var expiry time.Time
	if result[1] > 0 {
		expiry = time.Now().Add(time.Duration(result[1]) * time.Millisecond)
	}
	return false, expiry, nil
}

// TryRenew implements Backend.
func (b *RedisBackend) TryRenew(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := b.ready(key, ttl); err != nil {
		return false, err
	}
	opCtx, cancel := b.operationContext(ctx)
	defer cancel()

	result, err := redisRenewScript.Run(opCtx, b.client, []string{b.fullKey(key)}, value, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, errors.Join(lockError(ErrRetryable, "renew lock failed"), err)
	}
	return result == 1, nil
}

// TryRelease implements Backend.
func (b *RedisBackend) TryRelease(ctx context.Context, key, value string) (bool, error) {
	if err := b.ready(key, time.Second); err != nil {
		return false, err
	}
	opCtx, cancel := b.operationContext(ctx)
	defer cancel()

	keys := []string{b.fullKey(key), b.channel(key)}
	result, err := redisReleaseScript.Run(opCtx, b.client, keys, value).Int64()
	if err != nil {
		return false, errors.Join(lockError(ErrRetryable, "release lock failed"), err)
	}
	return result == 1, nil
}

// TryQuery implements Backend. ExpiresAt is zero when the key carries no TTL.
func (b *RedisBackend) TryQuery(ctx context.Context, key string) (*Record, error) {
	if err := b.ready(key, time.Second); err != nil {
		return nil, err
	}
	opCtx, cancel := b.operationContext(ctx)
	defer cancel()

	fullKey := b.fullKey(key)
	var (
		getCmd *redis.StringCmd
		ttlCmd *redis.DurationCmd
	)
	_, err := b.client.TxPipelined(opCtx, func(pipe redis.Pipeliner) error {
		getCmd = pipe.Get(opCtx, fullKey)
		ttlCmd = pipe.PTTL(opCtx, fullKey)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, errors.Join(lockError(ErrRetryable, "query lock failed"), err)
	}

	value, err := getCmd.Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Join(lockError(ErrRetryable, "query lock failed"), err)
	}

	record := &Record{Key: key, Value: value}
	if ttl := ttlCmd.Val(); ttl > 0 {
		record.ExpiresAt = time.Now().Add(ttl)
	}
	return record, nil
}

// WhenChanged implements Backend. It wakes when any holder releases key.
func (b *RedisBackend) WhenChanged(ctx context.Context, key string) error {
	if err := b.ready(key, time.Second); err != nil {
		return err
	}
	sub := b.client.Subscribe(ctx, b.channel(key))
	defer func() { _ = sub.Close() }()

	if _, err := sub.Receive(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return errors.Join(lockError(ErrRetryable, "subscribe lock channel failed"), err)
	}

	select {
	case <-sub.Channel():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DefaultOptions implements Backend.
func (b *RedisBackend) DefaultOptions() Options {
	return b.config.Defaults
}

// HealthCheck verifies Redis connectivity.
func (b *RedisBackend) HealthCheck(ctx context.Context) error {
	if b == nil || b.client == nil {
		return lockError(ErrNotInitialized, "redis lock backend is not initialized")
	}
	opCtx, cancel := b.operationContext(ctx)
	defer cancel()
	if err := b.client.Ping(opCtx).Err(); err != nil {
		return errors.Join(lockError(ErrRetryable, "redis healthcheck failed"), err)
	}
	return nil
}

// Close closes the client when the backend created it.
func (b *RedisBackend) Close() error {
	if b == nil || b.client == nil || !b.ownClient {
		return nil
	}
	return b.client.Close()
}

func (b *RedisBackend) ready(key string, ttl time.Duration) error {
	if b == nil || b.client == nil {
		return lockError(ErrNotInitialized, "redis lock backend is not initialized")
	}
	if strings.TrimSpace(key) == "" {
		return lockError(ErrInvalidArgument, "lock key is required")
	}
	if ttl <= 0 {
		return lockError(ErrInvalidArgument, "ttl must be > 0")
	}
	return nil
}

func (b *RedisBackend) fullKey(key string) string {
	return strings.TrimRight(b.config.Prefix, ":") + ":" + strings.TrimSpace(key)
}

func (b *RedisBackend) channel(key string) string {
	return strings.TrimRight(b.config.Prefix, ":") + ":changed:" + strings.TrimSpace(key)
}

func (b *RedisBackend) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, b.config.OperationTimeout)
}
