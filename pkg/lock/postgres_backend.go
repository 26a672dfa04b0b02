package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/nimburion/shardmesh/pkg/observability/logger"
)

const (
	defaultPostgresLockTable     = "shardmesh_locks"
	defaultPostgresLockOperation = 3 * time.Second

	postgresListenerMinReconnect = 100 * time.Millisecond
	postgresListenerMaxReconnect = 10 * time.Second
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgresBackendConfig configures a Postgres lock backend.
type PostgresBackendConfig struct {
	URL              string
	Table            string
	OperationTimeout time.Duration
	// Listen enables LISTEN/NOTIFY wake-ups for waiters.
	Listen   bool
	Defaults Options
}

func (c *PostgresBackendConfig) normalize() {
	c.Table = strings.TrimSpace(c.Table)
	if c.Table == "" {
		c.Table = defaultPostgresLockTable
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultPostgresLockOperation
	}
	c.Defaults = c.Defaults.WithDefaults(DefaultOptions())
}

// PostgresBackend stores lock rows in a Postgres table. Expiry is evaluated against the database
// clock so that holders on different machines agree on it.
type PostgresBackend struct {
	db     *sql.DB
	log    logger.Logger
	config PostgresBackendConfig

	listener *pq.Listener
	mu       sync.Mutex
	waiters  map[string]chan struct{}
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewPostgresBackend opens cfg.URL, verifies the connection and creates the lock table.
func NewPostgresBackend(cfg PostgresBackendConfig, log logger.Logger) (*PostgresBackend, error) {
	if log == nil {
		return nil, lockError(ErrInvalidArgument, "logger is required")
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, lockError(ErrInvalidArgument, "postgres url is required")
	}
	cfg.normalize()
	if !validTableName.MatchString(cfg.Table) {
		return nil, lockError(ErrValidation, fmt.Sprintf("invalid lock postgres table name %q", cfg.Table))
	}

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, errors.Join(lockError(ErrRetryable, "open postgres failed"), err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.OperationTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Join(lockError(ErrRetryable, "ping postgres failed"), err)
	}

	backend := newPostgresBackend(db, cfg, log)
	if err := backend.ensureTable(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Join(lockError(ErrRetryable, "create lock table failed"), err)
	}
	if cfg.Listen {
		if err := backend.startListener(cfg.URL); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return backend, nil
}

func newPostgresBackendWithDB(db *sql.DB, cfg PostgresBackendConfig, log logger.Logger) (*PostgresBackend, error) {
	if db == nil {
		return nil, lockError(ErrInvalidArgument, "db is required")
	}
	if log == nil {
		return nil, lockError(ErrInvalidArgument, "logger is required")
	}
	cfg.normalize()
	if !validTableName.MatchString(cfg.Table) {
		return nil, lockError(ErrValidation, fmt.Sprintf("invalid lock postgres table name %q", cfg.Table))
	}
	return newPostgresBackend(db, cfg, log), nil
}

func newPostgresBackend(db *sql.DB, cfg PostgresBackendConfig, log logger.Logger) *PostgresBackend {
	return &PostgresBackend{
		db:      db,
		log:     log,
		config:  cfg,
		waiters: make(map[string]chan struct{}),
		stop:    make(chan struct{}),
	}
}

// TryAcquire implements Backend.
func (b *PostgresBackend) TryAcquire(ctx context.Context, key, value string, ttl time.Duration) (bool, time.Time, error) {
	if err := b.ready(key, ttl); err != nil {
		return false, time.Time{}, err
	}
	opCtx, cancel := b.operationContext(ctx)
	defer cancel()

	query := fmt.Sprintf(`
WITH upsert AS (
	INSERT INTO %s(lock_key, value, expires_at, updated_at)
	VALUES ($1, $2, NOW() + ($3 * INTERVAL '1 millisecond'), NOW())
	ON CONFLICT(lock_key) DO UPDATE
	SET value = EXCLUDED.value,
	    expires_at = EXCLUDED.expires_at,
	    updated_at = NOW()
	WHERE %s.expires_at <= NOW()
	RETURNING 1
)
SELECT EXISTS(SELECT 1 FROM upsert)
`, b.config.Table, b.config.Table)

	var acquired bool
	if err := b.db.QueryRowContext(opCtx, query, key, value, ttl.Milliseconds()).Scan(&acquired); err != nil {
		return false, time.Time{}, errors.Join(lockError(ErrRetryable, "acquire lock failed"), err)
	}
	if acquired {
		return true, time.Time{}, nil
	}

	var expiresAt time.Time
	query = fmt.Sprintf(`SELECT expires_at FROM %s WHERE lock_key=$1`, b.config.Table)
	err := b.db.QueryRowContext(opCtx, query, key).Scan(&expiresAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, time.Time{}, nil
	case err != nil:
		return false, time.Time{}, errors.Join(lockError(ErrRetryable, "read lock expiry failed"), err)
	}
	return false, expiresAt, nil
}

// TryRenew implements Backend.
func (b *PostgresBackend) TryRenew(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := b.ready(key, ttl); err != nil {
		return false, err
	}
	opCtx, cancel := b.operationContext(ctx)
	defer cancel()

	query := fmt.Sprintf(`UPDATE %s SET expires_at=NOW() + ($3 * INTERVAL '1 millisecond'), updated_at=NOW() WHERE lock_key=$1 AND value=$2 AND expires_at > NOW()`, b.config.Table)
	result, err := b.db.ExecContext(opCtx, query, key, value, ttl.Milliseconds())
	if err != nil {
		return false, errors.Join(lockError(ErrRetryable, "renew lock failed"), err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, errors.Join(lockError(ErrRetryable, "renew lock failed"), err)
	}
	return affected > 0, nil
}

// TryRelease implements Backend.
func (b *PostgresBackend) TryRelease(ctx context.Context, key, value string) (bool, error) {
	if err := b.ready(key, time.Second); err != nil {
		return false, err
	}
	opCtx, cancel := b.operationContext(ctx)
	defer cancel()

	query := fmt.Sprintf(`DELETE FROM %s WHERE lock_key=$1 AND value=$2`, b.config.Table)
	result, err := b.db.ExecContext(opCtx, query, key, value)
	if err != nil {
		return false, errors.Join(lockError(ErrRetryable, "release lock failed"), err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, errors.Join(lockError(ErrRetryable, "release lock failed"), err)
	}
	if affected == 0 {
		return false, nil
	}

	if _, err := b.db.ExecContext(opCtx, `SELECT pg_notify($1, $2)`, b.channel(), key); err != nil {
		b.log.Debug("lock release notification failed", "lock_key", key, "error", err)
	}
	return true, nil
}

// TryQuery implements Backend.
func (b *PostgresBackend) TryQuery(ctx context.Context, key string) (*Record, error) {
	if err := b.ready(key, time.Second); err != nil {
		return nil, err
	}
	opCtx, cancel := b.operationContext(ctx)
	defer cancel()

	record := &Record{Key: key}
	query := fmt.Sprintf(`SELECT value, expires_at FROM %s WHERE lock_key=$1 AND expires_at > NOW()`, b.config.Table)
	err := b.db.QueryRowContext(opCtx, query, key).Scan(&record.Value, &record.ExpiresAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, errors.Join(lockError(ErrRetryable, "query lock failed"), err)
	}
	return record, nil
}

// WhenChanged implements Backend. Without a listener it only waits for ctx.
func (b *PostgresBackend) WhenChanged(ctx context.Context, key string) error {
	if b.listener == nil {
		<-ctx.Done()
		return ctx.Err()
	}

	b.mu.Lock()
	ch, ok := b.waiters[key]
	if !ok {
		ch = make(chan struct{})
		b.waiters[key] = ch
	}
	b.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DefaultOptions implements Backend.
func (b *PostgresBackend) DefaultOptions() Options {
	return b.config.Defaults
}

// HealthCheck verifies database connectivity.
func (b *PostgresBackend) HealthCheck(ctx context.Context) error {
	if b == nil || b.db == nil {
		return lockError(ErrNotInitialized, "postgres lock backend is not initialized")
	}
	opCtx, cancel := b.operationContext(ctx)
	defer cancel()
	if err := b.db.PingContext(opCtx); err != nil {
		return errors.Join(lockError(ErrRetryable, "postgres healthcheck failed"), err)
	}
	return nil
}

// Close stops the listener and closes DB resources.
func (b *PostgresBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	var errs []error
	if b.listener != nil {
		close(b.stop)
		errs = append(errs, b.listener.Close())
		b.wg.Wait()
		b.listener = nil
	}
	errs = append(errs, b.db.Close())
	return errors.Join(errs...)
}

func (b *PostgresBackend) startListener(url string) error {
	listener := pq.NewListener(url, postgresListenerMinReconnect, postgresListenerMaxReconnect, func(event pq.ListenerEventType, err error) {
		if err != nil {
			b.log.Warn("lock listener event", "event", int(event), "error", err)
		}
	})
	if err := listener.Listen(b.channel()); err != nil {
		_ = listener.Close()
		return errors.Join(lockError(ErrRetryable, "listen for lock changes failed"), err)
	}
	b.listener = listener

	b.wg.Add(1)
	go b.dispatch(listener.Notify)
	return nil
}

func (b *PostgresBackend) dispatch(notifications <-chan *pq.Notification) {
	defer b.wg.Done()
	for {
		select {
		case <-b.stop:
			return
		case n, ok := <-notifications:
			if !ok {
				return
			}
			b.mu.Lock()
			if n == nil {
				// Reconnected; notifications may have been missed.
				for key, ch := range b.waiters {
					close(ch)
					delete(b.waiters, key)
				}
			} else if ch, found := b.waiters[n.Extra]; found {
				close(ch)
				delete(b.waiters, n.Extra)
			}
			b.mu.Unlock()
		}
	}
}

func (b *PostgresBackend) ensureTable(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	lock_key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`, b.config.Table)
	_, err := b.db.ExecContext(ctx, query)
	return err
}

func (b *PostgresBackend) channel() string {
	return b.config.Table + "_changed"
}

func (b *PostgresBackend) ready(key string, ttl time.Duration) error {
	if b == nil || b.db == nil {
		return lockError(ErrNotInitialized, "postgres lock backend is not initialized")
	}
	if strings.TrimSpace(key) == "" {
		return lockError(ErrInvalidArgument, "lock key is required")
	}
	if ttl <= 0 {
		return lockError(ErrInvalidArgument, "ttl must be > 0")
	}
	return nil
}

func (b *PostgresBackend) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, b.config.OperationTimeout)
}
