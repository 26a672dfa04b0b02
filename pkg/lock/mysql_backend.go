package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/nimburion/shardmesh/pkg/observability/logger"
)

const (
	defaultMySQLLockTable     = "shardmesh_locks"
	defaultMySQLLockOperation = 3 * time.Second
)

// MySQLBackendConfig configures a MySQL lock backend.
type MySQLBackendConfig struct {
	// DSN is a go-sql-driver DSN, e.g. user:pass@tcp(host:3306)/db.
	DSN              string
	Table            string
	OperationTimeout time.Duration
	Defaults         Options
}

func (c *MySQLBackendConfig) normalize() {
	c.Table = strings.TrimSpace(c.Table)
	if c.Table == "" {
		c.Table = defaultMySQLLockTable
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultMySQLLockOperation
	}
	c.Defaults = c.Defaults.WithDefaults(DefaultOptions())
}

// MySQLBackend stores lock rows in a MySQL table using the database clock for expiry.
type MySQLBackend struct {
	db     *sql.DB
	log    logger.Logger
	config MySQLBackendConfig
}

// NewMySQLBackend opens cfg.DSN, verifies the connection and creates the lock table.
func NewMySQLBackend(cfg MySQLBackendConfig, log logger.Logger) (*MySQLBackend, error) {
	if log == nil {
		return nil, lockError(ErrInvalidArgument, "logger is required")
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, lockError(ErrInvalidArgument, "mysql dsn is required")
	}
	cfg.normalize()
	if !validTableName.MatchString(cfg.Table) {
		return nil, lockError(ErrValidation, fmt.Sprintf("invalid lock mysql table name %q", cfg.Table))
	}
	dsn, err := lockDSN(cfg.DSN)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, errors.Join(lockError(ErrRetryable, "open mysql failed"), err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.OperationTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Join(lockError(ErrRetryable, "ping mysql failed"), err)
	}

	backend := &MySQLBackend{db: db, log: log, config: cfg}
	if err := backend.ensureTable(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Join(lockError(ErrRetryable, "create lock table failed"), err)
	}
	log.Info("mysql lock backend ready", "table", cfg.Table)
	return backend, nil
}

func newMySQLBackendWithDB(db *sql.DB, cfg MySQLBackendConfig, log logger.Logger) (*MySQLBackend, error) {
	if db == nil {
		return nil, lockError(ErrInvalidArgument, "db is required")
	}
	if log == nil {
		return nil, lockError(ErrInvalidArgument, "logger is required")
	}
	cfg.normalize()
	if !validTableName.MatchString(cfg.Table) {
		return nil, lockError(ErrValidation, fmt.Sprintf("invalid lock mysql table name %q", cfg.Table))
	}
	return &MySQLBackend{db: db, log: log, config: cfg}, nil
}

// lockDSN forces the session settings the backend relies on: UTC timestamps parsed into
// time.Time, and RowsAffected counting matched rows.
func lockDSN(raw string) (string, error) {
	parsed, err := mysql.ParseDSN(raw)
	if err != nil {
		return "", errors.Join(lockError(ErrValidation, "parse mysql dsn failed"), err)
	}
	parsed.ParseTime = true
	parsed.Loc = time.UTC
	parsed.ClientFoundRows = true
	if parsed.Params == nil {
		parsed.Params = map[string]string{}
	}
	parsed.Params["time_zone"] = "'+00:00'"
	return parsed.FormatDSN(), nil
}

// TryAcquire implements Backend.
func (b *MySQLBackend) TryAcquire(ctx context.Context, key, value string, ttl time.Duration) (bool, time.Time, error) {
	if err := b.ready(key, ttl); err != nil {
		return false, time.Time{}, err
	}
	opCtx, cancel := b.operationContext(ctx)
	defer cancel()

	upsert := fmt.Sprintf(`INSERT INTO %s (lock_key, value, expires_at) VALUES (?, ?, NOW(3) + INTERVAL ? MICROSECOND)
ON DUPLICATE KEY UPDATE
	value = IF(expires_at <= NOW(3), VALUES(value), value),
	expires_at = IF(expires_at <= NOW(3), VALUES(expires_at), expires_at)`, b.config.Table)
	if _, err := b.db.ExecContext(opCtx, upsert, key, value, ttl.Microseconds()); err != nil {
		return false, time.Time{}, errors.Join(lockError(ErrRetryable, "acquire lock failed"), err)
	}

	var (
		current   string
		expiresAt time.Time
	)
	query := fmt.Sprintf(`SELECT value, expires_at FROM %s WHERE lock_key = ?`, b.config.Table)
	err := b.db.QueryRowContext(opCtx, query, key).Scan(&current, &expiresAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, time.Time{}, nil
	case err != nil:
		return false, time.Time{}, errors.Join(lockError(ErrRetryable, "read lock failed"), err)
	}
	if current == value {
		return true, time.Time{}, nil
	}
	return false, expiresAt, nil
}

// TryRenew implements Backend.
func (b *MySQLBackend) TryRenew(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := b.ready(key, ttl); err != nil {
		return false, err
	}
	opCtx, cancel := b.operationContext(ctx)
	defer cancel()

	query := fmt.Sprintf(`UPDATE %s SET expires_at = NOW(3) + INTERVAL ? MICROSECOND WHERE lock_key = ? AND value = ? AND expires_at > NOW(3)`, b.config.Table)
	result, err := b.db.ExecContext(opCtx, query, ttl.Microseconds(), key, value)
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
func (b *MySQLBackend) TryRelease(ctx context.Context, key, value string) (bool, error) {
	if err := b.ready(key, time.Second); err != nil {
		return false, err
	}
	opCtx, cancel := b.operationContext(ctx)
	defer cancel()

	query := fmt.Sprintf(`DELETE FROM %s WHERE lock_key = ? AND value = ?`, b.config.Table)
	result, err := b.db.ExecContext(opCtx, query, key, value)
	if err != nil {
		return false, errors.Join(lockError(ErrRetryable, "release lock failed"), err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, errors.Join(lockError(ErrRetryable, "release lock failed"), err)
	}
	return affected > 0, nil
}

// TryQuery implements Backend.
func (b *MySQLBackend) TryQuery(ctx context.Context, key string) (*Record, error) {
	if err := b.ready(key, time.Second); err != nil {
		return nil, err
	}
	opCtx, cancel := b.operationContext(ctx)
	defer cancel()

	record := &Record{Key: key}
	query := fmt.Sprintf(`SELECT value, expires_at FROM %s WHERE lock_key = ? AND expires_at > NOW(3)`, b.config.Table)
	err := b.db.QueryRowContext(opCtx, query, key).Scan(&record.Value, &record.ExpiresAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, errors.Join(lockError(ErrRetryable, "query lock failed"), err)
	}
	return record, nil
}

// WhenChanged implements Backend. MySQL has no change notification, so waiters poll.
func (b *MySQLBackend) WhenChanged(ctx context.Context, _ string) error {
	<-ctx.Done()
	return ctx.Err()
}

// DefaultOptions implements Backend.
func (b *MySQLBackend) DefaultOptions() Options {
	return b.config.Defaults
}

// HealthCheck verifies database connectivity.
func (b *MySQLBackend) HealthCheck(ctx context.Context) error {
	if b == nil || b.db == nil {
		return lockError(ErrNotInitialized, "mysql lock backend is not initialized")
	}
	opCtx, cancel := b.operationContext(ctx)
	defer cancel()
	if err := b.db.PingContext(opCtx); err != nil {
		return errors.Join(lockError(ErrRetryable, "mysql healthcheck failed"), err)
	}
	return nil
}

// Close closes DB resources.
func (b *MySQLBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *MySQLBackend) ensureTable(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	lock_key VARCHAR(255) NOT NULL PRIMARY KEY,
	value VARCHAR(1024) NOT NULL,
	expires_at DATETIME(3) NOT NULL
)`, b.config.Table)
	_, err := b.db.ExecContext(ctx, query)
	return err
}

func (b *MySQLBackend) ready(key string, ttl time.Duration) error {
	if b == nil || b.db == nil {
		return lockError(ErrNotInitialized, "mysql lock backend is not initialized")
	}
	if strings.TrimSpace(key) == "" {
		return lockError(ErrInvalidArgument, "lock key is required")
	}
	if ttl <= 0 {
		return lockError(ErrInvalidArgument, "ttl must be > 0")
	}
	return nil
}

func (b *MySQLBackend) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, b.config.OperationTimeout)
}
