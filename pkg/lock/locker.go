package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nimburion/shardmesh/pkg/observability/logger"
	"github.com/nimburion/shardmesh/pkg/observability/tracing"
	"go.opentelemetry.io/otel/attribute"
)

const (
	DefaultReleaseTimeout = 5 * time.Second

	minAcquireWait = time.Millisecond
)

// LockerConfig configures a Locker.
type LockerConfig struct {
	// HolderPrefix makes holder ids unique to this process. A random prefix is generated when empty.
	HolderPrefix string
	// Defaults override the backend defaults for fields callers leave unset.
	Defaults Options
	// ReleaseTimeout bounds the release call made when a lease stops.
	ReleaseTimeout time.Duration
}

func (c *LockerConfig) normalize() {
	c.HolderPrefix = strings.TrimSpace(c.HolderPrefix)
	if c.HolderPrefix == "" {
		c.HolderPrefix = uuid.NewString()
	}
	if c.ReleaseTimeout <= 0 {
		c.ReleaseTimeout = DefaultReleaseTimeout
	}
}

// Locker acquires leases against a Backend. One Locker is normally shared by a whole process.
type Locker struct {
	backend  Backend
	log      logger.Logger
	config   LockerConfig
	defaults Options
	counter  atomic.Uint64
}

// NewLocker creates a Locker over backend.
func NewLocker(backend Backend, log logger.Logger, cfg LockerConfig) (*Locker, error) {
	if backend == nil {
		return nil, lockError(ErrInvalidArgument, "backend is required")
	}
	if log == nil {
		return nil, lockError(ErrInvalidArgument, "logger is required")
	}
	cfg.normalize()
	if strings.Contains(cfg.HolderPrefix, ValueSeparator) {
		return nil, lockError(ErrValidation, "holder prefix must not contain spaces")
	}

	defaults := cfg.Defaults.WithDefaults(backend.DefaultOptions()).WithDefaults(DefaultOptions())
	if err := defaults.Validate(); err != nil {
		return nil, err
	}

	return &Locker{
		backend:  backend,
		log:      log,
		config:   cfg,
		defaults: defaults,
	}, nil
}

// Backend returns the underlying backend.
func (l *Locker) Backend() Backend {
	return l.backend
}

// HolderPrefix returns the process-unique prefix of every holder id this Locker issues.
func (l *Locker) HolderPrefix() string {
	return l.config.HolderPrefix
}

// NextHolderID returns a new holder id: the process prefix and a monotonically increasing counter.
func (l *Locker) NextHolderID() string {
	return fmt.Sprintf("%s-%d", l.config.HolderPrefix, l.counter.Add(1))
}

// ResolveOptions fills opts from the Locker defaults and validates the result.
func (l *Locker) ResolveOptions(opts Options) (Options, error) {
	resolved := opts.WithDefaults(l.defaults)
	if err := resolved.Validate(); err != nil {
		return Options{}, err
	}
	return resolved, nil
}

// Acquire blocks until key is held by a new lease, ctx ends, or opts.AcquireTimeout elapses.
// Transient backend errors are logged and retried. A timeout yields ErrAcquireTimeout; a cancelled
// ctx yields the context error.
func (l *Locker) Acquire(ctx context.Context, key, payload string, opts Options) (*Lease, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, lockError(ErrInvalidArgument, "lock key is required")
	}
	resolved, err := l.ResolveOptions(opts)
	if err != nil {
		return nil, err
	}

	ctx, span := tracing.StartLockSpan(ctx, tracing.SpanOperationLockAcquire, tracing.WithLockKey(key))
	defer span.End()

	acquireCtx := ctx
	if resolved.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeoutCause(ctx, resolved.AcquireTimeout, ErrAcquireTimeout)
		defer cancel()
	}

	holderID := l.NextHolderID()
	value := FormatValue(holderID, payload)
	log := l.log.With("lock_key", key, "holder_id", holderID)
	started := time.Now()
	attempts := 0

	for {
		attempts++
		acquired, expiry, err := l.backend.TryAcquire(acquireCtx, key, value, resolved.ExpirationPeriod)
		if err == nil && acquired {
			waited := time.Since(started)
			recordLockAcquire(key, "acquired", waited)
			tracing.RecordSuccess(span)
			log.Debug("lock acquired", "attempts", attempts, "waited", waited)
			return newLease(l.backend, log, key, holderID, value, resolved, l.config.ReleaseTimeout), nil
		}
		if err != nil && acquireCtx.Err() == nil {
			recordLockAcquire(key, "error", 0)
			log.Warn("lock acquire attempt failed", "attempt", attempts, "error", err)
		}

		if waitErr := l.waitForChange(acquireCtx, key, resolved.CheckPeriod, expiry); waitErr != nil {
			abortErr := acquireAborted(ctx, acquireCtx, key)
			recordLockAcquire(key, acquireOutcome(abortErr), 0)
			tracing.RecordError(span, abortErr)
			return nil, abortErr
		}
	}
}

// TryAcquireOnce makes a single acquire attempt. When the key is held elsewhere it returns a nil
// lease and the current holder's expiry.
func (l *Locker) TryAcquireOnce(ctx context.Context, key, payload string, opts Options) (*Lease, time.Time, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, time.Time{}, lockError(ErrInvalidArgument, "lock key is required")
	}
	resolved, err := l.ResolveOptions(opts)
	if err != nil {
		return nil, time.Time{}, err
	}

	holderID := l.NextHolderID()
	value := FormatValue(holderID, payload)
	acquired, expiry, err := l.backend.TryAcquire(ctx, key, value, resolved.ExpirationPeriod)
	if err != nil {
		recordLockAcquire(key, "error", 0)
		return nil, time.Time{}, errors.Join(lockError(ErrRetryable, "acquire lock failed"), err)
	}
	if !acquired {
		recordLockAcquire(key, "busy", 0)
		return nil, expiry, nil
	}
	recordLockAcquire(key, "acquired", 0)
	log := l.log.With("lock_key", key, "holder_id", holderID)
	return newLease(l.backend, log, key, holderID, value, resolved, l.config.ReleaseTimeout), expiry, nil
}

// Query returns the live record stored under key, or nil.
func (l *Locker) Query(ctx context.Context, key string) (*Record, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, lockError(ErrInvalidArgument, "lock key is required")
	}
	ctx, span := tracing.StartLockSpan(ctx, tracing.SpanOperationLockQuery, tracing.WithLockKey(key))
	defer span.End()

	record, err := l.backend.TryQuery(ctx, key)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	if record != nil {
		span.SetAttributes(attribute.String("lock.holder_id", record.HolderID()))
	}
	tracing.RecordSuccess(span)
	return record, nil
}

// waitForChange waits up to checkPeriod, or until the holder's expiry if sooner, for the backend
// to signal a change on key.
func (l *Locker) waitForChange(ctx context.Context, key string, checkPeriod time.Duration, expiry time.Time) error {
	wait := checkPeriod
	if !expiry.IsZero() {
		if untilExpiry := time.Until(expiry); untilExpiry < wait {
			wait = untilExpiry
		}
	}
	if wait < minAcquireWait {
		wait = minAcquireWait
	}

	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	if err := l.backend.WhenChanged(waitCtx, key); err != nil && waitCtx.Err() == nil {
		l.log.Debug("lock change notification failed", "lock_key", key, "error", err)
		<-waitCtx.Done()
	}
	return ctx.Err()
}

func acquireAborted(parent, acquireCtx context.Context, key string) error {
	if err := parent.Err(); err != nil {
		return err
	}
	if errors.Is(context.Cause(acquireCtx), ErrAcquireTimeout) {
		return lockError(ErrAcquireTimeout, fmt.Sprintf("key %q", key))
	}
	return acquireCtx.Err()
}

func acquireOutcome(err error) string {
	if errors.Is(err, ErrAcquireTimeout) {
		return "timeout"
	}
	return "cancelled"
}
