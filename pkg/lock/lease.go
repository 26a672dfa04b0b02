package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nimburion/shardmesh/pkg/observability/logger"
	"github.com/nimburion/shardmesh/pkg/observability/tracing"
)

// Lease is one successfully acquired lock. It renews itself in the background, watches the
// backend for takeover, and releases the record on Stop once every dependent has finished.
type Lease struct {
	backend Backend
	log     logger.Logger

	key      string
	holderID string
	value    string
	options  Options

	releaseTimeout time.Duration

	// ctx is the lease scope; it ends on Stop or on loss.
	ctx      context.Context
	cancel   context.CancelFunc
	lost     chan struct{}
	lostOnce sync.Once

	mu         sync.Mutex
	stopping   bool
	dependents sync.WaitGroup

	loops    sync.WaitGroup
	stopOnce sync.Once
	done     chan struct{}
	stopErr  error
}

func newLease(backend Backend, log logger.Logger, key, holderID, value string, opts Options, releaseTimeout time.Duration) *Lease {
	ctx, cancel := context.WithCancel(context.Background())
	lease := &Lease{
		backend:        backend,
		log:            log,
		key:            key,
		holderID:       holderID,
		value:          value,
		options:        opts,
		releaseTimeout: releaseTimeout,
		ctx:            ctx,
		cancel:         cancel,
		lost:           make(chan struct{}),
		done:           make(chan struct{}),
	}
	incrementActiveLeases(key)

	lease.loops.Add(2)
	go lease.renewLoop()
	go lease.watchLoop()
	return lease
}

// Key returns the lock key.
func (l *Lease) Key() string { return l.key }

// HolderID returns the id identifying this lease in the stored value.
func (l *Lease) HolderID() string { return l.holderID }

// Value returns the full stored value (holder id, separator, payload).
func (l *Lease) Value() string { return l.value }

// Options returns the resolved options the lease runs with.
func (l *Lease) Options() Options { return l.options }

// Context is cancelled when the lease stops or is lost.
func (l *Lease) Context() context.Context { return l.ctx }

// Lost is closed when loss detection observes that the record is gone or held by someone else.
func (l *Lease) Lost() <-chan struct{} { return l.lost }

// Done is closed once Stop has released the lease.
func (l *Lease) Done() <-chan struct{} { return l.done }

// IsLost reports whether the lease has been lost.
func (l *Lease) IsLost() bool {
	select {
	case <-l.lost:
		return true
	default:
		return false
	}
}

// AddDependency registers an in-flight operation that relies on holding the lease. The returned
// context ends when parent ends or the lease stops or is lost; the returned func must be called
// when the operation has finished. Stop waits for every registered dependent before releasing.
func (l *Lease) AddDependency(parent context.Context) (context.Context, func(), error) {
	if parent == nil {
		parent = context.Background()
	}

	l.mu.Lock()
	if l.stopping || l.ctx.Err() != nil {
		l.mu.Unlock()
		return nil, nil, lockError(ErrLeaseStopped, l.key)
	}
	l.dependents.Add(1)
	l.mu.Unlock()

	depCtx, cancel := context.WithCancel(parent)
	stopPropagation := context.AfterFunc(l.ctx, cancel)

	var once sync.Once
	finish := func() {
		once.Do(func() {
			stopPropagation()
			cancel()
			l.dependents.Done()
		})
	}
	return depCtx, finish, nil
}

// Run executes fn as a dependent of the lease, under a context that ends when ctx ends or the
// lease stops or is lost.
func (l *Lease) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	depCtx, finish, err := l.AddDependency(ctx)
	if err != nil {
		return err
	}
	defer finish()
	return fn(depCtx)
}

// Stop ends the lease: it cancels the lease scope, waits for all dependents and background loops,
// then releases the record. Only the first call performs the release and may return its error;
// later calls wait for it and return nil.
func (l *Lease) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	first := false
	l.stopOnce.Do(func() {
		first = true
		defer close(l.done)

		l.mu.Lock()
		l.stopping = true
		l.mu.Unlock()

		l.cancel()
		l.dependents.Wait()
		l.loops.Wait()
		l.stopErr = l.release(ctx)
		decrementActiveLeases(l.key)
	})
	if !first {
		<-l.done
		return nil
	}
	return l.stopErr
}

func (l *Lease) release(ctx context.Context) error {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.releaseTimeout)
	defer cancel()
	releaseCtx, span := tracing.StartLockSpan(releaseCtx, tracing.SpanOperationLockRelease,
		tracing.WithLockKey(l.key), tracing.WithLockHolder(l.holderID))
	defer span.End()

	released, err := l.backend.TryRelease(releaseCtx, l.key, l.value)
	switch {
	case err != nil:
		recordLockRelease(l.key, "error")
		tracing.RecordError(span, err)
		l.log.Warn("lock release failed", "error", err)
		return errors.Join(lockError(ErrRetryable, "release lock failed"), err)
	case !released:
		recordLockRelease(l.key, "missing")
		l.log.Debug("lock already gone on release", "lost", l.IsLost())
	default:
		recordLockRelease(l.key, "released")
		l.log.Debug("lock released")
	}
	tracing.RecordSuccess(span)
	return nil
}

func (l *Lease) renewLoop() {
	defer l.loops.Done()

	timer := time.NewTimer(l.options.nextRenewal())
	defer timer.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-timer.C:
		}

		opCtx, cancel := context.WithTimeout(l.ctx, l.options.ExpirationPeriod)
		renewed, err := l.backend.TryRenew(opCtx, l.key, l.value, l.options.ExpirationPeriod)
		cancel()
		switch {
		case err != nil:
			if l.ctx.Err() != nil {
				return
			}
			recordLockRenew(l.key, "error")
			l.log.Warn("lock renew failed", "error", err)
		case !renewed:
			recordLockRenew(l.key, "rejected")
			l.log.Warn("lock renew rejected")
		default:
			recordLockRenew(l.key, "success")
		}

		timer.Reset(l.options.nextRenewal())
	}
}

func (l *Lease) watchLoop() {
	defer l.loops.Done()

	ticker := time.NewTicker(l.options.CheckPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
		}

		opCtx, cancel := context.WithTimeout(l.ctx, l.options.CheckPeriod)
		record, err := l.backend.TryQuery(opCtx, l.key)
		cancel()
		if err != nil {
			if l.ctx.Err() != nil {
				return
			}
			l.log.Warn("lock loss check failed", "error", err)
			continue
		}
		if record == nil {
			l.markLost("record missing or expired", "")
			return
		}
		if record.HolderID() != l.holderID {
			l.markLost("record held by another holder", record.HolderID())
			return
		}
	}
}

func (l *Lease) markLost(reason, currentHolder string) {
	l.lostOnce.Do(func() {
		close(l.lost)
		recordLockLost(l.key)
		l.log.Info("lock lease lost", "reason", reason, "current_holder", currentHolder)
		l.cancel()
	})
}
