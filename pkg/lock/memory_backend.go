package lock

import (
	"context"
	"sync"
	"time"
)

// MemoryBackend keeps lock records in process memory. Every Locker sharing one MemoryBackend
// competes for the same keys, which makes it suitable for tests and single-process deployments.
type MemoryBackend struct {
	mu       sync.Mutex
	records  map[string]Record
	watchers map[string]chan struct{}
	defaults Options
	now      func() time.Time
	closed   bool
}

// MemoryBackendOption customizes a MemoryBackend.
type MemoryBackendOption func(*MemoryBackend)

// WithMemoryClock replaces the wall clock used for expiry decisions.
func WithMemoryClock(now func() time.Time) MemoryBackendOption {
	return func(b *MemoryBackend) {
		if now != nil {
			b.now = now
		}
	}
}

// WithMemoryDefaults sets the options returned by DefaultOptions.
func WithMemoryDefaults(opts Options) MemoryBackendOption {
	return func(b *MemoryBackend) {
		b.defaults = opts.WithDefaults(DefaultOptions())
	}
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend(opts ...MemoryBackendOption) *MemoryBackend {
	b := &MemoryBackend{
		records:  make(map[string]Record),
		watchers: make(map[string]chan struct{}),
		defaults: DefaultOptions(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// TryAcquire implements Backend.
func (b *MemoryBackend) TryAcquire(ctx context.Context, key, value string, ttl time.Duration) (bool, time.Time, error) {
	if err := b.check(ctx, ttl); err != nil {
		return false, time.Time{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if current, ok := b.records[key]; ok && !current.Expired(now) {
		return false, current.ExpiresAt, nil
	}
	b.records[key] = Record{Key: key, Value: value, ExpiresAt: now.Add(ttl)}
	b.notifyLocked(key)
	return true, time.Time{}, nil
}

// TryRenew implements Backend.
func (b *MemoryBackend) TryRenew(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := b.check(ctx, ttl); err != nil {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	current, ok := b.records[key]
	if !ok || current.Value != value || current.Expired(now) {
		return false, nil
	}
	current.ExpiresAt = now.Add(ttl)
	b.records[key] = current
	return true, nil
}

// TryRelease implements Backend.
func (b *MemoryBackend) TryRelease(ctx context.Context, key, value string) (bool, error) {
	if err := b.check(ctx, time.Second); err != nil {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	current, ok := b.records[key]
	if !ok || current.Value != value {
		return false, nil
	}
	delete(b.records, key)
	b.notifyLocked(key)
	return true, nil
}

// TryQuery implements Backend.
func (b *MemoryBackend) TryQuery(ctx context.Context, key string) (*Record, error) {
	if err := b.check(ctx, time.Second); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	current, ok := b.records[key]
	if !ok {
		return nil, nil
	}
	if current.Expired(b.now()) {
		delete(b.records, key)
		return nil, nil
	}
	record := current
	return &record, nil
}

// WhenChanged implements Backend. It wakes on acquire and release of key.
func (b *MemoryBackend) WhenChanged(ctx context.Context, key string) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return lockError(ErrClosed, "memory backend is closed")
	}
	ch, ok := b.watchers[key]
	if !ok {
		ch = make(chan struct{})
		b.watchers[key] = ch
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
func (b *MemoryBackend) DefaultOptions() Options {
	return b.defaults
}

// HealthCheck implements Backend.
func (b *MemoryBackend) HealthCheck(ctx context.Context) error {
	return b.check(ctx, time.Second)
}

// Close wakes every waiter and rejects further calls.
func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for key := range b.watchers {
		b.notifyLocked(key)
	}
	return nil
}

// Len returns the number of records currently stored, expired or not.
func (b *MemoryBackend) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

func (b *MemoryBackend) check(ctx context.Context, ttl time.Duration) error {
	if ttl <= 0 {
		return lockError(ErrInvalidArgument, "ttl must be > 0")
	}
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return lockError(ErrClosed, "memory backend is closed")
	}
	return nil
}

func (b *MemoryBackend) notifyLocked(key string) {
	if ch, ok := b.watchers[key]; ok {
		close(ch)
		delete(b.watchers, key)
	}
}
