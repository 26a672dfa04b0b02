// Package lock implements lease-based mutual exclusion ("cluster locks") on top of an external
// consistent store.
//
// A Backend provides single-key atomic operations. A Locker turns them into blocking acquisition
// and hands out Leases, which renew themselves, detect takeover and release the record once every
// dependent operation has finished.
package lock

import (
	"context"
	"strings"
	"time"
)

// ValueSeparator separates the holder id from the caller payload in a stored value.
const ValueSeparator = " "

// Record is the lock row held by the backend.
type Record struct {
	Key       string
	Value     string
	ExpiresAt time.Time
}

// HolderID returns the part of Value before the first separator.
func (r Record) HolderID() string {
	holder, _, _ := strings.Cut(r.Value, ValueSeparator)
	return holder
}

// Payload returns the part of Value after the first separator.
func (r Record) Payload() string {
	_, payload, _ := strings.Cut(r.Value, ValueSeparator)
	return payload
}

// Expired reports whether the record is no longer live at now.
func (r Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

// FormatValue builds the stored value for holderID and payload.
func FormatValue(holderID, payload string) string {
	return holderID + ValueSeparator + payload
}

// Backend is the durable half of a cluster lock. Every method must be safe for concurrent use and
// atomic with respect to the single key it touches.
type Backend interface {
	// TryAcquire stores value under key if the key is absent or expired. When another holder is
	// live it returns acquired=false and that holder's expiry.
	TryAcquire(ctx context.Context, key, value string, ttl time.Duration) (acquired bool, currentExpiry time.Time, err error)
	// TryRenew extends the expiry only if the stored value still equals value.
	TryRenew(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// TryRelease deletes the record only if the stored value still equals value.
	TryRelease(ctx context.Context, key, value string) (bool, error)
	// TryQuery returns the live record for key, or nil when absent or expired.
	TryQuery(ctx context.Context, key string) (*Record, error)
	// WhenChanged blocks until the backend signals a change on key or ctx ends. It is a
	// best-effort wake-up: returning nil does not guarantee anything changed, and changes may
	// go unsignalled.
	WhenChanged(ctx context.Context, key string) error
	// DefaultOptions returns the options used for fields a caller leaves unset.
	DefaultOptions() Options
	HealthCheck(ctx context.Context) error
	Close() error
}
