package lock

import (
	"fmt"
	"math/rand/v2"
	"time"
)

const (
	DefaultExpirationPeriod = 15 * time.Second
	DefaultRenewalFraction  = 0.5
	DefaultCheckPeriod      = 2 * time.Second

	minRenewalInterval = 10 * time.Millisecond
)

// Options controls lease timing.
type Options struct {
	// ExpirationPeriod is the TTL written to the backend on acquire and renew.
	ExpirationPeriod time.Duration
	// RenewalFraction is the share of ExpirationPeriod after which a lease renews, in (0,1).
	RenewalFraction float64
	// RenewalJitter spreads renewals by up to this fraction of the renewal interval, in [0,1).
	// Zero keeps a fixed cadence.
	RenewalJitter float64
	// CheckPeriod bounds both the wait between acquire attempts and the loss-detection poll.
	CheckPeriod time.Duration
	// AcquireTimeout bounds Acquire as a whole. Zero waits until the context ends.
	AcquireTimeout time.Duration
}

// DefaultOptions returns the package defaults.
func DefaultOptions() Options {
	return Options{
		ExpirationPeriod: DefaultExpirationPeriod,
		RenewalFraction:  DefaultRenewalFraction,
		CheckPeriod:      DefaultCheckPeriod,
	}
}

// WithDefaults fills unset fields from defaults.
func (o Options) WithDefaults(defaults Options) Options {
	if o.ExpirationPeriod == 0 {
		o.ExpirationPeriod = defaults.ExpirationPeriod
	}
	if o.RenewalFraction == 0 {
		o.RenewalFraction = defaults.RenewalFraction
	}
	if o.RenewalJitter == 0 {
		o.RenewalJitter = defaults.RenewalJitter
	}
	if o.CheckPeriod == 0 {
		o.CheckPeriod = defaults.CheckPeriod
	}
	if o.AcquireTimeout == 0 {
		o.AcquireTimeout = defaults.AcquireTimeout
	}
	return o
}

// Validate rejects options that cannot produce a working lease.
func (o Options) Validate() error {
	if o.ExpirationPeriod <= 0 {
		return lockError(ErrValidation, fmt.Sprintf("expiration period must be > 0, got %s", o.ExpirationPeriod))
	}
	if o.RenewalFraction <= 0 || o.RenewalFraction >= 1 {
		return lockError(ErrValidation, fmt.Sprintf("renewal fraction must be in (0,1), got %v", o.RenewalFraction))
	}
	if o.RenewalJitter < 0 || o.RenewalJitter >= 1 {
		return lockError(ErrValidation, fmt.Sprintf("renewal jitter must be in [0,1), got %v", o.RenewalJitter))
	}
	if o.CheckPeriod <= 0 {
		return lockError(ErrValidation, fmt.Sprintf("check period must be > 0, got %s", o.CheckPeriod))
	}
	if o.AcquireTimeout < 0 {
		return lockError(ErrValidation, fmt.Sprintf("acquire timeout must be >= 0, got %s", o.AcquireTimeout))
	}
	return nil
}

// RenewalInterval is ExpirationPeriod * RenewalFraction.
func (o Options) RenewalInterval() time.Duration {
	interval := time.Duration(float64(o.ExpirationPeriod) * o.RenewalFraction)
	if interval < minRenewalInterval {
		interval = minRenewalInterval
	}
	return interval
}

// nextRenewal returns the delay before the next renewal, jittered downwards only so a lease never
// renews later than its fixed cadence.
func (o Options) nextRenewal() time.Duration {
	interval := o.RenewalInterval()
	if o.RenewalJitter <= 0 {
		return interval
	}
	jitter := time.Duration(rand.Float64() * o.RenewalJitter * float64(interval))
	return interval - jitter
}
