package shardworker

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/nimburion/shardmesh/pkg/lock"
	"github.com/nimburion/shardmesh/pkg/sharding"
)

const (
	DefaultKeyPrefix       = "shardmesh"
	DefaultRepeatDelayMin  = 500 * time.Millisecond
	DefaultRepeatDelayMax  = time.Second
	DefaultRetryInitial    = time.Second
	DefaultRetryMax        = time.Minute
	DefaultRetryMultiplier = 2.0
)

var (
	// ErrValidation classifies invalid worker configuration.
	ErrValidation = errors.New("shardworker validation error")
	// ErrAlreadyRunning is returned by Run while another Run call is active.
	ErrAlreadyRunning = errors.New("shardworker already running")
)

func workerError(kind error, message string) error {
	if message == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, message)
}

// RepeatDelay is the jittered pause between two successful runs of a shard task.
type RepeatDelay struct {
	Min time.Duration
	Max time.Duration
}

// Next returns a delay drawn uniformly from [Min, Max].
func (d RepeatDelay) Next() time.Duration {
	if d.Max <= d.Min {
		return d.Min
	}
	return d.Min + rand.N(d.Max-d.Min+1)
}

// RetryDelays is the exponential backoff applied after consecutive task failures.
type RetryDelays struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// Delay returns the wait after the given number of consecutive failures (1 for the first).
func (d RetryDelays) Delay(failures int) time.Duration {
	if failures <= 1 {
		return min(d.Initial, d.Max)
	}
	backoff := float64(d.Initial) * math.Pow(d.Multiplier, float64(failures-1))
	if backoff >= float64(d.Max) || math.IsInf(backoff, 0) || math.IsNaN(backoff) {
		return d.Max
	}
	return time.Duration(backoff)
}

// Config configures a Worker.
type Config struct {
	// Role selects the sharding definition this worker serves.
	Role string
	// NodeID is this node's identity in membership snapshots.
	NodeID sharding.NodeID
	// KeyPrefix scopes lock keys: <prefix>/<role>/<shard>.
	KeyPrefix string
	// LockPayload is stored next to the holder id, e.g. an address peers can route to.
	LockPayload string
	LockOptions lock.Options
	RepeatDelay RepeatDelay
	RetryDelays RetryDelays
}

func (c *Config) normalize() {
	c.Role = strings.TrimSpace(c.Role)
	c.NodeID = sharding.NodeID(strings.TrimSpace(string(c.NodeID)))
	c.KeyPrefix = strings.Trim(strings.TrimSpace(c.KeyPrefix), "/")
	if c.KeyPrefix == "" {
		c.KeyPrefix = DefaultKeyPrefix
	}
	if c.RepeatDelay.Min <= 0 && c.RepeatDelay.Max <= 0 {
		c.RepeatDelay = RepeatDelay{Min: DefaultRepeatDelayMin, Max: DefaultRepeatDelayMax}
	}
	if c.RetryDelays.Initial <= 0 {
		c.RetryDelays.Initial = DefaultRetryInitial
	}
	if c.RetryDelays.Max <= 0 {
		c.RetryDelays.Max = DefaultRetryMax
	}
	if c.RetryDelays.Multiplier == 0 {
		c.RetryDelays.Multiplier = DefaultRetryMultiplier
	}
}

func (c Config) validate() error {
	if c.Role == "" {
		return workerError(ErrValidation, "role is required")
	}
	if c.NodeID == "" {
		return workerError(ErrValidation, "node id is required")
	}
	if c.RepeatDelay.Min < 0 || c.RepeatDelay.Max < c.RepeatDelay.Min {
		return workerError(ErrValidation, fmt.Sprintf("repeat delay range [%s, %s] is invalid", c.RepeatDelay.Min, c.RepeatDelay.Max))
	}
	if c.RetryDelays.Multiplier < 1 {
		return workerError(ErrValidation, fmt.Sprintf("retry multiplier must be >= 1, got %v", c.RetryDelays.Multiplier))
	}
	if c.RetryDelays.Max < c.RetryDelays.Initial {
		return workerError(ErrValidation, "retry max delay must be >= initial delay")
	}
	return nil
}

// LockKey returns the lock key guarding shard.
func (c Config) LockKey(shard int) string {
	return fmt.Sprintf("%s/%s/%d", c.KeyPrefix, c.Role, shard)
}
