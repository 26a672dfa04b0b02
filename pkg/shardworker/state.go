package shardworker

import "fmt"

// ShardState is the lifecycle position of one shard on this node.
type ShardState uint8

const (
	// ShardUnused means no goroutine runs for the shard.
	ShardUnused ShardState = iota
	// ShardStarting means the shard is owned and its lock is being acquired.
	ShardStarting
	// ShardRunning means the lock is held and the task is executing.
	ShardRunning
	// ShardStopping means ownership or the lease ended and the goroutine is winding down.
	ShardStopping
)

func (s ShardState) String() string {
	switch s {
	case ShardUnused:
		return "unused"
	case ShardStarting:
		return "starting"
	case ShardRunning:
		return "running"
	case ShardStopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// MarshalText renders the state by name in JSON status output.
func (s ShardState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name produced by MarshalText.
func (s *ShardState) UnmarshalText(text []byte) error {
	switch string(text) {
	case "unused":
		*s = ShardUnused
	case "starting":
		*s = ShardStarting
	case "running":
		*s = ShardRunning
	case "stopping":
		*s = ShardStopping
	default:
		return fmt.Errorf("unknown shard state %q", text)
	}
	return nil
}

type shardEvent uint8

const (
	eventOwned shardEvent = iota
	eventDisowned
	eventLeaseAcquired
	eventLeaseReleased
	eventExited
)

func (e shardEvent) String() string {
	switch e {
	case eventOwned:
		return "owned"
	case eventDisowned:
		return "disowned"
	case eventLeaseAcquired:
		return "lease_acquired"
	case eventLeaseReleased:
		return "lease_released"
	case eventExited:
		return "exited"
	default:
		return "unknown"
	}
}
