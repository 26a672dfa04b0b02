// Package sharding maps partitioned work ("shards") onto the live set of mesh nodes.
package sharding

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrInvalidDefinition classifies malformed sharding definitions.
	ErrInvalidDefinition = errors.New("sharding invalid definition")
	// ErrDuplicateRole classifies a second registration for an already known role.
	ErrDuplicateRole = errors.New("sharding duplicate role")
	// ErrUnknownRole classifies lookups for roles that were never registered.
	ErrUnknownRole = errors.New("sharding unknown role")
)

func shardingError(kind error, message string) error {
	if message == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, message)
}

// NodeID is the opaque identity of a mesh node. Node ids are compared by value.
type NodeID string

// Definition names a partitioning scheme: a role and a fixed number of shards.
type Definition struct {
	Role       string
	ShardCount int
}

// NewDefinition creates a validated sharding definition.
func NewDefinition(role string, shardCount int) (Definition, error) {
	def := Definition{Role: strings.TrimSpace(role), ShardCount: shardCount}
	if err := def.Validate(); err != nil {
		return Definition{}, err
	}
	return def, nil
}

// Validate checks the role and shard count.
func (d Definition) Validate() error {
	if strings.TrimSpace(d.Role) == "" {
		return shardingError(ErrInvalidDefinition, "role is required")
	}
	if d.ShardCount <= 0 {
		return shardingError(ErrInvalidDefinition, fmt.Sprintf("shard count for role %q must be > 0", d.Role))
	}
	return nil
}

func (d Definition) String() string {
	return fmt.Sprintf("%s(%d shards)", d.Role, d.ShardCount)
}

// Registry holds the sharding definitions known to a process.
// It is passed explicitly to the components that need it.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewRegistry creates a registry pre-populated with defs.
func NewRegistry(defs ...Definition) (*Registry, error) {
	r := &Registry{defs: make(map[string]Definition, len(defs))}
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a definition. Roles are unique.
func (r *Registry) Register(def Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	def.Role = strings.TrimSpace(def.Role)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Role]; exists {
		return shardingError(ErrDuplicateRole, fmt.Sprintf("role %q is already registered", def.Role))
	}
	r.defs[def.Role] = def
	return nil
}

// Get returns the definition registered for role.
func (r *Registry) Get(role string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[strings.TrimSpace(role)]
	return def, ok
}

// Lookup is Get with a typed error for unknown roles.
func (r *Registry) Lookup(role string) (Definition, error) {
	def, ok := r.Get(role)
	if !ok {
		return Definition{}, shardingError(ErrUnknownRole, fmt.Sprintf("role %q", role))
	}
	return def, nil
}

// Definitions returns all definitions sorted by role.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	out := make([]Definition, 0, len(r.defs))
	for _, def := range r.defs {
		out = append(out, def)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Role < out[j].Role })
	return out
}
