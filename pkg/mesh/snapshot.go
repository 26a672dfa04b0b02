// Package mesh supplies the live view of mesh membership: which nodes are up, and the shard map
// each registered sharding definition produces for them.
package mesh

import (
	"errors"
	"slices"
	"strings"

	"github.com/nimburion/shardmesh/pkg/sharding"
)

var (
	// ErrDisposed is the terminal update of a subscription: the source will publish nothing more.
	ErrDisposed = errors.New("mesh source disposed")
	// ErrClosed classifies operations on a closed source.
	ErrClosed = errors.New("mesh source closed")
)

// Snapshot is one immutable view of the mesh.
type Snapshot struct {
	// Version increases by one for every membership change a source publishes.
	Version   uint64
	Nodes     []sharding.NodeID
	Shardings map[string]*sharding.ShardMap
}

// NewSnapshot builds the shard map of every definition in registry for nodes. Node ids are
// trimmed, deduplicated and sorted so that every node derives the same maps from the same set.
func NewSnapshot(version uint64, nodes []sharding.NodeID, registry *sharding.Registry) Snapshot {
	normalized := normalizeNodes(nodes)
	snapshot := Snapshot{
		Version:   version,
		Nodes:     normalized,
		Shardings: make(map[string]*sharding.ShardMap),
	}
	if registry == nil {
		return snapshot
	}
	for _, def := range registry.Definitions() {
		snapshot.Shardings[def.Role] = sharding.Build(def, normalized)
	}
	return snapshot
}

// Sharding returns the shard map built for role.
func (s Snapshot) Sharding(role string) (*sharding.ShardMap, bool) {
	m, ok := s.Shardings[role]
	return m, ok
}

// HasNode reports whether node is part of the snapshot.
func (s Snapshot) HasNode(node sharding.NodeID) bool {
	_, found := slices.BinarySearch(s.Nodes, node)
	return found
}

// Update is one element of a subscription. Err is set for membership errors; the snapshot then
// repeats the last good view.
type Update struct {
	Snapshot Snapshot
	Err      error
}

// Terminal reports whether the update ends the subscription.
func (u Update) Terminal() bool {
	return errors.Is(u.Err, ErrDisposed)
}

func normalizeNodes(nodes []sharding.NodeID) []sharding.NodeID {
	out := make([]sharding.NodeID, 0, len(nodes))
	for _, node := range nodes {
		trimmed := sharding.NodeID(strings.TrimSpace(string(node)))
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
