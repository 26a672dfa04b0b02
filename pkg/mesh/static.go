package mesh

import (
	"context"

	"github.com/nimburion/shardmesh/pkg/sharding"
)

// StaticSource is a Source whose membership is set by the caller: a fixed node list from
// configuration, or a test driving membership changes by hand.
type StaticSource struct {
	hub *hub
}

// NewStaticSource creates a source whose first snapshot (version 1) holds nodes.
func NewStaticSource(registry *sharding.Registry, nodes ...sharding.NodeID) *StaticSource {
	return &StaticSource{hub: newHub(registry, nodes, 1)}
}

// SetNodes replaces the node set. Subscribers receive a new snapshot only when the set changed.
func (s *StaticSource) SetNodes(nodes ...sharding.NodeID) Snapshot {
	snapshot, _ := s.hub.setNodes(nodes)
	return snapshot
}

// Publish delivers a non-terminal membership error to every subscriber.
func (s *StaticSource) Publish(err error) {
	s.hub.publishError(err)
}

// Current implements Source.
func (s *StaticSource) Current() Snapshot {
	return s.hub.snapshot()
}

// Subscribe implements Source.
func (s *StaticSource) Subscribe(ctx context.Context) <-chan Update {
	return s.hub.subscribe(ctx)
}

// Close implements Source. Subscribers receive ErrDisposed. Repeated calls are no-ops.
func (s *StaticSource) Close() error {
	s.hub.close()
	return nil
}
