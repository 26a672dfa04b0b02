package sharding

import (
	"fmt"
	"math"
	"strings"
)

// ShardMap is an immutable assignment of every shard of a Definition to a node.
//
// Shards are handed out in contiguous runs ("[0..3] -> a, [4..6] -> b, ...") so that a node joining or
// leaving moves a bounded, contiguous slice of shards instead of a scattered set.
type ShardMap struct {
	def   Definition
	nodes []NodeID
	// assignment has 2*ShardCount entries, both halves identical, so that
	// ShardCount + (i % ShardCount) is in range for any sign of i.
	assignment []NodeID
}

// Range is a contiguous, inclusive run of shards owned by one node.
type Range struct {
	Node  NodeID `yaml:"node" json:"node"`
	Start int    `yaml:"start" json:"start"`
	End   int    `yaml:"end" json:"end"`
}

func (r Range) String() string {
	return fmt.Sprintf("[%d..%d] -> %s", r.Start, r.End, r.Node)
}

// Build assigns the shards of def to nodes, in the order given.
// An empty node list yields an invalid map on which every lookup reports no owner.
func Build(def Definition, nodes []NodeID) *ShardMap {
	if def.ShardCount <= 0 {
		panic(fmt.Sprintf("sharding: shard count must be > 0, got %d", def.ShardCount))
	}

	m := &ShardMap{
		def:   def,
		nodes: append([]NodeID(nil), nodes...),
	}
	if len(nodes) == 0 {
		return m
	}

	count := def.ShardCount
	shardsPerNode := math.Max(1, float64(count)/float64(len(nodes)))
	m.assignment = make([]NodeID, 2*count)
	for i := 0; i < count; i++ {
		nodeIndex := int(math.Floor(1e-6 + float64(i)/shardsPerNode))
		if nodeIndex >= len(nodes) {
			nodeIndex = len(nodes) - 1
		}
		if nodeIndex < 0 {
			nodeIndex = 0
		}
		m.assignment[i] = nodes[nodeIndex]
		m.assignment[count+i] = nodes[nodeIndex]
	}
	return m
}

// IsValid reports whether the map has at least one node.
func (m *ShardMap) IsValid() bool {
	return m != nil && len(m.assignment) > 0
}

// Definition returns the definition the map was built for.
func (m *ShardMap) Definition() Definition {
	return m.def
}

// ShardCount returns the number of shards of the definition.
func (m *ShardMap) ShardCount() int {
	return m.def.ShardCount
}

// Nodes returns a copy of the node list the map was built from.
func (m *ShardMap) Nodes() []NodeID {
	return append([]NodeID(nil), m.nodes...)
}

// NodeForShard returns the owner of shard index. Any integer is accepted and reduced modulo
// the shard count, negative values included.
func (m *ShardMap) NodeForShard(index int) (NodeID, bool) {
	if !m.IsValid() {
		return "", false
	}
	count := m.def.ShardCount
	return m.assignment[count+index%count], true
}

// ShardForKey maps an arbitrary key to a shard index in [0, ShardCount).
func (m *ShardMap) ShardForKey(key string) int {
	count := m.def.ShardCount
	raw := int(Djb2(key)) % count
	if raw < 0 {
		raw += count
	}
	return raw
}

// NodeForKey returns the owner of the shard key hashes to.
func (m *ShardMap) NodeForKey(key string) (NodeID, bool) {
	if !m.IsValid() {
		return "", false
	}
	count := m.def.ShardCount
	return m.assignment[count+int(Djb2(key))%count], true
}

// ShardsOf returns the shard indexes owned by node, in ascending order.
func (m *ShardMap) ShardsOf(node NodeID) []int {
	if !m.IsValid() {
		return nil
	}
	var out []int
	for i := 0; i < m.def.ShardCount; i++ {
		if m.assignment[i] == node {
			out = append(out, i)
		}
	}
	return out
}

// OwnedBy returns, per shard index, whether node owns it. An invalid map owns nothing.
func (m *ShardMap) OwnedBy(node NodeID) []bool {
	owned := make([]bool, m.def.ShardCount)
	if !m.IsValid() {
		return owned
	}
	for i := range owned {
		owned[i] = m.assignment[i] == node
	}
	return owned
}

// Ranges returns the contiguous runs of the assignment in shard order.
func (m *ShardMap) Ranges() []Range {
	if !m.IsValid() {
		return nil
	}
	var out []Range
	for i := 0; i < m.def.ShardCount; i++ {
		node := m.assignment[i]
		if len(out) > 0 && out[len(out)-1].Node == node {
			out[len(out)-1].End = i
			continue
		}
		out = append(out, Range{Node: node, Start: i, End: i})
	}
	return out
}

func (m *ShardMap) String() string {
	if !m.IsValid() {
		return fmt.Sprintf("%s: invalid (no nodes)", m.def)
	}
	ranges := m.Ranges()
	parts := make([]string, 0, len(ranges))
	for _, r := range ranges {
		parts = append(parts, r.String())
	}
	return fmt.Sprintf("%s: %s", m.def, strings.Join(parts, ", "))
}

// Djb2 hashes key with the classic djb2 function (hash*33 + c) using 32-bit wrap-around,
// so the result may be negative.
func Djb2(key string) int32 {
	var hash int32 = 5381
	for i := 0; i < len(key); i++ {
		hash = (hash << 5) + hash + int32(key[i])
	}
	return hash
}
