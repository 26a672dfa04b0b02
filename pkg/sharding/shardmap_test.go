package sharding

import (
	"errors"
	"fmt"
	"reflect"
	"testing"
)

func nodeList(names ...string) []NodeID {
	out := make([]NodeID, 0, len(names))
	for _, name := range names {
		out = append(out, NodeID(name))
	}
	return out
}

func TestBuild_ThreeNodesTenShards(t *testing.T) {
	def := Definition{Role: "backend", ShardCount: 10}
	m := Build(def, nodeList("a", "b", "c"))

	if !m.IsValid() {
		t.Fatal("expected valid map")
	}
	want := map[NodeID][]int{
		"a": {0, 1, 2, 3},
		"b": {4, 5, 6},
		"c": {7, 8, 9},
	}
	for node, shards := range want {
		if got := m.ShardsOf(node); !reflect.DeepEqual(got, shards) {
			t.Fatalf("shards of %s: expected %v, got %v", node, shards, got)
		}
	}
	if got := m.String(); got != "backend(10 shards): [0..3] -> a, [4..6] -> b, [7..9] -> c" {
		t.Fatalf("unexpected string %q", got)
	}
}

func TestBuild_RemovingNodeRedistributesItsShards(t *testing.T) {
	def := Definition{Role: "backend", ShardCount: 10}
	before := Build(def, nodeList("a", "b", "c"))
	after := Build(def, nodeList("a", "b"))

	for _, shard := range before.ShardsOf("c") {
		owner, ok := after.NodeForShard(shard)
		if !ok || owner == "c" {
			t.Fatalf("shard %d still unowned or owned by removed node: %q", shard, owner)
		}
	}
	if got := after.ShardsOf("a"); !reflect.DeepEqual(got, []int{0, 1, 2, 3, 4}) {
		t.Fatalf("unexpected shards for a: %v", got)
	}
	if got := after.ShardsOf("b"); !reflect.DeepEqual(got, []int{5, 6, 7, 8, 9}) {
		t.Fatalf("unexpected shards for b: %v", got)
	}

	moved := 0
	for i := 0; i < def.ShardCount; i++ {
		was, _ := before.NodeForShard(i)
		is, _ := after.NodeForShard(i)
		if was != is {
			moved++
		}
	}
	// three shards of c plus shard 4 sliding from b to a
	if moved != 4 {
		t.Fatalf("expected 4 moved shards, got %d", moved)
	}
}

func TestBuild_MoreNodesThanShards(t *testing.T) {
	def := Definition{Role: "tiny", ShardCount: 3}
	m := Build(def, nodeList("a", "b", "c", "d", "e"))

	for i, want := range nodeList("a", "b", "c") {
		got, ok := m.NodeForShard(i)
		if !ok || got != want {
			t.Fatalf("shard %d: expected %s, got %s", i, want, got)
		}
	}
	if got := m.ShardsOf("e"); len(got) != 0 {
		t.Fatalf("expected node e to own nothing, got %v", got)
	}
}

func TestBuild_EmptyNodeListIsInvalid(t *testing.T) {
	m := Build(Definition{Role: "backend", ShardCount: 4}, nil)

	if m.IsValid() {
		t.Fatal("expected invalid map")
	}
	if _, ok := m.NodeForShard(1); ok {
		t.Fatal("expected no owner on invalid map")
	}
	if _, ok := m.NodeForKey("chat-42"); ok {
		t.Fatal("expected no owner for key on invalid map")
	}
	for i, owned := range m.OwnedBy("a") {
		if owned {
			t.Fatalf("shard %d unexpectedly owned", i)
		}
	}
	if m.Ranges() != nil {
		t.Fatal("expected no ranges")
	}
}

func TestBuild_PanicsOnZeroShardCount(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for zero shard count")
		}
	}()
	Build(Definition{Role: "broken"}, nodeList("a"))
}

func TestNodeForShard_NegativeIndexWrapsAround(t *testing.T) {
	m := Build(Definition{Role: "backend", ShardCount: 10}, nodeList("a", "b", "c"))

	for _, tc := range []struct {
		index int
		want  NodeID
	}{
		{index: -1, want: "c"},
		{index: -10, want: "a"},
		{index: -6, want: "b"},
		{index: 13, want: "a"},
		{index: 27, want: "c"},
	} {
		got, ok := m.NodeForShard(tc.index)
		if !ok || got != tc.want {
			t.Fatalf("index %d: expected %s, got %s", tc.index, tc.want, got)
		}
	}
}

func TestShardForKey_MatchesNodeForKey(t *testing.T) {
	m := Build(Definition{Role: "backend", ShardCount: 7}, nodeList("a", "b", "c"))

	for i := 0; i < 500; i++ {
		key := fmt.Sprintf("chat-%d-%s", i, string(rune('a'+i%26)))
		shard := m.ShardForKey(key)
		if shard < 0 || shard >= 7 {
			t.Fatalf("key %q: shard %d out of range", key, shard)
		}
		byKey, _ := m.NodeForKey(key)
		byShard, _ := m.NodeForShard(shard)
		if byKey != byShard {
			t.Fatalf("key %q: NodeForKey=%s NodeForShard=%s", key, byKey, byShard)
		}
	}
}

func TestDjb2_KnownValues(t *testing.T) {
	if got := Djb2(""); got != 5381 {
		t.Fatalf("expected 5381 for empty key, got %d", got)
	}
	if got := Djb2("a"); got != 5381*33+'a' {
		t.Fatalf("unexpected hash for a: %d", got)
	}
	// long keys overflow 32 bits and go negative
	const key = "chat-room-15838-x"
	hash := Djb2(key)
	if hash != -1639744214 {
		t.Fatalf("unexpected hash for %q: %d", key, hash)
	}

	m := Build(Definition{Role: "backend", ShardCount: 10}, nodeList("a", "b", "c"))
	shard := m.ShardForKey(key)
	if shard != 6 {
		t.Fatalf("expected negative hash to map to shard 6, got %d", shard)
	}
	byKey, ok := m.NodeForKey(key)
	if !ok {
		t.Fatal("expected owner for key")
	}
	byShard, _ := m.NodeForShard(shard)
	byRaw, _ := m.NodeForShard(int(hash) % 10)
	if byKey != "b" || byShard != byKey || byRaw != byKey {
		t.Fatalf("owners disagree: key=%s shard=%s raw=%s", byKey, byShard, byRaw)
	}
}

func TestRanges_And_OwnedBy(t *testing.T) {
	m := Build(Definition{Role: "backend", ShardCount: 5}, nodeList("x", "y"))

	want := []Range{{Node: "x", Start: 0, End: 2}, {Node: "y", Start: 3, End: 4}}
	if got := m.Ranges(); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected ranges %v, got %v", want, got)
	}
	if got := FormatBitset(m.OwnedBy("y")); got != "00011" {
		t.Fatalf("unexpected ownership bitset %q", got)
	}
}

func TestDiff(t *testing.T) {
	diff := Diff([]bool{true, true, false, false}, []bool{false, true, true, false, true})
	if !reflect.DeepEqual(diff.Added, []int{2, 4}) {
		t.Fatalf("unexpected added %v", diff.Added)
	}
	if !reflect.DeepEqual(diff.Removed, []int{0}) {
		t.Fatalf("unexpected removed %v", diff.Removed)
	}
	if !Diff([]bool{true}, []bool{true}).Empty() {
		t.Fatal("expected empty diff")
	}
}

func TestRegistry(t *testing.T) {
	backend, err := NewDefinition("backend", 10)
	if err != nil {
		t.Fatalf("new definition: %v", err)
	}
	reg, err := NewRegistry(backend)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	if err := reg.Register(Definition{Role: "backend", ShardCount: 3}); !errors.Is(err, ErrDuplicateRole) {
		t.Fatalf("expected ErrDuplicateRole, got %v", err)
	}
	if err := reg.Register(Definition{Role: "audio", ShardCount: 0}); !errors.Is(err, ErrInvalidDefinition) {
		t.Fatalf("expected ErrInvalidDefinition, got %v", err)
	}
	if err := reg.Register(Definition{Role: "audio", ShardCount: 4}); err != nil {
		t.Fatalf("register audio: %v", err)
	}
	if _, err := reg.Lookup("missing"); !errors.Is(err, ErrUnknownRole) {
		t.Fatalf("expected ErrUnknownRole, got %v", err)
	}

	defs := reg.Definitions()
	if len(defs) != 2 || defs[0].Role != "audio" || defs[1].Role != "backend" {
		t.Fatalf("unexpected definitions %v", defs)
	}
	if _, err := NewDefinition("  ", 3); !errors.Is(err, ErrInvalidDefinition) {
		t.Fatalf("expected ErrInvalidDefinition for blank role, got %v", err)
	}
}
