package mesh

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/nimburion/shardmesh/pkg/sharding"
)

func testRegistry(t *testing.T) *sharding.Registry {
	t.Helper()
	registry, err := sharding.NewRegistry(
		sharding.Definition{Role: "orders", ShardCount: 10},
		sharding.Definition{Role: "billing", ShardCount: 3},
	)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	return registry
}

func receive(t *testing.T, updates <-chan Update) Update {
	t.Helper()
	select {
	case u, ok := <-updates:
		if !ok {
			t.Fatal("subscription closed unexpectedly")
		}
		return u
	case <-time.After(time.Second):
		t.Fatal("no update received")
	}
	return Update{}
}

func expectClosed(t *testing.T, updates <-chan Update) {
	t.Helper()
	select {
	case u, ok := <-updates:
		if ok {
			t.Fatalf("expected closed subscription, got %+v", u)
		}
	case <-time.After(time.Second):
		t.Fatal("subscription not closed")
	}
}

func TestNewSnapshot_NormalizesNodes(t *testing.T) {
	snapshot := NewSnapshot(3, []sharding.NodeID{"c", " a ", "b", "a", ""}, testRegistry(t))

	if want := []sharding.NodeID{"a", "b", "c"}; !reflect.DeepEqual(snapshot.Nodes, want) {
		t.Fatalf("expected nodes %v, got %v", want, snapshot.Nodes)
	}
	if !snapshot.HasNode("b") || snapshot.HasNode("d") {
		t.Fatal("unexpected node membership")
	}

	orders, ok := snapshot.Sharding("orders")
	if !ok || !orders.IsValid() {
		t.Fatalf("expected valid orders map, got %v", orders)
	}
	if got := orders.ShardsOf("a"); !reflect.DeepEqual(got, []int{0, 1, 2, 3}) {
		t.Fatalf("unexpected shards for a: %v", got)
	}
	if _, ok := snapshot.Sharding("unknown"); ok {
		t.Fatal("unexpected map for unknown role")
	}
}

func TestNewSnapshot_EmptyNodesGivesInvalidMaps(t *testing.T) {
	snapshot := NewSnapshot(0, nil, testRegistry(t))
	orders, ok := snapshot.Sharding("orders")
	if !ok {
		t.Fatal("expected a map per registered role")
	}
	if orders.IsValid() {
		t.Fatal("map over no nodes must be invalid")
	}
}

func TestStaticSource_SubscribeStartsWithCurrent(t *testing.T) {
	source := NewStaticSource(testRegistry(t), "a", "b")
	defer func() { _ = source.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := receive(t, source.Subscribe(ctx))
	if first.Err != nil || first.Snapshot.Version != 1 {
		t.Fatalf("unexpected first update %+v", first)
	}
	if !reflect.DeepEqual(first.Snapshot.Nodes, []sharding.NodeID{"a", "b"}) {
		t.Fatalf("unexpected nodes %v", first.Snapshot.Nodes)
	}
}

func TestStaticSource_SetNodes(t *testing.T) {
	source := NewStaticSource(testRegistry(t), "a")
	defer func() { _ = source.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates := source.Subscribe(ctx)
	receive(t, updates)

	same := source.SetNodes("a")
	if same.Version != 1 {
		t.Fatalf("unchanged node set must keep version 1, got %d", same.Version)
	}

	next := source.SetNodes("b", "a")
	if next.Version != 2 {
		t.Fatalf("expected version 2, got %d", next.Version)
	}
	got := receive(t, updates)
	if got.Snapshot.Version != 2 || !reflect.DeepEqual(got.Snapshot.Nodes, []sharding.NodeID{"a", "b"}) {
		t.Fatalf("unexpected update %+v", got)
	}
	if source.Current().Version != 2 {
		t.Fatalf("expected current version 2, got %d", source.Current().Version)
	}
}

func TestStaticSource_SlowSubscriberSeesLatestSnapshot(t *testing.T) {
	source := NewStaticSource(testRegistry(t), "a")
	defer func() { _ = source.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates := source.Subscribe(ctx)
	receive(t, updates)

	source.SetNodes("a", "b")
	time.Sleep(20 * time.Millisecond)
	source.SetNodes("a", "b", "c")
	source.SetNodes("a", "b", "c", "d")

	last := Update{}
	deadline := time.After(time.Second)
	for last.Snapshot.Version != 4 {
		select {
		case u := <-updates:
			if u.Snapshot.Version <= last.Snapshot.Version {
				t.Fatalf("versions must increase, got %d after %d", u.Snapshot.Version, last.Snapshot.Version)
			}
			last = u
		case <-deadline:
			t.Fatalf("latest snapshot never delivered, last version %d", last.Snapshot.Version)
		}
	}
	if len(last.Snapshot.Nodes) != 4 {
		t.Fatalf("unexpected nodes %v", last.Snapshot.Nodes)
	}
}

func TestStaticSource_PublishErrorIsNotTerminal(t *testing.T) {
	source := NewStaticSource(testRegistry(t), "a")
	defer func() { _ = source.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates := source.Subscribe(ctx)
	receive(t, updates)

	boom := errors.New("watch failed")
	source.Publish(boom)
	got := receive(t, updates)
	if !errors.Is(got.Err, boom) || got.Terminal() {
		t.Fatalf("expected non-terminal error update, got %+v", got)
	}
	if got.Snapshot.Version != 1 {
		t.Fatalf("error update must carry the last good snapshot, got version %d", got.Snapshot.Version)
	}

	source.SetNodes("a", "b")
	if got := receive(t, updates); got.Err != nil || got.Snapshot.Version != 2 {
		t.Fatalf("expected stream to continue after error, got %+v", got)
	}
}

func TestStaticSource_CloseDisposesSubscriptions(t *testing.T) {
	source := NewStaticSource(testRegistry(t), "a")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates := source.Subscribe(ctx)
	receive(t, updates)

	if err := source.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	got := receive(t, updates)
	if !errors.Is(got.Err, ErrDisposed) || !got.Terminal() {
		t.Fatalf("expected ErrDisposed, got %+v", got)
	}
	expectClosed(t, updates)

	if err := source.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	late := source.Subscribe(ctx)
	if got := receive(t, late); !errors.Is(got.Err, ErrDisposed) {
		t.Fatalf("subscription after close must be disposed, got %+v", got)
	}
	expectClosed(t, late)
}

func TestStaticSource_ContextEndsSubscription(t *testing.T) {
	source := NewStaticSource(testRegistry(t), "a")
	defer func() { _ = source.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	updates := source.Subscribe(ctx)
	receive(t, updates)
	cancel()
	expectClosed(t, updates)

	source.hub.mu.Lock()
	defer source.hub.mu.Unlock()
	if len(source.hub.subs) != 0 {
		t.Fatalf("expected subscriber to be removed, %d left", len(source.hub.subs))
	}
}

func TestSubscriber_BoundsPendingErrors(t *testing.T) {
	sub := &subscriber{wake: make(chan struct{}, 1)}
	for i := 0; i < maxPendingErrors+5; i++ {
		sub.push(Update{Err: errors.New("transient")})
	}
	sub.push(Update{Err: ErrDisposed})

	if got := countErrors(sub.pending); got != maxPendingErrors+1 {
		t.Fatalf("expected %d queued errors, got %d", maxPendingErrors+1, got)
	}
	if !sub.pending[len(sub.pending)-1].Terminal() {
		t.Fatal("terminal update must stay last")
	}
}
