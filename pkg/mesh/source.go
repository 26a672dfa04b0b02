package mesh

import (
	"context"
	"slices"
	"sync"

	"github.com/nimburion/shardmesh/pkg/sharding"
)

// maxPendingErrors bounds the error updates queued for a slow subscriber; older ones are dropped.
const maxPendingErrors = 16

// Source is the membership collaborator consumed by shard workers.
type Source interface {
	// Current returns the latest snapshot.
	Current() Snapshot
	// Subscribe delivers the current snapshot first, then every later change. Snapshots a slow
	// reader has not received yet are coalesced into the newest one. The channel is closed after
	// the terminal ErrDisposed update or when ctx ends.
	Subscribe(ctx context.Context) <-chan Update
	// Close disposes the source and ends every subscription.
	Close() error
}

// hub holds the current snapshot and fans updates out to subscribers.
type hub struct {
	registry *sharding.Registry

	mu      sync.Mutex
	current Snapshot
	subs    map[*subscriber]struct{}
	closed  bool
}

func newHub(registry *sharding.Registry, initial []sharding.NodeID, version uint64) *hub {
	return &hub{
		registry: registry,
		current:  NewSnapshot(version, initial, registry),
		subs:     make(map[*subscriber]struct{}),
	}
}

func (h *hub) snapshot() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

// setNodes publishes a new snapshot when nodes differ from the current set.
func (h *hub) setNodes(nodes []sharding.NodeID) (Snapshot, bool) {
	normalized := normalizeNodes(nodes)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return h.current, false
	}
	if h.current.Version > 0 && slices.Equal(h.current.Nodes, normalized) {
		return h.current, false
	}
	h.current = NewSnapshot(h.current.Version+1, normalized, h.registry)
	for sub := range h.subs {
		sub.push(Update{Snapshot: h.current})
	}
	return h.current, true
}

func (h *hub) publishError(err error) {
	if err == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for sub := range h.subs {
		sub.push(Update{Snapshot: h.current, Err: err})
	}
}

func (h *hub) close() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.closed = true
	for sub := range h.subs {
		sub.push(Update{Snapshot: h.current, Err: ErrDisposed})
	}
	return true
}

func (h *hub) subscribe(ctx context.Context) <-chan Update {
	out := make(chan Update)
	sub := &subscriber{wake: make(chan struct{}, 1)}

	h.mu.Lock()
	if h.closed {
		sub.push(Update{Snapshot: h.current, Err: ErrDisposed})
	} else {
		sub.push(Update{Snapshot: h.current})
		h.subs[sub] = struct{}{}
	}
	h.mu.Unlock()

	go func() {
		defer close(out)
		defer h.unsubscribe(sub)
		sub.forward(ctx, out)
	}()
	return out
}

func (h *hub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, sub)
}

type subscriber struct {
	mu      sync.Mutex
	pending []Update
	wake    chan struct{}
}

// push queues u. A new snapshot replaces any snapshot not yet delivered; errors are kept in order.
func (s *subscriber) push(u Update) {
	s.mu.Lock()
	if u.Err == nil {
		s.pending = slices.DeleteFunc(s.pending, func(p Update) bool { return p.Err == nil })
	} else if !u.Terminal() && countErrors(s.pending) >= maxPendingErrors {
		idx := slices.IndexFunc(s.pending, func(p Update) bool { return p.Err != nil && !p.Terminal() })
		s.pending = slices.Delete(s.pending, idx, idx+1)
	}
	s.pending = append(s.pending, u)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) next() (Update, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return Update{}, false
	}
	u := s.pending[0]
	s.pending = s.pending[1:]
	return u, true
}

func (s *subscriber) forward(ctx context.Context, out chan<- Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		}
		for {
			u, ok := s.next()
			if !ok {
				break
			}
			select {
			case out <- u:
			case <-ctx.Done():
				return
			}
			if u.Terminal() {
				return
			}
		}
	}
}

func countErrors(updates []Update) int {
	n := 0
	for _, u := range updates {
		if u.Err != nil {
			n++
		}
	}
	return n
}
