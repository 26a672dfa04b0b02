package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nimburion/shardmesh/pkg/observability/logger"
	"github.com/nimburion/shardmesh/pkg/testutil"
)

func TestRedisBackend_KeyLayout(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer func() { _ = client.Close() }()

	backend, err := NewRedisBackendWithClient(client, RedisBackendConfig{Prefix: "mesh:lock:"}, logger.NewNop())
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	if got := backend.fullKey("shard/orders/3"); got != "mesh:lock:shard/orders/3" {
		t.Fatalf("unexpected key %q", got)
	}
	if got := backend.channel("shard/orders/3"); got != "mesh:lock:changed:shard/orders/3" {
		t.Fatalf("unexpected channel %q", got)
	}
	if err := backend.Close(); err != nil {
		t.Fatalf("close must leave a borrowed client alone: %v", err)
	}
	if backend.DefaultOptions() != DefaultOptions() {
		t.Fatalf("expected package defaults, got %+v", backend.DefaultOptions())
	}
}

func TestRedisBackend_Validation(t *testing.T) {
	if _, err := NewRedisBackendWithClient(nil, RedisBackendConfig{}, logger.NewNop()); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if _, err := NewRedisBackend(RedisBackendConfig{URL: "://bad"}, logger.NewNop()); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for bad url, got %v", err)
	}

	var missing *RedisBackend
	if err := missing.HealthCheck(context.Background()); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func TestRedisBackend_Integration(t *testing.T) {
	url := testutil.StartRedis(t)

	backend, err := NewRedisBackend(RedisBackendConfig{URL: url}, logger.NewNop())
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	defer func() { _ = backend.Close() }()

	runBackendContract(t, backend)
}

func TestRedisBackend_IntegrationLockerHandOff(t *testing.T) {
	url := testutil.StartRedis(t)

	backend, err := NewRedisBackend(RedisBackendConfig{URL: url}, logger.NewNop())
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	defer func() { _ = backend.Close() }()

	first := newTestLocker(t, backend, "node-a")
	second := newTestLocker(t, backend, "node-b")
	opts := Options{ExpirationPeriod: 2 * time.Second, CheckPeriod: 5 * time.Second}

	lease, err := first.Acquire(context.Background(), "handoff", "", opts)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	acquired := make(chan time.Time, 1)
	go func() {
		next, err := second.Acquire(context.Background(), "handoff", "", opts)
		if err != nil {
			t.Errorf("second acquire: %v", err)
			return
		}
		acquired <- time.Now()
		_ = next.Stop(context.Background())
	}()

	time.Sleep(300 * time.Millisecond)
	released := time.Now()
	stopLease(t, lease)

	select {
	case at := <-acquired:
		if at.Sub(released) > time.Second {
			t.Fatalf("expected release notification to wake the waiter, took %s", at.Sub(released))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("second locker never acquired")
	}
}
