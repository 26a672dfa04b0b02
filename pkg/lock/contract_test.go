package lock

import (
	"context"
	"testing"
	"time"
)

func TestMemoryBackend_Contract(t *testing.T) {
	backend := NewMemoryBackend()
	defer func() { _ = backend.Close() }()
	runBackendContract(t, backend)
}

// runBackendContract checks the compare-and-set behaviour every Backend must provide. Backends
// that signal releases are also checked for a wake-up.
func runBackendContract(t *testing.T, backend Backend) {
	t.Helper()
	ctx := context.Background()
	const key = "contract/orders/1"
	holder := FormatValue("node-a-1", "10.0.0.1")
	other := FormatValue("node-b-1", "10.0.0.2")

	if err := backend.HealthCheck(ctx); err != nil {
		t.Fatalf("health check: %v", err)
	}

	acquired, _, err := backend.TryAcquire(ctx, key, holder, 5*time.Second)
	if err != nil || !acquired {
		t.Fatalf("acquire: %v %v", acquired, err)
	}

	acquired, expiry, err := backend.TryAcquire(ctx, key, other, 5*time.Second)
	if err != nil {
		t.Fatalf("competing acquire: %v", err)
	}
	if acquired {
		t.Fatal("competing acquire must fail while the key is held")
	}
	if !expiry.IsZero() && !expiry.After(time.Now().Add(-time.Second)) {
		t.Fatalf("unexpected holder expiry %v", expiry)
	}

	if renewed, err := backend.TryRenew(ctx, key, other, 5*time.Second); err != nil || renewed {
		t.Fatalf("renew by non-holder: %v %v", renewed, err)
	}
	if renewed, err := backend.TryRenew(ctx, key, holder, 5*time.Second); err != nil || !renewed {
		t.Fatalf("renew by holder: %v %v", renewed, err)
	}

	record, err := backend.TryQuery(ctx, key)
	if err != nil || record == nil {
		t.Fatalf("query: %+v %v", record, err)
	}
	if record.Value != holder || record.HolderID() != "node-a-1" {
		t.Fatalf("unexpected record %+v", record)
	}

	woke := make(chan error, 1)
	go func() {
		waitCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		woke <- backend.WhenChanged(waitCtx, key)
	}()
	time.Sleep(200 * time.Millisecond)

	if released, err := backend.TryRelease(ctx, key, other); err != nil || released {
		t.Fatalf("release by non-holder: %v %v", released, err)
	}
	if released, err := backend.TryRelease(ctx, key, holder); err != nil || !released {
		t.Fatalf("release by holder: %v %v", released, err)
	}
	if record, err := backend.TryQuery(ctx, key); err != nil || record != nil {
		t.Fatalf("expected no record after release, got %+v (%v)", record, err)
	}

	select {
	case err := <-woke:
		if err != nil {
			t.Fatalf("expected release to wake the waiter, got %v", err)
		}
	case <-time.After(4 * time.Second):
		t.Fatal("waiter never returned")
	}

	if acquired, _, err := backend.TryAcquire(ctx, key, holder, 300*time.Millisecond); err != nil || !acquired {
		t.Fatalf("short acquire: %v %v", acquired, err)
	}
	time.Sleep(600 * time.Millisecond)
	if record, err := backend.TryQuery(ctx, key); err != nil || record != nil {
		t.Fatalf("expected expired record to be hidden, got %+v (%v)", record, err)
	}
	if acquired, _, err := backend.TryAcquire(ctx, key, other, time.Second); err != nil || !acquired {
		t.Fatalf("acquire after expiry: %v %v", acquired, err)
	}
	if released, err := backend.TryRelease(ctx, key, other); err != nil || !released {
		t.Fatalf("final release: %v %v", released, err)
	}
}
