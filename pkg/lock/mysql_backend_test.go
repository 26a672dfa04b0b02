package lock

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/nimburion/shardmesh/pkg/observability/logger"
)

func newMockMySQLBackend(t *testing.T) (*MySQLBackend, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	backend, err := newMySQLBackendWithDB(db, MySQLBackendConfig{OperationTimeout: time.Second}, logger.NewNop())
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	return backend, mock
}

func TestMySQLBackend_TryAcquire(t *testing.T) {
	backend, mock := newMockMySQLBackend(t)
	expiresAt := time.Date(2026, 5, 1, 10, 0, 15, 0, time.UTC)

	mock.ExpectExec("INSERT INTO shardmesh_locks \\(lock_key, value, expires_at\\)").
		WithArgs("k", "node-1-1 ", int64(15000000)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT value, expires_at FROM shardmesh_locks WHERE lock_key = \\?").
		WithArgs("k").
		WillReturnRows(sqlmock.NewRows([]string{"value", "expires_at"}).AddRow("node-1-1 ", expiresAt))

	acquired, expiry, err := backend.TryAcquire(context.Background(), "k", "node-1-1 ", 15*time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !acquired || !expiry.IsZero() {
		t.Fatalf("expected acquired, got %v %v", acquired, expiry)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestMySQLBackend_TryAcquireHeld(t *testing.T) {
	backend, mock := newMockMySQLBackend(t)
	expiresAt := time.Date(2026, 5, 1, 10, 0, 15, 0, time.UTC)

	mock.ExpectExec("INSERT INTO shardmesh_locks").
		WithArgs("k", "node-2-1 ", int64(1000000)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT value, expires_at FROM shardmesh_locks").
		WithArgs("k").
		WillReturnRows(sqlmock.NewRows([]string{"value", "expires_at"}).AddRow("node-1-1 ", expiresAt))

	acquired, expiry, err := backend.TryAcquire(context.Background(), "k", "node-2-1 ", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if acquired {
		t.Fatal("expected key held by node-1")
	}
	if !expiry.Equal(expiresAt) {
		t.Fatalf("expected holder expiry %v, got %v", expiresAt, expiry)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestMySQLBackend_RenewReleaseQuery(t *testing.T) {
	backend, mock := newMockMySQLBackend(t)

	mock.ExpectExec("UPDATE shardmesh_locks SET expires_at = NOW\\(3\\) \\+ INTERVAL \\? MICROSECOND WHERE lock_key = \\? AND value = \\? AND expires_at > NOW\\(3\\)").
		WithArgs(int64(2000000), "k", "node-1-1 ").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT value, expires_at FROM shardmesh_locks WHERE lock_key = \\? AND expires_at > NOW\\(3\\)").
		WithArgs("k").
		WillReturnRows(sqlmock.NewRows([]string{"value", "expires_at"}).AddRow("node-1-1 ", time.Now().Add(time.Second)))
	mock.ExpectExec("DELETE FROM shardmesh_locks WHERE lock_key = \\? AND value = \\?").
		WithArgs("k", "node-1-1 ").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if renewed, err := backend.TryRenew(context.Background(), "k", "node-1-1 ", 2*time.Second); err != nil || !renewed {
		t.Fatalf("renew: %v %v", renewed, err)
	}
	record, err := backend.TryQuery(context.Background(), "k")
	if err != nil || record == nil || record.HolderID() != "node-1-1" {
		t.Fatalf("query: %+v %v", record, err)
	}
	if released, err := backend.TryRelease(context.Background(), "k", "node-1-1 "); err != nil || !released {
		t.Fatalf("release: %v %v", released, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestMySQLBackend_Validation(t *testing.T) {
	backend, _ := newMockMySQLBackend(t)
	if _, _, err := backend.TryAcquire(context.Background(), " ", "v", time.Second); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for empty key, got %v", err)
	}
	if _, err := backend.TryRenew(context.Background(), "k", "v", 0); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for zero ttl, got %v", err)
	}

	var missing *MySQLBackend
	if err := missing.HealthCheck(context.Background()); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func TestLockDSN(t *testing.T) {
	dsn, err := lockDSN("user:pass@tcp(db:3306)/mesh")
	if err != nil {
		t.Fatalf("lock dsn: %v", err)
	}
	for _, want := range []string{"parseTime=true", "clientFoundRows=true", "time_zone="} {
		if !strings.Contains(dsn, want) {
			t.Fatalf("expected %q in %q", want, dsn)
		}
	}

	if _, err := lockDSN("not a dsn"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}
