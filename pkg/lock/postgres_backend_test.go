package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/nimburion/shardmesh/pkg/observability/logger"
	"github.com/nimburion/shardmesh/pkg/testutil"
)

func newMockPostgresBackend(t *testing.T) (*PostgresBackend, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	backend, err := newPostgresBackendWithDB(db, PostgresBackendConfig{
		Table:            "shardmesh_locks",
		OperationTimeout: time.Second,
	}, logger.NewNop())
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	return backend, mock
}

func TestPostgresBackend_TryAcquire(t *testing.T) {
	backend, mock := newMockPostgresBackend(t)

	mock.ExpectQuery("SELECT EXISTS\\(SELECT 1 FROM upsert\\)").
		WithArgs("shard/orders/0", "node-1-1 ", int64(15000)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	acquired, expiry, err := backend.TryAcquire(context.Background(), "shard/orders/0", "node-1-1 ", 15*time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !acquired || !expiry.IsZero() {
		t.Fatalf("expected acquired with zero expiry, got %v %v", acquired, expiry)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresBackend_TryAcquireHeldReturnsExpiry(t *testing.T) {
	backend, mock := newMockPostgresBackend(t)
	holderExpiry := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT EXISTS\\(SELECT 1 FROM upsert\\)").
		WithArgs("k", "node-2-1 ", int64(1000)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery("SELECT expires_at FROM shardmesh_locks WHERE lock_key=\\$1").
		WithArgs("k").
		WillReturnRows(sqlmock.NewRows([]string{"expires_at"}).AddRow(holderExpiry))

	acquired, expiry, err := backend.TryAcquire(context.Background(), "k", "node-2-1 ", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if acquired {
		t.Fatal("expected key to be reported as held")
	}
	if !expiry.Equal(holderExpiry) {
		t.Fatalf("expected holder expiry %v, got %v", holderExpiry, expiry)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresBackend_RenewAndRelease(t *testing.T) {
	backend, mock := newMockPostgresBackend(t)

	mock.ExpectExec("UPDATE shardmesh_locks SET expires_at=NOW\\(\\) \\+ \\(\\$3 \\* INTERVAL '1 millisecond'\\), updated_at=NOW\\(\\) WHERE lock_key=\\$1 AND value=\\$2 AND expires_at > NOW\\(\\)").
		WithArgs("k", "node-1-1 ", int64(2000)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	renewed, err := backend.TryRenew(context.Background(), "k", "node-1-1 ", 2*time.Second)
	if err != nil || !renewed {
		t.Fatalf("renew: %v %v", renewed, err)
	}

	mock.ExpectExec("DELETE FROM shardmesh_locks WHERE lock_key=\\$1 AND value=\\$2").
		WithArgs("k", "node-1-1 ").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("SELECT pg_notify\\(\\$1, \\$2\\)").
		WithArgs("shardmesh_locks_changed", "k").
		WillReturnResult(sqlmock.NewResult(0, 0))
	released, err := backend.TryRelease(context.Background(), "k", "node-1-1 ")
	if err != nil || !released {
		t.Fatalf("release: %v %v", released, err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresBackend_RenewAndReleaseRejectedForOtherHolder(t *testing.T) {
	backend, mock := newMockPostgresBackend(t)

	mock.ExpectExec("UPDATE shardmesh_locks SET").
		WithArgs("k", "stale-1 ", int64(1000)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM shardmesh_locks").
		WithArgs("k", "stale-1 ").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if renewed, err := backend.TryRenew(context.Background(), "k", "stale-1 ", time.Second); err != nil || renewed {
		t.Fatalf("expected rejected renew, got %v %v", renewed, err)
	}
	if released, err := backend.TryRelease(context.Background(), "k", "stale-1 "); err != nil || released {
		t.Fatalf("expected rejected release, got %v %v", released, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresBackend_TryQuery(t *testing.T) {
	backend, mock := newMockPostgresBackend(t)
	expiresAt := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT value, expires_at FROM shardmesh_locks WHERE lock_key=\\$1 AND expires_at > NOW\\(\\)").
		WithArgs("k").
		WillReturnRows(sqlmock.NewRows([]string{"value", "expires_at"}).AddRow("node-1-3 10.0.0.1", expiresAt))
	mock.ExpectQuery("SELECT value, expires_at FROM shardmesh_locks").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"value", "expires_at"}))

	record, err := backend.TryQuery(context.Background(), "k")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if record == nil || record.HolderID() != "node-1-3" || record.Payload() != "10.0.0.1" || !record.ExpiresAt.Equal(expiresAt) {
		t.Fatalf("unexpected record %+v", record)
	}

	record, err = backend.TryQuery(context.Background(), "missing")
	if err != nil || record != nil {
		t.Fatalf("expected no record, got %+v (%v)", record, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresBackend_DriverErrorsAreRetryable(t *testing.T) {
	backend, mock := newMockPostgresBackend(t)

	mock.ExpectQuery("SELECT EXISTS").
		WillReturnError(errors.New("connection refused"))

	_, _, err := backend.TryAcquire(context.Background(), "k", "v ", time.Second)
	if !errors.Is(err, ErrRetryable) {
		t.Fatalf("expected ErrRetryable, got %v", err)
	}
}

func TestPostgresBackend_RejectsInvalidTableName(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	_, err = newPostgresBackendWithDB(db, PostgresBackendConfig{Table: "locks; DROP TABLE x"}, logger.NewNop())
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestPostgresBackend_WhenChangedWithoutListenerWaitsForContext(t *testing.T) {
	backend, _ := newMockPostgresBackend(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := backend.WhenChanged(ctx, "k"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestPostgresBackend_Integration(t *testing.T) {
	url := testutil.StartPostgres(t)

	backend, err := NewPostgresBackend(PostgresBackendConfig{URL: url, Listen: true}, logger.NewNop())
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	defer func() { _ = backend.Close() }()

	runBackendContract(t, backend)
}
