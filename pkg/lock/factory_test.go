package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nimburion/shardmesh/pkg/config"
	"github.com/nimburion/shardmesh/pkg/health"
	"github.com/nimburion/shardmesh/pkg/observability/logger"
)

func TestNewBackend_Memory(t *testing.T) {
	cfg := config.DefaultConfig().Lock
	cfg.ExpirationPeriod = 30 * time.Second

	backend, err := NewBackend(cfg, logger.NewNop())
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	defer func() { _ = backend.Close() }()

	if _, ok := backend.(*MemoryBackend); !ok {
		t.Fatalf("expected memory backend, got %T", backend)
	}
	if got := backend.DefaultOptions().ExpirationPeriod; got != 30*time.Second {
		t.Fatalf("expected configured expiration period, got %s", got)
	}
}

func TestNewBackend_Errors(t *testing.T) {
	tests := []struct {
		name    string
		backend string
		want    error
	}{
		{name: "unknown backend", backend: "etcd", want: ErrValidation},
		{name: "redis without url", backend: config.LockBackendRedis, want: ErrInvalidArgument},
		{name: "postgres without url", backend: config.LockBackendPostgres, want: ErrInvalidArgument},
		{name: "mysql without dsn", backend: config.LockBackendMySQL, want: ErrInvalidArgument},
		{name: "dynamodb without region", backend: config.LockBackendDynamoDB, want: ErrInvalidArgument},
		{name: "mongodb without url", backend: config.LockBackendMongoDB, want: ErrInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig().Lock
			cfg.Backend = tt.backend

			backend, err := NewBackend(cfg, logger.NewNop())
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if backend != nil {
				t.Fatalf("expected nil backend on error, got %T", backend)
			}
		})
	}
}

func TestNewBackend_RequiresLogger(t *testing.T) {
	if _, err := NewBackend(config.DefaultConfig().Lock, nil); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestLockerConfigFromConfig(t *testing.T) {
	cfg := config.DefaultConfig().Lock
	cfg.HolderPrefix = "node-7"
	cfg.AcquireTimeout = time.Minute

	got := LockerConfigFromConfig(cfg)
	if got.HolderPrefix != "node-7" || got.ReleaseTimeout != cfg.ReleaseTimeout {
		t.Fatalf("unexpected locker config %+v", got)
	}
	if got.Defaults.AcquireTimeout != time.Minute || got.Defaults.CheckPeriod != cfg.CheckPeriod {
		t.Fatalf("unexpected default options %+v", got.Defaults)
	}
}

func TestNewBackendHealthChecker(t *testing.T) {
	backend := NewMemoryBackend()
	checker := NewBackendHealthChecker("", backend, 0)
	if checker.Name() != "lock-backend" {
		t.Fatalf("expected default checker name, got %q", checker.Name())
	}
	if result := checker.Check(context.Background()); result.Status != health.StatusHealthy {
		t.Fatalf("expected healthy backend, got %+v", result)
	}

	_ = backend.Close()
	if result := checker.Check(context.Background()); result.Status != health.StatusUnhealthy {
		t.Fatalf("expected unhealthy closed backend, got %+v", result)
	}
}
