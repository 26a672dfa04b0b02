package server

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/nimburion/shardmesh/pkg/observability/logger"
	"github.com/nimburion/shardmesh/pkg/testutil"
)

func TestServer_StartAndShutdown(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ping", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	srv := NewServer(Config{Port: 0, ReadTimeout: time.Second, WriteTimeout: time.Second}, mux, logger.NewNop())

	if srv.Addr() != "" {
		t.Fatal("expected empty address before start")
	}
	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown before start should be a no-op, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errChan := make(chan error, 1)
	go func() { errChan <- srv.Start(ctx) }()

	testutil.Eventually(t, 2*time.Second, 10*time.Millisecond, func() bool {
		return srv.Addr() != ""
	}, "server should bind a port")

	resp, err := http.Get("http://" + srv.Addr() + "/ping")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-errChan:
		if err != nil {
			t.Fatalf("shutdown failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server shutdown timed out")
	}
}

func TestServer_StartFailsOnBusyPort(t *testing.T) {
	first := NewServer(Config{Port: 0}, http.NewServeMux(), logger.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = first.Start(ctx) }()
	testutil.Eventually(t, 2*time.Second, 10*time.Millisecond, func() bool {
		return first.Addr() != ""
	}, "first server should bind a port")

	_, portText, err := net.SplitHostPort(first.Addr())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, err := strconv.Atoi(portText)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	second := NewServer(Config{Port: port}, http.NewServeMux(), logger.NewNop())
	if err := second.Start(ctx); err == nil {
		t.Fatal("expected error binding a busy port")
	}
}

func TestNewServer_Defaults(t *testing.T) {
	srv := NewServer(Config{}, http.NewServeMux(), logger.NewNop())
	if srv.config.IdleTimeout != defaultIdleTimeout || srv.config.ShutdownTimeout != defaultShutdownTimeout {
		t.Fatalf("unexpected defaults %+v", srv.config)
	}
}
