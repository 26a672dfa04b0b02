package tracing

import (
	"context"
	"testing"
	"time"
)

func TestNewTracerProvider_Disabled(t *testing.T) {
	ctx := context.Background()

	provider, err := NewTracerProvider(ctx, TracerConfig{ServiceName: "shardmesh", Enabled: false})
	if err != nil {
		t.Fatalf("expected no error for disabled tracing, got: %v", err)
	}
	if provider == nil {
		t.Fatal("expected provider to be non-nil")
	}
	if provider.Enabled() {
		t.Fatal("expected provider to report disabled")
	}

	_, span := provider.Tracer("test").Start(ctx, "test-span")
	if span == nil {
		t.Fatal("expected span to be non-nil")
	}
	span.End()
}

func TestNewTracerProvider_ValidationErrors(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name        string
		config      TracerConfig
		expectedErr string
	}{
		{
			name:        "missing service name",
			config:      TracerConfig{Enabled: true, Endpoint: "localhost:4317"},
			expectedErr: "service name is required",
		},
		{
			name:        "missing endpoint",
			config:      TracerConfig{ServiceName: "shardmesh", Enabled: true},
			expectedErr: "OTLP endpoint is required",
		},
		{
			name:        "negative sample rate",
			config:      TracerConfig{ServiceName: "shardmesh", Endpoint: "localhost:4317", SampleRate: -0.1, Enabled: true},
			expectedErr: "sample rate must be between 0 and 1",
		},
		{
			name:        "sample rate too high",
			config:      TracerConfig{ServiceName: "shardmesh", Endpoint: "localhost:4317", SampleRate: 1.5, Enabled: true},
			expectedErr: "sample rate must be between 0 and 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTracerProvider(ctx, tt.config)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if err.Error() != tt.expectedErr {
				t.Errorf("expected error %q, got %q", tt.expectedErr, err.Error())
			}
		})
	}
}

func TestTracerProvider_ShutdownAndFlush(t *testing.T) {
	ctx := context.Background()

	provider, err := NewTracerProvider(ctx, TracerConfig{ServiceName: "shardmesh"})
	if err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}

	flushCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := provider.ForceFlush(flushCtx); err != nil {
		t.Errorf("expected no error on force flush, got: %v", err)
	}
	if err := provider.Shutdown(flushCtx); err != nil {
		t.Errorf("expected no error on shutdown, got: %v", err)
	}
}

func TestResourceAttributes_NodeID(t *testing.T) {
	attrs := resourceAttributes(TracerConfig{ServiceName: "shardmesh", NodeID: "node-a"})
	found := false
	for _, attr := range attrs {
		if string(attr.Key) == "service.instance.id" {
			found = true
			if attr.Value.AsString() != "node-a" {
				t.Fatalf("expected node-a, got %s", attr.Value.AsString())
			}
		}
	}
	if !found {
		t.Fatal("expected service.instance.id attribute")
	}

	if len(resourceAttributes(TracerConfig{ServiceName: "shardmesh"})) != 3 {
		t.Fatal("expected no instance id without a node id")
	}
}
