package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func newBufferLogger(t *testing.T, level LogLevel) (*ZapLogger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	log, err := NewZapLogger(Config{Level: level, Format: JSONFormat, Output: &buf})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log, &buf
}

func decodeEntries(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var entries []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("invalid JSON log line %q: %v", line, err)
		}
		entries = append(entries, entry)
	}
	return entries
}

func TestNewZapLogger(t *testing.T) {
	tests := []struct {
		name   string
		config Config
	}{
		{name: "json format with debug level", config: Config{Level: DebugLevel, Format: JSONFormat}},
		{name: "text format with info level", config: Config{Level: InfoLevel, Format: TextFormat}},
		{name: "default to info level for invalid level", config: Config{Level: "invalid", Format: JSONFormat}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log, err := NewZapLogger(tt.config)
			if err != nil {
				t.Fatalf("NewZapLogger() error = %v", err)
			}
			if log == nil {
				t.Fatal("NewZapLogger() returned nil logger")
			}
		})
	}
}

func TestZapLogger_LevelFiltering(t *testing.T) {
	log, buf := newBufferLogger(t, WarnLevel)
	log.Debug("debug message")
	log.Info("info message")
	log.Warn("warn message")
	log.Error("error message")
	_ = log.Sync()

	entries := decodeEntries(t, buf)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0]["level"] != "warn" || entries[1]["level"] != "error" {
		t.Fatalf("unexpected levels %v, %v", entries[0]["level"], entries[1]["level"])
	}
}

func TestZapLogger_StructuredFields(t *testing.T) {
	log, buf := newBufferLogger(t, InfoLevel)
	child := log.With("role", "orders")
	child.Info("lease acquired", "key", "orders/3", "shard", 3)
	log.Info("plain")
	_ = log.Sync()

	entries := decodeEntries(t, buf)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	first := entries[0]
	if first["message"] != "lease acquired" || first["role"] != "orders" || first["key"] != "orders/3" {
		t.Fatalf("unexpected entry %v", first)
	}
	if first["shard"] != float64(3) {
		t.Fatalf("expected shard=3, got %v", first["shard"])
	}
	if _, ok := entries[1]["role"]; ok {
		t.Fatal("expected parent logger to be unaffected by With")
	}
	for _, key := range []string{"timestamp", "level", "caller"} {
		if _, ok := first[key]; !ok {
			t.Errorf("expected %s field", key)
		}
	}
}

func TestZapLogger_WithContext(t *testing.T) {
	log, buf := newBufferLogger(t, InfoLevel)

	ctx := ContextWithShard(ContextWithNode(context.Background(), "node-a"), "orders", 4)
	log.WithContext(ctx).Info("with identity")
	log.WithContext(context.Background()).Info("without identity")
	var noCtx context.Context
	log.WithContext(noCtx).Info("nil context")
	_ = log.Sync()

	entries := decodeEntries(t, buf)
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0]["node_id"] != "node-a" || entries[0]["role"] != "orders" || entries[0]["shard"] != float64(4) {
		t.Fatalf("expected node and shard fields, got %v", entries[0])
	}
	if _, ok := entries[1]["node_id"]; ok {
		t.Fatal("expected no node_id without identity in context")
	}
}

func TestNodeFromContext(t *testing.T) {
	if _, ok := NodeFromContext(context.Background()); ok {
		t.Fatal("expected no node in empty context")
	}
	if _, ok := NodeFromContext(ContextWithNode(context.Background(), "")); ok {
		t.Fatal("expected empty node id to be ignored")
	}
	nodeID, ok := NodeFromContext(ContextWithNode(context.Background(), "n1"))
	if !ok || nodeID != "n1" {
		t.Fatalf("expected n1, got %q", nodeID)
	}
}

func TestNewNop(t *testing.T) {
	log := NewNop()
	log.Debug("x")
	log.Info("x", "k", "v")
	log.Warn("x")
	log.Error("x")
	if log.With("k", "v") == nil || log.WithContext(context.Background()) == nil {
		t.Fatal("expected nop logger to return itself")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    LogLevel
		wantErr bool
	}{
		{"debug", DebugLevel, false},
		{"info", InfoLevel, false},
		{"warn", WarnLevel, false},
		{"warning", WarnLevel, false},
		{"error", ErrorLevel, false},
		{"trace", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseLogLevel(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLogLevel() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLogLevel() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseLogFormat(t *testing.T) {
	tests := []struct {
		input   string
		want    LogFormat
		wantErr bool
	}{
		{"json", JSONFormat, false},
		{"text", TextFormat, false},
		{"console", TextFormat, false},
		{"xml", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseLogFormat(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLogFormat() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLogFormat() = %v, want %v", got, tt.want)
			}
		})
	}
}

func BenchmarkZapLogger_WithContext(b *testing.B) {
	log, err := NewZapLogger(Config{Level: InfoLevel, Format: JSONFormat, Output: &bytes.Buffer{}})
	if err != nil {
		b.Fatal(err)
	}
	ctx := ContextWithShard(ContextWithNode(context.Background(), "node-a"), "orders", 1)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		log.WithContext(ctx).Info("tick")
	}
}
