package shardworker

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"
)

func TestConfig_NormalizeDefaults(t *testing.T) {
	cfg := Config{Role: " orders ", NodeID: " node-a ", KeyPrefix: "/locks/"}
	cfg.normalize()

	if cfg.Role != "orders" || cfg.NodeID != "node-a" {
		t.Fatalf("expected trimmed identity, got %q %q", cfg.Role, cfg.NodeID)
	}
	if cfg.KeyPrefix != "locks" {
		t.Fatalf("expected trimmed key prefix, got %q", cfg.KeyPrefix)
	}
	if cfg.RepeatDelay.Min != DefaultRepeatDelayMin || cfg.RepeatDelay.Max != DefaultRepeatDelayMax {
		t.Fatalf("unexpected repeat delay %+v", cfg.RepeatDelay)
	}
	if cfg.RetryDelays.Initial != DefaultRetryInitial || cfg.RetryDelays.Max != DefaultRetryMax || cfg.RetryDelays.Multiplier != DefaultRetryMultiplier {
		t.Fatalf("unexpected retry delays %+v", cfg.RetryDelays)
	}
	if err := cfg.validate(); err != nil {
		t.Fatalf("expected normalized config to validate, got %v", err)
	}

	empty := Config{}
	empty.normalize()
	if empty.KeyPrefix != DefaultKeyPrefix {
		t.Fatalf("expected default prefix, got %q", empty.KeyPrefix)
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		cfg := Config{Role: "orders", NodeID: "a"}
		cfg.normalize()
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "missing role", mutate: func(c *Config) { c.Role = "" }},
		{name: "missing node id", mutate: func(c *Config) { c.NodeID = "" }},
		{name: "inverted repeat delay", mutate: func(c *Config) { c.RepeatDelay = RepeatDelay{Min: time.Second, Max: time.Millisecond} }},
		{name: "multiplier below one", mutate: func(c *Config) { c.RetryDelays.Multiplier = 0.5 }},
		{name: "max below initial", mutate: func(c *Config) { c.RetryDelays.Max = time.Millisecond }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			if err := cfg.validate(); !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestConfig_LockKey(t *testing.T) {
	cfg := Config{Role: "orders", NodeID: "a"}
	cfg.normalize()
	if got := cfg.LockKey(3); got != "shardmesh/orders/3" {
		t.Fatalf("unexpected lock key %q", got)
	}
}

func TestRetryDelays_Delay(t *testing.T) {
	delays := RetryDelays{Initial: time.Second, Max: 10 * time.Second, Multiplier: 2}

	tests := []struct {
		failures int
		want     time.Duration
	}{
		{failures: 0, want: time.Second},
		{failures: 1, want: time.Second},
		{failures: 2, want: 2 * time.Second},
		{failures: 3, want: 4 * time.Second},
		{failures: 4, want: 8 * time.Second},
		{failures: 5, want: 10 * time.Second},
		{failures: 500, want: 10 * time.Second},
	}
	for _, tt := range tests {
		if got := delays.Delay(tt.failures); got != tt.want {
			t.Fatalf("Delay(%d): expected %v, got %v", tt.failures, tt.want, got)
		}
	}
}

func TestRepeatDelay_Next(t *testing.T) {
	fixed := RepeatDelay{Min: 10 * time.Millisecond, Max: 10 * time.Millisecond}
	if got := fixed.Next(); got != 10*time.Millisecond {
		t.Fatalf("expected fixed delay, got %v", got)
	}

	jittered := RepeatDelay{Min: 500 * time.Millisecond, Max: time.Second}
	for i := 0; i < 200; i++ {
		got := jittered.Next()
		if got < jittered.Min || got > jittered.Max {
			t.Fatalf("delay %v outside [%v, %v]", got, jittered.Min, jittered.Max)
		}
	}
}

func TestShardState_String(t *testing.T) {
	tests := map[ShardState]string{
		ShardUnused:   "unused",
		ShardStarting: "starting",
		ShardRunning:  "running",
		ShardStopping: "stopping",
		ShardState(9): "state(9)",
	}
	for state, want := range tests {
		if got := state.String(); got != want {
			t.Fatalf("expected %q, got %q", want, got)
		}
	}
}

func TestStatus_JSON(t *testing.T) {
	status := Status{
		Role:     "orders",
		NodeID:   "a",
		Version:  2,
		Owned:    "10",
		States:   []ShardState{ShardRunning, ShardUnused},
		Failures: []int{0, 3},
	}
	data, err := json.Marshal(status)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"role":"orders","node_id":"a","version":2,"owned":"10","states":["running","unused"],"failures":[0,3]}`
	if string(data) != want {
		t.Fatalf("unexpected json\nwant %s\ngot  %s", want, data)
	}

	var decoded Status
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reflect.DeepEqual(decoded, status) {
		t.Fatalf("round trip mismatch\nwant %+v\ngot  %+v", status, decoded)
	}
}

func TestShardState_UnmarshalTextRejectsUnknown(t *testing.T) {
	var state ShardState
	if err := state.UnmarshalText([]byte("stopping")); err != nil || state != ShardStopping {
		t.Fatalf("expected stopping, got %v (%v)", state, err)
	}
	if err := json.Unmarshal([]byte(`"paused"`), &state); err == nil {
		t.Fatal("expected error for unknown state")
	}
}
