package logger

import (
	"context"
)

// Logger defines the interface for structured logging.
// All log methods accept a message string followed by key-value pairs for structured fields.
type Logger interface {
	// Debug logs a debug-level message with optional key-value pairs
	Debug(msg string, args ...any)

	// Info logs an info-level message with optional key-value pairs
	Info(msg string, args ...any)

	// Warn logs a warning-level message with optional key-value pairs
	Warn(msg string, args ...any)

	// Error logs an error-level message with optional key-value pairs
	Error(msg string, args ...any)

	// With creates a child logger with additional key-value pairs that will be
	// included in all subsequent log entries
	With(args ...any) Logger

	// WithContext creates a child logger carrying the node and shard identity stored in ctx
	WithContext(ctx context.Context) Logger
}

type contextKey int

const (
	nodeKey contextKey = iota
	shardKey
)

type shardIdentity struct {
	role  string
	index int
}

// ContextWithNode stores the mesh node id in ctx for WithContext.
func ContextWithNode(ctx context.Context, nodeID string) context.Context {
	return context.WithValue(ctx, nodeKey, nodeID)
}

// ContextWithShard stores the role and shard index in ctx for WithContext.
func ContextWithShard(ctx context.Context, role string, index int) context.Context {
	return context.WithValue(ctx, shardKey, shardIdentity{role: role, index: index})
}

// NodeFromContext returns the node id stored by ContextWithNode.
func NodeFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	nodeID, ok := ctx.Value(nodeKey).(string)
	return nodeID, ok && nodeID != ""
}

func contextFields(ctx context.Context) []any {
	if ctx == nil {
		return nil
	}
	var fields []any
	if nodeID, ok := NodeFromContext(ctx); ok {
		fields = append(fields, "node_id", nodeID)
	}
	if shard, ok := ctx.Value(shardKey).(shardIdentity); ok {
		fields = append(fields, "role", shard.role, "shard", shard.index)
	}
	return fields
}

type nopLogger struct{}

// NewNop returns a Logger that discards everything.
func NewNop() Logger { return nopLogger{} }

func (nopLogger) Debug(string, ...any)                 {}
func (nopLogger) Info(string, ...any)                  {}
func (nopLogger) Warn(string, ...any)                  {}
func (nopLogger) Error(string, ...any)                 {}
func (n nopLogger) With(...any) Logger                 { return n }
func (n nopLogger) WithContext(context.Context) Logger { return n }
