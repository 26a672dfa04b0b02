// Package tracing provides OpenTelemetry spans for lock and shard operations.
package tracing

import (
	"context"
	"fmt"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SpanOperation represents a traced operation type.
type SpanOperation string

// Span operation constants
const (
	// SpanOperationLockAcquire covers a blocking lock acquisition including retries
	SpanOperationLockAcquire SpanOperation = "lock.acquire"
	// SpanOperationLockRelease covers releasing a held lease
	SpanOperationLockRelease SpanOperation = "lock.release"
	// SpanOperationLockQuery covers a single record lookup
	SpanOperationLockQuery SpanOperation = "lock.query"

	// SpanOperationShardRun covers one execution of a per-shard task
	SpanOperationShardRun SpanOperation = "shard.run"
	// SpanOperationShardRebalance covers applying one membership update
	SpanOperationShardRebalance SpanOperation = "shard.rebalance"
)

// StartLockSpan creates a new span for a lock operation.
func StartLockSpan(ctx context.Context, operation SpanOperation, opts ...LockSpanOption) (context.Context, trace.Span) {
	tracer := otel.Tracer("lock")

	spanOpts := &lockSpanOptions{
		attributes: []attribute.KeyValue{
			attribute.String("lock.operation", string(operation)),
		},
	}
	for _, opt := range opts {
		opt(spanOpts)
	}

	spanName := fmt.Sprintf("LOCK %s", operation)
	if spanOpts.key != "" {
		spanName = fmt.Sprintf("LOCK %s %s", operation, spanOpts.key)
	}

	ctx, span := tracer.Start(ctx, spanName, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(spanOpts.attributes...)
	return ctx, span
}

// LockSpanOption configures a lock span.
type LockSpanOption func(*lockSpanOptions)

type lockSpanOptions struct {
	key        string
	attributes []attribute.KeyValue
}

// WithLockKey sets the lock key.
func WithLockKey(key string) LockSpanOption {
	return func(opts *lockSpanOptions) {
		opts.key = key
		opts.attributes = append(opts.attributes, attribute.String("lock.key", key))
	}
}

// WithLockHolder sets the holder id of the lease.
func WithLockHolder(holderID string) LockSpanOption {
	return func(opts *lockSpanOptions) {
		opts.attributes = append(opts.attributes, attribute.String("lock.holder_id", holderID))
	}
}

// WithLockBackend sets the backend type (e.g., "redis", "postgres").
func WithLockBackend(backend string) LockSpanOption {
	return func(opts *lockSpanOptions) {
		opts.attributes = append(opts.attributes, attribute.String("lock.backend", backend))
	}
}

// StartShardSpan creates a new span for a shard operation of role.
// Pass a negative shard for operations that span the whole role.
func StartShardSpan(ctx context.Context, operation SpanOperation, role string, shard int, opts ...ShardSpanOption) (context.Context, trace.Span) {
	tracer := otel.Tracer("shard")

	spanOpts := &shardSpanOptions{
		attributes: []attribute.KeyValue{
			attribute.String("shard.operation", string(operation)),
			attribute.String("shard.role", role),
		},
	}
	spanName := fmt.Sprintf("SHARD %s %s", operation, role)
	if shard >= 0 {
		spanOpts.attributes = append(spanOpts.attributes, attribute.Int("shard.index", shard))
		spanName = fmt.Sprintf("SHARD %s %s/%s", operation, role, strconv.Itoa(shard))
	}
	for _, opt := range opts {
		opt(spanOpts)
	}

	ctx, span := tracer.Start(ctx, spanName, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(spanOpts.attributes...)
	return ctx, span
}

// ShardSpanOption configures a shard span.
type ShardSpanOption func(*shardSpanOptions)

type shardSpanOptions struct {
	attributes []attribute.KeyValue
}

// WithShardNode sets the node id running the shard.
func WithShardNode(nodeID string) ShardSpanOption {
	return func(opts *shardSpanOptions) {
		opts.attributes = append(opts.attributes, attribute.String("shard.node_id", nodeID))
	}
}

// WithShardAttempt sets the consecutive failure count before this run.
func WithShardAttempt(attempt int) ShardSpanOption {
	return func(opts *shardSpanOptions) {
		opts.attributes = append(opts.attributes, attribute.Int("shard.attempt", attempt))
	}
}

// WithShardChanges records how many shards were added and removed by a rebalance.
func WithShardChanges(added, removed int) ShardSpanOption {
	return func(opts *shardSpanOptions) {
		opts.attributes = append(opts.attributes,
			attribute.Int("shard.added", added),
			attribute.Int("shard.removed", removed),
		)
	}
}

// RecordError records an error in the span and sets the span status to error.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// RecordSuccess sets the span status to OK.
func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}
