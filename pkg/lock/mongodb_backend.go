package lock

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/nimburion/shardmesh/pkg/observability/logger"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const (
	defaultMongoLockCollection = "shardmesh_locks"
	defaultMongoLockOperation  = 5 * time.Second
)

// MongoBackendConfig configures a MongoDB lock backend.
type MongoBackendConfig struct {
	URL              string
	Database         string
	Collection       string
	ConnectTimeout   time.Duration
	OperationTimeout time.Duration
	// WatchChanges wakes waiters from a change stream. It requires a replica set.
	WatchChanges bool
	Defaults     Options
}

func (c *MongoBackendConfig) normalize() {
	c.Collection = strings.TrimSpace(c.Collection)
	if c.Collection == "" {
		c.Collection = defaultMongoLockCollection
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultMongoLockOperation
	}
	c.Defaults = c.Defaults.WithDefaults(DefaultOptions())
}

type mongoLockDocument struct {
	Key       string    `bson:"_id"`
	Value     string    `bson:"value"`
	ExpiresAt time.Time `bson:"expires_at"`
}

// MongoBackend stores one document per lock key, with the key as _id. Expiry is stamped from the
// caller's clock.
type MongoBackend struct {
	client     *mongo.Client
	collection *mongo.Collection
	log        logger.Logger
	config     MongoBackendConfig
	now        func() time.Time

	mu     sync.Mutex
	closed bool
}

// NewMongoBackend connects to cfg.URL and verifies the connection.
func NewMongoBackend(cfg MongoBackendConfig, log logger.Logger) (*MongoBackend, error) {
	if log == nil {
		return nil, lockError(ErrInvalidArgument, "logger is required")
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, lockError(ErrInvalidArgument, "mongodb url is required")
	}
	if strings.TrimSpace(cfg.Database) == "" {
		return nil, lockError(ErrInvalidArgument, "mongodb database is required")
	}
	cfg.normalize()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URL))
	if err != nil {
		return nil, errors.Join(lockError(ErrRetryable, "connect mongodb failed"), err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errors.Join(lockError(ErrRetryable, "ping mongodb failed"), err)
	}

	log.Info("mongodb lock backend ready", "database", cfg.Database, "collection", cfg.Collection)
	return &MongoBackend{
		client:     client,
		collection: client.Database(cfg.Database).Collection(cfg.Collection),
		log:        log,
		config:     cfg,
		now:        time.Now,
	}, nil
}

// TryAcquire implements Backend. A live document makes the upsert collide on _id, which is
// reported as held.
func (b *MongoBackend) TryAcquire(ctx context.Context, key, value string, ttl time.Duration) (bool, time.Time, error) {
	if err := b.ready(key, ttl); err != nil {
		return false, time.Time{}, err
	}
	opCtx, cancel := b.operationContext(ctx)
	defer cancel()

	now := b.now().UTC()
	update := bson.M{"$set": bson.M{"value": value, "expires_at": now.Add(ttl)}}
	_, err := b.collection.UpdateOne(opCtx, acquireFilter(key, now), update, options.Update().SetUpsert(true))
	if err == nil {
		return true, time.Time{}, nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		return false, time.Time{}, errors.Join(lockError(ErrRetryable, "acquire lock failed"), err)
	}

	var current mongoLockDocument
	if err := b.collection.FindOne(opCtx, bson.M{"_id": key}).Decode(&current); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return false, time.Time{}, nil
		}
		return false, time.Time{}, errors.Join(lockError(ErrRetryable, "read lock failed"), err)
	}
	return false, current.ExpiresAt, nil
}

// TryRenew implements Backend.
func (b *MongoBackend) TryRenew(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := b.ready(key, ttl); err != nil {
		return false, err
	}
	opCtx, cancel := b.operationContext(ctx)
	defer cancel()

	now := b.now().UTC()
	result, err := b.collection.UpdateOne(opCtx, renewFilter(key, value, now), bson.M{"$set": bson.M{"expires_at": now.Add(ttl)}})
	if err != nil {
		return false, errors.Join(lockError(ErrRetryable, "renew lock failed"), err)
	}
	return result.MatchedCount > 0, nil
}

// TryRelease implements Backend.
func (b *MongoBackend) TryRelease(ctx context.Context, key, value string) (bool, error) {
	if err := b.ready(key, time.Second); err != nil {
		return false, err
	}
	opCtx, cancel := b.operationContext(ctx)
	defer cancel()

	result, err := b.collection.DeleteOne(opCtx, releaseFilter(key, value))
	if err != nil {
		return false, errors.Join(lockError(ErrRetryable, "release lock failed"), err)
	}
	return result.DeletedCount > 0, nil
}

// TryQuery implements Backend.
func (b *MongoBackend) TryQuery(ctx context.Context, key string) (*Record, error) {
	if err := b.ready(key, time.Second); err != nil {
		return nil, err
	}
	opCtx, cancel := b.operationContext(ctx)
	defer cancel()

	var doc mongoLockDocument
	err := b.collection.FindOne(opCtx, liveFilter(key, b.now().UTC())).Decode(&doc)
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return nil, nil
	case err != nil:
		return nil, errors.Join(lockError(ErrRetryable, "query lock failed"), err)
	}
	return &Record{Key: doc.Key, Value: doc.Value, ExpiresAt: doc.ExpiresAt}, nil
}

// WhenChanged implements Backend. With WatchChanges unset it only waits for ctx.
func (b *MongoBackend) WhenChanged(ctx context.Context, key string) error {
	if !b.config.WatchChanges {
		<-ctx.Done()
		return ctx.Err()
	}
	stream, err := b.collection.Watch(ctx, changeStreamPipeline(key))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return errors.Join(lockError(ErrRetryable, "watch lock changes failed"), err)
	}
	defer func() { _ = stream.Close(context.Background()) }()

	if stream.Next(ctx) {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return stream.Err()
}

// DefaultOptions implements Backend.
func (b *MongoBackend) DefaultOptions() Options {
	return b.config.Defaults
}

// HealthCheck pings the primary.
func (b *MongoBackend) HealthCheck(ctx context.Context) error {
	if err := b.ready("health", time.Second); err != nil {
		return err
	}
	opCtx, cancel := b.operationContext(ctx)
	defer cancel()
	if err := b.client.Ping(opCtx, readpref.Primary()); err != nil {
		return errors.Join(lockError(ErrRetryable, "mongodb healthcheck failed"), err)
	}
	return nil
}

// Close disconnects the client. Repeated calls are no-ops.
func (b *MongoBackend) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), b.config.OperationTimeout)
	defer cancel()
	return b.client.Disconnect(ctx)
}

func (b *MongoBackend) ready(key string, ttl time.Duration) error {
	if b == nil || b.collection == nil {
		return lockError(ErrNotInitialized, "mongodb lock backend is not initialized")
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return lockError(ErrClosed, "mongodb lock backend is closed")
	}
	if strings.TrimSpace(key) == "" {
		return lockError(ErrInvalidArgument, "lock key is required")
	}
	if ttl <= 0 {
		return lockError(ErrInvalidArgument, "ttl must be > 0")
	}
	return nil
}

func (b *MongoBackend) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, b.config.OperationTimeout)
}

func acquireFilter(key string, now time.Time) bson.M {
	return bson.M{"_id": key, "expires_at": bson.M{"$lte": now}}
}

func renewFilter(key, value string, now time.Time) bson.M {
	return bson.M{"_id": key, "value": value, "expires_at": bson.M{"$gt": now}}
}

func releaseFilter(key, value string) bson.M {
	return bson.M{"_id": key, "value": value}
}

func liveFilter(key string, now time.Time) bson.M {
	return bson.M{"_id": key, "expires_at": bson.M{"$gt": now}}
}

func changeStreamPipeline(key string) mongo.Pipeline {
	return mongo.Pipeline{
		{{Key: "$match", Value: bson.M{
			"documentKey._id": key,
			"operationType":   bson.M{"$in": bson.A{"delete", "update", "replace"}},
		}}},
	}
}
