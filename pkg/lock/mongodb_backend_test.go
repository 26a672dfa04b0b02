package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/nimburion/shardmesh/pkg/observability/logger"
)

func TestMongoFilters(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	acquire := acquireFilter("k", now)
	if acquire["_id"] != "k" {
		t.Fatalf("unexpected acquire filter %v", acquire)
	}
	if cond, ok := acquire["expires_at"].(bson.M); !ok || cond["$lte"] != now {
		t.Fatalf("acquire filter must match only expired documents: %v", acquire)
	}

	renew := renewFilter("k", "node-1-1 ", now)
	if renew["value"] != "node-1-1 " {
		t.Fatalf("renew filter must compare the stored value: %v", renew)
	}
	if cond, ok := renew["expires_at"].(bson.M); !ok || cond["$gt"] != now {
		t.Fatalf("renew filter must match only live documents: %v", renew)
	}

	release := releaseFilter("k", "node-1-1 ")
	if _, hasExpiry := release["expires_at"]; hasExpiry || release["value"] != "node-1-1 " {
		t.Fatalf("release filter must compare value only: %v", release)
	}

	live := liveFilter("k", now)
	if cond, ok := live["expires_at"].(bson.M); !ok || cond["$gt"] != now {
		t.Fatalf("unexpected live filter %v", live)
	}
}

func TestMongoChangeStreamPipeline(t *testing.T) {
	pipeline := changeStreamPipeline("k")
	if len(pipeline) != 1 || pipeline[0][0].Key != "$match" {
		t.Fatalf("unexpected pipeline %v", pipeline)
	}
	match, ok := pipeline[0][0].Value.(bson.M)
	if !ok || match["documentKey._id"] != "k" {
		t.Fatalf("pipeline must match the lock key: %v", pipeline)
	}
}

func TestNewMongoBackend_Validation(t *testing.T) {
	if _, err := NewMongoBackend(MongoBackendConfig{Database: "mesh"}, logger.NewNop()); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for missing url, got %v", err)
	}
	if _, err := NewMongoBackend(MongoBackendConfig{URL: "mongodb://localhost:27017"}, logger.NewNop()); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for missing database, got %v", err)
	}

	var missing *MongoBackend
	if _, _, err := missing.TryAcquire(context.Background(), "k", "v", time.Second); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}
