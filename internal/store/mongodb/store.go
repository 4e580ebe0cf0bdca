// Package mongodb implements the work description backend using MongoDB.
//
// The optimistic-version protocol maps onto conditional writes: an insert
// for the first version, and a filtered replace matching both key and the
// previously observed version for updates. A write that matches nothing
// means another writer got there first.
package mongodb

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/nhsconnect/go-mhs/internal/store"
)

// Config holds MongoDB connection settings
type Config struct {
	URI        string
	Database   string
	Collection string
}

// Backend implements store.Backend using a MongoDB collection.
type Backend struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// New connects to MongoDB and verifies connectivity.
func New(ctx context.Context, cfg *Config) (*Backend, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connecting to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("pinging MongoDB: %w", err)
	}

	collection := cfg.Collection
	if collection == "" {
		collection = "work_descriptions"
	}

	return &Backend{
		client:     client,
		collection: client.Database(cfg.Database).Collection(collection),
	}, nil
}

// Get implements store.Backend.
func (b *Backend) Get(ctx context.Context, key string) (*store.WorkDescription, error) {
	var wd store.WorkDescription
	err := b.collection.FindOne(ctx, bson.M{"_id": key}).Decode(&wd)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &wd, nil
}

// Put implements store.Backend with a conditional write on the stored
// version.
func (b *Backend) Put(ctx context.Context, wd *store.WorkDescription, expectedVersion int) error {
	if expectedVersion == 0 {
		_, err := b.collection.InsertOne(ctx, wd)
		if mongo.IsDuplicateKeyError(err) {
			return store.ErrVersionConflict
		}
		return err
	}

	result, err := b.collection.ReplaceOne(ctx,
		bson.M{"_id": wd.MessageKey, "version": expectedVersion}, wd)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return store.ErrVersionConflict
	}
	return nil
}

// Ping implements store.Backend.
func (b *Backend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx, nil)
}

// Close implements store.Backend.
func (b *Backend) Close(ctx context.Context) error {
	return b.client.Disconnect(ctx)
}
