package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"call-insights-go/internal/types"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// documentCollection is the part of a collection MongoStore needs.
type documentCollection interface {
	upsert(ctx context.Context, path, payload string) error
	find(ctx context.Context, path string) (string, error)
}

// MongoStore keeps documents in a MongoDB collection, one record per path.
// Documents are stored as JSON text so they read back exactly as written.
type MongoStore struct {
	client *mongo.Client
	coll   documentCollection
}

type storedDocument struct {
	Path      string    `bson:"path"`
	Data      string    `bson:"data"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// NewMongoStore connects to uri and verifies the connection.
func NewMongoStore(ctx context.Context, uri, database, collection string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("storage: mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("storage: mongo ping: %w", err)
	}
	coll := client.Database(database).Collection(collection)
	_, err = coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "path", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("storage: mongo index: %w", err)
	}
	return &MongoStore{client: client, coll: mongoCollection{coll}}, nil
}

func (s *MongoStore) Put(ctx context.Context, path string, doc types.Document) error {
	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("storage: marshal %s: %w", path, err)
	}
	if err := s.coll.upsert(ctx, path, string(b)); err != nil {
		return fmt.Errorf("storage: mongo upsert %s: %w", path, err)
	}
	return nil
}

func (s *MongoStore) Get(ctx context.Context, path string) (types.Document, error) {
	payload, err := s.coll.find(ctx, path)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, notFound(path)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: mongo find %s: %w", path, err)
	}
	var doc types.Document
	if err := json.Unmarshal([]byte(payload), &doc); err != nil {
		return nil, fmt.Errorf("storage: decode %s: %w", path, err)
	}
	return doc, nil
}

// Close disconnects from MongoDB.
func (s *MongoStore) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Disconnect(ctx)
}

type mongoCollection struct {
	c *mongo.Collection
}

func (m mongoCollection) upsert(ctx context.Context, path, payload string) error {
	filter := bson.M{"path": path}
	update := bson.M{"$set": storedDocument{Path: path, Data: payload, UpdatedAt: time.Now().UTC()}}
	_, err := m.c.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	return err
}

func (m mongoCollection) find(ctx context.Context, path string) (string, error) {
	var out storedDocument
	if err := m.c.FindOne(ctx, bson.M{"path": path}).Decode(&out); err != nil {
		return "", err
	}
	return out.Data, nil
}
