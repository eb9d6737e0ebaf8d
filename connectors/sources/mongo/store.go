package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
)

// Store reads and writes documents by id. It backs primary_store_field
// listener outputs.
type Store struct {
	client   *mongo.Client
	database string
}

func NewStore(client *mongo.Client, database string) (*Store, error) {
	if client == nil {
		return nil, errors.New("mongo client is required")
	}
	if database == "" {
		return nil, errors.New("database is required")
	}
	return &Store{client: client, database: database}, nil
}

func (s *Store) Get(ctx context.Context, collection, id string) (map[string]any, error) {
	var doc bson.M
	err := s.client.Database(s.database).Collection(collection).
		FindOne(ctx, bson.D{{Key: "_id", Value: documentID(id)}}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("document %s/%s not found", collection, id)
		}
		return nil, fmt.Errorf("get document: %w", err)
	}
	return doc, nil
}

// SetField writes a listener output field. Replays overwrite with the same
// value, so the write is idempotent.
func (s *Store) SetField(ctx context.Context, collection, id, field string, value any) error {
	_, err := s.client.Database(s.database).Collection(collection).
		UpdateOne(ctx,
			bson.D{{Key: "_id", Value: documentID(id)}},
			bson.D{{Key: "$set", Value: bson.D{{Key: field, Value: value}}}},
		)
	if err != nil {
		return fmt.Errorf("set field %s on %s/%s: %w", field, collection, id, err)
	}
	return nil
}

// documentID restores hex object ids to their native type so lookups match
// documents keyed either way.
func documentID(id string) any {
	if oid, err := primitive.ObjectIDFromHex(id); err == nil {
		return oid
	}
	return id
}
