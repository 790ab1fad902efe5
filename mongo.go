package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore is the durable side of the sync layer: snapshot documents plus
// the room ownership/membership records used for authorization.
type MongoStore struct {
	client    *mongo.Client
	snapshots *mongo.Collection
	rooms     *mongo.Collection
}

type snapshotDoc struct {
	ID        string    `bson:"_id"`
	Snapshot  []byte    `bson:"snapshot"`
	UpdatedAt time.Time `bson:"updated_at"`
}

type roomDoc struct {
	ID        string   `bson:"_id"`
	OwnerID   string   `bson:"owner_id"`
	MemberIDs []string `bson:"member_ids"`
}

func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	db := client.Database(database)
	return &MongoStore{
		client:    client,
		snapshots: db.Collection("snapshots"),
		rooms:     db.Collection("rooms"),
	}, nil
}

// Load returns the room's snapshot, or (nil, nil) when the record is missing
// or unreadable — the caller falls back to an empty snapshot either way.
func (s *MongoStore) Load(ctx context.Context, roomID string) (Snapshot, error) {
	var doc snapshotDoc
	err := s.snapshots.FindOne(ctx, bson.M{"_id": roomID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var snap Snapshot
	if err := json.Unmarshal(doc.Snapshot, &snap); err != nil {
		log.Printf("malformed snapshot record room=%s: %v", roomID, err)
		return nil, nil
	}
	return snap, nil
}

// Save upserts the room's snapshot as opaque JSON bytes.
func (s *MongoStore) Save(ctx context.Context, roomID string, snapshot Snapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	_, err = s.snapshots.UpdateOne(ctx,
		bson.M{"_id": roomID},
		bson.M{"$set": bson.M{"snapshot": data, "updated_at": time.Now()}},
		options.Update().SetUpsert(true),
	)
	return err
}

// Authorize confirms the user owns the room or is a listed member.
func (s *MongoStore) Authorize(ctx context.Context, userID, roomID string) error {
	var doc roomDoc
	err := s.rooms.FindOne(ctx, bson.M{"_id": roomID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return ErrRoomNotFound
	}
	if err != nil {
		return err
	}
	if doc.OwnerID == userID {
		return nil
	}
	for _, id := range doc.MemberIDs {
		if id == userID {
			return nil
		}
	}
	return ErrForbidden
}

// Ping reports store reachability for the health endpoint.
func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
