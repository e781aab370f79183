package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type snapshotDoc struct {
	ID        string    `bson:"_id"`
	RoomID    string    `bson:"roomId"`
	State     []byte    `bson:"encodedState"`
	CreatedAt time.Time `bson:"createdAt"`
}

// MongoStore keeps one document per snapshot in a single collection.
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

var newestFirst = bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}}

func OpenMongo(ctx context.Context, uri, database string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	return &MongoStore{client: client, coll: client.Database(database).Collection("snapshots")}, nil
}

// EnsureIndexes creates the (roomId, createdAt) index used by every query.
func (m *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := m.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "roomId", Value: 1}, {Key: "createdAt", Value: -1}},
	})
	return err
}

func (m *MongoStore) Append(ctx context.Context, s Snapshot) error {
	_, err := m.coll.InsertOne(ctx, snapshotDoc{
		ID:        s.ID,
		RoomID:    s.RoomID,
		State:     s.State,
		CreatedAt: s.CreatedAt,
	})
	return err
}

func (m *MongoStore) Latest(ctx context.Context, roomID string) (Snapshot, error) {
	var doc snapshotDoc
	err := m.coll.FindOne(ctx, bson.M{"roomId": roomID}, options.FindOne().SetSort(newestFirst)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Snapshot{}, ErrNoSnapshot
	}
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{ID: doc.ID, RoomID: doc.RoomID, State: doc.State, CreatedAt: doc.CreatedAt}, nil
}

func (m *MongoStore) Prune(ctx context.Context, roomID string, keep int) error {
	opts := options.Find().
		SetSort(newestFirst).
		SetSkip(int64(keep)).
		SetProjection(bson.M{"_id": 1})
	cursor, err := m.coll.Find(ctx, bson.M{"roomId": roomID}, opts)
	if err != nil {
		return err
	}
	var stale []snapshotDoc
	if err := cursor.All(ctx, &stale); err != nil {
		return err
	}
	if len(stale) == 0 {
		return nil
	}
	ids := make([]string, len(stale))
	for i, doc := range stale {
		ids[i] = doc.ID
	}
	_, err = m.coll.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}})
	return err
}

func (m *MongoStore) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, nil)
}

func (m *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}
