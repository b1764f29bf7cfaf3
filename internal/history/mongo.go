package history

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/x/mongo/driver/connstring"

	"github.com/Tyrowin/resonance/internal/chat"
)

const (
	mongoDefaultDatabase = "resonance"
	mongoMessages        = "messages"
	mongoCounters        = "counters"
	mongoCounterID       = "messages"
)

type mongoSender struct {
	ID          string `bson:"id"`
	DisplayName string `bson:"display_name"`
	Color       string `bson:"color"`
	AvatarRef   string `bson:"avatar_ref,omitempty"`
}

type mongoMessage struct {
	ID        int64       `bson:"_id"`
	Body      string      `bson:"body"`
	Sender    mongoSender `bson:"sender"`
	CreatedAt time.Time   `bson:"created_at"`
}

type mongoCounter struct {
	Seq int64 `bson:"seq"`
}

// MongoStore persists messages in MongoDB. IDs come from a counter document.
type MongoStore struct {
	client   *mongo.Client
	messages *mongo.Collection
	counters *mongo.Collection
}

// OpenMongo connects using a mongodb:// URI. The database is taken from the
// URI path, defaulting to "resonance".
func OpenMongo(ctx context.Context, uri string) (*MongoStore, error) {
	if uri == "" {
		return nil, errors.New("history: mongo uri is empty")
	}
	cs, err := connstring.ParseAndValidate(uri)
	if err != nil {
		return nil, errors.Wrap(err, "history: parse mongo uri")
	}
	database := cs.Database
	if database == "" {
		database = mongoDefaultDatabase
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, errors.Wrap(err, "history: connect mongo")
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errors.Wrap(err, "history: ping mongo")
	}

	db := client.Database(database)
	store := &MongoStore{
		client:   client,
		messages: db.Collection(mongoMessages),
		counters: db.Collection(mongoCounters),
	}

	_, err = store.messages.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}},
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errors.Wrap(err, "history: create mongo index")
	}
	return store, nil
}

// Append implements Store.
func (s *MongoStore) Append(ctx context.Context, sender chat.Identity, body string, ts time.Time) (chat.Message, error) {
	// bson dates carry millisecond precision
	ts = ts.UTC().Truncate(time.Millisecond)

	var counter mongoCounter
	err := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": mongoCounterID},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return chat.Message{}, wrapStorage("append", err)
	}

	doc := mongoMessage{
		ID:   counter.Seq,
		Body: body,
		Sender: mongoSender{
			ID:          sender.ID,
			DisplayName: sender.DisplayName,
			Color:       sender.Color,
			AvatarRef:   sender.AvatarRef,
		},
		CreatedAt: ts,
	}
	if _, err := s.messages.InsertOne(ctx, doc); err != nil {
		return chat.Message{}, wrapStorage("append", err)
	}
	return doc.toMessage(), nil
}

// ReadAllOrdered implements Store.
func (s *MongoStore) ReadAllOrdered(ctx context.Context) ([]chat.Message, error) {
	cur, err := s.messages.Find(ctx, bson.D{},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, wrapStorage("read", err)
	}
	defer cur.Close(ctx)

	messages := make([]chat.Message, 0)
	for cur.Next(ctx) {
		var doc mongoMessage
		if err := cur.Decode(&doc); err != nil {
			return nil, wrapStorage("read", err)
		}
		messages = append(messages, doc.toMessage())
	}
	if err := cur.Err(); err != nil {
		return nil, wrapStorage("read", err)
	}
	return messages, nil
}

// Reset deletes every message and the ID counter.
func (s *MongoStore) Reset(ctx context.Context) error {
	if _, err := s.messages.DeleteMany(ctx, bson.D{}); err != nil {
		return wrapStorage("reset", err)
	}
	_, err := s.counters.DeleteOne(ctx, bson.M{"_id": mongoCounterID})
	return wrapStorage("reset", err)
}

// Close implements Store.
func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (m mongoMessage) toMessage() chat.Message {
	return chat.Message{
		ID:   m.ID,
		Body: m.Body,
		Sender: chat.Identity{
			ID:          m.Sender.ID,
			DisplayName: m.Sender.DisplayName,
			Color:       m.Sender.Color,
			AvatarRef:   m.Sender.AvatarRef,
		},
		CreatedAt: m.CreatedAt.UTC(),
	}
}
