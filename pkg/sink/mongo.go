package sink

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	defaultMongoDatabase   = "nettrace"
	defaultMongoCollection = "archives"
)

// mongoInserter is the part of *mongo.Collection the sink needs.
type mongoInserter interface {
	InsertOne(ctx context.Context, document interface{}, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error)
}

// archiveDocument is one stored archive.
type archiveDocument struct {
	Name      string    `bson:"name"`
	CreatedAt time.Time `bson:"created_at"`
	Size      int       `bson:"size"`
	HAR       string    `bson:"har"`
}

// MongoSink inserts one document per archive.
type MongoSink struct {
	coll mongoInserter
	now  func() time.Time
}

// NewMongoSink wraps a collection.
func NewMongoSink(coll mongoInserter) *MongoSink {
	return &MongoSink{coll: coll, now: time.Now}
}

// ConnectMongo connects to uri and returns the client with a sink on
// database.collection.
func ConnectMongo(ctx context.Context, uri, database, collection string) (*mongo.Client, *MongoSink, error) {
	if database == "" {
		database = defaultMongoDatabase
	}
	if collection == "" {
		collection = defaultMongoCollection
	}
	serverAPI := options.ServerAPI(options.ServerAPIVersion1)
	opts := options.Client().ApplyURI(uri).SetServerAPIOptions(serverAPI)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, nil, fmt.Errorf("mongo ping failed: %w", err)
	}
	return client, NewMongoSink(client.Database(database).Collection(collection)), nil
}

// Store inserts the archive and returns the document id.
func (s *MongoSink) Store(ctx context.Context, name string, data []byte) (string, error) {
	if name == "" {
		return "", ErrNoName
	}
	res, err := s.coll.InsertOne(ctx, archiveDocument{
		Name:      name,
		CreatedAt: s.now().UTC(),
		Size:      len(data),
		HAR:       string(data),
	})
	if err != nil {
		return "", fmt.Errorf("mongo insert failed: %w", err)
	}
	if id, ok := res.InsertedID.(primitive.ObjectID); ok {
		return "mongo:" + id.Hex(), nil
	}
	return fmt.Sprintf("mongo:%v", res.InsertedID), nil
}
