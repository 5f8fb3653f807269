// Package sink stores exported HAR archives outside the process: on disk,
// in Redis, in S3-compatible object storage or in MongoDB.
package sink

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNoName is returned when an archive is stored without a name.
var ErrNoName = errors.New("sink: archive name is required")

// Sink persists one archive and returns where it ended up.
type Sink interface {
	Store(ctx context.Context, name string, data []byte) (string, error)
}

// Kinds accepted by Open.
const (
	KindFile  = "file"
	KindRedis = "redis"
	KindS3    = "s3"
	KindMongo = "mongo"
)

// Config selects and configures a sink.
type Config struct {
	Kind string

	Dir string // file

	RedisAddr     string
	RedisUsername string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
	RedisTTL      time.Duration

	S3Bucket   string
	S3Region   string
	S3Endpoint string // optional, for MinIO or LocalStack
	S3Prefix   string

	MongoURI        string
	MongoDatabase   string
	MongoCollection string
}

// Open builds the sink described by cfg. The returned close function
// releases any client connection and is never nil.
func Open(ctx context.Context, cfg Config) (Sink, func() error, error) {
	noop := func() error { return nil }
	switch strings.ToLower(cfg.Kind) {
	case KindFile:
		s, err := NewFileSink(cfg.Dir)
		if err != nil {
			return nil, noop, err
		}
		return s, noop, nil
	case KindRedis:
		client, err := DialRedis(ctx, RedisConfig{
			Addr:     cfg.RedisAddr,
			Username: cfg.RedisUsername,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return nil, noop, err
		}
		return NewRedisSink(client, cfg.RedisPrefix, cfg.RedisTTL), client.Close, nil
	case KindS3:
		s, err := NewS3Sink(ctx, S3Config{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
			Prefix:   cfg.S3Prefix,
		})
		if err != nil {
			return nil, noop, err
		}
		return s, noop, nil
	case KindMongo:
		client, s, err := ConnectMongo(ctx, cfg.MongoURI, cfg.MongoDatabase, cfg.MongoCollection)
		if err != nil {
			return nil, noop, err
		}
		return s, func() error { return client.Disconnect(context.Background()) }, nil
	default:
		return nil, noop, fmt.Errorf("unknown sink kind %q", cfg.Kind)
	}
}
