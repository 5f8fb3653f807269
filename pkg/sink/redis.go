package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "nettrace:har:"

// redisSetter is the part of *redis.Client the sink needs.
type redisSetter interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// RedisConfig describes a Redis connection.
type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int
}

// DialRedis connects and pings the server.
func DialRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// RedisSink stores each archive under prefix+name, optionally expiring.
type RedisSink struct {
	client redisSetter
	prefix string
	ttl    time.Duration
}

// NewRedisSink wraps client. An empty prefix uses "nettrace:har:"; a zero
// ttl keeps archives until deleted.
func NewRedisSink(client redisSetter, prefix string, ttl time.Duration) *RedisSink {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisSink{client: client, prefix: prefix, ttl: ttl}
}

// Store sets the key and returns it.
func (s *RedisSink) Store(ctx context.Context, name string, data []byte) (string, error) {
	if name == "" {
		return "", ErrNoName
	}
	key := s.prefix + name
	if err := s.client.Set(ctx, key, data, s.ttl).Err(); err != nil {
		return "", fmt.Errorf("redis set failed for %s: %w", key, err)
	}
	return key, nil
}
