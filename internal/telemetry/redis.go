// ABOUTME: RedisSink publishes snapshots on a pub/sub channel and keeps the
// ABOUTME: latest one under a key with a TTL, using go-redis.

package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures a RedisSink.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Channel  string
	Key      string
	TTL      time.Duration
}

// redisClient is the subset of *redis.Client the sink uses.
type redisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Close() error
}

// RedisSink pushes snapshots to Redis.
type RedisSink struct {
	client  redisClient
	channel string
	key     string
	ttl     time.Duration
}

// NewRedisSink connects to Redis and verifies the connection with PING.
func NewRedisSink(ctx context.Context, opts RedisOptions) (*RedisSink, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", opts.Addr, err)
	}
	return newRedisSink(rdb, opts), nil
}

func newRedisSink(client redisClient, opts RedisOptions) *RedisSink {
	return &RedisSink{
		client:  client,
		channel: opts.Channel,
		key:     opts.Key,
		ttl:     opts.TTL,
	}
}

// Name identifies the sink in logs and metrics.
func (r *RedisSink) Name() string { return "redis" }

// Push publishes snap on the channel (if set) and stores it under the key (if set).
func (r *RedisSink) Push(ctx context.Context, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	if r.channel != "" {
		if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
			return fmt.Errorf("publishing snapshot: %w", err)
		}
	}
	if r.key != "" {
		if err := r.client.Set(ctx, r.key, data, r.ttl).Err(); err != nil {
			return fmt.Errorf("storing snapshot: %w", err)
		}
	}
	return nil
}

// Close closes the Redis connection.
func (r *RedisSink) Close() error {
	return r.client.Close()
}
