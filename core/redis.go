package core

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisClient wraps the shared Redis connection used for distributed
// rate-limiter state.
type RedisClient struct {
	client *redis.Client
	logger *zap.SugaredLogger
}

// NewRedisClient creates a new Redis client wrapper.
func NewRedisClient(addr, password string, db, poolSize int, logger *zap.SugaredLogger) *RedisClient {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
		PoolSize: poolSize,
	})

	return &RedisClient{
		client: client,
		logger: logger,
	}
}

// NewRedisClientFromExisting wraps an already-constructed client. Used by
// tests running against miniredis.
func NewRedisClientFromExisting(client *redis.Client, logger *zap.SugaredLogger) *RedisClient {
	return &RedisClient{client: client, logger: logger}
}

// Ping tests the Redis connection.
func (rc *RedisClient) Ping(ctx context.Context) error {
	return rc.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (rc *RedisClient) Close() error {
	return rc.client.Close()
}

// Run executes a cached server-side script, loading it on NOSCRIPT.
func (rc *RedisClient) Run(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) (interface{}, error) {
	return script.Run(ctx, rc.client, keys, args...).Result()
}
