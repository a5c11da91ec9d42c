package cache

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const submissionPrefix = "stockroom:submission:"

type RedisSubmissionGuard struct {
	client *redis.Client
}

func NewRedisClient(addr string, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func NewRedisSubmissionGuard(client *redis.Client) *RedisSubmissionGuard {
	return &RedisSubmissionGuard{client: client}
}

// Client exposes the connection so other components can share it.
func (g *RedisSubmissionGuard) Client() *redis.Client {
	return g.client
}

func (g *RedisSubmissionGuard) Ping(ctx context.Context) error {
	return g.client.Ping(ctx).Err()
}

func (g *RedisSubmissionGuard) Close() error {
	return g.client.Close()
}

func (g *RedisSubmissionGuard) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return g.client.SetNX(ctx, submissionPrefix+key, time.Now().UTC().Format(time.RFC3339), ttl).Result()
}

func (g *RedisSubmissionGuard) Release(ctx context.Context, key string) error {
	return g.client.Del(ctx, submissionPrefix+key).Err()
}
