package cache

import (
	"context"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const pendingMarker = "pending"

type RedisIdempotencyCache struct {
	client *redis.Client
	prefix string
}

func NewRedisIdempotencyCache(addr string, password string, db int) *RedisIdempotencyCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisIdempotencyCache{client: client, prefix: "pos:idem:sale:"}
}

func (c *RedisIdempotencyCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisIdempotencyCache) Close() error {
	return c.client.Close()
}

func (c *RedisIdempotencyCache) Reserve(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	ok, err := c.client.SetNX(ctx, c.prefix+key, pendingMarker, ttl).Result()
	if err != nil {
		return "", false, err
	}
	if ok {
		return "", true, nil
	}

	val, err := c.client.Get(ctx, c.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		// expired between SETNX and GET; treat as still in flight
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if val == pendingMarker {
		return "", false, nil
	}
	return val, false, nil
}

func (c *RedisIdempotencyCache) Complete(ctx context.Context, key string, saleID string, ttl time.Duration) error {
	return c.client.Set(ctx, c.prefix+key, saleID, ttl).Err()
}

func (c *RedisIdempotencyCache) Release(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.prefix+key).Err()
}
