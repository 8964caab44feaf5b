package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"kasirbuku/backend/internal/domain"
)

const sessionTotalsPrefix = "pos:session-totals:"

type RedisSessionTotalsCache struct {
	client *redis.Client
}

func NewRedisClient(addr string, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func NewRedisSessionTotalsCache(client *redis.Client) *RedisSessionTotalsCache {
	return &RedisSessionTotalsCache{client: client}
}

func (c *RedisSessionTotalsCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisSessionTotalsCache) Get(ctx context.Context, sessionID string) (*domain.SessionTotals, bool, error) {
	val, err := c.client.Get(ctx, sessionTotalsPrefix+sessionID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var totals domain.SessionTotals
	if err := json.Unmarshal([]byte(val), &totals); err != nil {
		return nil, false, err
	}
	return &totals, true, nil
}

func (c *RedisSessionTotalsCache) Set(ctx context.Context, totals *domain.SessionTotals, ttl time.Duration) error {
	if totals == nil || totals.SessionID == "" {
		return nil
	}
	payload, err := json.Marshal(totals)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, sessionTotalsPrefix+totals.SessionID, payload, ttl).Err()
}

func (c *RedisSessionTotalsCache) Delete(ctx context.Context, sessionID string) error {
	return c.client.Del(ctx, sessionTotalsPrefix+sessionID).Err()
}
