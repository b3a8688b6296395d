package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

var redisKeyPrefix = "count/"

type RedisCountStore struct {
	Client *redis.Client
}

func NewRedisCountStore(redisURL string) (*RedisCountStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	// check redis connection
	_, err = rdb.Ping(context.TODO()).Result()
	if err != nil {
		return nil, err
	}
	return &RedisCountStore{Client: rdb}, nil
}

func (s *RedisCountStore) GetCount(ctx context.Context, key string) (int, error) {
	c, err := s.Client.Get(ctx, redisKeyPrefix+key).Int()
	if err == redis.Nil {
		return 0, nil
	} else if err != nil {
		return 0, err
	}
	return c, nil
}

func (s *RedisCountStore) IncrementWithTTL(ctx context.Context, key string, ttl time.Duration) error {
	// INCR and EXPIRE in a single round-trip; NX keeps the expiry armed by
	// the first increment so the window is measured from bucket creation.
	multi := s.Client.Pipeline()
	multi.Incr(ctx, redisKeyPrefix+key)
	multi.ExpireNX(ctx, redisKeyPrefix+key, ttl)
	_, err := multi.Exec(ctx)
	return err
}
