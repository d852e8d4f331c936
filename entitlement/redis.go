package entitlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "storefront:"

// RedisRepository stores values as plain Redis strings.
type RedisRepository struct {
	rdb *redis.Client
}

// NewRedisRepository creates a repository on top of rdb.
func NewRedisRepository(rdb *redis.Client) *RedisRepository {
	return &RedisRepository{rdb: rdb}
}

func redisKey(key string) string {
	return redisKeyPrefix + key
}

// Get fetches the value stored under key.
func (r *RedisRepository) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := r.rdb.Get(ctx, redisKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("entitlement: redis get %s: %w", key, err)
	}
	return value, nil
}

// Put writes value under key without expiry.
func (r *RedisRepository) Put(ctx context.Context, key string, value []byte) error {
	if err := r.rdb.Set(ctx, redisKey(key), value, 0).Err(); err != nil {
		return fmt.Errorf("entitlement: redis set %s: %w", key, err)
	}
	return nil
}
