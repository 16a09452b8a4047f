package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"mqtt-edge-gateway/config"
)

const scanCount = 200

// RedisStore implements Store on a Redis server.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a client for cfg. The connection is established
// lazily; call Ping to check reachability.
func NewRedisStore(cfg config.RedisConfig) *RedisStore {
	return NewRedisStoreWithClient(redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}))
}

// NewRedisStoreWithClient wraps an existing client (used in tests).
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Keys enumerates keys matching pattern with SCAN so large keyspaces do not
// block the server.
func (s *RedisStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, scanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan %q: %w", pattern, err)
	}
	return keys, nil
}

func (s *RedisStore) Type(ctx context.Context, key string) (KeyType, error) {
	t, err := s.client.Type(ctx, key).Result()
	if err != nil {
		return TypeNone, fmt.Errorf("type %s: %w", key, err)
	}
	return KeyType(t), nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, key).Result()
	return v, wrapNil(err, ErrKeyNotFound, "get", key)
}

func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	return wrap(s.client.Set(ctx, key, value, 0).Err(), "set", key)
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	v, err := s.client.HGetAll(ctx, key).Result()
	return v, wrap(err, "hgetall", key)
}

func (s *RedisStore) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := s.client.HGet(ctx, key, field).Result()
	return v, wrapNil(err, ErrFieldNotFound, "hget", key)
}

func (s *RedisStore) HSet(ctx context.Context, key, field, value string) error {
	return wrap(s.client.HSet(ctx, key, field, value).Err(), "hset", key)
}

func (s *RedisStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	v, err := s.client.LRange(ctx, key, start, stop).Result()
	return v, wrap(err, "lrange", key)
}

func (s *RedisStore) LIndex(ctx context.Context, key string, index int64) (string, error) {
	v, err := s.client.LIndex(ctx, key, index).Result()
	return v, wrapNil(err, ErrFieldNotFound, "lindex", key)
}

func (s *RedisStore) LSet(ctx context.Context, key string, index int64, value string) error {
	return wrap(s.client.LSet(ctx, key, index, value).Err(), "lset", key)
}

func (s *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	v, err := s.client.SMembers(ctx, key).Result()
	return v, wrap(err, "smembers", key)
}

func (s *RedisStore) SIsMember(ctx context.Context, key, member string) (bool, error) {
	v, err := s.client.SIsMember(ctx, key, member).Result()
	return v, wrap(err, "sismember", key)
}

func (s *RedisStore) SAdd(ctx context.Context, key, member string) error {
	return wrap(s.client.SAdd(ctx, key, member).Err(), "sadd", key)
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func wrap(err error, op, key string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s %s: %w", op, key, err)
}

func wrapNil(err, notFound error, op, key string) error {
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("%s %s: %w", op, key, notFound)
	}
	return wrap(err, op, key)
}
