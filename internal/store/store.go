// Package store is the driver for the local telemetry cache.
package store

import (
	"context"
	"errors"
)

var (
	ErrKeyNotFound     = errors.New("key not found")
	ErrFieldNotFound   = errors.New("field not found")
	ErrUnsupportedType = errors.New("unsupported storage type")
)

// KeyType is the storage type of a key.
type KeyType string

const (
	TypeNone   KeyType = "none"
	TypeString KeyType = "string"
	TypeHash   KeyType = "hash"
	TypeList   KeyType = "list"
	TypeSet    KeyType = "set"
	TypeZSet   KeyType = "zset"
	TypeStream KeyType = "stream"
)

// Store exposes enumerate-by-pattern, type-of-key and the type specific
// read/write primitives used by the forwarder and the command handlers.
type Store interface {
	Keys(ctx context.Context, pattern string) ([]string, error)
	Type(ctx context.Context, key string) (KeyType, error)

	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error

	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HGet(ctx context.Context, key, field string) (string, error)
	HSet(ctx context.Context, key, field, value string) error

	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LIndex(ctx context.Context, key string, index int64) (string, error)
	LSet(ctx context.Context, key string, index int64, value string) error

	SMembers(ctx context.Context, key string) ([]string, error)
	SIsMember(ctx context.Context, key, member string) (bool, error)
	SAdd(ctx context.Context, key, member string) error

	Ping(ctx context.Context) error
	Close() error
}
