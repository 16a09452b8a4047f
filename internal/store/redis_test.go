package store

import (
	"context"
	"sort"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s := NewRedisStoreWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestKeys(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	mr.HSet("comsrv:1:T", "v", "1")
	mr.HSet("comsrv:2:T", "v", "2")
	require.NoError(t, mr.Set("modsrv:1:M", "x"))

	keys, err := s.Keys(ctx, "comsrv:*")
	require.NoError(t, err)
	sort.Strings(keys)
	assert.Equal(t, []string{"comsrv:1:T", "comsrv:2:T"}, keys)

	keys, err = s.Keys(ctx, "nothing:*")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestType(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, mr.Set("str", "x"))
	mr.HSet("hash", "f", "v")
	_, err := mr.Push("list", "a")
	require.NoError(t, err)
	_, err = mr.SetAdd("set", "m")
	require.NoError(t, err)

	tests := []struct {
		key  string
		want KeyType
	}{
		{"str", TypeString},
		{"hash", TypeHash},
		{"list", TypeList},
		{"set", TypeSet},
		{"missing", TypeNone},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			got, err := s.Type(ctx, tt.key)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStringOps(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	require.NoError(t, s.Set(ctx, "k", "42"))
	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "42", v)
}

func TestHashOps(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.HSet(ctx, "h", "speed", "1500"))
	require.NoError(t, s.HSet(ctx, "h", "temp", "23.5"))

	all, err := s.HGetAll(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"speed": "1500", "temp": "23.5"}, all)

	v, err := s.HGet(ctx, "h", "speed")
	require.NoError(t, err)
	assert.Equal(t, "1500", v)

	_, err = s.HGet(ctx, "h", "missing")
	assert.ErrorIs(t, err, ErrFieldNotFound)
}

func TestListOps(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	for _, v := range []string{"a", "b", "c"} {
		_, err := mr.Push("l", v)
		require.NoError(t, err)
	}

	all, err := s.LRange(ctx, "l", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, all)

	require.NoError(t, s.LSet(ctx, "l", 1, "B"))
	v, err := s.LIndex(ctx, "l", 1)
	require.NoError(t, err)
	assert.Equal(t, "B", v)

	_, err = s.LIndex(ctx, "l", 10)
	assert.ErrorIs(t, err, ErrFieldNotFound)

	assert.Error(t, s.LSet(ctx, "l", 10, "x"))
}

func TestSetOps(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SAdd(ctx, "s", "m1"))
	require.NoError(t, s.SAdd(ctx, "s", "m2"))

	members, err := s.SMembers(ctx, "s")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"m1", "m2"}, members)

	ok, err := s.SIsMember(ctx, "s", "m1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SIsMember(ctx, "s", "zz")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPing(t *testing.T) {
	s, mr := newTestStore(t)
	assert.NoError(t, s.Ping(context.Background()))

	mr.Close()
	assert.Error(t, s.Ping(context.Background()))
}
