package core

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRedisConfig(addr string) RedisConfig {
	return RedisConfig{
		URL:            "redis://" + addr,
		ConnectTimeout: time.Second,
		CommandTimeout: time.Second,
	}
}

func TestRedisCacheRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	cache, err := NewRedisCache(testRedisConfig(mr.Addr()), "intent", nil)
	require.NoError(t, err)
	defer cache.Close()

	ctx := context.Background()
	require.NoError(t, cache.Set(ctx, "key", "value", time.Minute))

	got, err := cache.Get(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, "value", got)

	// Keys are namespaced
	assert.True(t, mr.Exists("intent:key"))
}

func TestRedisCacheMissingKey(t *testing.T) {
	mr := miniredis.RunT(t)
	cache, err := NewRedisCache(testRedisConfig(mr.Addr()), "intent", nil)
	require.NoError(t, err)
	defer cache.Close()

	got, err := cache.Get(context.Background(), "absent")
	require.NoError(t, err)
	assert.Equal(t, "", got)
}

func TestRedisCacheTTLExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	cache, err := NewRedisCache(testRedisConfig(mr.Addr()), "", nil)
	require.NoError(t, err)
	defer cache.Close()

	ctx := context.Background()
	require.NoError(t, cache.Set(ctx, "k", "v", time.Second))

	mr.FastForward(2 * time.Second)

	got, err := cache.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "", got)
}

func TestRedisCacheDeleteAndExists(t *testing.T) {
	mr := miniredis.RunT(t)
	cache, err := NewRedisCache(testRedisConfig(mr.Addr()), "", nil)
	require.NoError(t, err)
	defer cache.Close()

	ctx := context.Background()
	require.NoError(t, cache.Set(ctx, "k", "v", 0))

	exists, err := cache.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, cache.Delete(ctx, "k"))
	exists, err = cache.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestNewCacheFallsBackWhenDisabled(t *testing.T) {
	cache := NewCache(RedisConfig{Disabled: true, ConnectTimeout: time.Second}, "x", nil)
	if _, ok := cache.(*MemoryStore); !ok {
		t.Fatalf("NewCache with disabled Redis should return *MemoryStore, got %T", cache)
	}
}

func TestNewCacheFallsBackWhenUnreachable(t *testing.T) {
	cfg := RedisConfig{
		Host:           "127.0.0.1",
		Port:           1, // nothing listens here
		ConnectTimeout: 100 * time.Millisecond,
		CommandTimeout: 100 * time.Millisecond,
	}
	cache := NewCache(cfg, "x", nil)
	if _, ok := cache.(*MemoryStore); !ok {
		t.Fatalf("NewCache with unreachable Redis should return *MemoryStore, got %T", cache)
	}
}
