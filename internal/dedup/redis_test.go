package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/cleancrawl/internal/crawler"
)

func newTestRedis(t *testing.T, ttl time.Duration) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewRedis(client, "test:fp:", ttl)
	t.Cleanup(func() { _ = cache.Close() })
	return cache, mr
}

func TestRedisCheckAndRecord(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cache, mr := newTestRedis(t, 0)

	v, err := cache.CheckAndRecord(ctx, "fp1", "https://a.example/p1")
	require.NoError(t, err)
	require.Equal(t, crawler.VerdictNew, v)

	v, err = cache.CheckAndRecord(ctx, "fp1", "https://a.example/p2")
	require.NoError(t, err)
	require.Equal(t, crawler.VerdictDuplicate, v)

	entry, ok, err := cache.Lookup(ctx, "fp1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, crawler.FingerprintEntry{Fingerprint: "fp1", FirstSeenURL: "https://a.example/p1", SeenCount: 2}, entry)
	require.Equal(t, "https://a.example/p1", mr.HGet("test:fp:fp1", "url"))

	require.NoError(t, cache.Forget(ctx, "fp1"))
	_, ok, err = cache.Lookup(ctx, "fp1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisTTL(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cache, mr := newTestRedis(t, time.Minute)

	_, err := cache.CheckAndRecord(ctx, "fp", "https://a.example/")
	require.NoError(t, err)
	require.Equal(t, time.Minute, mr.TTL("test:fp:fp"))

	mr.FastForward(2 * time.Minute)
	v, err := cache.CheckAndRecord(ctx, "fp", "https://b.example/")
	require.NoError(t, err)
	require.Equal(t, crawler.VerdictNew, v)
}

func TestRedisUnavailable(t *testing.T) {
	t.Parallel()

	cache, mr := newTestRedis(t, 0)
	mr.Close()

	_, err := cache.CheckAndRecord(context.Background(), "fp", "https://a.example/")
	require.Error(t, err)
}
