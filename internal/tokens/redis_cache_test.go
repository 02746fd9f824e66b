package tokens

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

func newTestRedisCache(t *testing.T) (*RedisSessionCache, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cache := NewRedisSessionCache(client, nil, "")
	cache.now = fixedClock
	return cache, server
}

func TestRedisSessionCacheRoundTrip(t *testing.T) {
	cache, server := newTestRedisCache(t)
	ctx := context.Background()

	if _, err := cache.Get(ctx, "user-1"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected ErrCacheMiss, got %v", err)
	}

	record := Record{UserID: "user-1", AccessToken: "access", RefreshToken: "refresh", ExpiresAt: fixedNow.Add(time.Hour).Unix(), AthleteID: 5}
	if err := cache.Set(ctx, record); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if !server.Exists("strava_session:user-1") {
		t.Fatalf("expected prefixed key to exist, keys: %v", server.Keys())
	}
	if ttl := server.TTL("strava_session:user-1"); ttl != time.Hour {
		t.Fatalf("expected ttl of one hour, got %v", ttl)
	}

	cached, err := cache.Get(ctx, "user-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if cached != record {
		t.Fatalf("expected %+v, got %+v", record, cached)
	}

	if err := cache.Clear(ctx, "user-1"); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	if _, err := cache.Get(ctx, "user-1"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected ErrCacheMiss after clear, got %v", err)
	}
}

func TestRedisSessionCacheSkipsExpiredRecords(t *testing.T) {
	cache, server := newTestRedisCache(t)
	ctx := context.Background()

	expired := Record{UserID: "user-2", AccessToken: "access", ExpiresAt: fixedNow.Add(-time.Minute).Unix()}
	if err := cache.Set(ctx, expired); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if server.Exists("strava_session:user-2") {
		t.Fatalf("expected expired record not to be cached")
	}
}

func TestRedisSessionCacheRejectsCorruptEntries(t *testing.T) {
	cache, server := newTestRedisCache(t)
	if err := server.Set("strava_session:user-3", "{not json"); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	_, err := cache.Get(context.Background(), "user-3")
	if err == nil || errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected decode error, got %v", err)
	}
}

func TestRedisSessionCacheKeyFormat(t *testing.T) {
	testCases := []struct {
		prefix   string
		expected string
	}{
		{prefix: "", expected: "strava_session:user-1"},
		{prefix: "stravasync:token", expected: "stravasync:token:user-1"},
		{prefix: "stravasync:token:", expected: "stravasync:token:user-1"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.prefix, func(t *testing.T) {
			server := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: server.Addr()})
			t.Cleanup(func() { _ = client.Close() })
			cache := NewRedisSessionCache(client, nil, testCase.prefix)
			cache.now = fixedClock

			record := Record{UserID: "user-1", AccessToken: "access", ExpiresAt: fixedNow.Add(time.Hour).Unix()}
			if err := cache.Set(context.Background(), record); err != nil {
				t.Fatalf("set failed: %v", err)
			}
			if keys := server.Keys(); len(keys) != 1 || keys[0] != testCase.expected {
				t.Fatalf("expected key %q, got %v", testCase.expected, keys)
			}
		})
	}
}
