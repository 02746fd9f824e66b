package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// DefaultRedisKeyPrefix namespaces session cache keys.
const DefaultRedisKeyPrefix = "strava_session"

// RedisSessionCache stores token mirrors in Redis so they survive process restarts
// and are shared between replicas.
type RedisSessionCache struct {
	client *redis.Client
	logger *zap.Logger
	prefix string
	now    func() time.Time
}

// NewRedisSessionCache wraps a Redis client; an empty prefix selects DefaultRedisKeyPrefix.
// Keys are "<prefix>:<user id>"; a trailing colon on prefix is ignored.
func NewRedisSessionCache(client *redis.Client, logger *zap.Logger, prefix string) *RedisSessionCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix = strings.TrimRight(prefix, ":")
	if prefix == "" {
		prefix = DefaultRedisKeyPrefix
	}
	return &RedisSessionCache{
		client: client,
		logger: logger,
		prefix: prefix,
		now:    time.Now,
	}
}

func (cache *RedisSessionCache) formatKey(userID string) string {
	return fmt.Sprintf("%s:%s", cache.prefix, userID)
}

// Get returns the cached record or ErrCacheMiss.
func (cache *RedisSessionCache) Get(ctx context.Context, userID string) (Record, error) {
	value, err := cache.client.Get(ctx, cache.formatKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Record{}, ErrCacheMiss
		}
		cache.logger.Warn("session cache read failed",
			zap.String("code", "token_cache.redis.get"),
			zap.String("user_id", userID),
			zap.Error(err))
		return Record{}, fmt.Errorf("token_cache.redis.get: %w", err)
	}
	var record Record
	if unmarshalErr := json.Unmarshal([]byte(value), &record); unmarshalErr != nil {
		cache.logger.Warn("session cache entry corrupt",
			zap.String("code", "token_cache.redis.decode"),
			zap.String("user_id", userID),
			zap.Error(unmarshalErr))
		return Record{}, fmt.Errorf("token_cache.redis.decode: %w", unmarshalErr)
	}
	return record, nil
}

// Set stores the record until its provider expiry; already-expired records are not cached.
func (cache *RedisSessionCache) Set(ctx context.Context, record Record) error {
	ttl := record.ExpiresTime().Sub(cache.now())
	if ttl <= 0 {
		return cache.Clear(ctx, record.UserID)
	}
	payload, marshalErr := json.Marshal(record)
	if marshalErr != nil {
		return fmt.Errorf("token_cache.redis.encode: %w", marshalErr)
	}
	if err := cache.client.Set(ctx, cache.formatKey(record.UserID), payload, ttl).Err(); err != nil {
		cache.logger.Warn("session cache write failed",
			zap.String("code", "token_cache.redis.set"),
			zap.String("user_id", record.UserID),
			zap.Error(err))
		return fmt.Errorf("token_cache.redis.set: %w", err)
	}
	return nil
}

// Clear deletes the entry for userID.
func (cache *RedisSessionCache) Clear(ctx context.Context, userID string) error {
	if err := cache.client.Del(ctx, cache.formatKey(userID)).Err(); err != nil {
		cache.logger.Warn("session cache delete failed",
			zap.String("code", "token_cache.redis.delete"),
			zap.String("user_id", userID),
			zap.Error(err))
		return fmt.Errorf("token_cache.redis.delete: %w", err)
	}
	return nil
}
