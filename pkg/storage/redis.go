package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ngoyal88/promptrelay/pkg/cache"
	"github.com/redis/go-redis/v9"
)

const (
	usageKeyPrefix = "prompt-usage:"
	timelineKey    = "prompt-usage:timeline"
)

// RedisStore is the TTL-bounded fallback for usage records the prompt API
// could not accept.
type RedisStore struct {
	rdb *cache.Client
	ttl time.Duration // entries age out whether or not they were replayed
	now func() time.Time
}

// NewRedisStore creates a new Redis-backed fallback store
func NewRedisStore(rdb *cache.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{rdb: rdb, ttl: ttl, now: time.Now}
}

// Stash stores the record under a fresh key and indexes it on the timeline.
func (s *RedisStore) Stash(ctx context.Context, rec *UsageRecord) (string, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("encode usage record: %w", err)
	}

	key := UsageKey(uuid.NewString())
	if err := s.rdb.Set(ctx, key, data, s.ttl); err != nil {
		return "", err
	}

	// The index is only used for listing; a failure here leaves the record
	// reachable by key until it expires.
	now := s.now()
	cutoff := fmt.Sprintf("%d", now.Add(-s.ttl).Unix())
	_, _ = s.rdb.Redis().Pipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, timelineKey, redis.Z{Score: float64(now.Unix()), Member: key})
		p.ZRemRangeByScore(ctx, timelineKey, "-inf", cutoff)
		p.Expire(ctx, timelineKey, s.ttl)
		return nil
	})

	return key, nil
}

// UsageKey returns the fallback key for id. Full keys are returned unchanged.
func UsageKey(id string) string {
	if strings.HasPrefix(id, usageKeyPrefix) {
		return id
	}
	return usageKeyPrefix + id
}

// Get retrieves a single record by key
func (s *RedisStore) Get(ctx context.Context, key string) (*UsageRecord, error) {
	data, err := s.rdb.Get(ctx, key)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var rec UsageRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("corrupted usage record %s: %w", key, err)
	}
	return &rec, nil
}

// List returns the newest keys still inside the retention window.
func (s *RedisStore) List(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	minScore := fmt.Sprintf("%d", s.now().Add(-s.ttl).Unix())

	return s.rdb.Redis().ZRevRangeByScore(ctx, timelineKey, &redis.ZRangeBy{
		Min:   minScore,
		Max:   "+inf",
		Count: int64(limit),
	}).Result()
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, key); err != nil {
		return err
	}
	return s.rdb.Redis().ZRem(ctx, timelineKey, key).Err()
}

// Ping checks Redis connection
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx)
}
