package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisStore is a QuotaStore backed by Redis so several instances can
// share quota state. Windows are sorted sets scored by timestamp; bucket
// state lives in a hash; concurrency counts in plain integer keys. Keys
// carry TTLs so abandoned users age out even without Cleanup.
type RedisStore struct {
	client *redis.Client
	ctx    context.Context
}

func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisStore{client: client, ctx: context.Background()}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func bucketKey(userID string) string { return "quota:bucket:" + userID }
func concKey(userID string) string   { return "quota:conc:" + userID }
func usersKey() string               { return "quota:users" }

func windowKey(userID string, kind WindowKind) string {
	return "quota:win:" + string(kind) + ":" + userID
}

func (s *RedisStore) touchUser(userID string) {
	s.client.SAdd(s.ctx, usersKey(), userID)
}

func (s *RedisStore) Bucket(userID string) (BucketState, bool) {
	vals, err := s.client.HGetAll(s.ctx, bucketKey(userID)).Result()
	if err != nil || len(vals) == 0 {
		return BucketState{}, false
	}

	tokens, err1 := strconv.ParseFloat(vals["tokens"], 64)
	refillNano, err2 := strconv.ParseInt(vals["last_refill"], 10, 64)
	if err1 != nil || err2 != nil {
		return BucketState{}, false
	}
	return BucketState{Tokens: tokens, LastRefill: time.Unix(0, refillNano)}, true
}

func (s *RedisStore) PutBucket(userID string, st BucketState) {
	key := bucketKey(userID)
	pipe := s.client.Pipeline()
	pipe.HSet(s.ctx, key,
		"tokens", strconv.FormatFloat(st.Tokens, 'f', -1, 64),
		"last_refill", strconv.FormatInt(st.LastRefill.UnixNano(), 10),
	)
	pipe.Expire(s.ctx, key, bucketIdleTTL)
	if _, err := pipe.Exec(s.ctx); err != nil {
		slog.Warn("redis quota store: put bucket failed", "user_id", userID, "error", err)
	}
	s.touchUser(userID)
}

func (s *RedisStore) PruneWindow(userID string, kind WindowKind, cutoff time.Time) {
	s.client.ZRemRangeByScore(s.ctx, windowKey(userID, kind),
		"0", strconv.FormatInt(cutoff.UnixNano(), 10))
}

func (s *RedisStore) WindowTotal(userID string, kind WindowKind, cutoff time.Time) (float64, time.Time) {
	entries, err := s.client.ZRangeByScoreWithScores(s.ctx, windowKey(userID, kind), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(cutoff.UnixNano(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		slog.Warn("redis quota store: window read failed", "user_id", userID, "error", err)
		return 0, time.Time{}
	}

	var total float64
	var oldest time.Time
	for _, z := range entries {
		total += parseEntryWeight(z.Member)
		at := time.Unix(0, int64(z.Score))
		if oldest.IsZero() || at.Before(oldest) {
			oldest = at
		}
	}
	return total, oldest
}

// Window members are "weight:uuid" so identical timestamps stay distinct.
func parseEntryWeight(member interface{}) float64 {
	str, ok := member.(string)
	if !ok {
		return 1
	}
	parts := strings.SplitN(str, ":", 2)
	w, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 1
	}
	return w
}

func (s *RedisStore) AppendWindow(userID string, kind WindowKind, weight float64, at time.Time) {
	key := windowKey(userID, kind)
	ttl := hourWindow
	if kind == WindowDay {
		ttl = dayWindow
	}

	pipe := s.client.Pipeline()
	pipe.ZAdd(s.ctx, key, redis.Z{
		Score:  float64(at.UnixNano()),
		Member: fmt.Sprintf("%g:%s", weight, uuid.NewString()),
	})
	pipe.Expire(s.ctx, key, ttl)
	if _, err := pipe.Exec(s.ctx); err != nil {
		slog.Warn("redis quota store: append window failed", "user_id", userID, "error", err)
	}
	s.touchUser(userID)
}

func (s *RedisStore) AddConcurrent(userID string, delta int) int {
	val, err := s.client.IncrBy(s.ctx, concKey(userID), int64(delta)).Result()
	if err != nil {
		slog.Warn("redis quota store: concurrency update failed", "user_id", userID, "error", err)
		return 0
	}
	if val < 0 {
		s.client.Set(s.ctx, concKey(userID), 0, 0)
		return 0
	}
	s.touchUser(userID)
	return int(val)
}

func (s *RedisStore) Concurrent(userID string) int {
	val, err := s.client.Get(s.ctx, concKey(userID)).Int()
	if err != nil {
		return 0
	}
	if val < 0 {
		return 0
	}
	return val
}

func (s *RedisStore) Reset(userID string) {
	s.client.Del(s.ctx,
		bucketKey(userID),
		concKey(userID),
		windowKey(userID, WindowHour),
		windowKey(userID, WindowDay),
	)
	s.client.SRem(s.ctx, usersKey(), userID)
}

func (s *RedisStore) Users() []string {
	users, err := s.client.SMembers(s.ctx, usersKey()).Result()
	if err != nil {
		return nil
	}
	return users
}

func (s *RedisStore) Cleanup(now time.Time, bucketIdle time.Duration, windows map[WindowKind]time.Duration) int {
	removed := 0
	for _, userID := range s.Users() {
		for kind, size := range windows {
			s.PruneWindow(userID, kind, now.Add(-size))
		}

		// Key TTLs handle idle buckets; here we only drop users with no
		// surviving state from the index set.
		empty := true
		for kind := range windows {
			if n, _ := s.client.ZCard(s.ctx, windowKey(userID, kind)).Result(); n > 0 {
				empty = false
				break
			}
		}
		if empty && s.Concurrent(userID) == 0 {
			if exists, _ := s.client.Exists(s.ctx, bucketKey(userID)).Result(); exists == 0 {
				s.client.SRem(s.ctx, usersKey(), userID)
				removed++
			}
		}
	}
	return removed
}
