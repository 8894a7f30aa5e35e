package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// AlertDeduplicator suppresses duplicate budget alerts so that a user
// crossing a threshold triggers one notification, not one per check.
type AlertDeduplicator interface {
	// ShouldAlert reports whether an alert for this user and level has not
	// been sent yet. False means some instance (possibly this one) already
	// claimed it.
	ShouldAlert(ctx context.Context, userID string, level AlertLevel) bool

	// ClearAlert drops all alert state for a user. The monitor calls it
	// when usage falls back below the warning threshold.
	ClearAlert(ctx context.Context, userID string)
}

// InMemoryDeduplicator tracks sent alerts per process. Suitable for
// single-instance deployments; a fleet should share state through
// RedisDeduplicator instead.
type InMemoryDeduplicator struct {
	mu   sync.Mutex
	sent map[string]AlertLevel
}

func NewInMemoryDeduplicator() *InMemoryDeduplicator {
	return &InMemoryDeduplicator{sent: make(map[string]AlertLevel)}
}

func (d *InMemoryDeduplicator) ShouldAlert(ctx context.Context, userID string, level AlertLevel) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if prev, ok := d.sent[userID]; ok && prev == level {
		return false
	}
	d.sent[userID] = level
	return true
}

func (d *InMemoryDeduplicator) ClearAlert(ctx context.Context, userID string) {
	d.mu.Lock()
	delete(d.sent, userID)
	d.mu.Unlock()
}

const dedupKeyPrefix = "aicore:budget:alert:"

// RedisDeduplicator shares alert state across instances through Redis.
// Each sent alert holds a key with a TTL; after lockTTL the alert may
// fire again, which acts as a periodic reminder for users who stay over
// their budget.
type RedisDeduplicator struct {
	client  *redis.Client
	lockTTL time.Duration
}

// NewRedisDeduplicator connects to Redis and returns a fleet-wide alert
// deduplicator. An hour-scale lockTTL works well for monthly budgets.
func NewRedisDeduplicator(redisURL string, lockTTL time.Duration) (*RedisDeduplicator, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &RedisDeduplicator{client: client, lockTTL: lockTTL}, nil
}

// ShouldAlert claims the alert with SET NX so exactly one instance wins.
// Redis errors fail open: a duplicate notification beats a missed one.
func (d *RedisDeduplicator) ShouldAlert(ctx context.Context, userID string, level AlertLevel) bool {
	key := dedupKeyPrefix + userID + ":" + string(level)
	claimed, err := d.client.SetNX(ctx, key, time.Now().Unix(), d.lockTTL).Result()
	if err != nil {
		return true
	}
	return claimed
}

// ClearAlert removes the user's alert keys at every level.
func (d *RedisDeduplicator) ClearAlert(ctx context.Context, userID string) {
	iter := d.client.Scan(ctx, 0, dedupKeyPrefix+userID+":*", 0).Iterator()
	for iter.Next(ctx) {
		d.client.Del(ctx, iter.Val())
	}
}

// Close closes the Redis connection.
func (d *RedisDeduplicator) Close() error {
	return d.client.Close()
}
