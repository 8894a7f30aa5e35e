// Package cache stores completed responses keyed by model and prompt.
// Identical deterministic requests are served from cache instead of
// spending provider tokens again. In-memory (single instance) and Redis
// (distributed) backends.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/eaplan05/ai-core/internal/domain"
	"github.com/redis/go-redis/v9"
)

// Cache defines the interface for response caching backends.
type Cache interface {
	Get(ctx context.Context, key string) (*domain.AIResponse, bool)
	Set(ctx context.Context, key string, resp *domain.AIResponse, ttl time.Duration) error
}

// GenerateCacheKey creates a unique cache key for a completion request.
// The key is a SHA-256 hash of the model id, messages, temperature, and
// max_tokens. UserID is deliberately excluded: identical prompts share a
// cache entry across users.
func GenerateCacheKey(modelID string, req domain.CompletionRequest) string {
	data, _ := json.Marshal(struct {
		Model       string           `json:"model"`
		Messages    []domain.Message `json:"messages"`
		Temperature *float64         `json:"temperature,omitempty"`
		MaxTokens   *int             `json:"max_tokens,omitempty"`
	}{
		Model:       modelID,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})

	hash := sha256.Sum256(data)
	return "cache:" + hex.EncodeToString(hash[:])
}

// Cacheable reports whether a request should be cached at all. Sampling
// at nonzero temperature makes responses non-deterministic, so only
// temperature-zero requests are eligible.
func Cacheable(req domain.CompletionRequest) bool {
	return req.Temperature != nil && *req.Temperature == 0
}

// InMemoryCache holds entries in process memory. Expired entries are
// invisible to Get immediately and reclaimed by a background sweep.
type InMemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	stop    chan struct{}
}

type memoryEntry struct {
	response  *domain.AIResponse
	expiresAt time.Time
}

func NewInMemoryCache() *InMemoryCache {
	c := &InMemoryCache{
		entries: make(map[string]memoryEntry),
		stop:    make(chan struct{}),
	}
	go c.sweep()
	return c
}

func (c *InMemoryCache) Get(ctx context.Context, key string) (*domain.AIResponse, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.response, true
}

func (c *InMemoryCache) Set(ctx context.Context, key string, resp *domain.AIResponse, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = memoryEntry{response: resp, expiresAt: time.Now().Add(ttl)}
	return nil
}

// Close stops the sweep goroutine.
func (c *InMemoryCache) Close() error {
	close(c.stop)
	return nil
}

func (c *InMemoryCache) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for key, entry := range c.entries {
				if now.After(entry.expiresAt) {
					delete(c.entries, key)
				}
			}
			c.mu.Unlock()
		}
	}
}

type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(redisURL string) (*RedisCache, error) {
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

	return &RedisCache{client: client}, nil
}

func (c *RedisCache) Get(ctx context.Context, key string) (*domain.AIResponse, bool) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}

	var resp domain.AIResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, false
	}

	return &resp, true
}

func (c *RedisCache) Set(ctx context.Context, key string, resp *domain.AIResponse, ttl time.Duration) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}

	return c.client.Set(ctx, key, data, ttl).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
