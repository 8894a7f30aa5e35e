package circuitbreaker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/eaplan05/ai-core/internal/domain"
	"github.com/redis/go-redis/v9"
)

// Breaker state lives in one Redis hash per model with fields state,
// failures, successes, and last_failure. Transitions touch several fields
// at once, so each runs as a Lua script for atomicity across instances.

// KEYS[1] = breaker hash, ARGV[1] = open timeout in seconds.
// Returns the state governing this request.
var allowScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state') or 'closed'

if state == 'open' then
    local last = tonumber(redis.call('HGET', KEYS[1], 'last_failure') or '0')
    local now = tonumber(redis.call('TIME')[1])
    if (now - last) >= tonumber(ARGV[1]) then
        redis.call('HSET', KEYS[1], 'state', 'half-open', 'successes', '0')
        return 'half-open'
    end
    return 'open'
end

return state
`)

// KEYS[1] = breaker hash, ARGV[1] = success threshold.
var successScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state') or 'closed'

if state == 'closed' then
    redis.call('HSET', KEYS[1], 'failures', '0')
    return 'closed'
end

if state == 'half-open' then
    local successes = redis.call('HINCRBY', KEYS[1], 'successes', 1)
    if successes >= tonumber(ARGV[1]) then
        redis.call('HSET', KEYS[1], 'state', 'closed', 'failures', '0', 'successes', '0')
        return 'closed'
    end
    return 'half-open'
end

return state
`)

// KEYS[1] = breaker hash, ARGV[1] = failure threshold.
var failureScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state') or 'closed'
redis.call('HSET', KEYS[1], 'last_failure', redis.call('TIME')[1])

if state == 'closed' then
    local failures = redis.call('HINCRBY', KEYS[1], 'failures', 1)
    if failures >= tonumber(ARGV[1]) then
        redis.call('HSET', KEYS[1], 'state', 'open')
        return 'open'
    end
    return 'closed'
end

if state == 'half-open' then
    redis.call('HSET', KEYS[1], 'state', 'open', 'successes', '0')
    return 'open'
end

return state
`)

// RedisCircuitBreaker shares breaker state across instances. A probe
// admitted by one instance moves the breaker to half-open for all of
// them.
type RedisCircuitBreaker struct {
	client *redis.Client
	key    string
	config Config
}

func NewRedis(redisURL, modelID string, cfg Config) (*RedisCircuitBreaker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &RedisCircuitBreaker{
		client: client,
		key:    "aicore:breaker:" + modelID,
		config: cfg,
	}, nil
}

// Allow fails open: a Redis outage must not take every model down with
// it.
func (cb *RedisCircuitBreaker) Allow(ctx context.Context) error {
	state, err := allowScript.Run(ctx, cb.client, []string{cb.key},
		int(cb.config.Timeout.Seconds())).Text()
	if err != nil {
		return nil
	}
	if state == "open" {
		return domain.ErrCircuitBreakerOpen
	}
	return nil
}

func (cb *RedisCircuitBreaker) RecordSuccess(ctx context.Context) {
	successScript.Run(ctx, cb.client, []string{cb.key}, cb.config.SuccessThreshold)
}

func (cb *RedisCircuitBreaker) RecordFailure(ctx context.Context) {
	failureScript.Run(ctx, cb.client, []string{cb.key}, cb.config.FailureThreshold)
}

func (cb *RedisCircuitBreaker) State(ctx context.Context) State {
	raw, err := cb.client.HGet(ctx, cb.key, "state").Result()
	if err != nil {
		return StateClosed
	}
	switch raw {
	case "open":
		return StateOpen
	case "half-open":
		return StateHalfOpen
	default:
		return StateClosed
	}
}

func (cb *RedisCircuitBreaker) FailureCount(ctx context.Context) int {
	raw, err := cb.client.HGet(ctx, cb.key, "failures").Result()
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(raw)
	return n
}

// Reset deletes the hash, which reads back as a closed breaker with zero
// counters.
func (cb *RedisCircuitBreaker) Reset(ctx context.Context) error {
	return cb.client.Del(ctx, cb.key).Err()
}

func (cb *RedisCircuitBreaker) Close() error {
	return cb.client.Close()
}
