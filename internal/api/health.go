package api

import (
	"context"
	"database/sql"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const serviceVersion = "0.1.0"

// HealthChecker probes one backing dependency for the readiness endpoint.
type HealthChecker interface {
	Check(ctx context.Context) error
	Name() string
}

type readinessReport struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version,omitempty"`
	Checks  map[string]checkResult `json:"checks,omitempty"`
}

type checkResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// RedisHealthChecker pings the Redis backend used by the quota store,
// cache, and deduplicator.
type RedisHealthChecker struct {
	client *redis.Client
}

func NewRedisHealthChecker(redisURL string) (*RedisHealthChecker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisHealthChecker{client: redis.NewClient(opts)}, nil
}

func (c *RedisHealthChecker) Name() string { return "redis" }

func (c *RedisHealthChecker) Check(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// PostgresHealthChecker pings the profiles and usage database.
type PostgresHealthChecker struct {
	db *sql.DB
}

func NewPostgresHealthChecker(db *sql.DB) *PostgresHealthChecker {
	return &PostgresHealthChecker{db: db}
}

func (c *PostgresHealthChecker) Name() string { return "postgres" }

func (c *PostgresHealthChecker) Check(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// probeAll runs every checker concurrently under the shared context. A
// slow dependency delays the report but the timeout bounds the whole
// sweep.
func probeAll(ctx context.Context, checkers []HealthChecker) map[string]checkResult {
	results := make(map[string]checkResult, len(checkers))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, checker := range checkers {
		wg.Add(1)
		go func(c HealthChecker) {
			defer wg.Done()

			start := time.Now()
			res := checkResult{Status: "ok"}
			if err := c.Check(ctx); err != nil {
				res.Status = "error"
				res.Error = err.Error()
			}
			res.LatencyMs = time.Since(start).Milliseconds()

			mu.Lock()
			results[c.Name()] = res
			mu.Unlock()
		}(checker)
	}

	wg.Wait()
	return results
}

// handleHealthReadyWithCheckers serves readiness: 200 when every
// dependency answers, 503 with the failing checks otherwise.
func handleHealthReadyWithCheckers(checkers []HealthChecker, timeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		checks := probeAll(ctx, checkers)

		report := readinessReport{
			Status:  "ready",
			Version: serviceVersion,
			Checks:  checks,
		}
		code := http.StatusOK
		for _, res := range checks {
			if res.Status != "ok" {
				report.Status = "not_ready"
				code = http.StatusServiceUnavailable
				break
			}
		}

		writeJSON(w, code, report)
	}
}
