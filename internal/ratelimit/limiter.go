// Package ratelimit enforces per-user request quotas across four axes:
// a token bucket for burst and per-minute rate, hourly and daily sliding
// windows, and a concurrent in-flight cap. Limits come from a per-role
// tier table, optionally scaled by user level. All refill and eviction is
// pull-based: state is brought up to date on each check rather than by a
// background timer, except for the optional periodic Cleanup.
package ratelimit

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/eaplan05/ai-core/internal/domain"
)

const (
	hourWindow = time.Hour
	dayWindow  = 24 * time.Hour

	// Buckets with no refill activity for this long are dropped by Cleanup.
	bucketIdleTTL = time.Hour
)

// Result is the admission decision for one request.
type Result struct {
	Allowed    bool          `json:"allowed"`
	Remaining  int           `json:"remaining"`
	ResetAt    time.Time     `json:"reset_at,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Reason     string        `json:"reason,omitempty"`
}

// WindowStatus describes one limit axis in a read-only snapshot.
type WindowStatus struct {
	Limit     int       `json:"limit"`
	Used      int       `json:"used"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// Status is a display-oriented snapshot of a user's limits and usage.
// Producing it never mutates counter state.
type Status struct {
	Role          domain.Role  `json:"role"`
	Level         int          `json:"level"`
	Unlimited     bool         `json:"unlimited"`
	Minute        WindowStatus `json:"minute"`
	Hour          WindowStatus `json:"hour"`
	Day           WindowStatus `json:"day"`
	Concurrent    int          `json:"concurrent"`
	MaxConcurrent int          `json:"max_concurrent"`
}

// UserVolume pairs a user with their weight-summed request volume over
// the trailing day.
type UserVolume struct {
	UserID string  `json:"user_id"`
	Weight float64 `json:"weight"`
}

// GlobalStats is the aggregate operational view over all tracked users.
type GlobalStats struct {
	Users              int          `json:"users"`
	ConcurrentRequests int          `json:"concurrent_requests"`
	AvgRequestsPerUser float64      `json:"avg_requests_per_user"`
	TopUsers           []UserVolume `json:"top_users"`
}

// Limiter is the rate-limiting engine. Construct one per process with New
// and share it by reference; each test builds its own instance.
type Limiter struct {
	mu    sync.Mutex
	store QuotaStore
	tiers map[domain.Role]TierConfig
	now   func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithStore swaps the backing QuotaStore (default: in-memory).
func WithStore(store QuotaStore) Option {
	return func(l *Limiter) { l.store = store }
}

// WithTiers replaces the role tier table.
func WithTiers(tiers map[domain.Role]TierConfig) Option {
	return func(l *Limiter) { l.tiers = tiers }
}

// WithClock injects a clock for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func New(opts ...Option) *Limiter {
	l := &Limiter{
		store: NewMemoryStore(),
		tiers: DefaultTiers(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// tier resolves the effective (level-scaled) config for a role. Unknown
// roles get the most restrictive tier.
func (l *Limiter) tier(role domain.Role, level int) TierConfig {
	cfg, ok := l.tiers[role]
	if !ok {
		if cfg, ok = l.tiers[domain.RoleUser]; !ok {
			// A custom tier table without a user entry must not fall
			// through to the zero config: its 0/0 refill rate is NaN and
			// every comparison against it admits the request.
			cfg = DefaultTiers()[domain.RoleUser]
		}
	}
	if role == domain.RoleAdmin {
		// Admin stays fully unlimited regardless of level.
		return cfg
	}
	return cfg.scaled(level)
}

// CheckRateLimit admits or rejects one request of the given weight.
// Checks run in order: token bucket, hourly window, daily window,
// concurrent cap; the first failure short-circuits. On success the bucket
// is debited and the request is recorded in the hourly and daily windows.
// This method never panics past its API: internal failures become a
// rejection with a descriptive reason.
func (l *Limiter) CheckRateLimit(userID string, role domain.Role, userLevel int, weight float64) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("rate limiter internal failure", "user_id", userID, "panic", r)
			res = Result{Allowed: false, Reason: fmt.Sprintf("rate limiter internal error: %v", r)}
		}
	}()

	if weight <= 0 {
		weight = 1
	}

	cfg := l.tier(role, userLevel)
	if cfg.unlimited() {
		return Result{Allowed: true, Remaining: Unlimited}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	// Token bucket: burst plus sustained per-minute rate.
	minuteRemaining := Unlimited
	var bucket BucketState
	if cfg.RequestsPerMinute != Unlimited {
		capacity := float64(cfg.Burst)
		refillRate := float64(cfg.RequestsPerMinute) / cfg.Window.Seconds()

		var ok bool
		bucket, ok = l.store.Bucket(userID)
		if !ok {
			bucket = BucketState{Tokens: capacity, LastRefill: now}
		}
		elapsed := now.Sub(bucket.LastRefill).Seconds()
		bucket.Tokens = math.Min(bucket.Tokens+elapsed*refillRate, capacity)
		bucket.LastRefill = now

		if bucket.Tokens < weight {
			retryAfter := time.Duration(math.Ceil((weight-bucket.Tokens)/refillRate*1000)) * time.Millisecond
			// Persist the refill so repeated checks don't re-grow tokens.
			l.store.PutBucket(userID, bucket)
			return Result{
				Allowed:    false,
				Remaining:  0,
				ResetAt:    now.Add(retryAfter),
				RetryAfter: retryAfter,
				Reason:     "per-minute request limit exceeded",
			}
		}
		minuteRemaining = int(bucket.Tokens - weight)
	}

	// Sliding windows: hourly then daily.
	type windowCheck struct {
		kind   WindowKind
		size   time.Duration
		limit  int
		reason string
	}
	checks := []windowCheck{
		{WindowHour, hourWindow, cfg.RequestsPerHour, "hourly request limit exceeded"},
		{WindowDay, dayWindow, cfg.RequestsPerDay, "daily request limit exceeded"},
	}

	remaining := minuteRemaining
	for _, wc := range checks {
		if wc.limit == Unlimited {
			continue
		}
		cutoff := now.Add(-wc.size)
		l.store.PruneWindow(userID, wc.kind, cutoff)
		total, oldest := l.store.WindowTotal(userID, wc.kind, cutoff)
		if total+weight > float64(wc.limit) {
			resetAt := now.Add(wc.size)
			if !oldest.IsZero() {
				resetAt = oldest.Add(wc.size)
			}
			retryAfter := resetAt.Sub(now)
			if retryAfter < 0 {
				retryAfter = 0
			}
			return Result{
				Allowed:    false,
				Remaining:  0,
				ResetAt:    resetAt,
				RetryAfter: retryAfter,
				Reason:     wc.reason,
			}
		}
		if left := wc.limit - int(total+weight); remaining == Unlimited || left < remaining {
			remaining = left
		}
	}

	// Concurrent in-flight cap.
	if cfg.MaxConcurrent != Unlimited && l.store.Concurrent(userID) >= cfg.MaxConcurrent {
		return Result{
			Allowed:    false,
			Remaining:  0,
			ResetAt:    now.Add(time.Second),
			RetryAfter: time.Second,
			Reason:     "concurrent request limit exceeded",
		}
	}

	// Admitted: debit the bucket and record the request.
	if cfg.RequestsPerMinute != Unlimited {
		bucket.Tokens -= weight
		l.store.PutBucket(userID, bucket)
	}
	l.store.AppendWindow(userID, WindowHour, weight, now)
	l.store.AppendWindow(userID, WindowDay, weight, now)

	return Result{
		Allowed:   true,
		Remaining: remaining,
		ResetAt:   now.Add(cfg.Window),
	}
}

// TrackRequestStart marks one request in flight for the user. Pair with
// TrackRequestEnd around the provider call.
func (l *Limiter) TrackRequestStart(userID string) {
	l.store.AddConcurrent(userID, 1)
}

// TrackRequestEnd marks a request finished. Safe to call without a
// matching start: the counter clamps at zero.
func (l *Limiter) TrackRequestEnd(userID string) {
	l.store.AddConcurrent(userID, -1)
}

// GetLimitStatus returns a read-only snapshot of a user's configured
// limits, current usage, and reset times. No counter is mutated.
func (l *Limiter) GetLimitStatus(userID string, role domain.Role, userLevel int) Status {
	cfg := l.tier(role, userLevel)
	now := l.now()

	st := Status{
		Role:          role,
		Level:         userLevel,
		Unlimited:     cfg.unlimited(),
		Concurrent:    l.store.Concurrent(userID),
		MaxConcurrent: cfg.MaxConcurrent,
	}
	if st.Unlimited {
		return st
	}

	// Minute axis reads the bucket virtually: refill is computed but not
	// written back.
	if cfg.RequestsPerMinute != Unlimited {
		capacity := float64(cfg.Burst)
		refillRate := float64(cfg.RequestsPerMinute) / cfg.Window.Seconds()
		bucket, ok := l.store.Bucket(userID)
		tokens := capacity
		if ok {
			tokens = math.Min(bucket.Tokens+now.Sub(bucket.LastRefill).Seconds()*refillRate, capacity)
		}
		st.Minute = WindowStatus{
			Limit:     cfg.RequestsPerMinute,
			Used:      cfg.Burst - int(tokens),
			Remaining: int(tokens),
			ResetAt:   now.Add(time.Duration((capacity-tokens)/refillRate*float64(time.Second))),
		}
	} else {
		st.Minute = WindowStatus{Limit: Unlimited, Remaining: Unlimited}
	}

	st.Hour = l.windowStatus(userID, WindowHour, hourWindow, cfg.RequestsPerHour, now)
	st.Day = l.windowStatus(userID, WindowDay, dayWindow, cfg.RequestsPerDay, now)
	return st
}

func (l *Limiter) windowStatus(userID string, kind WindowKind, size time.Duration, limit int, now time.Time) WindowStatus {
	if limit == Unlimited {
		return WindowStatus{Limit: Unlimited, Remaining: Unlimited}
	}
	total, oldest := l.store.WindowTotal(userID, kind, now.Add(-size))
	resetAt := now
	if !oldest.IsZero() {
		resetAt = oldest.Add(size)
	}
	remaining := limit - int(total)
	if remaining < 0 {
		remaining = 0
	}
	return WindowStatus{
		Limit:     limit,
		Used:      int(total),
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}

// EmergencyReset clears every counter and bucket for a user. Administrative
// override; the next request starts from a clean slate.
func (l *Limiter) EmergencyReset(userID string) {
	l.store.Reset(userID)
	slog.Info("rate limit state reset", "user_id", userID)
}

// GetGlobalStats aggregates limiter state across all tracked users for
// operational monitoring.
func (l *Limiter) GetGlobalStats() GlobalStats {
	now := l.now()
	users := l.store.Users()

	stats := GlobalStats{Users: len(users)}
	volumes := make([]UserVolume, 0, len(users))
	var totalWeight float64

	for _, id := range users {
		stats.ConcurrentRequests += l.store.Concurrent(id)
		weight, _ := l.store.WindowTotal(id, WindowDay, now.Add(-dayWindow))
		totalWeight += weight
		volumes = append(volumes, UserVolume{UserID: id, Weight: weight})
	}

	if len(users) > 0 {
		stats.AvgRequestsPerUser = totalWeight / float64(len(users))
	}

	sort.Slice(volumes, func(i, j int) bool { return volumes[i].Weight > volumes[j].Weight })
	if len(volumes) > 10 {
		volumes = volumes[:10]
	}
	stats.TopUsers = volumes
	return stats
}

// Cleanup prunes expired window entries, idle buckets, and empty
// concurrency entries to bound memory. Run it periodically (see
// StartCleanup) rather than per request.
func (l *Limiter) Cleanup() int {
	removed := l.store.Cleanup(l.now(), bucketIdleTTL, map[WindowKind]time.Duration{
		WindowHour: hourWindow,
		WindowDay:  dayWindow,
	})
	if removed > 0 {
		slog.Debug("rate limiter cleanup", "users_removed", removed)
	}
	return removed
}

// StartCleanup runs Cleanup every interval until stop is closed.
func (l *Limiter) StartCleanup(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.Cleanup()
		case <-stop:
			return
		}
	}
}
