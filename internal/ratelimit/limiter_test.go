package ratelimit

import (
	"testing"
	"time"

	"github.com/eaplan05/ai-core/internal/domain"
)

// fakeClock drives the limiter deterministically.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestLimiter(tiers map[domain.Role]TierConfig) (*Limiter, *fakeClock) {
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	opts := []Option{WithClock(clock.Now)}
	if tiers != nil {
		opts = append(opts, WithTiers(tiers))
	}
	return New(opts...), clock
}

func smallTier() map[domain.Role]TierConfig {
	return map[domain.Role]TierConfig{
		domain.RoleUser: {
			RequestsPerMinute: 6,
			RequestsPerHour:   10,
			RequestsPerDay:    20,
			MaxConcurrent:     2,
			Burst:             3,
			Window:            time.Minute,
		},
	}
}

func TestCheckRateLimit_BurstThenRefill(t *testing.T) {
	l, clock := newTestLimiter(smallTier())

	// Burst capacity 3: three immediate requests pass.
	for i := 0; i < 3; i++ {
		res := l.CheckRateLimit("u1", domain.RoleUser, 1, 1)
		if !res.Allowed {
			t.Fatalf("request %d denied: %s", i+1, res.Reason)
		}
	}

	// Fourth is over burst.
	res := l.CheckRateLimit("u1", domain.RoleUser, 1, 1)
	if res.Allowed {
		t.Fatal("request over burst capacity was allowed")
	}
	if res.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %v, want > 0", res.RetryAfter)
	}

	// 6 rpm refills one token every 10 seconds.
	clock.Advance(10 * time.Second)
	res = l.CheckRateLimit("u1", domain.RoleUser, 1, 1)
	if !res.Allowed {
		t.Fatalf("request after refill denied: %s", res.Reason)
	}
}

func TestCheckRateLimit_DeniedCheckDoesNotRegrowTokens(t *testing.T) {
	l, _ := newTestLimiter(smallTier())

	for i := 0; i < 3; i++ {
		l.CheckRateLimit("u1", domain.RoleUser, 1, 1)
	}

	// Repeated denied checks at the same instant stay denied.
	for i := 0; i < 5; i++ {
		if res := l.CheckRateLimit("u1", domain.RoleUser, 1, 1); res.Allowed {
			t.Fatalf("denied check %d unexpectedly allowed", i+1)
		}
	}
}

func TestCheckRateLimit_HourlyWindow(t *testing.T) {
	l, clock := newTestLimiter(smallTier())

	// Stay under the minute bucket by spacing requests, but hit the
	// hourly cap of 10.
	allowed := 0
	for i := 0; i < 12; i++ {
		res := l.CheckRateLimit("u1", domain.RoleUser, 1, 1)
		if res.Allowed {
			allowed++
		} else if res.Reason != "hourly request limit exceeded" {
			t.Fatalf("unexpected denial reason: %s", res.Reason)
		}
		clock.Advance(30 * time.Second)
	}
	if allowed != 10 {
		t.Errorf("allowed = %d, want 10 (hourly cap)", allowed)
	}

	// After the window slides past the oldest entries, capacity returns.
	clock.Advance(time.Hour)
	if res := l.CheckRateLimit("u1", domain.RoleUser, 1, 1); !res.Allowed {
		t.Errorf("request after window slide denied: %s", res.Reason)
	}
}

func TestCheckRateLimit_DailyWindow(t *testing.T) {
	tiers := smallTier()
	cfg := tiers[domain.RoleUser]
	cfg.RequestsPerHour = Unlimited
	cfg.RequestsPerDay = 5
	tiers[domain.RoleUser] = cfg
	l, clock := newTestLimiter(tiers)

	allowed := 0
	for i := 0; i < 8; i++ {
		if res := l.CheckRateLimit("u1", domain.RoleUser, 1, 1); res.Allowed {
			allowed++
		}
		clock.Advance(time.Minute)
	}
	if allowed != 5 {
		t.Errorf("allowed = %d, want 5 (daily cap)", allowed)
	}

	res := l.CheckRateLimit("u1", domain.RoleUser, 1, 1)
	if res.Allowed {
		t.Fatal("request over daily cap allowed")
	}
	if res.Reason != "daily request limit exceeded" {
		t.Errorf("Reason = %q, want daily", res.Reason)
	}
}

func TestCheckRateLimit_ConcurrentCap(t *testing.T) {
	l, _ := newTestLimiter(smallTier())

	l.TrackRequestStart("u1")
	l.TrackRequestStart("u1")

	res := l.CheckRateLimit("u1", domain.RoleUser, 1, 1)
	if res.Allowed {
		t.Fatal("request allowed at concurrent cap")
	}
	if res.Reason != "concurrent request limit exceeded" {
		t.Errorf("Reason = %q, want concurrent", res.Reason)
	}

	l.TrackRequestEnd("u1")
	if res := l.CheckRateLimit("u1", domain.RoleUser, 1, 1); !res.Allowed {
		t.Errorf("request denied after slot freed: %s", res.Reason)
	}
}

func TestTrackRequestEnd_ClampsAtZero(t *testing.T) {
	l, _ := newTestLimiter(nil)

	l.TrackRequestEnd("u1")
	l.TrackRequestEnd("u1")
	l.TrackRequestStart("u1")

	st := l.GetLimitStatus("u1", domain.RoleUser, 1)
	if st.Concurrent != 1 {
		t.Errorf("Concurrent = %d, want 1", st.Concurrent)
	}
}

func TestCheckRateLimit_AdminUnlimited(t *testing.T) {
	l, _ := newTestLimiter(nil)

	for i := 0; i < 1000; i++ {
		res := l.CheckRateLimit("root", domain.RoleAdmin, 1, 1)
		if !res.Allowed {
			t.Fatalf("admin request %d denied: %s", i+1, res.Reason)
		}
		if res.Remaining != Unlimited {
			t.Fatalf("Remaining = %d, want Unlimited", res.Remaining)
		}
	}
}

func TestCheckRateLimit_UnknownRoleGetsUserTier(t *testing.T) {
	l, _ := newTestLimiter(smallTier())

	for i := 0; i < 3; i++ {
		l.CheckRateLimit("u1", domain.Role("mystery"), 1, 1)
	}
	if res := l.CheckRateLimit("u1", domain.Role("mystery"), 1, 1); res.Allowed {
		t.Error("unknown role not limited by user tier")
	}
}

func TestCheckRateLimit_TierTableWithoutUserEntry(t *testing.T) {
	// A tier table listing only admin must still limit everyone else.
	// The stock user tier applies instead of a zero config, whose 0/0
	// refill rate would otherwise admit every request.
	l, _ := newTestLimiter(map[domain.Role]TierConfig{
		domain.RoleAdmin: DefaultTiers()[domain.RoleAdmin],
	})

	stock := DefaultTiers()[domain.RoleUser]
	for i := 0; i < stock.Burst; i++ {
		if res := l.CheckRateLimit("u1", domain.RoleUser, 1, 1); !res.Allowed {
			t.Fatalf("request %d denied: %s", i+1, res.Reason)
		}
	}
	if res := l.CheckRateLimit("u1", domain.RoleUser, 1, 1); res.Allowed {
		t.Error("user over stock burst was admitted")
	}

	if res := l.CheckRateLimit("a1", domain.RoleAdmin, 1, 1); !res.Allowed {
		t.Errorf("admin denied: %s", res.Reason)
	}
}

func TestCheckRateLimit_LevelScaling(t *testing.T) {
	l, _ := newTestLimiter(smallTier())

	// Level 6 caps the factor at 2: burst 3 becomes 6.
	allowed := 0
	for i := 0; i < 8; i++ {
		if res := l.CheckRateLimit("u1", domain.RoleUser, 6, 1); res.Allowed {
			allowed++
		}
	}
	if allowed != 6 {
		t.Errorf("allowed = %d, want 6 (doubled burst)", allowed)
	}
}

func TestLevelFactor(t *testing.T) {
	tests := []struct {
		level int
		want  float64
	}{
		{0, 1},
		{1, 1},
		{2, 1.2},
		{3, 1.4},
		{6, 2},
		{10, 2},
	}
	for _, tt := range tests {
		if got := levelFactor(tt.level); got != tt.want {
			t.Errorf("levelFactor(%d) = %v, want %v", tt.level, got, tt.want)
		}
	}
}

func TestTierConfig_ScaledKeepsUnlimited(t *testing.T) {
	cfg := TierConfig{
		RequestsPerMinute: 10,
		RequestsPerHour:   Unlimited,
		RequestsPerDay:    100,
		MaxConcurrent:     Unlimited,
		Burst:             5,
		Window:            time.Minute,
	}

	scaled := cfg.scaled(6)
	if scaled.RequestsPerMinute != 20 {
		t.Errorf("RequestsPerMinute = %d, want 20", scaled.RequestsPerMinute)
	}
	if scaled.RequestsPerHour != Unlimited {
		t.Errorf("RequestsPerHour = %d, want Unlimited", scaled.RequestsPerHour)
	}
	if scaled.MaxConcurrent != Unlimited {
		t.Errorf("MaxConcurrent = %d, want Unlimited", scaled.MaxConcurrent)
	}
}

func TestCheckRateLimit_Weight(t *testing.T) {
	l, _ := newTestLimiter(smallTier())

	// Weight 3 consumes the whole burst at once.
	if res := l.CheckRateLimit("u1", domain.RoleUser, 1, 3); !res.Allowed {
		t.Fatalf("weighted request denied: %s", res.Reason)
	}
	if res := l.CheckRateLimit("u1", domain.RoleUser, 1, 1); res.Allowed {
		t.Error("request after full-burst weight allowed")
	}
}

func TestCheckRateLimit_ZeroWeightDefaultsToOne(t *testing.T) {
	l, _ := newTestLimiter(smallTier())

	for i := 0; i < 3; i++ {
		if res := l.CheckRateLimit("u1", domain.RoleUser, 1, 0); !res.Allowed {
			t.Fatalf("request %d denied: %s", i+1, res.Reason)
		}
	}
	if res := l.CheckRateLimit("u1", domain.RoleUser, 1, 0); res.Allowed {
		t.Error("zero-weight requests not counted against burst")
	}
}

func TestGetLimitStatus_DoesNotMutate(t *testing.T) {
	l, _ := newTestLimiter(smallTier())

	l.CheckRateLimit("u1", domain.RoleUser, 1, 1)

	first := l.GetLimitStatus("u1", domain.RoleUser, 1)
	for i := 0; i < 10; i++ {
		l.GetLimitStatus("u1", domain.RoleUser, 1)
	}
	second := l.GetLimitStatus("u1", domain.RoleUser, 1)

	if first.Minute.Remaining != second.Minute.Remaining {
		t.Errorf("Minute.Remaining changed: %d -> %d", first.Minute.Remaining, second.Minute.Remaining)
	}
	if first.Hour.Used != second.Hour.Used {
		t.Errorf("Hour.Used changed: %d -> %d", first.Hour.Used, second.Hour.Used)
	}
}

func TestGetLimitStatus_Fields(t *testing.T) {
	l, _ := newTestLimiter(smallTier())

	l.CheckRateLimit("u1", domain.RoleUser, 1, 1)
	l.CheckRateLimit("u1", domain.RoleUser, 1, 1)

	st := l.GetLimitStatus("u1", domain.RoleUser, 1)
	if st.Role != domain.RoleUser {
		t.Errorf("Role = %q, want user", st.Role)
	}
	if st.Unlimited {
		t.Error("Unlimited = true for bounded tier")
	}
	if st.Hour.Used != 2 {
		t.Errorf("Hour.Used = %d, want 2", st.Hour.Used)
	}
	if st.Day.Used != 2 {
		t.Errorf("Day.Used = %d, want 2", st.Day.Used)
	}
	if st.Hour.Limit != 10 {
		t.Errorf("Hour.Limit = %d, want 10", st.Hour.Limit)
	}
}

func TestGetLimitStatus_AdminUnlimited(t *testing.T) {
	l, _ := newTestLimiter(nil)

	st := l.GetLimitStatus("root", domain.RoleAdmin, 1)
	if !st.Unlimited {
		t.Error("Unlimited = false for admin")
	}
}

func TestEmergencyReset(t *testing.T) {
	l, _ := newTestLimiter(smallTier())

	for i := 0; i < 3; i++ {
		l.CheckRateLimit("u1", domain.RoleUser, 1, 1)
	}
	if res := l.CheckRateLimit("u1", domain.RoleUser, 1, 1); res.Allowed {
		t.Fatal("expected denial before reset")
	}

	l.EmergencyReset("u1")

	res := l.CheckRateLimit("u1", domain.RoleUser, 1, 1)
	if !res.Allowed {
		t.Errorf("request after reset denied: %s", res.Reason)
	}
	st := l.GetLimitStatus("u1", domain.RoleUser, 1)
	if st.Hour.Used != 1 {
		t.Errorf("Hour.Used = %d after reset plus one request, want 1", st.Hour.Used)
	}
}

func TestUsersIndependent(t *testing.T) {
	l, _ := newTestLimiter(smallTier())

	for i := 0; i < 3; i++ {
		l.CheckRateLimit("u1", domain.RoleUser, 1, 1)
	}
	if res := l.CheckRateLimit("u1", domain.RoleUser, 1, 1); res.Allowed {
		t.Fatal("u1 should be exhausted")
	}
	if res := l.CheckRateLimit("u2", domain.RoleUser, 1, 1); !res.Allowed {
		t.Errorf("u2 denied by u1's usage: %s", res.Reason)
	}
}

func TestGetGlobalStats(t *testing.T) {
	l, _ := newTestLimiter(smallTier())

	l.CheckRateLimit("u1", domain.RoleUser, 1, 1)
	l.CheckRateLimit("u1", domain.RoleUser, 1, 1)
	l.CheckRateLimit("u2", domain.RoleUser, 1, 1)
	l.TrackRequestStart("u2")

	stats := l.GetGlobalStats()
	if stats.Users != 2 {
		t.Errorf("Users = %d, want 2", stats.Users)
	}
	if stats.ConcurrentRequests != 1 {
		t.Errorf("ConcurrentRequests = %d, want 1", stats.ConcurrentRequests)
	}
	if stats.AvgRequestsPerUser != 1.5 {
		t.Errorf("AvgRequestsPerUser = %v, want 1.5", stats.AvgRequestsPerUser)
	}
	if len(stats.TopUsers) != 2 || stats.TopUsers[0].UserID != "u1" {
		t.Errorf("TopUsers = %+v, want u1 first", stats.TopUsers)
	}
}

func TestCleanup_RemovesIdleUsers(t *testing.T) {
	l, clock := newTestLimiter(smallTier())

	l.CheckRateLimit("u1", domain.RoleUser, 1, 1)
	l.CheckRateLimit("u2", domain.RoleUser, 1, 1)

	// Beyond the day window and the bucket idle TTL.
	clock.Advance(25 * time.Hour)
	removed := l.Cleanup()
	if removed != 2 {
		t.Errorf("Cleanup() = %d, want 2", removed)
	}
	if stats := l.GetGlobalStats(); stats.Users != 0 {
		t.Errorf("Users = %d after cleanup, want 0", stats.Users)
	}
}

func TestCleanup_KeepsActiveUsers(t *testing.T) {
	l, clock := newTestLimiter(smallTier())

	l.CheckRateLimit("idle", domain.RoleUser, 1, 1)
	clock.Advance(25 * time.Hour)
	l.CheckRateLimit("active", domain.RoleUser, 1, 1)

	l.Cleanup()
	stats := l.GetGlobalStats()
	if stats.Users != 1 {
		t.Fatalf("Users = %d, want 1", stats.Users)
	}
	if stats.TopUsers[0].UserID != "active" {
		t.Errorf("remaining user = %s, want active", stats.TopUsers[0].UserID)
	}
}

func TestCheckRateLimit_ResultResetAt(t *testing.T) {
	l, clock := newTestLimiter(smallTier())

	for i := 0; i < 3; i++ {
		l.CheckRateLimit("u1", domain.RoleUser, 1, 1)
	}
	res := l.CheckRateLimit("u1", domain.RoleUser, 1, 1)
	if res.Allowed {
		t.Fatal("expected denial")
	}
	if !res.ResetAt.After(clock.Now()) {
		t.Errorf("ResetAt = %v, want after %v", res.ResetAt, clock.Now())
	}
	if got := res.ResetAt.Sub(clock.Now()); got != res.RetryAfter {
		t.Errorf("ResetAt-now = %v, RetryAfter = %v, want equal", got, res.RetryAfter)
	}
}
