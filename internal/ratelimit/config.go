package ratelimit

import (
	"math"
	"time"

	"github.com/eaplan05/ai-core/internal/domain"
)

// Unlimited marks a limit axis that is never enforced.
const Unlimited = -1

// TierConfig is the immutable per-role limit table. Instances are built
// once at startup and never mutated; effective limits are derived copies.
type TierConfig struct {
	RequestsPerMinute int
	RequestsPerHour   int
	RequestsPerDay    int
	MaxConcurrent     int
	Burst             int
	Window            time.Duration
}

// unlimited reports whether every axis of the tier is the Unlimited
// sentinel, in which case checks skip counters entirely.
func (c TierConfig) unlimited() bool {
	return c.RequestsPerMinute == Unlimited &&
		c.RequestsPerHour == Unlimited &&
		c.RequestsPerDay == Unlimited &&
		c.MaxConcurrent == Unlimited
}

// DefaultTiers returns the built-in role tier table.
func DefaultTiers() map[domain.Role]TierConfig {
	return map[domain.Role]TierConfig{
		domain.RoleAdmin: {
			RequestsPerMinute: Unlimited,
			RequestsPerHour:   Unlimited,
			RequestsPerDay:    Unlimited,
			MaxConcurrent:     Unlimited,
			Burst:             Unlimited,
			Window:            time.Minute,
		},
		domain.RoleSubadmin: {
			RequestsPerMinute: 60,
			RequestsPerHour:   600,
			RequestsPerDay:    5000,
			MaxConcurrent:     10,
			Burst:             20,
			Window:            time.Minute,
		},
		domain.RoleUser: {
			RequestsPerMinute: 30,
			RequestsPerHour:   300,
			RequestsPerDay:    1000,
			MaxConcurrent:     5,
			Burst:             10,
			Window:            time.Minute,
		},
	}
}

// levelFactor converts a user level into a limit multiplier:
// min(1 + (level-1) * 0.2, 2). Levels at or below 1 leave limits unchanged.
func levelFactor(level int) float64 {
	if level <= 1 {
		return 1
	}
	return math.Min(1+float64(level-1)*0.2, 2)
}

// scaled returns the tier with every bounded axis multiplied by the level
// factor. The Unlimited sentinel is left untouched.
func (c TierConfig) scaled(level int) TierConfig {
	f := levelFactor(level)
	if f == 1 {
		return c
	}
	scale := func(v int) int {
		if v == Unlimited {
			return Unlimited
		}
		return int(float64(v) * f)
	}
	c.RequestsPerMinute = scale(c.RequestsPerMinute)
	c.RequestsPerHour = scale(c.RequestsPerHour)
	c.RequestsPerDay = scale(c.RequestsPerDay)
	c.MaxConcurrent = scale(c.MaxConcurrent)
	c.Burst = scale(c.Burst)
	return c
}
