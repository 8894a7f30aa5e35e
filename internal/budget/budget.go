// Package budget watches per-user spend against the budget on the user
// profile and fires alerts when thresholds are crossed. Budgets are
// monthly; a user with BudgetUSD <= 0 has no budget.
package budget

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/eaplan05/ai-core/internal/cost"
	"github.com/eaplan05/ai-core/internal/domain"
	"github.com/eaplan05/ai-core/internal/metrics"
)

type AlertLevel string

const (
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelCritical AlertLevel = "critical"
	AlertLevelExceeded AlertLevel = "exceeded"
)

type Alert struct {
	UserID     string
	Level      AlertLevel
	Budget     float64
	CurrentUse float64
	Percentage float64
	Timestamp  time.Time
}

type AlertHandler func(alert Alert)

// Thresholds are fractions of the monthly budget. Exceeded is always 1.0.
type Thresholds struct {
	Warning  float64
	Critical float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{Warning: 0.8, Critical: 0.95}
}

// classify maps a spend fraction to an alert level, or "" when the spend
// is below the warning threshold.
func (t Thresholds) classify(fraction float64) AlertLevel {
	switch {
	case fraction >= 1.0:
		return AlertLevelExceeded
	case fraction >= t.Critical:
		return AlertLevelCritical
	case fraction >= t.Warning:
		return AlertLevelWarning
	}
	return ""
}

// Monitor evaluates user spend against budgets and dispatches alerts to
// registered handlers, deduplicating so each threshold crossing fires once.
type Monitor struct {
	tracker    cost.Tracker
	thresholds Thresholds
	dedup      AlertDeduplicator

	mu       sync.RWMutex
	handlers []AlertHandler
}

type MonitorOption func(*Monitor)

// WithDeduplicator replaces the default in-memory alert deduplicator,
// typically with the Redis one when running multiple instances.
func WithDeduplicator(dedup AlertDeduplicator) MonitorOption {
	return func(m *Monitor) {
		m.dedup = dedup
	}
}

func NewMonitor(tracker cost.Tracker, thresholds Thresholds, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		tracker:    tracker,
		thresholds: thresholds,
		dedup:      NewInMemoryDeduplicator(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnAlert registers a handler invoked synchronously for each new alert.
func (m *Monitor) OnAlert(handler AlertHandler) {
	m.mu.Lock()
	m.handlers = append(m.handlers, handler)
	m.mu.Unlock()
}

func startOfMonth() time.Time {
	now := time.Now().UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// monthSpend returns the user's accumulated cost for the current month.
func (m *Monitor) monthSpend(ctx context.Context, userID string) (float64, error) {
	return m.tracker.UserTotalCost(ctx, userID, startOfMonth())
}

// Check evaluates a user's spend and fires an alert when a threshold is
// first crossed. Repeat checks at the same level stay silent until the
// spend drops back below the warning threshold.
func (m *Monitor) Check(ctx context.Context, profile *domain.UserProfile) (*Alert, error) {
	if profile.BudgetUSD <= 0 {
		return nil, nil
	}

	spend, err := m.monthSpend(ctx, profile.ID)
	if err != nil {
		return nil, err
	}

	fraction := spend / profile.BudgetUSD
	metrics.SetBudgetUsage(profile.ID, fraction)

	level := m.thresholds.classify(fraction)
	if level == "" {
		m.dedup.ClearAlert(ctx, profile.ID)
		return nil, nil
	}
	if !m.dedup.ShouldAlert(ctx, profile.ID, level) {
		return nil, nil
	}

	alert := &Alert{
		UserID:     profile.ID,
		Level:      level,
		Budget:     profile.BudgetUSD,
		CurrentUse: spend,
		Percentage: fraction * 100,
		Timestamp:  time.Now(),
	}
	m.dispatch(*alert)
	return alert, nil
}

func (m *Monitor) dispatch(alert Alert) {
	m.mu.RLock()
	handlers := make([]AlertHandler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.RUnlock()

	for _, handler := range handlers {
		handler(alert)
	}
}

// IsBudgetExceeded reports whether a user has spent their monthly budget.
// Used for pre-request admission: exceeded users get ErrBudgetExceeded.
func (m *Monitor) IsBudgetExceeded(ctx context.Context, profile *domain.UserProfile) (bool, error) {
	if profile.BudgetUSD <= 0 {
		return false, nil
	}
	spend, err := m.monthSpend(ctx, profile.ID)
	if err != nil {
		return false, err
	}
	return spend >= profile.BudgetUSD, nil
}

// LogAlertHandler writes alerts to the structured log. Registered as a
// baseline handler so alerts are visible even without a notifier.
func LogAlertHandler(alert Alert) {
	slog.Warn("budget alert",
		"user_id", alert.UserID,
		"level", alert.Level,
		"budget", alert.Budget,
		"current_use", alert.CurrentUse,
		"percentage", alert.Percentage,
	)
}
