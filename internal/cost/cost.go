// Package cost computes per-request cost from model pricing and records
// usage for billing and observability.
package cost

import (
	"context"
	"sync"
	"time"

	"github.com/eaplan05/ai-core/internal/domain"
)

// Calculate returns the USD cost of a call given the model's per-token
// pricing: inputTokens × CostPerInputToken + outputTokens × CostPerOutputToken.
func Calculate(cfg domain.ModelConfig, inputTokens, outputTokens int) float64 {
	return float64(inputTokens)*cfg.CostPerInputToken + float64(outputTokens)*cfg.CostPerOutputToken
}

// UsageRecord is one billed provider call.
type UsageRecord struct {
	UserID       string
	RequestID    string
	Model        string
	Provider     string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	LatencyMs    int64
	Timestamp    time.Time
}

// Tracker receives usage records from provider adapters. The Postgres
// implementation lives in the repository package; InMemoryTracker is the
// default for single-instance and test use.
type Tracker interface {
	Record(ctx context.Context, record UsageRecord) error
	UserUsage(ctx context.Context, userID string, since time.Time) ([]UsageRecord, error)
	UserTotalCost(ctx context.Context, userID string, since time.Time) (float64, error)
}

type InMemoryTracker struct {
	mu      sync.RWMutex
	records []UsageRecord
}

func NewInMemoryTracker() *InMemoryTracker {
	return &InMemoryTracker{records: make([]UsageRecord, 0)}
}

func (t *InMemoryTracker) Record(ctx context.Context, record UsageRecord) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.records = append(t.records, record)
	return nil
}

func (t *InMemoryTracker) UserUsage(ctx context.Context, userID string, since time.Time) ([]UsageRecord, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var result []UsageRecord
	for _, r := range t.records {
		if r.UserID == userID && r.Timestamp.After(since) {
			result = append(result, r)
		}
	}
	return result, nil
}

func (t *InMemoryTracker) UserTotalCost(ctx context.Context, userID string, since time.Time) (float64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var total float64
	for _, r := range t.records {
		if r.UserID == userID && r.Timestamp.After(since) {
			total += r.CostUSD
		}
	}
	return total, nil
}

func (t *InMemoryTracker) AllRecords() []UsageRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]UsageRecord, len(t.records))
	copy(result, t.records)
	return result
}
