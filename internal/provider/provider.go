// Package provider defines the contract implemented by each AI backend
// adapter and the collaborators an adapter needs: rate-limit admission,
// usage accounting, and user-profile lookup.
package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/eaplan05/ai-core/internal/cost"
	"github.com/eaplan05/ai-core/internal/domain"
	"github.com/eaplan05/ai-core/internal/ratelimit"
)

// CompletionProvider is the single capability every backend adapter
// implements: produce a completion from messages. Adapters are free to
// differ in transport and wire shape.
type CompletionProvider interface {
	GenerateCompletion(ctx context.Context, req domain.CompletionRequest) (*domain.AIResponse, error)
}

// Factory builds an adapter for one registered model. The orchestrator
// selects the factory by the model config's provider tag.
type Factory func(cfg domain.ModelConfig, deps Deps) (CompletionProvider, error)

// RateLimiter is the admission-control surface adapters depend on.
type RateLimiter interface {
	CheckRateLimit(userID string, role domain.Role, userLevel int, weight float64) ratelimit.Result
	TrackRequestStart(userID string)
	TrackRequestEnd(userID string)
}

// ProfileSource resolves the role and level attached to a user id.
type ProfileSource interface {
	Profile(ctx context.Context, userID string) (*domain.UserProfile, error)
}

// Deps carries the shared collaborators injected into every adapter.
// Any field may be nil; the corresponding behavior is skipped.
type Deps struct {
	Limiter    RateLimiter
	Usage      cost.Tracker
	Profiles   ProfileSource
	HTTPClient *http.Client
}

// Gate performs rate-limit admission for the request's user and starts
// in-flight tracking. The returned done func must run when the provider
// call finishes, success or failure; it is a no-op when no user is
// attached or no limiter is configured.
func Gate(ctx context.Context, deps Deps, cfg domain.ModelConfig, req domain.CompletionRequest) (done func(), err error) {
	noop := func() {}
	if req.UserID == "" || deps.Limiter == nil {
		return noop, nil
	}

	role, level := domain.RoleUser, 1
	if deps.Profiles != nil {
		profile, err := deps.Profiles.Profile(ctx, req.UserID)
		if err != nil {
			slog.Warn("profile lookup failed, using default tier",
				"user_id", req.UserID, "error", err)
		} else {
			role, level = profile.Role, profile.Level
		}
	}

	res := deps.Limiter.CheckRateLimit(req.UserID, role, level, 1)
	if !res.Allowed {
		perr := domain.NewRateLimitError(cfg.Provider, cfg.ID,
			fmt.Sprintf("%s (retry after %s)", res.Reason, res.RetryAfter))
		return noop, perr
	}

	deps.Limiter.TrackRequestStart(req.UserID)
	return func() { deps.Limiter.TrackRequestEnd(req.UserID) }, nil
}

// ReportUsage hands a usage record to the accounting collaborator. Errors
// are logged, never surfaced: billing lag must not fail a served request.
func ReportUsage(ctx context.Context, deps Deps, cfg domain.ModelConfig, resp *domain.AIResponse, userID string) {
	if deps.Usage == nil || userID == "" {
		return
	}

	err := deps.Usage.Record(ctx, cost.UsageRecord{
		UserID:       userID,
		Model:        cfg.ID,
		Provider:     cfg.Provider,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		CostUSD:      resp.CostUSD,
		LatencyMs:    resp.ResponseTimeMs,
		Timestamp:    time.Now(),
	})
	if err != nil {
		slog.Warn("usage record failed",
			"user_id", userID, "model", cfg.ID, "error", err)
	}
}

// EstimateTokens approximates token count as len(text)/4 (~4 characters
// per token). It is a heuristic for backends that do not report usage,
// not exact tokenization.
func EstimateTokens(text string) int {
	n := len(text) / 4
	if n == 0 && len(text) > 0 {
		n = 1
	}
	return n
}

// EstimateMessages sums the token estimate over a message list.
func EstimateMessages(messages []domain.Message) int {
	total := 0
	for _, m := range messages {
		total += EstimateTokens(m.Content)
	}
	return total
}

// Finalize fills the derived fields on a response: total tokens, cost
// from the model's per-token pricing, and wall-clock latency.
func Finalize(resp *domain.AIResponse, cfg domain.ModelConfig, start time.Time) {
	resp.Model = cfg.ID
	resp.TotalTokens = resp.InputTokens + resp.OutputTokens
	resp.CostUSD = cost.Calculate(cfg, resp.InputTokens, resp.OutputTokens)
	resp.ResponseTimeMs = time.Since(start).Milliseconds()
}
