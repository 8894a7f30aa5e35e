// Package orchestrator maintains the model registry and drives completion
// requests through provider adapters, walking a configured fallback chain
// of alternate models when a candidate fails with a retryable error.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/eaplan05/ai-core/internal/circuitbreaker"
	"github.com/eaplan05/ai-core/internal/domain"
	"github.com/eaplan05/ai-core/internal/metrics"
	"github.com/eaplan05/ai-core/internal/provider"
)

// ProviderStats counts models per provider tag.
type ProviderStats struct {
	Registered int `json:"registered"`
	Active     int `json:"active"`
}

// Orchestrator is the completion entry point. Construct one in the
// composition root and share it by reference; the registry is in-memory
// only and must be rebuilt on every process start.
type Orchestrator struct {
	mu        sync.RWMutex
	factories map[string]provider.Factory
	deps      provider.Deps
	models    map[string]domain.ModelConfig
	adapters  map[string]provider.CompletionProvider
	fallback  domain.FallbackConfig
	breakers  *circuitbreaker.Manager

	// abortOnNonRetryable stops the whole fallback loop on the first
	// non-retryable error. A credential failure on one provider says
	// nothing about the next one's credentials, so the policy is
	// overridable; the default mirrors the historical behavior.
	abortOnNonRetryable bool

	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithFactories sets the provider tag → adapter factory table.
func WithFactories(factories map[string]provider.Factory) Option {
	return func(o *Orchestrator) { o.factories = factories }
}

// WithDeps sets the collaborators injected into adapters.
func WithDeps(deps provider.Deps) Option {
	return func(o *Orchestrator) { o.deps = deps }
}

// WithFallback sets the initial fallback configuration.
func WithFallback(cfg domain.FallbackConfig) Option {
	return func(o *Orchestrator) { o.fallback = cfg }
}

// WithAbortOnNonRetryable overrides the non-retryable short-circuit
// policy. When false, a non-retryable failure still moves on to the next
// candidate.
func WithAbortOnNonRetryable(abort bool) Option {
	return func(o *Orchestrator) { o.abortOnNonRetryable = abort }
}

// WithCircuitBreakers attaches per-model breakers consulted before each
// candidate attempt.
func WithCircuitBreakers(m *circuitbreaker.Manager) Option {
	return func(o *Orchestrator) { o.breakers = m }
}

// withSleep replaces the inter-retry delay for tests.
func withSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = sleep }
}

func New(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		factories: map[string]provider.Factory{},
		models:    make(map[string]domain.ModelConfig),
		adapters:  make(map[string]provider.CompletionProvider),
		fallback: domain.FallbackConfig{
			MaxRetries: 3,
			RetryDelay: time.Second,
		},
		abortOnNonRetryable: true,
		sleep: func(ctx context.Context, d time.Duration) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
				return nil
			}
		},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RegisterModel stores the config and constructs the matching adapter.
// Fails on an unrecognized provider tag or an adapter that cannot be
// built (e.g. missing credentials).
func (o *Orchestrator) RegisterModel(cfg domain.ModelConfig) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	factory, ok := o.factories[cfg.Provider]
	if !ok {
		return fmt.Errorf("%w: %q (model %s)", domain.ErrUnknownProvider, cfg.Provider, cfg.ID)
	}

	adapter, err := factory(cfg, o.deps)
	if err != nil {
		return fmt.Errorf("build adapter for model %s: %w", cfg.ID, err)
	}

	o.models[cfg.ID] = cfg
	o.adapters[cfg.ID] = adapter
	slog.Info("model registered", "model", cfg.ID, "provider", cfg.Provider)
	return nil
}

// UnregisterModel removes the config and its adapter.
func (o *Orchestrator) UnregisterModel(modelID string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	delete(o.models, modelID)
	delete(o.adapters, modelID)
}

// RegisteredModels lists all registry entries.
func (o *Orchestrator) RegisteredModels() []domain.ModelConfig {
	o.mu.RLock()
	defer o.mu.RUnlock()

	models := make([]domain.ModelConfig, 0, len(o.models))
	for _, cfg := range o.models {
		models = append(models, cfg)
	}
	return models
}

// Model returns one registry entry.
func (o *Orchestrator) Model(modelID string) (domain.ModelConfig, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	cfg, ok := o.models[modelID]
	return cfg, ok
}

// FallbackUpdate is a partial fallback configuration; nil fields keep the
// current value.
type FallbackUpdate struct {
	Enabled    *bool
	Models     []string
	MaxRetries *int
	RetryDelay *time.Duration
}

// SetFallbackConfig merges the update into the current configuration.
func (o *Orchestrator) SetFallbackConfig(update FallbackUpdate) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if update.Enabled != nil {
		o.fallback.Enabled = *update.Enabled
	}
	if update.Models != nil {
		o.fallback.Models = append([]string(nil), update.Models...)
	}
	if update.MaxRetries != nil {
		o.fallback.MaxRetries = *update.MaxRetries
	}
	if update.RetryDelay != nil {
		o.fallback.RetryDelay = *update.RetryDelay
	}
}

// FallbackConfig returns a copy of the current fallback configuration.
func (o *Orchestrator) FallbackConfig() domain.FallbackConfig {
	o.mu.RLock()
	defer o.mu.RUnlock()

	cfg := o.fallback
	cfg.Models = append([]string(nil), o.fallback.Models...)
	return cfg
}

// candidates builds the attempt order: the requested model first, then
// every enabled fallback model not equal to it, truncated to MaxRetries.
func (o *Orchestrator) candidates(modelID string) ([]string, domain.FallbackConfig) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	list := []string{modelID}
	if o.fallback.Enabled {
		for _, id := range o.fallback.Models {
			if id != modelID {
				list = append(list, id)
			}
		}
	}
	if o.fallback.MaxRetries > 0 && len(list) > o.fallback.MaxRetries {
		list = list[:o.fallback.MaxRetries]
	}
	return list, o.fallback
}

func (o *Orchestrator) adapter(modelID string) (provider.CompletionProvider, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	a, ok := o.adapters[modelID]
	return a, ok
}

// GenerateCompletion produces an AIResponse for the logical model id,
// transparently retrying alternate models on retryable failure.
// Candidates are tried strictly in order, never concurrently, so a single
// logical request is billed at most once.
func (o *Orchestrator) GenerateCompletion(ctx context.Context, modelID string, req domain.CompletionRequest) (*domain.AIResponse, error) {
	list, fb := o.candidates(modelID)

	var lastErr error
	for i, candidate := range list {
		if o.breakers != nil {
			if err := o.breakers.Get(candidate).Allow(ctx); err != nil {
				lastErr = fmt.Errorf("model %s: %w", candidate, err)
				slog.Warn("skipping candidate, circuit open", "model", candidate)
				continue
			}
		}

		adapter, ok := o.adapter(candidate)
		if !ok {
			lastErr = fmt.Errorf("%w: %s", domain.ErrModelNotRegistered, candidate)
			slog.Warn("skipping unregistered fallback candidate", "model", candidate)
			continue
		}

		resp, err := adapter.GenerateCompletion(ctx, req)
		if err == nil {
			if o.breakers != nil {
				o.breakers.Get(candidate).RecordSuccess(ctx)
			}
			if i > 0 {
				metrics.RecordFallbackSuccess(modelID, candidate)
				slog.Info("fallback succeeded",
					"requested_model", modelID,
					"served_model", candidate,
					"attempt", i+1,
				)
			}
			return resp, nil
		}

		lastErr = err
		if o.breakers != nil {
			o.breakers.Get(candidate).RecordFailure(ctx)
		}
		metrics.RecordProviderError(o.providerTag(candidate), errorKind(err))
		slog.Warn("completion attempt failed",
			"model", candidate,
			"attempt", i+1,
			"error", err,
		)

		if !domain.IsRetryable(err) && o.abortOnNonRetryable {
			return nil, err
		}

		if i < len(list)-1 && fb.RetryDelay > 0 {
			delay := fb.RetryDelay * time.Duration(i+1)
			if err := o.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}
	}

	return nil, &domain.AllProvidersFailedError{
		Model:    modelID,
		Attempts: len(list),
		LastErr:  lastErr,
	}
}

func (o *Orchestrator) providerTag(modelID string) string {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if cfg, ok := o.models[modelID]; ok {
		return cfg.Provider
	}
	return "unknown"
}

func errorKind(err error) string {
	if pe, ok := err.(*domain.ProviderError); ok {
		return pe.Kind
	}
	return domain.KindInternal
}

// HealthCheck issues a minimal test completion against the named models,
// or against every registered model when none are given. Models are
// probed concurrently; one failure never affects another's result.
func (o *Orchestrator) HealthCheck(ctx context.Context, modelIDs ...string) map[string]bool {
	if len(modelIDs) == 0 {
		o.mu.RLock()
		for id := range o.adapters {
			modelIDs = append(modelIDs, id)
		}
		o.mu.RUnlock()
	}

	one := 1
	probe := domain.CompletionRequest{
		Messages:  []domain.Message{{Role: "user", Content: "ping"}},
		MaxTokens: &one,
	}

	results := make(map[string]bool, len(modelIDs))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, id := range modelIDs {
		wg.Add(1)
		go func(modelID string) {
			defer wg.Done()

			healthy := false
			if adapter, ok := o.adapter(modelID); ok {
				_, err := adapter.GenerateCompletion(ctx, probe)
				healthy = err == nil
			}

			mu.Lock()
			results[modelID] = healthy
			mu.Unlock()
		}(id)
	}

	wg.Wait()
	return results
}

// ProviderStats reports registered and instantiated model counts per
// provider tag.
func (o *Orchestrator) ProviderStats() map[string]ProviderStats {
	o.mu.RLock()
	defer o.mu.RUnlock()

	stats := make(map[string]ProviderStats)
	for id, cfg := range o.models {
		s := stats[cfg.Provider]
		s.Registered++
		if _, ok := o.adapters[id]; ok {
			s.Active++
		}
		stats[cfg.Provider] = s
	}
	return stats
}

// Clear wipes both registries. Used for test isolation and
// reinitialization.
func (o *Orchestrator) Clear() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.models = make(map[string]domain.ModelConfig)
	o.adapters = make(map[string]provider.CompletionProvider)
}
