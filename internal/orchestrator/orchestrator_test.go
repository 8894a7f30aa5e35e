package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/eaplan05/ai-core/internal/circuitbreaker"
	"github.com/eaplan05/ai-core/internal/domain"
	"github.com/eaplan05/ai-core/internal/provider"
)

// fakeAdapter returns a canned response or error and records its model
// id in the harness call log.
type fakeAdapter struct {
	h     *harness
	model string
	err   error
}

func (f *fakeAdapter) GenerateCompletion(ctx context.Context, req domain.CompletionRequest) (*domain.AIResponse, error) {
	f.h.mu.Lock()
	f.h.calls = append(f.h.calls, f.model)
	f.h.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &domain.AIResponse{
		Content:      "response from " + f.model,
		Model:        f.model,
		FinishReason: domain.FinishStop,
	}, nil
}

// harness wires an orchestrator over fake adapters with a recording
// sleep so retry delays never stall the test.
type harness struct {
	orch   *Orchestrator
	mu     sync.Mutex
	calls  []string
	delays []time.Duration
	errs   map[string]error
}

func newHarness(t *testing.T, models []string, opts ...Option) *harness {
	t.Helper()
	return newHarnessFrom(t, &harness{errs: make(map[string]error)}, models, opts...)
}

func request() domain.CompletionRequest {
	return domain.CompletionRequest{
		Messages: []domain.Message{{Role: "user", Content: "hello"}},
	}
}

func TestGenerateCompletion_Success(t *testing.T) {
	h := newHarness(t, []string{"m1"})

	resp, err := h.orch.GenerateCompletion(context.Background(), "m1", request())
	if err != nil {
		t.Fatalf("GenerateCompletion: %v", err)
	}
	if resp.Model != "m1" {
		t.Errorf("Model = %q, want m1", resp.Model)
	}
	if len(h.calls) != 1 {
		t.Errorf("calls = %v, want one attempt", h.calls)
	}
	if len(h.delays) != 0 {
		t.Errorf("delays = %v, want none on success", h.delays)
	}
}

func TestGenerateCompletion_FallbackOnRetryable(t *testing.T) {
	h := &harness{errs: map[string]error{
		"m1": domain.NewRateLimitError("fake", "m1", "slow down"),
	}}
	h = newHarnessFrom(t, h, []string{"m1", "m2"}, WithFallback(domain.FallbackConfig{
		Enabled:    true,
		Models:     []string{"m2"},
		MaxRetries: 3,
		RetryDelay: time.Second,
	}))

	resp, err := h.orch.GenerateCompletion(context.Background(), "m1", request())
	if err != nil {
		t.Fatalf("GenerateCompletion: %v", err)
	}
	if resp.Model != "m2" {
		t.Errorf("Model = %q, want fallback m2", resp.Model)
	}
	if want := []string{"m1", "m2"}; !equalStrings(h.calls, want) {
		t.Errorf("calls = %v, want %v", h.calls, want)
	}
	if len(h.delays) != 1 || h.delays[0] != time.Second {
		t.Errorf("delays = %v, want [1s]", h.delays)
	}
}

// newHarnessFrom builds the orchestrator over an existing harness whose
// error table was populated first; adapters capture their error at
// registration time.
func newHarnessFrom(t *testing.T, h *harness, models []string, opts ...Option) *harness {
	t.Helper()

	factory := func(cfg domain.ModelConfig, deps provider.Deps) (provider.CompletionProvider, error) {
		return &fakeAdapter{h: h, model: cfg.ID, err: h.errs[cfg.ID]}, nil
	}
	opts = append([]Option{
		WithFactories(map[string]provider.Factory{"fake": factory}),
		withSleep(func(ctx context.Context, d time.Duration) error {
			h.delays = append(h.delays, d)
			return nil
		}),
	}, opts...)

	h.orch = New(opts...)
	for _, id := range models {
		if err := h.orch.RegisterModel(domain.ModelConfig{ID: id, Provider: "fake"}); err != nil {
			t.Fatalf("RegisterModel(%s): %v", id, err)
		}
	}
	return h
}

func TestGenerateCompletion_DelayGrowsPerAttempt(t *testing.T) {
	h := &harness{errs: map[string]error{
		"m1": domain.NewTimeoutError("fake", "m1", "deadline"),
		"m2": domain.NewTimeoutError("fake", "m2", "deadline"),
		"m3": domain.NewTimeoutError("fake", "m3", "deadline"),
	}}
	h = newHarnessFrom(t, h, []string{"m1", "m2", "m3"}, WithFallback(domain.FallbackConfig{
		Enabled:    true,
		Models:     []string{"m2", "m3"},
		MaxRetries: 3,
		RetryDelay: 100 * time.Millisecond,
	}))

	_, err := h.orch.GenerateCompletion(context.Background(), "m1", request())
	if err == nil {
		t.Fatal("expected terminal error")
	}

	// Delays scale with the attempt index and there is none after the
	// last candidate.
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}
	if len(h.delays) != len(want) {
		t.Fatalf("delays = %v, want %v", h.delays, want)
	}
	for i := range want {
		if h.delays[i] != want[i] {
			t.Errorf("delays[%d] = %v, want %v", i, h.delays[i], want[i])
		}
	}
}

func TestGenerateCompletion_DeduplicatesRequestedModel(t *testing.T) {
	h := &harness{errs: map[string]error{
		"m1": domain.NewRateLimitError("fake", "m1", "busy"),
	}}
	h = newHarnessFrom(t, h, []string{"m1", "m2"}, WithFallback(domain.FallbackConfig{
		Enabled:    true,
		Models:     []string{"m1", "m2"},
		MaxRetries: 5,
		RetryDelay: time.Millisecond,
	}))

	resp, err := h.orch.GenerateCompletion(context.Background(), "m1", request())
	if err != nil {
		t.Fatalf("GenerateCompletion: %v", err)
	}
	if resp.Model != "m2" {
		t.Errorf("Model = %q, want m2", resp.Model)
	}
	if want := []string{"m1", "m2"}; !equalStrings(h.calls, want) {
		t.Errorf("calls = %v, want %v (requested model tried once)", h.calls, want)
	}
}

func TestGenerateCompletion_RequestedModelLeadsMidChain(t *testing.T) {
	// Requesting a model that sits in the middle of the fallback chain
	// moves it to the front; the rest of the chain keeps its order.
	h := &harness{errs: map[string]error{
		"mB": domain.NewRateLimitError("fake", "mB", "busy"),
		"mA": domain.NewRateLimitError("fake", "mA", "busy"),
	}}
	h = newHarnessFrom(t, h, []string{"mA", "mB", "mC"}, WithFallback(domain.FallbackConfig{
		Enabled:    true,
		Models:     []string{"mA", "mB", "mC"},
		MaxRetries: 5,
		RetryDelay: time.Millisecond,
	}))

	resp, err := h.orch.GenerateCompletion(context.Background(), "mB", request())
	if err != nil {
		t.Fatalf("GenerateCompletion: %v", err)
	}
	if resp.Model != "mC" {
		t.Errorf("Model = %q, want mC", resp.Model)
	}
	if want := []string{"mB", "mA", "mC"}; !equalStrings(h.calls, want) {
		t.Errorf("calls = %v, want %v", h.calls, want)
	}
}

func TestGenerateCompletion_MaxRetriesTruncatesChain(t *testing.T) {
	h := &harness{errs: map[string]error{
		"m1": domain.NewRateLimitError("fake", "m1", "busy"),
		"m2": domain.NewRateLimitError("fake", "m2", "busy"),
		"m3": domain.NewRateLimitError("fake", "m3", "busy"),
	}}
	h = newHarnessFrom(t, h, []string{"m1", "m2", "m3"}, WithFallback(domain.FallbackConfig{
		Enabled:    true,
		Models:     []string{"m2", "m3"},
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
	}))

	_, err := h.orch.GenerateCompletion(context.Background(), "m1", request())

	var failed *domain.AllProvidersFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("error = %v, want AllProvidersFailedError", err)
	}
	if failed.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", failed.Attempts)
	}
	if want := []string{"m1", "m2"}; !equalStrings(h.calls, want) {
		t.Errorf("calls = %v, want %v (m3 truncated)", h.calls, want)
	}
}

func TestGenerateCompletion_NonRetryableAborts(t *testing.T) {
	authErr := domain.NewAuthenticationError("fake", "m1", "bad key")
	h := &harness{errs: map[string]error{"m1": authErr}}
	h = newHarnessFrom(t, h, []string{"m1", "m2"}, WithFallback(domain.FallbackConfig{
		Enabled:    true,
		Models:     []string{"m2"},
		MaxRetries: 3,
		RetryDelay: time.Millisecond,
	}))

	_, err := h.orch.GenerateCompletion(context.Background(), "m1", request())

	var pe *domain.ProviderError
	if !errors.As(err, &pe) || pe.Kind != domain.KindAuthentication {
		t.Fatalf("error = %v, want the authentication error itself", err)
	}
	if len(h.calls) != 1 {
		t.Errorf("calls = %v, want fallback not attempted", h.calls)
	}
}

func TestGenerateCompletion_NonRetryableContinuesWhenOverridden(t *testing.T) {
	h := &harness{errs: map[string]error{
		"m1": domain.NewAuthenticationError("fake", "m1", "bad key"),
	}}
	h = newHarnessFrom(t, h, []string{"m1", "m2"},
		WithFallback(domain.FallbackConfig{
			Enabled:    true,
			Models:     []string{"m2"},
			MaxRetries: 3,
			RetryDelay: time.Millisecond,
		}),
		WithAbortOnNonRetryable(false),
	)

	resp, err := h.orch.GenerateCompletion(context.Background(), "m1", request())
	if err != nil {
		t.Fatalf("GenerateCompletion: %v", err)
	}
	if resp.Model != "m2" {
		t.Errorf("Model = %q, want m2", resp.Model)
	}
}

func TestGenerateCompletion_SkipsUnregisteredCandidate(t *testing.T) {
	h := &harness{errs: map[string]error{
		"m1": domain.NewRateLimitError("fake", "m1", "busy"),
	}}
	h = newHarnessFrom(t, h, []string{"m1", "m3"}, WithFallback(domain.FallbackConfig{
		Enabled:    true,
		Models:     []string{"ghost", "m3"},
		MaxRetries: 5,
		RetryDelay: time.Millisecond,
	}))

	resp, err := h.orch.GenerateCompletion(context.Background(), "m1", request())
	if err != nil {
		t.Fatalf("GenerateCompletion: %v", err)
	}
	if resp.Model != "m3" {
		t.Errorf("Model = %q, want m3", resp.Model)
	}
	if want := []string{"m1", "m3"}; !equalStrings(h.calls, want) {
		t.Errorf("calls = %v, want %v (ghost skipped without an attempt)", h.calls, want)
	}
}

func TestGenerateCompletion_UnknownModelNoFallback(t *testing.T) {
	h := newHarness(t, []string{"m1"})

	_, err := h.orch.GenerateCompletion(context.Background(), "missing", request())

	var failed *domain.AllProvidersFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("error = %v, want AllProvidersFailedError", err)
	}
	if !errors.Is(err, domain.ErrModelNotRegistered) {
		t.Errorf("error chain missing ErrModelNotRegistered: %v", err)
	}
	if len(h.calls) != 0 {
		t.Errorf("calls = %v, want none", h.calls)
	}
}

func TestGenerateCompletion_TerminalErrorWrapsLast(t *testing.T) {
	last := domain.NewTransportError("fake", "m1", 502, "bad gateway")
	h := &harness{errs: map[string]error{"m1": last}}
	h = newHarnessFrom(t, h, []string{"m1"})

	_, err := h.orch.GenerateCompletion(context.Background(), "m1", request())

	var failed *domain.AllProvidersFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("error = %v, want AllProvidersFailedError", err)
	}
	var pe *domain.ProviderError
	if !errors.As(failed, &pe) || pe.StatusCode != 502 {
		t.Errorf("Unwrap chain lost the underlying transport error: %v", err)
	}
}

func TestGenerateCompletion_CircuitOpenSkipsCandidate(t *testing.T) {
	breakers := circuitbreaker.NewManager(circuitbreaker.Config{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          time.Hour,
	})
	breakers.Get("m1").RecordFailure(context.Background())

	h := newHarness(t, []string{"m1", "m2"},
		WithFallback(domain.FallbackConfig{
			Enabled:    true,
			Models:     []string{"m2"},
			MaxRetries: 3,
			RetryDelay: time.Millisecond,
		}),
		WithCircuitBreakers(breakers),
	)

	resp, err := h.orch.GenerateCompletion(context.Background(), "m1", request())
	if err != nil {
		t.Fatalf("GenerateCompletion: %v", err)
	}
	if resp.Model != "m2" {
		t.Errorf("Model = %q, want m2", resp.Model)
	}
	if want := []string{"m2"}; !equalStrings(h.calls, want) {
		t.Errorf("calls = %v, want only m2 (m1 circuit open)", h.calls)
	}
}

func TestGenerateCompletion_AllCircuitsOpen(t *testing.T) {
	breakers := circuitbreaker.NewManager(circuitbreaker.Config{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          time.Hour,
	})
	breakers.Get("m1").RecordFailure(context.Background())

	h := newHarness(t, []string{"m1"}, WithCircuitBreakers(breakers))

	_, err := h.orch.GenerateCompletion(context.Background(), "m1", request())
	if !errors.Is(err, domain.ErrCircuitBreakerOpen) {
		t.Fatalf("error = %v, want ErrCircuitBreakerOpen in chain", err)
	}
	if len(h.calls) != 0 {
		t.Errorf("calls = %v, want none", h.calls)
	}
}

func TestRegisterModel_UnknownProvider(t *testing.T) {
	h := newHarness(t, nil)

	err := h.orch.RegisterModel(domain.ModelConfig{ID: "x", Provider: "nope"})
	if !errors.Is(err, domain.ErrUnknownProvider) {
		t.Fatalf("error = %v, want ErrUnknownProvider", err)
	}
}

func TestRegisterModel_FactoryFailure(t *testing.T) {
	buildErr := errors.New("missing credentials")
	orch := New(WithFactories(map[string]provider.Factory{
		"broken": func(cfg domain.ModelConfig, deps provider.Deps) (provider.CompletionProvider, error) {
			return nil, buildErr
		},
	}))

	err := orch.RegisterModel(domain.ModelConfig{ID: "x", Provider: "broken"})
	if !errors.Is(err, buildErr) {
		t.Fatalf("error = %v, want wrapped factory error", err)
	}
	if _, ok := orch.Model("x"); ok {
		t.Error("failed registration left a registry entry")
	}
}

func TestUnregisterModel(t *testing.T) {
	h := newHarness(t, []string{"m1"})

	h.orch.UnregisterModel("m1")
	if _, ok := h.orch.Model("m1"); ok {
		t.Error("model still registered after unregister")
	}

	_, err := h.orch.GenerateCompletion(context.Background(), "m1", request())
	if err == nil {
		t.Error("completion for unregistered model succeeded")
	}
}

func TestSetFallbackConfig_PartialMerge(t *testing.T) {
	h := newHarness(t, nil, WithFallback(domain.FallbackConfig{
		Enabled:    true,
		Models:     []string{"a", "b"},
		MaxRetries: 3,
		RetryDelay: time.Second,
	}))

	retries := 5
	h.orch.SetFallbackConfig(FallbackUpdate{MaxRetries: &retries})

	cfg := h.orch.FallbackConfig()
	if cfg.MaxRetries != 5 {
		t.Errorf("MaxRetries = %d, want 5", cfg.MaxRetries)
	}
	if !cfg.Enabled || len(cfg.Models) != 2 || cfg.RetryDelay != time.Second {
		t.Errorf("untouched fields changed: %+v", cfg)
	}
}

func TestFallbackConfig_ReturnsCopy(t *testing.T) {
	h := newHarness(t, nil, WithFallback(domain.FallbackConfig{
		Enabled: true,
		Models:  []string{"a", "b"},
	}))

	cfg := h.orch.FallbackConfig()
	cfg.Models[0] = "mutated"

	if got := h.orch.FallbackConfig().Models[0]; got != "a" {
		t.Errorf("Models[0] = %q after caller mutation, want a", got)
	}
}

func TestProviderStats(t *testing.T) {
	h := newHarness(t, []string{"m1", "m2"})

	stats := h.orch.ProviderStats()
	s, ok := stats["fake"]
	if !ok {
		t.Fatalf("stats = %v, want fake entry", stats)
	}
	if s.Registered != 2 || s.Active != 2 {
		t.Errorf("stats = %+v, want 2 registered, 2 active", s)
	}
}

func TestHealthCheck(t *testing.T) {
	h := &harness{errs: map[string]error{
		"sick": domain.NewTransportError("fake", "sick", 500, "down"),
	}}
	h = newHarnessFrom(t, h, []string{"well", "sick"})

	results := h.orch.HealthCheck(context.Background())
	if len(results) != 2 {
		t.Fatalf("results = %v, want 2 entries", results)
	}
	if !results["well"] {
		t.Error("well reported unhealthy")
	}
	if results["sick"] {
		t.Error("sick reported healthy")
	}
}

func TestHealthCheck_NamedSubset(t *testing.T) {
	h := newHarness(t, []string{"m1", "m2"})

	results := h.orch.HealthCheck(context.Background(), "m1")
	if len(results) != 1 {
		t.Fatalf("results = %v, want only m1", results)
	}
	if !results["m1"] {
		t.Error("m1 reported unhealthy")
	}
}

func TestClear(t *testing.T) {
	h := newHarness(t, []string{"m1", "m2"})

	h.orch.Clear()
	if models := h.orch.RegisteredModels(); len(models) != 0 {
		t.Errorf("RegisteredModels = %v after Clear, want empty", models)
	}
}

func equalStrings(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}
