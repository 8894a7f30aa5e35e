// Package circuitbreaker keeps failing models out of the fallback
// rotation. A model whose adapter keeps erroring trips its breaker; the
// orchestrator then skips it until the timeout elapses and a half-open
// probe succeeds.
//
// Implementations:
//   - InMemoryCircuitBreaker: single instance, sync.Mutex
//   - RedisCircuitBreaker: distributed, Lua scripts for atomicity
package circuitbreaker

import (
	"context"
	"sync"
	"time"

	"github.com/eaplan05/ai-core/internal/domain"
	"github.com/eaplan05/ai-core/internal/metrics"
)

// CircuitBreaker is satisfied by both the in-memory and Redis
// implementations.
type CircuitBreaker interface {
	// Allow returns nil when a request may pass, ErrCircuitBreakerOpen
	// when the circuit is open.
	Allow(ctx context.Context) error

	// RecordSuccess notes a successful call. In half-open state enough
	// successes close the circuit.
	RecordSuccess(ctx context.Context)

	// RecordFailure notes a failed call. Enough failures open the circuit.
	RecordFailure(ctx context.Context)

	// State returns the current breaker state.
	State(ctx context.Context) State
}

// State of a breaker.
type State int

const (
	StateClosed   State = iota // normal operation
	StateOpen                  // failing fast
	StateHalfOpen              // probing recovery
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config defines breaker behavior.
type Config struct {
	FailureThreshold int           // consecutive failures before opening
	SuccessThreshold int           // probe successes to close from half-open
	Timeout          time.Duration // open duration before probing resumes
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

// InMemoryCircuitBreaker guards one model with process-local state.
// The breaker counts consecutive failures while closed; once tripped it
// rejects everything until Timeout has passed since it opened, then
// lets probes through and closes again after SuccessThreshold of them
// succeed.
type InMemoryCircuitBreaker struct {
	model string
	cfg   Config

	mu          sync.Mutex
	state       State
	consecFails int
	probeWins   int
	openedAt    time.Time
}

func NewInMemory(modelID string, cfg Config) *InMemoryCircuitBreaker {
	return &InMemoryCircuitBreaker{model: modelID, cfg: cfg}
}

// transition must be called with cb.mu held.
func (cb *InMemoryCircuitBreaker) transition(next State) {
	cb.state = next
	metrics.SetCircuitBreakerState(cb.model, int(next))
}

// trip opens the circuit and starts the recovery clock. Must be called
// with cb.mu held.
func (cb *InMemoryCircuitBreaker) trip() {
	cb.transition(StateOpen)
	cb.openedAt = time.Now()
	cb.consecFails = 0
	cb.probeWins = 0
}

func (cb *InMemoryCircuitBreaker) Allow(ctx context.Context) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateOpen {
		return nil
	}
	if time.Since(cb.openedAt) > cb.cfg.Timeout {
		cb.transition(StateHalfOpen)
		cb.probeWins = 0
		return nil
	}
	return domain.ErrCircuitBreakerOpen
}

func (cb *InMemoryCircuitBreaker) RecordSuccess(ctx context.Context) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.consecFails = 0
	case StateHalfOpen:
		cb.probeWins++
		if cb.probeWins >= cb.cfg.SuccessThreshold {
			cb.transition(StateClosed)
			cb.consecFails = 0
			cb.probeWins = 0
		}
	}
}

func (cb *InMemoryCircuitBreaker) RecordFailure(ctx context.Context) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.consecFails++
		if cb.consecFails >= cb.cfg.FailureThreshold {
			cb.trip()
		}
	case StateHalfOpen:
		// A failed probe sends the breaker straight back to open.
		cb.trip()
	}
}

func (cb *InMemoryCircuitBreaker) State(ctx context.Context) State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the current consecutive-failure count.
func (cb *InMemoryCircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.consecFails
}

// Manager holds one breaker per model id, created lazily.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]CircuitBreaker
	config   Config
	factory  func(modelID string) CircuitBreaker
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithRedis backs breakers with Redis for cross-instance consistency.
func WithRedis(redisURL string) ManagerOption {
	return func(m *Manager) {
		m.factory = func(modelID string) CircuitBreaker {
			cb, err := NewRedis(redisURL, modelID, m.config)
			if err != nil {
				// Redis unavailable at construction time: degrade to a
				// process-local breaker rather than running without one.
				return NewInMemory(modelID, m.config)
			}
			return cb
		}
	}
}

// NewManager creates a breaker manager; in-memory breakers by default.
func NewManager(cfg Config, opts ...ManagerOption) *Manager {
	m := &Manager{
		breakers: make(map[string]CircuitBreaker),
		config:   cfg,
		factory: func(modelID string) CircuitBreaker {
			return NewInMemory(modelID, cfg)
		},
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Get returns the breaker for a model, creating one if needed.
func (m *Manager) Get(modelID string) CircuitBreaker {
	m.mu.RLock()
	cb, ok := m.breakers[modelID]
	m.mu.RUnlock()

	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.breakers[modelID]; ok {
		return existing
	}

	cb = m.factory(modelID)
	m.breakers[modelID] = cb
	return cb
}

// States returns the current state of every known breaker.
func (m *Manager) States() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ctx := context.Background()
	states := make(map[string]string)
	for id, cb := range m.breakers {
		states[id] = cb.State(ctx).String()
	}
	return states
}
