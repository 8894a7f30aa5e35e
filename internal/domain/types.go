package domain

import "time"

// Role identifies the quota tier a caller belongs to.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleSubadmin Role = "subadmin"
	RoleUser     Role = "user"
)

// Message is a single turn in a chat-style completion prompt.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is the provider-agnostic completion input. UserID is
// optional; when present the adapter performs rate-limit admission and
// usage accounting for that user.
type CompletionRequest struct {
	Messages    []Message `json:"messages"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	UserID      string    `json:"user_id,omitempty"`
}

// Finish reasons reported on AIResponse.
const (
	FinishStop   = "stop"
	FinishLength = "length"
	FinishError  = "error"
)

// AIResponse is the value returned to callers for a completed request.
// It is immutable once constructed.
type AIResponse struct {
	Content        string  `json:"content"`
	Model          string  `json:"model"`
	InputTokens    int     `json:"input_tokens"`
	OutputTokens   int     `json:"output_tokens"`
	TotalTokens    int     `json:"total_tokens"`
	CostUSD        float64 `json:"cost_usd"`
	ResponseTimeMs int64   `json:"response_time_ms"`
	FinishReason   string  `json:"finish_reason"`
}

// RateLimitHints carries per-model limit hints from the registry entry.
// They are advisory; enforcement happens per user, not per model.
type RateLimitHints struct {
	RequestsPerMinute int `json:"requests_per_minute,omitempty"`
	TokensPerMinute   int `json:"tokens_per_minute,omitempty"`
}

// ModelConfig is a registry entry mapping a logical model id to a concrete
// provider backend. The registry has no persistence: entries are rebuilt on
// every process start.
type ModelConfig struct {
	ID                 string         `json:"id"`
	Name               string         `json:"name"`
	Provider           string         `json:"provider"`
	ProviderModelID    string         `json:"provider_model_id"`
	MaxTokens          int            `json:"max_tokens"`
	CostPerInputToken  float64        `json:"cost_per_input_token"`
	CostPerOutputToken float64        `json:"cost_per_output_token"`
	RateLimits         RateLimitHints `json:"rate_limits,omitempty"`
	BaseURL            string         `json:"base_url,omitempty"`
	APIKey             string         `json:"-"`
}

// FallbackConfig controls the orchestrator's retry chain. Models are tried
// in order after the requested model fails with a retryable error.
type FallbackConfig struct {
	Enabled    bool          `json:"enabled"`
	Models     []string      `json:"models"`
	MaxRetries int           `json:"max_retries"`
	RetryDelay time.Duration `json:"retry_delay"`
}

// UserProfile is the external identity attached to inbound requests.
// Role and Level feed the rate limiter's tier scaling.
type UserProfile struct {
	ID         string
	Name       string
	APIKeyHash string
	Role       Role
	Level      int
	BudgetUSD  float64
	Enabled    bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
