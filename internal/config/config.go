package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr        string
	LogLevel    string
	RedisURL    string
	DatabaseURL string

	// Provider credentials. Empty values may be filled in later from
	// AWS Secrets Manager or sealed env values, see internal/secrets.
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	AnthropicAPIKey string
	GeminiAPIKey    string
	CustomBaseURL   string
	CustomAPIKey    string

	OTLPEndpoint     string
	AWSRegion        string
	EncryptionKey    string
	AdminAuthEnabled bool

	// Fallback chain defaults, adjustable at runtime via the admin API.
	FallbackEnabled    bool
	FallbackModels     []string
	FallbackMaxRetries int
	FallbackRetryDelay time.Duration

	CleanupInterval time.Duration

	CacheEnabled bool
	CacheTTL     time.Duration

	// Async completions and notifications.
	SNSTopicARN         string
	SQSRequestQueueURL  string
	SQSResponseQueueURL string
	QueueWorkers        int

	BudgetCheckInterval time.Duration

	// Horizontal scaling features
	UseDistributedCircuitBreaker bool

	// Graceful shutdown
	ShutdownTimeout time.Duration
	DrainTimeout    time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		Addr:                         getEnv("ADDR", ":8080"),
		LogLevel:                     getEnv("LOG_LEVEL", "info"),
		RedisURL:                     getEnv("REDIS_URL", ""),
		DatabaseURL:                  getEnv("DATABASE_URL", ""),
		OpenAIAPIKey:                 getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:                getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		AnthropicAPIKey:              getEnv("ANTHROPIC_API_KEY", ""),
		GeminiAPIKey:                 getEnv("GEMINI_API_KEY", ""),
		CustomBaseURL:                getEnv("CUSTOM_BASE_URL", ""),
		CustomAPIKey:                 getEnv("CUSTOM_API_KEY", ""),
		OTLPEndpoint:                 getEnv("OTLP_ENDPOINT", ""),
		AWSRegion:                    getEnv("AWS_REGION", ""),
		EncryptionKey:                getEnv("ENCRYPTION_KEY", ""),
		AdminAuthEnabled:             getEnv("ADMIN_AUTH_ENABLED", "false") == "true",
		FallbackEnabled:              getEnv("FALLBACK_ENABLED", "true") == "true",
		FallbackModels:               getListEnv("FALLBACK_MODELS", nil),
		FallbackMaxRetries:           getIntEnv("FALLBACK_MAX_RETRIES", 3),
		FallbackRetryDelay:           getDurationEnv("FALLBACK_RETRY_DELAY", time.Second),
		CleanupInterval:              getDurationEnv("CLEANUP_INTERVAL", 5*time.Minute),
		CacheEnabled:                 getEnv("CACHE_ENABLED", "true") == "true",
		CacheTTL:                     getDurationEnv("CACHE_TTL", 5*time.Minute),
		SNSTopicARN:                  getEnv("SNS_TOPIC_ARN", ""),
		SQSRequestQueueURL:           getEnv("SQS_REQUEST_QUEUE_URL", ""),
		SQSResponseQueueURL:          getEnv("SQS_RESPONSE_QUEUE_URL", ""),
		QueueWorkers:                 getIntEnv("QUEUE_WORKERS", 4),
		BudgetCheckInterval:          getDurationEnv("BUDGET_CHECK_INTERVAL", time.Minute),
		UseDistributedCircuitBreaker: getEnv("USE_DISTRIBUTED_CB", "false") == "true",
		ShutdownTimeout:              getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
		DrainTimeout:                 getDurationEnv("DRAIN_TIMEOUT", 15*time.Second),
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
