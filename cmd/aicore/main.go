package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/eaplan05/ai-core/internal/api"
	"github.com/eaplan05/ai-core/internal/auth"
	"github.com/eaplan05/ai-core/internal/budget"
	"github.com/eaplan05/ai-core/internal/cache"
	"github.com/eaplan05/ai-core/internal/circuitbreaker"
	"github.com/eaplan05/ai-core/internal/config"
	"github.com/eaplan05/ai-core/internal/cost"
	"github.com/eaplan05/ai-core/internal/crypto"
	"github.com/eaplan05/ai-core/internal/domain"
	"github.com/eaplan05/ai-core/internal/httputil"
	"github.com/eaplan05/ai-core/internal/notifications"
	"github.com/eaplan05/ai-core/internal/orchestrator"
	"github.com/eaplan05/ai-core/internal/provider"
	"github.com/eaplan05/ai-core/internal/queue"
	"github.com/eaplan05/ai-core/internal/ratelimit"
	"github.com/eaplan05/ai-core/internal/repository"
	"github.com/eaplan05/ai-core/internal/secrets"
	"github.com/eaplan05/ai-core/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)
	slog.Info("starting ai-core", "addr", cfg.Addr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.OTLPEndpoint != "" {
		shutdownTracing, err := telemetry.Init(ctx, "ai-core", cfg.OTLPEndpoint)
		if err != nil {
			slog.Error("failed to init tracing", "error", err)
			os.Exit(1)
		}
		defer shutdownTracing(context.Background())
		slog.Info("tracing enabled", "endpoint", cfg.OTLPEndpoint)
	}

	providerKeys := resolveProviderKeys(ctx, cfg)

	// Storage: Postgres when DATABASE_URL is set, in-memory otherwise.
	var (
		profiles repository.ProfileRepository
		usage    cost.Tracker
		admins   auth.AdminUserRepository
		db       *sql.DB
		checkers []api.HealthChecker
	)
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to open database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		if err := repository.Ping(ctx, db); err != nil {
			slog.Error("database unreachable", "error", err)
			os.Exit(1)
		}
		profiles = repository.NewPostgresProfileRepository(db)
		usage = repository.NewPostgresUsageRepository(db)
		admins = auth.NewPostgresAdminUserRepository(db)
		checkers = append(checkers, api.NewPostgresHealthChecker(db))
		slog.Info("using postgres storage")
	} else {
		profiles = repository.NewInMemoryProfileRepository()
		usage = cost.NewInMemoryTracker()
		admins = auth.NewInMemoryAdminUserRepository()
		slog.Info("using in-memory storage")
	}

	// Rate limiter: shared Redis quota state when available.
	limiterOpts := []ratelimit.Option{}
	if cfg.RedisURL != "" {
		store, err := ratelimit.NewRedisStore(cfg.RedisURL)
		if err != nil {
			slog.Warn("redis quota store unavailable, using in-memory", "error", err)
		} else {
			defer store.Close()
			limiterOpts = append(limiterOpts, ratelimit.WithStore(store))
			slog.Info("using redis quota store")
		}
	}
	limiter := ratelimit.New(limiterOpts...)

	cleanupStop := make(chan struct{})
	go limiter.StartCleanup(cfg.CleanupInterval, cleanupStop)

	var breakerOpts []circuitbreaker.ManagerOption
	if cfg.UseDistributedCircuitBreaker && cfg.RedisURL != "" {
		breakerOpts = append(breakerOpts, circuitbreaker.WithRedis(cfg.RedisURL))
		slog.Info("using distributed circuit breakers")
	}
	breakers := circuitbreaker.NewManager(circuitbreaker.DefaultConfig(), breakerOpts...)

	// Admission runs in the HTTP handler, so adapters get no limiter.
	deps := provider.Deps{
		Usage:      usage,
		Profiles:   profiles,
		HTTPClient: httputil.ProviderClient(),
	}

	orch := orchestrator.New(
		orchestrator.WithFactories(orchestrator.DefaultFactories(cfg.AWSRegion)),
		orchestrator.WithDeps(deps),
		orchestrator.WithFallback(domain.FallbackConfig{
			Enabled:    cfg.FallbackEnabled,
			Models:     cfg.FallbackModels,
			MaxRetries: cfg.FallbackMaxRetries,
			RetryDelay: cfg.FallbackRetryDelay,
		}),
		orchestrator.WithCircuitBreakers(breakers),
	)
	registerDefaultModels(orch, cfg, providerKeys)

	var responseCache cache.Cache
	if cfg.CacheEnabled {
		if cfg.RedisURL != "" {
			redisCache, err := cache.NewRedisCache(cfg.RedisURL)
			if err != nil {
				slog.Warn("redis cache unavailable, using in-memory", "error", err)
				responseCache = cache.NewInMemoryCache()
			} else {
				defer redisCache.Close()
				responseCache = redisCache
				slog.Info("using redis cache")
			}
		} else {
			responseCache = cache.NewInMemoryCache()
		}
	}

	monitor := newBudgetMonitor(ctx, cfg, usage)
	go runBudgetChecks(ctx, cfg.BudgetCheckInterval, monitor, profiles)

	var asyncQueue queue.Queue
	var workerDone chan struct{}
	if cfg.SQSRequestQueueURL != "" && cfg.SQSResponseQueueURL != "" {
		sqsQueue, err := queue.NewSQSQueue(ctx, cfg.AWSRegion, cfg.SQSRequestQueueURL, cfg.SQSResponseQueueURL)
		if err != nil {
			slog.Error("failed to connect to sqs", "error", err)
			os.Exit(1)
		}
		asyncQueue = sqsQueue

		worker := queue.NewWorker(asyncQueue, func(ctx context.Context, req queue.AsyncRequest) (*queue.AsyncResponse, error) {
			resp, err := orch.GenerateCompletion(ctx, req.Model, req.Request)
			if err != nil {
				return nil, err
			}
			return &queue.AsyncResponse{
				RequestID: req.ID,
				UserID:    req.UserID,
				Response:  resp,
				CreatedAt: time.Now(),
			}, nil
		}, cfg.QueueWorkers, queue.WithTracker(limiter))

		workerDone = make(chan struct{})
		go func() {
			worker.Run(ctx)
			close(workerDone)
		}()
		slog.Info("async queue workers started", "workers", cfg.QueueWorkers)
	}

	if cfg.RedisURL != "" {
		if redisChecker, err := api.NewRedisHealthChecker(cfg.RedisURL); err == nil {
			checkers = append(checkers, redisChecker)
		}
	}

	handler := api.NewHandler(api.HandlerConfig{
		Profiles:     profiles,
		Limiter:      limiter,
		Orchestrator: orch,
		Cache:        responseCache,
		CacheTTL:     cfg.CacheTTL,
		Usage:        usage,
		Budget:       monitor,
		Queue:        asyncQueue,
		Checkers:     checkers,
	})

	mux := http.NewServeMux()
	if cfg.AdminAuthEnabled {
		adminHandler := api.NewAdminHandler(api.AdminHandlerConfig{
			Profiles:      profiles,
			Limiter:       limiter,
			Orchestrator:  orch,
			Breakers:      breakers,
			Authenticator: auth.NewAuthenticator(admins),
		})
		mux.Handle("/admin/", adminHandler)
		slog.Info("admin API enabled")
	}
	mux.Handle("/", handler)

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down...")
	close(cleanupStop)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	// Let queue workers finish in-flight jobs before the process exits.
	cancel()
	if workerDone != nil {
		select {
		case <-workerDone:
		case <-time.After(cfg.DrainTimeout):
			slog.Warn("queue workers did not drain in time")
		}
	}

	slog.Info("server stopped")
}

// resolveProviderKeys turns configured credential values into plaintext
// keys, following secret: references and sealed: values.
func resolveProviderKeys(ctx context.Context, cfg *config.Config) map[string]string {
	var opts []secrets.ResolverOption

	if cfg.EncryptionKey != "" {
		enc, err := crypto.NewEncryptor(cfg.EncryptionKey)
		if err != nil {
			slog.Error("invalid encryption key", "error", err)
			os.Exit(1)
		}
		opts = append(opts, secrets.WithEncryptor(enc))
	}
	if cfg.AWSRegion != "" {
		store, err := secrets.NewAWSSecretsManager(ctx, cfg.AWSRegion)
		if err != nil {
			slog.Warn("secrets manager unavailable", "error", err)
		} else {
			opts = append(opts, secrets.WithStore(store))
		}
	}

	resolver := secrets.NewResolver(opts...)
	keys, err := resolver.ResolveAll(ctx, map[string]string{
		orchestrator.ProviderOpenAI:    cfg.OpenAIAPIKey,
		orchestrator.ProviderAnthropic: cfg.AnthropicAPIKey,
		orchestrator.ProviderGemini:    cfg.GeminiAPIKey,
		orchestrator.ProviderCustom:    cfg.CustomAPIKey,
	})
	if err != nil {
		slog.Error("failed to resolve provider credentials", "error", err)
		os.Exit(1)
	}
	return keys
}

// registerDefaultModels seeds the registry for every provider with
// credentials. The registry is in-memory, so this runs on every start;
// operators add further models through the admin API.
func registerDefaultModels(orch *orchestrator.Orchestrator, cfg *config.Config, keys map[string]string) {
	var seeds []domain.ModelConfig

	if key := keys[orchestrator.ProviderOpenAI]; key != "" {
		seeds = append(seeds,
			domain.ModelConfig{
				ID: "gpt-4o", Name: "GPT-4o", Provider: orchestrator.ProviderOpenAI,
				ProviderModelID: "gpt-4o", MaxTokens: 16384,
				CostPerInputToken: 0.0000025, CostPerOutputToken: 0.00001,
				BaseURL: cfg.OpenAIBaseURL, APIKey: key,
			},
			domain.ModelConfig{
				ID: "gpt-4o-mini", Name: "GPT-4o mini", Provider: orchestrator.ProviderOpenAI,
				ProviderModelID: "gpt-4o-mini", MaxTokens: 16384,
				CostPerInputToken: 0.00000015, CostPerOutputToken: 0.0000006,
				BaseURL: cfg.OpenAIBaseURL, APIKey: key,
			},
		)
	}
	if key := keys[orchestrator.ProviderAnthropic]; key != "" {
		seeds = append(seeds,
			domain.ModelConfig{
				ID: "claude-3-5-sonnet", Name: "Claude 3.5 Sonnet", Provider: orchestrator.ProviderAnthropic,
				ProviderModelID: "claude-3-5-sonnet-latest", MaxTokens: 8192,
				CostPerInputToken: 0.000003, CostPerOutputToken: 0.000015,
				APIKey: key,
			},
			domain.ModelConfig{
				ID: "claude-3-haiku", Name: "Claude 3 Haiku", Provider: orchestrator.ProviderAnthropic,
				ProviderModelID: "claude-3-haiku-20240307", MaxTokens: 4096,
				CostPerInputToken: 0.00000025, CostPerOutputToken: 0.00000125,
				APIKey: key,
			},
		)
	}
	if key := keys[orchestrator.ProviderGemini]; key != "" {
		seeds = append(seeds,
			domain.ModelConfig{
				ID: "gemini-1.5-pro", Name: "Gemini 1.5 Pro", Provider: orchestrator.ProviderGemini,
				ProviderModelID: "gemini-1.5-pro", MaxTokens: 8192,
				CostPerInputToken: 0.00000125, CostPerOutputToken: 0.000005,
				APIKey: key,
			},
			domain.ModelConfig{
				ID: "gemini-1.5-flash", Name: "Gemini 1.5 Flash", Provider: orchestrator.ProviderGemini,
				ProviderModelID: "gemini-1.5-flash", MaxTokens: 8192,
				CostPerInputToken: 0.000000075, CostPerOutputToken: 0.0000003,
				APIKey: key,
			},
		)
	}
	if cfg.AWSRegion != "" {
		seeds = append(seeds, domain.ModelConfig{
			ID: "bedrock-claude-3-sonnet", Name: "Claude 3 Sonnet (Bedrock)", Provider: orchestrator.ProviderBedrock,
			ProviderModelID: "anthropic.claude-3-sonnet-20240229-v1:0", MaxTokens: 4096,
			CostPerInputToken: 0.000003, CostPerOutputToken: 0.000015,
		})
	}
	if cfg.CustomBaseURL != "" {
		seeds = append(seeds, domain.ModelConfig{
			ID: "custom-default", Name: "Custom backend", Provider: orchestrator.ProviderCustom,
			ProviderModelID: "default", MaxTokens: 4096,
			BaseURL: cfg.CustomBaseURL, APIKey: keys[orchestrator.ProviderCustom],
		})
	}

	registered := 0
	for _, mc := range seeds {
		if err := orch.RegisterModel(mc); err != nil {
			slog.Warn("failed to register model", "model", mc.ID, "error", err)
			continue
		}
		registered++
	}
	if registered == 0 {
		slog.Warn("no models registered, configure provider credentials or use the admin API")
	}
}

func newBudgetMonitor(ctx context.Context, cfg *config.Config, usage cost.Tracker) *budget.Monitor {
	var opts []budget.MonitorOption
	if cfg.RedisURL != "" {
		dedup, err := budget.NewRedisDeduplicator(cfg.RedisURL, 24*time.Hour)
		if err != nil {
			slog.Warn("redis alert deduplicator unavailable, using in-memory", "error", err)
		} else {
			opts = append(opts, budget.WithDeduplicator(dedup))
		}
	}

	monitor := budget.NewMonitor(usage, budget.DefaultThresholds(), opts...)
	monitor.OnAlert(budget.LogAlertHandler)

	if cfg.SNSTopicARN != "" {
		notifier, err := notifications.NewSNSNotifier(ctx, cfg.AWSRegion, cfg.SNSTopicARN)
		if err != nil {
			slog.Warn("sns notifier unavailable", "error", err)
		} else {
			monitor.OnAlert(func(alert budget.Alert) {
				if err := notifier.Send(context.Background(), notifications.FromBudgetAlert(alert)); err != nil {
					slog.Warn("budget notification failed", "user_id", alert.UserID, "error", err)
				}
			})
			slog.Info("budget alerts publishing to sns")
		}
	}
	return monitor
}

// runBudgetChecks sweeps every profile on an interval so threshold
// alerts fire even for users who stopped sending requests.
func runBudgetChecks(ctx context.Context, interval time.Duration, monitor *budget.Monitor, profiles repository.ProfileRepository) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			list, err := profiles.List(ctx)
			if err != nil {
				slog.Warn("budget sweep: list profiles failed", "error", err)
				continue
			}
			for _, p := range list {
				if p.BudgetUSD <= 0 {
					continue
				}
				if _, err := monitor.Check(ctx, p); err != nil {
					slog.Warn("budget sweep: check failed", "user_id", p.ID, "error", err)
				}
			}
		}
	}
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
