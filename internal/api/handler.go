// Package api exposes the completion service over HTTP: the public
// completion surface authenticated by API key, and the admin surface
// authenticated by basic auth.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eaplan05/ai-core/internal/auth"
	"github.com/eaplan05/ai-core/internal/budget"
	"github.com/eaplan05/ai-core/internal/cache"
	"github.com/eaplan05/ai-core/internal/cost"
	"github.com/eaplan05/ai-core/internal/domain"
	"github.com/eaplan05/ai-core/internal/metrics"
	"github.com/eaplan05/ai-core/internal/orchestrator"
	"github.com/eaplan05/ai-core/internal/queue"
	"github.com/eaplan05/ai-core/internal/ratelimit"
	"github.com/eaplan05/ai-core/internal/repository"
	"github.com/eaplan05/ai-core/internal/telemetry"
)

type HandlerConfig struct {
	Profiles     repository.ProfileRepository
	Limiter      *ratelimit.Limiter
	Orchestrator *orchestrator.Orchestrator
	Cache        cache.Cache
	CacheTTL     time.Duration
	Usage        cost.Tracker
	Budget       *budget.Monitor
	Queue        queue.Queue
	Checkers     []HealthChecker
	CheckTimeout time.Duration
}

// Handler serves the public API. Admission control happens here, at the
// edge, so Deps.Limiter should stay nil when adapters run behind this
// handler; gating twice would bill a request two tokens.
type Handler struct {
	profiles     repository.ProfileRepository
	limiter      *ratelimit.Limiter
	orchestrator *orchestrator.Orchestrator
	cache        cache.Cache
	cacheTTL     time.Duration
	usage        cost.Tracker
	budget       *budget.Monitor
	queue        queue.Queue
	mux          *http.ServeMux
}

func NewHandler(cfg HandlerConfig) *Handler {
	cacheTTL := cfg.CacheTTL
	if cacheTTL == 0 {
		cacheTTL = 5 * time.Minute
	}
	checkTimeout := cfg.CheckTimeout
	if checkTimeout == 0 {
		checkTimeout = 5 * time.Second
	}

	h := &Handler{
		profiles:     cfg.Profiles,
		limiter:      cfg.Limiter,
		orchestrator: cfg.Orchestrator,
		cache:        cfg.Cache,
		cacheTTL:     cacheTTL,
		usage:        cfg.Usage,
		budget:       cfg.Budget,
		queue:        cfg.Queue,
		mux:          http.NewServeMux(),
	}

	apiKey := auth.NewAPIKeyMiddleware(cfg.Profiles)
	protect := func(fn http.HandlerFunc) http.Handler {
		return apiKey.RequireAPIKey(fn)
	}

	h.mux.Handle("POST /v1/completions", protect(h.handleCompletion))
	h.mux.Handle("POST /v1/completions/async", protect(h.handleAsyncCompletion))
	h.mux.Handle("GET /v1/models", protect(h.handleListModels))
	h.mux.Handle("GET /v1/limits", protect(h.handleLimits))
	h.mux.Handle("GET /v1/usage", protect(h.handleUsage))

	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("GET /health/live", h.handleHealthLive)
	h.mux.Handle("GET /health/ready", handleHealthReadyWithCheckers(cfg.Checkers, checkTimeout))
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// CompletionAPIRequest is the public wire shape for a completion call.
// The caller's identity comes from the API key, never from the body.
type CompletionAPIRequest struct {
	Model       string           `json:"model"`
	Messages    []domain.Message `json:"messages"`
	MaxTokens   *int             `json:"max_tokens,omitempty"`
	Temperature *float64         `json:"temperature,omitempty"`
}

func (h *Handler) handleCompletion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()

	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.New().String()
	}
	w.Header().Set("X-Request-ID", requestID)

	profile, ok := auth.ProfileFromContext(ctx)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing credentials")
		return
	}

	var apiReq CompletionAPIRequest
	if err := json.NewDecoder(r.Body).Decode(&apiReq); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if apiReq.Model == "" {
		writeError(w, http.StatusBadRequest, "model is required")
		return
	}
	if len(apiReq.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages are required")
		return
	}

	modelCfg, registered := h.orchestrator.Model(apiReq.Model)
	if !registered {
		writeError(w, http.StatusNotFound, "model not found: "+apiReq.Model)
		return
	}

	ctx, span := telemetry.StartSpan(ctx, "api.completion")
	defer span.End()
	telemetry.AddRequestAttributes(span, profile.ID, modelCfg.Provider, apiReq.Model, requestID)

	if h.budget != nil {
		exceeded, err := h.budget.IsBudgetExceeded(ctx, profile)
		if err != nil {
			slog.Warn("budget check failed", "user_id", profile.ID, "error", err)
		} else if exceeded {
			writeError(w, http.StatusPaymentRequired, "monthly budget exceeded")
			return
		}
	}

	res := h.limiter.CheckRateLimit(profile.ID, profile.Role, profile.Level, 1)
	setRateLimitHeaders(w, res)
	if !res.Allowed {
		metrics.RecordRateLimitHit(profile.ID, limitAxis(res.Reason))
		slog.Warn("rate limit exceeded",
			"user_id", profile.ID,
			"reason", res.Reason,
			"request_id", requestID,
		)
		writeError(w, http.StatusTooManyRequests, res.Reason)
		return
	}

	h.limiter.TrackRequestStart(profile.ID)
	metrics.ConcurrentRequests.Inc()
	defer func() {
		h.limiter.TrackRequestEnd(profile.ID)
		metrics.ConcurrentRequests.Dec()
	}()

	req := domain.CompletionRequest{
		Messages:    apiReq.Messages,
		MaxTokens:   apiReq.MaxTokens,
		Temperature: apiReq.Temperature,
		UserID:      profile.ID,
	}

	skipCache := r.Header.Get("X-Skip-Cache") == "true"
	cacheable := h.cache != nil && !skipCache && cache.Cacheable(req)

	var cacheKey string
	if cacheable {
		cacheKey = cache.GenerateCacheKey(apiReq.Model, req)
		if cached, hit := h.cache.Get(ctx, cacheKey); hit {
			metrics.CacheHits.Inc()
			telemetry.AddCacheAttribute(span, true)
			slog.Info("cache hit",
				"request_id", requestID,
				"user_id", profile.ID,
				"model", apiReq.Model,
			)
			w.Header().Set("X-Cache", "HIT")
			writeJSON(w, http.StatusOK, cached)
			return
		}
		metrics.CacheMisses.Inc()
		telemetry.AddCacheAttribute(span, false)
	}

	resp, err := h.orchestrator.GenerateCompletion(ctx, apiReq.Model, req)
	if err != nil {
		telemetry.AddErrorAttribute(span, err)
		metrics.RecordRequest(profile.ID, modelCfg.Provider, apiReq.Model, "error", time.Since(start).Seconds())
		slog.Error("completion failed",
			"request_id", requestID,
			"user_id", profile.ID,
			"model", apiReq.Model,
			"error", err,
		)
		writeError(w, completionErrorStatus(err), err.Error())
		return
	}

	if cacheable {
		if err := h.cache.Set(ctx, cacheKey, resp, h.cacheTTL); err != nil {
			slog.Warn("cache store failed", "error", err, "request_id", requestID)
		}
	}

	servedCfg := modelCfg
	if resp.Model != apiReq.Model {
		if cfg, ok := h.orchestrator.Model(resp.Model); ok {
			servedCfg = cfg
		}
		telemetry.AddFallbackAttributes(span, apiReq.Model, resp.Model, 0)
	}

	metrics.RecordRequest(profile.ID, servedCfg.Provider, resp.Model, "success", time.Since(start).Seconds())
	metrics.RecordTokens(servedCfg.Provider, resp.Model, resp.InputTokens, resp.OutputTokens)
	metrics.RecordCost(servedCfg.Provider, resp.Model, resp.CostUSD)
	telemetry.AddTokenAttributes(span, resp.InputTokens, resp.OutputTokens)
	telemetry.AddCostAttribute(span, resp.CostUSD)

	if h.budget != nil {
		// Threshold alerts fire off the request path.
		p := *profile
		go func() {
			if _, err := h.budget.Check(context.Background(), &p); err != nil {
				slog.Warn("budget alert check failed", "user_id", p.ID, "error", err)
			}
		}()
	}

	slog.Info("request completed",
		"request_id", requestID,
		"user_id", profile.ID,
		"model", resp.Model,
		"latency_ms", resp.ResponseTimeMs,
		"cost_usd", resp.CostUSD,
	)

	if cacheable {
		w.Header().Set("X-Cache", "MISS")
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleAsyncCompletion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.queue == nil {
		writeError(w, http.StatusNotImplemented, "async completions are not enabled")
		return
	}

	profile, ok := auth.ProfileFromContext(ctx)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing credentials")
		return
	}

	var apiReq CompletionAPIRequest
	if err := json.NewDecoder(r.Body).Decode(&apiReq); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if apiReq.Model == "" {
		writeError(w, http.StatusBadRequest, "model is required")
		return
	}
	if len(apiReq.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages are required")
		return
	}
	if _, registered := h.orchestrator.Model(apiReq.Model); !registered {
		writeError(w, http.StatusNotFound, "model not found: "+apiReq.Model)
		return
	}

	// Async submissions pass the same admission gates as sync calls;
	// the queue must not become a rate-limit side door.
	if h.budget != nil {
		exceeded, err := h.budget.IsBudgetExceeded(ctx, profile)
		if err != nil {
			slog.Warn("budget check failed", "user_id", profile.ID, "error", err)
		} else if exceeded {
			writeError(w, http.StatusPaymentRequired, "monthly budget exceeded")
			return
		}
	}

	res := h.limiter.CheckRateLimit(profile.ID, profile.Role, profile.Level, 1)
	setRateLimitHeaders(w, res)
	if !res.Allowed {
		metrics.RecordRateLimitHit(profile.ID, limitAxis(res.Reason))
		slog.Warn("rate limit exceeded",
			"user_id", profile.ID,
			"reason", res.Reason,
		)
		writeError(w, http.StatusTooManyRequests, res.Reason)
		return
	}

	async := queue.AsyncRequest{
		ID:     uuid.New().String(),
		UserID: profile.ID,
		Model:  apiReq.Model,
		Request: domain.CompletionRequest{
			Messages:    apiReq.Messages,
			MaxTokens:   apiReq.MaxTokens,
			Temperature: apiReq.Temperature,
			UserID:      profile.ID,
		},
		CreatedAt: time.Now(),
	}

	if err := h.queue.SendRequest(ctx, async); err != nil {
		slog.Error("enqueue failed", "user_id", profile.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to enqueue request")
		return
	}

	slog.Info("request queued", "request_id", async.ID, "user_id", profile.ID, "model", async.Model)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"request_id": async.ID,
		"status":     "queued",
	})
}

// ModelsResponse is the public model listing.
type ModelsResponse struct {
	Object string               `json:"object"`
	Data   []domain.ModelConfig `json:"data"`
}

func (h *Handler) handleListModels(w http.ResponseWriter, r *http.Request) {
	models := h.orchestrator.RegisteredModels()
	writeJSON(w, http.StatusOK, ModelsResponse{Object: "list", Data: models})
}

func (h *Handler) handleLimits(w http.ResponseWriter, r *http.Request) {
	profile, ok := auth.ProfileFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing credentials")
		return
	}

	status := h.limiter.GetLimitStatus(profile.ID, profile.Role, profile.Level)
	writeJSON(w, http.StatusOK, status)
}

// UsageResponse summarizes a user's spend for the current calendar month.
type UsageResponse struct {
	UserID    string             `json:"user_id"`
	Since     time.Time          `json:"since"`
	TotalUSD  float64            `json:"total_usd"`
	BudgetUSD float64            `json:"budget_usd"`
	Records   []cost.UsageRecord `json:"records"`
}

func (h *Handler) handleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	profile, ok := auth.ProfileFromContext(ctx)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing credentials")
		return
	}
	if h.usage == nil {
		writeError(w, http.StatusNotImplemented, "usage tracking is not enabled")
		return
	}

	now := time.Now()
	since := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())

	records, err := h.usage.UserUsage(ctx, profile.ID, since)
	if err != nil {
		slog.Error("usage lookup failed", "user_id", profile.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load usage")
		return
	}
	total, err := h.usage.UserTotalCost(ctx, profile.ID, since)
	if err != nil {
		slog.Error("usage total failed", "user_id", profile.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load usage")
		return
	}
	if records == nil {
		records = []cost.UsageRecord{}
	}

	writeJSON(w, http.StatusOK, UsageResponse{
		UserID:    profile.ID,
		Since:     since,
		TotalUSD:  total,
		BudgetUSD: profile.BudgetUSD,
		Records:   records,
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := h.orchestrator.ProviderStats()

	status := "healthy"
	for _, s := range stats {
		if s.Active < s.Registered {
			status = "degraded"
			break
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    status,
		"version":   serviceVersion,
		"providers": stats,
	})
}

func (h *Handler) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func setRateLimitHeaders(w http.ResponseWriter, res ratelimit.Result) {
	if res.Remaining >= 0 {
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	}
	if !res.ResetAt.IsZero() {
		w.Header().Set("X-RateLimit-Reset", res.ResetAt.Format(time.RFC3339))
	}
	if !res.Allowed && res.RetryAfter > 0 {
		secs := int(res.RetryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
}

// limitAxis maps a rejection reason to a stable metric label.
func limitAxis(reason string) string {
	switch reason {
	case "per-minute request limit exceeded":
		return "minute"
	case "hourly request limit exceeded":
		return "hour"
	case "daily request limit exceeded":
		return "day"
	case "concurrent request limit exceeded":
		return "concurrent"
	default:
		return "other"
	}
}

// completionErrorStatus maps orchestrator failures onto HTTP statuses.
// Upstream credential problems surface as 502, not 401: the caller's own
// key was fine.
func completionErrorStatus(err error) int {
	if errors.Is(err, domain.ErrCircuitBreakerOpen) {
		return http.StatusServiceUnavailable
	}
	if errors.Is(err, domain.ErrModelNotRegistered) {
		return http.StatusNotFound
	}

	var pe *domain.ProviderError
	if errors.As(err, &pe) {
		switch pe.Kind {
		case domain.KindInvalidRequest:
			return http.StatusBadRequest
		case domain.KindTimeout:
			return http.StatusGatewayTimeout
		default:
			return http.StatusBadGateway
		}
	}

	var all *domain.AllProvidersFailedError
	if errors.As(err, &all) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    status,
		},
	})
}
