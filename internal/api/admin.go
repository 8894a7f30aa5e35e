package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/eaplan05/ai-core/internal/auth"
	"github.com/eaplan05/ai-core/internal/circuitbreaker"
	"github.com/eaplan05/ai-core/internal/domain"
	"github.com/eaplan05/ai-core/internal/orchestrator"
	"github.com/eaplan05/ai-core/internal/ratelimit"
	"github.com/eaplan05/ai-core/internal/repository"
)

type AdminHandlerConfig struct {
	Profiles      repository.ProfileRepository
	Limiter       *ratelimit.Limiter
	Orchestrator  *orchestrator.Orchestrator
	Breakers      *circuitbreaker.Manager
	Authenticator *auth.Authenticator
}

// AdminHandler serves the operator surface. Every route sits behind
// basic auth plus a per-route permission check.
type AdminHandler struct {
	profiles     repository.ProfileRepository
	limiter      *ratelimit.Limiter
	orchestrator *orchestrator.Orchestrator
	breakers     *circuitbreaker.Manager
	mux          *http.ServeMux
}

func NewAdminHandler(cfg AdminHandlerConfig) *AdminHandler {
	h := &AdminHandler{
		profiles:     cfg.Profiles,
		limiter:      cfg.Limiter,
		orchestrator: cfg.Orchestrator,
		breakers:     cfg.Breakers,
		mux:          http.NewServeMux(),
	}

	basic := auth.NewBasicAuthMiddleware(cfg.Authenticator)
	guard := func(permission auth.Permission, fn http.HandlerFunc) http.Handler {
		return basic.RequireAuth(auth.RequirePermission(permission)(fn))
	}

	h.mux.Handle("GET /admin/users", guard(auth.PermissionUserManage, h.listUsers))
	h.mux.Handle("POST /admin/users", guard(auth.PermissionUserManage, h.createUser))
	h.mux.Handle("GET /admin/users/{id}", guard(auth.PermissionUserManage, h.getUser))
	h.mux.Handle("PUT /admin/users/{id}", guard(auth.PermissionUserManage, h.updateUser))
	h.mux.Handle("POST /admin/users/{id}/rotate-key", guard(auth.PermissionUserManage, h.rotateAPIKey))
	h.mux.Handle("POST /admin/users/{id}/reset-limits", guard(auth.PermissionLimitsReset, h.resetLimits))
	h.mux.Handle("GET /admin/users/{id}/limits", guard(auth.PermissionUsageRead, h.userLimits))

	h.mux.Handle("GET /admin/stats", guard(auth.PermissionStatsRead, h.stats))
	h.mux.Handle("GET /admin/providers", guard(auth.PermissionStatsRead, h.providers))

	h.mux.Handle("GET /admin/models", guard(auth.PermissionModelManage, h.listModels))
	h.mux.Handle("POST /admin/models", guard(auth.PermissionModelManage, h.registerModel))
	h.mux.Handle("DELETE /admin/models/{id}", guard(auth.PermissionModelManage, h.unregisterModel))

	h.mux.Handle("GET /admin/fallback", guard(auth.PermissionModelManage, h.getFallback))
	h.mux.Handle("PUT /admin/fallback", guard(auth.PermissionModelManage, h.updateFallback))

	h.mux.Handle("GET /admin/circuit-breakers", guard(auth.PermissionBreakerRead, h.circuitBreakers))

	return h
}

func (h *AdminHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *AdminHandler) listUsers(w http.ResponseWriter, r *http.Request) {
	profiles, err := h.profiles.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list users")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"users": profiles,
		"count": len(profiles),
	})
}

type CreateUserRequest struct {
	Name      string      `json:"name"`
	Role      domain.Role `json:"role"`
	Level     int         `json:"level"`
	BudgetUSD float64     `json:"budget_usd"`
}

// CreateUserResponse carries the plaintext API key exactly once; only
// its hash is persisted.
type CreateUserResponse struct {
	User   *domain.UserProfile `json:"user"`
	APIKey string              `json:"api_key"`
}

func (h *AdminHandler) createUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.Role == "" {
		req.Role = domain.RoleUser
	}
	if req.Level < 1 {
		req.Level = 1
	}

	key, hash := auth.GenerateAPIKey()
	profile := &domain.UserProfile{
		ID:         uuid.New().String(),
		Name:       req.Name,
		APIKeyHash: hash,
		Role:       req.Role,
		Level:      req.Level,
		BudgetUSD:  req.BudgetUSD,
		Enabled:    true,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}

	if err := h.profiles.Create(ctx, profile); err != nil {
		slog.Error("failed to create user", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create user")
		return
	}

	slog.Info("user created", "user_id", profile.ID, "name", profile.Name, "role", profile.Role)
	writeJSON(w, http.StatusCreated, CreateUserResponse{User: profile, APIKey: key})
}

func (h *AdminHandler) getUser(w http.ResponseWriter, r *http.Request) {
	profile, err := h.profiles.GetByID(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

type UpdateUserRequest struct {
	Name      string       `json:"name,omitempty"`
	Role      *domain.Role `json:"role,omitempty"`
	Level     *int         `json:"level,omitempty"`
	BudgetUSD *float64     `json:"budget_usd,omitempty"`
	Enabled   *bool        `json:"enabled,omitempty"`
}

func (h *AdminHandler) updateUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	profile, err := h.profiles.GetByID(ctx, r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}

	var req UpdateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Name != "" {
		profile.Name = req.Name
	}
	if req.Role != nil {
		profile.Role = *req.Role
	}
	if req.Level != nil {
		profile.Level = *req.Level
	}
	if req.BudgetUSD != nil {
		profile.BudgetUSD = *req.BudgetUSD
	}
	if req.Enabled != nil {
		profile.Enabled = *req.Enabled
	}
	profile.UpdatedAt = time.Now()

	if err := h.profiles.Update(ctx, profile); err != nil {
		slog.Error("failed to update user", "user_id", profile.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to update user")
		return
	}

	slog.Info("user updated", "user_id", profile.ID)
	writeJSON(w, http.StatusOK, profile)
}

func (h *AdminHandler) rotateAPIKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	profile, err := h.profiles.GetByID(ctx, r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}

	key, hash := auth.GenerateAPIKey()
	profile.APIKeyHash = hash
	profile.UpdatedAt = time.Now()

	if err := h.profiles.Update(ctx, profile); err != nil {
		slog.Error("failed to rotate API key", "user_id", profile.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to rotate API key")
		return
	}

	slog.Info("API key rotated", "user_id", profile.ID)
	writeJSON(w, http.StatusOK, map[string]string{"api_key": key})
}

func (h *AdminHandler) resetLimits(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if _, err := h.profiles.GetByID(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}

	h.limiter.EmergencyReset(id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset", "user_id": id})
}

func (h *AdminHandler) userLimits(w http.ResponseWriter, r *http.Request) {
	profile, err := h.profiles.GetByID(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}

	status := h.limiter.GetLimitStatus(profile.ID, profile.Role, profile.Level)
	writeJSON(w, http.StatusOK, status)
}

func (h *AdminHandler) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"rate_limits": h.limiter.GetGlobalStats(),
		"providers":   h.orchestrator.ProviderStats(),
	})
}

func (h *AdminHandler) providers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.orchestrator.ProviderStats())
}

func (h *AdminHandler) listModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ModelsResponse{Object: "list", Data: h.orchestrator.RegisteredModels()})
}

func (h *AdminHandler) registerModel(w http.ResponseWriter, r *http.Request) {
	var cfg domain.ModelConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if cfg.ID == "" || cfg.Provider == "" {
		writeError(w, http.StatusBadRequest, "id and provider are required")
		return
	}

	if err := h.orchestrator.RegisterModel(cfg); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"status": "registered", "model": cfg.ID})
}

func (h *AdminHandler) unregisterModel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if _, ok := h.orchestrator.Model(id); !ok {
		writeError(w, http.StatusNotFound, "model not found")
		return
	}

	h.orchestrator.UnregisterModel(id)
	slog.Info("model unregistered", "model", id)
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) getFallback(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.orchestrator.FallbackConfig())
}

type UpdateFallbackRequest struct {
	Enabled        *bool    `json:"enabled,omitempty"`
	Models         []string `json:"models,omitempty"`
	MaxRetries     *int     `json:"max_retries,omitempty"`
	RetryDelaySecs *int     `json:"retry_delay_seconds,omitempty"`
}

func (h *AdminHandler) updateFallback(w http.ResponseWriter, r *http.Request) {
	var req UpdateFallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	update := orchestrator.FallbackUpdate{
		Enabled:    req.Enabled,
		Models:     req.Models,
		MaxRetries: req.MaxRetries,
	}
	if req.RetryDelaySecs != nil {
		d := time.Duration(*req.RetryDelaySecs) * time.Second
		update.RetryDelay = &d
	}

	h.orchestrator.SetFallbackConfig(update)
	slog.Info("fallback config updated")
	writeJSON(w, http.StatusOK, h.orchestrator.FallbackConfig())
}

func (h *AdminHandler) circuitBreakers(w http.ResponseWriter, r *http.Request) {
	if h.breakers == nil {
		writeJSON(w, http.StatusOK, map[string]string{})
		return
	}
	writeJSON(w, http.StatusOK, h.breakers.States())
}
