// Package repository persists user profiles and usage records. Postgres
// implementations back production deployments; in-memory ones back local
// runs and tests.
package repository

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/eaplan05/ai-core/internal/domain"
)

type ProfileRepository interface {
	GetByAPIKeyHash(ctx context.Context, hash string) (*domain.UserProfile, error)
	GetByID(ctx context.Context, id string) (*domain.UserProfile, error)
	Profile(ctx context.Context, userID string) (*domain.UserProfile, error)
	Create(ctx context.Context, profile *domain.UserProfile) error
	Update(ctx context.Context, profile *domain.UserProfile) error
	List(ctx context.Context) ([]*domain.UserProfile, error)
}

type InMemoryProfileRepository struct {
	mu       sync.RWMutex
	profiles map[string]*domain.UserProfile
	byKey    map[string]string
}

// NewInMemoryProfileRepository seeds a default admin profile so a fresh
// instance is usable without a database.
func NewInMemoryProfileRepository() *InMemoryProfileRepository {
	repo := &InMemoryProfileRepository{
		profiles: make(map[string]*domain.UserProfile),
		byKey:    make(map[string]string),
	}

	admin := &domain.UserProfile{
		ID:         "admin",
		Name:       "admin",
		APIKeyHash: hashKey("ac-admin-key"),
		Role:       domain.RoleAdmin,
		Level:      1,
		BudgetUSD:  0,
		Enabled:    true,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	repo.profiles[admin.ID] = admin
	repo.byKey[admin.APIKeyHash] = admin.ID

	return repo
}

func (r *InMemoryProfileRepository) GetByAPIKeyHash(ctx context.Context, hash string) (*domain.UserProfile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byKey[hash]
	if !ok {
		return nil, domain.ErrUserNotFound
	}

	profile, ok := r.profiles[id]
	if !ok {
		return nil, domain.ErrUserNotFound
	}

	return profile, nil
}

func (r *InMemoryProfileRepository) GetByID(ctx context.Context, id string) (*domain.UserProfile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	profile, ok := r.profiles[id]
	if !ok {
		return nil, domain.ErrUserNotFound
	}

	return profile, nil
}

// Profile satisfies the lookup interface used by provider adapters.
func (r *InMemoryProfileRepository) Profile(ctx context.Context, userID string) (*domain.UserProfile, error) {
	return r.GetByID(ctx, userID)
}

func (r *InMemoryProfileRepository) Create(ctx context.Context, profile *domain.UserProfile) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.profiles[profile.ID] = profile
	r.byKey[profile.APIKeyHash] = profile.ID

	return nil
}

func (r *InMemoryProfileRepository) Update(ctx context.Context, profile *domain.UserProfile) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.profiles[profile.ID]; !ok {
		return domain.ErrUserNotFound
	}

	profile.UpdatedAt = time.Now()
	r.profiles[profile.ID] = profile
	r.byKey[profile.APIKeyHash] = profile.ID

	return nil
}

func (r *InMemoryProfileRepository) List(ctx context.Context) ([]*domain.UserProfile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	profiles := make([]*domain.UserProfile, 0, len(r.profiles))
	for _, p := range r.profiles {
		profiles = append(profiles, p)
	}
	return profiles, nil
}

func hashKey(apiKey string) string {
	h := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(h[:])
}
