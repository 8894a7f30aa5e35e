package repository

import (
	"context"
	"testing"
	"time"

	"github.com/eaplan05/ai-core/internal/domain"
)

func TestInMemoryProfileRepository_DefaultAdmin(t *testing.T) {
	repo := NewInMemoryProfileRepository()
	ctx := context.Background()

	admin, err := repo.GetByID(ctx, "admin")
	if err != nil {
		t.Fatalf("GetByID(admin) error = %v", err)
	}

	if admin.Role != domain.RoleAdmin {
		t.Errorf("role = %q, want admin", admin.Role)
	}
	if !admin.Enabled {
		t.Error("default admin should be enabled")
	}

	byKey, err := repo.GetByAPIKeyHash(ctx, hashKey("ac-admin-key"))
	if err != nil {
		t.Fatalf("GetByAPIKeyHash error = %v", err)
	}
	if byKey.ID != "admin" {
		t.Errorf("id = %q, want admin", byKey.ID)
	}
}

func TestInMemoryProfileRepository_CreateAndLookup(t *testing.T) {
	repo := NewInMemoryProfileRepository()
	ctx := context.Background()

	profile := &domain.UserProfile{
		ID:         "u1",
		Name:       "Alice",
		APIKeyHash: hashKey("ak-alice"),
		Role:       domain.RoleUser,
		Level:      3,
		Enabled:    true,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}

	if err := repo.Create(ctx, profile); err != nil {
		t.Fatalf("Create error = %v", err)
	}

	got, err := repo.GetByAPIKeyHash(ctx, hashKey("ak-alice"))
	if err != nil {
		t.Fatalf("GetByAPIKeyHash error = %v", err)
	}
	if got.Name != "Alice" || got.Level != 3 {
		t.Errorf("got %+v, want name Alice level 3", got)
	}

	if _, err := repo.GetByAPIKeyHash(ctx, hashKey("ak-unknown")); err != domain.ErrUserNotFound {
		t.Errorf("expected ErrUserNotFound, got %v", err)
	}
}

func TestInMemoryProfileRepository_Update(t *testing.T) {
	repo := NewInMemoryProfileRepository()
	ctx := context.Background()

	profile := &domain.UserProfile{
		ID:         "u1",
		Name:       "Alice",
		APIKeyHash: hashKey("ak-alice"),
		Role:       domain.RoleUser,
		Level:      1,
		Enabled:    true,
	}
	repo.Create(ctx, profile)

	profile.Level = 5
	if err := repo.Update(ctx, profile); err != nil {
		t.Fatalf("Update error = %v", err)
	}

	got, _ := repo.GetByID(ctx, "u1")
	if got.Level != 5 {
		t.Errorf("level = %d, want 5", got.Level)
	}

	missing := &domain.UserProfile{ID: "ghost"}
	if err := repo.Update(ctx, missing); err != domain.ErrUserNotFound {
		t.Errorf("expected ErrUserNotFound, got %v", err)
	}
}

func TestInMemoryProfileRepository_List(t *testing.T) {
	repo := NewInMemoryProfileRepository()
	ctx := context.Background()

	repo.Create(ctx, &domain.UserProfile{ID: "u1", APIKeyHash: hashKey("k1")})
	repo.Create(ctx, &domain.UserProfile{ID: "u2", APIKeyHash: hashKey("k2")})

	profiles, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List error = %v", err)
	}

	// Two created plus the seeded admin.
	if len(profiles) != 3 {
		t.Errorf("len = %d, want 3", len(profiles))
	}
}
