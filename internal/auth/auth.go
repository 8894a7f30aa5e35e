// Package auth handles two authentication surfaces: API-key bearer auth
// for the completion API (resolved to a domain.UserProfile) and basic
// auth with role-based permissions for the admin API.
package auth

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/eaplan05/ai-core/internal/domain"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUnauthorized    = errors.New("unauthorized")
	ErrForbidden       = errors.New("forbidden")
	ErrInvalidPassword = errors.New("invalid password")
)

// Permission gates individual admin operations.
type Permission string

const (
	PermissionStatsRead    Permission = "stats:read"
	PermissionUsageRead    Permission = "usage:read"
	PermissionModelManage  Permission = "model:manage"
	PermissionLimitsReset  Permission = "limits:reset"
	PermissionUserManage   Permission = "user:manage"
	PermissionBreakerRead  Permission = "breaker:read"
	PermissionBreakerReset Permission = "breaker:reset"
)

var rolePermissions = map[domain.Role][]Permission{
	domain.RoleAdmin: {
		PermissionStatsRead,
		PermissionUsageRead,
		PermissionModelManage,
		PermissionLimitsReset,
		PermissionUserManage,
		PermissionBreakerRead,
		PermissionBreakerReset,
	},
	domain.RoleSubadmin: {
		PermissionStatsRead,
		PermissionUsageRead,
		PermissionBreakerRead,
	},
	domain.RoleUser: {},
}

func HasPermission(role domain.Role, permission Permission) bool {
	permissions, ok := rolePermissions[role]
	if !ok {
		return false
	}
	for _, p := range permissions {
		if p == permission {
			return true
		}
	}
	return false
}

// HashAPIKey produces the lookup digest stored in UserProfile.APIKeyHash.
// SHA-256 rather than bcrypt so the hash is deterministic and indexable.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// GenerateAPIKey returns a fresh key and its stored hash.
func GenerateAPIKey() (key, hash string) {
	key = "ak-" + uuid.NewString()
	return key, HashAPIKey(key)
}

// ProfileSource resolves an API key hash to a user profile.
type ProfileSource interface {
	GetByAPIKeyHash(ctx context.Context, hash string) (*domain.UserProfile, error)
}

type contextKey string

const profileContextKey contextKey = "user_profile"

func WithProfile(ctx context.Context, profile *domain.UserProfile) context.Context {
	return context.WithValue(ctx, profileContextKey, profile)
}

func ProfileFromContext(ctx context.Context) (*domain.UserProfile, bool) {
	profile, ok := ctx.Value(profileContextKey).(*domain.UserProfile)
	return profile, ok
}

// APIKeyMiddleware authenticates completion API requests.
type APIKeyMiddleware struct {
	profiles ProfileSource
}

func NewAPIKeyMiddleware(profiles ProfileSource) *APIKeyMiddleware {
	return &APIKeyMiddleware{profiles: profiles}
}

func (m *APIKeyMiddleware) RequireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := ExtractBearerToken(r)
		if token == "" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		profile, err := m.profiles.GetByAPIKeyHash(r.Context(), HashAPIKey(token))
		if err != nil || !profile.Enabled {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		ctx := WithProfile(r.Context(), profile)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequirePermission guards an admin endpoint with a role check. It must
// run after an authentication middleware has put a profile in context.
func RequirePermission(permission Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			profile, ok := ProfileFromContext(r.Context())
			if !ok {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			if !HasPermission(profile.Role, permission) {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// AdminUser is an operator account for the admin API (basic auth).
// Separate from UserProfile: operators log in with a password, callers
// of the completion API present an API key.
type AdminUser struct {
	ID           string
	Username     string
	PasswordHash string
	Role         domain.Role
	Enabled      bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type AdminUserRepository interface {
	GetByUsername(ctx context.Context, username string) (*AdminUser, error)
	Create(ctx context.Context, user *AdminUser) error
	List(ctx context.Context) ([]*AdminUser, error)
}

type Authenticator struct {
	repo AdminUserRepository
}

func NewAuthenticator(repo AdminUserRepository) *Authenticator {
	return &Authenticator{repo: repo}
}

func (a *Authenticator) Authenticate(ctx context.Context, username, password string) (*AdminUser, error) {
	user, err := a.repo.GetByUsername(ctx, username)
	if err != nil {
		return nil, domain.ErrUserNotFound
	}

	if !user.Enabled {
		return nil, ErrUnauthorized
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidPassword
	}

	return user, nil
}

func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// BasicAuthMiddleware authenticates admin API requests.
type BasicAuthMiddleware struct {
	auth *Authenticator
}

func NewBasicAuthMiddleware(auth *Authenticator) *BasicAuthMiddleware {
	return &BasicAuthMiddleware{auth: auth}
}

func (m *BasicAuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="Admin API"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		user, err := m.auth.Authenticate(r.Context(), username, password)
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		ctx := WithProfile(r.Context(), &domain.UserProfile{
			ID:      user.ID,
			Name:    user.Username,
			Role:    user.Role,
			Enabled: user.Enabled,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type PostgresAdminUserRepository struct {
	db *sql.DB
}

func NewPostgresAdminUserRepository(db *sql.DB) *PostgresAdminUserRepository {
	return &PostgresAdminUserRepository{db: db}
}

func (r *PostgresAdminUserRepository) GetByUsername(ctx context.Context, username string) (*AdminUser, error) {
	query := `
		SELECT id, username, password_hash, role, enabled, created_at, updated_at
		FROM admin_users
		WHERE username = $1
	`

	var user AdminUser
	var role string
	err := r.db.QueryRowContext(ctx, query, username).Scan(
		&user.ID,
		&user.Username,
		&user.PasswordHash,
		&role,
		&user.Enabled,
		&user.CreatedAt,
		&user.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, domain.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query admin user: %w", err)
	}

	user.Role = domain.Role(role)
	return &user, nil
}

func (r *PostgresAdminUserRepository) Create(ctx context.Context, user *AdminUser) error {
	query := `
		INSERT INTO admin_users (id, username, password_hash, role, enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.db.ExecContext(ctx, query,
		user.ID,
		user.Username,
		user.PasswordHash,
		string(user.Role),
		user.Enabled,
		user.CreatedAt,
		user.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("insert admin user: %w", err)
	}

	return nil
}

func (r *PostgresAdminUserRepository) List(ctx context.Context) ([]*AdminUser, error) {
	query := `
		SELECT id, username, password_hash, role, enabled, created_at, updated_at
		FROM admin_users
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query admin users: %w", err)
	}
	defer rows.Close()

	var users []*AdminUser
	for rows.Next() {
		var user AdminUser
		var role string
		err := rows.Scan(
			&user.ID,
			&user.Username,
			&user.PasswordHash,
			&role,
			&user.Enabled,
			&user.CreatedAt,
			&user.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan admin user: %w", err)
		}
		user.Role = domain.Role(role)
		users = append(users, &user)
	}

	return users, rows.Err()
}

type InMemoryAdminUserRepository struct {
	users map[string]*AdminUser
}

// NewInMemoryAdminUserRepository seeds a default admin/admin account.
// Intended for local development only.
func NewInMemoryAdminUserRepository() *InMemoryAdminUserRepository {
	repo := &InMemoryAdminUserRepository{
		users: make(map[string]*AdminUser),
	}

	adminHash, _ := HashPassword("admin")
	repo.users["admin"] = &AdminUser{
		ID:           "admin",
		Username:     "admin",
		PasswordHash: adminHash,
		Role:         domain.RoleAdmin,
		Enabled:      true,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}

	return repo
}

func (r *InMemoryAdminUserRepository) GetByUsername(ctx context.Context, username string) (*AdminUser, error) {
	for _, u := range r.users {
		if u.Username == username {
			return u, nil
		}
	}
	return nil, domain.ErrUserNotFound
}

func (r *InMemoryAdminUserRepository) Create(ctx context.Context, user *AdminUser) error {
	r.users[user.ID] = user
	return nil
}

func (r *InMemoryAdminUserRepository) List(ctx context.Context) ([]*AdminUser, error) {
	users := make([]*AdminUser, 0, len(r.users))
	for _, u := range r.users {
		users = append(users, u)
	}
	return users, nil
}

func ExtractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}
