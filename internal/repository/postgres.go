package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/eaplan05/ai-core/internal/domain"
)

const profileColumns = `id, name, api_key_hash, role, level, budget_usd, enabled, created_at, updated_at`

type PostgresProfileRepository struct {
	db *sql.DB
}

func NewPostgresProfileRepository(db *sql.DB) *PostgresProfileRepository {
	return &PostgresProfileRepository{db: db}
}

func scanProfile(row interface{ Scan(...any) error }) (*domain.UserProfile, error) {
	var profile domain.UserProfile
	var role string

	err := row.Scan(
		&profile.ID,
		&profile.Name,
		&profile.APIKeyHash,
		&role,
		&profile.Level,
		&profile.BudgetUSD,
		&profile.Enabled,
		&profile.CreatedAt,
		&profile.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	profile.Role = domain.Role(role)
	return &profile, nil
}

func (r *PostgresProfileRepository) GetByAPIKeyHash(ctx context.Context, hash string) (*domain.UserProfile, error) {
	query := `
		SELECT ` + profileColumns + `
		FROM user_profiles
		WHERE api_key_hash = $1 AND enabled = true
	`

	profile, err := scanProfile(r.db.QueryRowContext(ctx, query, hash))
	if err == sql.ErrNoRows {
		return nil, domain.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query profile: %w", err)
	}

	return profile, nil
}

func (r *PostgresProfileRepository) GetByID(ctx context.Context, id string) (*domain.UserProfile, error) {
	query := `
		SELECT ` + profileColumns + `
		FROM user_profiles
		WHERE id = $1
	`

	profile, err := scanProfile(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, domain.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query profile: %w", err)
	}

	return profile, nil
}

// Profile satisfies the lookup interface used by provider adapters.
func (r *PostgresProfileRepository) Profile(ctx context.Context, userID string) (*domain.UserProfile, error) {
	return r.GetByID(ctx, userID)
}

func (r *PostgresProfileRepository) Create(ctx context.Context, profile *domain.UserProfile) error {
	query := `
		INSERT INTO user_profiles (id, name, api_key_hash, role, level, budget_usd, enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := r.db.ExecContext(ctx, query,
		profile.ID,
		profile.Name,
		profile.APIKeyHash,
		string(profile.Role),
		profile.Level,
		profile.BudgetUSD,
		profile.Enabled,
		profile.CreatedAt,
		profile.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("insert profile: %w", err)
	}

	return nil
}

func (r *PostgresProfileRepository) Update(ctx context.Context, profile *domain.UserProfile) error {
	query := `
		UPDATE user_profiles
		SET name = $2, api_key_hash = $3, role = $4, level = $5,
		    budget_usd = $6, enabled = $7, updated_at = $8
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query,
		profile.ID,
		profile.Name,
		profile.APIKeyHash,
		string(profile.Role),
		profile.Level,
		profile.BudgetUSD,
		profile.Enabled,
		time.Now(),
	)

	if err != nil {
		return fmt.Errorf("update profile: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrUserNotFound
	}

	return nil
}

func (r *PostgresProfileRepository) List(ctx context.Context) ([]*domain.UserProfile, error) {
	query := `
		SELECT ` + profileColumns + `
		FROM user_profiles
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query profiles: %w", err)
	}
	defer rows.Close()

	var profiles []*domain.UserProfile
	for rows.Next() {
		profile, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		profiles = append(profiles, profile)
	}

	return profiles, rows.Err()
}
