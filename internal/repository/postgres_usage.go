package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/eaplan05/ai-core/internal/cost"
)

// PostgresUsageRepository implements cost.Tracker on top of Postgres.
type PostgresUsageRepository struct {
	db *sql.DB
}

func NewPostgresUsageRepository(db *sql.DB) *PostgresUsageRepository {
	return &PostgresUsageRepository{db: db}
}

func (r *PostgresUsageRepository) Record(ctx context.Context, record cost.UsageRecord) error {
	query := `
		INSERT INTO usage_records (user_id, request_id, model, provider, input_tokens, output_tokens, cost_usd, latency_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := r.db.ExecContext(ctx, query,
		record.UserID,
		record.RequestID,
		record.Model,
		record.Provider,
		record.InputTokens,
		record.OutputTokens,
		record.CostUSD,
		record.LatencyMs,
		record.Timestamp,
	)

	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}

	return nil
}

func (r *PostgresUsageRepository) UserUsage(ctx context.Context, userID string, since time.Time) ([]cost.UsageRecord, error) {
	query := `
		SELECT user_id, request_id, model, provider, input_tokens, output_tokens, cost_usd, latency_ms, created_at
		FROM usage_records
		WHERE user_id = $1 AND created_at >= $2
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query, userID, since)
	if err != nil {
		return nil, fmt.Errorf("query usage records: %w", err)
	}
	defer rows.Close()

	var records []cost.UsageRecord
	for rows.Next() {
		var record cost.UsageRecord
		err := rows.Scan(
			&record.UserID,
			&record.RequestID,
			&record.Model,
			&record.Provider,
			&record.InputTokens,
			&record.OutputTokens,
			&record.CostUSD,
			&record.LatencyMs,
			&record.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		records = append(records, record)
	}

	return records, rows.Err()
}

func (r *PostgresUsageRepository) UserTotalCost(ctx context.Context, userID string, since time.Time) (float64, error) {
	query := `
		SELECT COALESCE(SUM(cost_usd), 0)
		FROM usage_records
		WHERE user_id = $1 AND created_at >= $2
	`

	var total float64
	err := r.db.QueryRowContext(ctx, query, userID, since).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("query total cost: %w", err)
	}

	return total, nil
}

// TopSpenders returns the user ids with the highest spend since a cutoff.
func (r *PostgresUsageRepository) TopSpenders(ctx context.Context, since time.Time, limit int) (map[string]float64, error) {
	query := `
		SELECT user_id, SUM(cost_usd) AS total
		FROM usage_records
		WHERE created_at >= $1
		GROUP BY user_id
		ORDER BY total DESC
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, since, limit)
	if err != nil {
		return nil, fmt.Errorf("query top spenders: %w", err)
	}
	defer rows.Close()

	totals := make(map[string]float64)
	for rows.Next() {
		var userID string
		var total float64
		if err := rows.Scan(&userID, &total); err != nil {
			return nil, fmt.Errorf("scan top spender: %w", err)
		}
		totals[userID] = total
	}

	return totals, rows.Err()
}

// Ping verifies database connectivity for health checks.
func Ping(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}
