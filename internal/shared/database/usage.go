package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mrmushfiq/llm0-quota-gateway/internal/shared/models"
)

// ReadUsage returns the usage record for a key and month. A month without
// usage yields a zero record.
func (db *DB) ReadUsage(ctx context.Context, apiKeyID, month string) (models.MonthlyUsage, error) {
	query := `
		SELECT input_tokens, cached_tokens, output_tokens, quota_used, updated_at
		FROM monthly_usage
		WHERE api_key_id = $1 AND month = $2
	`

	usage := models.MonthlyUsage{APIKeyID: apiKeyID, Month: month}
	err := db.conn.QueryRowContext(ctx, query, apiKeyID, month).Scan(
		&usage.InputTokens,
		&usage.CachedTokens,
		&usage.OutputTokens,
		&usage.QuotaUsed,
		&usage.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return usage, nil
	}
	if err != nil {
		return models.MonthlyUsage{}, fmt.Errorf("read usage: %w", err)
	}
	return usage, nil
}

// IncrementUsage atomically adds delta to the key's monthly record, creating
// it on first use, and returns the new totals.
func (db *DB) IncrementUsage(ctx context.Context, apiKeyID, month string, delta models.UsageDelta) (models.MonthlyUsage, error) {
	query := `
		INSERT INTO monthly_usage (api_key_id, month, input_tokens, cached_tokens, output_tokens, quota_used, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (api_key_id, month) DO UPDATE SET
			input_tokens  = monthly_usage.input_tokens  + EXCLUDED.input_tokens,
			cached_tokens = monthly_usage.cached_tokens + EXCLUDED.cached_tokens,
			output_tokens = monthly_usage.output_tokens + EXCLUDED.output_tokens,
			quota_used    = monthly_usage.quota_used    + EXCLUDED.quota_used,
			updated_at    = NOW()
		RETURNING input_tokens, cached_tokens, output_tokens, quota_used, updated_at
	`

	usage := models.MonthlyUsage{APIKeyID: apiKeyID, Month: month}
	err := db.conn.QueryRowContext(ctx, query,
		apiKeyID,
		month,
		delta.Input,
		delta.Cached,
		delta.Output,
		delta.QuotaUsed,
	).Scan(
		&usage.InputTokens,
		&usage.CachedTokens,
		&usage.OutputTokens,
		&usage.QuotaUsed,
		&usage.UpdatedAt,
	)
	if err != nil {
		return models.MonthlyUsage{}, fmt.Errorf("increment usage: %w", err)
	}
	return usage, nil
}

// UsageTotals sums usage per month over the inclusive month range.
func (db *DB) UsageTotals(ctx context.Context, fromMonth, toMonth string) ([]models.UsageTotals, error) {
	query := `
		SELECT month,
		       COALESCE(SUM(input_tokens), 0),
		       COALESCE(SUM(cached_tokens), 0),
		       COALESCE(SUM(output_tokens), 0),
		       COALESCE(SUM(quota_used), 0),
		       COUNT(DISTINCT api_key_id)
		FROM monthly_usage
		WHERE month >= $1 AND month <= $2
		GROUP BY month
		ORDER BY month
	`

	rows, err := db.conn.QueryContext(ctx, query, fromMonth, toMonth)
	if err != nil {
		return nil, fmt.Errorf("usage totals: %w", err)
	}
	defer rows.Close()

	var totals []models.UsageTotals
	for rows.Next() {
		var t models.UsageTotals
		if err := rows.Scan(&t.Month, &t.InputTokens, &t.CachedTokens, &t.OutputTokens, &t.QuotaUsed, &t.ActiveKeys); err != nil {
			return nil, fmt.Errorf("scan usage totals: %w", err)
		}
		totals = append(totals, t)
	}
	return totals, rows.Err()
}
