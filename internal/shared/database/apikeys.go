package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mrmushfiq/llm0-quota-gateway/internal/shared/apierr"
	"github.com/mrmushfiq/llm0-quota-gateway/internal/shared/models"
)

// LookupAPIKeyBySecret retrieves an API key by its raw secret value
func (db *DB) LookupAPIKeyBySecret(ctx context.Context, secret string) (*models.APIKey, error) {
	query := `
		SELECT id, secret_hash, key_prefix, account_id, name, plan_id, quota,
		       expired_at, last_used_at, created_at
		FROM api_keys
		WHERE secret_hash = $1
	`

	var (
		apiKey    models.APIKey
		planID    sql.NullString
		quota     sql.NullInt64
		expiredAt sql.NullTime
		lastUsed  sql.NullTime
	)
	err := db.conn.QueryRowContext(ctx, query, HashSecret(secret)).Scan(
		&apiKey.ID,
		&apiKey.SecretHash,
		&apiKey.KeyPrefix,
		&apiKey.AccountID,
		&apiKey.Name,
		&planID,
		&quota,
		&expiredAt,
		&lastUsed,
		&apiKey.CreatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, apierr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}

	if planID.Valid {
		apiKey.PlanID = &planID.String
	}
	if quota.Valid {
		apiKey.Quota = &quota.Int64
	}
	if expiredAt.Valid {
		apiKey.ExpiredAt = &expiredAt.Time
	}
	if lastUsed.Valid {
		apiKey.LastUsedAt = &lastUsed.Time
	}
	return &apiKey, nil
}

// TouchAPIKey updates the last_used_at timestamp
func (db *DB) TouchAPIKey(ctx context.Context, apiKeyID string, at time.Time) error {
	query := `UPDATE api_keys SET last_used_at = $2 WHERE id = $1`
	if _, err := db.conn.ExecContext(ctx, query, apiKeyID, at); err != nil {
		return fmt.Errorf("touch api key: %w", err)
	}
	return nil
}
