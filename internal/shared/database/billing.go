package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mrmushfiq/llm0-quota-gateway/internal/shared/models"
)

// QueryPayments returns payments settled in [from, to).
func (db *DB) QueryPayments(ctx context.Context, from, to time.Time) ([]models.Payment, error) {
	query := `
		SELECT id, account_id, amount, currency, status, paid_at
		FROM payments
		WHERE paid_at >= $1 AND paid_at < $2
		ORDER BY paid_at
	`

	rows, err := db.conn.QueryContext(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("query payments: %w", err)
	}
	defer rows.Close()

	var payments []models.Payment
	for rows.Next() {
		var p models.Payment
		if err := rows.Scan(&p.ID, &p.AccountID, &p.Amount, &p.Currency, &p.Status, &p.PaidAt); err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// QuerySubscriptions returns subscriptions created before to and not
// canceled before from.
func (db *DB) QuerySubscriptions(ctx context.Context, from, to time.Time) ([]models.Subscription, error) {
	query := `
		SELECT id, account_id, plan_id, status, created_at, canceled_at
		FROM subscriptions
		WHERE created_at < $2 AND (canceled_at IS NULL OR canceled_at >= $1)
		ORDER BY created_at
	`

	rows, err := db.conn.QueryContext(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []models.Subscription
	for rows.Next() {
		var (
			s        models.Subscription
			canceled sql.NullTime
		)
		if err := rows.Scan(&s.ID, &s.AccountID, &s.PlanID, &s.Status, &s.CreatedAt, &canceled); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		if canceled.Valid {
			s.CanceledAt = &canceled.Time
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

// CountAccounts returns the number of accounts created before t.
func (db *DB) CountAccounts(ctx context.Context, before time.Time) (int64, error) {
	var n int64
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM accounts WHERE created_at < $1`, before).Scan(&n); err != nil {
		return 0, fmt.Errorf("count accounts: %w", err)
	}
	return n, nil
}
