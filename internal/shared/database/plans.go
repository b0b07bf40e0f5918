package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
	"github.com/mrmushfiq/llm0-quota-gateway/internal/shared/apierr"
	"github.com/mrmushfiq/llm0-quota-gateway/internal/shared/models"
)

const planColumns = `id, type, name, price, currency, monthly_quota, features, frontpage, sort_order`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPlan(row rowScanner) (models.Plan, error) {
	var (
		plan     models.Plan
		quota    sql.NullInt64
		features pq.StringArray
	)
	err := row.Scan(
		&plan.ID,
		&plan.Type,
		&plan.Name,
		&plan.Price,
		&plan.Currency,
		&quota,
		&features,
		&plan.Frontpage,
		&plan.SortOrder,
	)
	if err != nil {
		return models.Plan{}, err
	}
	if quota.Valid {
		plan.MonthlyQuota = &quota.Int64
	}
	plan.Features = []string(features)
	return plan, nil
}

// GetPlanByID retrieves one plan
func (db *DB) GetPlanByID(ctx context.Context, id string) (*models.Plan, error) {
	query := `SELECT ` + planColumns + ` FROM plans WHERE id = $1`

	plan, err := scanPlan(db.conn.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, apierr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	return &plan, nil
}

// ListPlansByType retrieves all plans of one type
func (db *DB) ListPlansByType(ctx context.Context, planType string) ([]models.Plan, error) {
	query := `SELECT ` + planColumns + ` FROM plans WHERE type = $1 ORDER BY sort_order, id`
	return db.queryPlans(ctx, query, planType)
}

// ListFrontpagePlans retrieves the plans flagged for the landing page
func (db *DB) ListFrontpagePlans(ctx context.Context) ([]models.Plan, error) {
	query := `SELECT ` + planColumns + ` FROM plans WHERE frontpage ORDER BY sort_order, id`
	return db.queryPlans(ctx, query)
}

// ListPlanTypes returns the distinct plan types
func (db *DB) ListPlanTypes(ctx context.Context) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT DISTINCT type FROM plans ORDER BY type`)
	if err != nil {
		return nil, fmt.Errorf("list plan types: %w", err)
	}
	defer rows.Close()

	var types []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan plan type: %w", err)
		}
		types = append(types, t)
	}
	return types, rows.Err()
}

func (db *DB) queryPlans(ctx context.Context, query string, args ...any) ([]models.Plan, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query plans: %w", err)
	}
	defer rows.Close()

	plans := []models.Plan{}
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan plan: %w", err)
		}
		plans = append(plans, plan)
	}
	return plans, rows.Err()
}
