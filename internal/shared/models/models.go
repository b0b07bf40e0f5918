package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// APIKey represents a gateway API key
type APIKey struct {
	ID         string
	SecretHash string
	KeyPrefix  string
	AccountID  string
	Name       string
	PlanID     *string
	// Quota is the monthly ceiling in quota units; nil defers to the plan.
	Quota      *int64
	ExpiredAt  *time.Time
	LastUsedAt *time.Time
	CreatedAt  time.Time
}

// Expired reports whether the key is past its expiry at now.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiredAt != nil && !k.ExpiredAt.After(now)
}

// TokenCounts are the raw token classes an upstream reports for one call.
type TokenCounts struct {
	Input  int64 `json:"input"`
	Cached int64 `json:"cached"`
	Output int64 `json:"output"`
}

// Total is the sum of all token classes.
func (c TokenCounts) Total() int64 {
	return c.Input + c.Cached + c.Output
}

// UsageDelta is one additive increment against a monthly usage record.
type UsageDelta struct {
	TokenCounts
	QuotaUsed int64
}

// MonthlyUsage is the per key, per calendar month usage record.
type MonthlyUsage struct {
	APIKeyID     string    `json:"api_key_id"`
	Month        string    `json:"month"`
	InputTokens  int64     `json:"input_tokens"`
	CachedTokens int64     `json:"cached_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	QuotaUsed    int64     `json:"quota_used"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Plan is pricing tier reference data.
type Plan struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Name         string          `json:"name"`
	Price        decimal.Decimal `json:"price"`
	Currency     string          `json:"currency"`
	MonthlyQuota *int64          `json:"monthly_quota,omitempty"`
	Features     []string        `json:"features"`
	Frontpage    bool            `json:"frontpage"`
	SortOrder    int             `json:"sort_order"`
}

// Payment is a settled payment record.
type Payment struct {
	ID        string
	AccountID string
	Amount    decimal.Decimal
	Currency  string
	Status    string
	PaidAt    time.Time
}

// Subscription binds an account to a plan.
type Subscription struct {
	ID         string
	AccountID  string
	PlanID     string
	Status     string
	CreatedAt  time.Time
	CanceledAt *time.Time
}

// ActiveAt reports whether the subscription was live at t.
func (s Subscription) ActiveAt(t time.Time) bool {
	if s.CreatedAt.After(t) {
		return false
	}
	return s.CanceledAt == nil || s.CanceledAt.After(t)
}

// UsageTotals aggregates usage across all keys for one month.
type UsageTotals struct {
	Month        string `json:"month"`
	InputTokens  int64  `json:"input_tokens"`
	CachedTokens int64  `json:"cached_tokens"`
	OutputTokens int64  `json:"output_tokens"`
	QuotaUsed    int64  `json:"quota_used"`
	ActiveKeys   int64  `json:"active_keys"`
}

// Payment statuses.
const (
	PaymentSucceeded = "succeeded"
	PaymentRefunded  = "refunded"
	PaymentFailed    = "failed"
)
