package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mrmushfiq/llm0-quota-gateway/internal/gateway/cache"
	"github.com/mrmushfiq/llm0-quota-gateway/internal/shared/apierr"
	"github.com/mrmushfiq/llm0-quota-gateway/internal/shared/models"
	"github.com/rs/zerolog"
)

// monthLayout is the calendar month key, always in UTC.
const monthLayout = "2006-01"

// MonthOf returns the usage month t falls in.
func MonthOf(t time.Time) string {
	return t.UTC().Format(monthLayout)
}

// Store is the authoritative usage table.
type Store interface {
	ReadUsage(ctx context.Context, apiKeyID, month string) (models.MonthlyUsage, error)
	IncrementUsage(ctx context.Context, apiKeyID, month string, delta models.UsageDelta) (models.MonthlyUsage, error)
}

// PlanReader resolves a key's plan for plan-derived quotas.
type PlanReader interface {
	Get(ctx context.Context, id string) (models.Plan, error)
}

// Ledger owns per-key monthly usage. Reads go through the cache with a short
// TTL; writes are atomic increments on the store followed by invalidation.
type Ledger struct {
	store       Store
	cache       *cache.Cache
	plans       PlanReader
	weights     Weights
	usageTTL    time.Duration
	maxAttempts int
	backoff     time.Duration
	log         zerolog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

func WithPlans(p PlanReader) Option {
	return func(l *Ledger) { l.plans = p }
}

func WithWeights(w Weights) Option {
	return func(l *Ledger) { l.weights = w }
}

func WithUsageTTL(ttl time.Duration) Option {
	return func(l *Ledger) { l.usageTTL = ttl }
}

// WithRetry bounds the store write to attempts tries, doubling backoff
// between them.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(l *Ledger) {
		if attempts < 1 {
			attempts = 1
		}
		l.maxAttempts = attempts
		l.backoff = backoff
	}
}

func WithLogger(log zerolog.Logger) Option {
	return func(l *Ledger) { l.log = log }
}

// NewLedger creates a ledger over store, caching reads in c.
func NewLedger(store Store, c *cache.Cache, opts ...Option) *Ledger {
	l := &Ledger{
		store:       store,
		cache:       c,
		weights:     DefaultWeights(),
		usageTTL:    30 * time.Second,
		maxAttempts: 3,
		backoff:     100 * time.Millisecond,
		log:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.log = l.log.With().Str("component", "ledger").Logger()
	return l
}

// Weights returns the active cost weights.
func (l *Ledger) Weights() Weights {
	return l.weights
}

// CurrentUsage returns the key's usage for month, cache first.
func (l *Ledger) CurrentUsage(ctx context.Context, apiKeyID, month string) (models.MonthlyUsage, error) {
	return cache.GetOrLoad(ctx, l.cache, cache.UsageKey(apiKeyID, month), l.usageTTL,
		func(ctx context.Context) (models.MonthlyUsage, error) {
			return l.store.ReadUsage(ctx, apiKeyID, month)
		})
}

// RecordUsage meters counts against the key's month and returns the quota
// units charged. On persistent store failure it returns an error wrapping
// apierr.ErrLedgerWriteFailed; the delta is never dropped silently.
func (l *Ledger) RecordUsage(ctx context.Context, apiKeyID, month string, counts models.TokenCounts) (int64, error) {
	delta := models.UsageDelta{TokenCounts: counts, QuotaUsed: l.weights.Cost(counts)}

	var (
		usage models.MonthlyUsage
		err   error
	)
	backoff := l.backoff
retry:
	for attempt := 1; ; attempt++ {
		usage, err = l.store.IncrementUsage(ctx, apiKeyID, month, delta)
		if err == nil || attempt >= l.maxAttempts {
			break
		}
		l.log.Warn().Err(err).
			Int("attempt", attempt).
			Str("api_key_id", apiKeyID).
			Msg("usage write failed, retrying")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			break retry
		}
		backoff *= 2
	}
	if err != nil {
		l.log.Error().Err(err).
			Str("api_key_id", apiKeyID).
			Str("month", month).
			Int64("input", counts.Input).
			Int64("cached", counts.Cached).
			Int64("output", counts.Output).
			Int64("quota_delta", delta.QuotaUsed).
			Msg("usage write failed after all retries")
		return delta.QuotaUsed, fmt.Errorf("%w: %v", apierr.ErrLedgerWriteFailed, err)
	}

	// Force the next read to reconcile with the store.
	if err := l.cache.Invalidate(ctx, cache.UsageKey(apiKeyID, month)); err != nil && l.cache.Enabled() {
		l.log.Warn().Err(err).Str("api_key_id", apiKeyID).Msg("usage cache invalidation failed")
	}

	l.log.Debug().
		Str("api_key_id", apiKeyID).
		Str("month", month).
		Int64("quota_delta", delta.QuotaUsed).
		Int64("quota_used", usage.QuotaUsed).
		Msg("usage recorded")
	return delta.QuotaUsed, nil
}

// EffectiveQuota returns the key's ceiling: its own quota, else its plan's
// monthly quota. Nil means unlimited.
func (l *Ledger) EffectiveQuota(ctx context.Context, key *models.APIKey) (*int64, error) {
	if key.Quota != nil {
		return key.Quota, nil
	}
	if key.PlanID == nil || l.plans == nil {
		return nil, nil
	}
	plan, err := l.plans.Get(ctx, *key.PlanID)
	if errors.Is(err, apierr.ErrNotFound) {
		l.log.Warn().Str("api_key_id", key.ID).Str("plan_id", *key.PlanID).Msg("api key references unknown plan")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve plan %s: %w", *key.PlanID, err)
	}
	return plan.MonthlyQuota, nil
}

// Remaining is a key's quota position for one month.
type Remaining struct {
	Month     string              `json:"month"`
	Quota     *int64              `json:"quota"`
	Used      int64               `json:"tokensUsed"`
	Remaining *int64              `json:"remainingQuota"`
	Unlimited bool                `json:"unlimited"`
	Usage     models.MonthlyUsage `json:"usage"`
}

// Exhausted reports whether no quota is left.
func (r Remaining) Exhausted() bool {
	return r.Quota != nil && r.Used >= *r.Quota
}

// RemainingQuota returns quota minus usage for month, clamped at zero.
func (l *Ledger) RemainingQuota(ctx context.Context, key *models.APIKey, month string) (Remaining, error) {
	quota, err := l.EffectiveQuota(ctx, key)
	if err != nil {
		return Remaining{}, err
	}
	usage, err := l.CurrentUsage(ctx, key.ID, month)
	if err != nil {
		return Remaining{}, err
	}

	r := Remaining{Month: month, Quota: quota, Used: usage.QuotaUsed, Usage: usage}
	if quota == nil {
		r.Unlimited = true
		return r, nil
	}
	left := *quota - usage.QuotaUsed
	if left < 0 {
		left = 0
	}
	r.Remaining = &left
	return r, nil
}

// Admit is the pre-forwarding check. It returns apierr.ErrQuotaExceeded when
// usage has reached the ceiling. Concurrent requests at the boundary may all
// pass; overshoot is settled by post-hoc metering.
func (l *Ledger) Admit(ctx context.Context, key *models.APIKey, month string) (Remaining, error) {
	r, err := l.RemainingQuota(ctx, key, month)
	if err != nil {
		return r, err
	}
	if r.Exhausted() {
		return r, apierr.ErrQuotaExceeded
	}
	return r, nil
}
