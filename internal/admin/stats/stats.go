// Package stats rolls usage, payments, accounts and subscriptions up into
// per-month snapshots for the admin dashboard.
package stats

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mrmushfiq/llm0-quota-gateway/internal/gateway/cache"
	"github.com/mrmushfiq/llm0-quota-gateway/internal/shared/apierr"
	"github.com/mrmushfiq/llm0-quota-gateway/internal/shared/models"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Accepted query ranges.
const (
	MinMonths = 1
	MaxMonths = 24
	MinYear   = 2020
	MaxYear   = 2030
)

// Source is the read-only authoritative data the engine aggregates.
type Source interface {
	CountAccounts(ctx context.Context, before time.Time) (int64, error)
	QueryPayments(ctx context.Context, from, to time.Time) ([]models.Payment, error)
	QuerySubscriptions(ctx context.Context, from, to time.Time) ([]models.Subscription, error)
	UsageTotals(ctx context.Context, fromMonth, toMonth string) ([]models.UsageTotals, error)
}

// Query selects either the last Months calendar months or one Year.
type Query struct {
	Months int `json:"months,omitempty"`
	Year   int `json:"year,omitempty"`
}

// Validate enforces exactly one selector within range.
func (q Query) Validate() error {
	switch {
	case q.Months != 0 && q.Year != 0:
		return fmt.Errorf("%w: months and year are mutually exclusive", apierr.ErrInvalidParameter)
	case q.Months == 0 && q.Year == 0:
		return fmt.Errorf("%w: one of months or year is required", apierr.ErrInvalidParameter)
	case q.Year != 0 && (q.Year < MinYear || q.Year > MaxYear):
		return fmt.Errorf("%w: year must be between %d and %d", apierr.ErrInvalidParameter, MinYear, MaxYear)
	case q.Year == 0 && (q.Months < MinMonths || q.Months > MaxMonths):
		return fmt.Errorf("%w: months must be between %d and %d", apierr.ErrInvalidParameter, MinMonths, MaxMonths)
	}
	return nil
}

// Snapshot is one calendar month of aggregates.
type Snapshot struct {
	Period              string                     `json:"period"`
	Start               time.Time                  `json:"start"`
	End                 time.Time                  `json:"end"`
	NewUsers            int64                      `json:"newUsers"`
	TotalUsers          int64                      `json:"totalUsers"`
	RevenueByCurrency   map[string]decimal.Decimal `json:"revenueByCurrency"`
	Payments            int64                      `json:"payments"`
	InputTokens         int64                      `json:"inputTokens"`
	CachedTokens        int64                      `json:"cachedTokens"`
	OutputTokens        int64                      `json:"outputTokens"`
	QuotaUsed           int64                      `json:"quotaUsed"`
	ActiveKeys          int64                      `json:"activeKeys"`
	NewSubscriptions    int64                      `json:"newSubscriptions"`
	ActiveSubscriptions int64                      `json:"activeSubscriptions"`
}

// Report is the ordered sequence of snapshots, oldest first.
type Report struct {
	Query       Query      `json:"query"`
	Periods     []Snapshot `json:"periods"`
	GeneratedAt time.Time  `json:"generatedAt"`
}

// Engine computes reports and caches them whole.
type Engine struct {
	source Source
	cache  *cache.Cache
	ttl    time.Duration
	log    zerolog.Logger
	now    func() time.Time
}

func NewEngine(source Source, c *cache.Cache, ttl time.Duration, log zerolog.Logger) *Engine {
	return &Engine{
		source: source,
		cache:  c,
		ttl:    ttl,
		log:    log.With().Str("component", "stats").Logger(),
		now:    time.Now,
	}
}

// MonthlyMetrics returns the report for q, served from cache when fresh.
func (e *Engine) MonthlyMetrics(ctx context.Context, q Query) (Report, error) {
	if err := q.Validate(); err != nil {
		return Report{}, err
	}
	now := e.now().UTC()
	return cache.GetOrLoad(ctx, e.cache, e.cacheKey(q, now), e.ttl, func(ctx context.Context) (Report, error) {
		return e.compute(ctx, q, now)
	})
}

// Refresh drops the cached report for q and recomputes it.
func (e *Engine) Refresh(ctx context.Context, q Query) (Report, error) {
	if err := q.Validate(); err != nil {
		return Report{}, err
	}
	// A failed invalidation only means the cache is down; the read below
	// then goes straight to the store.
	_ = e.cache.Invalidate(ctx, e.cacheKey(q, e.now().UTC()))
	return e.MonthlyMetrics(ctx, q)
}

func (e *Engine) cacheKey(q Query, now time.Time) string {
	if q.Year != 0 {
		return cache.StatsYearKey(q.Year)
	}
	return cache.StatsMonthsKey(q.Months, now.Format("2006-01"))
}

// periods returns the month start boundaries covered by q, oldest first.
func periods(q Query, now time.Time) []time.Time {
	var first time.Time
	n := q.Months
	if q.Year != 0 {
		first = time.Date(q.Year, time.January, 1, 0, 0, 0, 0, time.UTC)
		n = 12
	} else {
		current := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		first = current.AddDate(0, -(n - 1), 0)
	}

	starts := make([]time.Time, n)
	for i := range starts {
		starts[i] = first.AddDate(0, i, 0)
	}
	return starts
}

func (e *Engine) compute(ctx context.Context, q Query, now time.Time) (Report, error) {
	start := time.Now()
	starts := periods(q, now)
	from := starts[0]
	to := starts[len(starts)-1].AddDate(0, 1, 0)

	payments, err := e.source.QueryPayments(ctx, from, to)
	if err != nil {
		return Report{}, fmt.Errorf("query payments: %w", err)
	}
	subs, err := e.source.QuerySubscriptions(ctx, from, to)
	if err != nil {
		return Report{}, fmt.Errorf("query subscriptions: %w", err)
	}
	usage, err := e.source.UsageTotals(ctx, from.Format("2006-01"), starts[len(starts)-1].Format("2006-01"))
	if err != nil {
		return Report{}, fmt.Errorf("usage totals: %w", err)
	}

	snaps := make([]Snapshot, len(starts))
	index := make(map[string]int, len(starts))
	prevUsers, err := e.source.CountAccounts(ctx, from)
	if err != nil {
		return Report{}, fmt.Errorf("count accounts: %w", err)
	}
	for i, s := range starts {
		end := s.AddDate(0, 1, 0)
		total, err := e.source.CountAccounts(ctx, end)
		if err != nil {
			return Report{}, fmt.Errorf("count accounts: %w", err)
		}
		snaps[i] = Snapshot{
			Period:            s.Format("2006-01"),
			Start:             s,
			End:               end,
			TotalUsers:        total,
			NewUsers:          total - prevUsers,
			RevenueByCurrency: map[string]decimal.Decimal{},
		}
		prevUsers = total
		index[snaps[i].Period] = i
	}

	for _, p := range payments {
		if p.Status != models.PaymentSucceeded {
			continue
		}
		i, ok := index[p.PaidAt.UTC().Format("2006-01")]
		if !ok {
			continue
		}
		currency := strings.ToUpper(p.Currency)
		snaps[i].RevenueByCurrency[currency] = snaps[i].RevenueByCurrency[currency].Add(p.Amount)
		snaps[i].Payments++
	}

	for _, u := range usage {
		i, ok := index[u.Month]
		if !ok {
			continue
		}
		snaps[i].InputTokens = u.InputTokens
		snaps[i].CachedTokens = u.CachedTokens
		snaps[i].OutputTokens = u.OutputTokens
		snaps[i].QuotaUsed = u.QuotaUsed
		snaps[i].ActiveKeys = u.ActiveKeys
	}

	for i := range snaps {
		if now.Before(snaps[i].Start) {
			continue
		}
		// Subscriptions are counted as of the period end, or now for the
		// period in progress.
		at := snaps[i].End.Add(-time.Nanosecond)
		if now.Before(at) {
			at = now
		}
		for _, sub := range subs {
			if sub.ActiveAt(at) {
				snaps[i].ActiveSubscriptions++
			}
			if !sub.CreatedAt.Before(snaps[i].Start) && sub.CreatedAt.Before(snaps[i].End) {
				snaps[i].NewSubscriptions++
			}
		}
	}

	e.log.Info().
		Int("months", q.Months).
		Int("year", q.Year).
		Int("periods", len(snaps)).
		Dur("took", time.Since(start)).
		Msg("admin metrics computed")

	return Report{Query: q, Periods: snaps, GeneratedAt: now}, nil
}
