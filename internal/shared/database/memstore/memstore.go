// Package memstore is an in-memory authoritative store with the same
// contract as the Postgres store. It backs STORE_DRIVER=memory and tests.
package memstore

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mrmushfiq/llm0-quota-gateway/internal/shared/apierr"
	"github.com/mrmushfiq/llm0-quota-gateway/internal/shared/database"
	"github.com/mrmushfiq/llm0-quota-gateway/internal/shared/models"
)

type usageKey struct {
	apiKeyID string
	month    string
}

// Store keeps every table in maps guarded by one mutex.
type Store struct {
	mu            sync.RWMutex
	keys          map[string]*models.APIKey // by secret hash
	plans         map[string]models.Plan
	usage         map[usageKey]models.MonthlyUsage
	payments      []models.Payment
	subscriptions []models.Subscription
	accounts      map[string]time.Time

	usageReads atomic.Int64
	increments atomic.Int64
	planReads  atomic.Int64
}

// New returns an empty store.
func New() *Store {
	return &Store{
		keys:     make(map[string]*models.APIKey),
		plans:    make(map[string]models.Plan),
		usage:    make(map[usageKey]models.MonthlyUsage),
		accounts: make(map[string]time.Time),
	}
}

// AddAPIKey registers key under secret.
func (s *Store) AddAPIKey(secret string, key models.APIKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key.SecretHash = database.HashSecret(secret)
	if key.KeyPrefix == "" && len(secret) >= 6 {
		key.KeyPrefix = secret[:6]
	}
	s.keys[key.SecretHash] = &key
}

// AddPlan upserts a plan.
func (s *Store) AddPlan(plan models.Plan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[plan.ID] = plan
}

// AddAccount records an account created at t.
func (s *Store) AddAccount(id string, createdAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[id] = createdAt
}

// AddPayment appends a payment.
func (s *Store) AddPayment(p models.Payment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payments = append(s.payments, p)
}

// AddSubscription appends a subscription.
func (s *Store) AddSubscription(sub models.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions = append(s.subscriptions, sub)
}

// SetUsage overwrites a usage record. Seeding only.
func (s *Store) SetUsage(u models.MonthlyUsage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage[usageKey{u.APIKeyID, u.Month}] = u
}

// LookupAPIKeyBySecret resolves a raw secret.
func (s *Store) LookupAPIKeyBySecret(_ context.Context, secret string) (*models.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.keys[database.HashSecret(secret)]
	if !ok {
		return nil, apierr.ErrNotFound
	}
	cp := *key
	return &cp, nil
}

// TouchAPIKey stamps last use.
func (s *Store) TouchAPIKey(_ context.Context, apiKeyID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range s.keys {
		if key.ID == apiKeyID {
			t := at
			key.LastUsedAt = &t
			return nil
		}
	}
	return apierr.ErrNotFound
}

// GetPlanByID returns one plan.
func (s *Store) GetPlanByID(_ context.Context, id string) (*models.Plan, error) {
	s.planReads.Add(1)
	s.mu.RLock()
	defer s.mu.RUnlock()
	plan, ok := s.plans[id]
	if !ok {
		return nil, apierr.ErrNotFound
	}
	return &plan, nil
}

// ListPlansByType returns plans of one type ordered by sort order.
func (s *Store) ListPlansByType(_ context.Context, planType string) ([]models.Plan, error) {
	s.planReads.Add(1)
	return s.filterPlans(func(p models.Plan) bool { return p.Type == planType }), nil
}

// ListFrontpagePlans returns the landing page subset.
func (s *Store) ListFrontpagePlans(_ context.Context) ([]models.Plan, error) {
	s.planReads.Add(1)
	return s.filterPlans(func(p models.Plan) bool { return p.Frontpage }), nil
}

// ListPlanTypes returns the distinct plan types, sorted.
func (s *Store) ListPlanTypes(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	var types []string
	for _, p := range s.plans {
		if _, ok := seen[p.Type]; !ok {
			seen[p.Type] = struct{}{}
			types = append(types, p.Type)
		}
	}
	sort.Strings(types)
	return types, nil
}

func (s *Store) filterPlans(keep func(models.Plan) bool) []models.Plan {
	s.mu.RLock()
	defer s.mu.RUnlock()
	plans := []models.Plan{}
	for _, p := range s.plans {
		if keep(p) {
			plans = append(plans, p)
		}
	}
	sort.Slice(plans, func(i, j int) bool {
		if plans[i].SortOrder != plans[j].SortOrder {
			return plans[i].SortOrder < plans[j].SortOrder
		}
		return plans[i].ID < plans[j].ID
	})
	return plans
}

// ReadUsage returns the record for a key and month, zero when absent.
func (s *Store) ReadUsage(_ context.Context, apiKeyID, month string) (models.MonthlyUsage, error) {
	s.usageReads.Add(1)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if u, ok := s.usage[usageKey{apiKeyID, month}]; ok {
		return u, nil
	}
	return models.MonthlyUsage{APIKeyID: apiKeyID, Month: month}, nil
}

// IncrementUsage adds delta under the store lock.
func (s *Store) IncrementUsage(_ context.Context, apiKeyID, month string, delta models.UsageDelta) (models.MonthlyUsage, error) {
	s.increments.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	k := usageKey{apiKeyID, month}
	u, ok := s.usage[k]
	if !ok {
		u = models.MonthlyUsage{APIKeyID: apiKeyID, Month: month}
	}
	u.InputTokens += delta.Input
	u.CachedTokens += delta.Cached
	u.OutputTokens += delta.Output
	u.QuotaUsed += delta.QuotaUsed
	u.UpdatedAt = time.Now()
	s.usage[k] = u
	return u, nil
}

// UsageTotals sums usage per month over the inclusive range.
func (s *Store) UsageTotals(_ context.Context, fromMonth, toMonth string) ([]models.UsageTotals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byMonth := make(map[string]*models.UsageTotals)
	for k, u := range s.usage {
		if k.month < fromMonth || k.month > toMonth {
			continue
		}
		t, ok := byMonth[k.month]
		if !ok {
			t = &models.UsageTotals{Month: k.month}
			byMonth[k.month] = t
		}
		t.InputTokens += u.InputTokens
		t.CachedTokens += u.CachedTokens
		t.OutputTokens += u.OutputTokens
		t.QuotaUsed += u.QuotaUsed
		t.ActiveKeys++
	}
	totals := make([]models.UsageTotals, 0, len(byMonth))
	for _, t := range byMonth {
		totals = append(totals, *t)
	}
	sort.Slice(totals, func(i, j int) bool { return totals[i].Month < totals[j].Month })
	return totals, nil
}

// QueryPayments returns payments settled in [from, to).
func (s *Store) QueryPayments(_ context.Context, from, to time.Time) ([]models.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Payment
	for _, p := range s.payments {
		if !p.PaidAt.Before(from) && p.PaidAt.Before(to) {
			out = append(out, p)
		}
	}
	return out, nil
}

// QuerySubscriptions returns subscriptions overlapping [from, to).
func (s *Store) QuerySubscriptions(_ context.Context, from, to time.Time) ([]models.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Subscription
	for _, sub := range s.subscriptions {
		if sub.CreatedAt.Before(to) && (sub.CanceledAt == nil || !sub.CanceledAt.Before(from)) {
			out = append(out, sub)
		}
	}
	return out, nil
}

// CountAccounts counts accounts created before t.
func (s *Store) CountAccounts(_ context.Context, before time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, created := range s.accounts {
		if created.Before(before) {
			n++
		}
	}
	return n, nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() error { return nil }

// UsageReads is the number of ReadUsage calls.
func (s *Store) UsageReads() int64 { return s.usageReads.Load() }

// Increments is the number of IncrementUsage calls.
func (s *Store) Increments() int64 { return s.increments.Load() }

// PlanReads is the number of plan queries.
func (s *Store) PlanReads() int64 { return s.planReads.Load() }
