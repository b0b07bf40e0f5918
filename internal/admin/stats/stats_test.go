package stats

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/mrmushfiq/llm0-quota-gateway/internal/gateway/cache"
	"github.com/mrmushfiq/llm0-quota-gateway/internal/shared/apierr"
	"github.com/mrmushfiq/llm0-quota-gateway/internal/shared/database/memstore"
	"github.com/mrmushfiq/llm0-quota-gateway/internal/shared/models"
	"github.com/mrmushfiq/llm0-quota-gateway/internal/shared/redis"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var fixedNow = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

// countingSource records how often the store is touched.
type countingSource struct {
	Source
	payments atomic.Int64
}

func (s *countingSource) QueryPayments(ctx context.Context, from, to time.Time) ([]models.Payment, error) {
	s.payments.Add(1)
	return s.Source.QueryPayments(ctx, from, to)
}

func newTestEngine(t *testing.T, src Source) (*Engine, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client, err := redis.New(context.Background(), "redis://"+srv.Addr(), redis.WithFailureThreshold(1))
	if err != nil {
		t.Fatalf("redis: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	e := NewEngine(src, cache.New(client, zerolog.Nop()), 10*time.Minute, zerolog.Nop())
	e.now = func() time.Time { return fixedNow }
	return e, srv
}

func seed() *memstore.Store {
	s := memstore.New()
	s.AddAccount("a1", time.Date(2026, 5, 3, 0, 0, 0, 0, time.UTC))
	s.AddAccount("a2", time.Date(2026, 9, 10, 0, 0, 0, 0, time.UTC))
	s.AddAccount("a3", time.Date(2026, 9, 28, 0, 0, 0, 0, time.UTC))
	s.AddAccount("a4", time.Date(2026, 10, 2, 0, 0, 0, 0, time.UTC))

	sep := time.Date(2026, 9, 15, 0, 0, 0, 0, time.UTC)
	s.AddPayment(models.Payment{ID: "p1", AccountID: "a1", Amount: decimal.NewFromInt(100), Currency: "USD", Status: models.PaymentSucceeded, PaidAt: sep})
	s.AddPayment(models.Payment{ID: "p2", AccountID: "a2", Amount: decimal.NewFromInt(50), Currency: "usd", Status: models.PaymentSucceeded, PaidAt: sep.Add(time.Hour)})
	s.AddPayment(models.Payment{ID: "p3", AccountID: "a3", Amount: decimal.NewFromInt(30), Currency: "EUR", Status: models.PaymentSucceeded, PaidAt: sep.Add(2 * time.Hour)})
	s.AddPayment(models.Payment{ID: "p4", AccountID: "a3", Amount: decimal.NewFromInt(999), Currency: "EUR", Status: models.PaymentFailed, PaidAt: sep.Add(3 * time.Hour)})

	canceled := time.Date(2026, 10, 5, 0, 0, 0, 0, time.UTC)
	s.AddSubscription(models.Subscription{ID: "s1", AccountID: "a1", PlanID: "pro", CreatedAt: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)})
	s.AddSubscription(models.Subscription{ID: "s2", AccountID: "a2", PlanID: "starter", CreatedAt: time.Date(2026, 9, 10, 0, 0, 0, 0, time.UTC), CanceledAt: &canceled})

	s.SetUsage(models.MonthlyUsage{APIKeyID: "k1", Month: "2026-09", InputTokens: 100, CachedTokens: 20, OutputTokens: 50, QuotaUsed: 170})
	s.SetUsage(models.MonthlyUsage{APIKeyID: "k2", Month: "2026-09", InputTokens: 10, OutputTokens: 5, QuotaUsed: 15})
	return s
}

func TestQueryValidate(t *testing.T) {
	cases := []struct {
		q  Query
		ok bool
	}{
		{Query{Months: 1}, true},
		{Query{Months: 24}, true},
		{Query{Year: 2020}, true},
		{Query{Year: 2030}, true},
		{Query{}, false},
		{Query{Months: 0, Year: 0}, false},
		{Query{Months: 25}, false},
		{Query{Months: -1}, false},
		{Query{Year: 2019}, false},
		{Query{Year: 2031}, false},
		{Query{Months: 3, Year: 2026}, false},
	}
	for _, tc := range cases {
		err := tc.q.Validate()
		if tc.ok && err != nil {
			t.Errorf("%+v: unexpected error %v", tc.q, err)
		}
		if !tc.ok && !errors.Is(err, apierr.ErrInvalidParameter) {
			t.Errorf("%+v: expected ErrInvalidParameter, got %v", tc.q, err)
		}
	}
}

func TestMonthlyMetrics_InvalidDoesNotTouchStore(t *testing.T) {
	src := &countingSource{Source: seed()}
	e, _ := newTestEngine(t, src)

	if _, err := e.MonthlyMetrics(context.Background(), Query{Months: 48}); !errors.Is(err, apierr.ErrInvalidParameter) {
		t.Fatalf("expected ErrInvalidParameter, got %v", err)
	}
	if src.payments.Load() != 0 {
		t.Fatal("store touched on invalid input")
	}
}

func TestMonthlyMetrics_RevenueByCurrency(t *testing.T) {
	e, _ := newTestEngine(t, seed())

	report, err := e.MonthlyMetrics(context.Background(), Query{Months: 3})
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Periods) != 3 {
		t.Fatalf("periods = %d", len(report.Periods))
	}
	want := []string{"2026-08", "2026-09", "2026-10"}
	for i, p := range report.Periods {
		if p.Period != want[i] {
			t.Errorf("period %d = %s, want %s", i, p.Period, want[i])
		}
	}

	sep := report.Periods[1]
	if len(sep.RevenueByCurrency) != 2 {
		t.Fatalf("currencies = %v", sep.RevenueByCurrency)
	}
	if !sep.RevenueByCurrency["USD"].Equal(decimal.NewFromInt(150)) {
		t.Errorf("USD = %s", sep.RevenueByCurrency["USD"])
	}
	if !sep.RevenueByCurrency["EUR"].Equal(decimal.NewFromInt(30)) {
		t.Errorf("EUR = %s", sep.RevenueByCurrency["EUR"])
	}
	if sep.Payments != 3 {
		t.Errorf("payments = %d", sep.Payments)
	}
	if len(report.Periods[0].RevenueByCurrency) != 0 {
		t.Errorf("august revenue = %v", report.Periods[0].RevenueByCurrency)
	}
}

func TestMonthlyMetrics_UsersUsageSubscriptions(t *testing.T) {
	e, _ := newTestEngine(t, seed())

	report, err := e.MonthlyMetrics(context.Background(), Query{Months: 3})
	if err != nil {
		t.Fatal(err)
	}
	aug, sep, oct := report.Periods[0], report.Periods[1], report.Periods[2]

	if aug.TotalUsers != 1 || aug.NewUsers != 0 {
		t.Errorf("august users = %d/%d", aug.NewUsers, aug.TotalUsers)
	}
	if sep.TotalUsers != 3 || sep.NewUsers != 2 {
		t.Errorf("september users = %d/%d", sep.NewUsers, sep.TotalUsers)
	}
	if oct.TotalUsers != 4 || oct.NewUsers != 1 {
		t.Errorf("october users = %d/%d", oct.NewUsers, oct.TotalUsers)
	}

	if sep.InputTokens != 110 || sep.CachedTokens != 20 || sep.OutputTokens != 55 || sep.QuotaUsed != 185 || sep.ActiveKeys != 2 {
		t.Errorf("september usage = %+v", sep)
	}

	if aug.ActiveSubscriptions != 1 || sep.ActiveSubscriptions != 2 || oct.ActiveSubscriptions != 1 {
		t.Errorf("active subscriptions = %d/%d/%d", aug.ActiveSubscriptions, sep.ActiveSubscriptions, oct.ActiveSubscriptions)
	}
	if sep.NewSubscriptions != 1 {
		t.Errorf("september new subscriptions = %d", sep.NewSubscriptions)
	}
}

func TestMonthlyMetrics_Year(t *testing.T) {
	e, _ := newTestEngine(t, seed())

	report, err := e.MonthlyMetrics(context.Background(), Query{Year: 2026})
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Periods) != 12 || report.Periods[0].Period != "2026-01" || report.Periods[11].Period != "2026-12" {
		t.Fatalf("unexpected periods %d", len(report.Periods))
	}
	if report.Periods[11].ActiveSubscriptions != 0 {
		t.Error("future periods should have no active subscriptions")
	}
}

func TestMonthlyMetrics_CachedAndRefreshed(t *testing.T) {
	store := seed()
	src := &countingSource{Source: store}
	e, _ := newTestEngine(t, src)
	ctx := context.Background()

	if _, err := e.MonthlyMetrics(ctx, Query{Months: 2}); err != nil {
		t.Fatal(err)
	}
	report, err := e.MonthlyMetrics(ctx, Query{Months: 2})
	if err != nil {
		t.Fatal(err)
	}
	if src.payments.Load() != 1 {
		t.Fatalf("expected one computation, got %d", src.payments.Load())
	}
	if !report.Periods[0].RevenueByCurrency["USD"].Equal(decimal.NewFromInt(150)) {
		t.Errorf("cached report lost revenue: %v", report.Periods[0].RevenueByCurrency)
	}

	store.AddPayment(models.Payment{ID: "p5", Amount: decimal.NewFromInt(5), Currency: "USD", Status: models.PaymentSucceeded, PaidAt: fixedNow.Add(-time.Hour)})
	report, err = e.Refresh(ctx, Query{Months: 2})
	if err != nil {
		t.Fatal(err)
	}
	if src.payments.Load() != 2 {
		t.Fatalf("refresh did not recompute")
	}
	if !report.Periods[1].RevenueByCurrency["USD"].Equal(decimal.NewFromInt(5)) {
		t.Errorf("october USD = %s", report.Periods[1].RevenueByCurrency["USD"])
	}
}

func TestMonthlyMetrics_CacheDown(t *testing.T) {
	e, srv := newTestEngine(t, seed())
	srv.Close()

	report, err := e.MonthlyMetrics(context.Background(), Query{Months: 2})
	if err != nil {
		t.Fatalf("cache outage surfaced: %v", err)
	}
	if len(report.Periods) != 2 {
		t.Fatalf("periods = %d", len(report.Periods))
	}
}
