package cache

import (
	"context"
	"time"

	"github.com/mrmushfiq/llm0-quota-gateway/internal/shared/models"
)

// PlanSource is the authoritative plan store.
type PlanSource interface {
	GetPlanByID(ctx context.Context, id string) (*models.Plan, error)
	ListPlansByType(ctx context.Context, planType string) ([]models.Plan, error)
	ListPlanTypes(ctx context.Context) ([]string, error)
	ListFrontpagePlans(ctx context.Context) ([]models.Plan, error)
}

// Plans reads plan reference data through the cache.
type Plans struct {
	cache  *Cache
	source PlanSource
	ttl    time.Duration
}

// NewPlans wires plan reads through c with ttl.
func NewPlans(c *Cache, source PlanSource, ttl time.Duration) *Plans {
	return &Plans{cache: c, source: source, ttl: ttl}
}

// Get returns one plan.
func (p *Plans) Get(ctx context.Context, id string) (models.Plan, error) {
	return GetOrLoad(ctx, p.cache, PlanKey(id), p.ttl, func(ctx context.Context) (models.Plan, error) {
		plan, err := p.source.GetPlanByID(ctx, id)
		if err != nil {
			return models.Plan{}, err
		}
		return *plan, nil
	})
}

// ByType returns the plans of one type.
func (p *Plans) ByType(ctx context.Context, planType string) ([]models.Plan, error) {
	return GetOrLoad(ctx, p.cache, PlansByTypeKey(planType), p.ttl, func(ctx context.Context) ([]models.Plan, error) {
		return p.source.ListPlansByType(ctx, planType)
	})
}

// Frontpage returns the plans shown on the landing page.
func (p *Plans) Frontpage(ctx context.Context) ([]models.Plan, error) {
	return GetOrLoad(ctx, p.cache, FrontpagePlansKey, p.ttl, p.source.ListFrontpagePlans)
}
