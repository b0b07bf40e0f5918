package cache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	preloadMarkerTTL = 30 * time.Second
	// triggerBackoff spaces background attempts while the cache is down.
	triggerBackoff = 30 * time.Second
)

// PreloadResult describes one preload call.
type PreloadResult struct {
	Skipped bool     `json:"skipped"`
	Reason  string   `json:"reason,omitempty"`
	Types   []string `json:"types,omitempty"`
	Keys    int      `json:"keys"`
	Shared  bool     `json:"shared"`
}

// Preloader warms plan reference data into the cache. Concurrent calls in
// one process collapse through single-flight; across processes a short-lived
// marker key lets only one warm-up run at a time.
type Preloader struct {
	cache  *Cache
	source PlanSource
	ttl    time.Duration
	log    zerolog.Logger
	owner  string

	group      singleflight.Group
	warmed     atomic.Bool
	triggered  atomic.Bool
	runs       atomic.Int64
	launches   atomic.Int64
	retryAfter time.Duration
}

// NewPreloader creates a preloader writing entries with ttl.
func NewPreloader(c *Cache, source PlanSource, ttl time.Duration, log zerolog.Logger) *Preloader {
	return &Preloader{
		cache:  c,
		source: source,
		ttl:    ttl,
		log:    log.With().Str("component", "preloader").Logger(),
		owner:  uuid.NewString(),

		retryAfter: triggerBackoff,
	}
}

// Preload warms the cache. It is safe to call concurrently. The warm-up
// itself outlives a caller that stops waiting.
func (p *Preloader) Preload(ctx context.Context) (PreloadResult, error) {
	ch := p.group.DoChan("preload", func() (any, error) {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), preloadMarkerTTL)
		defer cancel()
		return p.run(runCtx)
	})
	select {
	case <-ctx.Done():
		return PreloadResult{}, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return PreloadResult{}, r.Err
		}
		res := r.Val.(PreloadResult)
		res.Shared = r.Shared
		return res, nil
	}
}

// Trigger starts a background preload the first time it is called after
// start or after Clear. It never blocks the caller. A failed or skipped
// attempt is retried by a later call once retryAfter has passed.
func (p *Preloader) Trigger() {
	if p.warmed.Load() || !p.triggered.CompareAndSwap(false, true) {
		return
	}
	p.launches.Add(1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		res, err := p.Preload(ctx)
		if err != nil {
			p.log.Warn().Err(err).Msg("background preload failed")
		}
		if err != nil || res.Skipped {
			time.AfterFunc(p.retryAfter, func() { p.triggered.Store(false) })
		}
	}()
}

// Warmed reports whether a preload completed since start or the last Clear.
func (p *Preloader) Warmed() bool {
	return p.warmed.Load()
}

// Runs is the number of warm-up passes actually executed.
func (p *Preloader) Runs() int64 {
	return p.runs.Load()
}

func (p *Preloader) run(ctx context.Context) (PreloadResult, error) {
	acquired, err := p.cache.SetNX(ctx, preloadMarkerKey, p.owner, preloadMarkerTTL)
	if err != nil {
		return PreloadResult{Skipped: true, Reason: "cache unavailable"}, nil
	}
	if !acquired {
		return PreloadResult{Skipped: true, Reason: "preload in progress"}, nil
	}
	defer func() {
		_ = p.cache.Invalidate(context.WithoutCancel(ctx), preloadMarkerKey)
	}()

	p.runs.Add(1)
	start := time.Now()

	types, err := p.source.ListPlanTypes(ctx)
	if err != nil {
		return PreloadResult{}, fmt.Errorf("list plan types: %w", err)
	}

	var keys []string
	for _, planType := range types {
		plans, err := p.source.ListPlansByType(ctx, planType)
		if err != nil {
			return PreloadResult{}, fmt.Errorf("list plans of type %s: %w", planType, err)
		}
		if err := p.cache.Set(ctx, PlansByTypeKey(planType), plans, p.ttl); err != nil {
			return PreloadResult{}, err
		}
		keys = append(keys, PlansByTypeKey(planType))

		for _, plan := range plans {
			if err := p.cache.Set(ctx, PlanKey(plan.ID), plan, p.ttl); err != nil {
				return PreloadResult{}, err
			}
			keys = append(keys, PlanKey(plan.ID))
		}
	}

	frontpage, err := p.source.ListFrontpagePlans(ctx)
	if err != nil {
		return PreloadResult{}, fmt.Errorf("list frontpage plans: %w", err)
	}
	if err := p.cache.Set(ctx, FrontpagePlansKey, frontpage, p.ttl); err != nil {
		return PreloadResult{}, err
	}
	keys = append(keys, FrontpagePlansKey)

	if err := p.cache.Set(ctx, preloadManifest, keys, p.ttl); err != nil {
		return PreloadResult{}, err
	}

	p.warmed.Store(true)
	p.log.Info().
		Strs("types", types).
		Int("keys", len(keys)).
		Dur("took", time.Since(start)).
		Msg("plan cache preloaded")

	return PreloadResult{Types: types, Keys: len(keys)}, nil
}

// Clear removes every preloaded key. Subsequent reads repopulate through
// the normal miss path.
func (p *Preloader) Clear(ctx context.Context) (int, error) {
	var keys []string
	if err := p.cache.Get(ctx, preloadManifest, &keys); err != nil && !errors.Is(err, ErrMiss) {
		return 0, err
	}
	keys = append(keys, FrontpagePlansKey, preloadManifest)

	if err := p.cache.Invalidate(ctx, keys...); err != nil {
		return 0, err
	}
	p.warmed.Store(false)
	p.triggered.Store(false)
	p.log.Info().Int("keys", len(keys)).Msg("plan cache cleared")
	return len(keys), nil
}
