// Package app assembles the gateway from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mrmushfiq/llm0-quota-gateway/internal/admin/stats"
	"github.com/mrmushfiq/llm0-quota-gateway/internal/gateway/auth"
	"github.com/mrmushfiq/llm0-quota-gateway/internal/gateway/cache"
	"github.com/mrmushfiq/llm0-quota-gateway/internal/gateway/handlers"
	"github.com/mrmushfiq/llm0-quota-gateway/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-quota-gateway/internal/gateway/quota"
	"github.com/mrmushfiq/llm0-quota-gateway/internal/shared/config"
	"github.com/mrmushfiq/llm0-quota-gateway/internal/shared/database"
	"github.com/mrmushfiq/llm0-quota-gateway/internal/shared/database/memstore"
	"github.com/mrmushfiq/llm0-quota-gateway/internal/shared/notify"
	"github.com/mrmushfiq/llm0-quota-gateway/internal/shared/redis"
	"github.com/rs/zerolog"
)

// Store is everything the gateway reads from and writes to the
// authoritative store.
type Store interface {
	handlers.KeyStore
	quota.Store
	cache.PlanSource
	stats.Source
	Ping(ctx context.Context) error
	io.Closer
}

var (
	_ Store = (*database.DB)(nil)
	_ Store = (*memstore.Store)(nil)
)

// App holds the wired components.
type App struct {
	Config    *config.Config
	Store     Store
	Redis     *redis.Client
	Cache     *cache.Cache
	Preloader *cache.Preloader
	Ledger    *quota.Ledger
	Stats     *stats.Engine
	Upstreams *providers.Manager
	Notifier  notify.Notifier
	Handler   http.Handler

	log zerolog.Logger
}

// OpenStore connects the configured authoritative store.
func OpenStore(cfg *config.Config) (Store, error) {
	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		return memstore.New(), nil
	case config.StoreDriverPostgres:
		return database.New(cfg.DatabaseURL)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// New wires the gateway. An unreachable cache is not fatal.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*App, error) {
	store, err := OpenStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	log.Info().Str("driver", cfg.StoreDriver).Msg("connected to authoritative store")

	notifier := newNotifier(cfg, log)

	redisClient, err := redis.New(ctx, cfg.RedisURL,
		redis.WithLogger(log),
		redis.WithEnabled(cfg.CacheEnabled),
		redis.WithFailureThreshold(cfg.CacheFailureThreshold),
		redis.WithStateHook(cacheStateAlert(notifier, log)),
	)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("init redis: %w", err)
	}

	c := cache.New(redisClient, log)
	plans := cache.NewPlans(c, store, cfg.CachePlanTTL)
	preloader := cache.NewPreloader(c, store, cfg.CachePlanTTL, log)
	ledger := quota.NewLedger(store, c,
		quota.WithPlans(plans),
		quota.WithWeights(quota.Weights{Input: cfg.WeightInput, Cached: cfg.WeightCached, Output: cfg.WeightOutput}),
		quota.WithUsageTTL(cfg.CacheUsageTTL),
		quota.WithRetry(cfg.LedgerMaxAttempts, 100*time.Millisecond),
		quota.WithLogger(log),
	)
	engine := stats.NewEngine(store, c, cfg.CacheStatsTTL, log)
	upstreams := providers.NewManager(cfg)

	if cfg.AdminJWTSecret == "" {
		log.Warn().Msg("ADMIN_JWT_SECRET not set, admin api disabled")
	}

	router := handlers.NewRouter(handlers.Routes{
		Middleware: handlers.NewMiddleware(store, log),
		Proxy:      handlers.NewProxyHandler(ledger, upstreams, store, preloader, notifier, cfg.MaxRequestBytes, log),
		Usage:      handlers.NewUsageHandler(store, ledger, log),
		Admin:      handlers.NewAdminHandler(engine, redisClient, c, preloader, upstreams, log),
		AdminAuth:  auth.NewMiddleware(cfg.AdminJWTSecret, log),
	})

	return &App{
		Config:    cfg,
		Store:     store,
		Redis:     redisClient,
		Cache:     c,
		Preloader: preloader,
		Ledger:    ledger,
		Stats:     engine,
		Upstreams: upstreams,
		Notifier:  notifier,
		Handler:   router,
		log:       log,
	}, nil
}

// Close releases the cache connection and the store.
func (a *App) Close() error {
	return errors.Join(a.Redis.Close(), a.Store.Close())
}

func newNotifier(cfg *config.Config, log zerolog.Logger) notify.Notifier {
	notifiers := notify.Fanout{notify.NewLogNotifier(log)}
	if cfg.AlertWebhookURL != "" {
		notifiers = append(notifiers, notify.NewWebhookNotifier(cfg.AlertWebhookURL, cfg.AlertWebhookSecret, 0))
	}
	return notifiers
}

// cacheStateAlert forwards cache enable/disable transitions as alerts. The
// hook fires on the cache's own goroutines, so delivery is detached.
func cacheStateAlert(n notify.Notifier, log zerolog.Logger) func(bool, string) {
	return func(enabled bool, reason string) {
		kind, severity, msg := notify.KindCacheDisabled, "warning", "cache disabled, serving from store"
		if enabled {
			kind, severity, msg = notify.KindCacheReenabled, "info", "cache re-enabled"
		}
		alert := notify.NewAlert(kind, severity, msg, map[string]any{"reason": reason})
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := n.Notify(ctx, alert); err != nil {
				log.Warn().Err(err).Str("kind", kind).Msg("alert delivery failed")
			}
		}()
	}
}
