package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/mrmushfiq/llm0-quota-gateway/internal/gateway/auth"
)

// Routes bundles the handlers mounted by NewRouter.
type Routes struct {
	Middleware *Middleware
	Proxy      *ProxyHandler
	Usage      *UsageHandler
	Admin      *AdminHandler
	AdminAuth  *auth.Middleware
}

// proxiedPaths are the upstream endpoints exposed under /v1.
var proxiedPaths = []string{"/chat/completions", "/completions", "/embeddings"}

// NewRouter builds the HTTP surface.
func NewRouter(rt Routes) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(rt.Middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(rt.Middleware.CORSMiddleware)

	// Health check (no auth required)
	r.Get("/health", Health)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/usage", rt.Usage.HandleUsage)

		for _, path := range proxiedPaths {
			r.Get(path, Health)
		}

		// Streams have no overall deadline; only the upstream header wait
		// is bounded.
		r.Group(func(r chi.Router) {
			r.Use(rt.Middleware.AuthMiddleware)
			for _, path := range proxiedPaths {
				r.Post(path, rt.Proxy.Forward(path))
			}
		})
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(chimiddleware.Timeout(60 * time.Second))
		r.Use(rt.AdminAuth.RequireAdmin)

		r.Get("/metrics", rt.Admin.HandleMetrics)
		r.Get("/upstreams", rt.Admin.HandleUpstreams)
		r.Get("/cache/status", rt.Admin.HandleCacheStatus)
		r.Post("/cache/preload", rt.Admin.HandlePreload)
		r.Post("/cache/reset", rt.Admin.HandleReset)
		r.Post("/cache/clear", rt.Admin.HandleClear)
	})

	return r
}
