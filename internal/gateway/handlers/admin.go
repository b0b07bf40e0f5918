package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/mrmushfiq/llm0-quota-gateway/internal/admin/stats"
	"github.com/mrmushfiq/llm0-quota-gateway/internal/gateway/cache"
	"github.com/mrmushfiq/llm0-quota-gateway/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-quota-gateway/internal/shared/apierr"
	"github.com/mrmushfiq/llm0-quota-gateway/internal/shared/redis"
	"github.com/rs/zerolog"
)

// CacheConn is the cache connection handle the admin API inspects and resets.
type CacheConn interface {
	Diagnostics(ctx context.Context) redis.Status
	Reset(ctx context.Context) error
}

type AdminHandler struct {
	stats     *stats.Engine
	conn      CacheConn
	cache     *cache.Cache
	preloader *cache.Preloader
	upstreams *providers.Manager
	log       zerolog.Logger
}

func NewAdminHandler(
	engine *stats.Engine,
	conn CacheConn,
	c *cache.Cache,
	preloader *cache.Preloader,
	upstreams *providers.Manager,
	log zerolog.Logger,
) *AdminHandler {
	return &AdminHandler{
		stats:     engine,
		conn:      conn,
		cache:     c,
		preloader: preloader,
		upstreams: upstreams,
		log:       log.With().Str("component", "admin").Logger(),
	}
}

// HandleMetrics handles GET /admin/metrics?months=N or ?year=YYYY
func (h *AdminHandler) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	q, err := parseStatsQuery(r)
	if err != nil {
		apierr.Write(w, err)
		return
	}

	report := h.stats.MonthlyMetrics
	if refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh")); refresh {
		report = h.stats.Refresh
	}

	result, err := report(r.Context(), q)
	if err != nil {
		h.log.Error().Err(err).Msg("admin metrics failed")
		apierr.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func parseStatsQuery(r *http.Request) (stats.Query, error) {
	var q stats.Query
	values := r.URL.Query()
	if v := values.Get("months"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return q, fmt.Errorf("%w: months must be an integer", apierr.ErrInvalidParameter)
		}
		q.Months = n
	}
	if v := values.Get("year"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return q, fmt.Errorf("%w: year must be an integer", apierr.ErrInvalidParameter)
		}
		q.Year = n
	}
	return q, q.Validate()
}

type confirmRequest struct {
	Confirm bool `json:"confirm"`
}

func requireConfirm(w http.ResponseWriter, r *http.Request) bool {
	var req confirmRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBodySize)).Decode(&req); err != nil || !req.Confirm {
		apierr.Write(w, fmt.Errorf(`%w: send {"confirm":true}`, apierr.ErrConfirmationRequired))
		return false
	}
	return true
}

// HandlePreload handles POST /admin/cache/preload
func (h *AdminHandler) HandlePreload(w http.ResponseWriter, r *http.Request) {
	if !requireConfirm(w, r) {
		return
	}
	result, err := h.preloader.Preload(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("preload failed")
		apierr.Write(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// HandleReset handles POST /admin/cache/reset
func (h *AdminHandler) HandleReset(w http.ResponseWriter, r *http.Request) {
	if !requireConfirm(w, r) {
		return
	}

	err := h.conn.Reset(r.Context())
	status := h.conn.Diagnostics(r.Context())
	if err != nil {
		h.log.Warn().Err(err).Msg("cache reset did not reconnect")
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"reset":      false,
			"error":      err.Error(),
			"connection": status,
		})
		return
	}

	h.log.Info().Str("state", status.State).Msg("cache reset by operator")
	writeJSON(w, http.StatusOK, map[string]any{"reset": true, "connection": status})
}

// HandleClear handles POST /admin/cache/clear
func (h *AdminHandler) HandleClear(w http.ResponseWriter, r *http.Request) {
	if !requireConfirm(w, r) {
		return
	}
	n, err := h.preloader.Clear(r.Context())
	if err != nil {
		h.log.Warn().Err(err).Msg("cache clear failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"cleared": 0, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cleared": n})
}

// HandleCacheStatus handles GET /admin/cache/status
func (h *AdminHandler) HandleCacheStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"connection": h.conn.Diagnostics(r.Context()),
		"cache":      h.cache.Stats(),
		"preload": map[string]any{
			"warmed": h.preloader.Warmed(),
			"runs":   h.preloader.Runs(),
		},
	})
}

// HandleUpstreams handles GET /admin/upstreams
func (h *AdminHandler) HandleUpstreams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"upstreams": h.upstreams.ProbeAll(r.Context())})
}
