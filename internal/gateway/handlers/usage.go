package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mrmushfiq/llm0-quota-gateway/internal/gateway/quota"
	"github.com/mrmushfiq/llm0-quota-gateway/internal/shared/apierr"
	"github.com/rs/zerolog"
)

// UsageHandler reports a key's quota position.
type UsageHandler struct {
	keys   KeyStore
	ledger *quota.Ledger
	log    zerolog.Logger
	now    func() time.Time
}

func NewUsageHandler(keys KeyStore, ledger *quota.Ledger, log zerolog.Logger) *UsageHandler {
	return &UsageHandler{keys: keys, ledger: ledger, log: log, now: time.Now}
}

type usageRequest struct {
	APIKey string `json:"apiKey"`
}

type usageResponse struct {
	KeyID          string     `json:"keyId"`
	Name           string     `json:"name"`
	Month          string     `json:"month"`
	Quota          *int64     `json:"quota"`
	TokensUsed     int64      `json:"tokensUsed"`
	RemainingQuota *int64     `json:"remainingQuota"`
	Unlimited      bool       `json:"unlimited"`
	InputTokens    int64      `json:"inputTokens"`
	CachedTokens   int64      `json:"cachedTokens"`
	OutputTokens   int64      `json:"outputTokens"`
	Expired        bool       `json:"expired"`
	ExpiredAt      *time.Time `json:"expiredAt"`
	LastUsedAt     *time.Time `json:"lastUsedAt"`
}

// HandleUsage handles POST /v1/usage
func (h *UsageHandler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req usageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBodySize)).Decode(&req); err != nil || req.APIKey == "" {
		apierr.Write(w, fmt.Errorf("%w: apiKey is required", apierr.ErrInvalidParameter))
		return
	}

	apiKey, err := h.keys.LookupAPIKeyBySecret(ctx, req.APIKey)
	if errors.Is(err, apierr.ErrNotFound) {
		apierr.Write(w, fmt.Errorf("%w: api key", apierr.ErrNotFound))
		return
	}
	if err != nil {
		h.log.Error().Err(err).Msg("api key lookup failed")
		apierr.Write(w, err)
		return
	}

	now := h.now()
	remaining, err := h.ledger.RemainingQuota(ctx, apiKey, quota.MonthOf(now))
	if err != nil {
		h.log.Error().Err(err).Str("api_key_id", apiKey.ID).Msg("usage lookup failed")
		apierr.Write(w, err)
		return
	}

	writeJSON(w, http.StatusOK, usageResponse{
		KeyID:          apiKey.ID,
		Name:           apiKey.Name,
		Month:          remaining.Month,
		Quota:          remaining.Quota,
		TokensUsed:     remaining.Used,
		RemainingQuota: remaining.Remaining,
		Unlimited:      remaining.Unlimited,
		InputTokens:    remaining.Usage.InputTokens,
		CachedTokens:   remaining.Usage.CachedTokens,
		OutputTokens:   remaining.Usage.OutputTokens,
		Expired:        apiKey.Expired(now),
		ExpiredAt:      apiKey.ExpiredAt,
		LastUsedAt:     apiKey.LastUsedAt,
	})
}
