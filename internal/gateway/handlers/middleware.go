package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/mrmushfiq/llm0-quota-gateway/internal/shared/apierr"
	"github.com/mrmushfiq/llm0-quota-gateway/internal/shared/models"
	"github.com/rs/zerolog"
)

type contextKey string

const apiKeyContextKey contextKey = "api_key"

// KeyStore resolves and stamps API keys.
type KeyStore interface {
	LookupAPIKeyBySecret(ctx context.Context, secret string) (*models.APIKey, error)
	TouchAPIKey(ctx context.Context, apiKeyID string, at time.Time) error
}

type Middleware struct {
	keys KeyStore
	log  zerolog.Logger
	now  func() time.Time
}

func NewMiddleware(keys KeyStore, log zerolog.Logger) *Middleware {
	return &Middleware{keys: keys, log: log, now: time.Now}
}

// secretFromRequest reads the key from "Authorization: Bearer" or X-API-Key.
func secretFromRequest(r *http.Request) (string, error) {
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key, nil
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", fmt.Errorf("%w: missing authorization header", apierr.ErrUnauthenticated)
	}

	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", fmt.Errorf("%w: invalid authorization header format", apierr.ErrUnauthenticated)
	}
	return parts[1], nil
}

// AuthMiddleware resolves the API key and rejects unknown or expired keys.
func (m *Middleware) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret, err := secretFromRequest(r)
		if err != nil {
			apierr.Write(w, err)
			return
		}

		apiKey, err := m.keys.LookupAPIKeyBySecret(r.Context(), secret)
		if errors.Is(err, apierr.ErrNotFound) {
			apierr.Write(w, fmt.Errorf("%w: invalid API key", apierr.ErrUnauthenticated))
			return
		}
		if err != nil {
			m.log.Error().Err(err).Msg("api key lookup failed")
			apierr.Write(w, err)
			return
		}

		if apiKey.Expired(m.now()) {
			apierr.Write(w, apierr.ErrKeyExpired)
			return
		}

		ctx := context.WithValue(r.Context(), apiKeyContextKey, apiKey)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// APIKeyFromContext returns the key resolved by AuthMiddleware.
func APIKeyFromContext(ctx context.Context) (*models.APIKey, bool) {
	apiKey, ok := ctx.Value(apiKeyContextKey).(*models.APIKey)
	return apiKey, ok
}

// CORSMiddleware handles CORS
func (m *Middleware) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key, X-Request-ID")
		w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID, X-Quota-Remaining")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// RequestLogger writes one access log line per request and echoes the
// request id.
func (m *Middleware) RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := chimiddleware.GetReqID(r.Context())
		if reqID != "" {
			w.Header().Set("X-Request-ID", reqID)
		}

		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		event := m.log.Info()
		if ww.Status() >= http.StatusInternalServerError {
			event = m.log.Error()
		}
		event.
			Str("request_id", reqID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("latency", time.Since(start)).
			Msg("request")
	})
}
