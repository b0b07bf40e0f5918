package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/mrmushfiq/llm0-quota-gateway/internal/shared/apierr"
	"github.com/rs/zerolog"
)

type contextKey string

const adminContextKey contextKey = "admin"

// Middleware authenticates admin principals by JWT.
type Middleware struct {
	jwtSecret string
	log       zerolog.Logger
}

func NewMiddleware(jwtSecret string, log zerolog.Logger) *Middleware {
	return &Middleware{jwtSecret: jwtSecret, log: log}
}

// RequireAdmin admits requests carrying a valid token with the admin role.
// With no secret configured every request is refused.
func (m *Middleware) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.jwtSecret == "" {
			apierr.Write(w, fmt.Errorf("%w: admin api disabled", apierr.ErrForbidden))
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			apierr.Write(w, fmt.Errorf("%w: missing authorization header", apierr.ErrUnauthenticated))
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			apierr.Write(w, fmt.Errorf("%w: invalid authorization header format", apierr.ErrUnauthenticated))
			return
		}

		claims, err := ValidateToken(parts[1], m.jwtSecret)
		if err != nil {
			m.log.Debug().Err(err).Msg("admin token rejected")
			apierr.Write(w, fmt.Errorf("%w: invalid token", apierr.ErrUnauthenticated))
			return
		}
		if claims.Role != RoleAdmin {
			apierr.Write(w, fmt.Errorf("%w: admin role required", apierr.ErrForbidden))
			return
		}

		ctx := context.WithValue(r.Context(), adminContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AdminFromContext returns the authenticated admin claims.
func AdminFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(adminContextKey).(*Claims)
	return claims, ok
}
