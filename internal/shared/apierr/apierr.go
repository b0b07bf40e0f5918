// Package apierr defines the gateway's error taxonomy. Every rejection a
// client can observe maps to one of these sentinels, a stable reason code
// and an HTTP status.
package apierr

import (
	"errors"
	"net/http"
)

var (
	ErrUnauthenticated      = errors.New("unauthenticated")
	ErrKeyExpired           = errors.New("api key expired")
	ErrQuotaExceeded        = errors.New("monthly quota exceeded")
	ErrUpstream             = errors.New("upstream error")
	ErrLedgerWriteFailed    = errors.New("ledger write failed")
	ErrCacheUnavailable     = errors.New("cache unavailable")
	ErrInvalidParameter     = errors.New("invalid parameter")
	ErrNotFound             = errors.New("not found")
	ErrConfirmationRequired = errors.New("confirmation required")
	ErrForbidden            = errors.New("forbidden")
)

// Reason codes returned in error bodies.
const (
	CodeUnauthenticated      = "unauthenticated"
	CodeKeyExpired           = "key_expired"
	CodeQuotaExceeded        = "quota_exceeded"
	CodeUpstream             = "upstream_error"
	CodeLedgerWriteFailed    = "ledger_write_failed"
	CodeInvalidParameter     = "invalid_parameter"
	CodeNotFound             = "not_found"
	CodeConfirmationRequired = "confirmation_required"
	CodeForbidden            = "forbidden"
	CodeInternal             = "internal_error"
)

// Classify returns the reason code and HTTP status for err.
// ErrCacheUnavailable is absorbed below the HTTP layer and is reported as an
// internal error if it ever leaks this far.
func Classify(err error) (string, int) {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return CodeUnauthenticated, http.StatusUnauthorized
	case errors.Is(err, ErrKeyExpired):
		return CodeKeyExpired, http.StatusUnauthorized
	case errors.Is(err, ErrQuotaExceeded):
		return CodeQuotaExceeded, http.StatusTooManyRequests
	case errors.Is(err, ErrUpstream):
		return CodeUpstream, http.StatusBadGateway
	case errors.Is(err, ErrLedgerWriteFailed):
		return CodeLedgerWriteFailed, http.StatusInternalServerError
	case errors.Is(err, ErrInvalidParameter):
		return CodeInvalidParameter, http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return CodeNotFound, http.StatusNotFound
	case errors.Is(err, ErrConfirmationRequired):
		return CodeConfirmationRequired, http.StatusBadRequest
	case errors.Is(err, ErrForbidden):
		return CodeForbidden, http.StatusForbidden
	default:
		return CodeInternal, http.StatusInternalServerError
	}
}
