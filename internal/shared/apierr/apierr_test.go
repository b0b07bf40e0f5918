package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClassifyWrappedErrors(t *testing.T) {
	cases := []struct {
		err    error
		code   string
		status int
	}{
		{fmt.Errorf("lookup: %w", ErrUnauthenticated), CodeUnauthenticated, http.StatusUnauthorized},
		{ErrKeyExpired, CodeKeyExpired, http.StatusUnauthorized},
		{fmt.Errorf("admission: %w", ErrQuotaExceeded), CodeQuotaExceeded, http.StatusTooManyRequests},
		{ErrUpstream, CodeUpstream, http.StatusBadGateway},
		{ErrInvalidParameter, CodeInvalidParameter, http.StatusBadRequest},
		{ErrNotFound, CodeNotFound, http.StatusNotFound},
		{ErrConfirmationRequired, CodeConfirmationRequired, http.StatusBadRequest},
		{ErrForbidden, CodeForbidden, http.StatusForbidden},
		{errors.New("boom"), CodeInternal, http.StatusInternalServerError},
	}

	for _, tc := range cases {
		code, status := Classify(tc.err)
		if code != tc.code || status != tc.status {
			t.Fatalf("Classify(%v) = %s/%d, want %s/%d", tc.err, code, status, tc.code, tc.status)
		}
	}
}

func TestWriteHidesInternalMessages(t *testing.T) {
	rec := httptest.NewRecorder()
	Write(rec, fmt.Errorf("dial tcp 10.0.0.5:5432: %w", errors.New("refused")))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	var body Body
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Error.Code != CodeInternal || body.Error.Message != "internal server error" {
		t.Errorf("body = %+v", body)
	}
}

func TestWriteQuotaExceeded(t *testing.T) {
	rec := httptest.NewRecorder()
	Write(rec, ErrQuotaExceeded)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %s", ct)
	}
	var body Body
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Error.Code != CodeQuotaExceeded || body.Error.Message != ErrQuotaExceeded.Error() {
		t.Errorf("body = %+v", body)
	}
}
