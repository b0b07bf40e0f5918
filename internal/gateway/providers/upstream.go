package providers

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mrmushfiq/llm0-quota-gateway/internal/shared/apierr"
)

// Upstream is one OpenAI-compatible provider endpoint.
type Upstream struct {
	Name    string
	BaseURL string
	apiKey  string
	client  *http.Client
}

// NewUpstream creates an upstream. headerTimeout bounds the wait for the
// response headers; the streamed body itself has no deadline.
func NewUpstream(name, baseURL, apiKey string, headerTimeout time.Duration) *Upstream {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = headerTimeout
	transport.MaxIdleConnsPerHost = 32

	return &Upstream{
		Name:    name,
		BaseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Transport: transport},
	}
}

// Open sends body to path and returns the raw response. Any status is
// returned as is; only transport failures are errors. The caller owns the
// response body.
func (u *Upstream) Open(ctx context.Context, path string, body []byte, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if accept := header.Get("Accept"); accept != "" {
		req.Header.Set("Accept", accept)
	}
	if u.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+u.apiKey)
	}
	if rid := header.Get("X-Request-ID"); rid != "" {
		req.Header.Set("X-Request-ID", rid)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", apierr.ErrUpstream, u.Name, err)
	}
	return resp, nil
}
