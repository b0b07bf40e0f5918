package providers

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mrmushfiq/llm0-quota-gateway/internal/shared/apierr"
	"github.com/mrmushfiq/llm0-quota-gateway/internal/shared/config"
	"github.com/sashabaranov/go-openai"
)

// OpenAI-compatible endpoints of the hosted providers.
const (
	AnthropicBaseURL = "https://api.anthropic.com/v1"
	GeminiBaseURL    = "https://generativelanguage.googleapis.com/v1beta/openai"
)

// Manager routes a model to its upstream. There is no failover: a retried
// call could be billed twice.
type Manager struct {
	upstreams map[string]*Upstream
	fallback  *Upstream
}

// NewManager creates a new provider manager
func NewManager(cfg *config.Config) *Manager {
	m := &Manager{upstreams: make(map[string]*Upstream)}

	// Initialize providers based on available API keys
	if cfg.OpenAIAPIKey != "" {
		m.upstreams["openai"] = NewUpstream("openai", openai.DefaultConfig(cfg.OpenAIAPIKey).BaseURL, cfg.OpenAIAPIKey, cfg.UpstreamTimeout)
	}
	if cfg.AnthropicAPIKey != "" {
		m.upstreams["anthropic"] = NewUpstream("anthropic", AnthropicBaseURL, cfg.AnthropicAPIKey, cfg.UpstreamTimeout)
	}
	if cfg.GeminiAPIKey != "" {
		m.upstreams["google"] = NewUpstream("google", GeminiBaseURL, cfg.GeminiAPIKey, cfg.UpstreamTimeout)
	}
	if cfg.UpstreamBaseURL != "" {
		m.fallback = NewUpstream("default", cfg.UpstreamBaseURL, cfg.UpstreamAPIKey, cfg.UpstreamTimeout)
	}

	return m
}

// NewStaticManager routes every model to u.
func NewStaticManager(u *Upstream) *Manager {
	return &Manager{upstreams: map[string]*Upstream{}, fallback: u}
}

// Route returns the upstream serving model.
func (m *Manager) Route(model string) (*Upstream, error) {
	if name := detectProvider(model); name != "" {
		if u, ok := m.upstreams[name]; ok {
			return u, nil
		}
	}
	if m.fallback != nil {
		return m.fallback, nil
	}
	return nil, fmt.Errorf("%w: no upstream configured for model %q", apierr.ErrInvalidParameter, model)
}

// Upstreams lists the configured upstreams, default last.
func (m *Manager) Upstreams() []*Upstream {
	names := make([]string, 0, len(m.upstreams))
	for name := range m.upstreams {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]*Upstream, 0, len(names)+1)
	for _, name := range names {
		out = append(out, m.upstreams[name])
	}
	if m.fallback != nil {
		out = append(out, m.fallback)
	}
	return out
}

// ProbeResult is the reachability of one upstream.
type ProbeResult struct {
	Name      string `json:"name"`
	BaseURL   string `json:"base_url"`
	Reachable bool   `json:"reachable"`
	Models    int    `json:"models"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// ProbeAll checks every upstream.
func (m *Manager) ProbeAll(ctx context.Context) []ProbeResult {
	ups := m.Upstreams()
	results := make([]ProbeResult, len(ups))
	for i, u := range ups {
		start := time.Now()
		n, err := u.Probe(ctx)
		results[i] = ProbeResult{
			Name:      u.Name,
			BaseURL:   u.BaseURL,
			Reachable: err == nil,
			Models:    n,
			LatencyMs: time.Since(start).Milliseconds(),
		}
		if err != nil {
			results[i].Error = err.Error()
		}
	}
	return results
}

// detectProvider determines which provider a model belongs to
func detectProvider(model string) string {
	switch {
	case strings.HasPrefix(model, "gpt-"), strings.HasPrefix(model, "o1"), strings.HasPrefix(model, "o3"),
		strings.HasPrefix(model, "text-embedding-"):
		return "openai"
	case strings.HasPrefix(model, "claude-"):
		return "anthropic"
	case strings.HasPrefix(model, "gemini-"):
		return "google"
	}
	return ""
}
