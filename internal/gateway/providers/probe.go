package providers

import (
	"context"
	"fmt"
	"time"

	"github.com/sashabaranov/go-openai"
)

// Probe lists the upstream's models through the OpenAI client and returns
// how many it serves.
func (u *Upstream) Probe(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cfg := openai.DefaultConfig(u.apiKey)
	cfg.BaseURL = u.BaseURL
	cfg.HTTPClient = u.client

	list, err := openai.NewClientWithConfig(cfg).ListModels(ctx)
	if err != nil {
		return 0, fmt.Errorf("%s list models: %w", u.Name, err)
	}
	return len(list.Models), nil
}
