package provider

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/tnsengimana/autonomous-teams-sub003/internal/config"
)

// New selects the Provider variant from configuration. This factory is the
// only place vendor names are branched on.
func New(ctx context.Context, cfg config.LLMConfig) (Provider, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if name == "mock" {
		return &Mock{}, nil
	}

	apiKey := ""
	if cfg.APIKeyEnv != "" {
		apiKey = os.Getenv(cfg.APIKeyEnv)
	}
	p, err := NewGenkitProvider(ctx, GenkitConfig{
		Vendor:                   name,
		Model:                    cfg.Model,
		APIKey:                   apiKey,
		OpenAICompatibleProvider: cfg.OpenAICompatibleProvider,
		OpenAICompatibleBaseURL:  cfg.OpenAICompatibleBaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("init provider %q: %w", name, err)
	}
	return p, nil
}
