package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
)

// GenkitProvider backs the Provider interface with a Genkit instance and
// one of its vendor plugins.
type GenkitProvider struct {
	g        *genkit.Genkit
	vendor   string
	model    string
	fullName string
}

// GenkitConfig selects the vendor plugin and model.
type GenkitConfig struct {
	Vendor string // "google", "anthropic", "openai", "openai_compatible"
	Model  string
	APIKey string

	OpenAICompatibleProvider string
	OpenAICompatibleBaseURL  string
}

// NewGenkitProvider initializes Genkit with the configured vendor plugin.
func NewGenkitProvider(ctx context.Context, cfg GenkitConfig) (*GenkitProvider, error) {
	vendor := strings.ToLower(strings.TrimSpace(cfg.Vendor))
	model := strings.TrimSpace(cfg.Model)
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		apiKey = envAPIKeyForVendor(vendor)
	}
	if apiKey == "" {
		return nil, fmt.Errorf("no API key configured for provider %q", vendor)
	}

	var g *genkit.Genkit
	var fullName string
	switch vendor {
	case "anthropic":
		g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
			APIKey:  apiKey,
			BaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
		}))
		fullName = "anthropic/" + model
	case "openai":
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openai",
			APIKey:   apiKey,
			BaseURL:  os.Getenv("OPENAI_BASE_URL"),
		}))
		fullName = "openai/" + model
	case "openai_compatible":
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: cfg.OpenAICompatibleProvider,
			APIKey:   apiKey,
			BaseURL:  cfg.OpenAICompatibleBaseURL,
		}))
		fullName = model
	case "google", "":
		_ = os.Setenv("GEMINI_API_KEY", apiKey)
		g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
		fullName = "googleai/" + model
	default:
		return nil, fmt.Errorf("unknown LLM vendor %q", vendor)
	}

	slog.Info("genkit provider initialized", "vendor", vendor, "model", model)
	return &GenkitProvider{g: g, vendor: vendor, model: model, fullName: fullName}, nil
}

func envAPIKeyForVendor(vendor string) string {
	switch vendor {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai", "openai_compatible":
		return os.Getenv("OPENAI_API_KEY")
	case "google", "":
		if k := os.Getenv("GEMINI_API_KEY"); k != "" {
			return k
		}
		return os.Getenv("GOOGLE_API_KEY")
	default:
		return ""
	}
}

func (p *GenkitProvider) Name() string { return p.vendor }

// Genkit exposes the underlying instance for tool registration.
func (p *GenkitProvider) Genkit() *genkit.Genkit { return p.g }

func (p *GenkitProvider) buildOptions(req Request) []ai.GenerateOption {
	opts := []ai.GenerateOption{
		ai.WithModelName(p.fullName),
		ai.WithPrompt(req.Prompt),
	}
	if req.System != "" {
		// Escape % so ai.WithSystem's formatting never corrupts the prompt.
		opts = append(opts, ai.WithSystem(strings.ReplaceAll(req.System, "%", "%%")))
	}
	if msgs := historyToMessages(req.History); len(msgs) > 0 {
		opts = append(opts, ai.WithMessages(msgs...))
	}
	if len(req.Tools) > 0 {
		maxTurns := req.MaxTurns
		if maxTurns <= 0 {
			maxTurns = 3
		}
		opts = append(opts, ai.WithTools(req.Tools...), ai.WithMaxTurns(maxTurns))
	}
	return opts
}

func (p *GenkitProvider) GenerateStructured(ctx context.Context, req Request, schemaJSON json.RawMessage) (string, error) {
	if len(schemaJSON) > 0 {
		req.Prompt = req.Prompt + "\n\nRespond with a single JSON object matching this JSON schema:\n" + string(schemaJSON)
	}
	resp, err := genkit.Generate(ctx, p.g, p.buildOptions(req)...)
	if err != nil {
		return "", &ProviderError{Provider: p.vendor, Err: err}
	}
	return resp.Text(), nil
}

func (p *GenkitProvider) GenerateText(ctx context.Context, req Request) (string, error) {
	resp, err := genkit.Generate(ctx, p.g, p.buildOptions(req)...)
	if err != nil {
		return "", &ProviderError{Provider: p.vendor, Err: err}
	}
	return resp.Text(), nil
}

func (p *GenkitProvider) StreamText(ctx context.Context, req Request) <-chan Chunk {
	out := make(chan Chunk, streamBuffer)
	go func() {
		defer close(out)
		stream := genkit.GenerateStream(ctx, p.g, p.buildOptions(req)...)
		for streamVal, err := range stream {
			if err != nil {
				select {
				case out <- Chunk{Err: &ProviderError{Provider: p.vendor, Err: err}}:
				case <-ctx.Done():
				}
				return
			}
			if streamVal.Chunk == nil {
				continue
			}
			for _, part := range streamVal.Chunk.Content {
				if part.Kind != ai.PartText || part.Text == "" {
					continue
				}
				select {
				case out <- Chunk{Text: part.Text}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func historyToMessages(history []Message) []*ai.Message {
	var msgs []*ai.Message
	for _, m := range history {
		var role ai.Role
		switch m.Role {
		case "user":
			role = ai.RoleUser
		case "assistant":
			role = ai.RoleModel
		case "system":
			role = ai.RoleSystem
		default:
			continue
		}
		msgs = append(msgs, &ai.Message{
			Role:    role,
			Content: []*ai.Part{ai.NewTextPart(m.Content)},
		})
	}
	return msgs
}
