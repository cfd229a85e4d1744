package tools

import (
	"context"
	"fmt"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
)

// SearchProvider is a pluggable web search backend.
type SearchProvider interface {
	Name() string
	Available() bool
	Search(ctx context.Context, query string) ([]SearchResult, error)
}

type SearchInput struct {
	Query string `json:"query"`
}

type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

type SearchOutput struct {
	Results  []SearchResult `json:"results"`
	Provider string         `json:"provider,omitempty"`
}

func registerSearch(g *genkit.Genkit, reg *Registry) ai.Tool {
	return genkit.DefineTool(g, "web_search",
		"Search the web for current information. Returns results with titles, URLs, and snippets.",
		func(ctx *ai.ToolContext, input SearchInput) (SearchOutput, error) {
			return reg.Search(ctx, input.Query)
		},
	)
}

// Search routes a query through the ordered provider list: skip
// unavailable, try search, fall through on error. First success wins.
func (r *Registry) Search(ctx context.Context, query string) (SearchOutput, error) {
	if query == "" {
		return SearchOutput{}, fmt.Errorf("empty search query")
	}
	r.Logger.Info("web_search tool called", "query", query)

	for _, p := range r.Providers {
		if !p.Available() {
			continue
		}
		results, err := p.Search(ctx, query)
		if err != nil {
			r.Logger.Warn("search provider failed, trying next", "provider", p.Name(), "error", err)
			continue
		}
		if len(results) == 0 {
			return SearchOutput{Provider: p.Name(), Results: []SearchResult{{
				Title:   "No results found",
				Snippet: fmt.Sprintf("No results found for %q. Proceed with what you already know.", query),
			}}}, nil
		}
		return SearchOutput{Provider: p.Name(), Results: results}, nil
	}

	return SearchOutput{Results: []SearchResult{{
		Title:   "Search unavailable",
		Snippet: fmt.Sprintf("Could not search for %q. Proceed with what you already know.", query),
	}}}, nil
}
