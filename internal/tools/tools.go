// Package tools defines the Genkit tools exposed to pipeline phases.
// Toolsets are explicit fields on the Registry; each phase binds exactly
// the toolsets it is allowed, never a filtered lookup against a global map.
package tools

import (
	"log/slog"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"

	"github.com/tnsengimana/autonomous-teams-sub003/internal/graph"
	"github.com/tnsengimana/autonomous-teams-sub003/internal/persistence"
)

// Registry holds the tool definitions, grouped into the per-phase
// allow-list sets.
type Registry struct {
	Writer *graph.Writer
	Store  *persistence.Store
	Logger *slog.Logger

	// Providers are the web search backends, ordered by preference.
	Providers []SearchProvider

	// SearchTools is exposed only to the knowledge acquisition phase.
	SearchTools []ai.ToolRef

	// GraphTools (query + node/edge creation) is exposed only to the
	// graph construction phase.
	GraphTools []ai.ToolRef

	// MemoryTools is exposed only to the insight identification phase.
	MemoryTools []ai.ToolRef
}

// NewRegistry builds a Registry. Tools are not usable until Register is
// called with a live Genkit instance; with the mock provider the registry
// stays empty and phases run without tools.
func NewRegistry(writer *graph.Writer, store *persistence.Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		Writer:    writer,
		Store:     store,
		Logger:    logger,
		Providers: []SearchProvider{NewDDGProvider()},
	}
}

// Register defines all tools on the Genkit instance and fills the
// per-phase toolsets.
func (r *Registry) Register(g *genkit.Genkit) {
	if g == nil {
		return
	}
	r.SearchTools = []ai.ToolRef{registerSearch(g, r)}
	r.GraphTools = registerGraphTools(g, r)
	r.MemoryTools = []ai.ToolRef{registerMemory(g, r)}
	r.Logger.Info("tools registered",
		"search", len(r.SearchTools), "graph", len(r.GraphTools), "memory", len(r.MemoryTools))
}
