package tools

import (
	"fmt"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"

	"github.com/tnsengimana/autonomous-teams-sub003/internal/persistence"
)

type RememberInput struct {
	// Type is one of preference, insight, fact.
	Type    string `json:"type"`
	Content string `json:"content"`
}

type RememberOutput struct {
	Stored bool `json:"stored"`
}

func registerMemory(g *genkit.Genkit, reg *Registry) ai.Tool {
	return genkit.DefineTool(g, "remember",
		"Store a durable memory about the agent's principal or domain. Type is one of: preference, insight, fact. Duplicate content is silently ignored.",
		func(ctx *ai.ToolContext, input RememberInput) (RememberOutput, error) {
			agentID := ScopeFrom(ctx)
			if agentID == "" {
				return RememberOutput{}, fmt.Errorf("no agent scope on this call")
			}
			stored, err := reg.Store.InsertMemory(ctx, agentID, persistence.MemoryType(input.Type), input.Content)
			if err != nil {
				return RememberOutput{}, err
			}
			return RememberOutput{Stored: stored}, nil
		},
	)
}
