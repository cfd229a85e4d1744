package tools

import "context"

type scopeKey struct{}

// WithScope stamps the calling agent's ID onto the context so tool
// handlers know which graph scope and memory owner they act for.
func WithScope(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, scopeKey{}, agentID)
}

// ScopeFrom returns the agent ID stamped by WithScope, or "".
func ScopeFrom(ctx context.Context) string {
	if v, ok := ctx.Value(scopeKey{}).(string); ok {
		return v
	}
	return ""
}
