// Package provider abstracts the LLM vendors behind one capability
// interface. Selection happens in the factory; call sites never branch on
// vendor names.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/firebase/genkit/go/ai"
)

// Message is one prior exchange included as context.
type Message struct {
	Role    string // "user", "assistant", "system"
	Content string
}

// Request carries everything one generation call needs.
type Request struct {
	System  string
	Prompt  string
	History []Message

	// Tools is the hard allow-list for this call. Nil means no tools.
	Tools []ai.ToolRef

	// MaxTurns bounds the tool-calling loop. Zero uses the default.
	MaxTurns int
}

// Chunk is one unit of streamed output. A chunk with Err set is terminal;
// the channel closes after it.
type Chunk struct {
	Text string
	Err  error
}

// streamBuffer bounds the chunk channel so an abandoned consumer never
// blocks the producer longer than the buffer.
const streamBuffer = 16

// Provider is the LLM capability interface. One variant per vendor plus a
// mock for tests.
type Provider interface {
	Name() string

	// GenerateStructured produces output intended to match the given JSON
	// schema. The caller validates; the provider only steers generation.
	GenerateStructured(ctx context.Context, req Request, schemaJSON json.RawMessage) (string, error)

	// GenerateText produces a plain text completion.
	GenerateText(ctx context.Context, req Request) (string, error)

	// StreamText produces chunks into the returned bounded channel. The
	// channel closes on completion, terminal error, or ctx cancellation;
	// cancelling ctx releases the underlying connection.
	StreamText(ctx context.Context, req Request) <-chan Chunk
}

// ProviderError wraps a failed or timed-out provider call. Retryable with
// backoff up to the phase retry budget.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsProviderError reports whether err is (or wraps) a ProviderError.
func IsProviderError(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe)
}
