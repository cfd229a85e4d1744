package provider

import (
	"context"
	"encoding/json"
	"strings"
)

// Mock implements Provider with overridable function fields. The zero
// value returns deterministic canned output.
type Mock struct {
	GenerateStructuredFunc func(ctx context.Context, req Request, schemaJSON json.RawMessage) (string, error)
	GenerateTextFunc       func(ctx context.Context, req Request) (string, error)
	StreamTextFunc         func(ctx context.Context, req Request) <-chan Chunk
}

func (m *Mock) Name() string { return "mock" }

func (m *Mock) GenerateStructured(ctx context.Context, req Request, schemaJSON json.RawMessage) (string, error) {
	if m.GenerateStructuredFunc != nil {
		return m.GenerateStructuredFunc(ctx, req, schemaJSON)
	}
	return "{}", nil
}

func (m *Mock) GenerateText(ctx context.Context, req Request) (string, error) {
	if m.GenerateTextFunc != nil {
		return m.GenerateTextFunc(ctx, req)
	}
	return "mock response", nil
}

func (m *Mock) StreamText(ctx context.Context, req Request) <-chan Chunk {
	if m.StreamTextFunc != nil {
		return m.StreamTextFunc(ctx, req)
	}
	out := make(chan Chunk, streamBuffer)
	go func() {
		defer close(out)
		for _, word := range strings.Fields("mock streamed response") {
			select {
			case out <- Chunk{Text: word + " "}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
