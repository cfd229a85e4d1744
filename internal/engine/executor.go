package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/tnsengimana/autonomous-teams-sub003/internal/bus"
	"github.com/tnsengimana/autonomous-teams-sub003/internal/otel"
	"github.com/tnsengimana/autonomous-teams-sub003/internal/persistence"
	"github.com/tnsengimana/autonomous-teams-sub003/internal/provider"
	"github.com/tnsengimana/autonomous-teams-sub003/internal/tools"
)

// Executor runs one structured phase call: persist the request, invoke the
// provider with the phase's tool allow-list, validate the response, retry
// with error feedback on validation failure, and persist the outcome.
type Executor struct {
	Store    *persistence.Store
	Provider provider.Provider
	Bus      *bus.Bus
	Logger   *slog.Logger
	Metrics  *otel.Metrics
	Tracer   trace.Tracer

	// Timeout bounds each provider call. Zero means no deadline.
	Timeout time.Duration

	// Retries is the bounded retry count for provider errors.
	Retries int
}

// PhaseOutput is one phase's validated JSON, kept in pipeline order so
// later phases see earlier results.
type PhaseOutput struct {
	Phase string
	JSON  string
}

// PhaseInput is the accumulated context one phase call receives.
type PhaseInput struct {
	AgentID      string
	IterationID  string
	Persona      string
	TaskText     string
	Conversation string
	GraphSummary string
	Prior        []PhaseOutput
}

// Execute runs one phase to completion. The returned string is the
// validated JSON output. A non-nil error means the phase failed after
// exhausting its retry budget.
func (e *Executor) Execute(ctx context.Context, ph Phase, in PhaseInput) (string, error) {
	system := e.systemPrompt(ph, in)
	prompt := e.requestPayload(in)

	interactionID, err := e.Store.OpenInteraction(ctx, in.IterationID, ph.Name, system, prompt)
	if err != nil {
		return "", fmt.Errorf("persist interaction: %w", err)
	}

	if e.Tracer != nil {
		var span trace.Span
		ctx, span = otel.StartClientSpan(ctx, e.Tracer, "phase."+ph.Name,
			otel.AttrPhase.String(ph.Name),
			otel.AttrIterationID.String(in.IterationID),
			otel.AttrModel.String(e.Provider.Name()),
		)
		defer span.End()
	}

	start := time.Now()
	out, err := e.call(ctx, ph, in, system, prompt)

	if e.Metrics != nil {
		e.Metrics.PhaseDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(attribute.String("phase", ph.Name)))
	}

	if err != nil {
		closeErr := e.Store.CloseInteraction(ctx, interactionID, "ERROR: "+err.Error())
		if closeErr != nil {
			e.Logger.Warn("close interaction after failure", "error", closeErr)
		}
		e.publishPhase(in, ph.Name, "failed", err.Error())
		return "", err
	}

	if err := e.Store.CloseInteraction(ctx, interactionID, out); err != nil {
		return "", fmt.Errorf("persist response: %w", err)
	}
	e.publishPhase(in, ph.Name, "completed", "")
	return out, nil
}

// call drives the provider with two nested retry budgets: provider errors
// get backoff retries, validation failures get one re-prompt with the
// error text appended, each bounded by its own count.
func (e *Executor) call(ctx context.Context, ph Phase, in PhaseInput, system, prompt string) (string, error) {
	req := provider.Request{
		System: system,
		Prompt: prompt,
		Tools:  ph.Tools,
	}
	toolCtx := tools.WithScope(ctx, in.AgentID)

	var lastErr error
	for attempt := 0; attempt <= ph.Validator.MaxRetries(); attempt++ {
		text, err := e.generate(toolCtx, req, ph)
		if err != nil {
			return "", err
		}

		result, valErr := ph.Validator.ValidateResponse(text)
		if valErr == nil {
			return result.JSON, nil
		}
		lastErr = valErr

		if attempt == ph.Validator.MaxRetries() {
			break
		}
		if e.Metrics != nil {
			e.Metrics.PhaseRetries.Add(ctx, 1,
				metric.WithAttributes(attribute.String("phase", ph.Name), attribute.String("cause", "validation")))
		}
		e.Logger.Warn("phase output failed validation, retrying with feedback",
			"phase", ph.Name, "attempt", attempt+1, "error", valErr)

		req.Prompt = prompt + fmt.Sprintf(
			"\n\nYour previous response did not match the required JSON schema. Error: %s\n"+
				"Respond again with a single JSON object that matches the schema.",
			valErr.Error(),
		)
	}
	return "", fmt.Errorf("phase %s: %w", ph.Name, lastErr)
}

// generate invokes the provider with the per-call timeout and bounded
// backoff retries on provider errors. Context cancellation is terminal.
func (e *Executor) generate(ctx context.Context, req provider.Request, ph Phase) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= e.Retries; attempt++ {
		callCtx := ctx
		cancel := context.CancelFunc(func() {})
		if e.Timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, e.Timeout)
		}
		text, err := e.Provider.GenerateStructured(callCtx, req, ph.Validator.SchemaJSON())
		cancel()
		if err == nil {
			return text, nil
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = &provider.ProviderError{Provider: e.Provider.Name(), Err: err}
		}
		lastErr = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if attempt == e.Retries {
			break
		}
		if e.Metrics != nil {
			e.Metrics.PhaseRetries.Add(ctx, 1,
				metric.WithAttributes(attribute.String("phase", ph.Name), attribute.String("cause", "provider")))
		}
		backoff := time.Duration(attempt+1) * 500 * time.Millisecond
		e.Logger.Warn("provider call failed, backing off",
			"phase", ph.Name, "attempt", attempt+1, "backoff", backoff, "error", err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "", lastErr
}

func (e *Executor) systemPrompt(ph Phase, in PhaseInput) string {
	var b strings.Builder
	if in.Persona != "" {
		b.WriteString(in.Persona)
		b.WriteString("\n\n")
	}
	b.WriteString("You are executing the ")
	b.WriteString(ph.Name)
	b.WriteString(" stage of an autonomous work cycle.\n")
	b.WriteString(ph.Instructions)
	return b.String()
}

func (e *Executor) requestPayload(in PhaseInput) string {
	var b strings.Builder
	b.WriteString("Current task:\n")
	b.WriteString(in.TaskText)
	b.WriteString("\n")
	if in.Conversation != "" {
		b.WriteString("\nConversation context:\n")
		b.WriteString(in.Conversation)
		b.WriteString("\n")
	}
	if in.GraphSummary != "" {
		b.WriteString("\nKnowledge graph summary:\n")
		b.WriteString(in.GraphSummary)
		b.WriteString("\n")
	}
	for _, prior := range in.Prior {
		b.WriteString("\nOutput of ")
		b.WriteString(prior.Phase)
		b.WriteString(":\n")
		b.WriteString(prior.JSON)
		b.WriteString("\n")
	}
	return b.String()
}

func (e *Executor) publishPhase(in PhaseInput, phase, status, errMsg string) {
	e.Bus.Publish(bus.TopicIterationPhase, bus.IterationEvent{
		IterationID: in.IterationID,
		AgentID:     in.AgentID,
		Phase:       phase,
		Status:      status,
		Error:       errMsg,
	})
}
