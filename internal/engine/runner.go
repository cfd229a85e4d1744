package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/tnsengimana/autonomous-teams-sub003/internal/bus"
	"github.com/tnsengimana/autonomous-teams-sub003/internal/graph"
	"github.com/tnsengimana/autonomous-teams-sub003/internal/memory"
	"github.com/tnsengimana/autonomous-teams-sub003/internal/otel"
	"github.com/tnsengimana/autonomous-teams-sub003/internal/persistence"
	"github.com/tnsengimana/autonomous-teams-sub003/internal/tokenutil"
)

// Runner orchestrates one full pass through the phase pipeline for one
// agent: claim a task, load and compact conversation context, run the six
// phases sequentially, then complete the task or release the claim.
type Runner struct {
	Store     *persistence.Store
	Executor  *Executor
	Compactor *Compactor
	Graph     *graph.Writer
	Memories  *memory.Extractor
	Bus       *bus.Bus
	Logger    *slog.Logger
	Metrics   *otel.Metrics
	Tracer    trace.Tracer
	Phases    []Phase
}

// RunIteration executes one iteration for the agent. On phase failure the
// iteration is sealed failed and the task's claim is released so the next
// trigger retries it; the task is never lost.
func (r *Runner) RunIteration(ctx context.Context, agentID string) (*persistence.WorkerIteration, error) {
	agent, err := r.Store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}

	iter, err := r.Store.CreateIteration(ctx, agentID)
	if err != nil {
		return nil, err
	}

	task, err := r.Store.DequeueOldestPending(ctx, agentID)
	if err != nil {
		sealErr := r.Store.SealIteration(ctx, iter.ID, persistence.IterationStatusFailed, err.Error())
		if sealErr != nil {
			r.Logger.Error("seal iteration after dequeue failure", "iteration_id", iter.ID, "error", sealErr)
		}
		return iter, err
	}
	if task == nil {
		// Empty queue: the run completes with zero interactions.
		if err := r.Store.SealIteration(ctx, iter.ID, persistence.IterationStatusCompleted, ""); err != nil {
			return iter, err
		}
		return iter, nil
	}

	if r.Tracer != nil {
		var span trace.Span
		ctx, span = otel.StartSpan(ctx, r.Tracer, "iteration",
			otel.AttrAgentID.String(agentID),
			otel.AttrTaskID.String(task.ID),
			otel.AttrIterationID.String(iter.ID),
		)
		defer span.End()
	}

	r.Bus.Publish(bus.TopicIterationStarted, bus.IterationEvent{
		IterationID: iter.ID, AgentID: agentID, TaskID: task.ID, Status: string(persistence.IterationStatusRunning),
	})
	r.Logger.Info("iteration started", "iteration_id", iter.ID, "agent_id", agentID, "task_id", task.ID)

	start := time.Now()
	outputs, err := r.runPhases(ctx, agent, iter, task)

	if r.Metrics != nil {
		r.Metrics.IterationsTotal.Add(ctx, 1, metric.WithAttributes(otel.AttrAgentID.String(agentID)))
		r.Metrics.IterationDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(otel.AttrAgentID.String(agentID)))
	}

	if err != nil {
		return iter, r.failIteration(ctx, iter, task, err)
	}

	return iter, r.completeIteration(ctx, agent, iter, task, outputs)
}

func (r *Runner) runPhases(ctx context.Context, agent *persistence.Agent, iter *persistence.WorkerIteration, task *persistence.Task) ([]PhaseOutput, error) {
	conv, err := r.Store.EnsureConversation(ctx, agent.AgentID, persistence.ModeBackground)
	if err != nil {
		return nil, err
	}
	messages, err := r.Compactor.CompactIfNeeded(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	graphSummary, err := r.Graph.Summary(ctx, agent.AgentID)
	if err != nil {
		return nil, err
	}

	outputs := make([]PhaseOutput, 0, len(r.Phases))
	for _, ph := range r.Phases {
		in := PhaseInput{
			AgentID:      agent.AgentID,
			IterationID:  iter.ID,
			Persona:      agent.Persona,
			TaskText:     task.Task,
			Conversation: RenderContext(messages),
			GraphSummary: graphSummary,
			Prior:        outputs,
		}
		out, err := r.Executor.Execute(ctx, ph, in)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, PhaseOutput{Phase: ph.Name, JSON: out})
	}
	return outputs, nil
}

func (r *Runner) failIteration(ctx context.Context, iter *persistence.WorkerIteration, task *persistence.Task, cause error) error {
	if err := r.Store.SealIteration(ctx, iter.ID, persistence.IterationStatusFailed, cause.Error()); err != nil {
		r.Logger.Error("seal failed iteration", "iteration_id", iter.ID, "error", err)
	}
	if err := r.Store.ReleaseClaim(ctx, task.ID); err != nil {
		r.Logger.Error("release claim", "task_id", task.ID, "error", err)
	}
	if r.Metrics != nil {
		r.Metrics.IterationFailures.Add(ctx, 1, metric.WithAttributes(otel.AttrAgentID.String(iter.AgentID)))
	}
	r.Bus.Publish(bus.TopicIterationFailed, bus.IterationEvent{
		IterationID: iter.ID, AgentID: iter.AgentID, TaskID: task.ID,
		Status: string(persistence.IterationStatusFailed), Error: cause.Error(),
	})
	r.Logger.Warn("iteration failed", "iteration_id", iter.ID, "task_id", task.ID, "error", cause)
	return cause
}

func (r *Runner) completeIteration(ctx context.Context, agent *persistence.Agent, iter *persistence.WorkerIteration, task *persistence.Task, outputs []PhaseOutput) error {
	advice, followup := parseAdvice(outputs)
	result := advice
	if result == "" {
		result = "iteration completed"
	}

	if _, err := r.Store.Complete(ctx, task.ID, result); err != nil {
		return r.failIteration(ctx, iter, task, fmt.Errorf("complete task: %w", err))
	}
	if r.Metrics != nil {
		r.Metrics.TasksCompleted.Add(ctx, 1, metric.WithAttributes(otel.AttrAgentID.String(agent.AgentID)))
	}

	// Record the exchange in the background conversation so the next
	// iteration sees what was worked on and concluded.
	conv, err := r.Store.EnsureConversation(ctx, agent.AgentID, persistence.ModeBackground)
	if err == nil {
		_, _, err = r.Store.AppendTurn(ctx, conv.ID,
			task.Task, tokenutil.EstimateTokens(task.Task),
			result, tokenutil.EstimateTokens(result))
	}
	if err != nil {
		r.Logger.Error("record iteration turn", "iteration_id", iter.ID, "error", err)
	}

	if followup != "" {
		if _, err := r.Store.Enqueue(ctx, agent.AgentID, followup, persistence.TaskSourceSelf); err != nil {
			r.Logger.Error("enqueue followup task", "agent_id", agent.AgentID, "error", err)
		} else {
			r.Logger.Info("followup task self-queued", "agent_id", agent.AgentID)
		}
	}

	if r.Memories != nil {
		if err := r.Memories.ExtractFromOutputs(ctx, agent.AgentID, phaseJSON(outputs, PhaseInsightIdentification)); err != nil {
			r.Logger.Warn("memory extraction", "agent_id", agent.AgentID, "error", err)
		}
	}

	if err := r.Store.SealIteration(ctx, iter.ID, persistence.IterationStatusCompleted, ""); err != nil {
		return err
	}
	r.Bus.Publish(bus.TopicIterationCompleted, bus.IterationEvent{
		IterationID: iter.ID, AgentID: agent.AgentID, TaskID: task.ID,
		Status: string(persistence.IterationStatusCompleted),
	})
	if advice != "" {
		r.Bus.Publish(bus.TopicBriefingReady, bus.BriefingEvent{
			AgentID: agent.AgentID, IterationID: iter.ID, Briefing: advice,
		})
	}
	r.Logger.Info("iteration completed", "iteration_id", iter.ID, "agent_id", agent.AgentID, "task_id", task.ID)
	return nil
}

// parseAdvice pulls the user-facing result and optional self-delegation
// out of the advice phase output.
func parseAdvice(outputs []PhaseOutput) (advice, followup string) {
	raw := phaseJSON(outputs, PhaseAdviceGeneration)
	if raw == "" {
		return "", ""
	}
	var parsed struct {
		Advice       string   `json:"advice"`
		NextSteps    []string `json:"next_steps"`
		FollowupTask string   `json:"followup_task"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return "", ""
	}
	return parsed.Advice, parsed.FollowupTask
}

func phaseJSON(outputs []PhaseOutput, phase string) string {
	for _, o := range outputs {
		if o.Phase == phase {
			return o.JSON
		}
	}
	return ""
}
