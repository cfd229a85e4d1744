package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/tnsengimana/autonomous-teams-sub003/internal/config"
	"github.com/tnsengimana/autonomous-teams-sub003/internal/engine"
	"github.com/tnsengimana/autonomous-teams-sub003/internal/graph"
	"github.com/tnsengimana/autonomous-teams-sub003/internal/memory"
	"github.com/tnsengimana/autonomous-teams-sub003/internal/persistence"
	"github.com/tnsengimana/autonomous-teams-sub003/internal/provider"
)

// phaseResponses is a canned valid output per phase, keyed by phase name.
var phaseResponses = map[string]string{
	engine.PhaseQueryIdentification:   `{"queries": [{"question": "What is the current AAPL price?"}]}`,
	engine.PhaseInsightIdentification: `{"insights": [{"insight": "The principal tracks AAPL closely", "confidence": "high"}]}`,
	engine.PhaseKnowledgeAcquisition:  `{"findings": [{"topic": "AAPL price", "summary": "Trading near recent highs"}]}`,
	engine.PhaseAnalysisGeneration:    `{"analysis": "The position looks stable."}`,
	engine.PhaseAdviceGeneration:      `{"advice": "Hold and review weekly.", "next_steps": ["set an alert"], "followup_task": ""}`,
	engine.PhaseGraphConstruction:     `{"nodes_added": 0, "edges_added": 0}`,
}

// phaseFromSystem recovers the phase name from the executor's system
// prompt so the mock can answer appropriately.
func phaseFromSystem(system string) string {
	for name := range phaseResponses {
		if strings.Contains(system, "executing the "+name+" stage") {
			return name
		}
	}
	return ""
}

func scriptedProvider(t *testing.T, overrides map[string]func(attempt int) (string, error)) (*provider.Mock, map[string]*int) {
	t.Helper()
	calls := map[string]*int{}
	mock := &provider.Mock{
		GenerateStructuredFunc: func(ctx context.Context, req provider.Request, schemaJSON json.RawMessage) (string, error) {
			phase := phaseFromSystem(req.System)
			if phase == "" {
				t.Fatalf("could not determine phase from system prompt: %q", req.System)
			}
			if calls[phase] == nil {
				n := 0
				calls[phase] = &n
			}
			attempt := *calls[phase]
			*calls[phase]++
			if fn, ok := overrides[phase]; ok {
				return fn(attempt)
			}
			return phaseResponses[phase], nil
		},
		GenerateTextFunc: func(ctx context.Context, req provider.Request) (string, error) {
			return "summary", nil
		},
	}
	return mock, calls
}

func newRunner(t *testing.T, store *persistence.Store, llm provider.Provider) *engine.Runner {
	t.Helper()
	logger := slog.Default()
	phases, err := engine.NewPipeline(nil, 2)
	if err != nil {
		t.Fatalf("compile pipeline: %v", err)
	}
	writer := graph.NewWriter(store, nil, logger)
	compactor := newCompactor(store, llm, config.CompactionConfig{MaxMessages: 40, MaxTokens: 24000, KeepRecent: 10})
	executor := &engine.Executor{
		Store: store, Provider: llm, Logger: logger,
		Timeout: 5 * time.Second, Retries: 1,
	}
	return &engine.Runner{
		Store: store, Executor: executor, Compactor: compactor, Graph: writer,
		Memories: &memory.Extractor{Store: store, Logger: logger},
		Logger:   logger, Phases: phases,
	}
}

func TestRunIteration_EmptyQueueIsNoopRun(t *testing.T) {
	store := openTestStore(t)
	seedAgent(t, store, "analyst")
	ctx := context.Background()
	llm, calls := scriptedProvider(t, nil)
	runner := newRunner(t, store, llm)

	iter, err := runner.RunIteration(ctx, "analyst")
	if err != nil {
		t.Fatalf("run iteration: %v", err)
	}
	got, err := store.GetIteration(ctx, iter.ID)
	if err != nil {
		t.Fatalf("get iteration: %v", err)
	}
	if got.Status != persistence.IterationStatusCompleted {
		t.Fatalf("no-op run status %s", got.Status)
	}
	interactions, err := store.ListInteractions(ctx, iter.ID)
	if err != nil {
		t.Fatalf("list interactions: %v", err)
	}
	if len(interactions) != 0 {
		t.Fatalf("no-op run must not call the provider, got %d interactions", len(interactions))
	}
	if len(calls) != 0 {
		t.Fatalf("provider called on empty queue: %v", calls)
	}
}

func TestRunIteration_EndToEnd(t *testing.T) {
	store := openTestStore(t)
	seedAgent(t, store, "analyst")
	ctx := context.Background()
	llm, calls := scriptedProvider(t, nil)
	runner := newRunner(t, store, llm)

	task, err := store.Enqueue(ctx, "analyst", "Find AAPL price", persistence.TaskSourceUser)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	iter, err := runner.RunIteration(ctx, "analyst")
	if err != nil {
		t.Fatalf("run iteration: %v", err)
	}

	got, err := store.GetIteration(ctx, iter.ID)
	if err != nil {
		t.Fatalf("get iteration: %v", err)
	}
	if got.Status != persistence.IterationStatusCompleted {
		t.Fatalf("iteration status %s: %s", got.Status, got.ErrorMessage)
	}

	interactions, err := store.ListInteractions(ctx, iter.ID)
	if err != nil {
		t.Fatalf("list interactions: %v", err)
	}
	if len(interactions) != 6 {
		t.Fatalf("expected one interaction per phase, got %d", len(interactions))
	}
	wantOrder := []string{
		engine.PhaseQueryIdentification, engine.PhaseInsightIdentification,
		engine.PhaseKnowledgeAcquisition, engine.PhaseAnalysisGeneration,
		engine.PhaseAdviceGeneration, engine.PhaseGraphConstruction,
	}
	for i, phase := range wantOrder {
		if interactions[i].Phase != phase {
			t.Fatalf("interaction %d: expected %s, got %s", i, phase, interactions[i].Phase)
		}
		if interactions[i].Response == "" || interactions[i].CompletedAt == nil {
			t.Fatalf("interaction %s not sealed: %+v", phase, interactions[i])
		}
	}
	for phase, n := range calls {
		if *n != 1 {
			t.Fatalf("phase %s called %d times", phase, *n)
		}
	}

	done, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if done.Status != persistence.TaskStatusCompleted {
		t.Fatalf("task status %s", done.Status)
	}
	if !strings.Contains(done.Result, "Hold and review weekly.") {
		t.Fatalf("task result not taken from advice: %q", done.Result)
	}

	// The exchange lands in the background conversation.
	conv, _ := store.EnsureConversation(ctx, "analyst", persistence.ModeBackground)
	window, err := store.ListContext(ctx, conv.ID)
	if err != nil {
		t.Fatalf("list context: %v", err)
	}
	if len(window) != 2 || window[0].Content != "Find AAPL price" {
		t.Fatalf("background turn not recorded: %+v", window)
	}

	// High-confidence insight extracted as a memory.
	memories, err := store.ListMemories(ctx, "analyst", 10)
	if err != nil {
		t.Fatalf("list memories: %v", err)
	}
	if len(memories) != 1 || !strings.Contains(memories[0].Content, "tracks AAPL") {
		t.Fatalf("insight not stored as memory: %+v", memories)
	}
}

func TestRunIteration_SelfDelegation(t *testing.T) {
	store := openTestStore(t)
	seedAgent(t, store, "analyst")
	ctx := context.Background()
	llm, _ := scriptedProvider(t, map[string]func(int) (string, error){
		engine.PhaseAdviceGeneration: func(int) (string, error) {
			return `{"advice": "Start a deeper review.", "followup_task": "Compare AAPL against sector peers"}`, nil
		},
	})
	runner := newRunner(t, store, llm)

	if _, err := store.Enqueue(ctx, "analyst", "Review portfolio", persistence.TaskSourceUser); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := runner.RunIteration(ctx, "analyst"); err != nil {
		t.Fatalf("run iteration: %v", err)
	}

	pending, err := store.ListTasks(ctx, "analyst", persistence.TaskStatusPending)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 || pending[0].Source != persistence.TaskSourceSelf {
		t.Fatalf("expected one self-queued followup, got %+v", pending)
	}
	if pending[0].Task != "Compare AAPL against sector peers" {
		t.Fatalf("wrong followup text: %q", pending[0].Task)
	}
}

func TestRunIteration_ProviderFailureLeavesTaskPending(t *testing.T) {
	store := openTestStore(t)
	seedAgent(t, store, "analyst")
	ctx := context.Background()
	llm, calls := scriptedProvider(t, map[string]func(int) (string, error){
		engine.PhaseKnowledgeAcquisition: func(int) (string, error) {
			return "", &provider.ProviderError{Provider: "mock", Err: errors.New("rate limited")}
		},
	})
	runner := newRunner(t, store, llm)

	task, err := store.Enqueue(ctx, "analyst", "Find AAPL price", persistence.TaskSourceUser)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	iter, err := runner.RunIteration(ctx, "analyst")
	if err == nil {
		t.Fatal("expected iteration failure")
	}

	got, _ := store.GetIteration(ctx, iter.ID)
	if got.Status != persistence.IterationStatusFailed {
		t.Fatalf("iteration status %s", got.Status)
	}
	if !strings.Contains(got.ErrorMessage, "rate limited") {
		t.Fatalf("error message lost: %q", got.ErrorMessage)
	}

	// Provider errors are retried with backoff before the phase fails.
	if n := *calls[engine.PhaseKnowledgeAcquisition]; n != 2 {
		t.Fatalf("expected 2 provider attempts, got %d", n)
	}

	// At-least-once: the task stays pending and claimable.
	pending, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if pending.Status != persistence.TaskStatusPending {
		t.Fatalf("task status %s", pending.Status)
	}
	again, err := store.DequeueOldestPending(ctx, "analyst")
	if err != nil || again == nil || again.ID != task.ID {
		t.Fatalf("task not claimable after failure: %+v err=%v", again, err)
	}
}

func TestRunIteration_ValidationRetryWithFeedback(t *testing.T) {
	store := openTestStore(t)
	seedAgent(t, store, "analyst")
	ctx := context.Background()

	var retryPrompt string
	llm, calls := scriptedProvider(t, map[string]func(int) (string, error){
		engine.PhaseAnalysisGeneration: func(attempt int) (string, error) {
			if attempt == 0 {
				return `{"wrong_field": true}`, nil
			}
			return phaseResponses[engine.PhaseAnalysisGeneration], nil
		},
	})
	base := llm.GenerateStructuredFunc
	llm.GenerateStructuredFunc = func(ctx context.Context, req provider.Request, schemaJSON json.RawMessage) (string, error) {
		if phaseFromSystem(req.System) == engine.PhaseAnalysisGeneration &&
			strings.Contains(req.Prompt, "did not match the required JSON schema") {
			retryPrompt = req.Prompt
		}
		return base(ctx, req, schemaJSON)
	}
	runner := newRunner(t, store, llm)

	if _, err := store.Enqueue(ctx, "analyst", "Find AAPL price", persistence.TaskSourceUser); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	iter, err := runner.RunIteration(ctx, "analyst")
	if err != nil {
		t.Fatalf("run iteration: %v", err)
	}

	got, _ := store.GetIteration(ctx, iter.ID)
	if got.Status != persistence.IterationStatusCompleted {
		t.Fatalf("iteration status %s: %s", got.Status, got.ErrorMessage)
	}
	if n := *calls[engine.PhaseAnalysisGeneration]; n != 2 {
		t.Fatalf("expected invalid + corrected attempts, got %d", n)
	}
	if !strings.Contains(retryPrompt, "schema validation failed") {
		t.Fatalf("validation error not fed back to the model: %q", retryPrompt)
	}
}
