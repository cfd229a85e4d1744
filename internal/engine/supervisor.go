package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tnsengimana/autonomous-teams-sub003/internal/bus"
	"github.com/tnsengimana/autonomous-teams-sub003/internal/config"
	"github.com/tnsengimana/autonomous-teams-sub003/internal/otel"
	"github.com/tnsengimana/autonomous-teams-sub003/internal/persistence"
)

// Supervisor owns one timer loop per active agent. Each tick attempts one
// iteration; if the previous iteration is still running the tick is
// dropped, never queued. Pausing or deleting an agent cancels its timer
// but lets an in-flight iteration finish normally. When a Bus is set,
// enqueued tasks trigger a run right away instead of waiting for the
// timer.
type Supervisor struct {
	Store   *persistence.Store
	Runner  *Runner
	Config  *config.Config
	Bus     *bus.Bus
	Logger  *slog.Logger
	Metrics *otel.Metrics

	// rootCtx outlives individual loop contexts so cancelling a loop
	// does not abort its in-flight iteration.
	rootCtx context.Context

	mu    sync.Mutex
	loops map[string]*agentLoop
	runs  map[string]*sync.Mutex
	sub   *bus.Subscription
	wg    sync.WaitGroup
}

type agentLoop struct {
	cancel context.CancelFunc
}

// Start registers configured agents and launches a loop for each active
// one. Blocks only for the registration pass.
func (s *Supervisor) Start(ctx context.Context) error {
	s.rootCtx = ctx
	s.loops = make(map[string]*agentLoop)

	for _, entry := range s.Config.Agents {
		agent := persistence.Agent{
			AgentID:             entry.AgentID,
			DisplayName:         entry.DisplayName,
			ParentAgentID:       entry.ParentAgentID,
			Persona:             entry.Persona,
			Status:              persistence.AgentStatusActive,
			IterationIntervalMs: entry.IterationIntervalMs,
		}
		if err := s.Store.UpsertAgent(ctx, agent); err != nil {
			return fmt.Errorf("register agent %s: %w", entry.AgentID, err)
		}
	}

	agents, err := s.Store.ListAgents(ctx)
	if err != nil {
		return err
	}
	for _, a := range agents {
		if a.Status == persistence.AgentStatusActive {
			s.startLoop(a)
		}
	}

	if s.Bus != nil {
		s.sub = s.Bus.Subscribe(bus.TopicTaskEnqueued)
		s.wg.Add(1)
		go s.watchEnqueues()
	}
	return nil
}

// watchEnqueues runs an iteration as soon as a task lands in an active
// agent's queue. The run shares the per-agent lock with timed ticks, so
// an agent already mid-iteration just picks the task up on its next run.
func (s *Supervisor) watchEnqueues() {
	defer s.wg.Done()
	for {
		select {
		case <-s.rootCtx.Done():
			return
		case ev, ok := <-s.sub.Ch():
			if !ok {
				return
			}
			task, ok := ev.Payload.(bus.TaskEvent)
			if !ok {
				continue
			}
			s.mu.Lock()
			_, active := s.loops[task.AgentID]
			s.mu.Unlock()
			if !active {
				continue
			}
			s.wg.Add(1)
			go func(agentID string) {
				defer s.wg.Done()
				s.tick(agentID)
			}(task.AgentID)
		}
	}
}

// startLoop launches the ticker goroutine for one agent. Caller must not
// hold s.mu for the same agent's existing loop.
func (s *Supervisor) startLoop(agent persistence.Agent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.loops[agent.AgentID]; exists {
		return
	}

	loopCtx, cancel := context.WithCancel(s.rootCtx)
	loop := &agentLoop{cancel: cancel}
	s.loops[agent.AgentID] = loop

	interval := s.interval(agent)
	s.wg.Add(1)
	if s.Metrics != nil {
		s.Metrics.ActiveAgents.Add(s.rootCtx, 1)
	}
	go func() {
		defer s.wg.Done()
		defer func() {
			if s.Metrics != nil {
				s.Metrics.ActiveAgents.Add(context.Background(), -1)
			}
		}()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		s.Logger.Info("agent loop started", "agent_id", agent.AgentID, "interval", interval)
		for {
			select {
			case <-loopCtx.Done():
				s.Logger.Info("agent loop stopped", "agent_id", agent.AgentID)
				return
			case <-ticker.C:
				s.tick(agent.AgentID)
			}
		}
	}()
}

// runLock returns the agent's iteration lock. Locks outlive loops so a
// manual Trigger on a paused or unregistered agent still excludes
// concurrent runs.
func (s *Supervisor) runLock(agentID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runs == nil {
		s.runs = make(map[string]*sync.Mutex)
	}
	lock := s.runs[agentID]
	if lock == nil {
		lock = &sync.Mutex{}
		s.runs[agentID] = lock
	}
	return lock
}

// tick runs one iteration unless one is already in flight for this agent.
func (s *Supervisor) tick(agentID string) {
	lock := s.runLock(agentID)
	if !lock.TryLock() {
		s.Logger.Debug("iteration still running, tick dropped", "agent_id", agentID)
		return
	}
	defer lock.Unlock()

	// Iterations run on the root context so a loop cancellation (pause,
	// delete) never aborts work mid-phase.
	_, err := s.Runner.RunIteration(s.rootCtx, agentID)
	switch {
	case err == nil:
	case errors.Is(err, persistence.ErrNotFound):
		s.Logger.Warn("agent vanished, stopping loop", "agent_id", agentID)
		s.stopLoop(agentID)
	default:
		// Already recorded on the iteration row; the loop just waits for
		// the next trigger.
		s.Logger.Debug("iteration error", "agent_id", agentID, "error", err)
	}
}

// Trigger runs one iteration for the agent immediately, subject to the
// same no-overlap rule as timed ticks.
func (s *Supervisor) Trigger(ctx context.Context, agentID string) (*persistence.WorkerIteration, error) {
	lock := s.runLock(agentID)
	if !lock.TryLock() {
		return nil, fmt.Errorf("agent %s: iteration already running", agentID)
	}
	defer lock.Unlock()
	return s.Runner.RunIteration(ctx, agentID)
}

// Pause stops the agent's timer. An in-flight iteration completes or
// fails normally; no new one is scheduled.
func (s *Supervisor) Pause(ctx context.Context, agentID string) error {
	if err := s.Store.SetAgentStatus(ctx, agentID, persistence.AgentStatusPaused); err != nil {
		return err
	}
	s.stopLoop(agentID)
	s.Logger.Info("agent paused", "agent_id", agentID)
	return nil
}

// Resume restarts a paused agent's timer.
func (s *Supervisor) Resume(ctx context.Context, agentID string) error {
	if err := s.Store.SetAgentStatus(ctx, agentID, persistence.AgentStatusActive); err != nil {
		return err
	}
	agent, err := s.Store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	s.startLoop(*agent)
	s.Logger.Info("agent resumed", "agent_id", agentID)
	return nil
}

// Delete marks the agent deleted and stops its timer. Its rows remain
// for audit.
func (s *Supervisor) Delete(ctx context.Context, agentID string) error {
	if err := s.Store.SetAgentStatus(ctx, agentID, persistence.AgentStatusDeleted); err != nil {
		return err
	}
	s.stopLoop(agentID)
	s.Logger.Info("agent deleted", "agent_id", agentID)
	return nil
}

func (s *Supervisor) stopLoop(agentID string) {
	s.mu.Lock()
	loop := s.loops[agentID]
	delete(s.loops, agentID)
	s.mu.Unlock()
	if loop != nil {
		loop.cancel()
	}
}

// Stop cancels all loops and waits for in-flight iterations to settle.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	for id, loop := range s.loops {
		loop.cancel()
		delete(s.loops, id)
	}
	s.mu.Unlock()
	if s.Bus != nil {
		s.Bus.Unsubscribe(s.sub)
	}
	s.wg.Wait()
}

func (s *Supervisor) interval(agent persistence.Agent) time.Duration {
	if agent.IterationIntervalMs > 0 {
		return time.Duration(agent.IterationIntervalMs) * time.Millisecond
	}
	return time.Duration(s.Config.Worker.IterationIntervalMs) * time.Millisecond
}
