package bus

// Task lifecycle topics.
const (
	TopicTaskEnqueued  = "task.enqueued"
	TopicTaskClaimed   = "task.claimed"
	TopicTaskCompleted = "task.completed"
)

// Iteration lifecycle topics.
const (
	TopicIterationStarted   = "iteration.started"
	TopicIterationPhase     = "iteration.phase"
	TopicIterationCompleted = "iteration.completed"
	TopicIterationFailed    = "iteration.failed"
)

// Conversation and graph topics.
const (
	TopicChatChunk      = "chat.chunk"
	TopicCompaction     = "conversation.compacted"
	TopicGraphNodeAdded = "graph.node_added"
	TopicGraphEdgeAdded = "graph.edge_added"
	TopicBriefingReady  = "briefing.ready"
	TopicMemoryCreated  = "memory.created"
)

// TaskEvent carries task lifecycle metadata.
type TaskEvent struct {
	TaskID  string `json:"task_id"`
	AgentID string `json:"agent_id"`
	Source  string `json:"source,omitempty"`
	Status  string `json:"status,omitempty"`
}

// IterationEvent carries iteration lifecycle metadata.
type IterationEvent struct {
	IterationID string `json:"iteration_id"`
	AgentID     string `json:"agent_id"`
	TaskID      string `json:"task_id,omitempty"`
	Phase       string `json:"phase,omitempty"`
	Status      string `json:"status,omitempty"`
	Error       string `json:"error,omitempty"`
}

// BriefingEvent is published when a completed iteration produced a
// user-facing digest.
type BriefingEvent struct {
	AgentID     string `json:"agent_id"`
	IterationID string `json:"iteration_id"`
	Briefing    string `json:"briefing"`
}
