package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all teamsd metric instruments.
type Metrics struct {
	IterationDuration metric.Float64Histogram
	IterationsTotal   metric.Int64Counter
	IterationFailures metric.Int64Counter
	PhaseDuration     metric.Float64Histogram
	PhaseRetries      metric.Int64Counter
	TasksEnqueued     metric.Int64Counter
	TasksCompleted    metric.Int64Counter
	Compactions       metric.Int64Counter
	TokensEstimated   metric.Int64Counter
	GraphWrites       metric.Int64Counter
	ActiveAgents      metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.IterationDuration, err = meter.Float64Histogram("teamsd.iteration.duration",
		metric.WithDescription("Worker iteration duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.IterationsTotal, err = meter.Int64Counter("teamsd.iteration.total",
		metric.WithDescription("Worker iterations executed"),
	)
	if err != nil {
		return nil, err
	}

	m.IterationFailures, err = meter.Int64Counter("teamsd.iteration.failures",
		metric.WithDescription("Worker iterations that ended failed"),
	)
	if err != nil {
		return nil, err
	}

	m.PhaseDuration, err = meter.Float64Histogram("teamsd.phase.duration",
		metric.WithDescription("Pipeline phase duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.PhaseRetries, err = meter.Int64Counter("teamsd.phase.retries",
		metric.WithDescription("Phase retries after validation or provider errors"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksEnqueued, err = meter.Int64Counter("teamsd.task.enqueued",
		metric.WithDescription("Tasks added to agent queues"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("teamsd.task.completed",
		metric.WithDescription("Tasks completed by worker iterations"),
	)
	if err != nil {
		return nil, err
	}

	m.Compactions, err = meter.Int64Counter("teamsd.conversation.compactions",
		metric.WithDescription("Conversation compactions performed"),
	)
	if err != nil {
		return nil, err
	}

	m.TokensEstimated, err = meter.Int64Counter("teamsd.llm.tokens_estimated",
		metric.WithDescription("Estimated tokens across conversation writes"),
	)
	if err != nil {
		return nil, err
	}

	m.GraphWrites, err = meter.Int64Counter("teamsd.graph.writes",
		metric.WithDescription("Knowledge graph nodes and edges committed"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveAgents, err = meter.Int64UpDownCounter("teamsd.agents.active",
		metric.WithDescription("Agents with a running iteration loop"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
