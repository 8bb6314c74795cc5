package streaming

import "context"

// Progress event types published by the executor.
const (
	EventExecutionStarted   = "execution.started"
	EventStepSucceeded      = "step.succeeded"
	EventStepFailed         = "step.failed"
	EventExecutionCompleted = "execution.completed"
)

// Event is a progress update emitted while an execution runs.
type Event struct {
	ExecutionID string         `json:"execution_id"`
	WorkflowID  string         `json:"workflow_id"`
	StepID      string         `json:"step_id,omitempty"`
	Type        string         `json:"type"`
	TestRun     bool           `json:"test_run,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// Filter selects the events a subscriber receives. Empty fields match all.
type Filter struct {
	WorkflowID  string   `json:"workflow_id,omitempty"`
	ExecutionID string   `json:"execution_id,omitempty"`
	Types       []string `json:"types,omitempty"`
}

// Publisher is the side of the hub the executor writes to.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Hub provides pub/sub for execution progress.
type Hub interface {
	Publisher
	Subscribe(ctx context.Context, filter Filter) (<-chan Event, func(), error)
}
