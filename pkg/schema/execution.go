package schema

import (
	"strings"
	"time"
)

// StepResult summarizes the outcome of a single step. Immutable once produced.
type StepResult struct {
	StepID     string         `json:"stepId"`
	Type       StepType       `json:"type"`
	Success    bool           `json:"success"`
	Error      string         `json:"error,omitempty"`
	DurationMs int64          `json:"durationMs"`
	Attempts   int            `json:"attempts"`
	Output     map[string]any `json:"output,omitempty"`
}

// ExecutionResult is the terminal outcome of one executeWorkflow call.
type ExecutionResult struct {
	ExecutionID string         `json:"executionId"`
	WorkflowID  string         `json:"workflowId"`
	UserID      string         `json:"userId,omitempty"`
	Success     bool           `json:"success"`
	Output      map[string]any `json:"output,omitempty"`
	Duration    int64          `json:"duration"` // milliseconds
	Error       string         `json:"error,omitempty"`
	Steps       []StepResult   `json:"steps"`
	StartedAt   time.Time      `json:"startedAt"`
	CompletedAt time.Time      `json:"completedAt"`
	TestRun     bool           `json:"testRun,omitempty"`
}

// FailedSteps returns the results of every failed step in execution order.
func (r *ExecutionResult) FailedSteps() []StepResult {
	var failed []StepResult
	for _, sr := range r.Steps {
		if !sr.Success {
			failed = append(failed, sr)
		}
	}
	return failed
}

// FailureSummary concatenates the failing step messages, "" if none failed.
func (r *ExecutionResult) FailureSummary() string {
	failed := r.FailedSteps()
	if len(failed) == 0 {
		return ""
	}
	parts := make([]string, 0, len(failed))
	for _, sr := range failed {
		parts = append(parts, sr.StepID+": "+sr.Error)
	}
	return strings.Join(parts, "; ")
}
