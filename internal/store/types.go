package store

import (
	"time"

	"github.com/rendis/autoflow/pkg/schema"
)

// WorkflowRecord is a stored workflow definition with its bookkeeping.
type WorkflowRecord struct {
	ID         string                     `json:"id"`
	Name       string                     `json:"name,omitempty"`
	StepCount  int                        `json:"step_count"`
	Definition *schema.WorkflowDefinition `json:"definition,omitempty"`
	CreatedAt  time.Time                  `json:"created_at"`
	UpdatedAt  time.Time                  `json:"updated_at"`
}

// ExecutionSummary is one row of the executions table, without step results.
type ExecutionSummary struct {
	ExecutionID string                 `json:"execution_id"`
	WorkflowID  string                 `json:"workflow_id"`
	UserID      string                 `json:"user_id,omitempty"`
	Status      schema.ExecutionStatus `json:"status"`
	Success     bool                   `json:"success"`
	Error       string                 `json:"error,omitempty"`
	DurationMs  int64                  `json:"duration_ms"`
	StepCount   int                    `json:"step_count"`
	FailedCount int                    `json:"failed_count"`
	TestRun     bool                   `json:"test_run,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt time.Time              `json:"completed_at"`
}

// ScheduledTrigger runs a workflow on a cron schedule with fixed trigger data.
type ScheduledTrigger struct {
	ID              string         `json:"id"`
	WorkflowID      string         `json:"workflow_id"`
	CronExpression  string         `json:"cron_expression"`
	TriggerData     map[string]any `json:"trigger_data,omitempty"`
	UserID          string         `json:"user_id"`
	Enabled         bool           `json:"enabled"`
	LastRunAt       *time.Time     `json:"last_run_at,omitempty"`
	NextRunAt       *time.Time     `json:"next_run_at,omitempty"`
	LastRunStatus   string         `json:"last_run_status,omitempty"`
	LastExecutionID string         `json:"last_execution_id,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// --- Filter & Update types ---

// WorkflowFilter specifies criteria for listing workflows.
type WorkflowFilter struct {
	NamePrefix string `json:"name_prefix,omitempty"`
	Limit      int    `json:"limit,omitempty"`
	Offset     int    `json:"offset,omitempty"`
}

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	WorkflowID string                 `json:"workflow_id,omitempty"`
	UserID     string                 `json:"user_id,omitempty"`
	Status     schema.ExecutionStatus `json:"status,omitempty"`
	TestRun    *bool                  `json:"test_run,omitempty"`
	Since      *time.Time             `json:"since,omitempty"`
	Limit      int                    `json:"limit,omitempty"`
}

// ScheduledTriggerUpdate specifies mutable fields of a scheduled trigger.
type ScheduledTriggerUpdate struct {
	Enabled         *bool      `json:"enabled,omitempty"`
	LastRunAt       *time.Time `json:"last_run_at,omitempty"`
	NextRunAt       *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus   string     `json:"last_run_status,omitempty"`
	LastExecutionID string     `json:"last_execution_id,omitempty"`
}

// ScheduledTriggerFilter specifies criteria for listing scheduled triggers.
type ScheduledTriggerFilter struct {
	WorkflowID string `json:"workflow_id,omitempty"`
	Enabled    *bool  `json:"enabled,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}
