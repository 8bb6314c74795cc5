package schema

// ExecutionStatus is the persisted summary of an ExecutionResult.
type ExecutionStatus string

const (
	ExecutionSucceeded ExecutionStatus = "succeeded"
	// ExecutionPartial marks a successful execution with at least one failed step.
	ExecutionPartial ExecutionStatus = "partial"
	ExecutionFailed  ExecutionStatus = "failed"
)

// Status derives the persisted status of a result.
func (r *ExecutionResult) Status() ExecutionStatus {
	switch {
	case !r.Success:
		return ExecutionFailed
	case len(r.FailedSteps()) > 0:
		return ExecutionPartial
	default:
		return ExecutionSucceeded
	}
}

// Log event names emitted by the executor, used as the slog message.
const (
	EventExecutionStarted   = "execution_started"
	EventExecutionCompleted = "execution_completed"
	EventStepCompleted      = "step_completed"
	EventStepFailed         = "step_failed"
	EventStepRetrying       = "step_retrying"
	EventConditionEvaluated = "condition_evaluated"
	EventParallelStarted    = "parallel_started"
	EventParallelCompleted  = "parallel_completed"
	EventRecordFailed       = "record_execution_failed"
)
