package engine

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/autoflow/internal/actions"
	"github.com/rendis/autoflow/internal/expressions"
	"github.com/rendis/autoflow/internal/logging"
	"github.com/rendis/autoflow/internal/streaming"
	"github.com/rendis/autoflow/internal/validation"
	"github.com/rendis/autoflow/pkg/schema"
)

// Executor runs workflow definitions against the registered step executors.
type Executor interface {
	// ExecuteWorkflow loads, validates and runs a workflow. Step failures are
	// reported in the result; only configuration errors are returned as err,
	// always alongside a failed result.
	ExecuteWorkflow(ctx context.Context, workflowID string, triggerData map[string]any, userID string) (*schema.ExecutionResult, error)

	// TestWorkflow runs like ExecuteWorkflow against the sandbox registry and
	// marks the recorded execution as a test run.
	TestWorkflow(ctx context.Context, workflowID string, sampleData map[string]any) (*schema.ExecutionResult, error)

	// ExecuteParallel dispatches steps concurrently and returns their results
	// in input order once every step has finished.
	ExecuteParallel(ctx context.Context, steps []schema.Step, ec *ExecutionContext) []schema.StepResult

	// Shutdown stops the worker pool after in-flight steps complete.
	Shutdown()
}

// WorkflowStore is the persistence the executor needs.
// Satisfied by *store.LibSQLStore and test mocks.
type WorkflowStore interface {
	// GetWorkflow returns (nil, nil) or a NOT_FOUND error for an unknown id.
	GetWorkflow(ctx context.Context, id string) (*schema.WorkflowDefinition, error)
	RecordExecution(ctx context.Context, result *schema.ExecutionResult) error
}

// SecretResolver decrypts vault secrets. Satisfied by *secrets.AESVault.
type SecretResolver interface {
	Resolve(ctx context.Context, key string) ([]byte, error)
}

// TestUserID is the user recorded for TestWorkflow runs.
const TestUserID = "test"

// DefaultPoolSize is the default worker pool concurrency.
const DefaultPoolSize = 10

// DefaultMaxRetryDelay caps a single backoff wait.
const DefaultMaxRetryDelay = 5 * time.Minute

// ExecutorConfig holds configuration for the executor.
type ExecutorConfig struct {
	PoolSize      int           // max concurrent parallel steps
	StrictLookup  bool          // unknown workflow id is NOT_FOUND instead of an empty workflow
	MaxRetryDelay time.Duration // cap on a single backoff wait
	Logger        *slog.Logger
	// Sandbox is the registry TestWorkflow runs against. Nil = the live registry.
	Sandbox *actions.Registry
	// Events receives progress updates. Nil disables publishing.
	Events streaming.Publisher
	// Secrets resolves {{secrets.KEY}} placeholders. Nil makes any step that
	// references a secret fail with a configuration error.
	Secrets SecretResolver
}

// ExecutionContext is the read-only view shared by every step of one execution.
type ExecutionContext struct {
	ExecutionID string
	WorkflowID  string
	UserID      string
	TestRun     bool
	TriggerData map[string]any
	Variables   map[string]any
	// Data is Variables overlaid with TriggerData plus the execution ids.
	// It is the interpolation and condition scope.
	Data map[string]any
	// StepOutputs holds the outputs of steps completed before the current one.
	StepOutputs map[string]map[string]any
}

// NewExecutionContext builds the scope for one execution. Trigger data wins
// over variable defaults; the ids are only added when the caller did not
// supply keys of the same name.
func NewExecutionContext(executionID string, def *schema.WorkflowDefinition, triggerData map[string]any, userID string, testRun bool) *ExecutionContext {
	data := make(map[string]any, len(def.Variables)+len(triggerData)+3)
	maps.Copy(data, def.Variables)
	maps.Copy(data, triggerData)
	for k, v := range map[string]string{"executionId": executionID, "workflowId": def.ID, "userId": userID} {
		if _, ok := data[k]; !ok {
			data[k] = v
		}
	}
	return &ExecutionContext{
		ExecutionID: executionID,
		WorkflowID:  def.ID,
		UserID:      userID,
		TestRun:     testRun,
		TriggerData: triggerData,
		Variables:   def.Variables,
		Data:        data,
		StepOutputs: map[string]map[string]any{},
	}
}

// executorImpl is the concrete Executor implementation.
type executorImpl struct {
	store     WorkflowStore
	registry  *actions.Registry
	sandbox   *actions.Registry
	validator *validation.WorkflowValidator
	sandboxV  *validation.WorkflowValidator
	pool      *WorkerPool
	retrier   *Retrier
	config    ExecutorConfig
	logger    *slog.Logger
}

// NewExecutor creates an Executor. store may be nil, in which case every
// workflow id resolves as not found and nothing is recorded.
func NewExecutor(store WorkflowStore, registry *actions.Registry, cfg ExecutorConfig) (Executor, error) {
	if registry == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "executor requires a step registry")
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = DefaultMaxRetryDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	v, err := validation.NewWorkflowValidator(registry)
	if err != nil {
		return nil, err
	}
	e := &executorImpl{
		store:     store,
		registry:  registry,
		sandbox:   registry,
		validator: v,
		sandboxV:  v,
		pool:      NewWorkerPool(cfg.PoolSize),
		retrier:   NewRetrier(cfg.Logger),
		config:    cfg,
		logger:    cfg.Logger,
	}
	if cfg.Sandbox != nil {
		e.sandbox = cfg.Sandbox
		e.sandboxV = v.WithLookup(cfg.Sandbox)
	}
	return e, nil
}

func (e *executorImpl) ExecuteWorkflow(ctx context.Context, workflowID string, triggerData map[string]any, userID string) (*schema.ExecutionResult, error) {
	return e.execute(ctx, workflowID, triggerData, userID, false)
}

func (e *executorImpl) TestWorkflow(ctx context.Context, workflowID string, sampleData map[string]any) (*schema.ExecutionResult, error) {
	return e.execute(ctx, workflowID, sampleData, TestUserID, true)
}

func (e *executorImpl) ExecuteParallel(ctx context.Context, steps []schema.Step, ec *ExecutionContext) []schema.StepResult {
	results, _, _ := e.runBatch(ctx, e.registryFor(ec.TestRun), steps, ec)
	return results
}

func (e *executorImpl) Shutdown() {
	e.pool.Shutdown()
}

func (e *executorImpl) registryFor(testRun bool) *actions.Registry {
	if testRun {
		return e.sandbox
	}
	return e.registry
}

func (e *executorImpl) execute(ctx context.Context, workflowID string, triggerData map[string]any, userID string, testRun bool) (*schema.ExecutionResult, error) {
	if triggerData == nil {
		triggerData = map[string]any{}
	}
	res := &schema.ExecutionResult{
		ExecutionID: uuid.NewString(),
		WorkflowID:  workflowID,
		UserID:      userID,
		StartedAt:   time.Now().UTC(),
		TestRun:     testRun,
		Steps:       []schema.StepResult{},
	}
	ctx = logging.WithExecutionID(ctx, res.ExecutionID)
	ctx = logging.WithWorkflowID(ctx, workflowID)
	e.logger.InfoContext(ctx, schema.EventExecutionStarted,
		slog.String("user_id", userID),
		slog.Bool("test_run", testRun))
	e.publish(ctx, res, streaming.Event{
		Type:    streaming.EventExecutionStarted,
		Payload: map[string]any{"user_id": userID},
	})

	def, err := e.loadDefinition(ctx, workflowID)
	if err != nil {
		return e.finish(ctx, res, err)
	}

	v := e.validator
	if testRun {
		v = e.sandboxV
	}
	if err := v.ValidateDefinition(def); err != nil {
		return e.finish(ctx, res, err)
	}
	if len(def.TriggerSchema) > 0 {
		if err := v.ValidateInput(triggerData, def.TriggerSchema); err != nil {
			return e.finish(ctx, res, err)
		}
	}

	targets, err := def.BranchTargets()
	if err != nil {
		return e.finish(ctx, res, err)
	}
	r := &workflowRun{
		exec:     e,
		registry: e.registryFor(testRun),
		def:      def,
		ec:       NewExecutionContext(res.ExecutionID, def, triggerData, userID, testRun),
		targets:  targets,
		executed: make(map[string]bool, len(def.Steps)),
		result:   res,
	}
	return e.finish(ctx, res, r.runSteps(ctx))
}

// loadDefinition resolves the workflow. Unknown ids yield an empty workflow
// unless StrictLookup is set.
func (e *executorImpl) loadDefinition(ctx context.Context, workflowID string) (*schema.WorkflowDefinition, error) {
	var def *schema.WorkflowDefinition
	if e.store != nil {
		var err error
		def, err = e.store.GetWorkflow(ctx, workflowID)
		if err != nil && !schema.HasCode(err, schema.ErrCodeNotFound) {
			return nil, err
		}
	}
	if def != nil {
		if def.ID == "" {
			def.ID = workflowID
		}
		return def, nil
	}
	if e.config.StrictLookup {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", workflowID)
	}
	e.logger.WarnContext(ctx, "workflow not found, running empty definition")
	return &schema.WorkflowDefinition{ID: workflowID, Steps: []schema.Step{}}, nil
}

// finish applies the aggregation rule, records the result and logs completion.
// A non-nil fatal error fails the execution regardless of step outcomes.
func (e *executorImpl) finish(ctx context.Context, res *schema.ExecutionResult, fatal error) (*schema.ExecutionResult, error) {
	res.CompletedAt = time.Now().UTC()
	res.Duration = res.CompletedAt.Sub(res.StartedAt).Milliseconds()

	failed := len(res.FailedSteps())
	switch {
	case fatal != nil:
		res.Success = false
		res.Error = errorMessage(fatal)
	case failed == 0 || failed < len(res.Steps):
		res.Success = true
	default:
		res.Success = false
		res.Error = res.FailureSummary()
	}

	if e.store != nil {
		if err := e.store.RecordExecution(context.WithoutCancel(ctx), res); err != nil {
			e.logger.ErrorContext(ctx, schema.EventRecordFailed, slog.String("error", err.Error()))
		}
	}

	level := slog.LevelInfo
	if !res.Success {
		level = slog.LevelWarn
	}
	e.logger.Log(ctx, level, schema.EventExecutionCompleted,
		slog.String("status", string(res.Status())),
		slog.Int("steps", len(res.Steps)),
		slog.Int("failed", failed),
		slog.Int64("duration_ms", res.Duration))

	payload := map[string]any{
		"status":      string(res.Status()),
		"steps":       len(res.Steps),
		"failed":      failed,
		"duration_ms": res.Duration,
	}
	if res.Error != "" {
		payload["error"] = res.Error
	}
	e.publish(ctx, res, streaming.Event{Type: streaming.EventExecutionCompleted, Payload: payload})

	return res, fatal
}

// publish fills in the execution identity and hands ev to the configured
// publisher. Failures are logged only.
func (e *executorImpl) publish(ctx context.Context, res *schema.ExecutionResult, ev streaming.Event) {
	if e.config.Events == nil {
		return
	}
	ev.ExecutionID = res.ExecutionID
	ev.WorkflowID = res.WorkflowID
	ev.TestRun = res.TestRun
	if err := e.config.Events.Publish(context.WithoutCancel(ctx), ev); err != nil {
		e.logger.DebugContext(ctx, "publish progress event failed", slog.String("error", err.Error()))
	}
}

// stepEvent reports a finished step of the run.
func (r *workflowRun) stepEvent(ctx context.Context, sr schema.StepResult) {
	typ := streaming.EventStepSucceeded
	payload := map[string]any{
		"type":        string(sr.Type),
		"attempts":    sr.Attempts,
		"duration_ms": sr.DurationMs,
	}
	if !sr.Success {
		typ = streaming.EventStepFailed
		payload["error"] = sr.Error
	}
	r.exec.publish(ctx, r.result, streaming.Event{StepID: sr.StepID, Type: typ, Payload: payload})
}

// workflowRun is the mutable state of one execution. Only the goroutine that
// called execute touches it; parallel batches hand results back after the join.
type workflowRun struct {
	exec     *executorImpl
	registry *actions.Registry
	def      *schema.WorkflowDefinition
	ec       *ExecutionContext
	targets  map[string]struct{}
	executed map[string]bool
	result   *schema.ExecutionResult
}

// runSteps walks the definition in array order. Branch targets only run when
// their condition selects them. Consecutive steps sharing a parallel group run
// as one batch.
func (r *workflowRun) runSteps(ctx context.Context) error {
	steps := r.def.Steps
	for i := 0; i < len(steps); {
		if err := ctx.Err(); err != nil {
			return schema.NewError(schema.ErrCodeStepFailed, "execution cancelled").WithCause(err)
		}
		step := &steps[i]
		if r.isTarget(step.ID) {
			i++
			continue
		}

		if step.ParallelGroup != "" {
			j := i + 1
			for j < len(steps) && steps[j].ParallelGroup == step.ParallelGroup && !r.isTarget(steps[j].ID) {
				j++
			}
			if j-i > 1 {
				if err := r.runGroup(ctx, steps[i:j]); err != nil {
					return err
				}
				i = j
				continue
			}
		}

		if err := r.runSequential(ctx, step); err != nil {
			return err
		}
		i++
	}
	return nil
}

func (r *workflowRun) isTarget(id string) bool {
	_, ok := r.targets[id]
	return ok
}

// runSequential runs one step and then, for a condition, the selected branch.
func (r *workflowRun) runSequential(ctx context.Context, step *schema.Step) error {
	if err := r.markExecuted(step.ID); err != nil {
		return err
	}
	sr, out, err := r.exec.runStep(ctx, r.registry, step, r.snapshot())
	r.record(sr)
	r.stepEvent(ctx, sr)
	if err != nil {
		return err
	}
	if out == nil || step.Type != schema.StepTypeCondition {
		return nil
	}

	r.exec.logger.InfoContext(logging.WithStepID(ctx, step.ID), schema.EventConditionEvaluated,
		slog.Any("result", sr.Output["result"]),
		slog.Any("next", out.Next))
	for _, id := range out.Next {
		next, ok := r.def.StepByID(id)
		if !ok {
			return schema.NewErrorf(schema.ErrCodeConfiguration, "branch step %q not found", id).WithStep(step.ID)
		}
		if err := r.runSequential(ctx, next); err != nil {
			return err
		}
	}
	return nil
}

func (r *workflowRun) runGroup(ctx context.Context, steps []schema.Step) error {
	for i := range steps {
		if err := r.markExecuted(steps[i].ID); err != nil {
			return err
		}
	}
	results, _, err := r.exec.runBatch(ctx, r.registry, steps, r.snapshot())
	for _, sr := range results {
		r.record(sr)
		r.stepEvent(ctx, sr)
	}
	return err
}

func (r *workflowRun) markExecuted(id string) error {
	if r.executed[id] {
		return schema.NewErrorf(schema.ErrCodeConfiguration, "step %q would execute twice", id).WithStep(id)
	}
	r.executed[id] = true
	return nil
}

// snapshot returns an execution context whose StepOutputs will not change
// while the next step or batch runs.
func (r *workflowRun) snapshot() *ExecutionContext {
	ec := *r.ec
	ec.StepOutputs = maps.Clone(r.ec.StepOutputs)
	return &ec
}

func (r *workflowRun) record(sr schema.StepResult) {
	r.result.Steps = append(r.result.Steps, sr)
	if sr.Success && sr.Output != nil {
		r.ec.StepOutputs[sr.StepID] = sr.Output
		if r.result.Output == nil {
			r.result.Output = map[string]any{}
		}
		r.result.Output[sr.StepID] = sr.Output
	}
}

// runBatch fans the steps out on the worker pool and joins on all of them.
// Each goroutine writes only its own index. The first configuration error in
// input order is returned after the join.
func (e *executorImpl) runBatch(ctx context.Context, reg *actions.Registry, steps []schema.Step, ec *ExecutionContext) ([]schema.StepResult, []*actions.Outcome, error) {
	results := make([]schema.StepResult, len(steps))
	outcomes := make([]*actions.Outcome, len(steps))
	errs := make([]error, len(steps))

	e.logger.InfoContext(ctx, schema.EventParallelStarted, slog.Int("steps", len(steps)))
	e.pool.Batch(ctx, len(steps), func(ctx context.Context, i int) {
		if steps[i].Type == schema.StepTypeCondition {
			// A batch has no place to run the selected branch.
			err := schema.NewError(schema.ErrCodeConfiguration, "condition steps cannot run in a parallel batch").WithStep(steps[i].ID)
			results[i] = schema.StepResult{StepID: steps[i].ID, Type: steps[i].Type, Attempts: 1, Error: errorMessage(err)}
			errs[i] = err
			return
		}
		results[i], outcomes[i], errs[i] = e.runStep(ctx, reg, &steps[i], ec)
	})
	e.logger.InfoContext(ctx, schema.EventParallelCompleted, slog.Int("steps", len(steps)))

	return results, outcomes, firstNonNil(errs)
}

func firstNonNil(errs []error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// runStep is the per-step pipeline: resolve the executor and retry policy,
// interpolate the configuration, run under the retrier, record the result.
// Only configuration errors are returned; other failures live in the result.
func (e *executorImpl) runStep(ctx context.Context, reg *actions.Registry, step *schema.Step, ec *ExecutionContext) (schema.StepResult, *actions.Outcome, error) {
	ctx = logging.WithStepID(ctx, step.ID)
	start := time.Now()
	sr := schema.StepResult{StepID: step.ID, Type: step.Type, Attempts: 1}

	fatal := func(err error) (schema.StepResult, *actions.Outcome, error) {
		err = stepError(err, step.ID)
		sr.Error = errorMessage(err)
		sr.DurationMs = time.Since(start).Milliseconds()
		e.logger.WarnContext(ctx, schema.EventStepFailed, slog.String("error", sr.Error), slog.Bool("fatal", true))
		return sr, nil, err
	}

	exec, err := reg.Get(step.Type)
	if err != nil {
		return fatal(err)
	}
	policy, err := PolicyForStep(step, e.config.MaxRetryDelay)
	if err != nil {
		return fatal(err)
	}
	scope, err := e.stepScope(ctx, step, ec)
	if err != nil {
		return fatal(err)
	}

	in := actions.StepInput{
		Step:        *step,
		Config:      expressions.InterpolateMap(step.Configuration, scope),
		Data:        ec.Data,
		TriggerData: ec.TriggerData,
		StepOutputs: ec.StepOutputs,
		WorkflowID:  ec.WorkflowID,
		ExecutionID: ec.ExecutionID,
		UserID:      ec.UserID,
		TestRun:     ec.TestRun,
	}
	rr := e.retrier.Execute(ctx, policy, step.TimeoutDuration(), func(ctx context.Context, _ int) (*actions.Outcome, error) {
		return exec.Run(ctx, in)
	})
	sr.Attempts = rr.Attempts

	if rr.Err != nil {
		if schema.IsConfigurationError(rr.Err) {
			return fatal(rr.Err)
		}
		sr.Error = errorMessage(rr.Err)
		sr.DurationMs = time.Since(start).Milliseconds()
		e.logger.WarnContext(ctx, schema.EventStepFailed,
			slog.String("error", sr.Error),
			slog.Int("attempts", sr.Attempts))
		return sr, nil, nil
	}

	sr.Success = true
	sr.DurationMs = time.Since(start).Milliseconds()
	if rr.Outcome != nil {
		sr.Output = rr.Outcome.Output
	}
	e.logger.DebugContext(ctx, schema.EventStepCompleted,
		slog.Int("attempts", sr.Attempts),
		slog.Int64("duration_ms", sr.DurationMs))
	return sr, rr.Outcome, nil
}

// stepScope is the interpolation scope of step: the execution data plus every
// secret its configuration references. Test runs get a redacted placeholder
// instead of the value. Secrets never reach conditions or step outputs.
func (e *executorImpl) stepScope(ctx context.Context, step *schema.Step, ec *ExecutionContext) (map[string]any, error) {
	refs := expressions.SecretRefs(step.Configuration)
	if len(refs) == 0 {
		return ec.Data, nil
	}
	scope := maps.Clone(ec.Data)
	for _, key := range refs {
		name := expressions.SecretPrefix + key
		if ec.TestRun {
			scope[name] = "[redacted:" + key + "]"
			continue
		}
		if e.config.Secrets == nil {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "secret %q referenced but no vault is configured", key)
		}
		val, err := e.config.Secrets.Resolve(ctx, key)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "resolve secret %q: %s", key, errorMessage(err)).WithCause(err)
		}
		scope[name] = string(val)
	}
	return scope, nil
}

// errorMessage is the text stored in results: the bare message of an
// AutoflowError, err.Error() otherwise.
func errorMessage(err error) string {
	var afErr *schema.AutoflowError
	if errors.As(err, &afErr) {
		return afErr.Message
	}
	return err.Error()
}

// stepError tags err with stepID without mutating a shared error value.
func stepError(err error, stepID string) error {
	var afErr *schema.AutoflowError
	if errors.As(err, &afErr) {
		if afErr.StepID != "" {
			return err
		}
		cp := *afErr
		cp.StepID = stepID
		return &cp
	}
	return schema.NewError(schema.ErrCodeConfiguration, err.Error()).WithStep(stepID).WithCause(err)
}
