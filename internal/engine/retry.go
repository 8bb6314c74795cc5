package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/rendis/autoflow/internal/actions"
	"github.com/rendis/autoflow/pkg/schema"
)

// Policy is the retry budget of one step.
type Policy struct {
	MaxRetries        int
	InitialDelay      time.Duration
	BackoffMultiplier float64
	MaxDelay          time.Duration // 0 = uncapped
}

// PolicyForStep builds the policy of a step. A configuration.retryConfig wins
// over the fixed retryCount/retryDelay form, which maps to multiplier 1.
func PolicyForStep(step *schema.Step, maxDelay time.Duration) (Policy, error) {
	rc, err := step.RetryConfig()
	if err != nil {
		return Policy{}, err
	}
	if rc != nil {
		return Policy{
			MaxRetries:        rc.MaxRetries,
			InitialDelay:      schema.Seconds(rc.InitialDelay),
			BackoffMultiplier: rc.BackoffMultiplier,
			MaxDelay:          maxDelay,
		}, nil
	}
	if step.RetryCount < 0 || step.RetryDelay < 0 {
		return Policy{}, schema.NewErrorf(schema.ErrCodeConfiguration,
			"retryCount and retryDelay must be >= 0, got %d and %g", step.RetryCount, step.RetryDelay).WithStep(step.ID)
	}
	return Policy{
		MaxRetries:        step.RetryCount,
		InitialDelay:      schema.Seconds(step.RetryDelay),
		BackoffMultiplier: 1,
		MaxDelay:          maxDelay,
	}, nil
}

// ComputeBackoff returns the wait after the given failed attempt (1-based):
// InitialDelay * BackoffMultiplier^(attempt-1), capped by MaxDelay.
func ComputeBackoff(p Policy, attempt int) time.Duration {
	if p.InitialDelay <= 0 || attempt < 1 {
		return 0
	}
	mult := p.BackoffMultiplier
	if mult < 1 {
		mult = 1
	}
	f := float64(p.InitialDelay) * math.Pow(mult, float64(attempt-1))
	delay := time.Duration(math.MaxInt64)
	if f < float64(math.MaxInt64) {
		delay = time.Duration(f)
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// WaitForBackoff sleeps for the computed backoff duration or returns early if the context is cancelled.
// Returns an error if the context was cancelled during the wait.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRetryableError classifies whether an error should be retried.
// Retryable: timeouts, transient collaborator errors and unknown errors.
// Non-retryable: cancellation and configuration or validation errors.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var afErr *schema.AutoflowError
	if errors.As(err, &afErr) {
		return afErr.IsRetryable()
	}
	return true
}

// AttemptFunc performs one attempt. attempt is 1-based.
type AttemptFunc func(ctx context.Context, attempt int) (*actions.Outcome, error)

// RetryResult is the outcome of Retrier.Execute.
type RetryResult struct {
	Outcome  *actions.Outcome
	Err      error
	Attempts int
}

// Retrier runs attempts with bounded retries and exponential backoff.
type Retrier struct {
	logger *slog.Logger
	wait   func(ctx context.Context, delay time.Duration) error
}

// NewRetrier creates a Retrier that waits on real timers.
func NewRetrier(logger *slog.Logger) *Retrier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrier{logger: logger, wait: WaitForBackoff}
}

// Execute performs fn until it succeeds, fails with a non-retryable error, or
// the policy is exhausted. Each attempt is bounded by timeout (0 = unbounded)
// and so is each backoff wait. Cancelling ctx stops retrying.
func (r *Retrier) Execute(ctx context.Context, policy Policy, timeout time.Duration, fn AttemptFunc) RetryResult {
	for attempt := 1; ; attempt++ {
		out, err := runAttempt(ctx, timeout, attempt, fn)
		if err == nil {
			return RetryResult{Outcome: out, Attempts: attempt}
		}
		if attempt > policy.MaxRetries || !IsRetryableError(err) || ctx.Err() != nil {
			return RetryResult{Err: err, Attempts: attempt}
		}

		delay := ComputeBackoff(policy, attempt)
		if timeout > 0 && delay > timeout {
			delay = timeout
		}
		r.logger.WarnContext(ctx, schema.EventStepRetrying,
			slog.Int("attempt", attempt),
			slog.Int("max_retries", policy.MaxRetries),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()))

		if werr := r.wait(ctx, delay); werr != nil {
			return RetryResult{Err: err, Attempts: attempt}
		}
	}
}

type attemptResult struct {
	out *actions.Outcome
	err error
}

// runAttempt isolates one attempt: panics become errors, and with a timeout
// the call is abandoned at the deadline even if fn ignores its context.
func runAttempt(ctx context.Context, timeout time.Duration, attempt int, fn AttemptFunc) (*actions.Outcome, error) {
	if timeout <= 0 {
		res := callAttempt(ctx, attempt, fn)
		return res.out, res.err
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan attemptResult, 1)
	go func() { done <- callAttempt(attemptCtx, attempt, fn) }()

	select {
	case res := <-done:
		if res.err != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, timeoutError(attempt, timeout, res.err)
		}
		return res.out, res.err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, timeoutError(attempt, timeout, attemptCtx.Err())
	}
}

func callAttempt(ctx context.Context, attempt int, fn AttemptFunc) (res attemptResult) {
	defer func() {
		if p := recover(); p != nil {
			res = attemptResult{err: schema.NewErrorf(schema.ErrCodeStepFailed, "step panicked: %v", p)}
		}
	}()
	out, err := fn(ctx, attempt)
	return attemptResult{out: out, err: err}
}

func timeoutError(attempt int, timeout time.Duration, cause error) error {
	return schema.NewError(schema.ErrCodeTimeout,
		fmt.Sprintf("attempt %d timed out after %s", attempt, timeout)).WithCause(cause)
}
