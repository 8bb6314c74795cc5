package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/rendis/autoflow/internal/store"
	"github.com/rendis/autoflow/pkg/schema"
)

// DefaultInterval is how often the scheduler polls for due triggers.
const DefaultInterval = 60 * time.Second

// WorkflowRunner is the interface the scheduler uses to run workflows.
// Satisfied by engine.Executor.
type WorkflowRunner interface {
	ExecuteWorkflow(ctx context.Context, workflowID string, triggerData map[string]any, userID string) (*schema.ExecutionResult, error)
}

// TriggerStore is the subset of store.Store the scheduler needs.
type TriggerStore interface {
	CreateScheduledTrigger(ctx context.Context, trigger *store.ScheduledTrigger) error
	UpdateScheduledTrigger(ctx context.Context, id string, update store.ScheduledTriggerUpdate) error
	ListScheduledTriggers(ctx context.Context, filter store.ScheduledTriggerFilter) ([]*store.ScheduledTrigger, error)
}

// Scheduler polls the store for due scheduled triggers and runs them.
type Scheduler struct {
	store    TriggerStore
	runner   WorkflowRunner
	parser   cron.Parser
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // trigger IDs currently executing (dedup)
}

// NewScheduler creates a new Scheduler. interval <= 0 uses DefaultInterval.
func NewScheduler(s TriggerStore, runner WorkflowRunner, logger *slog.Logger, interval time.Duration) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		store:    s,
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:   logger,
		interval: interval,
		now:      func() time.Time { return time.Now().UTC() },
		inflight: make(map[string]struct{}),
	}
}

// Schedule registers a new enabled trigger for workflowID and returns it with
// its first run time filled in.
func (s *Scheduler) Schedule(ctx context.Context, workflowID, cronExpr string, triggerData map[string]any, userID string) (*store.ScheduledTrigger, error) {
	if workflowID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "schedule requires a workflow id")
	}
	now := s.now()
	next, err := s.CalculateNextRun(cronExpr, now)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
	}
	t := &store.ScheduledTrigger{
		ID:             uuid.NewString(),
		WorkflowID:     workflowID,
		CronExpression: cronExpr,
		TriggerData:    triggerData,
		UserID:         userID,
		Enabled:        true,
		NextRunAt:      &next,
		CreatedAt:      now,
	}
	if err := s.store.CreateScheduledTrigger(ctx, t); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "trigger scheduled",
		slog.String("trigger_id", t.ID),
		slog.String("workflow_id", workflowID),
		slog.Time("next_run_at", next))
	return t, nil
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs every enabled trigger whose next run is due. Triggers without a
// next run time are considered due.
func (s *Scheduler) tick(ctx context.Context) {
	enabled := true
	triggers, err := s.store.ListScheduledTriggers(ctx, store.ScheduledTriggerFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("failed to list scheduled triggers", slog.String("error", err.Error()))
		return
	}

	now := s.now()
	for _, t := range triggers {
		if t.NextRunAt != nil && t.NextRunAt.After(now) {
			continue
		}
		if !s.tryAcquire(t.ID) {
			continue // already running (dedup)
		}
		if err := s.runTrigger(ctx, t, now); err != nil {
			s.logger.Error("failed to run scheduled trigger",
				slog.String("trigger_id", t.ID),
				slog.String("error", err.Error()))
		}
		s.releaseTrigger(t.ID)
	}
}

// runTrigger executes the workflow and records the outcome and next run.
func (s *Scheduler) runTrigger(ctx context.Context, t *store.ScheduledTrigger, now time.Time) error {
	s.logger.Info("running scheduled trigger",
		slog.String("trigger_id", t.ID),
		slog.String("workflow_id", t.WorkflowID))

	update := store.ScheduledTriggerUpdate{LastRunAt: &now}
	res, err := s.runner.ExecuteWorkflow(ctx, t.WorkflowID, t.TriggerData, t.UserID)
	switch {
	case res != nil:
		update.LastRunStatus = string(res.Status())
		update.LastExecutionID = res.ExecutionID
	default:
		update.LastRunStatus = "error"
	}
	if err != nil {
		s.logger.Error("scheduled execution failed",
			slog.String("trigger_id", t.ID),
			slog.String("error", err.Error()))
	}

	next, err := s.CalculateNextRun(t.CronExpression, now)
	if err != nil {
		// A trigger that can't be rescheduled would fire on every tick.
		disabled := false
		update.Enabled = &disabled
		err = fmt.Errorf("calculate next run for trigger %q: %w", t.ID, err)
		if uerr := s.store.UpdateScheduledTrigger(ctx, t.ID, update); uerr != nil {
			return errors.Join(err, fmt.Errorf("disable trigger %q: %w", t.ID, uerr))
		}
		return err
	}
	update.NextRunAt = &next
	return s.store.UpdateScheduledTrigger(ctx, t.ID, update)
}

// tryAcquire returns true and marks the trigger as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) releaseTrigger(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// RecoverMissed runs, once, every enabled trigger whose next run passed
// while the scheduler was down. It returns how many triggers were recovered.
func (s *Scheduler) RecoverMissed(ctx context.Context) (int, error) {
	enabled := true
	triggers, err := s.store.ListScheduledTriggers(ctx, store.ScheduledTriggerFilter{Enabled: &enabled})
	if err != nil {
		return 0, fmt.Errorf("list missed triggers: %w", err)
	}

	now := s.now()
	recovered := 0
	for _, t := range triggers {
		if t.NextRunAt == nil || !t.NextRunAt.Before(now) {
			continue
		}
		if !s.tryAcquire(t.ID) {
			continue
		}
		err := s.runTrigger(ctx, t, now)
		s.releaseTrigger(t.ID)
		if err != nil {
			s.logger.Error("failed to recover missed trigger",
				slog.String("trigger_id", t.ID),
				slog.String("error", err.Error()))
			continue
		}
		recovered++
	}

	if recovered > 0 {
		s.logger.Info("recovered missed triggers", slog.Int("count", recovered))
	}
	return recovered, nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
