package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/autoflow/internal/store"
	"github.com/rendis/autoflow/pkg/schema"
)

// --- Mock trigger store ---

type mockTriggerStore struct {
	mu        sync.Mutex
	triggers  map[string]*store.ScheduledTrigger
	listErr   error
	updateErr error
}

func newMockTriggerStore() *mockTriggerStore {
	return &mockTriggerStore{triggers: make(map[string]*store.ScheduledTrigger)}
}

func (m *mockTriggerStore) CreateScheduledTrigger(_ context.Context, t *store.ScheduledTrigger) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.triggers[t.ID] = &cp
	return nil
}

func (m *mockTriggerStore) get(id string) *store.ScheduledTrigger {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.triggers[id]
	if !ok {
		return nil
	}
	cp := *t
	return &cp
}

func (m *mockTriggerStore) UpdateScheduledTrigger(_ context.Context, id string, u store.ScheduledTriggerUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	t, ok := m.triggers[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "scheduled trigger %q not found", id)
	}
	if u.Enabled != nil {
		t.Enabled = *u.Enabled
	}
	if u.LastRunAt != nil {
		t.LastRunAt = u.LastRunAt
	}
	if u.NextRunAt != nil {
		t.NextRunAt = u.NextRunAt
	}
	if u.LastRunStatus != "" {
		t.LastRunStatus = u.LastRunStatus
	}
	if u.LastExecutionID != "" {
		t.LastExecutionID = u.LastExecutionID
	}
	return nil
}

func (m *mockTriggerStore) ListScheduledTriggers(_ context.Context, f store.ScheduledTriggerFilter) ([]*store.ScheduledTrigger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []*store.ScheduledTrigger
	for _, t := range m.triggers {
		if f.Enabled != nil && t.Enabled != *f.Enabled {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

// --- Mock runner ---

type runCall struct {
	WorkflowID  string
	TriggerData map[string]any
	UserID      string
}

type mockRunner struct {
	mu     sync.Mutex
	calls  []runCall
	result *schema.ExecutionResult
	err    error
}

func (r *mockRunner) ExecuteWorkflow(_ context.Context, workflowID string, triggerData map[string]any, userID string) (*schema.ExecutionResult, error) {
	r.mu.Lock()
	r.calls = append(r.calls, runCall{WorkflowID: workflowID, TriggerData: triggerData, UserID: userID})
	r.mu.Unlock()
	if r.err != nil {
		return r.result, r.err
	}
	if r.result != nil {
		return r.result, nil
	}
	return &schema.ExecutionResult{ExecutionID: "exec-1", WorkflowID: workflowID, Success: true}, nil
}

func (r *mockRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func newTestScheduler(s TriggerStore, runner WorkflowRunner) *Scheduler {
	return NewScheduler(s, runner, slog.New(slog.DiscardHandler), time.Hour)
}

func addTrigger(t *testing.T, ms *mockTriggerStore, id string, enabled bool, next *time.Time) {
	t.Helper()
	require.NoError(t, ms.CreateScheduledTrigger(context.Background(), &store.ScheduledTrigger{
		ID:             id,
		WorkflowID:     "invoice",
		CronExpression: "0 * * * *",
		TriggerData:    map[string]any{"amount": 1500},
		UserID:         "system",
		Enabled:        enabled,
		NextRunAt:      next,
	}))
}

// --- Tests ---

func TestCalculateNextRun(t *testing.T) {
	sched := newTestScheduler(newMockTriggerStore(), &mockRunner{})
	from := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

	next, err := sched.CalculateNextRun("0 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 13, 0, 0, 0, time.UTC), next)

	next, err = sched.CalculateNextRun("*/15 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 12, 15, 0, 0, time.UTC), next)

	next, err = sched.CalculateNextRun("@daily", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 11, 0, 0, 0, 0, time.UTC), next)

	_, err = sched.CalculateNextRun("invalid cron", from)
	require.Error(t, err)
}

func TestSchedule(t *testing.T) {
	ms := newMockTriggerStore()
	sched := newTestScheduler(ms, &mockRunner{})
	fixed := time.Date(2026, 2, 10, 12, 30, 0, 0, time.UTC)
	sched.now = func() time.Time { return fixed }

	trig, err := sched.Schedule(context.Background(), "invoice", "0 * * * *", map[string]any{"amount": 1}, "u-1")
	require.NoError(t, err)
	assert.NotEmpty(t, trig.ID)
	assert.True(t, trig.Enabled)
	require.NotNil(t, trig.NextRunAt)
	assert.Equal(t, time.Date(2026, 2, 10, 13, 0, 0, 0, time.UTC), *trig.NextRunAt)

	stored := ms.get(trig.ID)
	require.NotNil(t, stored)
	assert.Equal(t, "u-1", stored.UserID)
}

func TestSchedule_Invalid(t *testing.T) {
	sched := newTestScheduler(newMockTriggerStore(), &mockRunner{})

	_, err := sched.Schedule(context.Background(), "invoice", "every tuesday", nil, "")
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	_, err = sched.Schedule(context.Background(), "", "0 * * * *", nil, "")
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestTickRunsDueTriggers(t *testing.T) {
	ms := newMockTriggerStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)

	past := time.Now().UTC().Add(-time.Hour)
	addTrigger(t, ms, "t-1", true, &past)

	sched.tick(context.Background())

	require.Equal(t, 1, runner.callCount())
	assert.Equal(t, "invoice", runner.calls[0].WorkflowID)
	assert.Equal(t, "system", runner.calls[0].UserID)
	assert.Equal(t, 1500, runner.calls[0].TriggerData["amount"])

	got := ms.get("t-1")
	assert.NotNil(t, got.LastRunAt)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(past))
	assert.Equal(t, string(schema.ExecutionSucceeded), got.LastRunStatus)
	assert.Equal(t, "exec-1", got.LastExecutionID)
}

func TestTickSkipsNotDueTriggers(t *testing.T) {
	ms := newMockTriggerStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)

	future := time.Now().UTC().Add(time.Hour)
	addTrigger(t, ms, "t-future", true, &future)

	sched.tick(context.Background())

	assert.Equal(t, 0, runner.callCount())
	assert.Nil(t, ms.get("t-future").LastRunAt)
}

func TestTickWithNilNextRunAt(t *testing.T) {
	ms := newMockTriggerStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)

	addTrigger(t, ms, "t-new", true, nil)

	sched.tick(context.Background())

	assert.Equal(t, 1, runner.callCount())
	assert.NotNil(t, ms.get("t-new").NextRunAt)
}

func TestDisabledTriggersSkipped(t *testing.T) {
	ms := newMockTriggerStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)

	past := time.Now().UTC().Add(-time.Hour)
	addTrigger(t, ms, "t-off", false, &past)

	sched.tick(context.Background())
	assert.Equal(t, 0, runner.callCount())
}

func TestTickRecordsPartialStatus(t *testing.T) {
	ms := newMockTriggerStore()
	runner := &mockRunner{result: &schema.ExecutionResult{
		ExecutionID: "exec-partial",
		Success:     true,
		Steps: []schema.StepResult{
			{StepID: "a", Success: true},
			{StepID: "b", Success: false, Error: "boom"},
		},
	}}
	sched := newTestScheduler(ms, runner)

	addTrigger(t, ms, "t-1", true, nil)
	sched.tick(context.Background())

	got := ms.get("t-1")
	assert.Equal(t, string(schema.ExecutionPartial), got.LastRunStatus)
	assert.Equal(t, "exec-partial", got.LastExecutionID)
}

func TestTriggerRunFailure(t *testing.T) {
	ms := newMockTriggerStore()
	runner := &mockRunner{err: errors.New("workflow blew up")}
	sched := newTestScheduler(ms, runner)

	addTrigger(t, ms, "t-fail", true, nil)
	sched.tick(context.Background())

	got := ms.get("t-fail")
	assert.Equal(t, "error", got.LastRunStatus)
	assert.NotNil(t, got.NextRunAt, "failed runs are still rescheduled")
	assert.True(t, got.Enabled)
}

func TestFailedResultKeepsExecutionID(t *testing.T) {
	ms := newMockTriggerStore()
	runner := &mockRunner{
		result: &schema.ExecutionResult{ExecutionID: "exec-failed", Success: false},
		err:    schema.NewError(schema.ErrCodeConfiguration, "unknown step type"),
	}
	sched := newTestScheduler(ms, runner)

	addTrigger(t, ms, "t-1", true, nil)
	sched.tick(context.Background())

	got := ms.get("t-1")
	assert.Equal(t, string(schema.ExecutionFailed), got.LastRunStatus)
	assert.Equal(t, "exec-failed", got.LastExecutionID)
}

func TestUnparseableCronDisablesTrigger(t *testing.T) {
	ms := newMockTriggerStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)

	require.NoError(t, ms.CreateScheduledTrigger(context.Background(), &store.ScheduledTrigger{
		ID: "t-bad", WorkflowID: "invoice", CronExpression: "not a cron", Enabled: true,
	}))

	sched.tick(context.Background())

	assert.Equal(t, 1, runner.callCount())
	assert.False(t, ms.get("t-bad").Enabled)

	sched.tick(context.Background())
	assert.Equal(t, 1, runner.callCount())
}

func TestUnparseableCronDisableFailureIsReported(t *testing.T) {
	ms := newMockTriggerStore()
	sched := newTestScheduler(ms, &mockRunner{})
	trigger := &store.ScheduledTrigger{ID: "t-bad", WorkflowID: "invoice", CronExpression: "not a cron", Enabled: true}
	require.NoError(t, ms.CreateScheduledTrigger(context.Background(), trigger))
	ms.updateErr = errors.New("disk I/O error")

	err := sched.runTrigger(context.Background(), trigger, time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "calculate next run")
	assert.Contains(t, err.Error(), "disable trigger")
	assert.Contains(t, err.Error(), "disk I/O error")
	assert.True(t, ms.get("t-bad").Enabled)
}

func TestTickListFailure(t *testing.T) {
	ms := newMockTriggerStore()
	ms.listErr = errors.New("database is locked")
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)

	sched.tick(context.Background())
	assert.Equal(t, 0, runner.callCount())
}

func TestMissedRecovery(t *testing.T) {
	ms := newMockTriggerStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)

	past := time.Now().UTC().Add(-2 * time.Hour)
	future := time.Now().UTC().Add(time.Hour)
	addTrigger(t, ms, "t-missed", true, &past)
	addTrigger(t, ms, "t-later", true, &future)
	addTrigger(t, ms, "t-never-run", true, nil)

	n, err := sched.RecoverMissed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, runner.callCount())
	assert.NotNil(t, ms.get("t-missed").LastRunAt)
}

func TestDedupPreventsDoubleRun(t *testing.T) {
	ms := newMockTriggerStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)

	past := time.Now().UTC().Add(-time.Hour)
	addTrigger(t, ms, "t-dedup", true, &past)

	require.True(t, sched.tryAcquire("t-dedup"))
	sched.tick(context.Background())
	assert.Equal(t, 0, runner.callCount())

	sched.releaseTrigger("t-dedup")
	sched.tick(context.Background())
	assert.Equal(t, 1, runner.callCount())
}

func TestDedupReleasedAfterTick(t *testing.T) {
	ms := newMockTriggerStore()
	sched := newTestScheduler(ms, &mockRunner{})

	addTrigger(t, ms, "t-1", true, nil)
	sched.tick(context.Background())

	sched.inflightMu.Lock()
	_, held := sched.inflight["t-1"]
	sched.inflightMu.Unlock()
	assert.False(t, held)
}

func TestMultipleTriggersSomeDue(t *testing.T) {
	ms := newMockTriggerStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)

	past := time.Now().UTC().Add(-time.Minute)
	future := time.Now().UTC().Add(time.Hour)
	addTrigger(t, ms, "t-a", true, &past)
	addTrigger(t, ms, "t-b", true, &future)
	addTrigger(t, ms, "t-c", true, &past)

	sched.tick(context.Background())
	assert.Equal(t, 2, runner.callCount())
}

func TestStartStop(t *testing.T) {
	ms := newMockTriggerStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)

	addTrigger(t, ms, "t-1", true, nil)

	require.NoError(t, sched.Start(context.Background()))
	assert.Error(t, sched.Start(context.Background()))

	assert.Eventually(t, func() bool { return runner.callCount() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, sched.Stop())
	require.NoError(t, sched.Stop())
}
