package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case got, ok := <-ch:
		require.True(t, ok, "channel closed")
		return got
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func assertEmpty(t *testing.T, ch <-chan Event) {
	t.Helper()
	select {
	case evt, ok := <-ch:
		if ok {
			t.Fatalf("unexpected event: %+v", evt)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishSubscribe(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer cancel()

	event := Event{
		ExecutionID: "exec-1",
		WorkflowID:  "invoice",
		StepID:      "send",
		Type:        EventStepSucceeded,
		Payload:     map[string]any{"attempts": 1},
	}
	require.NoError(t, hub.Publish(ctx, event))

	got := receive(t, ch)
	assert.Equal(t, event, got)
}

func TestFilterByWorkflowAndExecution(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{WorkflowID: "invoice", ExecutionID: "exec-1"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, Event{ExecutionID: "exec-1", WorkflowID: "invoice", Type: EventExecutionStarted}))
	require.NoError(t, hub.Publish(ctx, Event{ExecutionID: "exec-2", WorkflowID: "invoice", Type: EventExecutionStarted}))
	require.NoError(t, hub.Publish(ctx, Event{ExecutionID: "exec-1", WorkflowID: "refund", Type: EventExecutionStarted}))

	got := receive(t, ch)
	assert.Equal(t, "exec-1", got.ExecutionID)
	assertEmpty(t, ch)
}

func TestFilterByType(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{Types: []string{EventStepFailed, EventExecutionCompleted}})
	require.NoError(t, err)
	defer cancel()

	for _, typ := range []string{EventStepFailed, EventStepSucceeded, EventExecutionCompleted} {
		require.NoError(t, hub.Publish(ctx, Event{WorkflowID: "invoice", Type: typ}))
	}

	assert.Equal(t, EventStepFailed, receive(t, ch).Type)
	assert.Equal(t, EventExecutionCompleted, receive(t, ch).Type)
	assertEmpty(t, ch)
}

func TestMultipleSubscribers(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch1, cancel1, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer cancel1()
	ch2, cancel2, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer cancel2()

	require.NoError(t, hub.Publish(ctx, Event{WorkflowID: "invoice", Type: EventStepSucceeded}))

	for _, ch := range []<-chan Event{ch1, ch2} {
		assert.Equal(t, "invoice", receive(t, ch).WorkflowID)
	}
}

func TestCancelClosesChannel(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)

	cancel()
	cancel()

	require.NoError(t, hub.Publish(ctx, Event{WorkflowID: "invoice", Type: EventStepSucceeded}))
	_, ok := <-ch
	assert.False(t, ok)

	hub.mu.RLock()
	assert.Empty(t, hub.subs)
	hub.mu.RUnlock()
}

func TestBackpressureDropsEvents(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < defaultChannelBuffer+10; i++ {
		require.NoError(t, hub.Publish(ctx, Event{WorkflowID: "invoice", Type: EventStepSucceeded}))
	}

	drained := 0
	for len(ch) > 0 {
		<-ch
		drained++
	}
	assert.Equal(t, defaultChannelBuffer, drained)
	assert.Equal(t, uint64(10), hub.Dropped())
}

func TestCancelledContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := hub.Subscribe(ctx, Filter{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, hub.Publish(ctx, Event{}), context.Canceled)
}

func TestConcurrentAccess(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, cancel, err := hub.Subscribe(ctx, Filter{})
			if err == nil {
				cancel()
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = hub.Publish(ctx, Event{WorkflowID: "invoice", Type: EventStepSucceeded})
			}
		}()
	}
	wg.Wait()
}
