package mcp

import (
	"context"
	"log/slog"

	"github.com/rendis/autoflow/internal/streaming"
)

// ProgressMethod is the notification method carrying execution progress.
const ProgressMethod = "notifications/autoflow/progress"

// forwardProgress relays every hub event to connected clients until ctx is
// done or stop is called. Without a hub it does nothing.
func (s *AutoflowServer) forwardProgress(ctx context.Context) (stop func(), err error) {
	if s.events == nil {
		return func() {}, nil
	}
	ch, cancel, err := s.events.Subscribe(ctx, streaming.Filter{})
	if err != nil {
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				s.notify(ProgressMethod, progressParams(ev))
			}
		}
	}()

	return func() {
		cancel()
		<-done
		s.logger.Debug("progress forwarding stopped", slog.Bool("ctx_done", ctx.Err() != nil))
	}, nil
}

func progressParams(ev streaming.Event) map[string]any {
	params := map[string]any{
		"execution_id": ev.ExecutionID,
		"workflow_id":  ev.WorkflowID,
		"type":         ev.Type,
	}
	if ev.StepID != "" {
		params["step_id"] = ev.StepID
	}
	if ev.TestRun {
		params["test_run"] = true
	}
	for k, v := range ev.Payload {
		if _, taken := params[k]; !taken {
			params[k] = v
		}
	}
	return params
}
