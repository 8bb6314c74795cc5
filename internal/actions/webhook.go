package actions

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/rendis/autoflow/internal/expressions"
	"github.com/rendis/autoflow/pkg/schema"
)

// WebhookExecutor delivers webhook steps through a WebhookDelivery.
//
// Configuration: url, optional event, method, headers, payload (object) or
// payloadMapping (jq program over the trigger data). Without a
// payload or mapping the trigger data is sent as is.
type WebhookExecutor struct {
	delivery WebhookDelivery
	jq       *expressions.GoJQEngine
}

// NewWebhookExecutor creates the webhook step executor.
func NewWebhookExecutor(delivery WebhookDelivery, jq *expressions.GoJQEngine) *WebhookExecutor {
	if jq == nil {
		jq = expressions.NewGoJQEngine()
	}
	return &WebhookExecutor{delivery: delivery, jq: jq}
}

func (e *WebhookExecutor) Type() schema.StepType { return schema.StepTypeWebhook }

func (e *WebhookExecutor) Validate(step schema.Step) error {
	cfg := step.Configuration
	rawURL := stringParam(cfg, "url", "")
	if rawURL == "" {
		return schema.NewError(schema.ErrCodeConfiguration, "webhook: missing required param 'url'").WithStep(step.ID)
	}
	if !expressions.HasPlaceholder(rawURL) {
		if err := checkURL(rawURL); err != nil {
			return schema.NewError(schema.ErrCodeConfiguration, "webhook: "+err.Error()).WithStep(step.ID)
		}
	}
	if p, ok := cfg["payload"]; ok && p != nil {
		if _, ok := p.(map[string]any); !ok {
			return schema.NewErrorf(schema.ErrCodeConfiguration, "webhook: payload must be an object, got %T", p).WithStep(step.ID)
		}
	}
	if mapping := stringParam(cfg, "payloadMapping", ""); mapping != "" {
		if err := e.jq.Compile(mapping); err != nil {
			return withStep(err, step.ID)
		}
	}
	return nil
}

func (e *WebhookExecutor) Run(ctx context.Context, in StepInput) (*Outcome, error) {
	stepID := in.Step.ID
	if e.delivery == nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "webhook: no webhook delivery configured").WithStep(stepID)
	}

	rawURL := stringParam(in.Config, "url", "")
	if err := checkURL(rawURL); err != nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "webhook: "+err.Error()).WithStep(stepID)
	}

	payload, err := e.payload(ctx, in)
	if err != nil {
		return nil, withStep(err, stepID)
	}

	ev := WebhookEvent{
		URL:     rawURL,
		Event:   stringParam(in.Config, "event", fmt.Sprintf("workflow.%s.%s", in.WorkflowID, stepID)),
		Payload: payload,
		Method:  strings.ToUpper(stringParam(in.Config, "method", "POST")),
		Headers: stringMapParam(in.Config, "headers"),
	}

	receipt, err := e.delivery.DeliverEvent(ctx, ev)
	if err != nil {
		var afErr *schema.AutoflowError
		if errors.As(err, &afErr) {
			return nil, afErr
		}
		return nil, schema.NewError(schema.ErrCodeTransient, err.Error()).WithStep(stepID).WithCause(err)
	}
	if receipt == nil || !receipt.Success {
		msg := fmt.Sprintf("webhook delivery to %s failed", ev.URL)
		if receipt != nil && receipt.StatusCode != 0 {
			msg = fmt.Sprintf("%s: status %d", msg, receipt.StatusCode)
		}
		if receipt != nil && receipt.Message != "" {
			msg = fmt.Sprintf("%s: %s", msg, receipt.Message)
		}
		return nil, schema.NewError(schema.ErrCodeTransient, msg).WithStep(stepID)
	}

	return &Outcome{Output: map[string]any{
		"url":        ev.URL,
		"event":      ev.Event,
		"statusCode": receipt.StatusCode,
	}}, nil
}

// payloadMapping is read from the raw configuration so jq syntax never goes
// through interpolation.
func (e *WebhookExecutor) payload(ctx context.Context, in StepInput) (map[string]any, error) {
	if mapping := stringParam(in.Step.Configuration, "payloadMapping", ""); mapping != "" {
		return e.jq.Transform(ctx, mapping, in.TriggerData)
	}
	if p, ok := in.Config["payload"].(map[string]any); ok {
		return p, nil
	}
	if in.TriggerData == nil {
		return map[string]any{}, nil
	}
	return in.TriggerData, nil
}

func checkURL(rawURL string) error {
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid url %q", rawURL)
	}
	return nil
}

func withStep(err error, stepID string) error {
	var afErr *schema.AutoflowError
	if errors.As(err, &afErr) && afErr.StepID == "" {
		return &schema.AutoflowError{
			Code:    afErr.Code,
			Message: afErr.Message,
			Details: afErr.Details,
			StepID:  stepID,
			Cause:   afErr.Cause,
		}
	}
	return err
}

var _ Executable = (*WebhookExecutor)(nil)
