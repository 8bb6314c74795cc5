package actions

import (
	"context"
	"errors"
	"strings"

	"github.com/rendis/autoflow/pkg/schema"
)

// EmailExecutor sends email steps through an EmailTransport.
//
// Configuration: to (string or list), subject, body or html, optional text,
// cc, from and replyTo. The body fills both the html and text parts unless
// text is given explicitly.
type EmailExecutor struct {
	transport EmailTransport
}

// NewEmailExecutor creates the email step executor.
func NewEmailExecutor(transport EmailTransport) *EmailExecutor {
	return &EmailExecutor{transport: transport}
}

func (e *EmailExecutor) Type() schema.StepType { return schema.StepTypeEmail }

func (e *EmailExecutor) Validate(step schema.Step) error {
	cfg := step.Configuration
	to, err := stringListParam(cfg, "to")
	if err != nil {
		return schema.NewError(schema.ErrCodeConfiguration, "email: "+err.Error()).WithStep(step.ID)
	}
	if len(to) == 0 {
		return schema.NewError(schema.ErrCodeConfiguration, "email: missing required param 'to'").WithStep(step.ID)
	}
	if stringParam(cfg, "subject", "") == "" {
		return schema.NewError(schema.ErrCodeConfiguration, "email: missing required param 'subject'").WithStep(step.ID)
	}
	if _, err := stringListParam(cfg, "cc"); err != nil {
		return schema.NewError(schema.ErrCodeConfiguration, "email: "+err.Error()).WithStep(step.ID)
	}
	return nil
}

func (e *EmailExecutor) Run(ctx context.Context, in StepInput) (*Outcome, error) {
	if e.transport == nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "email: no email transport configured").WithStep(in.Step.ID)
	}
	msg, err := buildEmailMessage(in.Config)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "email: "+err.Error()).WithStep(in.Step.ID)
	}

	receipt, err := e.transport.SendEmail(ctx, msg)
	if err != nil {
		var afErr *schema.AutoflowError
		if errors.As(err, &afErr) {
			return nil, afErr
		}
		return nil, schema.NewError(schema.ErrCodeTransient, err.Error()).WithStep(in.Step.ID).WithCause(err)
	}
	if receipt == nil || !receipt.Success {
		return nil, schema.NewErrorf(schema.ErrCodeTransient, "email to %s was not accepted by the transport", msg.To).
			WithStep(in.Step.ID)
	}

	return &Outcome{Output: map[string]any{
		"messageId": receipt.MessageID,
		"to":        msg.To,
		"subject":   msg.Subject,
	}}, nil
}

func buildEmailMessage(cfg map[string]any) (EmailMessage, error) {
	to, err := stringListParam(cfg, "to")
	if err != nil {
		return EmailMessage{}, err
	}
	cc, err := stringListParam(cfg, "cc")
	if err != nil {
		return EmailMessage{}, err
	}

	body := stringParam(cfg, "body", "")
	html := stringParam(cfg, "html", body)
	if body == "" {
		body = html
	}

	return EmailMessage{
		To:      strings.Join(to, ", "),
		Cc:      cc,
		From:    stringParam(cfg, "from", ""),
		ReplyTo: stringParam(cfg, "replyTo", ""),
		Subject: stringParam(cfg, "subject", ""),
		HTML:    html,
		Text:    stringParam(cfg, "text", body),
	}, nil
}

var _ Executable = (*EmailExecutor)(nil)
