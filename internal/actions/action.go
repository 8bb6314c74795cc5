package actions

import (
	"context"

	"github.com/rendis/autoflow/pkg/schema"
)

// Executable runs one step type. Implementations are registered once at
// startup and must be safe for concurrent use.
type Executable interface {
	Type() schema.StepType
	// Validate checks the raw (not yet interpolated) step configuration.
	Validate(step schema.Step) error
	Run(ctx context.Context, in StepInput) (*Outcome, error)
}

// StepInput is the data handed to an Executable for one attempt.
type StepInput struct {
	Step schema.Step
	// Config is Step.Configuration with every string leaf interpolated.
	Config map[string]any
	// Data is variables merged with trigger data. Read-only.
	Data map[string]any
	// TriggerData is the caller's payload as supplied. Read-only.
	TriggerData map[string]any
	// StepOutputs holds the outputs of steps completed so far, keyed by step id.
	StepOutputs map[string]map[string]any

	WorkflowID  string
	ExecutionID string
	UserID      string
	TestRun     bool
}

// Outcome is what a successful Run contributes to its StepResult.
type Outcome struct {
	Output map[string]any
	// Next lists the step ids a condition step selected. Nil for other types.
	Next []string
}

// EmailMessage is the outbound call made by email steps.
type EmailMessage struct {
	To      string   `json:"to"`
	Cc      []string `json:"cc,omitempty"`
	From    string   `json:"from,omitempty"`
	ReplyTo string   `json:"replyTo,omitempty"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
	Text    string   `json:"text"`
}

// EmailReceipt is returned by the email transport.
type EmailReceipt struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId,omitempty"`
}

// EmailTransport sends a rendered email.
type EmailTransport interface {
	SendEmail(ctx context.Context, msg EmailMessage) (*EmailReceipt, error)
}

// WebhookEvent is the outbound call made by webhook steps.
type WebhookEvent struct {
	URL     string            `json:"url"`
	Event   string            `json:"event"`
	Payload map[string]any    `json:"payload"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// DeliveryReceipt is returned by the webhook delivery collaborator.
type DeliveryReceipt struct {
	Success    bool   `json:"success"`
	StatusCode int    `json:"statusCode,omitempty"`
	Message    string `json:"message,omitempty"`
}

// WebhookDelivery delivers an event to a subscriber URL. Signing is its concern.
type WebhookDelivery interface {
	DeliverEvent(ctx context.Context, ev WebhookEvent) (*DeliveryReceipt, error)
}
