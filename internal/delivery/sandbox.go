package delivery

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/rendis/autoflow/internal/actions"
)

// Recorder is the sandbox collaborator used by test runs: it satisfies both
// EmailTransport and WebhookDelivery, records every call and sends nothing.
type Recorder struct {
	mu     sync.Mutex
	emails []actions.EmailMessage
	events []actions.WebhookEvent
}

// NewRecorder creates an empty sandbox recorder.
func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) SendEmail(_ context.Context, msg actions.EmailMessage) (*actions.EmailReceipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emails = append(r.emails, msg)
	return &actions.EmailReceipt{Success: true, MessageID: "sandbox-" + uuid.NewString()}, nil
}

func (r *Recorder) DeliverEvent(_ context.Context, ev actions.WebhookEvent) (*actions.DeliveryReceipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return &actions.DeliveryReceipt{Success: true, StatusCode: 202, Message: "recorded"}, nil
}

// Emails returns a copy of the recorded messages.
func (r *Recorder) Emails() []actions.EmailMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]actions.EmailMessage(nil), r.emails...)
}

// Events returns a copy of the recorded webhook events.
func (r *Recorder) Events() []actions.WebhookEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]actions.WebhookEvent(nil), r.events...)
}

// Reset drops everything recorded so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emails, r.events = nil, nil
}

var (
	_ actions.EmailTransport  = (*Recorder)(nil)
	_ actions.WebhookDelivery = (*Recorder)(nil)
)
