package actions

import "github.com/rendis/autoflow/internal/expressions"

// Collaborators bundles the delivery primitives the built-in executors call.
type Collaborators struct {
	Email   EmailTransport
	Webhook WebhookDelivery
}

// RegisterBuiltins registers the email, webhook and condition executors.
func RegisterBuiltins(reg *Registry, collab Collaborators, conditions *expressions.ConditionEvaluator) error {
	all := []Executable{
		NewEmailExecutor(collab.Email),
		NewWebhookExecutor(collab.Webhook, expressions.NewGoJQEngine()),
		NewConditionExecutor(conditions),
	}
	for _, e := range all {
		if err := reg.Register(e); err != nil {
			return err
		}
	}
	return nil
}

// NewBuiltinRegistry returns a registry holding the built-in executors.
func NewBuiltinRegistry(collab Collaborators, conditions *expressions.ConditionEvaluator) (*Registry, error) {
	reg := NewRegistry()
	if err := RegisterBuiltins(reg, collab, conditions); err != nil {
		return nil, err
	}
	return reg, nil
}
