package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// WorkflowDefinition is the JSON-serializable workflow format loaded from the
// workflow store. The engine treats it as immutable for one execution.
type WorkflowDefinition struct {
	ID        string         `json:"id"`
	Name      string         `json:"name,omitempty"`
	Steps     []Step         `json:"steps"`
	Variables map[string]any `json:"variables,omitempty"` // declared name -> default value
	// TriggerSchema optionally constrains trigger data (JSON Schema 2020-12).
	TriggerSchema json.RawMessage `json:"triggerSchema,omitempty"`
}

// Step describes a single unit of work in a workflow.
type Step struct {
	ID            string         `json:"id"`
	Type          StepType       `json:"type"`
	Name          string         `json:"name,omitempty"`
	Configuration map[string]any `json:"configuration,omitempty"`
	Timeout       float64        `json:"timeout,omitempty"`       // seconds per attempt, 0 = unbounded
	RetryCount    int            `json:"retryCount,omitempty"`    // extra attempts after the first
	RetryDelay    float64        `json:"retryDelay,omitempty"`    // seconds between attempts
	ParallelGroup string         `json:"parallelGroup,omitempty"` // consecutive steps sharing a group run as one batch
}

// StepType enumerates the kinds of steps in a workflow.
type StepType string

const (
	StepTypeEmail     StepType = "email"
	StepTypeWebhook   StepType = "webhook"
	StepTypeCondition StepType = "condition"
)

// RetryConfig is the richer retry policy webhook steps may carry under
// configuration.retryConfig.
type RetryConfig struct {
	MaxRetries        int     `json:"maxRetries"`
	BackoffMultiplier float64 `json:"backoffMultiplier,omitempty"`
	InitialDelay      float64 `json:"initialDelay,omitempty"` // seconds
}

// DefaultBackoffMultiplier applies when a retryConfig omits backoffMultiplier.
const DefaultBackoffMultiplier = 2.0

// Condition configuration keys.
const (
	ConfigCondition  = "condition"
	ConfigTrueSteps  = "trueSteps"
	ConfigFalseSteps = "falseSteps"
	ConfigEngine     = "engine"
	ConfigRetry      = "retryConfig"
)

// StepByID returns the step with the given id.
func (d *WorkflowDefinition) StepByID(id string) (*Step, bool) {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i], true
		}
	}
	return nil, false
}

// BranchTargets returns the set of step ids referenced by any condition
// step's trueSteps or falseSteps. Those steps only run when a branch selects them.
func (d *WorkflowDefinition) BranchTargets() (map[string]struct{}, error) {
	targets := make(map[string]struct{})
	for i := range d.Steps {
		s := &d.Steps[i]
		if s.Type != StepTypeCondition {
			continue
		}
		onTrue, onFalse, err := s.Branches()
		if err != nil {
			return nil, err
		}
		for _, id := range onTrue {
			targets[id] = struct{}{}
		}
		for _, id := range onFalse {
			targets[id] = struct{}{}
		}
	}
	return targets, nil
}

// Branches parses the trueSteps and falseSteps lists of a condition step.
func (s *Step) Branches() (onTrue, onFalse []string, err error) {
	if onTrue, err = stepIDList(s.Configuration[ConfigTrueSteps]); err != nil {
		return nil, nil, NewErrorf(ErrCodeConfiguration, "%s: %s", ConfigTrueSteps, err.Error()).WithStep(s.ID)
	}
	if onFalse, err = stepIDList(s.Configuration[ConfigFalseSteps]); err != nil {
		return nil, nil, NewErrorf(ErrCodeConfiguration, "%s: %s", ConfigFalseSteps, err.Error()).WithStep(s.ID)
	}
	return onTrue, onFalse, nil
}

// RetryConfig parses configuration.retryConfig. It returns nil when the step
// carries none. Negative retries or a multiplier below 1 are configuration errors.
func (s *Step) RetryConfig() (*RetryConfig, error) {
	raw, ok := s.Configuration[ConfigRetry]
	if !ok || raw == nil {
		return nil, nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, NewErrorf(ErrCodeConfiguration, "%s must be an object, got %T", ConfigRetry, raw).WithStep(s.ID)
	}

	rc := &RetryConfig{BackoffMultiplier: DefaultBackoffMultiplier, InitialDelay: s.RetryDelay}
	var err error
	if rc.MaxRetries, err = intField(m, "maxRetries", 0); err != nil {
		return nil, NewErrorf(ErrCodeConfiguration, "%s.maxRetries: %s", ConfigRetry, err.Error()).WithStep(s.ID)
	}
	if rc.BackoffMultiplier, err = floatField(m, "backoffMultiplier", rc.BackoffMultiplier); err != nil {
		return nil, NewErrorf(ErrCodeConfiguration, "%s.backoffMultiplier: %s", ConfigRetry, err.Error()).WithStep(s.ID)
	}
	if rc.InitialDelay, err = floatField(m, "initialDelay", rc.InitialDelay); err != nil {
		return nil, NewErrorf(ErrCodeConfiguration, "%s.initialDelay: %s", ConfigRetry, err.Error()).WithStep(s.ID)
	}

	switch {
	case rc.MaxRetries < 0:
		return nil, NewErrorf(ErrCodeConfiguration, "%s.maxRetries must be >= 0, got %d", ConfigRetry, rc.MaxRetries).WithStep(s.ID)
	case rc.BackoffMultiplier < 1:
		return nil, NewErrorf(ErrCodeConfiguration, "%s.backoffMultiplier must be >= 1, got %g", ConfigRetry, rc.BackoffMultiplier).WithStep(s.ID)
	case rc.InitialDelay < 0:
		return nil, NewErrorf(ErrCodeConfiguration, "%s.initialDelay must be >= 0, got %g", ConfigRetry, rc.InitialDelay).WithStep(s.ID)
	}
	return rc, nil
}

// TimeoutDuration returns the per-attempt timeout, 0 when unbounded.
func (s *Step) TimeoutDuration() time.Duration {
	return Seconds(s.Timeout)
}

// Seconds converts a fractional number of seconds to a time.Duration,
// saturating at the largest representable duration.
func Seconds(f float64) time.Duration {
	if f <= 0 || math.IsNaN(f) {
		return 0
	}
	ns := f * float64(time.Second)
	if ns >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(ns)
}

// stepIDList accepts a single id, a []string or a JSON-decoded []any of strings.
func stepIDList(raw any) ([]string, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case string:
		if v == "" {
			return nil, nil
		}
		return []string{v}, nil
	case []string:
		return v, nil
	case []any:
		ids := make([]string, 0, len(v))
		for i, item := range v {
			id, ok := item.(string)
			if !ok || id == "" {
				return nil, fmt.Errorf("entry %d is not a step id", i)
			}
			ids = append(ids, id)
		}
		return ids, nil
	default:
		return nil, fmt.Errorf("expected a list of step ids, got %T", raw)
	}
}

func intField(m map[string]any, key string, def int) (int, error) {
	f, err := floatField(m, key, float64(def))
	if err != nil {
		return 0, err
	}
	if f != float64(int(f)) {
		return 0, fmt.Errorf("expected an integer, got %g", f)
	}
	return int(f), nil
}

func floatField(m map[string]any, key string, def float64) (float64, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	default:
		return 0, fmt.Errorf("expected a number, got %T", v)
	}
}
