package main

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/autoflow/internal/delivery"
	"github.com/rendis/autoflow/internal/httpapi"
	"github.com/rendis/autoflow/internal/logging"
	"github.com/rendis/autoflow/pkg/schema"
)

// receiver records signed webhook deliveries and fails requests to /fail.
type receiver struct {
	mu       sync.Mutex
	secret   string
	payloads []map[string]any
	badSigs  int
}

func (rc *receiver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	ts, _ := strconv.ParseInt(r.Header.Get(delivery.HeaderTimestamp), 10, 64)

	rc.mu.Lock()
	defer rc.mu.Unlock()
	if !delivery.Verify(rc.secret, ts, body, r.Header.Get(delivery.HeaderSignature)) {
		rc.badSigs++
	}
	var env struct {
		Payload map[string]any `json:"payload"`
	}
	_ = json.Unmarshal(body, &env)
	rc.payloads = append(rc.payloads, env.Payload)

	if r.URL.Path == "/fail" {
		http.Error(w, "downstream unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func approvalWorkflow(base string) *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		ID:   "approval",
		Name: "Approval Routing",
		Steps: []schema.Step{
			{ID: "notify", Type: schema.StepTypeWebhook, Configuration: map[string]any{
				"url":     base + "/ok",
				"payload": map[string]any{"order": "{{orderId}}"},
			}},
			{ID: "check", Type: schema.StepTypeCondition, Configuration: map[string]any{
				schema.ConfigCondition:  "amount > 1000",
				schema.ConfigTrueSteps:  []any{"escalate"},
				schema.ConfigFalseSteps: []any{"archive"},
			}},
			{ID: "escalate", Type: schema.StepTypeWebhook, Configuration: map[string]any{"url": base + "/fail"}},
			{ID: "archive", Type: schema.StepTypeWebhook, Configuration: map[string]any{"url": base + "/ok"}},
		},
	}
}

func TestApp_ExecuteEndToEnd(t *testing.T) {
	rc := &receiver{secret: "whsec"}
	hooks := httptest.NewServer(rc)
	defer hooks.Close()

	cfg := defaultConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "autoflow.db")
	cfg.Webhook.Secret = "whsec"
	cfg.Scheduler = false

	a, err := buildApp(t.Context(), cfg, logging.Discard())
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.store.SaveWorkflow(t.Context(), approvalWorkflow(hooks.URL)))

	res, err := a.executor.ExecuteWorkflow(t.Context(), "approval", map[string]any{"orderId": "A-7", "amount": 2500.0}, "u-1")
	require.NoError(t, err)

	// The escalate webhook fails, the rest succeed: partial success.
	assert.True(t, res.Success)
	assert.Equal(t, schema.ExecutionPartial, res.Status())
	ids := make([]string, 0, len(res.Steps))
	for _, sr := range res.Steps {
		ids = append(ids, sr.StepID)
	}
	assert.Equal(t, []string{"notify", "check", "escalate"}, ids)

	rc.mu.Lock()
	assert.Zero(t, rc.badSigs)
	require.NotEmpty(t, rc.payloads)
	assert.Equal(t, "A-7", rc.payloads[0]["order"])
	rc.mu.Unlock()

	stored, err := a.store.GetExecution(t.Context(), res.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, "u-1", stored.UserID)
	assert.Len(t, stored.Steps, 3)

	// The same execution is visible through the HTTP API.
	api := httptest.NewServer(httpapi.NewServer(httpapi.Deps{Store: a.store, Executor: a.executor, Hub: a.events}).Handler())
	defer api.Close()

	resp, err := http.Get(api.URL + "/api/executions/" + res.ExecutionID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var viaAPI schema.ExecutionResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&viaAPI))
	assert.Equal(t, res.ExecutionID, viaAPI.ExecutionID)
}

func TestApp_TestRunUsesSandbox(t *testing.T) {
	rc := &receiver{secret: "whsec"}
	hooks := httptest.NewServer(rc)
	defer hooks.Close()

	cfg := defaultConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "autoflow.db")

	a, err := buildApp(t.Context(), cfg, logging.Discard())
	require.NoError(t, err)
	defer a.Close()
	require.NoError(t, a.store.SaveWorkflow(t.Context(), approvalWorkflow(hooks.URL)))

	res, err := a.executor.TestWorkflow(t.Context(), "approval", map[string]any{"orderId": "A-8", "amount": 10.0})
	require.NoError(t, err)
	assert.True(t, res.TestRun)
	assert.Equal(t, schema.ExecutionSucceeded, res.Status())

	rc.mu.Lock()
	assert.Empty(t, rc.payloads, "test runs must not reach real endpoints")
	rc.mu.Unlock()
}

func TestImportExampleDefinitions(t *testing.T) {
	cfg := defaultConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "autoflow.db")

	require.NoError(t, runImport(t.Context(), cfg, logging.Discard(), filepath.Join("..", "..", "examples", "definitions")))

	a, err := buildApp(t.Context(), cfg, logging.Discard())
	require.NoError(t, err)
	defer a.Close()
	for _, id := range []string{"invoice-notification", "approval-routing", "order-fanout"} {
		def, err := a.store.GetWorkflow(t.Context(), id)
		require.NoError(t, err, id)
		require.NotNil(t, def, id)
		assert.NotEmpty(t, def.Steps, id)
	}
}
