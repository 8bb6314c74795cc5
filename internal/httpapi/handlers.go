package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rendis/autoflow/internal/diagram"
	"github.com/rendis/autoflow/internal/store"
	"github.com/rendis/autoflow/pkg/schema"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleWorkflows(w http.ResponseWriter, r *http.Request) {
	records, err := s.deps.Store.ListWorkflows(r.Context(), store.WorkflowFilter{
		NamePrefix: r.URL.Query().Get("name_prefix"),
		Limit:      queryInt(r, "limit", 50),
		Offset:     queryInt(r, "offset", 0),
	})
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	for _, rec := range records {
		rec.Definition = nil
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": records})
}

func (s *Server) handleWorkflow(w http.ResponseWriter, r *http.Request) {
	def, err := s.deps.Store.GetWorkflow(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

// handleDiagram renders ?format=ascii|mermaid|image, with the step outcomes of
// ?execution_id overlaid. Images are returned as raw PNG.
func (s *Server) handleDiagram(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	def, err := s.deps.Store.GetWorkflow(ctx, r.PathValue("id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	var res *schema.ExecutionResult
	if id := r.URL.Query().Get("execution_id"); id != "" {
		if res, err = s.deps.Store.GetExecution(ctx, id); err != nil {
			s.writeErr(w, r, err)
			return
		}
		if res.WorkflowID != def.ID {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("execution %s belongs to workflow %s", id, res.WorkflowID))
			return
		}
	}

	model, err := diagram.Build(def, res)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	switch format := r.URL.Query().Get("format"); format {
	case "", "ascii":
		writeText(w, diagram.RenderASCII(model))
	case "mermaid":
		writeText(w, diagram.RenderMermaid(model))
	case "image":
		png, imgErr := diagram.RenderImage(ctx, model)
		if imgErr != nil {
			s.writeErr(w, r, imgErr)
			return
		}
		if r.URL.Query().Get("encoding") == "base64" {
			writeText(w, base64.StdEncoding.EncodeToString(png))
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(png)
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported format %q", format))
	}
}

type triggerRequest struct {
	TriggerData map[string]any `json:"trigger_data"`
	UserID      string         `json:"user_id"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var body triggerRequest
	if !decodeBody(w, r, &body) {
		return
	}
	res, err := s.deps.Executor.ExecuteWorkflow(r.Context(), r.PathValue("id"), body.TriggerData, body.UserID)
	s.writeExecution(w, r, res, err)
}

func (s *Server) handleTest(w http.ResponseWriter, r *http.Request) {
	var body triggerRequest
	if !decodeBody(w, r, &body) {
		return
	}
	res, err := s.deps.Executor.TestWorkflow(r.Context(), r.PathValue("id"), body.TriggerData)
	s.writeExecution(w, r, res, err)
}

// writeExecution answers a run. A fatal error still carries the failed
// result so the caller gets the execution id.
func (s *Server) writeExecution(w http.ResponseWriter, r *http.Request, res *schema.ExecutionResult, err error) {
	if err == nil {
		writeJSON(w, http.StatusOK, res)
		return
	}
	if res == nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, statusFor(err), map[string]any{"error": err.Error(), "result": res})
}

func (s *Server) handleExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ExecutionFilter{
		WorkflowID: q.Get("workflow_id"),
		UserID:     q.Get("user_id"),
		Limit:      queryInt(r, "limit", 50),
	}
	if status := q.Get("status"); status != "" {
		switch st := schema.ExecutionStatus(status); st {
		case schema.ExecutionSucceeded, schema.ExecutionPartial, schema.ExecutionFailed:
			filter.Status = st
		default:
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", status))
			return
		}
	}
	switch q.Get("test_run") {
	case "":
	case "true":
		filter.TestRun = new(bool)
		*filter.TestRun = true
	case "false":
		filter.TestRun = new(bool)
	default:
		writeError(w, http.StatusBadRequest, "test_run must be true or false")
		return
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		filter.Since = &t
	}

	executions, err := s.deps.Store.ListExecutions(r.Context(), filter)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": executions})
}

func (s *Server) handleExecution(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Store.GetExecution(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// decodeBody reads an optional JSON body. An empty body leaves v untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return false
	}
	return true
}
