package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rendis/nodeflow/internal/runs"
	"github.com/rendis/nodeflow/internal/store"
	"github.com/rendis/nodeflow/internal/validation"
	"github.com/rendis/nodeflow/pkg/schema"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":   true,
		"pool": s.deps.Runs.Metrics(),
	})
}

func (s *Server) handleHandlers(w http.ResponseWriter, r *http.Request) {
	handlers, err := s.deps.Runs.Handlers()
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"handlers": handlers})
}

// handleValidate checks the graph in the request body.
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	doc, err := readGraph(r)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	result, err := s.deps.Runs.Validate(doc)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":    result.Valid(),
		"errors":   result.Errors,
		"warnings": result.Warnings,
	})
}

// startRunBody is the payload of POST /api/runs.
type startRunBody struct {
	Graph       json.RawMessage `json:"graph"`
	WorkflowID  string          `json:"workflow_id"`
	TriggerData any             `json:"trigger_data"`
	Mode        string          `json:"mode"`
	Wait        *bool           `json:"wait"`
}

// handleStartRun starts a graph. Full runs are awaited unless wait is false;
// step runs answer once paused after the first node.
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var body startRunBody
	if err := decodeJSON(r, &body); err != nil {
		writeBodyError(w, r, err)
		return
	}
	if len(body.Graph) == 0 || string(body.Graph) == "null" {
		writeError(w, r, http.StatusBadRequest, "graph is required")
		return
	}
	doc, err := validation.Parse(body.Graph, validation.FormatJSON)
	if err != nil {
		writeFailure(w, r, err)
		return
	}

	mode := schema.ExecutionMode(body.Mode)
	e, err := s.deps.Runs.Start(r.Context(), runs.StartRequest{
		Doc:         doc,
		WorkflowID:  body.WorkflowID,
		TriggerData: body.TriggerData,
		Mode:        mode,
	})
	if err != nil {
		writeFailure(w, r, err)
		return
	}

	status := http.StatusCreated
	if mode != schema.ModeStep {
		if body.Wait == nil || *body.Wait {
			_ = e.Wait(r.Context())
		} else {
			status = http.StatusAccepted
		}
	}
	writeJSON(w, status, e.Snapshot())
}

func (s *Server) handleListRuns(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"runs": s.deps.Runs.Active(),
		"pool": s.deps.Runs.Metrics(),
	})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	status, err := s.deps.Runs.Status(r.Context(), r.PathValue("id"), queryBool(r, "events", false))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleControl applies pause, resume, step or stop to a live run.
func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	state, err := s.deps.Runs.Control(r.Context(), r.PathValue("id"), schema.ControlAction(r.PathValue("action")))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleCreateVariable(w http.ResponseWriter, r *http.Request) {
	var body schema.VariableRequest
	if err := decodeJSON(r, &body); err != nil {
		writeBodyError(w, r, err)
		return
	}
	if body.NodeID == "" || body.Name == "" {
		writeError(w, r, http.StatusBadRequest, "node_id and name are required")
		return
	}

	id := r.PathValue("id")
	vars, err := s.deps.Runs.CreateVariable(id, body)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"execution_id": id,
		"variables":    vars,
	})
}

// --- History ---

func (s *Server) historyStore(w http.ResponseWriter, r *http.Request) (store.Store, bool) {
	st := s.deps.Runs.Store()
	if st == nil {
		writeError(w, r, http.StatusNotFound, "execution history is not persisted")
		return nil, false
	}
	return st, true
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	st, ok := s.historyStore(w, r)
	if !ok {
		return
	}
	filter := store.ExecutionFilter{
		WorkflowID: r.URL.Query().Get("workflow"),
		Limit:      queryInt(r, "limit", 50),
		Offset:     queryInt(r, "offset", 0),
	}
	if v := r.URL.Query().Get("status"); v != "" {
		status := schema.ExecutionStatus(v)
		filter.Status = &status
	}
	execs, err := st.ListExecutions(r.Context(), filter)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": execs})
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	st, ok := s.historyStore(w, r)
	if !ok {
		return
	}
	replay, err := store.NewEventLog(st).ReplayEvents(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, replay)
}

func (s *Server) handleDeleteExecution(w http.ResponseWriter, r *http.Request) {
	st, ok := s.historyStore(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	if _, live := s.deps.Runs.Lookup(id); live {
		writeError(w, r, http.StatusConflict, fmt.Sprintf("execution %s is still active", id))
		return
	}
	if err := st.DeleteExecution(r.Context(), id); err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ok": "true", "id": id})
}

// --- Schedules ---

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		writeError(w, r, http.StatusNotFound, "scheduler is not running")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": s.deps.Scheduler.Jobs()})
}

// handleUpdateSchedule enables or disables a job. Job IDs are
// "<workflow>/<node>", hence the wildcard.
func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		writeError(w, r, http.StatusNotFound, "scheduler is not running")
		return
	}
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeBodyError(w, r, err)
		return
	}
	if body.Enabled == nil {
		writeError(w, r, http.StatusBadRequest, "enabled is required")
		return
	}
	job, err := s.deps.Scheduler.SetEnabled(r.PathValue("id"), *body.Enabled)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListWebhooks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"routes": s.deps.Webhooks.Routes()})
}
