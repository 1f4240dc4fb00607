package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"sync"

	"github.com/rendis/nodeflow/internal/engine"
	"github.com/rendis/nodeflow/internal/runs"
	"github.com/rendis/nodeflow/internal/validation"
	"github.com/rendis/nodeflow/pkg/schema"
)

// WebhookRoute binds a method and path to a webhook trigger of a graph.
type WebhookRoute struct {
	Method     string `json:"method"`
	Path       string `json:"path"`
	WorkflowID string `json:"workflow_id"`
	NodeID     string `json:"node_id"`

	doc *validation.Document
}

// WebhookRouter maps incoming requests to the graphs registered for them.
// A route belongs to one workflow at a time.
type WebhookRouter struct {
	mu     sync.RWMutex
	routes map[string]WebhookRoute // "METHOD /path"
}

// NewWebhookRouter creates an empty router.
func NewWebhookRouter() *WebhookRouter {
	return &WebhookRouter{routes: make(map[string]WebhookRoute)}
}

// Register adds a route per webhook trigger of doc, replacing routes the
// same workflow registered earlier.
func (wr *WebhookRouter) Register(doc *validation.Document, workflowID string) ([]WebhookRoute, error) {
	if workflowID == "" {
		workflowID = doc.Graph.ID
	}
	if workflowID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "a webhook graph needs an id")
	}

	var added []WebhookRoute
	for _, n := range doc.Graph.Nodes {
		if n.Type != schema.NodeTypeTrigger || n.SubType != "webhook" {
			continue
		}
		method, _ := n.Config["method"].(string)
		path, _ := n.Config["path"].(string)
		added = append(added, WebhookRoute{
			Method:     normalizeMethod(method),
			Path:       normalizePath(path),
			WorkflowID: workflowID,
			NodeID:     n.ID,
			doc:        doc,
		})
	}
	if len(added) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "graph %s has no webhook trigger", workflowID)
	}

	wr.mu.Lock()
	defer wr.mu.Unlock()
	for _, route := range added {
		if owner, ok := wr.routes[routeKey(route.Method, route.Path)]; ok && owner.WorkflowID != workflowID {
			return nil, schema.NewErrorf(schema.ErrCodeConflict, "%s %s is already bound to workflow %s",
				route.Method, route.Path, owner.WorkflowID).WithNode(route.NodeID)
		}
	}
	wr.dropLocked(workflowID)
	for _, route := range added {
		wr.routes[routeKey(route.Method, route.Path)] = route
	}
	return added, nil
}

// Unregister removes every route of a workflow and returns how many there were.
func (wr *WebhookRouter) Unregister(workflowID string) int {
	wr.mu.Lock()
	defer wr.mu.Unlock()
	return wr.dropLocked(workflowID)
}

func (wr *WebhookRouter) dropLocked(workflowID string) int {
	removed := 0
	for key, route := range wr.routes {
		if route.WorkflowID == workflowID {
			delete(wr.routes, key)
			removed++
		}
	}
	return removed
}

// Routes lists every route ordered by path, then method.
func (wr *WebhookRouter) Routes() []WebhookRoute {
	wr.mu.RLock()
	out := make([]WebhookRoute, 0, len(wr.routes))
	for _, route := range wr.routes {
		out = append(out, route)
	}
	wr.mu.RUnlock()

	slices.SortFunc(out, func(a, b WebhookRoute) int {
		if c := strings.Compare(a.Path, b.Path); c != 0 {
			return c
		}
		return strings.Compare(a.Method, b.Method)
	})
	return out
}

func (wr *WebhookRouter) match(method, path string) (WebhookRoute, bool) {
	wr.mu.RLock()
	defer wr.mu.RUnlock()
	route, ok := wr.routes[routeKey(normalizeMethod(method), normalizePath(path))]
	return route, ok
}

// handleWebhook starts the graph bound to the request's method and path with
// the decoded body as trigger data. With ?wait=true it answers with the final
// state instead of 202.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	route, ok := s.deps.Webhooks.match(r.Method, r.PathValue("path"))
	if !ok {
		writeError(w, r, http.StatusNotFound, fmt.Sprintf("no webhook for %s /%s", r.Method, r.PathValue("path")))
		return
	}

	payload, err := decodePayload(r)
	if err != nil {
		writeBodyError(w, r, err)
		return
	}

	e, err := s.deps.Runs.Start(r.Context(), runs.StartRequest{
		Doc:         route.doc,
		WorkflowID:  route.WorkflowID,
		TriggerData: payload,
	})
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	s.deps.Logger.Info("webhook fired",
		"workflow_id", route.WorkflowID,
		"execution_id", e.ExecutionID(),
		"route", route.Method+" "+route.Path,
	)

	if queryBool(r, "wait", false) {
		_ = e.Wait(r.Context())
		writeJSON(w, http.StatusOK, e.Snapshot())
		return
	}
	writeJSON(w, http.StatusAccepted, webhookAccepted(e))
}

func webhookAccepted(e *engine.Engine) map[string]string {
	snap := e.Snapshot()
	return map[string]string{
		"workflow_id":  snap.WorkflowID,
		"execution_id": snap.ExecutionID,
	}
}

// decodePayload reads a JSON body. Other bodies are passed through as text,
// an empty body as an empty object.
func decodePayload(r *http.Request) (any, error) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return map[string]any{}, nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		if strings.Contains(r.Header.Get("Content-Type"), "json") {
			return nil, fmt.Errorf("invalid JSON body: %w", err)
		}
		return string(data), nil
	}
	return v, nil
}

func routeKey(method, path string) string {
	return method + " " + path
}

func normalizeMethod(m string) string {
	if m == "" {
		return http.MethodPost
	}
	return strings.ToUpper(m)
}

func normalizePath(p string) string {
	return "/" + strings.Trim(p, "/")
}
