package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/moogar0880/problems"

	"github.com/rendis/nodeflow/internal/engine"
	"github.com/rendis/nodeflow/internal/runs"
	"github.com/rendis/nodeflow/internal/validation"
	"github.com/rendis/nodeflow/pkg/schema"
)

// DefaultMaxBodyBytes bounds request bodies unless Deps.MaxBodyBytes is set.
const DefaultMaxBodyBytes = 4 << 20

// limitBodies caps every request body. Reading past the cap fails with
// *http.MaxBytesError, which is answered with 413.
func limitBodies(next http.Handler, limit int64) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, limit)
		next.ServeHTTP(w, r)
	})
}

func decodeJSON(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err != nil && !isTooLarge(err) {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return err
}

// writeBodyError answers a request whose body could not be read or decoded.
func writeBodyError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusBadRequest
	if isTooLarge(err) {
		status = http.StatusRequestEntityTooLarge
	}
	writeError(w, r, status, err.Error())
}

func isTooLarge(err error) bool {
	var tooLarge *http.MaxBytesError
	return errors.As(err, &tooLarge)
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// graphProblem is the problem document for a graph that failed validation.
type graphProblem struct {
	*problems.DefaultProblem
	Errors   []schema.ValidationIssue `json:"errors"`
	Warnings []schema.ValidationIssue `json:"warnings,omitempty"`
}

// writeError writes an RFC 7807 problem whose type follows the status code.
func writeError(w http.ResponseWriter, r *http.Request, status int, detail string) {
	writeProblem(w, status, newProblem(r, status, problemType(status), detail))
}

// writeFailure maps err to a problem document. Engine errors keep their code
// as the problem type; invalid graphs carry their report.
func writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	var invalid *runs.InvalidGraphError
	if errors.As(err, &invalid) {
		status := http.StatusUnprocessableEntity
		writeProblem(w, status, graphProblem{
			DefaultProblem: newProblem(r, status, "invalid_graph", err.Error()),
			Errors:         invalid.Result.Errors,
			Warnings:       invalid.Result.Warnings,
		})
		return
	}

	status := statusFor(err)
	typ := problemType(status)
	var nfErr *schema.NodeflowError
	if errors.As(err, &nfErr) {
		typ = strings.ToLower(nfErr.Code)
	}
	writeProblem(w, status, newProblem(r, status, typ, err.Error()))
}

func newProblem(r *http.Request, status int, typ, detail string) *problems.DefaultProblem {
	return problems.NewStatusProblem(status).
		WithInstance(r.URL.Path).
		WithType(typ).
		WithDetail(detail)
}

func writeProblem(w http.ResponseWriter, status int, problem any) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(problem)
}

func problemType(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusRequestEntityTooLarge:
		return "payload_too_large"
	case http.StatusServiceUnavailable:
		return "unavailable"
	default:
		return "internal_error"
	}
}

func statusFor(err error) int {
	var nfErr *schema.NodeflowError
	switch {
	case errors.Is(err, engine.ErrPoolShutdown):
		return http.StatusServiceUnavailable
	case isTooLarge(err):
		return http.StatusRequestEntityTooLarge
	case !errors.As(err, &nfErr):
		return http.StatusInternalServerError
	}
	switch nfErr.Code {
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeValidation, schema.ErrCodeGraph:
		return http.StatusBadRequest
	case schema.ErrCodeInvalidTransition, schema.ErrCodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// queryInt extracts an integer query param with a default value.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// queryBool extracts a boolean query param with a default value.
func queryBool(r *http.Request, key string, def bool) bool {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// readGraph parses the request body as a graph document, YAML when the
// content type says so.
func readGraph(r *http.Request) (*validation.Document, error) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("read graph: %w", err)
	}
	return validation.Parse(data, formatFor(r))
}

func formatFor(r *http.Request) validation.Format {
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mt {
	case "application/yaml", "application/x-yaml", "text/yaml":
		return validation.FormatYAML
	default:
		return validation.FormatJSON
	}
}
