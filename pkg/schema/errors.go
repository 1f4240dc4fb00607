package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeGraph             = "GRAPH_ERROR"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodeUnknownNodeType   = "UNKNOWN_NODE_TYPE"
	ErrCodeExpression        = "EXPRESSION_ERROR"
	ErrCodeNodeExecution     = "NODE_EXECUTION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeAssertionFailed   = "ASSERTION_FAILED"
)

// nonRetryableCodes never benefit from another attempt.
var nonRetryableCodes = map[string]bool{
	ErrCodeGraph:             true,
	ErrCodeCycleDetected:     true,
	ErrCodeUnknownNodeType:   true,
	ErrCodeExpression:        true,
	ErrCodeValidation:        true,
	ErrCodeInvalidTransition: true,
	ErrCodeCancelled:         true,
	ErrCodeCircuitOpen:       true,
	ErrCodeAssertionFailed:   true,
}

// NodeflowError is the structured error type for all engine operations.
type NodeflowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *NodeflowError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *NodeflowError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the error code allows another attempt.
func (e *NodeflowError) IsRetryable() bool {
	return !nonRetryableCodes[e.Code]
}

// NewError creates a new NodeflowError.
func NewError(code, message string) *NodeflowError {
	return &NodeflowError{Code: code, Message: message}
}

// NewErrorf creates a new NodeflowError with a formatted message.
func NewErrorf(code, format string, args ...any) *NodeflowError {
	return &NodeflowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *NodeflowError) WithNode(nodeID string) *NodeflowError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *NodeflowError) WithCause(err error) *NodeflowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *NodeflowError) WithDetails(details map[string]any) *NodeflowError {
	e.Details = details
	return e
}

// IsCode reports whether err is (or wraps) a NodeflowError with the given code.
func IsCode(err error, code string) bool {
	var nfErr *NodeflowError
	if errors.As(err, &nfErr) {
		return nfErr.Code == code
	}
	return false
}
