package engine

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/rendis/nodeflow/internal/graph"
	"github.com/rendis/nodeflow/internal/nodes"
	"github.com/rendis/nodeflow/pkg/schema"
)

// DefaultNodeTimeout applies to nodes whose timeoutMs is zero.
const DefaultNodeTimeout = 30 * time.Second

// Error texts recorded on failed outputs.
const (
	ErrTextTimeout   = "timeout"
	ErrTextCancelled = "cancelled"
)

var errTimeout = schema.NewError(schema.ErrCodeTimeout, ErrTextTimeout)

// EventFunc records a side event (retry, circuit change) for a node.
type EventFunc func(ctx context.Context, nodeID, typ string, payload map[string]any)

// DispatcherConfig wires a Dispatcher.
type DispatcherConfig struct {
	Registry       *nodes.Registry
	Credentials    nodes.CredentialResolver
	Breakers       *CircuitBreakerRegistry
	DefaultTimeout time.Duration
	Logger         *slog.Logger
	Events         EventFunc
}

// Dispatcher runs a node's handler within its timeout, retrying and
// tripping circuit breakers as configured, and turns the outcome into a
// NodeOutput. It never returns an error: every failure is recorded on the output.
type Dispatcher struct {
	registry       *nodes.Registry
	credentials    nodes.CredentialResolver
	breakers       *CircuitBreakerRegistry
	defaultTimeout time.Duration
	logger         *slog.Logger
	events         EventFunc
}

// NewDispatcher creates a Dispatcher. Registry is required.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultNodeTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Events == nil {
		cfg.Events = func(context.Context, string, string, map[string]any) {}
	}
	return &Dispatcher{
		registry:       cfg.Registry,
		credentials:    cfg.Credentials,
		breakers:       cfg.Breakers,
		defaultTimeout: cfg.DefaultTimeout,
		logger:         cfg.Logger,
		events:         cfg.Events,
	}
}

// Timeout returns the effective per-attempt timeout of n.
func (d *Dispatcher) Timeout(n *schema.Node) time.Duration {
	if n.TimeoutMs > 0 {
		return time.Duration(n.TimeoutMs) * time.Millisecond
	}
	return d.defaultTimeout
}

// Run executes node with in. Cancelling ctx (stop) yields a failed output
// with error "cancelled"; exceeding the node timeout yields "timeout".
func (d *Dispatcher) Run(ctx context.Context, node *schema.Node, in nodes.Input) schema.NodeOutput {
	handler, err := d.registry.Get(node.Type, node.SubType)
	if err != nil {
		return failedOutput(err, 0)
	}

	if node.Credential != "" && in.Credential == nil {
		cred, err := d.resolveCredential(ctx, node)
		if err != nil {
			return failedOutput(err, 0)
		}
		in.Credential = cred
	}

	key := CircuitKey(node)
	policy := RetryPolicyFor(node)
	timeout := d.Timeout(node)

	var lastErr error
	attempts := 0
	for attempts < policy.MaxAttempts {
		if ctx.Err() != nil {
			return cancelledOutput(attempts)
		}
		if d.breakers != nil {
			trial, err := d.breakers.Admit(key)
			if err != nil {
				return failedOutput(err, attempts)
			}
			if trial {
				d.events(ctx, node.ID, schema.EventCircuitBreakerHalfOpen, d.breakers.Stats(key).Payload())
			}
		}

		attempts++
		res, err := d.attempt(ctx, handler, in, timeout)
		if err == nil {
			d.recordSuccess(ctx, node.ID, key)
			return d.success(node, res, attempts)
		}
		if ctx.Err() != nil {
			return cancelledOutput(attempts)
		}

		lastErr = err
		d.recordFailure(ctx, node.ID, key)
		if attempts >= policy.MaxAttempts || !IsRetryableError(err) {
			break
		}

		delay := ComputeBackoff(policy, attempts-1)
		d.logger.WarnContext(ctx, "node attempt failed, retrying",
			"attempt", attempts, "max_attempts", policy.MaxAttempts, "delay", delay, "error", err)
		d.events(ctx, node.ID, schema.EventNodeRetrying, map[string]any{
			"attempt":  attempts,
			"delay_ms": delay.Milliseconds(),
			"error":    errorText(err),
		})
		if err := WaitForBackoff(ctx, delay); err != nil {
			return cancelledOutput(attempts)
		}
	}
	return failedOutput(lastErr, attempts)
}

type attemptOutcome struct {
	res *nodes.Result
	err error
}

// attempt runs the handler on its own goroutine so that a handler ignoring
// its context still cannot outlive the timeout.
func (d *Dispatcher) attempt(ctx context.Context, h nodes.Handler, in nodes.Input, timeout time.Duration) (*nodes.Result, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan attemptOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- attemptOutcome{err: schema.NewErrorf(schema.ErrCodeNodeExecution, "handler panicked: %v", r)}
			}
		}()
		res, err := h.Run(actx, in)
		done <- attemptOutcome{res: res, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
			return nil, errTimeout
		}
		return o.res, o.err
	case <-actx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errTimeout
	}
}

func (d *Dispatcher) success(node *schema.Node, res *nodes.Result, attempts int) schema.NodeOutput {
	out := schema.NodeOutput{Status: schema.NodeStatusCompleted, Attempts: attempts}
	if res == nil {
		res = &nodes.Result{}
	}
	if node.IsBranching() {
		if !slices.Contains(graph.BranchHandles(node), res.Branch) {
			err := schema.NewErrorf(schema.ErrCodeNodeExecution, "handler selected unknown branch %q", res.Branch).WithNode(node.ID)
			return failedOutput(err, attempts)
		}
		out.Branch = res.Branch
	}
	out.Data = schema.CloneValue(res.Data)
	return out
}

func (d *Dispatcher) resolveCredential(ctx context.Context, node *schema.Node) ([]byte, error) {
	if d.credentials == nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"node requires credential %q but no credential resolver is configured", node.Credential).WithNode(node.ID)
	}
	cred, err := d.credentials.Resolve(ctx, node.Credential)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNodeExecution, "resolve credential %q: %s", node.Credential, err.Error()).
			WithNode(node.ID).WithCause(err)
	}
	return cred, nil
}

func (d *Dispatcher) recordSuccess(ctx context.Context, nodeID, key string) {
	if d.breakers == nil {
		return
	}
	if d.breakers.Report(key, true).Changed() {
		d.events(ctx, nodeID, schema.EventCircuitBreakerClosed, d.breakers.Stats(key).Payload())
	}
}

func (d *Dispatcher) recordFailure(ctx context.Context, nodeID, key string) {
	if d.breakers == nil {
		return
	}
	if tr := d.breakers.Report(key, false); tr.Changed() && tr.To == CircuitOpen {
		d.logger.WarnContext(ctx, "circuit breaker open", "handler", key, "from", tr.From.String())
		d.events(ctx, nodeID, schema.EventCircuitBreakerOpen, d.breakers.Stats(key).Payload())
	}
}

func failedOutput(err error, attempts int) schema.NodeOutput {
	return schema.NodeOutput{Status: schema.NodeStatusFailed, Error: errorText(err), Attempts: attempts}
}

func cancelledOutput(attempts int) schema.NodeOutput {
	return schema.NodeOutput{Status: schema.NodeStatusFailed, Error: ErrTextCancelled, Attempts: attempts}
}

// errorText is the human-readable message stored on a failed output.
func errorText(err error) string {
	if err == nil {
		return "unknown error"
	}
	var nfErr *schema.NodeflowError
	if errors.As(err, &nfErr) {
		return nfErr.Message
	}
	return err.Error()
}
