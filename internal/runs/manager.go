// Package runs owns the lifecycle of executions started through a long-lived
// surface (MCP, HTTP, the scheduler): validation, engine construction, pool
// admission, observer wiring and lookup of live or persisted runs.
package runs

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rendis/nodeflow/internal/engine"
	"github.com/rendis/nodeflow/internal/nodes"
	"github.com/rendis/nodeflow/internal/secrets"
	"github.com/rendis/nodeflow/internal/store"
	"github.com/rendis/nodeflow/internal/streaming"
	"github.com/rendis/nodeflow/internal/validation"
	"github.com/rendis/nodeflow/pkg/schema"
)

// AdhocWorkflowID names runs whose graph carries no id.
const AdhocWorkflowID = "adhoc"

// Deps holds the dependencies for creating a Manager.
// Store, Vault and Hub are optional. A nil Registry means the builtin
// handlers; a nil Validator is built from the registry.
type Deps struct {
	Pool           *engine.RunPool
	Registry       *nodes.Registry
	Validator      *validation.GraphValidator
	Store          store.Store
	Vault          secrets.Vault
	Hub            streaming.Hub
	Breakers       *engine.CircuitBreakerRegistry
	DefaultTimeout time.Duration
	Logger         *slog.Logger
}

// StartRequest describes one run to start.
type StartRequest struct {
	Doc         *validation.Document
	WorkflowID  string // default: graph id, then AdhocWorkflowID
	TriggerData any
	Mode        schema.ExecutionMode // default: full

	// Observers are subscribed before the run starts and dropped once it ends.
	Observers []engine.Subscriber
	// OnTrack runs after the engine is tracked and before it is submitted.
	OnTrack func(e *engine.Engine)
	// OnRelease runs once the run is terminal and persisted, or abandoned.
	OnRelease func(e *engine.Engine)
}

// Status is the state of a live or persisted run.
type Status struct {
	State  schema.ExecutionState `json:"state"`
	Live   bool                  `json:"live"`
	Events []*store.Event        `json:"events,omitempty"`
}

// InvalidGraphError reports a graph that failed validation.
type InvalidGraphError struct {
	Result *schema.ValidationResult
}

func (e *InvalidGraphError) Error() string {
	parts := make([]string, 0, len(e.Result.Errors))
	for _, issue := range e.Result.Errors {
		parts = append(parts, fmt.Sprintf("%s: [%s] %s", issue.Path, issue.Code, issue.Message))
	}
	return "invalid graph: " + strings.Join(parts, "; ")
}

// Manager starts runs on a bounded pool and keeps them addressable by
// execution ID. With a store, a finished run is released from memory once
// persisted and later lookups read the store.
type Manager struct {
	pool           *engine.RunPool
	registry       *nodes.Registry
	validator      *validation.GraphValidator
	store          store.Store
	sink           *store.Sink
	vault          secrets.Vault
	hub            streaming.Hub
	breakers       *engine.CircuitBreakerRegistry
	defaultTimeout time.Duration
	logger         *slog.Logger

	mu   sync.RWMutex
	runs map[string]*engine.Engine
}

// NewManager creates a Manager, filling unset dependencies with defaults.
func NewManager(deps Deps) *Manager {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	pool := deps.Pool
	if pool == nil {
		pool = engine.NewRunPool(4, logger)
	}
	breakers := deps.Breakers
	if breakers == nil {
		breakers = engine.NewCircuitBreakerRegistry(engine.DefaultCircuitBreakerConfig())
	}
	registry := deps.Registry
	if registry == nil {
		reg, err := nodes.NewBuiltinRegistry(nodes.BuiltinConfig{})
		if err != nil {
			logger.Warn("builtin node registry unavailable", "error", err)
		} else {
			registry = reg
		}
	}
	validator := deps.Validator
	if validator == nil && registry != nil {
		v, err := validation.NewGraphValidator(registry)
		if err != nil {
			logger.Warn("graph validator unavailable", "error", err)
		} else {
			validator = v
		}
	}

	m := &Manager{
		pool:           pool,
		registry:       registry,
		validator:      validator,
		store:          deps.Store,
		vault:          deps.Vault,
		hub:            deps.Hub,
		breakers:       breakers,
		defaultTimeout: deps.DefaultTimeout,
		logger:         logger,
		runs:           make(map[string]*engine.Engine),
	}
	if deps.Store != nil {
		m.sink = store.NewSink(deps.Store, logger)
	}
	return m
}

// Registry returns the node handler registry, or nil if none could be built.
func (m *Manager) Registry() *nodes.Registry { return m.registry }

// Store returns the backing store, or nil for an in-memory manager.
func (m *Manager) Store() store.Store { return m.store }

// Hub returns the update hub, or nil.
func (m *Manager) Hub() streaming.Hub { return m.hub }

// Metrics reports pool counters.
func (m *Manager) Metrics() engine.PoolMetrics { return m.pool.Metrics() }

// Validate runs every validation stage over doc.
func (m *Manager) Validate(doc *validation.Document) (*schema.ValidationResult, error) {
	if m.validator == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "graph validation is unavailable")
	}
	return m.validator.Validate(doc), nil
}

// Handlers lists the registered node types.
func (m *Manager) Handlers() ([]nodes.Info, error) {
	if m.registry == nil {
		return nil, schema.NewError(schema.ErrCodeNotFound, "node registry is unavailable")
	}
	return m.registry.List(), nil
}

// Start validates req.Doc, builds an engine and submits it to the pool.
// A full run returns as soon as it is admitted; a step run returns once the
// first node is done and the run is paused (or already terminal).
func (m *Manager) Start(ctx context.Context, req StartRequest) (*engine.Engine, error) {
	if req.Doc == nil || req.Doc.Graph == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "graph is required")
	}
	mode := req.Mode
	if mode == "" {
		mode = schema.ModeFull
	}
	if mode != schema.ModeFull && mode != schema.ModeStep {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown mode %q", mode)
	}
	if m.validator != nil {
		if result := m.validator.Validate(req.Doc); !result.Valid() {
			return nil, &InvalidGraphError{Result: result}
		}
	}

	workflowID := req.WorkflowID
	if workflowID == "" {
		workflowID = req.Doc.Graph.ID
	}
	if workflowID == "" {
		workflowID = AdhocWorkflowID
	}

	e, err := m.newEngine(workflowID, req.Doc.Graph, req.TriggerData)
	if err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}
	abandon := m.track(e, req)
	if req.OnTrack != nil {
		req.OnTrack(e)
	}

	var settled <-chan struct{}
	if mode == schema.ModeStep {
		var release func()
		settled, release = awaitSettled(e)
		defer release()
	}
	if err := m.pool.Submit(ctx, e, engine.ExecuteOptions{Mode: mode}); err != nil {
		abandon()
		return nil, fmt.Errorf("start execution: %w", err)
	}
	m.logger.Info("execution started",
		slog.String("workflow_id", workflowID),
		slog.String("execution_id", e.ExecutionID()),
		slog.String("mode", string(mode)),
	)

	if settled != nil {
		select {
		case <-settled:
		case <-ctx.Done():
		}
	}
	return e, nil
}

// Lookup returns a run still held in memory.
func (m *Manager) Lookup(executionID string) (*engine.Engine, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.runs[executionID]
	return e, ok
}

// Active returns snapshots of every run held in memory, oldest first.
func (m *Manager) Active() []schema.ExecutionState {
	m.mu.RLock()
	states := make([]schema.ExecutionState, 0, len(m.runs))
	for _, e := range m.runs {
		states = append(states, e.Snapshot())
	}
	m.mu.RUnlock()

	slices.SortFunc(states, func(a, b schema.ExecutionState) int {
		switch {
		case a.StartTime == nil && b.StartTime == nil:
			return strings.Compare(a.ExecutionID, b.ExecutionID)
		case a.StartTime == nil:
			return 1
		case b.StartTime == nil:
			return -1
		}
		return a.StartTime.Compare(*b.StartTime)
	})
	return states
}

// Status reports a live run, falling back to the store.
func (m *Manager) Status(ctx context.Context, executionID string, withEvents bool) (*Status, error) {
	var res Status
	if e, ok := m.Lookup(executionID); ok {
		res.State = e.Snapshot()
		res.Live = true
	} else if m.store != nil {
		state, err := m.store.LoadState(ctx, executionID)
		if err != nil {
			return nil, err
		}
		res.State = state
	} else {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %s not found", executionID)
	}

	if withEvents && m.store != nil {
		events, err := m.store.GetEvents(ctx, executionID, 0)
		if err != nil {
			return nil, err
		}
		res.Events = events
	}
	return &res, nil
}

// Control applies one of the control actions to a live run. Stop waits for
// the run to settle before returning.
func (m *Manager) Control(ctx context.Context, executionID string, action schema.ControlAction) (schema.ExecutionState, error) {
	e, ok := m.Lookup(executionID)
	if !ok {
		return schema.ExecutionState{}, schema.NewErrorf(schema.ErrCodeNotFound, "execution %s is not active", executionID)
	}

	var err error
	switch action {
	case schema.ControlPause:
		err = e.Pause()
	case schema.ControlResume:
		err = e.Resume()
	case schema.ControlStep:
		err = e.StepForward()
	case schema.ControlStop:
		if err = e.Stop(); err == nil {
			_ = e.Wait(ctx)
		}
	default:
		return schema.ExecutionState{}, schema.NewErrorf(schema.ErrCodeValidation, "unknown action %q", action)
	}
	if err != nil {
		return schema.ExecutionState{}, fmt.Errorf("%s failed: %w", action, err)
	}
	return e.Snapshot(), nil
}

// CreateVariable promotes a field of a node output to a named variable and
// returns the run's variables.
func (m *Manager) CreateVariable(executionID string, req schema.VariableRequest) (map[string]any, error) {
	e, ok := m.Lookup(executionID)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %s is not active", executionID)
	}
	if err := e.CreateVariable(req.NodeID, req.Path, req.Name); err != nil {
		return nil, fmt.Errorf("create variable failed: %w", err)
	}
	return e.Variables(), nil
}

// Shutdown stops every active run and waits for it to finish.
func (m *Manager) Shutdown() {
	m.pool.Shutdown()
}

func (m *Manager) newEngine(workflowID string, g *schema.WorkflowGraph, triggerData any) (*engine.Engine, error) {
	opts := []engine.Option{
		engine.WithLogger(m.logger),
		engine.WithCircuitBreaker(m.breakers),
	}
	if m.registry != nil {
		opts = append(opts, engine.WithRegistry(m.registry))
	}
	if m.vault != nil {
		opts = append(opts, engine.WithCredentials(m.vault))
	}
	if m.defaultTimeout > 0 {
		opts = append(opts, engine.WithDefaultTimeout(m.defaultTimeout))
	}
	if triggerData != nil {
		opts = append(opts, engine.WithTriggerData(triggerData))
	}

	var appenders []engine.EventAppender
	if m.sink != nil {
		appenders = append(appenders, m.sink)
	}
	if a, ok := m.hub.(engine.EventAppender); ok {
		appenders = append(appenders, a)
	}
	if len(appenders) > 0 {
		opts = append(opts, engine.WithEventAppender(engine.Fanout(appenders...)))
	}

	return engine.New(workflowID, g.Nodes, g.Edges, opts...)
}

// track registers e and wires its observers. abandon releases everything
// for a run that never started.
func (m *Manager) track(e *engine.Engine, req StartRequest) (abandon func()) {
	id := e.ExecutionID()
	m.mu.Lock()
	m.runs[id] = e
	m.mu.Unlock()

	waitSink := func() {}
	if m.sink != nil {
		waitSink = m.sink.Attach(e)
	}
	detachHub := func() {}
	if m.hub != nil {
		detachHub = streaming.Attach(m.hub, e)
	}
	unsubscribers := make([]func(), 0, len(req.Observers))
	for _, fn := range req.Observers {
		unsubscribers = append(unsubscribers, e.Subscribe(fn))
	}

	abandoned := make(chan struct{})
	go func() {
		select {
		case <-e.Done():
			waitSink()
		case <-abandoned:
		}
		detachHub()
		for _, unsubscribe := range unsubscribers {
			unsubscribe()
		}
		if req.OnRelease != nil {
			req.OnRelease(e)
		}
		if m.store != nil {
			m.untrack(id)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(abandoned)
			m.untrack(id)
		})
	}
}

func (m *Manager) untrack(executionID string) {
	m.mu.Lock()
	delete(m.runs, executionID)
	m.mu.Unlock()
}

// awaitSettled returns a channel closed once e is paused or terminal, and
// a func dropping the subscription. It must be called before the run starts.
func awaitSettled(e *engine.Engine) (<-chan struct{}, func()) {
	settled := make(chan struct{})
	var once sync.Once
	unsubscribe := e.Subscribe(func(st schema.ExecutionState) {
		if st.Status == schema.ExecutionPaused || st.Status.IsTerminal() {
			once.Do(func() { close(settled) })
		}
	})
	return settled, unsubscribe
}
