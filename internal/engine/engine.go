package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/nodeflow/internal/expressions"
	"github.com/rendis/nodeflow/internal/graph"
	"github.com/rendis/nodeflow/internal/logging"
	"github.com/rendis/nodeflow/internal/nodes"
	"github.com/rendis/nodeflow/pkg/schema"
)

// ExecuteOptions configures Execute.
type ExecuteOptions struct {
	Mode schema.ExecutionMode
}

// Option configures an Engine.
type Option func(*Engine)

// WithRegistry sets the handler registry. Defaults to the built-in handlers.
func WithRegistry(r *nodes.Registry) Option {
	return func(e *Engine) { e.registry = r }
}

// WithCredentials sets the resolver used for nodes that declare a credential.
func WithCredentials(c nodes.CredentialResolver) Option {
	return func(e *Engine) { e.credentials = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithDefaultTimeout sets the timeout of nodes without timeoutMs.
func WithDefaultTimeout(d time.Duration) Option {
	return func(e *Engine) { e.defaultTimeout = d }
}

// WithEventAppender sends transition events to a.
func WithEventAppender(a EventAppender) Option {
	return func(e *Engine) { e.events = a }
}

// WithCircuitBreaker shares a circuit breaker registry with the engine.
func WithCircuitBreaker(r *CircuitBreakerRegistry) Option {
	return func(e *Engine) { e.breakers = r }
}

// WithTriggerData sets the data entry-point nodes receive as input.
func WithTriggerData(data any) Option {
	return func(e *Engine) { e.trigger = schema.CloneValue(data) }
}

// WithExecutionID overrides the generated execution ID.
func WithExecutionID(id string) Option {
	return func(e *Engine) { e.executionID = id }
}

// Engine drives one execution of a workflow graph. A finished engine cannot
// be restarted; replaying a workflow means constructing a new Engine.
type Engine struct {
	workflowID     string
	executionID    string
	graph          *graph.Graph
	registry       *nodes.Registry
	credentials    nodes.CredentialResolver
	breakers       *CircuitBreakerRegistry
	events         EventAppender
	logger         *slog.Logger
	defaultTimeout time.Duration
	trigger        any

	sm         *StateMachine
	dispatcher *Dispatcher

	// mu guards the control fields below. It is never held while calling
	// into the state machine, whose subscribers may call back into the engine.
	mu          sync.Mutex
	started     bool
	stepping    bool
	stepPast    string // node already in flight when the step was requested
	stopping    bool
	cancelNode  context.CancelFunc
	stepWaiters []chan struct{}
	baseCtx     context.Context

	wake chan struct{}
	done chan struct{}
}

// New validates the graph and returns an idle engine. A malformed graph
// returns a GRAPH_ERROR or CYCLE_DETECTED error and no engine.
func New(workflowID string, nodeList []schema.Node, edges []schema.Edge, opts ...Option) (*Engine, error) {
	g, err := graph.New(nodeList, edges)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		workflowID:     workflowID,
		graph:          g,
		defaultTimeout: DefaultNodeTimeout,
		wake:           make(chan struct{}, 1),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.registry == nil {
		e.registry, err = nodes.NewBuiltinRegistry(nodes.BuiltinConfig{})
		if err != nil {
			return nil, err
		}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.executionID == "" {
		e.executionID = uuid.NewString()
	}

	ref := Ref{WorkflowID: workflowID, ExecutionID: e.executionID}
	e.baseCtx = logging.WithIDs(context.Background(), ref.WorkflowID, ref.ExecutionID)
	e.sm = NewStateMachine(ref, g.TopologicalOrder(), e.events, e.logger)
	e.dispatcher = NewDispatcher(DispatcherConfig{
		Registry:       e.registry,
		Credentials:    e.credentials,
		Breakers:       e.breakers,
		DefaultTimeout: e.defaultTimeout,
		Logger:         e.logger,
		Events:         e.sm.Event,
	})
	return e, nil
}

// WorkflowID returns the workflow this engine runs.
func (e *Engine) WorkflowID() string { return e.workflowID }

// ExecutionID returns the ID of this engine's execution.
func (e *Engine) ExecutionID() string { return e.executionID }

// Graph returns the validated graph.
func (e *Engine) Graph() *graph.Graph { return e.graph }

// Snapshot returns a deep copy of the current execution state.
func (e *Engine) Snapshot() schema.ExecutionState { return e.sm.Snapshot() }

// Subscribe registers fn for every state emitted after this call. Callbacks
// run synchronously on the goroutine making the transition and must not
// call StepForward or Execute.
func (e *Engine) Subscribe(fn Subscriber) (unsubscribe func()) {
	return e.sm.Subscribe(fn)
}

// Execute starts the run. In full mode it returns once the run is terminal;
// in step mode it returns after the first node, leaving the run paused.
// ctx governs the whole run: cancelling it fails the execution.
func (e *Engine) Execute(ctx context.Context, opts ExecuteOptions) error {
	mode := opts.Mode
	if mode == "" {
		mode = schema.ModeFull
	}
	if mode != schema.ModeFull && mode != schema.ModeStep {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown execution mode %q", mode)
	}

	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		if e.sm.Status().IsTerminal() {
			return schema.NewError(schema.ErrCodeInvalidTransition,
				"execution already finished; create a new engine to run again")
		}
		return schema.NewError(schema.ErrCodeConflict, "execution already in progress")
	}
	e.started = true
	e.stepping = mode == schema.ModeStep
	var firstStep chan struct{}
	if e.stepping {
		firstStep = make(chan struct{})
		e.stepWaiters = append(e.stepWaiters, firstStep)
	}
	e.mu.Unlock()

	runCtx := logging.WithIDs(ctx, e.workflowID, e.executionID)
	if err := e.sm.Start(runCtx, mode); err != nil {
		return err
	}
	e.logger.InfoContext(runCtx, "execution started", "mode", mode, "nodes", len(e.graph.Sorted))

	go e.loop(runCtx)

	if firstStep != nil {
		select {
		case <-firstStep:
		case <-e.done:
		}
		return nil
	}
	<-e.done
	return nil
}

// Wait blocks until the run is terminal or ctx is done.
func (e *Engine) Wait(ctx context.Context) error {
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the run is terminal.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Pause freezes scheduling after the in-flight node, if any, finishes.
// Valid only while running.
func (e *Engine) Pause() error {
	return e.sm.Pause(e.baseCtx)
}

// Resume continues a paused run from the next schedulable node.
func (e *Engine) Resume() error {
	if status := e.sm.Status(); status != schema.ExecutionPaused {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "cannot resume %s execution", status)
	}
	e.mu.Lock()
	e.stepping = false
	e.stepPast = ""
	e.mu.Unlock()

	if err := e.sm.Resume(e.baseCtx); err != nil {
		return err
	}
	e.signal()
	return nil
}

// StepForward runs exactly one schedulable node and returns once the run is
// paused again (or terminal). From a fresh engine it starts the run in step mode.
// A node still in flight from before the pause does not count as the step.
func (e *Engine) StepForward() error {
	switch status := e.sm.Status(); status {
	case schema.ExecutionIdle:
		return e.Execute(context.Background(), ExecuteOptions{Mode: schema.ModeStep})
	case schema.ExecutionPaused:
	default:
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "cannot step %s execution", status)
	}

	inFlight := e.sm.Snapshot().CurrentNodeID

	step := make(chan struct{})
	e.mu.Lock()
	e.stepping = true
	e.stepPast = inFlight
	e.stepWaiters = append(e.stepWaiters, step)
	e.mu.Unlock()

	if err := e.sm.Resume(e.baseCtx); err != nil {
		return err
	}
	e.signal()

	select {
	case <-step:
	case <-e.done:
	}
	return nil
}

// Stop cancels the in-flight node, skips every unstarted node and completes
// the run with stopped set. Valid while running or paused.
func (e *Engine) Stop() error {
	status := e.sm.Status()
	if status != schema.ExecutionRunning && status != schema.ExecutionPaused {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "cannot stop %s execution", status)
	}

	e.mu.Lock()
	if e.stopping {
		e.mu.Unlock()
		return nil
	}
	e.stopping = true
	cancel := e.cancelNode
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.signal()
	return nil
}

func (e *Engine) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) isStopping() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopping
}

func (e *Engine) notifySteps() {
	e.mu.Lock()
	waiters := e.stepWaiters
	e.stepWaiters = nil
	e.mu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
}

// --- run loop ---

type nodeOutcome int

const (
	nodeRan nodeOutcome = iota
	nodeDeferred
	runEnded
)

// loop is the single goroutine driving the run.
func (e *Engine) loop(ctx context.Context) {
	defer func() {
		close(e.done)
		e.notifySteps()
	}()

	for {
		if !e.awaitTurn(ctx) {
			return
		}

		id, ok := e.nextNode(ctx)
		if !ok {
			e.complete(ctx)
			return
		}

		switch e.runNode(ctx, id) {
		case runEnded:
			return
		case nodeDeferred:
			continue
		}

		if len(e.sm.Pending()) == 0 {
			e.complete(ctx)
			return
		}
		e.endStep(ctx, id)
	}
}

// awaitTurn blocks while the run is paused. It returns false once the run
// has ended.
func (e *Engine) awaitTurn(ctx context.Context) bool {
	for {
		if e.isStopping() {
			e.finishStop(ctx)
			return false
		}
		if ctx.Err() != nil {
			e.fail(ctx, "execution cancelled: "+context.Cause(ctx).Error())
			return false
		}

		switch e.sm.Status() {
		case schema.ExecutionRunning:
			return true
		case schema.ExecutionPaused:
		default:
			return false
		}

		select {
		case <-e.wake:
		case <-ctx.Done():
		}
	}
}

// nextNode returns the first pending node in topological order that can
// receive flow, skipping any that cannot.
func (e *Engine) nextNode(ctx context.Context) (string, bool) {
	for {
		pending := e.sm.Pending()
		if len(pending) == 0 {
			return "", false
		}
		id := pending[0]
		_, live := e.graph.Ready(id, e.edgeState(e.sm.Nodes()))
		if live {
			return id, true
		}
		if _, err := e.sm.Skip(ctx, []string{id}); err != nil {
			e.logger.ErrorContext(ctx, "skip failed", "node_id", id, "error", err)
			return "", false
		}
	}
}

// runNode executes one node and applies its outcome to the run.
func (e *Engine) runNode(ctx context.Context, id string) nodeOutcome {
	node := e.graph.Nodes[id]
	nctx := logging.WithNodeID(ctx, id)

	e.mu.Lock()
	if e.stopping {
		e.mu.Unlock()
		e.finishStop(ctx)
		return runEnded
	}
	runCtx, cancel := context.WithCancel(nctx)
	e.cancelNode = cancel
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.cancelNode = nil
		e.mu.Unlock()
		cancel()
	}()

	if err := e.sm.NodeBegin(nctx, id); err != nil {
		// A pause landed between scheduling and begin.
		if e.sm.Status() == schema.ExecutionPaused {
			return nodeDeferred
		}
		e.logger.ErrorContext(nctx, "node begin rejected", "error", err)
		return runEnded
	}
	e.logger.DebugContext(nctx, "node started", "type", node.Type, "sub_type", node.SubType)

	var out schema.NodeOutput
	in, err := e.buildInput(node, e.sm.Snapshot())
	if err != nil {
		out = failedOutput(err, 0)
	} else {
		out = e.dispatcher.Run(runCtx, node, in)
	}

	sctx := context.WithoutCancel(nctx)
	if err := e.sm.NodeEnd(sctx, id, out); err != nil {
		e.logger.ErrorContext(nctx, "node end rejected", "error", err)
		return runEnded
	}

	if out.Status == schema.NodeStatusFailed {
		e.logger.WarnContext(nctx, "node failed", "error", out.Error, "attempts", out.Attempts,
			"continue_on_error", node.ContinueOnError)
	} else {
		e.logger.DebugContext(nctx, "node completed", "attempts", out.Attempts, "branch", out.Branch)
	}

	if e.isStopping() {
		e.finishStop(ctx)
		return runEnded
	}
	if out.Status == schema.NodeStatusFailed && !node.ContinueOnError {
		e.fail(ctx, fmt.Sprintf("node %s: %s", id, out.Error))
		return runEnded
	}

	if unreachable := e.graph.UnreachableAfter(id, e.edgeState(e.sm.Nodes())); len(unreachable) > 0 {
		skipped, err := e.sm.Skip(sctx, unreachable)
		if err != nil {
			e.logger.ErrorContext(nctx, "skip failed", "error", err)
			return runEnded
		}
		if len(skipped) > 0 {
			e.logger.DebugContext(nctx, "branch pruned", "skipped", skipped)
		}
	}
	return nodeRan
}

// endStep pauses the run after a node when stepping.
func (e *Engine) endStep(ctx context.Context, id string) {
	e.mu.Lock()
	if e.stepping && e.stepPast == id {
		e.stepPast = ""
		e.mu.Unlock()
		return
	}
	step := e.stepping
	e.stepping = false
	e.stepPast = ""
	e.mu.Unlock()
	if !step {
		return
	}

	e.sm.Event(ctx, id, schema.EventStepTaken, nil)
	if e.sm.Status() == schema.ExecutionRunning {
		if err := e.sm.Pause(ctx); err != nil && !schema.IsCode(err, schema.ErrCodeInvalidTransition) {
			e.logger.ErrorContext(ctx, "pause after step failed", "error", err)
		}
	}
	e.notifySteps()
}

func (e *Engine) complete(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	if err := e.sm.Complete(ctx); err != nil {
		e.logger.ErrorContext(ctx, "complete rejected", "error", err)
		return
	}
	e.logger.InfoContext(ctx, "execution completed", "outputs", e.sm.Snapshot().Outputs.Len())
}

func (e *Engine) fail(ctx context.Context, msg string) {
	ctx = context.WithoutCancel(ctx)
	if err := e.sm.Fail(ctx, msg); err != nil {
		e.logger.ErrorContext(ctx, "fail rejected", "error", err)
		return
	}
	e.logger.InfoContext(ctx, "execution failed", "error", msg)
}

func (e *Engine) finishStop(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	if err := e.sm.Stop(ctx); err != nil {
		if !e.sm.Status().IsTerminal() {
			e.logger.ErrorContext(ctx, "stop rejected", "error", err)
		}
		return
	}
	e.logger.InfoContext(ctx, "execution stopped")
}

// edgeState answers, from a node status view, whether an edge's source has
// settled and whether flow passes along the edge.
func (e *Engine) edgeState(view map[string]NodeState) graph.EdgeState {
	return func(in graph.Incoming) (settled, live bool) {
		st := view[in.Source]
		if !st.Status.IsTerminal() {
			return false, false
		}
		src := e.graph.Nodes[in.Source]
		flows := st.Status == schema.NodeStatusCompleted ||
			(st.Status == schema.NodeStatusFailed && src.ContinueOnError)
		if !flows {
			return true, false
		}
		if src.IsBranching() {
			return true, in.Handle == st.Branch
		}
		return true, true
	}
}

// buildInput gathers live predecessor data and resolves the node's config
// against the state as it is when the node begins.
func (e *Engine) buildInput(node *schema.Node, snap schema.ExecutionState) (nodes.Input, error) {
	view := make(map[string]NodeState, snap.Outputs.Len())
	outputs := make(map[string]any, snap.Outputs.Len())
	for _, id := range snap.Outputs.Keys() {
		o, _ := snap.Outputs.Get(id)
		view[id] = NodeState{Status: o.Status, Branch: o.Branch}
		if o.Status == schema.NodeStatusCompleted {
			outputs[id] = o.Data
		}
	}

	edge := e.edgeState(view)
	var sources []string
	inputs := make(map[string]any)
	for _, in := range e.graph.In[node.ID] {
		if _, live := edge(in); !live {
			continue
		}
		if _, seen := inputs[in.Source]; seen {
			continue
		}
		o, _ := snap.Outputs.Get(in.Source)
		inputs[in.Source] = o.Data
		sources = append(sources, in.Source)
	}

	var data any
	switch len(sources) {
	case 0:
		if len(e.graph.In[node.ID]) == 0 {
			data = schema.CloneValue(e.trigger)
		}
	case 1:
		data = inputs[sources[0]]
	default:
		merged := make([]any, len(sources))
		for i, src := range sources {
			merged[i] = inputs[src]
		}
		data = merged
	}

	ectx := &expressions.Context{Outputs: outputs, Variables: snap.Variables, Input: data}
	config, err := expressions.ResolveConfig(node.Config, ectx, node.TolerantExpressions)
	if err != nil {
		return nodes.Input{}, err
	}

	return nodes.Input{
		Node:      node,
		Config:    config,
		Data:      data,
		Inputs:    inputs,
		Sources:   sources,
		Variables: snap.Variables,
		Outputs:   outputs,
		Trigger:   schema.CloneValue(e.trigger),
	}, nil
}
