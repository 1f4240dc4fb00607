package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/nodeflow/internal/logging"
	"github.com/rendis/nodeflow/internal/nodes"
	"github.com/rendis/nodeflow/pkg/schema"
)

// --- fixtures ---

// testHandlers holds the state shared by the in-package test handlers.
type testHandlers struct {
	mu    sync.Mutex
	ran   []string
	gate  chan struct{}
	flaky map[string]int
}

func (h *testHandlers) record(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ran = append(h.ran, id)
}

func (h *testHandlers) Ran() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.ran...)
}

// newTestRegistry returns the built-in handlers plus test handlers under
// the action type:
//
//	echo  returns config.value when set, otherwise its input
//	gate  blocks until the gate channel closes or ctx ends
//	hang  sleeps for a second ignoring ctx
//	fail  always fails with a retryable error
//	flaky fails until its config.succeedOn-th attempt
//	boom  panics
func newTestRegistry(t *testing.T) (*nodes.Registry, *testHandlers) {
	t.Helper()
	reg, err := nodes.NewBuiltinRegistry(nodes.BuiltinConfig{})
	require.NoError(t, err)

	h := &testHandlers{gate: make(chan struct{}), flaky: map[string]int{}}

	register := func(sub string, fn nodes.HandlerFunc) {
		require.NoError(t, reg.Register(schema.NodeTypeAction, sub, "test "+sub, fn))
	}
	register("echo", func(_ context.Context, in nodes.Input) (*nodes.Result, error) {
		h.record(in.Node.ID)
		if v, ok := in.Config["value"]; ok {
			return &nodes.Result{Data: v}, nil
		}
		return &nodes.Result{Data: in.Data}, nil
	})
	register("gate", func(ctx context.Context, in nodes.Input) (*nodes.Result, error) {
		h.record(in.Node.ID)
		select {
		case <-h.gate:
			return &nodes.Result{Data: map[string]any{"released": true}}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	register("hang", func(_ context.Context, in nodes.Input) (*nodes.Result, error) {
		h.record(in.Node.ID)
		time.Sleep(time.Second)
		return &nodes.Result{}, nil
	})
	register("fail", func(_ context.Context, in nodes.Input) (*nodes.Result, error) {
		h.record(in.Node.ID)
		return nil, schema.NewError(schema.ErrCodeNodeExecution, "boom")
	})
	register("flaky", func(_ context.Context, in nodes.Input) (*nodes.Result, error) {
		h.mu.Lock()
		h.flaky[in.Node.ID]++
		n := h.flaky[in.Node.ID]
		h.mu.Unlock()
		want, _ := in.Config["succeedOn"].(float64)
		if float64(n) < want {
			return nil, schema.NewErrorf(schema.ErrCodeNodeExecution, "attempt %d failed", n)
		}
		return &nodes.Result{Data: map[string]any{"attempt": float64(n)}}, nil
	})
	register("boom", func(context.Context, nodes.Input) (*nodes.Result, error) {
		panic("kaboom")
	})
	return reg, h
}

func trigger(id string) schema.Node {
	return schema.Node{ID: id, Type: schema.NodeTypeTrigger, SubType: "manual"}
}

func action(id, sub string, config map[string]any) schema.Node {
	return schema.Node{ID: id, Type: schema.NodeTypeAction, SubType: sub, Config: config}
}

func edge(src, dst string) schema.Edge {
	return schema.Edge{Source: src, Target: dst}
}

func branchEdge(src, dst, handle string) schema.Edge {
	return schema.Edge{Source: src, Target: dst, SourceHandle: handle}
}

// chain builds trigger A followed by n-1 echo nodes, each tagging its output.
func chain(n int) ([]schema.Node, []schema.Edge) {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = string(rune('A' + i))
	}
	list := []schema.Node{trigger(ids[0])}
	var edges []schema.Edge
	for i := 1; i < n; i++ {
		list = append(list, action(ids[i], "echo", map[string]any{
			"value": map[string]any{"step": float64(i), "from": "{{ $json }}"},
		}))
		edges = append(edges, edge(ids[i-1], ids[i]))
	}
	return list, edges
}

func newTestEngine(t *testing.T, list []schema.Node, edges []schema.Edge, opts ...Option) (*Engine, *testHandlers) {
	t.Helper()
	reg, h := newTestRegistry(t)
	base := []Option{
		WithRegistry(reg),
		WithLogger(logging.Discard()),
		WithTriggerData(map[string]any{"seed": 1.0}),
	}
	e, err := New("wf-test", list, edges, append(base, opts...)...)
	require.NoError(t, err)
	return e, h
}

// executeAsync runs a full execution in the background.
func executeAsync(t *testing.T, ctx context.Context, e *Engine) <-chan error {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- e.Execute(ctx, ExecuteOptions{}) }()
	return errc
}

func waitDone(t *testing.T, e *Engine) {
	t.Helper()
	select {
	case <-e.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("execution did not finish")
	}
}

func waitNodeStatus(t *testing.T, e *Engine, id string, status schema.NodeStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		o, ok := e.Snapshot().Outputs.Get(id)
		return ok && o.Status == status
	}, 5*time.Second, 5*time.Millisecond, "node %s never reached %s", id, status)
}

func output(t *testing.T, s schema.ExecutionState, id string) schema.NodeOutput {
	t.Helper()
	o, ok := s.Outputs.Get(id)
	require.True(t, ok, "no output for %s", id)
	return o
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, code), "want %s, got %v", code, err)
}

// --- construction ---

func TestNew_RejectsMalformedGraph(t *testing.T) {
	reg, _ := newTestRegistry(t)

	_, err := New("wf", []schema.Node{trigger("A"), action("B", "echo", nil)},
		[]schema.Edge{edge("A", "B"), edge("B", "A")}, WithRegistry(reg))
	requireCode(t, err, schema.ErrCodeCycleDetected)

	_, err = New("wf", []schema.Node{trigger("A")}, []schema.Edge{edge("A", "missing")}, WithRegistry(reg))
	requireCode(t, err, schema.ErrCodeGraph)
}

func TestNew_Defaults(t *testing.T) {
	e, err := New("wf", []schema.Node{trigger("A")}, nil)
	require.NoError(t, err)

	assert.Equal(t, "wf", e.WorkflowID())
	assert.NotEmpty(t, e.ExecutionID())
	assert.Equal(t, []string{"A"}, e.Graph().TopologicalOrder())

	snap := e.Snapshot()
	assert.Equal(t, schema.ExecutionIdle, snap.Status)
	assert.Equal(t, 0, snap.Outputs.Len())
	assert.Empty(t, snap.Variables)
}

func TestNew_WithExecutionID(t *testing.T) {
	list, edges := chain(2)
	e, _ := newTestEngine(t, list, edges, WithExecutionID("exec-fixed"))
	assert.Equal(t, "exec-fixed", e.ExecutionID())
	assert.Equal(t, "exec-fixed", e.Snapshot().ExecutionID)
}

// --- full runs ---

func TestExecute_CompletesEveryNode(t *testing.T) {
	for _, n := range []int{1, 2, 5} {
		t.Run(strconv.Itoa(n), func(t *testing.T) {
			list, edges := chain(n)
			e, h := newTestEngine(t, list, edges)

			require.NoError(t, e.Execute(context.Background(), ExecuteOptions{Mode: schema.ModeFull}))

			snap := e.Snapshot()
			assert.Equal(t, schema.ExecutionCompleted, snap.Status)
			assert.Equal(t, n, snap.Outputs.Len())
			for _, id := range snap.Outputs.Keys() {
				o := output(t, snap, id)
				assert.Equal(t, schema.NodeStatusCompleted, o.Status, id)
				require.NotNil(t, o.StartTime, id)
				require.NotNil(t, o.EndTime, id)
				assert.False(t, o.EndTime.Before(*o.StartTime), id)
			}
			assert.NotNil(t, snap.StartTime)
			assert.NotNil(t, snap.EndTime)
			assert.Empty(t, snap.CurrentNodeID)
			assert.Len(t, h.Ran(), n-1)
		})
	}
}

func TestExecute_DataFlowsAlongEdges(t *testing.T) {
	list, edges := chain(3)
	e, _ := newTestEngine(t, list, edges)

	require.NoError(t, e.Execute(context.Background(), ExecuteOptions{}))

	snap := e.Snapshot()
	assert.Equal(t, map[string]any{"seed": 1.0}, output(t, snap, "A").Data)
	assert.Equal(t, map[string]any{"step": 1.0, "from": map[string]any{"seed": 1.0}}, output(t, snap, "B").Data)
	assert.Equal(t, map[string]any{
		"step": 2.0,
		"from": map[string]any{"step": 1.0, "from": map[string]any{"seed": 1.0}},
	}, output(t, snap, "C").Data)
}

func TestExecute_ConditionPrunesBranch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	list := []schema.Node{
		trigger("A"),
		{ID: "B", Type: schema.NodeTypeAction, SubType: "http", Config: map[string]any{"url": srv.URL}},
		{ID: "C", Type: schema.NodeTypeLogic, SubType: schema.SubTypeCondition,
			Config: map[string]any{"value": `{{ $node["B"].json.status_code == 500 }}`}},
		action("D", "echo", nil),
		action("E", "echo", nil),
	}
	edges := []schema.Edge{
		edge("A", "B"),
		edge("B", "C"),
		branchEdge("C", "D", schema.HandleTrue),
		branchEdge("C", "E", schema.HandleFalse),
	}
	e, h := newTestEngine(t, list, edges)

	require.NoError(t, e.Execute(context.Background(), ExecuteOptions{}))

	snap := e.Snapshot()
	assert.Equal(t, schema.ExecutionCompleted, snap.Status)
	for id, want := range map[string]schema.NodeStatus{
		"A": schema.NodeStatusCompleted,
		"B": schema.NodeStatusCompleted,
		"C": schema.NodeStatusCompleted,
		"D": schema.NodeStatusSkipped,
		"E": schema.NodeStatusCompleted,
	} {
		assert.Equal(t, want, output(t, snap, id).Status, id)
	}
	assert.Equal(t, schema.HandleFalse, output(t, snap, "C").Branch)
	assert.Equal(t, []string{"E"}, h.Ran())

	body := output(t, snap, "E").Data.(map[string]any)["body"]
	assert.Equal(t, map[string]any{"ok": true}, body)
}

func TestExecute_BranchRejoins(t *testing.T) {
	list := []schema.Node{
		trigger("A"),
		{ID: "C", Type: schema.NodeTypeLogic, SubType: schema.SubTypeCondition, Config: map[string]any{"value": true}},
		action("D", "echo", map[string]any{"value": "yes"}),
		action("E", "echo", map[string]any{"value": "no"}),
		action("F", "echo", nil),
	}
	edges := []schema.Edge{
		edge("A", "C"),
		branchEdge("C", "D", schema.HandleTrue),
		branchEdge("C", "E", schema.HandleFalse),
		edge("D", "F"),
		edge("E", "F"),
	}
	e, _ := newTestEngine(t, list, edges)

	require.NoError(t, e.Execute(context.Background(), ExecuteOptions{}))

	snap := e.Snapshot()
	assert.Equal(t, schema.NodeStatusSkipped, output(t, snap, "E").Status)
	f := output(t, snap, "F")
	assert.Equal(t, schema.NodeStatusCompleted, f.Status)
	assert.Equal(t, "yes", f.Data)
}

func TestExecute_MultipleLivePredecessorsInEdgeOrder(t *testing.T) {
	list := []schema.Node{
		trigger("A"),
		action("B", "echo", map[string]any{"value": "b"}),
		action("C", "echo", map[string]any{"value": "c"}),
		action("D", "echo", nil),
	}
	edges := []schema.Edge{edge("A", "B"), edge("A", "C"), edge("C", "D"), edge("B", "D")}
	e, _ := newTestEngine(t, list, edges)

	require.NoError(t, e.Execute(context.Background(), ExecuteOptions{}))

	assert.Equal(t, []any{"c", "b"}, output(t, e.Snapshot(), "D").Data)
}

func TestExecute_SwitchSelectsCase(t *testing.T) {
	list := []schema.Node{
		trigger("A"),
		{ID: "S", Type: schema.NodeTypeLogic, SubType: schema.SubTypeSwitch, Config: map[string]any{
			"value": "{{ $json.seed }}",
			"cases": []any{0.0, 1.0},
		}},
		action("zero", "echo", nil),
		action("one", "echo", nil),
		action("other", "echo", nil),
	}
	edges := []schema.Edge{
		edge("A", "S"),
		branchEdge("S", "zero", "case-0"),
		branchEdge("S", "one", "case-1"),
		branchEdge("S", "other", schema.HandleDefault),
	}
	e, h := newTestEngine(t, list, edges)

	require.NoError(t, e.Execute(context.Background(), ExecuteOptions{}))

	snap := e.Snapshot()
	assert.Equal(t, "case-1", output(t, snap, "S").Branch)
	assert.Equal(t, schema.NodeStatusSkipped, output(t, snap, "zero").Status)
	assert.Equal(t, schema.NodeStatusSkipped, output(t, snap, "other").Status)
	assert.Equal(t, []string{"one"}, h.Ran())
}

// --- failures ---

func TestExecute_NodeTimeout(t *testing.T) {
	list := []schema.Node{trigger("A"), action("B", "hang", nil), action("C", "echo", nil)}
	list[1].TimeoutMs = 100
	e, h := newTestEngine(t, list, []schema.Edge{edge("A", "B"), edge("B", "C")})

	start := time.Now()
	require.NoError(t, e.Execute(context.Background(), ExecuteOptions{}))
	assert.Less(t, time.Since(start), 900*time.Millisecond)

	snap := e.Snapshot()
	assert.Equal(t, schema.ExecutionError, snap.Status)
	b := output(t, snap, "B")
	assert.Equal(t, schema.NodeStatusFailed, b.Status)
	assert.Equal(t, ErrTextTimeout, b.Error)
	assert.Equal(t, "node B: timeout", snap.Error)
	assert.Equal(t, schema.NodeStatusSkipped, output(t, snap, "C").Status)
	assert.Equal(t, []string{"B"}, h.Ran())
}

func TestExecute_FailureEndsRun(t *testing.T) {
	list := []schema.Node{trigger("A"), action("B", "fail", nil), action("C", "echo", nil)}
	e, _ := newTestEngine(t, list, []schema.Edge{edge("A", "B"), edge("B", "C")})

	require.NoError(t, e.Execute(context.Background(), ExecuteOptions{}))

	snap := e.Snapshot()
	assert.Equal(t, schema.ExecutionError, snap.Status)
	assert.Equal(t, "node B: boom", snap.Error)
	assert.Equal(t, "boom", output(t, snap, "B").Error)
	assert.Equal(t, 1, output(t, snap, "B").Attempts)
	assert.Equal(t, schema.NodeStatusSkipped, output(t, snap, "C").Status)
}

func TestExecute_ContinueOnError(t *testing.T) {
	list := []schema.Node{trigger("A"), action("B", "fail", nil), action("C", "echo", map[string]any{"value": "after"})}
	list[1].ContinueOnError = true
	e, _ := newTestEngine(t, list, []schema.Edge{edge("A", "B"), edge("B", "C")})

	require.NoError(t, e.Execute(context.Background(), ExecuteOptions{}))

	snap := e.Snapshot()
	assert.Equal(t, schema.ExecutionCompleted, snap.Status)
	assert.Empty(t, snap.Error)
	assert.Equal(t, schema.NodeStatusFailed, output(t, snap, "B").Status)
	assert.Equal(t, "after", output(t, snap, "C").Data)
}

func TestExecute_UnknownNodeType(t *testing.T) {
	list := []schema.Node{trigger("A"), action("B", "nope", nil)}
	e, _ := newTestEngine(t, list, []schema.Edge{edge("A", "B")})

	require.NoError(t, e.Execute(context.Background(), ExecuteOptions{}))

	snap := e.Snapshot()
	assert.Equal(t, schema.ExecutionError, snap.Status)
	b := output(t, snap, "B")
	assert.Equal(t, schema.NodeStatusFailed, b.Status)
	assert.Contains(t, b.Error, "action/nope")
	assert.Equal(t, 0, b.Attempts)
}

func TestExecute_ExpressionErrorFailsNode(t *testing.T) {
	list := []schema.Node{trigger("A"), action("B", "echo", map[string]any{"value": `{{ $node["ghost"].json.x }}`})}
	e, h := newTestEngine(t, list, []schema.Edge{edge("A", "B")})

	require.NoError(t, e.Execute(context.Background(), ExecuteOptions{}))

	snap := e.Snapshot()
	assert.Equal(t, schema.ExecutionError, snap.Status)
	assert.Equal(t, schema.NodeStatusFailed, output(t, snap, "B").Status)
	assert.Empty(t, h.Ran())
}

func TestExecute_TolerantExpressions(t *testing.T) {
	list := []schema.Node{trigger("A"), action("B", "echo", map[string]any{"value": `{{ $node["ghost"].json.x }}`})}
	list[1].TolerantExpressions = true
	e, _ := newTestEngine(t, list, []schema.Edge{edge("A", "B")})

	require.NoError(t, e.Execute(context.Background(), ExecuteOptions{}))

	snap := e.Snapshot()
	assert.Equal(t, schema.ExecutionCompleted, snap.Status)
	assert.Equal(t, "", output(t, snap, "B").Data)
}

func TestExecute_HandlerPanicFailsNode(t *testing.T) {
	list := []schema.Node{trigger("A"), action("B", "boom", nil)}
	e, _ := newTestEngine(t, list, []schema.Edge{edge("A", "B")})

	require.NoError(t, e.Execute(context.Background(), ExecuteOptions{}))

	b := output(t, e.Snapshot(), "B")
	assert.Equal(t, schema.NodeStatusFailed, b.Status)
	assert.Contains(t, b.Error, "kaboom")
}

func TestExecute_RetriesUntilSuccess(t *testing.T) {
	events := &mockAppender{}
	list := []schema.Node{trigger("A"), action("B", "flaky", map[string]any{"succeedOn": 3.0})}
	list[1].RetryCount = 2
	list[1].RetryDelayMs = 1
	e, _ := newTestEngine(t, list, []schema.Edge{edge("A", "B")}, WithEventAppender(events))

	require.NoError(t, e.Execute(context.Background(), ExecuteOptions{}))

	b := output(t, e.Snapshot(), "B")
	assert.Equal(t, schema.NodeStatusCompleted, b.Status)
	assert.Equal(t, 3, b.Attempts)
	assert.Equal(t, map[string]any{"attempt": 3.0}, b.Data)

	var retries int
	for _, typ := range events.Types() {
		if typ == schema.EventNodeRetrying {
			retries++
		}
	}
	assert.Equal(t, 2, retries)
}

func TestExecute_RetriesExhausted(t *testing.T) {
	list := []schema.Node{trigger("A"), action("B", "flaky", map[string]any{"succeedOn": 10.0})}
	list[1].RetryCount = 1
	list[1].RetryDelayMs = 1
	e, _ := newTestEngine(t, list, []schema.Edge{edge("A", "B")})

	require.NoError(t, e.Execute(context.Background(), ExecuteOptions{}))

	b := output(t, e.Snapshot(), "B")
	assert.Equal(t, schema.NodeStatusFailed, b.Status)
	assert.Equal(t, 2, b.Attempts)
	assert.Equal(t, "attempt 2 failed", b.Error)
}

func TestExecute_CircuitBreakerAcrossRuns(t *testing.T) {
	breakers := NewCircuitBreakerRegistry(CircuitBreakerConfig{FailureThreshold: 1, Cooldown: time.Hour})
	list := []schema.Node{trigger("A"), action("B", "fail", nil)}

	first, h := newTestEngine(t, list, []schema.Edge{edge("A", "B")}, WithCircuitBreaker(breakers))
	require.NoError(t, first.Execute(context.Background(), ExecuteOptions{}))
	assert.Equal(t, "boom", output(t, first.Snapshot(), "B").Error)
	assert.Equal(t, CircuitOpen, breakers.State("action/fail"))

	second, h2 := newTestEngine(t, list, []schema.Edge{edge("A", "B")}, WithCircuitBreaker(breakers))
	require.NoError(t, second.Execute(context.Background(), ExecuteOptions{}))
	b := output(t, second.Snapshot(), "B")
	assert.Equal(t, schema.NodeStatusFailed, b.Status)
	assert.Contains(t, b.Error, "circuit breaker open")

	assert.Equal(t, []string{"B"}, h.Ran())
	assert.Empty(t, h2.Ran())
}

// --- control ---

func TestExecute_InvalidMode(t *testing.T) {
	list, edges := chain(2)
	e, _ := newTestEngine(t, list, edges)
	requireCode(t, e.Execute(context.Background(), ExecuteOptions{Mode: "turbo"}), schema.ErrCodeValidation)
	assert.Equal(t, schema.ExecutionIdle, e.Snapshot().Status)
}

func TestExecute_ConcurrentIsConflict(t *testing.T) {
	list := []schema.Node{trigger("A"), action("B", "gate", nil)}
	e, h := newTestEngine(t, list, []schema.Edge{edge("A", "B")})

	errc := executeAsync(t, context.Background(), e)
	waitNodeStatus(t, e, "B", schema.NodeStatusRunning)

	requireCode(t, e.Execute(context.Background(), ExecuteOptions{}), schema.ErrCodeConflict)

	close(h.gate)
	require.NoError(t, <-errc)
	assert.Equal(t, schema.ExecutionCompleted, e.Snapshot().Status)
}

func TestExecute_TerminalCannotRestart(t *testing.T) {
	list, edges := chain(2)
	e, _ := newTestEngine(t, list, edges)
	require.NoError(t, e.Execute(context.Background(), ExecuteOptions{}))

	requireCode(t, e.Execute(context.Background(), ExecuteOptions{}), schema.ErrCodeInvalidTransition)
	requireCode(t, e.Pause(), schema.ErrCodeInvalidTransition)
	requireCode(t, e.Resume(), schema.ErrCodeInvalidTransition)
	requireCode(t, e.Stop(), schema.ErrCodeInvalidTransition)
	requireCode(t, e.StepForward(), schema.ErrCodeInvalidTransition)
}

func TestControl_InvalidFromIdle(t *testing.T) {
	list, edges := chain(2)
	e, _ := newTestEngine(t, list, edges)

	requireCode(t, e.Pause(), schema.ErrCodeInvalidTransition)
	requireCode(t, e.Resume(), schema.ErrCodeInvalidTransition)
	requireCode(t, e.Stop(), schema.ErrCodeInvalidTransition)
	assert.Equal(t, schema.ExecutionIdle, e.Snapshot().Status)
}

func TestPauseResume_MatchesFullRun(t *testing.T) {
	build := func() ([]schema.Node, []schema.Edge) {
		list := []schema.Node{
			trigger("A"),
			action("B", "gate", nil),
			action("C", "echo", map[string]any{"value": map[string]any{"prev": "{{ $json }}"}}),
			action("D", "echo", map[string]any{"value": `{{ $node["C"].json.prev.released }}`}),
		}
		return list, []schema.Edge{edge("A", "B"), edge("B", "C"), edge("C", "D")}
	}

	list, edges := build()
	ref, refHandlers := newTestEngine(t, list, edges)
	close(refHandlers.gate)
	require.NoError(t, ref.Execute(context.Background(), ExecuteOptions{}))

	list, edges = build()
	e, h := newTestEngine(t, list, edges)
	errc := executeAsync(t, context.Background(), e)
	waitNodeStatus(t, e, "B", schema.NodeStatusRunning)

	require.NoError(t, e.Pause())
	assert.Equal(t, schema.ExecutionPaused, e.Snapshot().Status)
	requireCode(t, e.Pause(), schema.ErrCodeInvalidTransition)

	// The in-flight node still finishes while paused.
	close(h.gate)
	waitNodeStatus(t, e, "B", schema.NodeStatusCompleted)
	time.Sleep(20 * time.Millisecond)
	snap := e.Snapshot()
	assert.Equal(t, schema.ExecutionPaused, snap.Status)
	_, started := snap.Outputs.Get("C")
	assert.False(t, started)

	require.NoError(t, e.Resume())
	require.NoError(t, <-errc)

	want, got := ref.Snapshot(), e.Snapshot()
	assert.Equal(t, schema.ExecutionCompleted, got.Status)
	assert.Equal(t, want.Outputs.Keys(), got.Outputs.Keys())
	for _, id := range want.Outputs.Keys() {
		assert.Equal(t, output(t, want, id).Data, output(t, got, id).Data, id)
		assert.Equal(t, output(t, want, id).Status, output(t, got, id).Status, id)
	}
	assert.Equal(t, true, output(t, got, "D").Data)
}

func TestStepForward_AfterPauseMidNode(t *testing.T) {
	list := []schema.Node{trigger("A"), action("B", "gate", nil), action("C", "echo", nil), action("D", "echo", nil)}
	e, h := newTestEngine(t, list, []schema.Edge{edge("A", "B"), edge("B", "C"), edge("C", "D")})
	errc := executeAsync(t, context.Background(), e)
	waitNodeStatus(t, e, "B", schema.NodeStatusRunning)
	require.NoError(t, e.Pause())

	stepped := make(chan error, 1)
	go func() { stepped <- e.StepForward() }()
	time.Sleep(20 * time.Millisecond)
	close(h.gate)

	select {
	case err := <-stepped:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("step did not return")
	}

	// B was already running; the step is C.
	snap := e.Snapshot()
	assert.Equal(t, schema.ExecutionPaused, snap.Status)
	assert.Equal(t, []string{"A", "B", "C"}, snap.Outputs.Keys())
	assert.Equal(t, schema.NodeStatusCompleted, output(t, snap, "C").Status)

	require.NoError(t, e.Resume())
	require.NoError(t, <-errc)
	assert.Equal(t, schema.ExecutionCompleted, e.Snapshot().Status)
}

func TestStepForward_MatchesTruncatedFullRun(t *testing.T) {
	list, edges := chain(4)
	ref, _ := newTestEngine(t, list, edges)
	require.NoError(t, ref.Execute(context.Background(), ExecuteOptions{}))
	full := ref.Snapshot()
	order := full.Outputs.Keys()

	list, edges = chain(4)
	e, _ := newTestEngine(t, list, edges)
	for step := 1; step <= 3; step++ {
		require.NoError(t, e.StepForward())
		snap := e.Snapshot()
		assert.Equal(t, schema.ExecutionPaused, snap.Status, "step %d", step)
		assert.Equal(t, schema.ModeStep, snap.Mode)
		require.Equal(t, order[:step], snap.Outputs.Keys(), "step %d", step)
		for _, id := range snap.Outputs.Keys() {
			assert.Equal(t, output(t, full, id).Data, output(t, snap, id).Data, id)
		}
	}

	require.NoError(t, e.StepForward())
	snap := e.Snapshot()
	assert.Equal(t, schema.ExecutionCompleted, snap.Status)
	assert.Equal(t, order, snap.Outputs.Keys())
}

func TestExecute_StepModeReturnsPaused(t *testing.T) {
	list, edges := chain(3)
	e, _ := newTestEngine(t, list, edges)

	require.NoError(t, e.Execute(context.Background(), ExecuteOptions{Mode: schema.ModeStep}))
	assert.Equal(t, schema.ExecutionPaused, e.Snapshot().Status)
	assert.Equal(t, []string{"A"}, e.Snapshot().Outputs.Keys())

	// Resume leaves step mode and runs to the end.
	require.NoError(t, e.Resume())
	waitDone(t, e)
	assert.Equal(t, schema.ExecutionCompleted, e.Snapshot().Status)
	assert.Equal(t, 3, e.Snapshot().Outputs.Len())
}

func TestStop_WhileNodeRunning(t *testing.T) {
	list := []schema.Node{trigger("A"), action("B", "gate", nil), action("C", "echo", nil)}
	events := &mockAppender{}
	e, h := newTestEngine(t, list, []schema.Edge{edge("A", "B"), edge("B", "C")}, WithEventAppender(events))

	errc := executeAsync(t, context.Background(), e)
	waitNodeStatus(t, e, "B", schema.NodeStatusRunning)

	require.NoError(t, e.Stop())
	require.NoError(t, <-errc)

	snap := e.Snapshot()
	assert.Equal(t, schema.ExecutionCompleted, snap.Status)
	assert.True(t, snap.Stopped)
	assert.Empty(t, snap.Error)
	assert.Equal(t, schema.NodeStatusFailed, output(t, snap, "B").Status)
	assert.Equal(t, ErrTextCancelled, output(t, snap, "B").Error)
	assert.Equal(t, schema.NodeStatusSkipped, output(t, snap, "C").Status)
	assert.Contains(t, events.Types(), schema.EventExecutionStopped)
	assert.Equal(t, []string{"B"}, h.Ran())
}

func TestStop_WhilePaused(t *testing.T) {
	list, edges := chain(3)
	e, _ := newTestEngine(t, list, edges)

	require.NoError(t, e.StepForward())
	require.NoError(t, e.Stop())
	waitDone(t, e)

	snap := e.Snapshot()
	assert.Equal(t, schema.ExecutionCompleted, snap.Status)
	assert.True(t, snap.Stopped)
	assert.Equal(t, schema.NodeStatusCompleted, output(t, snap, "A").Status)
	assert.Equal(t, schema.NodeStatusSkipped, output(t, snap, "B").Status)
	assert.Equal(t, schema.NodeStatusSkipped, output(t, snap, "C").Status)
}

func TestExecute_ContextCancelFailsRun(t *testing.T) {
	list := []schema.Node{trigger("A"), action("B", "gate", nil), action("C", "echo", nil)}
	e, _ := newTestEngine(t, list, []schema.Edge{edge("A", "B"), edge("B", "C")})

	ctx, cancel := context.WithCancel(context.Background())
	errc := executeAsync(t, ctx, e)
	waitNodeStatus(t, e, "B", schema.NodeStatusRunning)
	cancel()
	require.NoError(t, <-errc)

	snap := e.Snapshot()
	assert.Equal(t, schema.ExecutionError, snap.Status)
	assert.False(t, snap.Stopped)
	assert.Equal(t, "node B: cancelled", snap.Error)
	assert.Equal(t, schema.NodeStatusSkipped, output(t, snap, "C").Status)
}

func TestWait(t *testing.T) {
	list := []schema.Node{trigger("A"), action("B", "gate", nil)}
	e, h := newTestEngine(t, list, []schema.Edge{edge("A", "B")})
	errc := executeAsync(t, context.Background(), e)
	waitNodeStatus(t, e, "B", schema.NodeStatusRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, e.Wait(ctx), context.DeadlineExceeded)

	close(h.gate)
	require.NoError(t, e.Wait(context.Background()))
	require.NoError(t, <-errc)
}

// --- variables ---

func TestCreateVariable_SnapshotCopy(t *testing.T) {
	list := []schema.Node{
		trigger("A"),
		action("B", "echo", map[string]any{"value": map[string]any{"user": map[string]any{"name": "Ada", "tags": []any{"x"}}}}),
		action("C", "echo", map[string]any{"value": "{{ $vars.who }}"}),
	}
	e, _ := newTestEngine(t, list, []schema.Edge{edge("A", "B"), edge("B", "C")})

	require.NoError(t, e.StepForward())
	// B has not run yet: silent no-op.
	require.NoError(t, e.CreateVariable("B", "user.name", "who"))
	assert.Empty(t, e.Variables())

	require.NoError(t, e.StepForward())
	require.NoError(t, e.CreateVariable("B", "user.missing.deep", "ghost"))
	require.NoError(t, e.CreateVariable("B", "user.name", "who"))
	require.NoError(t, e.CreateVariable("B", "user", "user"))
	assert.NotContains(t, e.Variables(), "ghost")

	vars := e.Variables()
	vars["user"].(map[string]any)["name"] = "mutated"
	assert.Equal(t, "Ada", e.Variables()["user"].(map[string]any)["name"])

	require.NoError(t, e.Resume())
	waitDone(t, e)

	snap := e.Snapshot()
	assert.Equal(t, "Ada", output(t, snap, "C").Data)
	assert.Equal(t, "Ada", snap.Variables["who"])

	requireCode(t, e.CreateVariable("B", "user.name", "late"), schema.ErrCodeInvalidTransition)
}

func TestCreateVariable_Validation(t *testing.T) {
	list, edges := chain(2)
	e, _ := newTestEngine(t, list, edges)
	requireCode(t, e.CreateVariable("A", "", "  "), schema.ErrCodeValidation)
}

func TestCreateVariable_ReplacesAndEmits(t *testing.T) {
	events := &mockAppender{}
	list := []schema.Node{
		trigger("A"),
		action("B", "echo", map[string]any{"value": map[string]any{"a": 1.0, "b": 2.0}}),
		action("C", "echo", nil),
	}
	e, _ := newTestEngine(t, list, []schema.Edge{edge("A", "B"), edge("B", "C")}, WithEventAppender(events))

	require.NoError(t, e.StepForward())
	require.NoError(t, e.StepForward())
	require.NoError(t, e.CreateVariable("B", "a", "x"))
	require.NoError(t, e.CreateVariable("B", "b", "x"))
	assert.Equal(t, 2.0, e.Variables()["x"])

	var sets []*Event
	for _, ev := range events.Events() {
		if ev.Type == schema.EventVariableSet {
			sets = append(sets, ev)
		}
	}
	require.Len(t, sets, 2)
	assert.Equal(t, "x", sets[1].Payload["name"])
	assert.Equal(t, "B", sets[1].Payload["node_id"])
	assert.Equal(t, "b", sets[1].Payload["path"])
	require.NoError(t, e.Stop())
	waitDone(t, e)
}

// --- subscribers ---

func TestSubscribe_SeesTransitionsInOrder(t *testing.T) {
	list, edges := chain(3)
	e, _ := newTestEngine(t, list, edges)

	var mu sync.Mutex
	var statuses []schema.ExecutionStatus
	var lens []int
	e.Subscribe(func(s schema.ExecutionState) {
		mu.Lock()
		defer mu.Unlock()
		statuses = append(statuses, s.Status)
		lens = append(lens, s.Outputs.Len())
	})

	require.NoError(t, e.Execute(context.Background(), ExecuteOptions{}))

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, statuses)
	assert.Equal(t, schema.ExecutionRunning, statuses[0])
	assert.Equal(t, schema.ExecutionCompleted, statuses[len(statuses)-1])
	for i := 1; i < len(lens); i++ {
		assert.GreaterOrEqual(t, lens[i], lens[i-1])
	}
}

func TestSubscribe_PanicIsContained(t *testing.T) {
	list, edges := chain(2)
	e, _ := newTestEngine(t, list, edges)

	var last atomic.Value
	e.Subscribe(func(schema.ExecutionState) { panic("bad subscriber") })
	e.Subscribe(func(s schema.ExecutionState) { last.Store(s.Status) })

	require.NoError(t, e.Execute(context.Background(), ExecuteOptions{}))
	assert.Equal(t, schema.ExecutionCompleted, e.Snapshot().Status)
	assert.Equal(t, schema.ExecutionCompleted, last.Load())
}

func TestSubscribe_Unsubscribe(t *testing.T) {
	list, edges := chain(2)
	e, _ := newTestEngine(t, list, edges)

	var calls atomic.Int32
	unsubscribe := e.Subscribe(func(schema.ExecutionState) { calls.Add(1) })
	unsubscribe()
	unsubscribe()

	require.NoError(t, e.Execute(context.Background(), ExecuteOptions{}))
	assert.Zero(t, calls.Load())
}

func TestSubscribe_PauseFromCallback(t *testing.T) {
	list, edges := chain(3)
	e, _ := newTestEngine(t, list, edges)

	var once sync.Once
	e.Subscribe(func(s schema.ExecutionState) {
		if o, ok := s.Outputs.Get("B"); ok && o.Status == schema.NodeStatusCompleted && s.Status == schema.ExecutionRunning {
			once.Do(func() { _ = e.Pause() })
		}
	})

	errc := executeAsync(t, context.Background(), e)
	require.Eventually(t, func() bool {
		return e.Snapshot().Status == schema.ExecutionPaused
	}, 5*time.Second, 5*time.Millisecond)

	_, started := e.Snapshot().Outputs.Get("C")
	assert.False(t, started)

	require.NoError(t, e.Resume())
	require.NoError(t, <-errc)
	assert.Equal(t, schema.ExecutionCompleted, e.Snapshot().Status)
}

func TestSnapshot_JSONKeepsOutputOrder(t *testing.T) {
	list, edges := chain(4)
	e, _ := newTestEngine(t, list, edges)
	require.NoError(t, e.Execute(context.Background(), ExecuteOptions{}))

	snap := e.Snapshot()
	raw, err := json.Marshal(snap)
	require.NoError(t, err)

	var decoded schema.ExecutionState
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, snap.Outputs.Keys(), decoded.Outputs.Keys())
	assert.Equal(t, snap.Status, decoded.Status)
	assert.Equal(t, output(t, snap, "D").Data, output(t, decoded, "D").Data)
}

func TestSnapshot_IsIsolated(t *testing.T) {
	list, edges := chain(2)
	e, _ := newTestEngine(t, list, edges)
	require.NoError(t, e.Execute(context.Background(), ExecuteOptions{}))

	snap := e.Snapshot()
	o := output(t, snap, "A")
	o.Data.(map[string]any)["seed"] = 99.0

	assert.Equal(t, 1.0, output(t, e.Snapshot(), "A").Data.(map[string]any)["seed"])
}

func TestExecute_EmitsEvents(t *testing.T) {
	events := &mockAppender{}
	list, edges := chain(2)
	e, _ := newTestEngine(t, list, edges, WithEventAppender(events))
	require.NoError(t, e.Execute(context.Background(), ExecuteOptions{}))

	types := events.Types()
	require.NotEmpty(t, types)
	assert.Equal(t, schema.EventExecutionStarted, types[0])
	assert.Equal(t, schema.EventExecutionCompleted, types[len(types)-1])
	assert.Contains(t, types, schema.EventNodeStarted)
	assert.Contains(t, types, schema.EventNodeCompleted)
	for _, ev := range events.Events() {
		assert.Equal(t, "wf-test", ev.WorkflowID)
		assert.Equal(t, e.ExecutionID(), ev.ExecutionID)
	}
}

func TestExecute_StoreFailureIsNotFatal(t *testing.T) {
	list, edges := chain(3)
	e, _ := newTestEngine(t, list, edges, WithEventAppender(&failAppender{}))
	require.NoError(t, e.Execute(context.Background(), ExecuteOptions{}))
	assert.Equal(t, schema.ExecutionCompleted, e.Snapshot().Status)
}
