package runs

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/nodeflow/internal/engine"
	"github.com/rendis/nodeflow/internal/logging"
	"github.com/rendis/nodeflow/internal/store"
	"github.com/rendis/nodeflow/internal/validation"
	"github.com/rendis/nodeflow/pkg/schema"
)

func newTestManager(t *testing.T, deps Deps) *Manager {
	t.Helper()
	deps.Logger = logging.Discard()
	m := NewManager(deps)
	t.Cleanup(m.Shutdown)
	return m
}

func parse(t *testing.T, src string) *validation.Document {
	t.Helper()
	doc, err := validation.Parse([]byte(src), validation.FormatYAML)
	require.NoError(t, err)
	return doc
}

const greetYAML = `
id: greet
nodes:
  - id: start
    type: trigger
    subType: manual
  - id: greet
    type: action
    subType: set
    config:
      values:
        who: "{{ $json.name }}"
edges:
  - source: start
    target: greet
`

func waitDone(t *testing.T, e *engine.Engine) schema.ExecutionState {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Wait(ctx))
	return e.Snapshot()
}

func TestNewManager_Defaults(t *testing.T) {
	m := newTestManager(t, Deps{})

	assert.NotNil(t, m.Registry())
	assert.NotNil(t, m.validator)
	assert.Nil(t, m.Store())
	assert.Nil(t, m.sink)
	assert.Nil(t, m.Hub())

	handlers, err := m.Handlers()
	require.NoError(t, err)
	assert.NotEmpty(t, handlers)
}

func TestStart_Full(t *testing.T) {
	m := newTestManager(t, Deps{})

	e, err := m.Start(context.Background(), StartRequest{
		Doc:         parse(t, greetYAML),
		TriggerData: map[string]any{"name": "Ada"},
	})
	require.NoError(t, err)

	snap := waitDone(t, e)
	assert.Equal(t, "greet", snap.WorkflowID)
	assert.Equal(t, schema.ExecutionCompleted, snap.Status)
	out, ok := snap.Outputs.Get("greet")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"who": "Ada"}, out.Data)

	got, ok := m.Lookup(e.ExecutionID())
	require.True(t, ok, "without a store finished runs stay addressable")
	assert.Same(t, e, got)

	active := m.Active()
	require.Len(t, active, 1)
	assert.Equal(t, e.ExecutionID(), active[0].ExecutionID)
}

func TestStart_WorkflowIDFallbacks(t *testing.T) {
	m := newTestManager(t, Deps{})

	e, err := m.Start(context.Background(), StartRequest{Doc: parse(t, greetYAML), WorkflowID: "custom"})
	require.NoError(t, err)
	assert.Equal(t, "custom", waitDone(t, e).WorkflowID)

	anonymous := parse(t, "nodes:\n  - id: t\n    type: trigger\n    subType: manual\nedges: []\n")
	e, err = m.Start(context.Background(), StartRequest{Doc: anonymous})
	require.NoError(t, err)
	assert.Equal(t, AdhocWorkflowID, waitDone(t, e).WorkflowID)
}

func TestStart_Rejects(t *testing.T) {
	m := newTestManager(t, Deps{})
	ctx := context.Background()

	_, err := m.Start(ctx, StartRequest{})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = m.Start(ctx, StartRequest{Doc: parse(t, greetYAML), Mode: "turbo"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")

	bad := parse(t, "nodes:\n  - id: a\n    type: action\n    subType: teleport\nedges: []\n")
	_, err = m.Start(ctx, StartRequest{Doc: bad})
	var invalid *InvalidGraphError
	require.True(t, errors.As(err, &invalid))
	require.NotEmpty(t, invalid.Result.Errors)
	assert.Equal(t, schema.ErrCodeUnknownNodeType, invalid.Result.Errors[0].Code)
	assert.Contains(t, err.Error(), "invalid graph: nodes[0].subType")

	assert.Empty(t, m.Active())
}

func TestStart_StepSettles(t *testing.T) {
	m := newTestManager(t, Deps{})

	e, err := m.Start(context.Background(), StartRequest{Doc: parse(t, greetYAML), Mode: schema.ModeStep})
	require.NoError(t, err)

	snap := e.Snapshot()
	assert.Equal(t, schema.ExecutionPaused, snap.Status)
	assert.Equal(t, 1, snap.Outputs.Len())

	state, err := m.Control(context.Background(), e.ExecutionID(), schema.ControlStep)
	require.NoError(t, err)
	assert.Equal(t, 2, state.Outputs.Len())

	_, err = m.Control(context.Background(), e.ExecutionID(), schema.ControlResume)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, waitDone(t, e).Status)
}

func TestStart_ObserversAndHooks(t *testing.T) {
	m := newTestManager(t, Deps{})

	var (
		mu       sync.Mutex
		statuses []schema.ExecutionStatus
		tracked  string
	)
	released := make(chan string, 1)

	e, err := m.Start(context.Background(), StartRequest{
		Doc: parse(t, greetYAML),
		Observers: []engine.Subscriber{func(s schema.ExecutionState) {
			mu.Lock()
			statuses = append(statuses, s.Status)
			mu.Unlock()
		}},
		OnTrack: func(e *engine.Engine) {
			_, ok := m.Lookup(e.ExecutionID())
			assert.True(t, ok, "tracked before the hook runs")
			tracked = e.ExecutionID()
		},
		OnRelease: func(e *engine.Engine) { released <- e.ExecutionID() },
	})
	require.NoError(t, err)
	assert.Equal(t, e.ExecutionID(), tracked)

	select {
	case id := <-released:
		assert.Equal(t, e.ExecutionID(), id)
	case <-time.After(5 * time.Second):
		t.Fatal("release hook not called")
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(statuses) > 0 && statuses[len(statuses)-1] == schema.ExecutionCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStart_PoolShutdown(t *testing.T) {
	m := newTestManager(t, Deps{})
	m.Shutdown()

	released := make(chan struct{})
	_, err := m.Start(context.Background(), StartRequest{
		Doc:       parse(t, greetYAML),
		OnRelease: func(*engine.Engine) { close(released) },
	})
	require.ErrorIs(t, err, engine.ErrPoolShutdown)

	select {
	case <-released:
	case <-time.After(5 * time.Second):
		t.Fatal("abandoned run was not released")
	}
	assert.Empty(t, m.Active())
}

func TestStatusAndStoreFallback(t *testing.T) {
	st, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	m := newTestManager(t, Deps{Store: st})
	ctx := context.Background()

	e, err := m.Start(ctx, StartRequest{Doc: parse(t, greetYAML)})
	require.NoError(t, err)
	waitDone(t, e)

	require.Eventually(t, func() bool {
		_, live := m.Lookup(e.ExecutionID())
		return !live
	}, 5*time.Second, 10*time.Millisecond)

	status, err := m.Status(ctx, e.ExecutionID(), true)
	require.NoError(t, err)
	assert.False(t, status.Live)
	assert.Equal(t, schema.ExecutionCompleted, status.State.Status)
	require.NotEmpty(t, status.Events)
	assert.Equal(t, schema.EventExecutionStarted, status.Events[0].Type)

	_, err = m.Status(ctx, "ghost", false)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestStatus_InMemory(t *testing.T) {
	m := newTestManager(t, Deps{})

	_, err := m.Status(context.Background(), "ghost", false)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	e, err := m.Start(context.Background(), StartRequest{Doc: parse(t, greetYAML), Mode: schema.ModeStep})
	require.NoError(t, err)
	status, err := m.Status(context.Background(), e.ExecutionID(), true)
	require.NoError(t, err)
	assert.True(t, status.Live)
	assert.Empty(t, status.Events)
	assert.Equal(t, schema.ExecutionPaused, status.State.Status)
}

func TestControlAndVariableErrors(t *testing.T) {
	m := newTestManager(t, Deps{})
	ctx := context.Background()

	_, err := m.Control(ctx, "ghost", schema.ControlPause)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
	_, err = m.CreateVariable("ghost", schema.VariableRequest{NodeID: "greet", Name: "x"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	e, err := m.Start(ctx, StartRequest{Doc: parse(t, greetYAML), TriggerData: map[string]any{"name": "Ada"}})
	require.NoError(t, err)
	waitDone(t, e)

	_, err = m.Control(ctx, e.ExecutionID(), "rewind")
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = m.Control(ctx, e.ExecutionID(), schema.ControlResume)
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition))
	assert.Contains(t, err.Error(), "resume failed")

	vars, err := m.CreateVariable(e.ExecutionID(), schema.VariableRequest{NodeID: "greet", Path: "who", Name: "person"})
	require.Error(t, err, "terminal runs reject new variables")
	assert.Nil(t, vars)
}
