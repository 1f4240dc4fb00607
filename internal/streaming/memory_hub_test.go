package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/nodeflow/internal/engine"
	"github.com/rendis/nodeflow/internal/logging"
	"github.com/rendis/nodeflow/pkg/schema"
)

func eventUpdate(wf, exec, typ string) Update {
	return Update{
		WorkflowID:  wf,
		ExecutionID: exec,
		Kind:        KindEvent,
		Event:       &engine.Event{WorkflowID: wf, ExecutionID: exec, Type: typ},
	}
}

func receive(t *testing.T, ch <-chan Update) Update {
	t.Helper()
	select {
	case got, ok := <-ch:
		require.True(t, ok, "channel closed")
		return got
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for update")
		return Update{}
	}
}

func requireEmpty(t *testing.T, ch <-chan Update) {
	t.Helper()
	select {
	case u := <-ch:
		t.Fatalf("unexpected update: %+v", u)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishSubscribe(t *testing.T) {
	hub := NewMemoryHub(0)
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, eventUpdate("wf-1", "exec-1", schema.EventNodeCompleted)))

	got := receive(t, ch)
	assert.Equal(t, "wf-1", got.WorkflowID)
	assert.Equal(t, "exec-1", got.ExecutionID)
	assert.Equal(t, schema.EventNodeCompleted, got.Event.Type)
}

func TestFilterByWorkflowAndExecution(t *testing.T) {
	hub := NewMemoryHub(0)
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{WorkflowID: "wf-1", ExecutionID: "exec-1"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, eventUpdate("wf-2", "exec-1", "tick")))
	require.NoError(t, hub.Publish(ctx, eventUpdate("wf-1", "exec-2", "tick")))
	require.NoError(t, hub.Publish(ctx, eventUpdate("wf-1", "exec-1", "tick")))

	got := receive(t, ch)
	assert.Equal(t, "exec-1", got.ExecutionID)
	requireEmpty(t, ch)
}

func TestFilterByKindAndEventType(t *testing.T) {
	hub := NewMemoryHub(0)
	ctx := context.Background()

	snaps, cancelSnaps, err := hub.Subscribe(ctx, Filter{Kinds: []string{KindSnapshot}})
	require.NoError(t, err)
	defer cancelSnaps()
	failures, cancelFailures, err := hub.Subscribe(ctx, Filter{
		EventTypes: []string{schema.EventNodeFailed, schema.EventExecutionFailed},
	})
	require.NoError(t, err)
	defer cancelFailures()

	state := schema.ExecutionState{WorkflowID: "wf", Status: schema.ExecutionRunning}
	require.NoError(t, hub.Publish(ctx, Update{WorkflowID: "wf", Kind: KindSnapshot, State: &state}))
	require.NoError(t, hub.Publish(ctx, eventUpdate("wf", "e", schema.EventNodeStarted)))
	require.NoError(t, hub.Publish(ctx, eventUpdate("wf", "e", schema.EventNodeFailed)))
	require.NoError(t, hub.Publish(ctx, eventUpdate("wf", "e", schema.EventExecutionFailed)))

	assert.Equal(t, schema.ExecutionRunning, receive(t, snaps).State.Status)
	requireEmpty(t, snaps)

	assert.Equal(t, schema.EventNodeFailed, receive(t, failures).Event.Type)
	assert.Equal(t, schema.EventExecutionFailed, receive(t, failures).Event.Type)
	requireEmpty(t, failures)
}

func TestMultipleSubscribers(t *testing.T) {
	hub := NewMemoryHub(0)
	ctx := context.Background()

	ch1, cancel1, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer cancel1()
	ch2, cancel2, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer cancel2()

	require.NoError(t, hub.Publish(ctx, eventUpdate("wf-1", "e", "tick")))

	for _, ch := range []<-chan Update{ch1, ch2} {
		assert.Equal(t, "wf-1", receive(t, ch).WorkflowID)
	}
}

func TestCancelSubscription(t *testing.T) {
	hub := NewMemoryHub(0)
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)

	cancel()
	cancel()
	require.NoError(t, hub.Publish(ctx, eventUpdate("wf-1", "e", "tick")))

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after cancel")

	hub.mu.RLock()
	assert.Empty(t, hub.subs)
	hub.mu.RUnlock()
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	hub := NewMemoryHub(4)
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer cancel()

	for i := range 10 {
		require.NoError(t, hub.Publish(ctx, eventUpdate("wf", "e", string(rune('a'+i)))))
	}

	var got []string
	for range 4 {
		got = append(got, receive(t, ch).Event.Type)
	}
	assert.Equal(t, []string{"g", "h", "i", "j"}, got)
	requireEmpty(t, ch)

	hub.mu.RLock()
	for _, sub := range hub.subs {
		assert.Equal(t, uint64(6), sub.dropped.Load())
	}
	hub.mu.RUnlock()
}

func TestConcurrentAccess(t *testing.T) {
	hub := NewMemoryHub(0)
	ctx := context.Background()
	const goroutines = 20
	const updatesPerGoroutine = 50

	var wg sync.WaitGroup
	cancels := make([]func(), goroutines)
	for i := range goroutines {
		_, cancel, err := hub.Subscribe(ctx, Filter{})
		require.NoError(t, err)
		cancels[i] = cancel
	}
	defer func() {
		for _, c := range cancels {
			c()
		}
	}()

	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range updatesPerGoroutine {
				_ = hub.Publish(ctx, eventUpdate("wf-concurrent", "e", "tick"))
			}
		}()
	}

	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch, cancel, err := hub.Subscribe(ctx, Filter{})
			if err != nil {
				return
			}
			for range 5 {
				select {
				case <-ch:
				case <-time.After(10 * time.Millisecond):
				}
			}
			cancel()
		}()
	}

	wg.Wait()
}

func TestCancelledContext(t *testing.T) {
	hub := NewMemoryHub(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, hub.Publish(ctx, eventUpdate("wf-1", "e", "tick")), context.Canceled)
	_, _, err := hub.Subscribe(ctx, Filter{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHubAsEngineSink(t *testing.T) {
	hub := NewMemoryHub(256)
	ctx := context.Background()

	e, err := engine.New("wf-hub", []schema.Node{
		{ID: "start", Type: schema.NodeTypeTrigger, SubType: "manual"},
		{ID: "set", Type: schema.NodeTypeAction, SubType: "set", Config: map[string]any{"values": map[string]any{"x": 1.0}}},
	}, []schema.Edge{{Source: "start", Target: "set"}},
		engine.WithEventAppender(hub),
		engine.WithLogger(logging.Discard()))
	require.NoError(t, err)

	snaps, cancelSnaps, err := hub.Subscribe(ctx, Filter{ExecutionID: e.ExecutionID(), Kinds: []string{KindSnapshot}})
	require.NoError(t, err)
	defer cancelSnaps()
	events, cancelEvents, err := hub.Subscribe(ctx, Filter{Kinds: []string{KindEvent}})
	require.NoError(t, err)
	defer cancelEvents()

	detach := Attach(hub, e)
	require.NoError(t, e.Execute(ctx, engine.ExecuteOptions{}))
	detach()

	var last Update
	for {
		select {
		case u := <-snaps:
			last = u
			continue
		default:
		}
		break
	}
	require.NotNil(t, last.State)
	assert.Equal(t, schema.ExecutionCompleted, last.State.Status)

	first := receive(t, events)
	assert.Equal(t, schema.EventExecutionStarted, first.Event.Type)
	assert.Equal(t, "wf-hub", first.WorkflowID)
}
