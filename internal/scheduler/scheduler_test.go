package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/nodeflow/internal/engine"
	"github.com/rendis/nodeflow/internal/logging"
	"github.com/rendis/nodeflow/internal/runs"
	"github.com/rendis/nodeflow/internal/validation"
	"github.com/rendis/nodeflow/pkg/schema"
)

// mockLauncher records Start calls and runs each graph on a fresh engine.
type mockLauncher struct {
	mu    sync.Mutex
	calls []runs.StartRequest
	err   error
}

func (l *mockLauncher) Start(_ context.Context, req runs.StartRequest) (*engine.Engine, error) {
	l.mu.Lock()
	l.calls = append(l.calls, req)
	l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	e, err := engine.New(req.WorkflowID, req.Doc.Graph.Nodes, req.Doc.Graph.Edges,
		engine.WithTriggerData(req.TriggerData),
		engine.WithLogger(logging.Discard()),
	)
	if err != nil {
		return nil, err
	}
	go func() { _ = e.Execute(context.Background(), engine.ExecuteOptions{Mode: schema.ModeFull}) }()
	return e, nil
}

func (l *mockLauncher) callCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.calls)
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

var t0 = time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

func newTestScheduler(l Launcher) (*Scheduler, *fakeClock) {
	clock := &fakeClock{now: t0}
	return NewScheduler(l, logging.Discard(), WithClock(clock.Now)), clock
}

func hourlyDoc(t *testing.T) *validation.Document {
	t.Helper()
	doc, err := validation.Parse([]byte(`
id: report
nodes:
  - id: manual
    type: trigger
    subType: manual
  - id: hourly
    type: trigger
    subType: schedule
    config:
      cron: "0 * * * *"
  - id: build
    type: action
    subType: set
    config:
      values:
        ok: true
edges:
  - source: manual
    target: build
  - source: hourly
    target: build
`), validation.FormatYAML)
	require.NoError(t, err)
	return doc
}

// --- Tests ---

func TestCalculateNextRun(t *testing.T) {
	sched, _ := newTestScheduler(&mockLauncher{})
	from := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

	// Every hour at minute 0.
	next, err := sched.CalculateNextRun("0 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 13, 0, 0, 0, time.UTC), next)

	// Every 15 minutes.
	next, err = sched.CalculateNextRun("*/15 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 12, 15, 0, 0, time.UTC), next)

	// Descriptor.
	next, err = sched.CalculateNextRun("@daily", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 11, 0, 0, 0, 0, time.UTC), next)

	_, err = sched.CalculateNextRun("invalid cron", from)
	require.Error(t, err)
}

func TestRegister(t *testing.T) {
	sched, _ := newTestScheduler(&mockLauncher{})

	jobs, err := sched.Register(hourlyDoc(t), "")
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	job := jobs[0]
	assert.Equal(t, "report/hourly", job.ID)
	assert.Equal(t, "report", job.WorkflowID)
	assert.Equal(t, "hourly", job.NodeID)
	assert.True(t, job.Enabled)
	require.NotNil(t, job.NextRunAt)
	assert.Equal(t, t0.Add(time.Hour), *job.NextRunAt)
	assert.Len(t, sched.Jobs(), 1)
}

func TestRegister_Errors(t *testing.T) {
	sched, _ := newTestScheduler(&mockLauncher{})

	noID, err := validation.Parse([]byte(`{"nodes":[{"id":"s","type":"trigger","subType":"schedule","config":{"cron":"@hourly"}}],"edges":[]}`), validation.FormatJSON)
	require.NoError(t, err)
	_, err = sched.Register(noID, "")
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	// An explicit workflow ID covers a graph without one.
	jobs, err := sched.Register(noID, "nightly")
	require.NoError(t, err)
	assert.Equal(t, "nightly/s", jobs[0].ID)

	manualOnly, err := validation.Parse([]byte(`{"id":"m","nodes":[{"id":"t","type":"trigger","subType":"manual"}],"edges":[]}`), validation.FormatJSON)
	require.NoError(t, err)
	_, err = sched.Register(manualOnly, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no schedule trigger")

	badCron, err := validation.Parse([]byte(`{"id":"b","nodes":[{"id":"s","type":"trigger","subType":"schedule","config":{"cron":"every tuesday"}}],"edges":[]}`), validation.FormatJSON)
	require.NoError(t, err)
	_, err = sched.Register(badCron, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "node s")
}

func TestRegister_ReplacesWorkflowJobs(t *testing.T) {
	sched, _ := newTestScheduler(&mockLauncher{})

	_, err := sched.Register(hourlyDoc(t), "")
	require.NoError(t, err)
	_, err = sched.Register(hourlyDoc(t), "")
	require.NoError(t, err)
	assert.Len(t, sched.Jobs(), 1)

	assert.Equal(t, 1, sched.Unregister("report"))
	assert.Empty(t, sched.Jobs())
	assert.Equal(t, 0, sched.Unregister("report"))
}

func TestTickRunsDueJobs(t *testing.T) {
	launcher := &mockLauncher{}
	sched, clock := newTestScheduler(launcher)
	ctx := context.Background()

	_, err := sched.Register(hourlyDoc(t), "")
	require.NoError(t, err)

	clock.Set(t0.Add(time.Hour))
	sched.tick(ctx)
	sched.Wait()

	require.Equal(t, 1, launcher.callCount())
	call := launcher.calls[0]
	assert.Equal(t, "report", call.WorkflowID)
	assert.Equal(t, map[string]any{
		"jobId":       "report/hourly",
		"node":        "hourly",
		"scheduledAt": "2026-02-10T13:00:00Z",
	}, call.TriggerData)

	job := sched.Jobs()[0]
	assert.Equal(t, RunStarted, job.LastRunStatus)
	assert.NotEmpty(t, job.LastExecutionID)
	require.NotNil(t, job.LastRunAt)
	assert.Equal(t, t0.Add(time.Hour), *job.LastRunAt)
	assert.Equal(t, t0.Add(2*time.Hour), *job.NextRunAt)
}

func TestTickSkipsNotDueJobs(t *testing.T) {
	launcher := &mockLauncher{}
	sched, clock := newTestScheduler(launcher)

	_, err := sched.Register(hourlyDoc(t), "")
	require.NoError(t, err)

	clock.Set(t0.Add(59 * time.Minute))
	sched.tick(context.Background())

	assert.Equal(t, 0, launcher.callCount())
}

func TestDisabledJobsSkipped(t *testing.T) {
	launcher := &mockLauncher{}
	sched, clock := newTestScheduler(launcher)
	ctx := context.Background()

	_, err := sched.Register(hourlyDoc(t), "")
	require.NoError(t, err)
	_, err = sched.SetEnabled("report/hourly", false)
	require.NoError(t, err)

	clock.Set(t0.Add(3 * time.Hour))
	sched.tick(ctx)
	assert.Equal(t, 0, launcher.callCount())

	// Re-arming plans from now instead of firing the backlog.
	job, err := sched.SetEnabled("report/hourly", true)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(4*time.Hour), *job.NextRunAt)
	sched.tick(ctx)
	assert.Equal(t, 0, launcher.callCount())

	_, err = sched.SetEnabled("ghost", true)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestJobRunFailure(t *testing.T) {
	launcher := &mockLauncher{err: assert.AnError}
	sched, clock := newTestScheduler(launcher)

	_, err := sched.Register(hourlyDoc(t), "")
	require.NoError(t, err)

	clock.Set(t0.Add(time.Hour))
	sched.tick(context.Background())

	job := sched.Jobs()[0]
	assert.Equal(t, RunFailed, job.LastRunStatus)
	assert.Equal(t, t0.Add(2*time.Hour), *job.NextRunAt)
	assert.True(t, sched.tryAcquire(job.ID), "a failed launch releases the job")
}

func TestDedupPreventsDoubleRun(t *testing.T) {
	launcher := &mockLauncher{}
	sched, clock := newTestScheduler(launcher)
	ctx := context.Background()

	_, err := sched.Register(hourlyDoc(t), "")
	require.NoError(t, err)

	// Pre-acquire the job to simulate an in-flight execution.
	require.True(t, sched.tryAcquire("report/hourly"))

	clock.Set(t0.Add(time.Hour))
	sched.tick(ctx)
	assert.Equal(t, 0, launcher.callCount())
	assert.Equal(t, RunSkipped, sched.Jobs()[0].LastRunStatus)

	sched.releaseJob("report/hourly")
	clock.Set(t0.Add(2 * time.Hour))
	sched.tick(ctx)
	assert.Equal(t, 1, launcher.callCount())
}

func TestDedupReleasedWhenRunEnds(t *testing.T) {
	launcher := &mockLauncher{}
	sched, clock := newTestScheduler(launcher)
	ctx := context.Background()

	_, err := sched.Register(hourlyDoc(t), "")
	require.NoError(t, err)

	clock.Set(t0.Add(time.Hour))
	sched.tick(ctx)
	sched.Wait()

	clock.Set(t0.Add(2 * time.Hour))
	sched.tick(ctx)
	sched.Wait()
	assert.Equal(t, 2, launcher.callCount())
}

func TestStartStop(t *testing.T) {
	sched := NewScheduler(&mockLauncher{}, logging.Discard(), WithInterval(10*time.Millisecond))
	ctx := context.Background()

	require.NoError(t, sched.Start(ctx))

	err := sched.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already started")

	require.NoError(t, sched.Stop())
	require.NoError(t, sched.Stop())
}

func TestSchedulerWithRunManager(t *testing.T) {
	manager := runs.NewManager(runs.Deps{Logger: logging.Discard()})
	t.Cleanup(manager.Shutdown)
	sched, clock := newTestScheduler(manager)

	_, err := sched.Register(hourlyDoc(t), "")
	require.NoError(t, err)

	clock.Set(t0.Add(time.Hour))
	sched.tick(context.Background())
	sched.Wait()

	job := sched.Jobs()[0]
	require.Equal(t, RunStarted, job.LastRunStatus)
	e, ok := manager.Lookup(job.LastExecutionID)
	require.True(t, ok)

	snap := e.Snapshot()
	assert.Equal(t, schema.ExecutionCompleted, snap.Status)
	out, ok := snap.Outputs.Get("hourly")
	require.True(t, ok)
	data, ok := out.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "0 * * * *", data["cron"])
	payload, ok := data["payload"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "report/hourly", payload["jobId"])
}
