package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/nodeflow/internal/engine"
	"github.com/rendis/nodeflow/internal/runs"
	"github.com/rendis/nodeflow/internal/validation"
	"github.com/rendis/nodeflow/pkg/schema"
)

// Launcher starts a run. Satisfied by *runs.Manager.
type Launcher interface {
	Start(ctx context.Context, req runs.StartRequest) (*engine.Engine, error)
}

// Last run outcomes.
const (
	RunStarted = "started"
	RunFailed  = "error"
	RunSkipped = "skipped"
)

// Job fires one schedule trigger of a registered graph.
type Job struct {
	ID              string     `json:"id"`
	WorkflowID      string     `json:"workflow_id"`
	NodeID          string     `json:"node_id"`
	CronExpression  string     `json:"cron_expression"`
	Enabled         bool       `json:"enabled"`
	NextRunAt       *time.Time `json:"next_run_at,omitempty"`
	LastRunAt       *time.Time `json:"last_run_at,omitempty"`
	LastRunStatus   string     `json:"last_run_status,omitempty"`
	LastExecutionID string     `json:"last_execution_id,omitempty"`

	doc      *validation.Document
	schedule cron.Schedule
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInterval sets how often due jobs are checked.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// Scheduler polls its registered jobs and launches those that are due. A job
// whose previous run is still active is skipped until that run ends.
type Scheduler struct {
	launcher Launcher
	parser   cron.Parser
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	jobsMu sync.Mutex
	jobs   map[string]*Job

	inflightMu sync.Mutex
	inflight   map[string]struct{} // job IDs with a live run (dedup)
	runs       sync.WaitGroup
}

// NewScheduler creates a new Scheduler.
func NewScheduler(launcher Launcher, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		launcher: launcher,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:   logger,
		interval: time.Second,
		now:      time.Now,
		jobs:     make(map[string]*Job),
		inflight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds one job per schedule trigger of doc, replacing the jobs of a
// graph registered earlier under the same workflow ID.
func (s *Scheduler) Register(doc *validation.Document, workflowID string) ([]Job, error) {
	if workflowID == "" {
		workflowID = doc.Graph.ID
	}
	if workflowID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "a scheduled graph needs an id")
	}

	now := s.now().UTC()
	var added []*Job
	for _, n := range doc.Graph.Nodes {
		if n.Type != schema.NodeTypeTrigger || n.SubType != "schedule" {
			continue
		}
		expr, _ := n.Config["cron"].(string)
		sched, err := s.parser.Parse(expr)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid cron expression %q: %s", expr, err.Error()).
				WithNode(n.ID).WithCause(err)
		}
		next := sched.Next(now)
		added = append(added, &Job{
			ID:             workflowID + "/" + n.ID,
			WorkflowID:     workflowID,
			NodeID:         n.ID,
			CronExpression: expr,
			Enabled:        true,
			NextRunAt:      &next,
			doc:            doc,
			schedule:       sched,
		})
	}
	if len(added) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "graph %s has no schedule trigger", workflowID)
	}

	s.jobsMu.Lock()
	s.dropLocked(workflowID)
	out := make([]Job, 0, len(added))
	for _, job := range added {
		s.jobs[job.ID] = job
		out = append(out, *job)
	}
	s.jobsMu.Unlock()

	s.logger.Info("graph scheduled", slog.String("workflow_id", workflowID), slog.Int("jobs", len(added)))
	return out, nil
}

// Unregister removes every job of a workflow and returns how many there were.
func (s *Scheduler) Unregister(workflowID string) int {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	return s.dropLocked(workflowID)
}

func (s *Scheduler) dropLocked(workflowID string) int {
	removed := 0
	for id, job := range s.jobs {
		if job.WorkflowID == workflowID {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed
}

// SetEnabled pauses or re-arms a job. Re-arming plans the next fire from now.
func (s *Scheduler) SetEnabled(jobID string, enabled bool) (Job, error) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return Job{}, schema.NewErrorf(schema.ErrCodeNotFound, "scheduled job %q not found", jobID)
	}
	if enabled && !job.Enabled {
		next := job.schedule.Next(s.now().UTC())
		job.NextRunAt = &next
	}
	job.Enabled = enabled
	return *job, nil
}

// Jobs returns a copy of every job, ordered by ID.
func (s *Scheduler) Jobs() []Job {
	s.jobsMu.Lock()
	out := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, *job)
	}
	s.jobsMu.Unlock()

	slices.SortFunc(out, func(a, b Job) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick launches every enabled job that is due.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now().UTC()

	s.jobsMu.Lock()
	var due []*Job
	for _, job := range s.jobs {
		if job.Enabled && job.NextRunAt != nil && !job.NextRunAt.After(now) {
			due = append(due, job)
		}
	}
	s.jobsMu.Unlock()

	for _, job := range due {
		if !s.tryAcquire(job.ID) {
			s.logger.Warn("previous scheduled run still active",
				slog.String("job_id", job.ID),
			)
			s.finish(job, now, RunSkipped, "")
			continue
		}
		s.runJob(ctx, job, now)
	}
}

// runJob starts the job's graph and plans its next fire.
func (s *Scheduler) runJob(ctx context.Context, job *Job, now time.Time) {
	s.jobsMu.Lock()
	scheduledAt := *job.NextRunAt
	s.jobsMu.Unlock()

	s.logger.Info("running scheduled job",
		slog.String("job_id", job.ID),
		slog.String("workflow_id", job.WorkflowID),
	)

	e, err := s.launcher.Start(ctx, runs.StartRequest{
		Doc:        job.doc,
		WorkflowID: job.WorkflowID,
		TriggerData: map[string]any{
			"jobId":       job.ID,
			"node":        job.NodeID,
			"scheduledAt": scheduledAt.Format(time.RFC3339),
		},
	})
	if err != nil {
		s.releaseJob(job.ID)
		s.logger.Error("scheduled job execution failed",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		s.finish(job, now, RunFailed, "")
		return
	}

	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		<-e.Done()
		s.releaseJob(job.ID)
	}()
	s.finish(job, now, RunStarted, e.ExecutionID())
}

func (s *Scheduler) finish(job *Job, now time.Time, status, executionID string) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	next := job.schedule.Next(now)
	job.NextRunAt = &next
	job.LastRunAt = &now
	job.LastRunStatus = status
	if executionID != "" {
		job.LastExecutionID = executionID
	}
}

// tryAcquire returns true and marks the job as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(jobID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[jobID]; ok {
		return false
	}
	s.inflight[jobID] = struct{}{}
	return true
}

// releaseJob removes the job from the in-flight set.
func (s *Scheduler) releaseJob(jobID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, jobID)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop shuts the loop down. Runs already launched keep going; Wait blocks on them.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// Wait blocks until every launched run has ended.
func (s *Scheduler) Wait() {
	s.runs.Wait()
}
