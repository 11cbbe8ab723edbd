package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// WorkflowRunner is the interface the scheduler uses to run workflows.
// Satisfied by the executor (avoids import cycle).
type WorkflowRunner interface {
	Execute(ctx context.Context, workflowID string, initial, extra map[string]any) (map[string]any, error)
}

// job is one cron-triggered workflow.
type job struct {
	id         string
	workflowID string
	schedule   cron.Schedule
	input      map[string]any

	nextRunAt  time.Time
	lastRunAt  time.Time
	lastStatus string
}

// Scheduler runs registered workflows on cron schedules. Jobs come from
// loaded definitions; the set is fixed once Start is called.
type Scheduler struct {
	runner WorkflowRunner
	parser cron.Parser
	logger *slog.Logger

	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex

	jobsMu sync.Mutex
	jobs   map[string]*job

	inflightMu sync.Mutex
	inflight   map[string]struct{} // job IDs currently executing (dedup)
}

// New creates a Scheduler.
func New(runner WorkflowRunner, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		interval: 60 * time.Second,
		jobs:     make(map[string]*job),
		inflight: make(map[string]struct{}),
	}
}

// Add registers a cron-triggered workflow under the given job id, replacing
// any previous job with that id.
func (s *Scheduler) Add(id, workflowID, spec string, input map[string]any) error {
	schedule, err := s.parser.Parse(spec)
	if err != nil {
		return fmt.Errorf("parse cron expression %q: %w", spec, err)
	}

	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	s.jobs[id] = &job{
		id:         id,
		workflowID: workflowID,
		schedule:   schedule,
		input:      input,
		nextRunAt:  schedule.Next(time.Now().UTC()),
	}
	return nil
}

// Start launches the background scheduling loop with a 60s ticker.
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
	s.logger.Info("scheduler started", slog.Int("jobs", s.jobCount()))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Run an initial tick immediately.
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

// tick runs every job that is due.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().UTC()
	for _, j := range s.dueJobs(now) {
		if !s.tryAcquire(j.id) {
			continue // already running (dedup)
		}
		s.runJob(ctx, j, now)
		s.release(j.id)
	}
}

// dueJobs snapshots the jobs whose next run is at or before now.
func (s *Scheduler) dueJobs(now time.Time) []*job {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	var due []*job
	for _, j := range s.jobs {
		if !j.nextRunAt.After(now) {
			due = append(due, j)
		}
	}
	return due
}

// runJob executes one scheduled workflow and advances its timestamps.
func (s *Scheduler) runJob(ctx context.Context, j *job, now time.Time) {
	s.logger.Info("running scheduled workflow",
		slog.String("job_id", j.id),
		slog.String("workflow_id", j.workflowID),
	)

	_, err := s.runner.Execute(ctx, j.workflowID, j.input, nil)
	status := "success"
	if err != nil {
		status = "error"
		s.logger.Error("scheduled workflow failed",
			slog.String("job_id", j.id),
			slog.String("workflow_id", j.workflowID),
			slog.String("error", err.Error()),
		)
	}

	s.jobsMu.Lock()
	j.lastRunAt = now
	j.lastStatus = status
	j.nextRunAt = j.schedule.Next(now)
	s.jobsMu.Unlock()
}

// tryAcquire returns true and marks the job as in-flight if it is not
// already running.
func (s *Scheduler) tryAcquire(jobID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[jobID]; ok {
		return false
	}
	s.inflight[jobID] = struct{}{}
	return true
}

func (s *Scheduler) release(jobID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, jobID)
}

func (s *Scheduler) jobCount() int {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	return len(s.jobs)
}

// Stop gracefully shuts down the scheduler.
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
