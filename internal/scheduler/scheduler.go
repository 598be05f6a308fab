// Package scheduler runs periodic jobs from a single cooperative loop.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/rewired-gh/perpwatch/internal/logger"
)

const (
	DefaultResolution = time.Second
	DefaultBackoff    = 60 * time.Second
)

// Handler is one job invocation. The context is never cancelled mid-run.
type Handler func(ctx context.Context) error

// Job is a named handler with its cadence.
type Job struct {
	Name     string
	Schedule cron.Schedule
	Handler  Handler
}

// Every returns a fixed-interval schedule.
func Every(d time.Duration) cron.Schedule {
	return cron.Every(d)
}

// ParseSchedule parses a five-field cron expression. Expressions without a
// CRON_TZ or TZ prefix are evaluated in UTC.
func ParseSchedule(spec string) (cron.Schedule, error) {
	spec = strings.TrimSpace(spec)
	if !strings.HasPrefix(spec, "CRON_TZ=") && !strings.HasPrefix(spec, "TZ=") {
		spec = "CRON_TZ=UTC " + spec
	}
	return cron.ParseStandard(spec)
}

// Observer is told about every finished run.
type Observer func(job string, took time.Duration, err error)

// JobStatus is a snapshot of one job's bookkeeping.
type JobStatus struct {
	Name     string
	Next     time.Time
	LastRun  time.Time
	LastErr  error
	Runs     int
	Failures int
}

type jobState struct {
	Job
	next     time.Time
	lastRun  time.Time
	lastErr  error
	runs     int
	failures int
}

// Scheduler ticks at a fixed resolution and runs due jobs sequentially.
type Scheduler struct {
	clock      Clock
	resolution time.Duration
	backoff    time.Duration
	observer   Observer

	mu   sync.Mutex
	jobs []*jobState
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithClock(c Clock) Option { return func(s *Scheduler) { s.clock = c } }

func WithResolution(d time.Duration) Option { return func(s *Scheduler) { s.resolution = d } }

// WithBackoff sets the pause after a job panics.
func WithBackoff(d time.Duration) Option { return func(s *Scheduler) { s.backoff = d } }

func WithObserver(o Observer) Option { return func(s *Scheduler) { s.observer = o } }

func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		clock:      RealClock{},
		resolution: DefaultResolution,
		backoff:    DefaultBackoff,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers a job. Jobs run in registration order when due together.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Schedule == nil || job.Handler == nil {
		return fmt.Errorf("job %q needs a name, schedule and handler", job.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.Name == job.Name {
			return fmt.Errorf("job %q already registered", job.Name)
		}
	}
	s.jobs = append(s.jobs, &jobState{Job: job})
	return nil
}

// Jobs returns the status of every registered job.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, len(s.jobs))
	for i, j := range s.jobs {
		out[i] = JobStatus{
			Name:     j.Name,
			Next:     j.next,
			LastRun:  j.lastRun,
			LastErr:  j.lastErr,
			Runs:     j.runs,
			Failures: j.failures,
		}
	}
	return out
}

// Start runs every job once and sets the first due times.
func (s *Scheduler) Start(ctx context.Context) (panicked bool) {
	now := s.clock.Now()
	logger.Info("Scheduler cold start: running %d jobs", len(s.snapshot()))
	for _, j := range s.snapshot() {
		if s.run(ctx, j) {
			panicked = true
		}
		s.mu.Lock()
		j.next = j.Schedule.Next(now)
		s.mu.Unlock()
	}
	return panicked
}

// Tick runs every job whose due time has passed. It reports whether a handler panicked.
func (s *Scheduler) Tick(ctx context.Context) (panicked bool) {
	for _, j := range s.snapshot() {
		if ctx.Err() != nil {
			return panicked
		}
		now := s.clock.Now()
		s.mu.Lock()
		due := !j.next.IsZero() && !now.Before(j.next)
		s.mu.Unlock()
		if !due {
			continue
		}

		if s.run(ctx, j) {
			panicked = true
		}
		s.advance(j, s.clock.Now())
	}
	return panicked
}

// advance moves the due time forward from the previous due time, skipping slots already passed.
func (s *Scheduler) advance(j *jobState, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := j.Schedule.Next(j.next)
	skipped := 0
	for !next.After(now) {
		n := j.Schedule.Next(next)
		if !n.After(next) {
			// Schedule cannot advance; recompute from now.
			next = j.Schedule.Next(now)
			break
		}
		next = n
		skipped++
	}
	if skipped > 0 {
		logger.Warn("Job %s skipped %d missed runs", j.Name, skipped)
	}
	j.next = next
}

// Run performs the cold-start pass then ticks until ctx is cancelled.
// Cancellation is observed only between job runs.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.Start(ctx) {
		if !s.wait(ctx, s.backoff) {
			return nil
		}
	}
	for {
		if !s.wait(ctx, s.resolution) {
			logger.Info("Scheduler stopped")
			return nil
		}
		if s.Tick(ctx) {
			logger.Warn("Backing off for %s after job failure", s.backoff)
			if !s.wait(ctx, s.backoff) {
				logger.Info("Scheduler stopped")
				return nil
			}
		}
	}
}

func (s *Scheduler) wait(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-s.clock.After(d):
		return true
	}
}

func (s *Scheduler) snapshot() []*jobState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*jobState, len(s.jobs))
	copy(out, s.jobs)
	return out
}

// run invokes one job, isolating errors and panics. It reports whether the handler panicked.
func (s *Scheduler) run(ctx context.Context, j *jobState) (panicked bool) {
	runID := uuid.NewString()
	start := s.clock.Now()
	entry := logger.WithFields(logger.Fields{"job": j.Name, "run_id": runID})
	entry.Debug("Job started")

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				panicked = true
				err = fmt.Errorf("panic: %v", r)
				entry.WithFields(logger.Fields{"stack": string(debug.Stack())}).Error("Job panicked: %v", r)
			}
		}()
		err = j.Handler(context.WithoutCancel(ctx))
	}()

	took := s.clock.Now().Sub(start)
	s.mu.Lock()
	j.lastRun = start
	j.lastErr = err
	j.runs++
	if err != nil {
		j.failures++
	}
	s.mu.Unlock()

	if err != nil && !panicked {
		entry.WithError(err).Error("Job failed after %s", took.Round(time.Millisecond))
	} else if err == nil {
		entry.Debug("Job finished in %s", took.Round(time.Millisecond))
	}
	if s.observer != nil {
		s.observer(j.Name, took, err)
	}
	return panicked
}
