package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/stockapp/crawlsync/internal/metrics"
)

var (
	// ErrUnknownJob is returned by RunNow for an unregistered name.
	ErrUnknownJob = errors.New("unknown scheduled job")

	// ErrJobRunning is returned by RunNow while the job is already executing.
	ErrJobRunning = errors.New("scheduled job already running")

	// ErrStarted is returned when registering after Start.
	ErrStarted = errors.New("scheduler already started")
)

// Job is a named unit of recurring work.
type Job struct {
	Name     string
	Schedule Schedule
	Run      func(ctx context.Context) error
}

type entry struct {
	job     Job
	running sync.Mutex
	id      cron.EntryID
}

// Scheduler triggers registered jobs on their schedules. A job never
// overlaps with itself; a trigger that fires while the previous run is
// still going is skipped and the next trigger retries naturally.
type Scheduler struct {
	cron    *cron.Cron
	logger  *slog.Logger
	metrics *metrics.Collector

	mu      sync.Mutex
	jobs    map[string]*entry
	started bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a scheduler whose job contexts derive from a background context
// cancelled by Stop.
func New(logger *slog.Logger, collector *metrics.Collector, loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	cronLog := cronLogger{logger: logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(cronLog),
			cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
		),
		logger:  logger,
		metrics: collector,
		jobs:    make(map[string]*entry),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Register adds a job. Names must be unique.
func (s *Scheduler) Register(job Job) error {
	if job.Name == "" || job.Schedule == nil || job.Run == nil {
		return fmt.Errorf("scheduled job requires a name, schedule and run function")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrStarted
	}
	if _, exists := s.jobs[job.Name]; exists {
		return fmt.Errorf("scheduled job %q already registered", job.Name)
	}

	e := &entry{job: job}
	e.id = s.cron.Schedule(job.Schedule, cron.FuncJob(func() {
		if err := s.execute(s.ctx, e); err != nil && !errors.Is(err, ErrJobRunning) {
			s.logger.Error("scheduled job failed", "job", job.Name, "error", err)
		}
	}))
	s.jobs[job.Name] = e

	s.logger.Info("scheduled job registered", "job", job.Name, "schedule", job.Schedule.String())
	return nil
}

// Start begins firing registered jobs.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()

	for _, e := range s.cron.Entries() {
		s.logger.Info("next scheduled run", "entry", e.ID, "next", e.Next)
	}
}

// Stop prevents further triggers, cancels running jobs and waits for them to
// return or for ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	stopped := s.cron.Stop()

	select {
	case <-stopped.Done():
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

// RunNow executes the named job synchronously, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	e, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.execute(ctx, e)
}

// Jobs returns the registered job names in sorted order.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Scheduler) execute(ctx context.Context, e *entry) error {
	if !e.running.TryLock() {
		s.metrics.SchedulerRun(e.job.Name, "skipped")
		s.logger.Warn("scheduled job still running, skipping", "job", e.job.Name)
		return ErrJobRunning
	}
	defer e.running.Unlock()

	start := time.Now()
	s.logger.Info("scheduled job started", "job", e.job.Name)

	err := runGuarded(ctx, e.job)
	duration := time.Since(start)
	if err != nil {
		s.metrics.SchedulerRun(e.job.Name, "error")
		s.logger.Error("scheduled job finished with error", "job", e.job.Name, "duration", duration, "error", err)
		return err
	}

	s.metrics.SchedulerRun(e.job.Name, "ok")
	s.logger.Info("scheduled job finished", "job", e.job.Name, "duration", duration)
	return nil
}

// runGuarded converts a panic in the job into an error.
func runGuarded(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in job %s: %v", job.Name, r)
		}
	}()
	return job.Run(ctx)
}

// cronLogger routes robfig/cron logging through slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
