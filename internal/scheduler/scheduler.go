// Package scheduler runs tether's periodic maintenance jobs on cron
// schedules: audit retention and in-memory state sweeps.
//
// Jobs never overlap with themselves; a run that is still going when its
// next tick arrives causes that tick to be skipped.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const jobTimeout = 5 * time.Minute

// ErrUnknownJob is returned by RunNow for a name that was never added.
var ErrUnknownJob = errors.New("unknown job")

// Job is one named unit of periodic work.
type Job struct {
	Name string
	Spec string // Standard 5-field cron expression or descriptor (@daily, @every 5m).
	Run  func(ctx context.Context) error
}

// Scheduler owns a cron runner and the jobs registered on it.
type Scheduler struct {
	cron    *cron.Cron
	parser  cron.Parser
	metrics *Metrics
	logger  *slog.Logger

	mu   sync.Mutex
	ctx  context.Context
	jobs map[string]Job
}

// New creates a Scheduler. metrics may be nil.
func New(metrics *Metrics, logger *slog.Logger) *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	cl := cronLogger{logger: logger}
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		parser:  parser,
		metrics: metrics,
		logger:  logger,
		ctx:     context.Background(),
		jobs:    make(map[string]Job),
	}
}

// Add registers a job. The spec is validated immediately.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("job needs a name and a run function")
	}
	sched, err := s.parser.Parse(job.Spec)
	if err != nil {
		return fmt.Errorf("job %s: invalid cron expression %q: %w", job.Name, job.Spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[job.Name]; dup {
		return fmt.Errorf("job %s already registered", job.Name)
	}
	s.jobs[job.Name] = job
	s.cron.Schedule(sched, cron.FuncJob(func() { _ = s.run(job) }))

	s.logger.Info("scheduled job registered",
		slog.String("job", job.Name),
		slog.String("spec", job.Spec),
		slog.Time("next_run", sched.Next(time.Now().UTC())),
	)
	return nil
}

// Start begins firing jobs. Returns a stop function that waits for running
// jobs to finish (matches access.Controller.StartCleanup).
func (s *Scheduler) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.cron.Start()
	s.logger.InfoContext(ctx, "scheduler started", slog.Int("jobs", len(s.cron.Entries())))

	return func() {
		cancel()
		<-s.cron.Stop().Done()
		s.logger.Info("scheduler stopped")
	}
}

// RunNow runs a registered job synchronously, outside its schedule.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.run(job)
}

func (s *Scheduler) run(job Job) error {
	s.mu.Lock()
	parent := s.ctx
	s.mu.Unlock()
	if parent.Err() != nil {
		return parent.Err()
	}

	ctx, cancel := context.WithTimeout(parent, jobTimeout)
	defer cancel()

	start := time.Now()
	err := job.Run(ctx)
	elapsed := time.Since(start)

	s.metrics.observe(job.Name, err, elapsed)
	if err != nil {
		s.logger.ErrorContext(ctx, "scheduled job failed",
			slog.String("job", job.Name),
			slog.Duration("duration", elapsed),
			slog.String("error", err.Error()),
		)
		return err
	}
	s.logger.DebugContext(ctx, "scheduled job finished",
		slog.String("job", job.Name),
		slog.Duration("duration", elapsed),
	)
	return nil
}

// NextRun computes the next run time of a cron expression after from.
func NextRun(spec string, from time.Time) (time.Time, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sched, err := parser.Parse(spec)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", spec, err)
	}
	return sched.Next(from), nil
}

// cronLogger routes the cron runner's own logging to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
