// Package scheduler fires the recurring pipeline jobs on cron cadences.
// Jobs of one category never overlap; a firing that finds its category busy
// is skipped, so missed firings do not pile up.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/metgo/quillota/internal/failure"
	"github.com/metgo/quillota/internal/logging"
	"github.com/metgo/quillota/internal/metrics"
)

type Job struct {
	Name string
	// Category serialises jobs; empty means the job name.
	Category string
	// Spec is a cron expression; descriptors such as @hourly and @every 5m are accepted.
	Spec string
	Run  func(ctx context.Context) error
}

func (j Job) category() string {
	if j.Category != "" {
		return j.Category
	}
	return j.Name
}

// Parser accepts standard five-field expressions and descriptors.
var Parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type Scheduler struct {
	cron *cron.Cron
	log  *slog.Logger

	mu    sync.Mutex
	jobs  map[string]Job
	busy  map[string]bool
	ctx   context.Context
	skips map[string]int
}

func New(loc *time.Location, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if loc == nil {
		loc = time.UTC
	}
	log := logger.With("component", "scheduler")
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithParser(Parser),
			cron.WithChain(cron.Recover(cronLogger{log})),
		),
		log:   log,
		jobs:  make(map[string]Job),
		busy:  make(map[string]bool),
		skips: make(map[string]int),
		ctx:   context.Background(),
	}
}

// Add registers a job. An empty spec registers the job for RunNow only.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return failure.Newf(failure.ConfigInvalid, "scheduler.Add", "job needs a name and a function")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[job.Name]; dup {
		return failure.Newf(failure.ConfigInvalid, "scheduler.Add", "duplicate job %q", job.Name)
	}
	if job.Spec != "" {
		if _, err := s.cron.AddFunc(job.Spec, func() { s.fire(job.Name) }); err != nil {
			return failure.New(failure.ConfigInvalid, "scheduler.Add", fmt.Errorf("job %s: %w", job.Name, err))
		}
	}
	s.jobs[job.Name] = job
	return nil
}

// Jobs lists the registered job names and their specs.
func (s *Scheduler) Jobs() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.jobs))
	for name, j := range s.jobs {
		out[name] = j.Spec
	}
	return out
}

// Skipped returns how many firings were dropped because the category was busy.
func (s *Scheduler) Skipped(job string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.skips[job]
}

// Run starts the cron loop and blocks until ctx is cancelled, then waits for
// running jobs to observe the cancellation.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.cron.Start()
	s.log.Info("scheduler started", "jobs", len(s.Jobs()))
	<-ctx.Done()
	// Stop's context is done once every running job has returned.
	stopped := s.cron.Stop()
	<-stopped.Done()
	s.log.Info("scheduler stopped")
	return nil
}

// fire is the cron entry point; it never blocks the cron goroutine on a busy category.
func (s *Scheduler) fire(name string) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	// RunNow logs its own failures.
	_ = s.RunNow(ctx, name)
}

// RunNow executes a job immediately, subject to its category lock. A busy
// category yields a Throttled failure.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	const op = "scheduler.RunNow"
	s.mu.Lock()
	job, ok := s.jobs[name]
	if !ok {
		s.mu.Unlock()
		return failure.Newf(failure.NotFound, op, "job %q", name)
	}
	cat := job.category()
	if s.busy[cat] {
		s.skips[name]++
		s.mu.Unlock()
		metrics.JobRuns.WithLabelValues(name, "skipped").Inc()
		s.log.Warn("job skipped, category busy", "job", name, "category", cat)
		return failure.Newf(failure.Throttled, op, "category %s busy", cat)
	}
	s.busy[cat] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.busy[cat] = false
		s.mu.Unlock()
	}()

	ctx = logging.WithCorrelationID(ctx)
	log := logging.FromContext(ctx, s.log).With("job", name)
	start := time.Now()
	log.Info("job started")
	err := job.Run(ctx)
	metrics.JobDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	metrics.JobRuns.WithLabelValues(name, metrics.Outcome(err)).Inc()
	if err != nil {
		logging.Failure(ctx, s.log.With("job", name), "job failed", err)
		return err
	}
	log.Info("job finished", "duration", time.Since(start).Round(time.Millisecond))
	return nil
}

// cronLogger adapts slog to the cron.Logger interface.
type cronLogger struct{ log *slog.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) { l.log.Debug(msg, kv...) }

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error(msg, append(kv, "error", err)...)
}
