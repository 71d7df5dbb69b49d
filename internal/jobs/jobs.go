// Package jobs schedules the platform's background maintenance: the
// reconciler sweep, credential keeper sweep, dedup cleanup, recorder
// refresh, and archival. One goroutine per job, panics contained.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Job is one periodic task.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Runner drives a fixed set of jobs until Stop.
type Runner struct {
	logger *slog.Logger
	jobs   []Job

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

func NewRunner(logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{logger: logger.With(slog.String("component", "jobs"))}
}

// Add registers a job. Must be called before Start.
func (r *Runner) Add(name string, interval time.Duration, fn func(ctx context.Context) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || interval <= 0 || fn == nil {
		return
	}
	r.jobs = append(r.jobs, Job{Name: name, Interval: interval, Run: fn})
}

// Start launches every registered job on its own ticker.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true

	ctx, r.cancel = context.WithCancel(ctx)
	for _, j := range r.jobs {
		j := j
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.loop(ctx, j)
		}()
	}
	r.logger.Info("background jobs started", slog.Int("jobs", len(r.jobs)))
}

// Stop cancels every job and waits for in-flight runs.
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

func (r *Runner) loop(ctx context.Context, j Job) {
	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runOne(ctx, j)
		}
	}
}

// runOne executes a single cycle. A panicking job logs and lives to
// run the next tick; a dead reconciler is worse than a noisy one.
func (r *Runner) runOne(ctx context.Context, j Job) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("job panicked",
				slog.String("job", j.Name),
				slog.String("panic", fmt.Sprintf("%v", rec)))
		}
	}()

	start := time.Now()
	if err := j.Run(ctx); err != nil && ctx.Err() == nil {
		r.logger.Warn("job failed",
			slog.String("job", j.Name),
			slog.Duration("took", time.Since(start)),
			slog.String("error", err.Error()))
	}
}
