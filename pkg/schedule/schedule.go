// Package schedule runs named periodic jobs with an explicit start/stop
// lifecycle. Each tick is isolated: a failing or panicking run is logged and
// counted, and the next tick still fires.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Job is a periodic task.
type Job struct {
	Name  string
	Every time.Duration
	Run   func(ctx context.Context) error
}

// Runner owns a set of jobs and their goroutines.
type Runner struct {
	mu      sync.Mutex
	jobs    []Job
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool

	runCounter metric.Int64Counter
}

// NewRunner creates a Runner. The meter may be nil (no metrics recorded),
// which keeps tests free of OTel setup.
func NewRunner(meter metric.Meter) *Runner {
	r := &Runner{}
	if meter != nil {
		r.runCounter, _ = meter.Int64Counter("scheduled_job_runs_total",
			metric.WithDescription("Total scheduled job runs by outcome"))
	}
	return r
}

// Add registers a job. Must be called before Start.
func (r *Runner) Add(job Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		panic("schedule: Add after Start")
	}
	r.jobs = append(r.jobs, job)
}

// Start launches one ticker goroutine per job. It returns immediately.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true

	ctx, r.cancel = context.WithCancel(ctx)
	for _, job := range r.jobs {
		r.wg.Add(1)
		go r.loop(ctx, job)
	}
}

// Stop cancels all job goroutines and waits for in-flight runs to return.
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

func (r *Runner) loop(ctx context.Context, job Job) {
	defer r.wg.Done()
	ticker := time.NewTicker(job.Every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runOnce(ctx, job)
		}
	}
}

func (r *Runner) runOnce(ctx context.Context, job Job) {
	outcome := "ok"
	err := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("panic: %v", p)
			}
		}()
		return job.Run(ctx)
	}()

	if err != nil {
		outcome = "error"
		slog.Warn("Scheduled job failed", "job", job.Name, "error", err)
	}
	if r.runCounter != nil {
		r.runCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("job", job.Name),
			attribute.String("outcome", outcome),
		))
	}
}
