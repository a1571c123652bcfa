// Package pipeline runs riskgate's background jobs: the finance planner,
// the wallet snapshot saver, the daily loss reset and the ledger archive.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Job is one long-running background loop. It should return ctx.Err() when
// ctx is cancelled.
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

// Orchestrator runs its jobs concurrently under one errgroup.
type Orchestrator struct {
	jobs   []Job
	logger *slog.Logger
}

// NewOrchestrator creates an Orchestrator with no jobs.
func NewOrchestrator(logger *slog.Logger) *Orchestrator {
	return &Orchestrator{logger: logger.With(slog.String("component", "orchestrator"))}
}

// Add registers a long-running job.
func (o *Orchestrator) Add(name string, run func(ctx context.Context) error) {
	o.jobs = append(o.jobs, Job{Name: name, Run: run})
}

// Every registers fn to run once per interval. Errors from fn are logged and
// do not stop the loop.
func (o *Orchestrator) Every(name string, interval time.Duration, fn func(ctx context.Context) error) {
	o.Add(name, func(ctx context.Context) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				if err := fn(ctx); err != nil {
					o.logger.Error("job run failed", slog.String("job", name), slog.String("error", err.Error()))
				}
			}
		}
	})
}

// Cron registers fn on a 5-field UTC cron schedule.
func (o *Orchestrator) Cron(name, expr string, fn func(ctx context.Context) error) error {
	sched, err := parseCron(expr)
	if err != nil {
		return fmt.Errorf("pipeline: job %s: %w", name, err)
	}
	o.Add(name, func(ctx context.Context) error {
		for {
			next, err := sched.next(time.Now().UTC())
			if err != nil {
				return err
			}
			timer := time.NewTimer(time.Until(next))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
				if err := fn(ctx); err != nil {
					o.logger.Error("job run failed", slog.String("job", name), slog.String("error", err.Error()))
				}
			}
		}
	})
	return nil
}

// Len returns the number of registered jobs.
func (o *Orchestrator) Len() int { return len(o.jobs) }

// Run starts every job and blocks until ctx is cancelled or a job fails. A
// failing job cancels the others and its error is returned; a clean shutdown
// returns nil.
func (o *Orchestrator) Run(ctx context.Context) error {
	if len(o.jobs) == 0 {
		<-ctx.Done()
		return nil
	}
	names := make([]string, 0, len(o.jobs))
	for _, j := range o.jobs {
		names = append(names, j.Name)
	}
	o.logger.Info("background jobs starting", slog.Any("jobs", names))

	g, gctx := errgroup.WithContext(ctx)
	for _, j := range o.jobs {
		g.Go(func() error {
			err := j.Run(gctx)
			if err == nil || (gctx.Err() != nil && errors.Is(err, context.Canceled)) {
				return nil
			}
			return fmt.Errorf("%s: %w", j.Name, err)
		})
	}

	if err := g.Wait(); err != nil {
		o.logger.Error("background jobs stopped with error", slog.String("error", err.Error()))
		return err
	}
	o.logger.Info("background jobs stopped cleanly")
	return nil
}
