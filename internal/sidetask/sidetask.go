// Package sidetask runs the auxiliary stages of a pipeline (cloud cleanup,
// dependency-update checks) next to the build matrix. Side tasks run in
// parallel with each other and with any extra work handed to Run. A failing
// side task is reported as unstable and never fails the run.
package sidetask

import (
	"context"
	"time"

	"github.com/vk/imagegrid/internal/command"
	"github.com/vk/imagegrid/internal/ctxlog"
	"golang.org/x/sync/errgroup"
)

// Status is the outcome of a side task.
type Status string

const (
	StatusSuccess  Status = "SUCCESS"
	StatusUnstable Status = "UNSTABLE"
	StatusSkipped  Status = "SKIPPED"
)

// Task is a fully evaluated side task.
type Task struct {
	Name    string
	Command command.Command
	Enabled bool
}

// Outcome records how a task ended.
type Outcome struct {
	Name     string
	Status   Status
	Err      error
	Duration time.Duration
}

// Run executes every enabled task and every fn concurrently. Task failures
// are downgraded into outcomes; the returned error is the first fn error.
// A failing fn does not cancel the others. Outcomes keep the order of tasks.
func Run(ctx context.Context, runner command.Runner, tasks []Task, fns ...func(context.Context) error) ([]Outcome, error) {
	logger := ctxlog.FromContext(ctx)
	outcomes := make([]Outcome, len(tasks))

	var g errgroup.Group
	for i, task := range tasks {
		outcomes[i].Name = task.Name
		if !task.Enabled {
			logger.Info("⏭️ Side task skipped", "task", task.Name)
			outcomes[i].Status = StatusSkipped
			continue
		}
		g.Go(func() error {
			outcomes[i] = runOne(ctx, runner, task)
			return nil
		})
	}
	for _, fn := range fns {
		g.Go(func() error { return fn(ctx) })
	}
	err := g.Wait()

	return outcomes, err
}

func runOne(ctx context.Context, runner command.Runner, task Task) Outcome {
	logger := ctxlog.FromContext(ctx).With("task", task.Name)
	logger.Info("▶️ Starting side task")
	start := time.Now()

	cmd := task.Command
	if cmd.Label == "" {
		cmd.Label = task.Name
	}
	_, err := runner.Run(ctx, cmd)
	out := Outcome{Name: task.Name, Duration: time.Since(start)}
	if err != nil {
		logger.Warn("⚠️ Side task failed, marking run unstable", "error", err)
		out.Status = StatusUnstable
		out.Err = err
		return out
	}
	logger.Info("✅ Side task finished", "duration", out.Duration)
	out.Status = StatusSuccess
	return out
}

// Unstable reports whether any outcome is unstable.
func Unstable(outcomes []Outcome) bool {
	for _, o := range outcomes {
		if o.Status == StatusUnstable {
			return true
		}
	}
	return false
}
