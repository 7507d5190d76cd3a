package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/vk/imagegrid/internal/ctxlog"
	"github.com/vk/imagegrid/internal/executor"
	"github.com/vk/imagegrid/internal/manifest"
	"github.com/vk/imagegrid/internal/params"
)

// Run executes the configured command.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.ctx = ctx
	a.logger.Debug("App.Run method started.", "command", a.config.Command)

	switch a.config.Command {
	case CommandPlan:
		return a.plan(ctx)
	case CommandManifests:
		return a.manifests(ctx)
	default:
		return a.run(ctx)
	}
}

// runContext is the CI run context: the environment, then explicit
// overrides, then the pipeline's primary branch.
func (a *App) runContext() params.Run {
	run := params.RunFromEnv(a.getenv).Override(a.config.Run)
	if run.PrimaryBranch == "" {
		run.PrimaryBranch = a.model.Pipeline.PrimaryBranch
	}
	return run
}

func (a *App) getenv(name string) string {
	return a.env()[name]
}

func (a *App) env() map[string]string {
	env := make(map[string]string, len(a.environ))
	for _, kv := range a.environ {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env
}

func (a *App) newExecutor() (*executor.Executor, error) {
	return executor.New(a.model, a.converter, a.runner, a.runContext(), executor.Options{
		Workers:  a.config.WorkerCount,
		StateDir: a.config.StateDir,
		Env:      a.env(),
	})
}

func (a *App) run(ctx context.Context) error {
	exec, err := a.newExecutor()
	if err != nil {
		return err
	}
	a.executor.Store(exec)
	defer a.executor.Store(nil)

	if a.config.HealthcheckPort > 0 {
		a.healthCheckServer()
		defer a.closeHealthCheckServer()
	}

	report, err := exec.Run(ctx)
	if report != nil {
		a.printReport(report)
	}
	if err != nil {
		if errors.Is(err, executor.ErrRunFailed) {
			return err
		}
		return fmt.Errorf("execution failed: %w", err)
	}
	if report.Result == executor.StatusUnstable {
		a.logger.Warn("⚠️ Pipeline is unstable: a side task failed.")
	}
	return nil
}

func (a *App) printReport(r *executor.Report) {
	fmt.Fprintf(a.outW, "RESULT: %s (run %s, %s)\n", r.Result, r.RunID, r.Duration.Round(time.Second))
	w := tabwriter.NewWriter(a.outW, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CELL\tNODE\tSTATUS\tATTEMPTS\tPUBLISHED\tDURATION")
	for _, c := range r.Cells {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%t\t%s\n", c.Cell.ID(), c.Node, c.Status, c.Attempts, c.Published, c.Duration.Round(time.Millisecond))
	}
	for _, o := range r.SideTasks {
		fmt.Fprintf(w, "%s\t-\t%s\t-\t-\t%s\n", o.Name, o.Status, o.Duration.Round(time.Millisecond))
	}
	w.Flush()
}

// plan prints what a run would do without running anything.
func (a *App) plan(ctx context.Context) error {
	exec, err := a.newExecutor()
	if err != nil {
		return err
	}
	p, err := exec.Plan(ctx)
	if err != nil {
		return fmt.Errorf("failed to plan pipeline: %w", err)
	}

	run := a.runContext()
	fmt.Fprintf(a.outW, "CHANNEL: %s\nVERSION: %s\n", run.Channel(), run.ImageVersion())
	w := tabwriter.NewWriter(a.outW, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CELL\tNODE\tBUILD\tPUBLISH\tENV")
	for _, j := range p.Jobs {
		node := a.model.Pipeline.DefaultNode
		if j.Native {
			node = a.model.Native.Name
		}
		publish := "-"
		if j.Publish != nil {
			publish = j.Publish.String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", j.Cell.ID(), node, j.Build.String(), publish, strings.Join(j.Build.Env, " "))
	}
	for _, x := range p.Excluded {
		fmt.Fprintf(w, "%s\texcluded by rule %d\t\t\t\n", x.Cell.ID(), x.Rule+1)
	}
	for _, t := range p.SideTasks {
		state := "enabled"
		if !t.Enabled {
			state = "disabled"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t\t\n", t.Name, state, t.Command.String())
	}
	return w.Flush()
}

// manifests lists and validates the update tool's manifests.
func (a *App) manifests(ctx context.Context) error {
	loader := &manifest.Loader{
		Root:   ".",
		Values: a.config.ValuesFile,
		Getenv: a.getenv,
	}
	list, err := loader.Load(ctx, a.config.ManifestDir)
	if err != nil {
		return fmt.Errorf("failed to load manifests: %w", err)
	}

	w := tabwriter.NewWriter(a.outW, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "MANIFEST\tSOURCES\tTARGETS\tLABELS")
	for _, m := range list {
		s := m.Summary()
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.Name,
			strings.Join(s.Sources, ","), strings.Join(s.Targets, ","), strings.Join(s.Labels, ","))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if err := loader.Validate(list); err != nil {
		return fmt.Errorf("invalid manifests: %w", err)
	}
	a.logger.Info("✅ Manifests are valid", "count", len(list))
	return nil
}
