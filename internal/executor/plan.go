package executor

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/vk/imagegrid/internal/command"
	"github.com/vk/imagegrid/internal/config"
	"github.com/vk/imagegrid/internal/matrix"
	"github.com/vk/imagegrid/internal/params"
	"github.com/vk/imagegrid/internal/sidetask"
)

// Job is the fully evaluated, self-contained work of one cell. Jobs share
// no memory with each other, so they can be handed to concurrent workers.
type Job struct {
	Cell    matrix.Cell
	Params  params.Params
	Native  bool
	Build   command.Command
	Publish *command.Command
}

// Plan is the evaluated pipeline: what would run, without running it.
type Plan struct {
	Jobs      []Job
	Excluded  []matrix.Exclusion
	SideTasks []sidetask.Task
}

// ShouldPublish reports whether a cell publishes its image: only cells of
// the gated compute type, and only on tagged runs.
func ShouldPublish(cell matrix.Cell, run params.Run, computeType string) bool {
	return computeType != "" && cell.ComputeType == computeType && run.IsTag()
}

// Plan expands the matrix and evaluates every expression of the pipeline.
// Expression errors surface here, before anything runs.
func (e *Executor) Plan(ctx context.Context) (*Plan, error) {
	m := e.model
	expanded := matrix.Expand(m.Axes, m.Excludes)
	plan := &Plan{Excluded: expanded.Excluded}

	for _, cell := range expanded.Cells {
		job, err := e.prepareJob(ctx, cell)
		if err != nil {
			return nil, fmt.Errorf("cell %s: %w", cell, err)
		}
		plan.Jobs = append(plan.Jobs, job)
	}

	tasks, err := e.prepareSideTasks(ctx)
	if err != nil {
		return nil, err
	}
	plan.SideTasks = tasks
	return plan, nil
}

func (e *Executor) prepareJob(ctx context.Context, cell matrix.Cell) (Job, error) {
	m := e.model
	p := params.Derive(cell, e.run)
	scope := m.CellScope(cell, p, e.run, e.env)
	evalCtx, err := e.conv.EvalContext(scope)
	if err != nil {
		return Job{}, err
	}

	var argv []string
	ok, err := e.conv.DecodeExpr(ctx, m.Build.Command, evalCtx, &argv)
	if err != nil {
		return Job{}, fmt.Errorf("build command: %w", err)
	}
	if !ok || len(argv) == 0 {
		return Job{}, fmt.Errorf("build command is empty")
	}

	env := p.Env()
	var extra map[string]string
	if _, err := e.conv.DecodeExpr(ctx, m.Build.Env, evalCtx, &extra); err != nil {
		return Job{}, fmt.Errorf("build env: %w", err)
	}
	maps.Copy(env, extra)

	native := e.selector.NeedsNative(cell.ComputeType, cell.CPUArchitecture)
	if native {
		maps.Copy(env, m.Native.Env)
	}

	job := Job{
		Cell:   cell,
		Params: p,
		Native: native,
		Build: command.Command{
			Args:  argv,
			Dir:   m.Pipeline.Dir,
			Env:   params.Environ(env),
			Label: cell.ID(),
		},
	}

	if ShouldPublish(cell, e.run, m.Publish.ComputeType) {
		pub, err := e.preparePublish(ctx, scope)
		if err != nil {
			return Job{}, err
		}
		pub.Dir = m.Pipeline.Dir
		pub.Env = slices.Clone(job.Build.Env)
		pub.Label = cell.ID()
		job.Publish = &pub
	}
	return job, nil
}

func (e *Executor) preparePublish(ctx context.Context, scope map[string]any) (command.Command, error) {
	m := e.model
	evalCtx, err := e.conv.EvalContext(scope)
	if err != nil {
		return command.Command{}, err
	}
	var image string
	if _, err := e.conv.DecodeExpr(ctx, m.Publish.Image, evalCtx, &image); err != nil {
		return command.Command{}, fmt.Errorf("publish image: %w", err)
	}
	if image == "" {
		return command.Command{}, fmt.Errorf("publish image is empty")
	}

	scope[config.VarImage] = image
	evalCtx, err = e.conv.EvalContext(scope)
	if err != nil {
		return command.Command{}, err
	}
	var argv []string
	ok, err := e.conv.DecodeExpr(ctx, m.Publish.Command, evalCtx, &argv)
	if err != nil {
		return command.Command{}, fmt.Errorf("publish command: %w", err)
	}
	if !ok || len(argv) == 0 {
		return command.Command{}, fmt.Errorf("publish command is empty")
	}
	return command.Command{Args: argv}, nil
}

func (e *Executor) prepareSideTasks(ctx context.Context) ([]sidetask.Task, error) {
	m := e.model
	evalCtx, err := e.conv.EvalContext(m.RunScope(e.run, e.env))
	if err != nil {
		return nil, err
	}

	var tasks []sidetask.Task
	for _, st := range m.SideTasks {
		enabled := true
		if _, err := e.conv.DecodeExpr(ctx, st.Enabled, evalCtx, &enabled); err != nil {
			return nil, fmt.Errorf("side_task %s enabled: %w", st.Name, err)
		}
		var argv []string
		ok, err := e.conv.DecodeExpr(ctx, st.Command, evalCtx, &argv)
		if err != nil {
			return nil, fmt.Errorf("side_task %s command: %w", st.Name, err)
		}
		if enabled && (!ok || len(argv) == 0) {
			return nil, fmt.Errorf("side_task %s command is empty", st.Name)
		}
		var env map[string]string
		if _, err := e.conv.DecodeExpr(ctx, st.Env, evalCtx, &env); err != nil {
			return nil, fmt.Errorf("side_task %s env: %w", st.Name, err)
		}
		tasks = append(tasks, sidetask.Task{
			Name:    st.Name,
			Enabled: enabled,
			Command: command.Command{
				Args:  argv,
				Dir:   m.Pipeline.Dir,
				Env:   params.Environ(env),
				Label: st.Name,
			},
		})
	}
	return tasks, nil
}
