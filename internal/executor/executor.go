// Package executor runs an expanded build matrix. It evaluates the pipeline
// into self-contained jobs, runs the side tasks next to the default node's
// plugin initialization, then spreads the jobs over a bounded worker pool.
// Each job builds its image with a bounded retry and publishes it when the
// publish gate allows.
package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/vk/imagegrid/internal/command"
	"github.com/vk/imagegrid/internal/config"
	"github.com/vk/imagegrid/internal/ctxlog"
	"github.com/vk/imagegrid/internal/node"
	"github.com/vk/imagegrid/internal/params"
	"github.com/vk/imagegrid/internal/runlock"
	"github.com/vk/imagegrid/internal/sidetask"
)

// Options tune an Executor.
type Options struct {
	Workers int
	// StateDir holds the run lock. Defaults to DefaultStateDir.
	StateDir string
	// LockPoll overrides runlock.DefaultPollInterval.
	LockPoll time.Duration
	// Env is exposed to expressions as `env`.
	Env map[string]string
}

// Progress is a snapshot of a running matrix.
type Progress struct {
	Total   int64 `json:"total"`
	Running int64 `json:"running"`
	Done    int64 `json:"done"`
	Failed  int64 `json:"failed"`
}

// Executor runs one pipeline.
type Executor struct {
	model    *config.Model
	conv     config.Converter
	runner   command.Runner
	run      params.Run
	env      map[string]string
	opts     Options
	selector *node.Selector
	cls      *Classifier

	wg      sync.WaitGroup
	total   atomic.Int64
	running atomic.Int64
	done    atomic.Int64
	failed  atomic.Int64
}

// DefaultStateDir is the per-user cache directory for imagegrid, or a
// directory relative to the working directory when the host has none.
func DefaultStateDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ".imagegrid"
	}
	return filepath.Join(dir, "imagegrid")
}

// New creates an Executor. The run's primary branch defaults to the one the
// pipeline declares.
func New(model *config.Model, conv config.Converter, runner command.Runner, run params.Run, opts Options) (*Executor, error) {
	if run.PrimaryBranch == "" {
		run.PrimaryBranch = model.Pipeline.PrimaryBranch
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.StateDir == "" {
		opts.StateDir = DefaultStateDir()
	}
	cls, err := NewClassifier(model.Build.Retry)
	if err != nil {
		return nil, err
	}

	var nativeEnv []string
	if len(model.Native.Env) > 0 {
		nativeEnv = params.Environ(model.Native.Env)
	}
	selector := node.NewSelector(node.Config{
		DefaultName: model.Pipeline.DefaultNode,
		Dir:         model.Pipeline.Dir,
		Native: node.Native{
			Name:            model.Native.Name,
			CPUArchitecture: model.Native.CPUArchitecture,
			ComputeType:     model.Native.ComputeType,
			Env:             nativeEnv,
		},
		InitCommand: model.Build.Init,
	}, model.Pipeline.Template)

	return &Executor{
		model:    model,
		conv:     conv,
		runner:   runner,
		run:      run,
		env:      opts.Env,
		opts:     opts,
		selector: selector,
		cls:      cls,
	}, nil
}

// Progress returns the current matrix counters.
func (e *Executor) Progress() Progress {
	return Progress{
		Total:   e.total.Load(),
		Running: e.running.Load(),
		Done:    e.done.Load(),
		Failed:  e.failed.Load(),
	}
}

// Run executes the pipeline. The report is returned even when the run
// fails; the error wraps ErrRunFailed in that case.
func (e *Executor) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	runID := uuid.NewString()
	ctx, logger := ctxlog.With(ctx, "run_id", runID)

	if e.model.Pipeline.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.model.Pipeline.Timeout)
		defer cancel()
	}

	plan, err := e.Plan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate pipeline: %w", err)
	}
	logger.Info("📋 Matrix expanded",
		"cells", len(plan.Jobs),
		"excluded", len(plan.Excluded),
		"build_channel", e.run.Channel(),
	)

	if e.model.Pipeline.DisableConcurrentBuilds && e.run.IsPrimaryBranch() {
		lock, err := runlock.Acquire(ctx, filepath.Join(e.opts.StateDir, "imagegrid.lock"), e.opts.LockPoll)
		if err != nil {
			return nil, err
		}
		defer lock.Release()
	}

	report := &Report{RunID: runID, Excluded: plan.Excluded}

	logger.Info("🧹 Starting side tasks and plugin initialization")
	outcomes, initErr := sidetask.Run(ctx, e.runner, plan.SideTasks, func(ctx context.Context) error {
		return e.selector.Default().Init(ctx, e.runner)
	})
	report.SideTasks = outcomes
	report.InitErr = initErr

	if initErr != nil {
		logger.Error("Plugin initialization failed, skipping the matrix.", "error", initErr)
		for _, job := range plan.Jobs {
			report.Cells = append(report.Cells, CellResult{
				Cell:   job.Cell,
				Params: job.Params,
				Status: StatusSkipped,
				Err:    initErr,
			})
		}
	} else {
		logger.Info("🚀 Starting matrix builds", "workers", e.opts.Workers)
		report.Cells = e.runMatrix(ctx, plan.Jobs)
	}

	report.Duration = time.Since(start)
	report.finalize()
	logger.Info("🏁 Pipeline finished",
		"result", report.Result,
		"succeeded", report.Count(StatusSuccess),
		"failed", report.Count(StatusFailure),
		"skipped", report.Count(StatusSkipped),
		"duration", report.Duration,
	)

	if report.Result == StatusFailure {
		return report, ErrRunFailed
	}
	return report, nil
}
