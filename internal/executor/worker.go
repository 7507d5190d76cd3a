package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/vk/imagegrid/internal/ctxlog"
)

// runMatrix spreads jobs over the worker pool and returns one result per
// job, in job order.
func (e *Executor) runMatrix(ctx context.Context, jobs []Job) []CellResult {
	results := make([]CellResult, len(jobs))
	readyChan := make(chan int)
	e.total.Store(int64(len(jobs)))

	workers := min(e.opts.Workers, len(jobs))
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go e.worker(ctx, readyChan, jobs, results, i+1)
	}
	for i := range jobs {
		readyChan <- i
	}
	close(readyChan)
	e.wg.Wait()
	return results
}

// worker is the processing loop for a single concurrent worker.
func (e *Executor) worker(ctx context.Context, readyChan <-chan int, jobs []Job, results []CellResult, workerID int) {
	defer e.wg.Done()
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Worker started.", "workerID", workerID)

	for i := range readyChan {
		job := jobs[i]
		cellCtx, cellLogger := ctxlog.With(ctx, "workerID", workerID, "cell", job.Cell.ID())

		if ctx.Err() != nil {
			cellLogger.Warn("Cell skipped, run is over.", "error", ctx.Err())
			results[i] = CellResult{Cell: job.Cell, Params: job.Params, Status: StatusSkipped, Err: ctx.Err()}
			e.done.Add(1)
			e.failed.Add(1)
			continue
		}

		e.running.Add(1)
		results[i] = e.runJob(cellCtx, job)
		e.running.Add(-1)
		e.done.Add(1)
		if results[i].Status != StatusSuccess {
			e.failed.Add(1)
		}
	}
	logger.Debug("Worker finished.", "workerID", workerID)
}

// runJob builds, and when gated publishes, a single cell. A failing cell
// never affects other cells.
func (e *Executor) runJob(ctx context.Context, job Job) CellResult {
	logger := ctxlog.FromContext(ctx)
	start := time.Now()
	res := CellResult{Cell: job.Cell, Params: job.Params}

	n := e.selector.Select(e.model.Pipeline.Template, job.Cell.ComputeType, job.Cell.CPUArchitecture)
	res.Node = n.Name
	logger.Info("🏗️ Building image", "node", n.Name, "image_type", job.Params.ImageType)

	if err := n.Init(ctx, e.runner); err != nil {
		return e.fail(ctx, res, err, start)
	}

	attempts, err := runWithRetry(ctx, e.runner, job.Build, e.model.Build.Retry.Attempts, e.cls)
	res.Attempts = attempts
	if err != nil {
		return e.fail(ctx, res, fmt.Errorf("build failed after %d attempt(s): %w", attempts, err), start)
	}

	if job.Publish != nil {
		logger.Info("📦 Publishing image", "command", job.Publish.String())
		if _, err := e.runner.Run(ctx, *job.Publish); err != nil {
			return e.fail(ctx, res, fmt.Errorf("publish failed: %w", err), start)
		}
		res.Published = true
	}

	res.Status = StatusSuccess
	res.Duration = time.Since(start)
	logger.Info("✅ Cell succeeded", "attempts", attempts, "published", res.Published, "duration", res.Duration)
	return res
}

func (e *Executor) fail(ctx context.Context, res CellResult, err error, start time.Time) CellResult {
	res.Status = StatusFailure
	res.Err = err
	res.Duration = time.Since(start)
	ctxlog.FromContext(ctx).Error("Cell failed.", "error", err)
	return res
}
