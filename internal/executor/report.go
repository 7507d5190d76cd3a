package executor

import (
	"errors"
	"time"

	"github.com/vk/imagegrid/internal/matrix"
	"github.com/vk/imagegrid/internal/params"
	"github.com/vk/imagegrid/internal/sidetask"
)

// Status is the result of a cell or of the whole run.
type Status string

const (
	StatusSuccess  Status = "SUCCESS"
	StatusFailure  Status = "FAILURE"
	StatusUnstable Status = "UNSTABLE"
	StatusSkipped  Status = "SKIPPED"
)

// ErrRunFailed is returned by Run when the overall result is FAILURE.
var ErrRunFailed = errors.New("pipeline run failed")

// CellResult is the outcome of one matrix cell.
type CellResult struct {
	Cell      matrix.Cell
	Params    params.Params
	Node      string
	Status    Status
	Attempts  int
	Published bool
	Err       error
	Duration  time.Duration
}

// Report summarizes a run.
type Report struct {
	RunID     string
	Result    Status
	Cells     []CellResult
	Excluded  []matrix.Exclusion
	SideTasks []sidetask.Outcome
	// InitErr is the default node's plugin initialization failure, if any.
	InitErr  error
	Duration time.Duration
}

// finalize computes the overall result. Cell and init failures fail the
// run; side task failures only make it unstable.
func (r *Report) finalize() {
	r.Result = StatusSuccess
	if sidetask.Unstable(r.SideTasks) {
		r.Result = StatusUnstable
	}
	if r.InitErr != nil {
		r.Result = StatusFailure
		return
	}
	for _, c := range r.Cells {
		if c.Status == StatusFailure || c.Status == StatusSkipped {
			r.Result = StatusFailure
			return
		}
	}
}

// Count returns the number of cells with the given status.
func (r *Report) Count(s Status) int {
	n := 0
	for _, c := range r.Cells {
		if c.Status == s {
			n++
		}
	}
	return n
}
