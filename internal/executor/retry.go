package executor

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/vk/imagegrid/internal/command"
	"github.com/vk/imagegrid/internal/config"
	"github.com/vk/imagegrid/internal/ctxlog"
)

// Classifier decides whether a failed build attempt is infrastructure
// flakiness worth retrying.
type Classifier struct {
	patterns []*regexp.Regexp
	onSignal bool
}

// NewClassifier compiles the retry patterns of cfg.
func NewClassifier(cfg config.Retry) (*Classifier, error) {
	c := &Classifier{onSignal: cfg.OnSignal}
	for _, p := range cfg.OnOutput {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid retry pattern %q: %w", p, err)
		}
		c.patterns = append(c.patterns, re)
	}
	return c, nil
}

// Retryable reports whether the failure err with result res may be retried.
// Failures to start a process and non-exit errors are never retried.
func (c *Classifier) Retryable(res command.Result, err error) bool {
	var exitErr *command.ExitError
	if err == nil || !errors.As(err, &exitErr) {
		return false
	}
	if res.Signaled && c.onSignal {
		return true
	}
	for _, re := range c.patterns {
		if re.MatchString(res.Output) {
			return true
		}
	}
	return false
}

// runWithRetry runs cmd up to attempts times, retrying only classified
// failures. It returns the number of attempts made.
func runWithRetry(ctx context.Context, runner command.Runner, cmd command.Command, attempts int, cls *Classifier) (int, error) {
	logger := ctxlog.FromContext(ctx)
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 1; ; attempt++ {
		res, err := runner.Run(ctx, cmd)
		if err == nil {
			return attempt, nil
		}
		if ctx.Err() != nil {
			return attempt, fmt.Errorf("build aborted: %w", ctx.Err())
		}
		if attempt >= attempts || !cls.Retryable(res, err) {
			return attempt, err
		}
		logger.Warn("🔁 Build failed with a retryable condition, retrying",
			"attempt", attempt,
			"max_attempts", attempts,
			"error", err,
		)
	}
}
