// Package testutil holds shared helpers for package tests: a scriptable
// command runner, a thread-safe log buffer and logger wiring.
package testutil

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vk/imagegrid/internal/command"
	"github.com/vk/imagegrid/internal/ctxlog"
)

// SafeBuffer is a thread-safe buffer for capturing log output in tests.
type SafeBuffer struct {
	b  bytes.Buffer
	mu sync.Mutex
}

// Write implements the io.Writer interface for SafeBuffer.
func (b *SafeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.Write(p)
}

// String implements the fmt.Stringer interface for SafeBuffer.
func (b *SafeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.String()
}

// Context returns a context carrying a debug logger that writes into the
// returned buffer.
func Context(t *testing.T) (context.Context, *SafeBuffer) {
	t.Helper()
	buf := &SafeBuffer{}
	logger := slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	ctx, cancel := context.WithCancel(ctxlog.WithLogger(context.Background(), logger))
	t.Cleanup(cancel)
	return ctx, buf
}

// Call is one recorded invocation of FakeRunner.
type Call struct {
	Command command.Command
	Start   time.Time
	End     time.Time
}

// Responder decides the outcome of a fake command. attempt counts previous
// calls with identical arguments and label, starting at 1.
type Responder func(ctx context.Context, cmd command.Command, attempt int) (command.Result, error)

// FakeRunner implements command.Runner without starting processes.
type FakeRunner struct {
	Respond Responder
	// Delay is slept before responding, honoring context cancellation.
	Delay time.Duration

	mu       sync.Mutex
	calls    []Call
	attempts map[string]int
}

// Run records the call and returns whatever Respond decides. Without a
// Responder every command succeeds.
func (f *FakeRunner) Run(ctx context.Context, cmd command.Command) (command.Result, error) {
	start := time.Now()
	key := cmd.Label + "\x00" + cmd.String()

	f.mu.Lock()
	if f.attempts == nil {
		f.attempts = make(map[string]int)
	}
	f.attempts[key]++
	attempt := f.attempts[key]
	f.mu.Unlock()

	if f.Delay > 0 {
		select {
		case <-time.After(f.Delay):
		case <-ctx.Done():
			f.record(cmd, start)
			return command.Result{Signaled: true}, ctx.Err()
		}
	}

	var (
		res command.Result
		err error
	)
	if f.Respond != nil {
		res, err = f.Respond(ctx, cmd, attempt)
	}
	f.record(cmd, start)
	return res, err
}

func (f *FakeRunner) record(cmd command.Command, start time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Command: cmd, Start: start, End: time.Now()})
}

// Calls returns a copy of all recorded calls.
func (f *FakeRunner) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallsMatching returns recorded calls whose command line contains substr.
func (f *FakeRunner) CallsMatching(substr string) []Call {
	var out []Call
	for _, c := range f.Calls() {
		if strings.Contains(c.Command.String(), substr) {
			out = append(out, c)
		}
	}
	return out
}

// Fail builds a failed result the way command.ExecRunner reports it.
func Fail(cmd command.Command, code int, output string) (command.Result, error) {
	res := command.Result{ExitCode: code, Output: output}
	return res, &command.ExitError{Command: cmd.String(), Result: res}
}
