// Package command runs the external tools a pipeline delegates to (image
// builder, registry CLI, cleanup scripts, update tool). Output is streamed
// line by line to a shared writer and the tail is kept for failure
// classification.
package command

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/vk/imagegrid/internal/ctxlog"
)

// maxTail bounds the captured output kept for classification.
const maxTail = 64 * 1024

// Command is a single external process invocation.
type Command struct {
	Args []string
	Dir  string
	// Env is appended to the current process environment.
	Env []string
	// Label prefixes every output line, e.g. the matrix cell id.
	Label string
}

func (c Command) String() string { return strings.Join(c.Args, " ") }

// Result describes a finished process.
type Result struct {
	ExitCode int
	// Signaled is set when the process was terminated by a signal.
	Signaled bool
	// Output is the tail of the combined stdout and stderr.
	Output string
}

// Runner executes commands. A non-nil error is returned for any
// unsuccessful run; the Result is populated whenever the process started.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// ExitError reports a process that ran but did not succeed.
type ExitError struct {
	Command string
	Result  Result
}

func (e *ExitError) Error() string {
	if e.Result.Signaled {
		return fmt.Sprintf("command %q terminated by signal", e.Command)
	}
	return fmt.Sprintf("command %q exited with code %d", e.Command, e.Result.ExitCode)
}

// ExecRunner runs commands as local processes.
type ExecRunner struct {
	out *syncWriter
}

// NewExecRunner returns a Runner writing prefixed process output to w.
func NewExecRunner(w io.Writer) *ExecRunner {
	return &ExecRunner{out: &syncWriter{w: w}}
}

// Run starts the command and waits for it to finish.
func (r *ExecRunner) Run(ctx context.Context, c Command) (Result, error) {
	logger := ctxlog.FromContext(ctx)
	if len(c.Args) == 0 {
		return Result{}, errors.New("empty command")
	}

	cmd := exec.CommandContext(ctx, c.Args[0], c.Args[1:]...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	tail := &tailBuffer{max: maxTail}
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.copyLines(pr, c.Label, tail)
	}()

	logger.Debug("Starting external command.", "command", c.String(), "dir", c.Dir)
	runErr := cmd.Run()
	pw.Close()
	<-done

	res := Result{Output: tail.String()}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
		if ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			res.Signaled = true
		}
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return res, &ExitError{Command: c.String(), Result: res}
		}
		return res, fmt.Errorf("failed to run %q: %w", c.String(), runErr)
	}
	logger.Debug("External command finished.", "command", c.String())
	return res, nil
}

func (r *ExecRunner) copyLines(src io.Reader, label string, tail *tailBuffer) {
	sc := bufio.NewScanner(src)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		tail.WriteLine(line)
		if label != "" {
			r.out.WriteLine("[" + label + "] " + line)
		} else {
			r.out.WriteLine(line)
		}
	}
	// Drain anything left after a scanner error so the process never blocks.
	io.Copy(io.Discard, src)
}

// syncWriter serializes whole lines from concurrently running commands.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) WriteLine(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	io.WriteString(s.w, line+"\n")
}

// tailBuffer keeps roughly the last max bytes written to it.
type tailBuffer struct {
	buf bytes.Buffer
	max int
}

func (t *tailBuffer) WriteLine(line string) {
	t.buf.WriteString(line)
	t.buf.WriteByte('\n')
	if over := t.buf.Len() - t.max; over > 0 {
		t.buf.Next(over)
	}
}

func (t *tailBuffer) String() string { return t.buf.String() }
