// Package execx runs external media tools with bounded wall-clock time and
// captured output.
package execx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-hclog"
)

// killGrace is how long a timed-out process gets between cancellation and
// having its pipes forcibly closed.
const killGrace = 2 * time.Second

// Command describes one tool invocation.
type Command struct {
	Path    string
	Args    []string
	Timeout time.Duration
}

// Result is the outcome of a process that was started.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
	Duration time.Duration
}

// Success reports whether the process exited zero within its timeout.
func (r *Result) Success() bool {
	return r.ExitCode == 0 && !r.TimedOut
}

// Runner executes commands. Run returns an error only when the process
// could not be started; a non-zero exit or a timeout is reported in Result.
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// StartError reports a process that could not be started.
type StartError struct {
	Path string
	Err  error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("failed to start %s: %v", e.Path, e.Err)
}

func (e *StartError) Unwrap() error {
	return e.Err
}

// ProcessRunner runs commands as child processes.
type ProcessRunner struct {
	toolLogger hclog.Logger
}

// New creates a ProcessRunner. Tool stderr is mirrored line by line into
// toolLogger; pass nil to discard it.
func New(toolLogger hclog.Logger) *ProcessRunner {
	if toolLogger == nil {
		toolLogger = NewNoOpToolLogger()
	}
	return &ProcessRunner{toolLogger: toolLogger}
}

// NewNoOpToolLogger returns a tool logger that discards everything.
func NewNoOpToolLogger() hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:   "tool",
		Level:  hclog.Off,
		Output: io.Discard,
	})
}

// NewToolLogger returns a tool logger writing to w at the given level.
func NewToolLogger(w io.Writer, level hclog.Level) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:   "tool",
		Level:  level,
		Output: w,
	})
}

// Run starts cmd and waits for it to exit or time out.
func (r *ProcessRunner) Run(ctx context.Context, cmd Command) (*Result, error) {
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	c := exec.CommandContext(ctx, cmd.Path, cmd.Args...)
	c.WaitDelay = killGrace

	toolOut := r.toolLogger.Named(filepath.Base(cmd.Path)).StandardWriter(&hclog.StandardLoggerOptions{
		InferLevels: true,
	})

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = io.MultiWriter(&stderr, toolOut)

	start := time.Now()
	if err := c.Start(); err != nil {
		return nil, &StartError{Path: cmd.Path, Err: err}
	}

	waitErr := c.Wait()
	res := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
		TimedOut: errors.Is(ctx.Err(), context.DeadlineExceeded),
	}

	if waitErr == nil {
		return res, nil
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
	} else {
		res.ExitCode = -1
	}
	if res.ExitCode == 0 {
		res.ExitCode = -1
	}
	return res, nil
}
