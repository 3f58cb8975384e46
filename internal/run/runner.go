// Package run executes external commands with bounded timeouts.
package run

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"

	"github.com/engels74/stacksave/internal/logging"
)

// Result describes the outcome of a single command invocation.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
	Err      error // Start/lookup failures; nil for plain non-zero exits
}

// Success reports whether the command ran and exited zero.
func (r Result) Success() bool {
	return r.Err == nil && !r.TimedOut && r.ExitCode == 0
}

// Runner executes external commands. The timeout is best-effort: the
// child receives a kill when the deadline passes, but a process stuck in
// uninterruptible I/O can outlive it.
type Runner interface {
	Run(ctx context.Context, timeout time.Duration, name string, args ...string) Result
	LookPath(name string) (string, error)
}

// ExecRunner is the os/exec backed Runner used in production.
type ExecRunner struct {
	logger *logging.Logger

	// Indirections for tests.
	execCommand func(ctx context.Context, name string, args ...string) *exec.Cmd
	lookPath    func(name string) (string, error)
}

// NewExecRunner creates a Runner backed by os/exec.
func NewExecRunner(logger *logging.Logger) *ExecRunner {
	return &ExecRunner{
		logger:      logger,
		execCommand: exec.CommandContext,
		lookPath:    exec.LookPath,
	}
}

// LookPath resolves a binary on PATH.
func (r *ExecRunner) LookPath(name string) (string, error) {
	return r.lookPath(name)
}

// Run executes name with args, bounded by timeout when positive.
func (r *ExecRunner) Run(ctx context.Context, timeout time.Duration, name string, args ...string) Result {
	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := r.execCommand(runCtx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	result := Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if runCtx.Err() == context.DeadlineExceeded {
		result.TimedOut = true
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -1
			result.Err = err
		}
	}

	if r.logger != nil {
		r.logger.Debug("exec %s (%d args): exit=%d timed_out=%v elapsed=%s",
			name, len(args), result.ExitCode, result.TimedOut, elapsed.Round(time.Millisecond))
	}

	return result
}
