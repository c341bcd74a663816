// Package media wraps the yt-dlp and ffmpeg command line tools used by the pipeline,
// and the process runner shared by every adapter that shells out.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// maxLoggedOutput bounds how much of a tool's stdout and stderr is logged or kept in errors.
const maxLoggedOutput = 2000

// Command is one external process invocation.
type Command struct {
	Name    string
	Args    []string
	Dir     string
	Timeout time.Duration
}

func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Result captures the output of a finished process.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes external commands. Tests substitute a fake.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// CommandError reports a failed or timed out tool invocation.
type CommandError struct {
	Name     string
	Args     []string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("command %s failed (exit=%d)", e.Name, e.ExitCode)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

// ExecRunner runs commands with os/exec and logs their output.
type ExecRunner struct {
	Logger *slog.Logger
}

// NewExecRunner creates an ExecRunner.
func NewExecRunner(logger *slog.Logger) *ExecRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecRunner{Logger: logger.With("component", "exec")}
}

// Run executes cmd, bounded by cmd.Timeout when set. Non-zero exits, start failures and
// timeouts are returned as *CommandError.
func (r *ExecRunner) Run(ctx context.Context, cmd Command) (Result, error) {
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	r.Logger.InfoContext(ctx, "run command", "cmd", cmd.String(), "dir", cmd.Dir)
	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	start := time.Now()
	err := c.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if out := Truncate(res.Stdout); out != "" {
		r.Logger.DebugContext(ctx, "command stdout", "cmd", cmd.Name, "stdout", out)
	}
	if out := Truncate(res.Stderr); out != "" {
		r.Logger.DebugContext(ctx, "command stderr", "cmd", cmd.Name, "stderr", out)
	}
	if err == nil {
		r.Logger.InfoContext(ctx, "command finished", "cmd", cmd.Name, "duration", time.Since(start))
		return res, nil
	}

	res.ExitCode = -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("command timeout after %s: %w", cmd.Timeout, context.DeadlineExceeded)
	}
	return res, &CommandError{
		Name:     cmd.Name,
		Args:     cmd.Args,
		ExitCode: res.ExitCode,
		Stderr:   Truncate(strings.TrimSpace(res.Stderr)),
		Err:      err,
	}
}

// Truncate shortens tool output for logs and error messages.
func Truncate(s string) string {
	if len(s) <= maxLoggedOutput {
		return s
	}
	return s[:maxLoggedOutput]
}
