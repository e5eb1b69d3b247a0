package exec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ShayCichocki/hivemind/internal/coordinator"
	"github.com/ShayCichocki/hivemind/internal/logging"
	"github.com/ShayCichocki/hivemind/internal/recovery"
	"github.com/ShayCichocki/hivemind/pkg/models"
)

// Exit codes with a known failure type. Anything else is an execution_error.
const (
	ExitTimeout    = 124 // timeout(1)
	ExitDataErr    = 65  // sysexits EX_DATAERR
	ExitUnavail    = 69  // sysexits EX_UNAVAILABLE
	ExitTempFail   = 75  // sysexits EX_TEMPFAIL
	maxErrorOutput = 512
)

// ShellExecutor runs one shell command per task attempt. The task is
// described to the command through HIVEMIND_* environment variables.
type ShellExecutor struct {
	runner  CommandRunner
	command string
	dir     string
	timeout time.Duration
	logger  *slog.Logger
}

// ShellOption configures a ShellExecutor.
type ShellOption func(*ShellExecutor)

// WithRunner replaces the process runner.
func WithRunner(r CommandRunner) ShellOption {
	return func(e *ShellExecutor) { e.runner = r }
}

// WithDir sets the working directory of the command.
func WithDir(dir string) ShellOption {
	return func(e *ShellExecutor) { e.dir = dir }
}

// WithTimeout sets the base time limit of one attempt. Zero means no limit.
func WithTimeout(d time.Duration) ShellOption {
	return func(e *ShellExecutor) { e.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ShellOption {
	return func(e *ShellExecutor) { e.logger = l }
}

// NewShellExecutor creates an executor for command, which is run with sh -c.
func NewShellExecutor(command string, opts ...ShellOption) (*ShellExecutor, error) {
	if command == "" {
		return nil, errors.New("executor command is required")
	}
	e := &ShellExecutor{runner: NewRunner(), command: command}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = logging.OrNop(e.logger).With("component", "executor")
	return e, nil
}

// Timeout returns the time limit for an attempt at t: the base timeout
// scaled by any multiplier a previous recovery left on the task.
func (e *ShellExecutor) Timeout(t *models.Task) time.Duration {
	if e.timeout <= 0 {
		return 0
	}
	if m, ok := t.Metadata[recovery.MetaTimeoutMultiplier].(float64); ok && m > 1 {
		return time.Duration(float64(e.timeout) * m)
	}
	return e.timeout
}

// Env returns the variables describing the attempt.
func Env(t *models.Task, agentID string) []string {
	env := []string{
		"HIVEMIND_COLLECTIVE_ID=" + t.CollectiveID,
		"HIVEMIND_TASK_ID=" + t.ID,
		"HIVEMIND_TASK_TITLE=" + t.Title,
		"HIVEMIND_TASK_LEVEL=" + t.Level.String(),
		"HIVEMIND_AGENT_ID=" + agentID,
	}
	if t.Description != "" {
		env = append(env, "HIVEMIND_TASK_DESCRIPTION="+t.Description)
	}
	if hint, ok := t.Metadata[recovery.MetaResourceHint].(string); ok {
		env = append(env, "HIVEMIND_RESOURCE_HINT="+hint)
	}
	return env
}

// Execute implements coordinator.TaskExecutor.
func (e *ShellExecutor) Execute(ctx context.Context, t *models.Task, agentID string) error {
	timeout := e.Timeout(t)
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	out, err := e.runner.Run(ctx, Command{
		Dir:  e.dir,
		Env:  Env(t, agentID),
		Name: "sh",
		Args: []string{"-c", e.command},
	})
	elapsed := time.Since(start)
	if err == nil {
		e.logger.Debug("task command succeeded", "task", t.ID, "agent", agentID, "elapsed", elapsed)
		return nil
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &coordinator.ExecutionError{
			Type: "timeout",
			Err:  fmt.Errorf("task %s timed out after %s", t.ID, timeout),
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	typ := Classify(err)
	e.logger.Info("task command failed", "task", t.ID, "agent", agentID, "type", typ, "error", err)
	if tail := Tail(out, maxErrorOutput); tail != "" {
		err = fmt.Errorf("%w: %s", err, tail)
	}
	return &coordinator.ExecutionError{Type: typ, Err: err}
}

// Classify maps a command error to a failure type by exit code.
func Classify(err error) string {
	var ec interface{ ExitCode() int }
	if !errors.As(err, &ec) {
		return "execution_error"
	}
	switch ec.ExitCode() {
	case ExitTimeout:
		return "timeout"
	case ExitTempFail:
		return "temporary_failure"
	case ExitUnavail:
		return "network_unavailable"
	case ExitDataErr:
		return "validation_error"
	default:
		return "execution_error"
	}
}

// Tail returns at most n trailing bytes of out, trimmed.
func Tail(out []byte, n int) string {
	out = bytes.TrimSpace(out)
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return string(out)
}

var _ coordinator.TaskExecutor = (*ShellExecutor)(nil)
