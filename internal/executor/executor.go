// Package executor runs job commands through the shell with a hard timeout
// and captures their output. It is the boundary the queue core treats as a
// black box: command in, outcome out. The timeout here is the primary
// enforcement; the queue's reaper is the safety net.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

// OutputStore persists captured stdout/stderr and returns an opaque ref.
type OutputStore interface {
	SaveOutput(ctx context.Context, jobID, content string) (string, error)
}

// Result is the outcome of one execution attempt.
type Result struct {
	Success     bool
	ExitCode    int
	OutputRef   string
	ErrorReason string
	Duration    time.Duration
}

// Executor runs shell commands. The zero value is not usable; use New.
type Executor struct {
	outputs OutputStore
	log     *slog.Logger
}

// New creates an Executor that stores captured output through outputs.
// outputs may be nil, in which case output is discarded.
func New(outputs OutputStore) *Executor {
	return &Executor{outputs: outputs, log: slog.Default()}
}

// deniedSubstrings blocks obviously destructive commands. This is a guard
// against accidents, not hostile input; rejected commands fail with a stable
// auditable reason and never execute.
var deniedSubstrings = []string{
	"rm -rf",
	"mkfs",
	"dd if=",
	"shutdown",
	"reboot",
	"del /f",
	":(){ :|:& };:",
}

// CheckCommand validates a command against the denylist. Returns a non-nil
// error with the rejection reason when the command must not run.
func CheckCommand(command string) error {
	if strings.TrimSpace(command) == "" {
		return errors.New("command rejected: empty command")
	}
	lower := strings.ToLower(command)
	for _, deny := range deniedSubstrings {
		if strings.Contains(lower, deny) {
			return fmt.Errorf("command rejected: contains blocked pattern %q", deny)
		}
	}
	return nil
}

// Run executes command via the shell, enforcing timeout. The returned Result
// always carries a duration; on timeout Success is false, ExitCode is -1, and
// ErrorReason contains "timed out".
func (e *Executor) Run(ctx context.Context, jobID, command string, timeout time.Duration) Result {
	start := time.Now()

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(runCtx, "cmd", "/c", command)
	} else {
		cmd = exec.CommandContext(runCtx, "sh", "-c", command)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Bound the post-kill wait: a grandchild inheriting the output pipes would
	// otherwise keep Run blocked after the shell itself is dead.
	cmd.WaitDelay = 5 * time.Second

	runErr := cmd.Run()
	duration := time.Since(start)

	outputRef := e.storeOutput(ctx, jobID, stdout.String(), stderr.String())

	if runCtx.Err() == context.DeadlineExceeded {
		e.log.Warn("command timed out", "job_id", jobID, "timeout", timeout)
		return Result{
			Success:     false,
			ExitCode:    -1,
			OutputRef:   outputRef,
			ErrorReason: fmt.Sprintf("command execution timed out after %s", timeout),
			Duration:    duration,
		}
	}

	if runErr != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		reason := strings.TrimSpace(stderr.String())
		if reason == "" {
			reason = fmt.Sprintf("command failed with exit code %d", exitCode)
		}
		return Result{
			Success:     false,
			ExitCode:    exitCode,
			OutputRef:   outputRef,
			ErrorReason: reason,
			Duration:    duration,
		}
	}

	return Result{
		Success:   true,
		ExitCode:  0,
		OutputRef: outputRef,
		Duration:  duration,
	}
}

// storeOutput persists combined stdout/stderr when there is any and an
// OutputStore is configured. Storage failures are logged, not fatal — the
// attempt outcome matters more than its log.
func (e *Executor) storeOutput(ctx context.Context, jobID, stdout, stderr string) string {
	if e.outputs == nil || (stdout == "" && stderr == "") {
		return ""
	}
	var b strings.Builder
	b.WriteString("=== STDOUT ===\n")
	b.WriteString(stdout)
	b.WriteString("\n=== STDERR ===\n")
	b.WriteString(stderr)
	b.WriteString("\n")

	ref, err := e.outputs.SaveOutput(ctx, jobID, b.String())
	if err != nil {
		e.log.Error("store job output", "job_id", jobID, "error", err)
		return ""
	}
	return ref
}
