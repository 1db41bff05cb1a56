package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"blocksmith/internal/logging"
)

// =============================================================================
// SHARED COMMAND RUNNER
// =============================================================================

// outputCap bounds how much stdout or stderr a run may produce. A block
// stuck in a print loop fills the cap and the rest is dropped; the
// result marker still parses because the harness emits it on exit.
const outputCap = 1 << 20

// limitedBuffer keeps at most limit bytes and swallows the rest.
type limitedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (w *limitedBuffer) Write(p []byte) (int, error) {
	remaining := w.limit - w.buf.Len()
	if remaining <= 0 {
		w.truncated = true
		return len(p), nil
	}
	if len(p) > remaining {
		w.buf.Write(p[:remaining])
		w.truncated = true
		return len(p), nil
	}
	return w.buf.Write(p)
}

func (w *limitedBuffer) String() string { return w.buf.String() }

// runSandboxCommand executes one child process with JSON on stdin and
// classifies the outcome. Success stays true for timeout kills and
// non-zero exits; only a backend that could not run the child at all
// reports Success=false. dir may be empty.
func runSandboxCommand(ctx context.Context, timeout time.Duration, stdin []byte, dir, binary string, args ...string) (*ExecutionResult, error) {
	timer := logging.StartTimer(logging.CategorySandbox, "block execute")
	defer timer.Stop()

	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, binary, args...)
	cmd.Stdin = bytes.NewReader(stdin)
	cmd.Dir = dir

	stdout := &limitedBuffer{limit: outputCap}
	stderr := &limitedBuffer{limit: outputCap}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	result := &ExecutionResult{
		ExitCode:  -1,
		StartedAt: time.Now(),
	}

	err := cmd.Run()
	result.Duration = time.Since(result.StartedAt)
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()
	result.Truncated = stdout.truncated || stderr.truncated

	if err != nil {
		switch {
		case execCtx.Err() == context.DeadlineExceeded:
			result.Success = true
			result.Killed = true
			result.KillReason = fmt.Sprintf("timeout after %s", timeout)
			logging.SandboxWarn("block execution killed after %s", timeout)
		case execCtx.Err() == context.Canceled:
			result.Success = true
			result.Killed = true
			result.KillReason = "context canceled"
		default:
			if exitErr, ok := err.(*exec.ExitError); ok {
				result.Success = true
				result.ExitCode = exitErr.ExitCode()
				logging.SandboxDebug("block exited non-zero: %d", result.ExitCode)
			} else {
				result.Success = false
				result.Error = err.Error()
				logging.SandboxWarn("sandbox command failed to run: %v", err)
			}
		}
	} else {
		result.Success = true
		result.ExitCode = 0
	}

	return result, nil
}
