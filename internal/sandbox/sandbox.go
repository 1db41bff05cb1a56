// Package sandbox runs untrusted Python block sources in isolation.
//
// Two interchangeable backends sit behind the Sandbox interface: a
// container backend (preferred when a docker daemon answers) and a
// subprocess backend that applies OS resource limits from inside the
// child. Both feed the block a JSON payload on stdin and read the
// declared outputs back from a marked stdout line, so the caller never
// parses arbitrary program output.
package sandbox

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"blocksmith/internal/config"
	"blocksmith/internal/core"
)

// =============================================================================
// SANDBOX INTERFACE
// =============================================================================

// Sandbox is a single-tenant execution environment for Python block
// sources. Each block synthesis gets its own; flow execution may share
// one through FlowSandbox.
type Sandbox interface {
	// Start brings the environment up. Idempotent.
	Start(ctx context.Context) error

	// InstallPackages installs pip packages, skipping names already
	// installed in this sandbox. The subprocess backend records and
	// skips them all, it runs against the host interpreter.
	InstallPackages(ctx context.Context, packages []string, timeout time.Duration) error

	// Execute runs source with the payload on stdin and returns a
	// structured result. Timeouts and limit kills land in the result,
	// not in the returned error; the error is for infrastructure
	// problems only.
	Execute(ctx context.Context, source string, payload Payload, timeout time.Duration) (*ExecutionResult, error)

	// Cleanup tears the environment down. Idempotent.
	Cleanup(ctx context.Context) error
}

// Payload is what the block's execute function receives.
type Payload struct {
	Inputs  map[string]interface{} `json:"inputs"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// =============================================================================
// EXECUTION RESULT
// =============================================================================

// ExecutionResult reports one execute call. Success means the backend
// itself worked; a block that exited non-zero or was killed by its
// limits still has Success=true with the detail in ExitCode, Killed,
// and Stderr.
type ExecutionResult struct {
	Stdout     string        `json:"stdout"`
	Stderr     string        `json:"stderr"`
	ExitCode   int           `json:"exit_code"`
	Success    bool          `json:"success"`
	Killed     bool          `json:"killed"`
	KillReason string        `json:"kill_reason,omitempty"`
	Truncated  bool          `json:"truncated,omitempty"`
	Error      string        `json:"error,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
}

// OK reports whether the block ran to completion with exit code zero.
func (r *ExecutionResult) OK() bool {
	return r.Success && !r.Killed && r.ExitCode == 0
}

// Failure classifies a non-OK result. Returns nil when the run
// succeeded.
func (r *ExecutionResult) Failure() *core.Error {
	switch {
	case r.OK():
		return nil
	case !r.Success:
		return core.NewSandbox(fmt.Sprintf("sandbox backend failed: %s", r.Error), nil)
	case r.Killed && strings.Contains(r.KillReason, "timeout"):
		return core.NewTimeout("block execution", r.Duration.Round(time.Millisecond))
	case r.Killed:
		return core.NewSandbox(fmt.Sprintf("block execution killed: %s", r.KillReason), nil)
	case r.ExitCode == oomExitCode || strings.Contains(r.Stderr, "MemoryError"):
		return core.NewResourceExceeded("block exceeded its memory limit")
	case strings.Contains(r.Stderr, "CPU time limit exceeded") || r.ExitCode == cpuKillExitCode:
		return core.NewResourceExceeded("block exceeded its CPU limit")
	default:
		return core.NewSandbox(
			fmt.Sprintf("block exited with code %d: %s", r.ExitCode, core.Truncate(core.TailLines(r.Stderr, 5), 400)),
			nil,
		)
	}
}

// Exit codes that signal a resource kill rather than a program bug.
// 137 is SIGKILL (docker OOM), 152 is SIGXCPU with the 128 offset.
const (
	oomExitCode     = 137
	cpuKillExitCode = 152
)

// =============================================================================
// CONSTRUCTION
// =============================================================================

// Backend names accepted by Options.Backend.
const (
	BackendAuto       = "auto"
	BackendDocker     = "docker"
	BackendSubprocess = "subprocess"
)

// Options configures a sandbox instance.
type Options struct {
	Backend       string
	Image         string
	PythonBin     string
	MemoryLimitMB int
	CPULimit      float64
	WorkDir       string
	// Network enables outbound networking. Off by default; the planner
	// turns it on only for blocks whose metadata declares the need.
	Network bool
	Labels  map[string]string
}

// DefaultOptions returns the reference sandbox settings.
func DefaultOptions() Options {
	return Options{
		Backend:       BackendAuto,
		Image:         "python:3.12-slim",
		PythonBin:     "python3",
		MemoryLimitMB: 512,
		CPULimit:      1.0,
	}
}

// Factory builds fresh sandboxes. The synthesizer takes one so every
// attempt runs in a clean environment; the executor takes one so a run
// can decide between per-node and flow-shared sandboxes.
type Factory func(network bool) (Sandbox, error)

// ConfigFactory binds a Factory to the application config.
func ConfigFactory(cfg *config.Config) Factory {
	return func(network bool) (Sandbox, error) {
		return FromConfig(cfg, network)
	}
}

// FromConfig builds a sandbox from the application config. network
// enables outbound access for the blocks this sandbox will run.
func FromConfig(cfg *config.Config, network bool) (Sandbox, error) {
	return New(Options{
		Backend:       cfg.Sandbox.Backend,
		Image:         cfg.Sandbox.Image,
		PythonBin:     cfg.Sandbox.PythonBin,
		MemoryLimitMB: cfg.Sandbox.MemoryLimitMB,
		CPULimit:      cfg.Sandbox.CPULimit,
		WorkDir:       cfg.Sandbox.WorkDir,
		Network:       network,
	})
}

// New builds a sandbox for opts. Backend "auto" prefers docker and
// falls back to the subprocess backend when no daemon answers.
func New(opts Options) (Sandbox, error) {
	switch opts.Backend {
	case BackendDocker:
		if !DockerAvailable() {
			return nil, core.NewSandbox("docker backend requested but docker is not available", nil)
		}
		return NewDockerSandbox(opts), nil
	case BackendSubprocess:
		return NewSubprocessSandbox(opts), nil
	case BackendAuto, "":
		if DockerAvailable() {
			return NewDockerSandbox(opts), nil
		}
		return NewSubprocessSandbox(opts), nil
	default:
		return nil, core.NewValidation(core.SubkindMissingRequired, fmt.Sprintf("unknown sandbox backend %q", opts.Backend))
	}
}

// =============================================================================
// DOCKER PROBE
// =============================================================================

var (
	dockerProbeOnce sync.Once
	dockerPath      string
	dockerOK        bool
)

// DockerAvailable reports whether a responsive docker daemon exists.
// The probe runs once per process.
func DockerAvailable() bool {
	dockerProbeOnce.Do(probeDocker)
	return dockerOK
}

func probeDocker() {
	path, err := exec.LookPath("docker")
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := exec.CommandContext(ctx, path, "version", "--format", "{{.Server.Version}}").Run(); err != nil {
		return
	}
	dockerPath = path
	dockerOK = true
}
