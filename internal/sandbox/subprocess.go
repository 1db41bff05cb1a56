package sandbox

import (
	"context"
	"os"
	"os/exec"
	"sync"
	"time"

	"blocksmith/internal/core"
	"blocksmith/internal/logging"
)

// =============================================================================
// SUBPROCESS BACKEND
// =============================================================================
// Fallback for hosts without a container daemon. The child applies its
// own rlimits (address space, CPU seconds, file descriptors) before the
// block source runs, and a handful of interactive builtins are removed.
// Package installation is a no-op: blocks run against whatever the host
// interpreter already has.

// SubprocessSandbox runs blocks under the host Python interpreter.
type SubprocessSandbox struct {
	mu        sync.Mutex
	opts      Options
	python    string
	workDir   string
	ownsDir   bool
	started   bool
	cleaned   bool
	installed map[string]bool
}

var _ Sandbox = (*SubprocessSandbox)(nil)

// NewSubprocessSandbox prepares a subprocess-backed sandbox.
func NewSubprocessSandbox(opts Options) *SubprocessSandbox {
	if opts.PythonBin == "" {
		opts.PythonBin = DefaultOptions().PythonBin
	}
	return &SubprocessSandbox{
		opts:      opts,
		installed: make(map[string]bool),
	}
}

// Start resolves the interpreter and creates a scratch directory the
// child uses as its working directory.
func (s *SubprocessSandbox) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	if s.cleaned {
		return core.NewSandbox("sandbox already cleaned up", nil)
	}

	python, err := exec.LookPath(s.opts.PythonBin)
	if err != nil {
		return core.NewSandbox("python interpreter not found: "+s.opts.PythonBin, err)
	}
	s.python = python

	if s.opts.WorkDir != "" {
		if err := os.MkdirAll(s.opts.WorkDir, 0755); err != nil {
			return core.NewSandbox("failed to create sandbox work dir", err)
		}
		s.workDir = s.opts.WorkDir
	} else {
		dir, err := os.MkdirTemp("", "blocksmith-sbx-*")
		if err != nil {
			return core.NewSandbox("failed to create sandbox scratch dir", err)
		}
		s.workDir = dir
		s.ownsDir = true
	}

	s.started = true
	logging.Sandbox("subprocess sandbox up: %s (cwd=%s)", s.python, s.workDir)
	return nil
}

// InstallPackages records the names and returns nil. The subprocess
// backend never mutates the host environment.
func (s *SubprocessSandbox) InstallPackages(ctx context.Context, packages []string, timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return core.NewSandbox("sandbox not started", nil)
	}
	for _, pkg := range packages {
		if pkg == "" || s.installed[pkg] {
			continue
		}
		s.installed[pkg] = true
		logging.SandboxDebug("subprocess backend skipping install of %s, host environment is used as-is", pkg)
	}
	return nil
}

// Execute runs source under the host interpreter with in-child limits.
func (s *SubprocessSandbox) Execute(ctx context.Context, source string, payload Payload, timeout time.Duration) (*ExecutionResult, error) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil, core.NewSandbox("sandbox not started", nil)
	}
	python, workDir := s.python, s.workDir
	s.mu.Unlock()

	stdin, err := encodePayload(source, payload)
	if err != nil {
		return nil, err
	}

	cpuSeconds := int(timeout.Seconds()) + 1
	runner := runnerSource(subprocessPreamble(s.opts.MemoryLimitMB, cpuSeconds))

	return runSandboxCommand(ctx, timeout, stdin, workDir, python, "-c", runner)
}

// Cleanup removes the scratch directory when this sandbox created it.
func (s *SubprocessSandbox) Cleanup(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cleaned {
		return nil
	}
	s.cleaned = true
	s.started = false

	if s.ownsDir && s.workDir != "" {
		if err := os.RemoveAll(s.workDir); err != nil {
			logging.SandboxWarn("failed to remove sandbox scratch dir %s: %v", s.workDir, err)
			return core.NewSandbox("failed to remove sandbox scratch dir", err)
		}
	}
	return nil
}
