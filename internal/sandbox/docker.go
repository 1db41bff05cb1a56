package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"blocksmith/internal/core"
	"blocksmith/internal/logging"
)

// =============================================================================
// DOCKER BACKEND
// =============================================================================
// One disposable container per sandbox, created stopped-idle with
// `sleep infinity` and exercised through docker exec. The daemon is
// driven over the CLI, so nothing here links against dockerd.

// DockerSandbox runs blocks inside a dedicated container.
type DockerSandbox struct {
	mu          sync.Mutex
	opts        Options
	containerID string
	name        string
	installed   map[string]bool
	started     bool
	cleaned     bool
}

var _ Sandbox = (*DockerSandbox)(nil)

// NewDockerSandbox prepares a container-backed sandbox. The container
// is not created until Start.
func NewDockerSandbox(opts Options) *DockerSandbox {
	if opts.Image == "" {
		opts.Image = DefaultOptions().Image
	}
	return &DockerSandbox{
		opts:      opts,
		name:      "blocksmith-sbx-" + uuid.NewString()[:8],
		installed: make(map[string]bool),
	}
}

// Start creates and starts the container.
func (s *DockerSandbox) Start(ctx context.Context) error {
	if !DockerAvailable() {
		return core.NewSandbox("docker is not available", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	if s.cleaned {
		return core.NewSandbox("sandbox already cleaned up", nil)
	}

	args := []string{"create", "--name", s.name, "-w", "/workspace"}

	if s.opts.MemoryLimitMB > 0 {
		args = append(args, "--memory", fmt.Sprintf("%dm", s.opts.MemoryLimitMB))
	}
	if s.opts.CPULimit > 0 {
		args = append(args, "--cpus", fmt.Sprintf("%.2f", s.opts.CPULimit))
	}
	args = append(args, "--pids-limit", "128")

	if !s.opts.Network {
		args = append(args, "--network", "none")
	}

	args = append(args, "--label", "blocksmith.managed=true")
	args = append(args, "--label", fmt.Sprintf("blocksmith.created=%d", time.Now().Unix()))
	for k, v := range s.opts.Labels {
		args = append(args, "--label", fmt.Sprintf("%s=%s", k, v))
	}

	args = append(args, s.opts.Image, "sleep", "infinity")

	logging.SandboxDebug("docker create args: %v", args)

	out, stderr, err := runDocker(ctx, args...)
	if err != nil {
		return core.NewSandbox(fmt.Sprintf("failed to create container: %s", strings.TrimSpace(stderr)), err)
	}
	s.containerID = strings.TrimSpace(out)

	if _, stderr, err = runDocker(ctx, "start", s.containerID); err != nil {
		return core.NewSandbox(fmt.Sprintf("failed to start container: %s", strings.TrimSpace(stderr)), err)
	}

	s.started = true
	logging.Sandbox("container sandbox up: %s (%s, network=%v)", s.shortID(), s.opts.Image, s.opts.Network)
	return nil
}

// InstallPackages pip-installs packages not yet present in this
// container. Already-installed names are skipped.
func (s *DockerSandbox) InstallPackages(ctx context.Context, packages []string, timeout time.Duration) error {
	if err := s.requireStarted(); err != nil {
		return err
	}

	s.mu.Lock()
	missing := make([]string, 0, len(packages))
	for _, pkg := range packages {
		pkg = strings.TrimSpace(strings.ToLower(pkg))
		if pkg == "" || s.installed[pkg] {
			continue
		}
		missing = append(missing, pkg)
	}
	s.mu.Unlock()

	if len(missing) == 0 {
		return nil
	}

	timer := logging.StartTimer(logging.CategorySandbox, "pip install")
	defer timer.StopWithInfo("packages=%v", missing)

	installCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append([]string{"exec", s.containerID, "pip", "install", "--no-cache-dir", "--quiet"}, missing...)
	_, stderr, err := runDocker(installCtx, args...)
	if err != nil {
		if installCtx.Err() != nil {
			return core.FromContext(installCtx, "package install")
		}
		return core.NewSandbox(
			fmt.Sprintf("pip install failed for %v: %s", missing, core.Truncate(core.TailLines(stderr, 5), 500)), err)
	}

	s.mu.Lock()
	for _, pkg := range missing {
		s.installed[pkg] = true
	}
	s.mu.Unlock()
	return nil
}

// Execute runs source inside the container through the harness.
func (s *DockerSandbox) Execute(ctx context.Context, source string, payload Payload, timeout time.Duration) (*ExecutionResult, error) {
	if err := s.requireStarted(); err != nil {
		return nil, err
	}

	stdin, err := encodePayload(source, payload)
	if err != nil {
		return nil, err
	}

	python := s.opts.PythonBin
	if python == "" {
		python = "python3"
	}
	args := []string{"exec", "-i", s.containerID, python, "-c", runnerSource("")}
	return runSandboxCommand(ctx, timeout, stdin, "", dockerPath, args...)
}

// Cleanup force-removes the container. Idempotent.
func (s *DockerSandbox) Cleanup(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cleaned || s.containerID == "" {
		s.cleaned = true
		return nil
	}
	s.cleaned = true
	s.started = false

	if _, stderr, err := runDocker(ctx, "rm", "-f", s.containerID); err != nil {
		logging.SandboxWarn("container remove failed for %s: %s", s.shortID(), strings.TrimSpace(stderr))
		return core.NewSandbox("failed to remove container", err)
	}
	logging.SandboxDebug("container sandbox removed: %s", s.shortID())
	return nil
}

func (s *DockerSandbox) requireStarted() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return core.NewSandbox("sandbox not started", nil)
	}
	return nil
}

func (s *DockerSandbox) shortID() string {
	if len(s.containerID) >= 12 {
		return s.containerID[:12]
	}
	return s.containerID
}

// runDocker runs one docker CLI command and returns stdout and stderr.
func runDocker(ctx context.Context, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, dockerPath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}
