package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"blocksmith/internal/sandbox"
)

// =============================================================================
// SCRIPTED SANDBOX
// =============================================================================

// ExecRecord captures one Execute call against a ScriptedSandbox.
type ExecRecord struct {
	Source  string
	Payload sandbox.Payload
}

// ScriptedSandbox is a sandbox.Sandbox fake with overridable behavior
// per method. Zero value succeeds everything: Execute returns a
// harness-shaped OK result echoing the payload inputs as outputs.
type ScriptedSandbox struct {
	mu sync.Mutex

	StartFn   func(ctx context.Context) error
	InstallFn func(ctx context.Context, packages []string, timeout time.Duration) error
	ExecuteFn func(ctx context.Context, source string, payload sandbox.Payload, timeout time.Duration) (*sandbox.ExecutionResult, error)
	CleanupFn func(ctx context.Context) error

	started  bool
	cleaned  bool
	installs [][]string
	execs    []ExecRecord
}

var _ sandbox.Sandbox = (*ScriptedSandbox)(nil)

func (s *ScriptedSandbox) Start(ctx context.Context) error {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	if s.StartFn != nil {
		return s.StartFn(ctx)
	}
	return nil
}

func (s *ScriptedSandbox) InstallPackages(ctx context.Context, packages []string, timeout time.Duration) error {
	s.mu.Lock()
	s.installs = append(s.installs, append([]string(nil), packages...))
	s.mu.Unlock()
	if s.InstallFn != nil {
		return s.InstallFn(ctx, packages, timeout)
	}
	return nil
}

func (s *ScriptedSandbox) Execute(ctx context.Context, source string, payload sandbox.Payload, timeout time.Duration) (*sandbox.ExecutionResult, error) {
	s.mu.Lock()
	s.execs = append(s.execs, ExecRecord{Source: source, Payload: payload})
	s.mu.Unlock()
	if s.ExecuteFn != nil {
		return s.ExecuteFn(ctx, source, payload, timeout)
	}
	return HarnessResult(payload.Inputs, nil), nil
}

func (s *ScriptedSandbox) Cleanup(ctx context.Context) error {
	s.mu.Lock()
	s.cleaned = true
	s.mu.Unlock()
	if s.CleanupFn != nil {
		return s.CleanupFn(ctx)
	}
	return nil
}

// Started reports whether Start ran.
func (s *ScriptedSandbox) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Cleaned reports whether Cleanup ran.
func (s *ScriptedSandbox) Cleaned() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cleaned
}

// Installs returns every package list passed to InstallPackages.
func (s *ScriptedSandbox) Installs() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]string, len(s.installs))
	copy(out, s.installs)
	return out
}

// Executes returns every Execute call made.
func (s *ScriptedSandbox) Executes() []ExecRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ExecRecord, len(s.execs))
	copy(out, s.execs)
	return out
}

// Factory returns a sandbox.Factory handing out this instance.
func (s *ScriptedSandbox) Factory() sandbox.Factory {
	return func(network bool) (sandbox.Sandbox, error) {
		return s, nil
	}
}

// HarnessResult builds the ExecutionResult a real backend would return
// for a block that printed outputs (and optionally a memory snapshot)
// through the harness.
func HarnessResult(outputs map[string]interface{}, memory map[string]interface{}) *sandbox.ExecutionResult {
	doc := map[string]interface{}{"outputs": outputs}
	if memory != nil {
		doc["memory"] = memory
	}
	encoded, err := json.Marshal(doc)
	if err != nil {
		panic(fmt.Sprintf("testutil: unencodable harness outputs: %v", err))
	}
	return &sandbox.ExecutionResult{
		Success:  true,
		ExitCode: 0,
		Stdout:   sandbox.ResultMarker + string(encoded) + "\n",
	}
}

// FailedResult builds a non-zero-exit result with stderr, the shape a
// raising block produces.
func FailedResult(stderr string) *sandbox.ExecutionResult {
	return &sandbox.ExecutionResult{
		Success:  true,
		ExitCode: 1,
		Stderr:   stderr,
	}
}
