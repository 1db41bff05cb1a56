package sandbox

import (
	"context"
	"sync"
	"time"
)

// =============================================================================
// FLOW SANDBOX
// =============================================================================

// FlowSandbox shares one backend across a whole pipeline run. The union
// of every block's packages installs at most once per name, and
// executes are serialized so blocks cannot interleave inside the shared
// environment.
type FlowSandbox struct {
	mu    sync.Mutex
	inner Sandbox
}

var _ Sandbox = (*FlowSandbox)(nil)

// NewFlowSandbox wraps inner for shared use by a pipeline run.
func NewFlowSandbox(inner Sandbox) *FlowSandbox {
	return &FlowSandbox{inner: inner}
}

func (f *FlowSandbox) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inner.Start(ctx)
}

// InstallPackages forwards to the backend, whose per-name dedupe makes
// repeated calls for overlapping block dependencies cheap.
func (f *FlowSandbox) InstallPackages(ctx context.Context, packages []string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inner.InstallPackages(ctx, packages, timeout)
}

func (f *FlowSandbox) Execute(ctx context.Context, source string, payload Payload, timeout time.Duration) (*ExecutionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inner.Execute(ctx, source, payload, timeout)
}

func (f *FlowSandbox) Cleanup(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inner.Cleanup(ctx)
}
