package sandbox

import (
	"context"
	"sync"
	"testing"
	"time"
)

// recordingSandbox counts calls and checks Execute never overlaps.
type recordingSandbox struct {
	mu        sync.Mutex
	inFlight  int
	maxSeen   int
	executes  int
	installs  [][]string
	started   bool
	cleanedUp bool
}

func (r *recordingSandbox) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = true
	return nil
}

func (r *recordingSandbox) InstallPackages(ctx context.Context, packages []string, timeout time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.installs = append(r.installs, packages)
	return nil
}

func (r *recordingSandbox) Execute(ctx context.Context, source string, payload Payload, timeout time.Duration) (*ExecutionResult, error) {
	r.mu.Lock()
	r.inFlight++
	if r.inFlight > r.maxSeen {
		r.maxSeen = r.inFlight
	}
	r.mu.Unlock()

	time.Sleep(5 * time.Millisecond)

	r.mu.Lock()
	r.inFlight--
	r.executes++
	r.mu.Unlock()
	return &ExecutionResult{Success: true, ExitCode: 0}, nil
}

func (r *recordingSandbox) Cleanup(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleanedUp = true
	return nil
}

func TestFlowSandboxSerializesExecutes(t *testing.T) {
	inner := &recordingSandbox{}
	flow := NewFlowSandbox(inner)

	if err := flow.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = flow.Execute(context.Background(), "def execute(i, c):\n    return {}", Payload{}, time.Second)
		}()
	}
	wg.Wait()

	if inner.executes != 8 {
		t.Errorf("executes = %d, want 8", inner.executes)
	}
	if inner.maxSeen != 1 {
		t.Errorf("max concurrent executes = %d, want serialized (1)", inner.maxSeen)
	}

	if err := flow.Cleanup(context.Background()); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if !inner.cleanedUp {
		t.Error("cleanup not delegated")
	}
}

func TestFlowSandboxForwardsInstalls(t *testing.T) {
	inner := &recordingSandbox{}
	flow := NewFlowSandbox(inner)

	_ = flow.Start(context.Background())
	_ = flow.InstallPackages(context.Background(), []string{"requests"}, time.Minute)
	_ = flow.InstallPackages(context.Background(), []string{"requests", "bs4"}, time.Minute)

	if len(inner.installs) != 2 {
		t.Fatalf("installs forwarded = %d, want 2", len(inner.installs))
	}
}
