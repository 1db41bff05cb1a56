package perception

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"blocksmith/internal/core"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestThrottleFirstCallImmediate(t *testing.T) {
	th := NewThrottle(time.Hour)
	start := time.Now()
	if err := th.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("first call waited %s", elapsed)
	}
}

func TestThrottleEnforcesGap(t *testing.T) {
	const gap = 80 * time.Millisecond
	th := NewThrottle(gap)
	ctx := context.Background()

	if err := th.Wait(ctx); err != nil {
		t.Fatalf("first Wait: %v", err)
	}
	start := time.Now()
	if err := th.Wait(ctx); err != nil {
		t.Fatalf("second Wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed < gap-10*time.Millisecond {
		t.Errorf("second call paced only %s, want ~%s", elapsed, gap)
	}

	m := th.Metrics()
	if m.TotalCalls != 2 {
		t.Errorf("TotalCalls = %d", m.TotalCalls)
	}
	if m.ThrottledCalls != 1 {
		t.Errorf("ThrottledCalls = %d", m.ThrottledCalls)
	}
}

func TestThrottleCancelWhilePacing(t *testing.T) {
	th := NewThrottle(time.Hour)
	if err := th.Wait(context.Background()); err != nil {
		t.Fatalf("prime Wait: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- th.Wait(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !core.IsKind(err, core.KindCancelled) {
			t.Errorf("got %v, want cancelled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after cancel")
	}

	// The cancelled waiter must release the gate for later callers.
	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	go func() { done <- th.Wait(ctx2) }()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("gate not released after cancelled wait")
	}
}

func TestThrottleSerializesConcurrentCallers(t *testing.T) {
	const gap = 30 * time.Millisecond
	th := NewThrottle(gap)

	var mu sync.Mutex
	var stamps []time.Time
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := th.Wait(context.Background()); err != nil {
				t.Errorf("Wait: %v", err)
				return
			}
			mu.Lock()
			stamps = append(stamps, time.Now())
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(stamps) != 4 {
		t.Fatalf("got %d stamps", len(stamps))
	}
	for i := 1; i < len(stamps); i++ {
		if d := stamps[i].Sub(stamps[i-1]); d < gap-15*time.Millisecond {
			t.Errorf("calls %d and %d only %s apart", i-1, i, d)
		}
	}
}

// scriptedClient returns canned responses in order.
type scriptedClient struct {
	mu        sync.Mutex
	responses []string
	errs      []error
	calls     int
}

func (s *scriptedClient) next() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	var out string
	var err error
	if i < len(s.responses) {
		out = s.responses[i]
	}
	if i < len(s.errs) {
		err = s.errs[i]
	}
	return out, err
}

func (s *scriptedClient) Complete(ctx context.Context, prompt string) (string, error) {
	return s.next()
}

func (s *scriptedClient) CompleteWithSystem(ctx context.Context, sys, user string) (string, error) {
	return s.next()
}

func TestThrottledClientRetriesTransientFailures(t *testing.T) {
	inner := &scriptedClient{
		responses: []string{"", "ok"},
		errs:      []error{errors.New("connection reset"), nil},
	}
	client := NewThrottledClient(inner, NewThrottle(time.Millisecond), 2)

	out, err := client.Complete(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out != "ok" {
		t.Errorf("got %q", out)
	}

	m := client.Metrics()
	if m.TotalRetries != 1 {
		t.Errorf("TotalRetries = %d", m.TotalRetries)
	}
	if m.TotalErrors != 0 {
		t.Errorf("TotalErrors = %d", m.TotalErrors)
	}
}

func TestThrottledClientExhaustsRetries(t *testing.T) {
	boom := errors.New("boom")
	inner := &scriptedClient{
		responses: []string{"", "", ""},
		errs:      []error{boom, boom, boom},
	}
	client := NewThrottledClient(inner, NewThrottle(time.Millisecond), 2)

	_, err := client.Complete(context.Background(), "hello")
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want boom", err)
	}
	if inner.calls != 3 {
		t.Errorf("inner called %d times, want 3", inner.calls)
	}
	if m := client.Metrics(); m.TotalErrors != 1 {
		t.Errorf("TotalErrors = %d", m.TotalErrors)
	}
}

func TestThrottledClientStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	inner := &scriptedClient{
		responses: []string{""},
		errs:      []error{errors.New("first failure")},
	}
	client := NewThrottledClient(inner, NewThrottle(time.Millisecond), 5)

	// Cancel after the first attempt; the retry sleep must abort.
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	_, err := client.Complete(ctx, "hello")
	if err == nil {
		t.Fatal("expected error")
	}
	if inner.calls > 2 {
		t.Errorf("inner called %d times after cancel", inner.calls)
	}
}
