package perception

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"blocksmith/internal/core"
	"blocksmith/internal/logging"
)

// =============================================================================
// CALL THROTTLE
// =============================================================================
// One Throttle instance is shared by every component that talks to a model:
// planner stages, synthesizer iterations, and text_generation nodes all
// pace through the same gate, so concurrent pipelines cannot stampede a
// provider.

// DefaultThrottleInterval is the minimum gap between consecutive calls.
const DefaultThrottleInterval = 5 * time.Second

// Throttle enforces a minimum interval between calls. Callers queue on a
// single slot; both the queueing and the pacing sleep abort on context
// cancellation. Pacing uses time.Since, which reads the monotonic clock,
// so wall-clock adjustments never distort the gap.
type Throttle struct {
	interval time.Duration
	gate     chan struct{}

	mu   sync.Mutex
	last time.Time

	totalCalls     atomic.Int64
	throttledCalls atomic.Int64
	totalWaitNanos atomic.Int64
}

// NewThrottle creates a throttle with the given minimum interval.
// Non-positive intervals fall back to the default.
func NewThrottle(interval time.Duration) *Throttle {
	if interval <= 0 {
		interval = DefaultThrottleInterval
	}
	t := &Throttle{
		interval: interval,
		gate:     make(chan struct{}, 1),
	}
	t.gate <- struct{}{}
	return t
}

// Wait blocks until the interval since the previous successful Wait has
// elapsed, then records this call as the new reference point. Returns the
// context's taxonomy error if cancelled while queued or pacing; a
// cancelled waiter does not advance the reference point.
func (t *Throttle) Wait(ctx context.Context) error {
	select {
	case <-t.gate:
	case <-ctx.Done():
		return core.FromContext(ctx, "throttle wait")
	}
	defer func() { t.gate <- struct{}{} }()

	t.totalCalls.Add(1)

	t.mu.Lock()
	last := t.last
	t.mu.Unlock()

	if !last.IsZero() {
		if wait := t.interval - time.Since(last); wait > 0 {
			t.throttledCalls.Add(1)
			t.totalWaitNanos.Add(int64(wait))
			logging.PerceptionDebug("throttle: pacing %s before next call", wait.Round(time.Millisecond))

			timer := time.NewTimer(wait)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
				return core.FromContext(ctx, "throttle wait")
			}
		}
	}

	t.mu.Lock()
	t.last = time.Now()
	t.mu.Unlock()
	return nil
}

// Interval returns the configured minimum gap.
func (t *Throttle) Interval() time.Duration {
	return t.interval
}

// ThrottleMetrics is a point-in-time snapshot of throttle activity.
type ThrottleMetrics struct {
	TotalCalls     int64
	ThrottledCalls int64
	TotalWaitTime  time.Duration
}

// String renders the metrics human-readable.
func (m ThrottleMetrics) String() string {
	return fmt.Sprintf("Throttle[calls=%d throttled=%d waited=%s]",
		m.TotalCalls, m.ThrottledCalls, m.TotalWaitTime.Round(time.Millisecond))
}

// Metrics returns current throttle metrics.
func (t *Throttle) Metrics() ThrottleMetrics {
	return ThrottleMetrics{
		TotalCalls:     t.totalCalls.Load(),
		ThrottledCalls: t.throttledCalls.Load(),
		TotalWaitTime:  time.Duration(t.totalWaitNanos.Load()),
	}
}

// =============================================================================
// THROTTLED CLIENT
// =============================================================================

const (
	retryBaseDelay = 100 * time.Millisecond
	retryMaxDelay  = 5 * time.Second
)

// ThrottledClient wraps an LLMClient with the shared throttle and a
// bounded retry loop. Validation of model output is the caller's job;
// this layer only retries transport-level failures.
type ThrottledClient struct {
	inner    core.LLMClient
	throttle *Throttle
	retries  int

	totalCalls   atomic.Int64
	totalRetries atomic.Int64
	totalErrors  atomic.Int64
}

var _ core.LLMClient = (*ThrottledClient)(nil)

// NewThrottledClient wraps inner. retries is the number of additional
// attempts after the first; negative means none.
func NewThrottledClient(inner core.LLMClient, throttle *Throttle, retries int) *ThrottledClient {
	if throttle == nil {
		throttle = NewThrottle(DefaultThrottleInterval)
	}
	if retries < 0 {
		retries = 0
	}
	return &ThrottledClient{
		inner:    inner,
		throttle: throttle,
		retries:  retries,
	}
}

// Complete sends a bare user prompt through the throttle.
func (c *ThrottledClient) Complete(ctx context.Context, prompt string) (string, error) {
	return c.call(ctx, func(ctx context.Context) (string, error) {
		return c.inner.Complete(ctx, prompt)
	})
}

// CompleteWithSystem sends a system+user prompt pair through the throttle.
func (c *ThrottledClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return c.call(ctx, func(ctx context.Context) (string, error) {
		return c.inner.CompleteWithSystem(ctx, systemPrompt, userPrompt)
	})
}

func (c *ThrottledClient) call(ctx context.Context, fn func(context.Context) (string, error)) (string, error) {
	c.totalCalls.Add(1)

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			c.totalRetries.Add(1)
			delay := retryBaseDelay * (1 << uint(attempt-1))
			if delay > retryMaxDelay {
				delay = retryMaxDelay
			}
			logging.PerceptionWarn("LLM call failed, retrying in %s (attempt %d/%d): %v",
				delay, attempt+1, c.retries+1, lastErr)

			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return "", core.FromContext(ctx, "llm retry")
			}
			timer.Stop()
		}

		if err := c.throttle.Wait(ctx); err != nil {
			return "", err
		}

		out, err := fn(ctx)
		if err == nil {
			return out, nil
		}
		lastErr = err

		// Cancellation and deadline are not transient.
		if core.IsKind(err, core.KindCancelled) || ctx.Err() != nil {
			break
		}
	}

	c.totalErrors.Add(1)
	return "", lastErr
}

// ClientMetrics is a point-in-time snapshot of throttled client activity.
type ClientMetrics struct {
	TotalCalls   int64
	TotalRetries int64
	TotalErrors  int64
}

// String renders the metrics human-readable.
func (m ClientMetrics) String() string {
	return fmt.Sprintf("LLMClient[calls=%d retries=%d errors=%d]",
		m.TotalCalls, m.TotalRetries, m.TotalErrors)
}

// Metrics returns current client metrics.
func (c *ThrottledClient) Metrics() ClientMetrics {
	return ClientMetrics{
		TotalCalls:   c.totalCalls.Load(),
		TotalRetries: c.totalRetries.Load(),
		TotalErrors:  c.totalErrors.Load(),
	}
}
