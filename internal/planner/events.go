package planner

import (
	"context"
	"time"

	"blocksmith/internal/core"
)

// =============================================================================
// EVENT STREAM
// =============================================================================
// One planning run produces one totally-ordered stream with a single
// writer. Consumers (CLI, SSE, websocket) read until the channel closes;
// the terminal complete event carries the final state.

// EventKind names one observable step of a planning run.
type EventKind string

const (
	// EventStart opens the stream.
	EventStart EventKind = "start"
	// EventStage marks entry into a planner stage.
	EventStage EventKind = "stage"
	// EventStageResult summarizes what a stage produced.
	EventStageResult EventKind = "stage_result"
	// EventLLMPrompt carries a full outgoing prompt (decompose and wire).
	EventLLMPrompt EventKind = "llm_prompt"
	// EventLLMResponse carries the raw incoming model text.
	EventLLMResponse EventKind = "llm_response"
	// EventValidation reports one schema check, pass or fail.
	EventValidation EventKind = "validation"
	// EventSearchFound reports a requirement satisfied from the catalog.
	EventSearchFound EventKind = "search_found"
	// EventSearchMissing reports a requirement with no catalog match.
	EventSearchMissing EventKind = "search_missing"
	// EventCreatingBlock opens one synthesis attempt series.
	EventCreatingBlock EventKind = "creating_block"
	// EventBlockCreated reports a synthesized block saved to the catalog.
	EventBlockCreated EventKind = "block_created"
	// EventBlockTestPassed reports a candidate passing its golden run.
	EventBlockTestPassed EventKind = "block_test_passed"
	// EventBlockTestFailed reports one failed candidate iteration.
	EventBlockTestFailed EventKind = "block_test_failed"
	// EventBlockCreateFailed reports a block whose creation was given up.
	EventBlockCreateFailed EventKind = "block_create_failed"
	// EventComplete closes the stream with the final state.
	EventComplete EventKind = "complete"
)

// Event is one entry of a planning run's stream.
type Event struct {
	Seq   int       `json:"seq"`
	Kind  EventKind `json:"kind"`
	Stage string    `json:"stage,omitempty"`
	At    time.Time `json:"at"`

	// Message is the one-line human rendering stream consumers show.
	Message string `json:"message,omitempty"`

	// BlockID attributes search and creation events.
	BlockID string `json:"block_id,omitempty"`

	// Text carries the full prompt or raw response on llm_* events.
	Text string `json:"text,omitempty"`

	// OK reports the outcome on validation events.
	OK bool `json:"ok,omitempty"`

	// Attempt numbers retries on validation and creation events.
	Attempt int `json:"attempt,omitempty"`

	// State rides only on the terminal complete event.
	State *core.PlannerState `json:"state,omitempty"`

	// Error is set when the run or one of its steps failed.
	Error string `json:"error,omitempty"`

	// Err is the terminal error for in-process consumers; it mirrors
	// Error and does not serialize.
	Err error `json:"-"`
}

// eventBuffer absorbs bursts so a slow consumer does not stall a stage
// mid-flight.
const eventBuffer = 64

// emitter is the single writer of one run's stream. Only the run
// goroutine touches it, so sequencing needs no lock.
type emitter struct {
	ctx context.Context
	ch  chan Event
	seq int
}

func newEmitter(ctx context.Context) *emitter {
	return &emitter{ctx: ctx, ch: make(chan Event, eventBuffer)}
}

// emit stamps order and time and delivers the event. When the consumer
// has gone away (context cancelled) events are dropped; the run is
// aborting anyway.
func (e *emitter) emit(ev Event) {
	e.seq++
	ev.Seq = e.seq
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	if ev.Err != nil && ev.Error == "" {
		ev.Error = ev.Err.Error()
	}
	select {
	case e.ch <- ev:
	case <-e.ctx.Done():
	}
}

func (e *emitter) close() { close(e.ch) }

// stage emits a stage-entry event for the state's current status.
func (e *emitter) stage(status core.PlannerStatus, message string) {
	e.emit(Event{Kind: EventStage, Stage: status.String(), Message: message})
}

// stageResult emits a stage summary under the current status.
func (e *emitter) stageResult(status core.PlannerStatus, message string) {
	e.emit(Event{Kind: EventStageResult, Stage: status.String(), Message: message})
}
