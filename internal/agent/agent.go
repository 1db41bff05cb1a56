// Package agent composes the planner and the executor into the
// end-to-end path: a natural-language intent goes in, a planned
// pipeline comes out and runs, and the outcome carries the plan, the
// pipeline, and the run state together. The CLI, the HTTP server, and
// trigger intake all sit on this package rather than wiring the two
// halves themselves.
package agent

import (
	"context"

	"blocksmith/internal/core"
	"blocksmith/internal/executor"
	"blocksmith/internal/logging"
	"blocksmith/internal/planner"
	"blocksmith/internal/store"
)

// =============================================================================
// AGENT
// =============================================================================

// Agent is the one-stop orchestrator. Safe for concurrent use.
type Agent struct {
	planner  *planner.Planner
	executor *executor.Executor
	store    *store.Store
}

// New wires an agent over an already-constructed planner and executor.
func New(p *planner.Planner, ex *executor.Executor, st *store.Store) *Agent {
	return &Agent{planner: p, executor: ex, store: st}
}

// Request names one intent-to-execution round trip.
type Request struct {
	Intent string `json:"intent"`
	// UserID scopes memory, run history, and saved pipelines. Empty
	// means "local".
	UserID string `json:"user_id,omitempty"`
	// TriggerData is handed to the run for trigger nodes to surface.
	TriggerData map[string]interface{} `json:"trigger_data,omitempty"`
	// UserFacts seeds the {{user.*}} template namespace.
	UserFacts map[string]interface{} `json:"user_facts,omitempty"`
}

// Outcome is everything one request produced. Plan is always present;
// Pipeline and Run only when their stage was reached.
type Outcome struct {
	Plan     *core.PlannerState `json:"plan"`
	Pipeline *core.Pipeline     `json:"pipeline,omitempty"`
	Run      *core.RunState     `json:"run,omitempty"`
}

// =============================================================================
// OPERATIONS
// =============================================================================

// Plan starts a planning run and returns its live event stream, for
// callers that render progress. The channel closes after the terminal
// complete event.
func (a *Agent) Plan(ctx context.Context, intent, userID string) <-chan planner.Event {
	return a.planner.Plan(ctx, planner.Request{Intent: intent, UserID: userID})
}

// PlanIntent drains a planning run and, on success, persists the
// planned pipeline so triggers and reruns can find it later. A failed
// save downgrades to a warning: the caller still holds the pipeline.
func (a *Agent) PlanIntent(ctx context.Context, intent, userID string) (*core.PlannerState, error) {
	state, err := a.planner.PlanAndWait(ctx, planner.Request{Intent: intent, UserID: userID})
	if err != nil {
		return state, err
	}
	if state.PipelineJSON != nil {
		if serr := a.store.SavePipeline(ctx, orLocal(userID), state.PipelineJSON); serr != nil {
			logging.AgentWarn("pipeline %s not saved: %v", state.PipelineJSON.ID, serr)
		}
	}
	return state, nil
}

// RunIntent plans and, when planning succeeds, executes. A planning
// failure returns the partial outcome with the planner's error; an
// execution comes back as an outcome whose Run reports per-node status,
// with error reserved for setup problems.
func (a *Agent) RunIntent(ctx context.Context, req Request) (*Outcome, error) {
	state, err := a.PlanIntent(ctx, req.Intent, req.UserID)
	out := &Outcome{Plan: state}
	if err != nil {
		return out, err
	}
	out.Pipeline = state.PipelineJSON

	run, err := a.executor.Execute(ctx, executor.Request{
		Pipeline:    out.Pipeline,
		UserID:      req.UserID,
		TriggerData: req.TriggerData,
		UserFacts:   req.UserFacts,
	})
	out.Run = run
	if err != nil {
		return out, err
	}
	logging.Agent("intent %q: pipeline %s, run %s", core.Truncate(req.Intent, 80), out.Pipeline.ID, run.RunID)
	return out, nil
}

// Execute runs an already-planned pipeline.
func (a *Agent) Execute(ctx context.Context, req executor.Request) (*core.RunState, error) {
	return a.executor.Execute(ctx, req)
}

// TriggerRun loads a stored pipeline and executes it with an inbound
// trigger payload, e.g. a webhook body or a schedule tick.
func (a *Agent) TriggerRun(ctx context.Context, pipelineID string, data map[string]interface{}) (*core.RunState, error) {
	rec, err := a.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return nil, err
	}
	return a.executor.Execute(ctx, executor.Request{
		Pipeline:    rec.Pipeline,
		UserID:      rec.UserID,
		TriggerData: data,
	})
}

func orLocal(userID string) string {
	if userID == "" {
		return "local"
	}
	return userID
}
