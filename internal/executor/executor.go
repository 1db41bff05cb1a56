// Package executor runs Pipeline JSON end to end. Nodes execute in
// dependency order with bounded parallelism; each node resolves its
// input templates against upstream results, run memory, and user
// facts, then dispatches on the block's execution type. A node failure
// marks that node and anything that resolves against its missing
// outputs, but never aborts the run: every node gets a result, and the
// run record, node results, logs, notifications, and memory snapshot
// are persisted even when the caller's context is already dead.
package executor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/sync/errgroup"

	"blocksmith/internal/config"
	"blocksmith/internal/core"
	"blocksmith/internal/logging"
	"blocksmith/internal/registry"
	"blocksmith/internal/resolver"
	"blocksmith/internal/sandbox"
	"blocksmith/internal/store"
)

// =============================================================================
// EXECUTOR
// =============================================================================

// Config bounds one executor instance.
type Config struct {
	// MaxParallel caps how many nodes run at once.
	MaxParallel int
	// SharedSandbox runs every python node of a run inside one
	// serialized sandbox instead of a fresh sandbox per node.
	SharedSandbox bool
	// ExecTimeout bounds a single sandbox execution.
	ExecTimeout time.Duration
	// InstallTimeout bounds package installation for one node.
	InstallTimeout time.Duration
	// GenerateTimeout bounds a single text_generation model call.
	GenerateTimeout time.Duration
	// PersistTimeout bounds terminal persistence when the run context
	// is already cancelled.
	PersistTimeout time.Duration
}

// DefaultConfig mirrors the shipped config file.
func DefaultConfig() Config {
	return Config{
		MaxParallel:     4,
		SharedSandbox:   false,
		ExecTimeout:     120 * time.Second,
		InstallTimeout:  180 * time.Second,
		GenerateTimeout: 60 * time.Second,
		PersistTimeout:  10 * time.Second,
	}
}

// FromAppConfig derives executor bounds from the application config.
func FromAppConfig(cfg *config.Config) Config {
	out := DefaultConfig()
	if cfg == nil {
		return out
	}
	if cfg.Executor.MaxParallel > 0 {
		out.MaxParallel = cfg.Executor.MaxParallel
	}
	out.SharedSandbox = cfg.Executor.SharedSandbox
	out.ExecTimeout = cfg.GetSandboxTimeout()
	out.GenerateTimeout = cfg.GetLLMTimeout()
	return out
}

// Request names one run of a pipeline.
type Request struct {
	Pipeline *core.Pipeline
	// UserID scopes memory and run history. Empty means "local".
	UserID string
	// TriggerData is the payload trigger nodes surface to downstream
	// templates, e.g. an inbound webhook body.
	TriggerData map[string]interface{}
	// UserFacts seeds the {{user.*}} template namespace.
	UserFacts map[string]interface{}
}

// Executor schedules and runs pipelines.
type Executor struct {
	llm       core.LLMClient
	registry  *registry.Registry
	store     *store.Store
	sandboxes sandbox.Factory
	cfg       Config

	runs      atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	cancelled atomic.Int64
	nodesRun  atomic.Int64
}

// New builds an executor. Zero config fields fall back to defaults.
func New(llm core.LLMClient, reg *registry.Registry, st *store.Store, factory sandbox.Factory, cfg Config) *Executor {
	def := DefaultConfig()
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = def.MaxParallel
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = def.ExecTimeout
	}
	if cfg.InstallTimeout <= 0 {
		cfg.InstallTimeout = def.InstallTimeout
	}
	if cfg.GenerateTimeout <= 0 {
		cfg.GenerateTimeout = def.GenerateTimeout
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = def.PersistTimeout
	}
	return &Executor{
		llm:       llm,
		registry:  reg,
		store:     st,
		sandboxes: factory,
		cfg:       cfg,
	}
}

// =============================================================================
// RUN LIFECYCLE
// =============================================================================

// Execute runs one pipeline to completion and returns the final run
// state. The returned error covers setup problems only (bad pipeline,
// run record not writable); node failures are reported per node inside
// the state, and the persisted run status reflects them.
func (e *Executor) Execute(ctx context.Context, req Request) (*core.RunState, error) {
	if req.Pipeline == nil {
		return nil, core.NewValidation(core.SubkindMissingRequired, "no pipeline to execute")
	}
	if err := req.Pipeline.Validate(); err != nil {
		return nil, err
	}
	userID := req.UserID
	if userID == "" {
		userID = "local"
	}

	runID := "run_" + uuid.NewString()[:8]
	state := core.NewRunState(req.Pipeline.ID, runID, userID)
	state.TriggerData = req.TriggerData
	if req.UserFacts != nil {
		state.SetUser(req.UserFacts)
	}

	e.runs.Add(1)
	timer := logging.StartTimer(logging.CategoryExecutor, "run "+runID)
	defer timer.Stop()
	logging.Executor("run %s: pipeline %s, %d nodes, user %s",
		runID, req.Pipeline.ID, len(req.Pipeline.Nodes), userID)

	if err := e.store.BeginRun(ctx, store.RunRecord{
		RunID:       runID,
		PipelineID:  req.Pipeline.ID,
		UserID:      userID,
		TriggerData: req.TriggerData,
	}); err != nil {
		return nil, err
	}
	started := time.Now()

	// Memory loads before the first node so every template and block
	// context sees the same starting snapshot. A missing or unreadable
	// snapshot downgrades to a warning: the run proceeds on empty
	// memory rather than dying before its first node.
	memory, err := e.store.LoadMemory(ctx, userID)
	if err != nil {
		logging.ExecutorWarn("run %s: memory load for %s: %v", runID, userID, err)
		state.AppendLog(core.LogRecord{Kind: core.LogMemory, Status: "warning", Error: err.Error(), At: time.Now().UTC()})
		memory = map[string]interface{}{}
	} else {
		state.AppendLog(core.LogRecord{Kind: core.LogMemory, Status: "loaded", At: time.Now().UTC()})
	}
	state.LoadMemory(memory)

	run := &runContext{
		state:    state,
		pipeline: req.Pipeline,
		blocks:   make(map[string]*core.BlockDefinition),
		schemas:  make(map[string]*jsonschema.Schema),
	}

	if e.cfg.SharedSandbox {
		shared, err := e.startSharedSandbox(ctx, run)
		if err != nil {
			e.failed.Add(1)
			if ferr := e.store.FinishRun(ctx, runID, store.RunFailed, time.Since(started)); ferr != nil {
				logging.ExecutorWarn("run %s: finish not recorded: %v", runID, ferr)
			}
			return nil, err
		}
		run.shared = shared
		defer func() {
			if cerr := shared.Cleanup(context.Background()); cerr != nil {
				logging.ExecutorWarn("run %s: shared sandbox cleanup: %v", runID, cerr)
			}
		}()
	}

	e.runNodes(ctx, run)
	duration := time.Since(started)

	status := store.RunSucceeded
	switch {
	case ctx.Err() != nil:
		status = store.RunCancelled
	case state.Failed():
		status = store.RunFailed
	}

	// Terminal writes survive caller cancellation: a cancelled run is
	// still a run, and its partial results are worth keeping.
	persistCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		persistCtx, cancel = context.WithTimeout(context.Background(), e.cfg.PersistTimeout)
		defer cancel()
	}

	if err := e.store.SaveNodeResults(persistCtx, runID, state.Results()); err != nil {
		logging.ExecutorWarn("run %s: node results not persisted: %v", runID, err)
	}
	if err := e.store.SaveMemory(persistCtx, userID, state); err != nil {
		// Losing the snapshot is survivable; the results still return.
		logging.ExecutorWarn("run %s: memory save for %s failed: %v", runID, userID, err)
		state.AppendLog(core.LogRecord{Kind: core.LogMemory, Status: "warning", Error: err.Error(), At: time.Now().UTC()})
	} else {
		state.AppendLog(core.LogRecord{Kind: core.LogMemory, Status: "saved", At: time.Now().UTC()})
	}
	if err := e.store.AppendLogBatch(persistCtx, runID, state.Log()); err != nil {
		logging.ExecutorWarn("run %s: log not persisted: %v", runID, err)
	}
	e.flushNotifications(persistCtx, run, status)
	if err := e.store.FinishRun(persistCtx, runID, status, duration); err != nil {
		logging.ExecutorWarn("run %s: finish not recorded: %v", runID, err)
	}

	switch status {
	case store.RunSucceeded:
		e.succeeded.Add(1)
	case store.RunCancelled:
		e.cancelled.Add(1)
	default:
		e.failed.Add(1)
	}
	logging.Executor("run %s %s in %s", runID, status, duration.Round(time.Millisecond))
	return state, nil
}

// flushNotifications lands the run's outbound messages in the inbox:
// one row per succeeded action node, plus a failure row when the run
// failed. Inbox writes are best-effort like the other terminal writes.
func (e *Executor) flushNotifications(ctx context.Context, run *runContext, status string) {
	state := run.state
	run.mu.Lock()
	notes := run.notes
	run.notes = nil
	run.mu.Unlock()

	if status == store.RunFailed {
		body := "run failed"
		for _, res := range state.Results() {
			if res.Status == core.NodeFailed {
				body = fmt.Sprintf("node %s (%s) failed: %s", res.NodeID, res.BlockID, core.Truncate(res.ErrorText, 200))
				break
			}
		}
		notes = append(notes, store.Notification{Kind: "run_failed", Title: "pipeline run failed", Body: body})
	}
	for _, n := range notes {
		n.UserID = state.UserID
		n.RunID = state.RunID
		if err := e.store.AddNotification(ctx, n); err != nil {
			logging.ExecutorWarn("run %s: notification not recorded: %v", state.RunID, err)
		}
	}
}

// startSharedSandbox builds the run-wide sandbox. Network access is on
// when any block of the pipeline declares the need; fetch failures are
// ignored here since the owning node will surface them.
func (e *Executor) startSharedSandbox(ctx context.Context, run *runContext) (sandbox.Sandbox, error) {
	network := false
	for _, n := range run.pipeline.Nodes {
		if b, err := run.block(ctx, e.registry, n.BlockID); err == nil && b.Metadata.NeedsNetwork {
			network = true
		}
	}
	inner, err := e.sandboxes(network)
	if err != nil {
		return nil, err
	}
	if err := inner.Start(ctx); err != nil {
		return nil, err
	}
	return sandbox.NewFlowSandbox(inner), nil
}

// =============================================================================
// SCHEDULER
// =============================================================================

// runNodes walks the DAG in topological order. Ready nodes launch
// through an errgroup bounded at MaxParallel; each completion may ready
// its successors. Failures never stop the walk: a failed node is a
// normal completion whose successors resolve against its failure
// document or fail themselves at resolution time.
func (e *Executor) runNodes(ctx context.Context, run *runContext) {
	nodes := run.pipeline.Nodes
	indegree := make(map[string]int, len(nodes))
	successors := make(map[string][]string, len(nodes))
	byID := make(map[string]core.Node, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
		indegree[n.ID] = 0
	}
	for _, edge := range run.pipeline.Edges {
		indegree[edge.To]++
		successors[edge.From] = append(successors[edge.From], edge.To)
	}

	// Pipeline order keeps launch order deterministic among equally
	// ready nodes.
	ready := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if indegree[n.ID] == 0 {
			ready = append(ready, n.ID)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxParallel)
	// Buffered to the node count so workers never block reporting.
	finished := make(chan string, len(nodes))

	launched := 0
	for completed := 0; completed < len(nodes); {
		for _, id := range ready {
			node := byID[id]
			launched++
			g.Go(func() error {
				e.runNode(gctx, run, node)
				finished <- node.ID
				return nil
			})
		}
		ready = ready[:0]

		if launched == completed {
			// Validated pipelines are acyclic, so this is unreachable.
			logging.ExecutorWarn("run %s: %d nodes never became ready", run.state.RunID, len(nodes)-completed)
			break
		}
		id := <-finished
		completed++
		for _, next := range successors[id] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}
	_ = g.Wait()
}

// runNode executes one node and records its result exactly once.
func (e *Executor) runNode(ctx context.Context, run *runContext, node core.Node) {
	started := time.Now().UTC()
	outputs, status, err := e.executeNode(ctx, run, node)
	finished := time.Now().UTC()
	e.nodesRun.Add(1)

	result := &core.NodeResult{
		NodeID:     node.ID,
		BlockID:    node.BlockID,
		Status:     status,
		Output:     outputs,
		StartedAt:  started,
		FinishedAt: finished,
		Duration:   finished.Sub(started),
	}
	if err != nil {
		result.Status = core.NodeFailed
		result.Output = nil
		result.ErrorKind = core.KindOf(err).String()
		result.ErrorText = err.Error()
		if ce, ok := core.AsError(err); ok {
			if ce.NodeID == "" {
				ce.WithNode(node.ID)
			}
			result.Error = ce
		}
		logging.ExecutorWarn("node %s (%s) failed after %s: %v", node.ID, node.BlockID, result.Duration.Round(time.Millisecond), err)
	} else {
		logging.ExecutorDebug("node %s (%s) %s in %s", node.ID, node.BlockID, result.Status, result.Duration.Round(time.Millisecond))
	}

	if serr := run.state.SetResult(node.ID, result); serr != nil {
		logging.ExecutorWarn("node %s: result dropped: %v", node.ID, serr)
	}
	run.state.AppendLog(core.LogRecord{
		Kind:     core.LogNode,
		NodeID:   node.ID,
		Status:   string(result.Status),
		Error:    result.ErrorText,
		Duration: result.Duration,
		At:       finished,
	})
}

// executeNode resolves inputs and dispatches on execution type.
func (e *Executor) executeNode(ctx context.Context, run *runContext, node core.Node) (map[string]interface{}, core.NodeStatus, error) {
	if ctx.Err() != nil {
		return nil, core.NodeFailed, core.FromContext(ctx, "node "+node.ID)
	}

	block, err := run.block(ctx, e.registry, node.BlockID)
	if err != nil {
		return nil, core.NodeFailed, err
	}

	// Trigger blocks are scheduling metadata, not programs: the run
	// exists because the trigger already fired. They complete
	// instantly with a synthetic record carrying the trigger payload.
	if block.Category == core.CategoryTrigger {
		return triggerOutputs(run.state.TriggerData), core.NodeTriggered, nil
	}

	inputs, err := resolver.ResolveAndCoerce(node.Inputs, resolver.FromRunState(run.state), block.InputSchema)
	if err != nil {
		return nil, core.NodeFailed, err
	}

	var out map[string]interface{}
	switch block.ExecutionType {
	case core.ExecPython:
		out, err = e.runPython(ctx, run, block, inputs)
	case core.ExecTextGeneration:
		out, err = e.runTextGeneration(ctx, run, block, inputs)
	default:
		return nil, core.NodeFailed, core.NewValidation(core.SubkindMissingRequired,
			fmt.Sprintf("block %s has unsupported execution type %q", block.ID, block.ExecutionType)).WithBlock(block.ID)
	}
	if err == nil && block.Category == core.CategoryAction && !declinedDelivery(out) {
		run.noteAction(block, inputs)
	}
	return out, core.NodeSucceeded, err
}

// declinedDelivery reports whether an action block explicitly said it
// sent nothing, like notify_push returning delivered=false when the
// upstream filter did not pass.
func declinedDelivery(out map[string]interface{}) bool {
	v, ok := out["delivered"].(bool)
	return ok && !v
}

// triggerOutputs is the synthetic record a trigger node produces. The
// payload rides both flattened for {{n1.field}} references and nested
// under trigger_data for blocks that take the whole document.
func triggerOutputs(data map[string]interface{}) map[string]interface{} {
	out := map[string]interface{}{"status": "triggered"}
	for k, v := range data {
		if k == "status" {
			continue
		}
		out[k] = v
	}
	if len(data) > 0 {
		out["trigger_data"] = data
	}
	return out
}

// =============================================================================
// RUN CONTEXT
// =============================================================================

// runContext carries per-run caches: block definitions load once per
// run, text_generation output schemas compile once per block, and the
// optional shared sandbox serializes python execution.
type runContext struct {
	state    *core.RunState
	pipeline *core.Pipeline
	shared   sandbox.Sandbox

	mu      sync.Mutex
	blocks  map[string]*core.BlockDefinition
	schemas map[string]*jsonschema.Schema
	notes   []store.Notification
}

// noteAction records the outbound message of a succeeded action node so
// terminal persistence can land it in the notification inbox. The body
// comes from the node's resolved inputs, which is the text the block
// actually sent.
func (r *runContext) noteAction(block *core.BlockDefinition, inputs map[string]interface{}) {
	title := stringInput(inputs, "title")
	if title == "" {
		title = block.Name
	}
	body := stringInput(inputs, "message")
	if body == "" {
		body = stringInput(inputs, "body")
	}
	if body == "" {
		body = block.Name + " completed"
	}
	r.mu.Lock()
	r.notes = append(r.notes, store.Notification{Kind: "action", Title: title, Body: body})
	r.mu.Unlock()
}

func stringInput(inputs map[string]interface{}, key string) string {
	if s, ok := inputs[key].(string); ok {
		return s
	}
	return ""
}

func (r *runContext) block(ctx context.Context, reg *registry.Registry, id string) (*core.BlockDefinition, error) {
	r.mu.Lock()
	if b, ok := r.blocks[id]; ok {
		r.mu.Unlock()
		return b, nil
	}
	r.mu.Unlock()

	b, err := reg.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.blocks[id] = b
	r.mu.Unlock()
	return b, nil
}

// blockContext is the context document python blocks receive. The
// memory view is the live snapshot at call time, so a block sees
// upstream memory writes from the same run.
func (r *runContext) blockContext() map[string]interface{} {
	return map[string]interface{}{
		"user_id": r.state.UserID,
		"user":    r.state.User(),
		"memory":  r.state.MemorySnapshot(),
	}
}

// =============================================================================
// METRICS
// =============================================================================

// Metrics is a point-in-time snapshot of executor counters.
type Metrics struct {
	Runs      int64
	Succeeded int64
	Failed    int64
	Cancelled int64
	Nodes     int64
}

func (m Metrics) String() string {
	return fmt.Sprintf("Executor[runs=%d ok=%d failed=%d cancelled=%d nodes=%d]",
		m.Runs, m.Succeeded, m.Failed, m.Cancelled, m.Nodes)
}

// Metrics reports lifetime counters for this executor.
func (e *Executor) Metrics() Metrics {
	return Metrics{
		Runs:      e.runs.Load(),
		Succeeded: e.succeeded.Load(),
		Failed:    e.failed.Load(),
		Cancelled: e.cancelled.Load(),
		Nodes:     e.nodesRun.Load(),
	}
}
