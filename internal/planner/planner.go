// Package planner drives the four-stage pipeline from natural-language
// intent to executable Pipeline JSON: decompose the intent into required
// capabilities, search the catalog for blocks that satisfy them,
// synthesize the ones that are missing, and wire the survivors into a
// DAG. Every run emits a totally-ordered event stream with one writer;
// consumers read the channel until it closes.
package planner

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"blocksmith/internal/config"
	"blocksmith/internal/core"
	"blocksmith/internal/logging"
	"blocksmith/internal/registry"
	"blocksmith/internal/resolver"
	"blocksmith/internal/synthesis"
)

// =============================================================================
// PLANNER
// =============================================================================

// Config bounds one planner instance.
type Config struct {
	// DecomposeRetries caps attempts at a schema-valid decomposition.
	DecomposeRetries int
	// CreationRetries caps whole-synthesis attempts per missing block.
	CreationRetries int
	// StageTimeout bounds each of the four stages.
	StageTimeout time.Duration
	// MatchThreshold is the minimum hybrid-search score for a catalog
	// block to satisfy a requirement without synthesis.
	MatchThreshold float64
	// SearchLimit is how many candidates each requirement search pulls.
	SearchLimit int
}

// DefaultConfig returns the reference planning bounds.
func DefaultConfig() Config {
	return Config{
		DecomposeRetries: 3,
		CreationRetries:  3,
		StageTimeout:     5 * time.Minute,
		MatchThreshold:   0.35,
		SearchLimit:      5,
	}
}

// FromAppConfig maps the application config onto planning bounds.
func FromAppConfig(cfg *config.Config) Config {
	return Config{
		DecomposeRetries: cfg.Planner.DecomposeRetries,
		CreationRetries:  cfg.Planner.CreationRetries,
		StageTimeout:     cfg.GetStageTimeout(),
		MatchThreshold:   cfg.Planner.MatchThreshold,
	}
}

// Request is one planning job.
type Request struct {
	Intent string `json:"intent"`
	UserID string `json:"user_id"`
}

// Planner turns intents into pipelines. Safe for concurrent use; each
// run gets its own stream and its own state.
type Planner struct {
	llm         core.LLMClient
	registry    *registry.Registry
	synthesizer *synthesis.Synthesizer
	cfg         Config

	runs      atomic.Int64
	completed atomic.Int64
	failures  atomic.Int64
	created   atomic.Int64
}

// New builds a Planner. Zero config fields fall back to defaults.
func New(llm core.LLMClient, reg *registry.Registry, synth *synthesis.Synthesizer, cfg Config) *Planner {
	def := DefaultConfig()
	if cfg.DecomposeRetries <= 0 {
		cfg.DecomposeRetries = def.DecomposeRetries
	}
	if cfg.CreationRetries <= 0 {
		cfg.CreationRetries = def.CreationRetries
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = def.StageTimeout
	}
	if cfg.MatchThreshold <= 0 {
		cfg.MatchThreshold = def.MatchThreshold
	}
	if cfg.SearchLimit <= 0 {
		cfg.SearchLimit = def.SearchLimit
	}
	return &Planner{
		llm:         llm,
		registry:    reg,
		synthesizer: synth,
		cfg:         cfg,
	}
}

// Plan starts one planning run and returns its event stream. The channel
// closes after the terminal complete event; that event carries the final
// PlannerState and, for failed runs, the error.
func (p *Planner) Plan(ctx context.Context, req Request) <-chan Event {
	em := newEmitter(ctx)
	go p.run(ctx, req, em)
	return em.ch
}

// PlanAndWait drains a full run and returns the terminal state. Callers
// that want the intermediate events use Plan directly.
func (p *Planner) PlanAndWait(ctx context.Context, req Request) (*core.PlannerState, error) {
	var final *Event
	for ev := range p.Plan(ctx, req) {
		if ev.Kind == EventComplete {
			final = &ev
		}
	}
	if final == nil || final.State == nil {
		return nil, core.FromContext(ctx, "planning")
	}
	return final.State, final.Err
}

// =============================================================================
// RUN
// =============================================================================

func (p *Planner) run(ctx context.Context, req Request, em *emitter) {
	defer em.close()
	timer := logging.StartTimer(logging.CategoryPlanner, "Plan")
	defer timer.Stop()
	p.runs.Add(1)

	state := &core.PlannerState{
		Status: core.PlanPending,
		Intent: strings.TrimSpace(req.Intent),
		UserID: req.UserID,
	}
	em.emit(Event{Kind: EventStart, Message: core.Truncate(state.Intent, 120)})

	// Fail before any model call: an empty intent cannot be planned.
	if state.Intent == "" {
		p.fail(em, state, core.NewValidation(core.SubkindMissingRequired, "intent is empty"))
		return
	}

	logging.Planner("planning %q for %s", core.Truncate(state.Intent, 80), state.UserID)

	// Stage 1: decompose.
	state.Status = core.PlanDecomposing
	em.stage(state.Status, "decomposing intent into required blocks")
	stageCtx, cancel := context.WithTimeout(ctx, p.cfg.StageTimeout)
	required, err := p.decompose(stageCtx, em, state.Intent)
	cancel()
	if err != nil {
		p.fail(em, state, err)
		return
	}
	state.RequiredBlocks = required
	em.stageResult(state.Status, fmt.Sprintf("%d required blocks", len(required)))

	// Stage 2: search.
	state.Status = core.PlanSearching
	em.stage(state.Status, "searching the catalog")
	stageCtx, cancel = context.WithTimeout(ctx, p.cfg.StageTimeout)
	matched, missing := p.search(stageCtx, em, required)
	cancel()
	if ctx.Err() != nil {
		p.fail(em, state, core.FromContext(ctx, "search"))
		return
	}
	state.MatchedBlocks = matched
	state.MissingBlocks = missing
	em.stageResult(state.Status, fmt.Sprintf("%d matched, %d missing", len(matched), len(missing)))

	// Stage 3: create, skipped when the catalog covered everything.
	createdBlocks := 0
	if len(missing) > 0 {
		state.Status = core.PlanCreating
		em.stage(state.Status, fmt.Sprintf("synthesizing %d missing blocks", len(missing)))
		stageCtx, cancel = context.WithTimeout(ctx, p.cfg.StageTimeout)
		createdBlocks = p.create(stageCtx, em, state)
		cancel()
		if ctx.Err() != nil {
			p.fail(em, state, core.FromContext(ctx, "creation"))
			return
		}
		em.stageResult(state.Status, fmt.Sprintf("%d created, %d failed", createdBlocks, len(state.CreationFailures)))
	}

	// Stage 4: wire.
	state.Status = core.PlanWiring
	em.stage(state.Status, "wiring the pipeline")
	stageCtx, cancel = context.WithTimeout(ctx, p.cfg.StageTimeout)
	pipeline, err := p.wire(stageCtx, em, state)
	cancel()
	if err != nil {
		p.fail(em, state, err)
		return
	}

	state.PipelineJSON = pipeline
	state.Status = core.PlanDone
	p.completed.Add(1)
	logging.Planner("plan done: pipeline %s, %d nodes, %d blocks created",
		pipeline.ID, len(pipeline.Nodes), createdBlocks)
	em.emit(Event{
		Kind:    EventComplete,
		Stage:   state.Status.String(),
		State:   state,
		Message: fmt.Sprintf("pipeline %s with %d nodes", pipeline.ID, len(pipeline.Nodes)),
	})
}

// fail transitions to the terminal failed state; the complete event
// carries the error.
func (p *Planner) fail(em *emitter, state *core.PlannerState, err error) {
	from := state.Status
	state.Status = core.PlanFailed
	p.failures.Add(1)
	logging.PlannerWarn("plan failed during %s: %v", from, err)
	em.emit(Event{Kind: EventComplete, Stage: state.Status.String(), State: state, Err: err})
}

// =============================================================================
// STAGE 1: DECOMPOSE
// =============================================================================

// decompose asks the model which capabilities the intent needs. The
// output must pass the decompose schema; rejected answers are retried
// with the violation appended until the cap is exhausted.
func (p *Planner) decompose(ctx context.Context, em *emitter, intent string) ([]core.RequiredBlock, error) {
	stage := core.PlanDecomposing.String()
	var lastFailure string

	for attempt := 1; attempt <= p.cfg.DecomposeRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, core.FromContext(ctx, "decompose")
		}

		prompt := decomposePrompt(intent, lastFailure)
		em.emit(Event{Kind: EventLLMPrompt, Stage: stage, Text: prompt, Attempt: attempt})

		raw, err := p.llm.CompleteWithSystem(ctx, decomposeSystemPrompt, prompt)
		if err != nil {
			if ctx.Err() != nil {
				return nil, core.FromContext(ctx, "decompose")
			}
			return nil, core.NewCapability("decompose call failed", err)
		}
		em.emit(Event{Kind: EventLLMResponse, Stage: stage, Text: raw, Attempt: attempt})

		required, err := parseDecomposition(raw)
		if err != nil {
			lastFailure = err.Error()
			em.emit(Event{Kind: EventValidation, Stage: stage, Attempt: attempt,
				Message: "decomposition rejected", Err: err})
			logging.PlannerDebug("decompose attempt %d rejected: %v", attempt, err)
			continue
		}

		em.emit(Event{Kind: EventValidation, Stage: stage, Attempt: attempt, OK: true,
			Message: fmt.Sprintf("%d required blocks", len(required))})
		return required, nil
	}

	return nil, core.NewValidation(core.SubkindStageSchema,
		fmt.Sprintf("decomposition rejected %d times", p.cfg.DecomposeRetries)).
		WithContext("last_failure", lastFailure)
}

// normalizeRequired slugs ids, derives missing ids from purposes, drops
// duplicates, and defaults invalid categories to process.
func normalizeRequired(blocks []core.RequiredBlock) []core.RequiredBlock {
	out := make([]core.RequiredBlock, 0, len(blocks))
	seen := make(map[string]bool, len(blocks))
	for _, rb := range blocks {
		id := core.SlugID(rb.ID)
		if id == "" {
			id = core.SlugID(firstWords(rb.Purpose, 5))
		}
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		rb.ID = id
		if !rb.Category.Valid() {
			rb.Category = core.CategoryProcess
		}
		out = append(out, rb)
	}
	return out
}

func firstWords(s string, n int) string {
	fields := strings.Fields(s)
	if len(fields) > n {
		fields = fields[:n]
	}
	return strings.Join(fields, " ")
}

// =============================================================================
// STAGE 2: SEARCH
// =============================================================================

// search matches each requirement against the catalog using its purpose
// as the query. The first candidate at or above the match threshold
// wins; everything else flows to missing. Search failures degrade to
// missing rather than aborting the run.
func (p *Planner) search(ctx context.Context, em *emitter, required []core.RequiredBlock) (map[string]*core.BlockDefinition, []core.RequiredBlock) {
	stage := core.PlanSearching.String()
	matched := make(map[string]*core.BlockDefinition)
	var missing []core.RequiredBlock

	for _, req := range required {
		if ctx.Err() != nil {
			missing = append(missing, req)
			continue
		}
		results, err := p.registry.Search(ctx, req.Purpose, p.cfg.SearchLimit)
		if err != nil {
			logging.PlannerWarn("search for %s failed: %v", req.ID, err)
		}
		if len(results) > 0 && results[0].Score >= p.cfg.MatchThreshold {
			block := results[0].Block
			matched[block.ID] = block
			em.emit(Event{Kind: EventSearchFound, Stage: stage, BlockID: block.ID,
				Message: fmt.Sprintf("%s satisfied by %s (score %.2f)", req.ID, block.ID, results[0].Score)})
			continue
		}
		missing = append(missing, req)
		em.emit(Event{Kind: EventSearchMissing, Stage: stage, BlockID: req.ID,
			Message: fmt.Sprintf("no catalog block for %s", req.ID)})
	}
	return matched, missing
}

// =============================================================================
// STAGE 3: CREATE
// =============================================================================

// create synthesizes every missing block. Per-block failures are
// recorded and the run proceeds; wiring decides whether what survived
// is enough. Returns how many blocks were created.
func (p *Planner) create(ctx context.Context, em *emitter, state *core.PlannerState) int {
	stage := core.PlanCreating.String()
	created := 0

	for _, req := range state.MissingBlocks {
		em.emit(Event{Kind: EventCreatingBlock, Stage: stage, BlockID: req.ID, Message: req.Purpose})

		block, err := p.createOne(ctx, em, req)
		if err != nil {
			state.CreationFailures = append(state.CreationFailures, req.ID)
			em.emit(Event{Kind: EventBlockCreateFailed, Stage: stage, BlockID: req.ID, Err: err})
			logging.PlannerWarn("creation of %s failed: %v", req.ID, err)
			continue
		}

		state.MatchedBlocks[block.ID] = block
		created++
		p.created.Add(1)
		em.emit(Event{Kind: EventBlockCreated, Stage: stage, BlockID: block.ID,
			Message: fmt.Sprintf("%s saved to the catalog", block.ID)})
	}
	return created
}

// createOne drives the synthesizer for one requirement, retrying the
// whole synthesis with the previous failure appended to the purpose.
func (p *Planner) createOne(ctx context.Context, em *emitter, req core.RequiredBlock) (*core.BlockDefinition, error) {
	stage := core.PlanCreating.String()
	synthReq := synthesisRequest(req)

	var lastErr error
	for attempt := 1; attempt <= p.cfg.CreationRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, core.FromContext(ctx, "creation")
		}

		attemptReq := synthReq
		if lastErr != nil {
			attemptReq.Purpose = synthReq.Purpose +
				"\nA previous attempt failed: " + core.Truncate(lastErr.Error(), 400)
		}

		result, err := p.synthesizer.Synthesize(ctx, &attemptReq)
		if result != nil {
			for _, failure := range result.Failures {
				em.emit(Event{Kind: EventBlockTestFailed, Stage: stage, BlockID: req.ID,
					Attempt: attempt, Message: core.Truncate(failure, 300)})
			}
		}
		if err != nil {
			lastErr = err
			if core.IsKind(err, core.KindCancelled) {
				return nil, err
			}
			continue
		}

		block := result.Block
		em.emit(Event{Kind: EventBlockTestPassed, Stage: stage, BlockID: block.ID,
			Attempt: attempt, Message: fmt.Sprintf("verified in %d iteration(s)", result.Iterations)})

		// Retry context must not leak into the catalog entry.
		block.Description = req.Purpose
		block.UseWhen = req.Purpose

		if err := p.registry.Save(ctx, block); err != nil {
			// The block works; the catalog write did not. More prompting
			// cannot repair that.
			return nil, err
		}
		return block, nil
	}
	return nil, lastErr
}

// synthesisRequest derives the synthesizer's job from a requirement,
// inventing a minimal test input from the declared types when the
// decomposition carried no example.
func synthesisRequest(req core.RequiredBlock) core.SynthesisRequest {
	return core.SynthesisRequest{
		Name:         req.ID,
		Purpose:      req.Purpose,
		Category:     req.Category,
		Inputs:       req.InputSchema,
		Outputs:      req.OutputSchema,
		TestInput:    syntheticInput(req.InputSchema),
		NeedsNetwork: req.NeedsNetwork,
	}
}

// syntheticInput builds a test input from declared property types:
// required properties only, or all of them when nothing is required.
func syntheticInput(schema core.IOSchema) map[string]interface{} {
	if len(schema.Properties) == 0 {
		return nil
	}
	names := schema.Required
	if len(names) == 0 {
		names = schema.PropertyNames()
	}
	out := make(map[string]interface{}, len(names))
	for _, name := range names {
		prop, ok := schema.Properties[name]
		if !ok {
			continue
		}
		if prop.Default != nil {
			out[name] = prop.Default
			continue
		}
		out[name] = sampleValue(prop)
	}
	return out
}

func sampleValue(prop core.SchemaProperty) interface{} {
	switch prop.Type {
	case core.TypeInteger:
		return 2
	case core.TypeNumber:
		return 2.5
	case core.TypeBoolean:
		return true
	case core.TypeArray:
		switch prop.Items {
		case core.TypeInteger:
			return []interface{}{1, 2}
		case core.TypeNumber:
			return []interface{}{1.5, 2.5}
		case core.TypeBoolean:
			return []interface{}{true, false}
		default:
			return []interface{}{"alpha", "beta"}
		}
	case core.TypeObject:
		return map[string]interface{}{"key": "value"}
	default:
		return "example"
	}
}

// =============================================================================
// STAGE 4: WIRE
// =============================================================================

// wire makes one model call over the full catalog of matched and
// created blocks and validates the returned pipeline. Wire violations
// are fatal: a pipeline that fails validation here would fail louder at
// execution time.
func (p *Planner) wire(ctx context.Context, em *emitter, state *core.PlannerState) (*core.Pipeline, error) {
	stage := core.PlanWiring.String()
	catalog := sortedCatalog(state.MatchedBlocks)
	if len(catalog) == 0 {
		return nil, core.NewValidation(core.SubkindStageSchema,
			"no blocks available to wire: every requirement is missing or failed creation")
	}

	prompt := wirePrompt(state.Intent, catalog)
	em.emit(Event{Kind: EventLLMPrompt, Stage: stage, Text: prompt})

	raw, err := p.llm.CompleteWithSystem(ctx, wireSystemPrompt, prompt)
	if err != nil {
		if ctx.Err() != nil {
			return nil, core.FromContext(ctx, "wire")
		}
		return nil, core.NewCapability("wire call failed", err)
	}
	em.emit(Event{Kind: EventLLMResponse, Stage: stage, Text: raw})

	pipeline, err := parsePipeline(raw)
	if err != nil {
		em.emit(Event{Kind: EventValidation, Stage: stage, Message: "pipeline rejected", Err: err})
		return nil, err
	}
	fillIdentity(pipeline, state.Intent)

	if err := validateWiring(pipeline, state.MatchedBlocks); err != nil {
		em.emit(Event{Kind: EventValidation, Stage: stage, Message: "wiring rejected", Err: err})
		return nil, err
	}

	em.emit(Event{Kind: EventValidation, Stage: stage, OK: true,
		Message: fmt.Sprintf("pipeline %s validated", pipeline.ID)})
	return pipeline, nil
}

// fillIdentity backfills id and name when the model omitted them.
func fillIdentity(pipeline *core.Pipeline, intent string) {
	pipeline.ID = core.SlugID(pipeline.ID)
	if pipeline.ID == "" {
		pipeline.ID = "pipe_" + uuid.NewString()[:8]
	}
	if strings.TrimSpace(pipeline.Name) == "" {
		pipeline.Name = core.Truncate(intent, 60)
	}
}

// validateWiring enforces what the wire schema cannot: structural
// pipeline invariants, catalog membership, reference reachability,
// declared memory keys, literal entry nodes, and required inputs.
func validateWiring(pipeline *core.Pipeline, catalog map[string]*core.BlockDefinition) error {
	if err := pipeline.Validate(); err != nil {
		return err
	}

	declaredMemory := make(map[string]bool, len(pipeline.MemoryKeys))
	for _, key := range pipeline.MemoryKeys {
		declaredMemory[key] = true
	}

	for _, node := range pipeline.Nodes {
		block, ok := catalog[node.BlockID]
		if !ok {
			return core.NewValidation(core.SubkindStageSchema,
				fmt.Sprintf("node %s references block %q which is not in the catalog", node.ID, node.BlockID)).
				WithNode(node.ID)
		}

		refs := resolver.References(node.Inputs)
		entry := len(pipeline.Predecessors(node.ID)) == 0
		if entry && len(refs) > 0 {
			return core.NewValidation(core.SubkindStageSchema,
				fmt.Sprintf("entry node %s must take literal inputs, found reference %q", node.ID, refs[0])).
				WithNode(node.ID)
		}

		for _, ref := range refs {
			source := resolver.RefSource(ref)
			switch source {
			case "memory":
				key := memoryKey(ref)
				if !declaredMemory[key] {
					return core.NewValidation(core.SubkindStageSchema,
						fmt.Sprintf("node %s references undeclared memory key %q", node.ID, key)).
						WithNode(node.ID)
				}
			case "user":
				// Per-user facts are loaded at run start; always resolvable.
			default:
				if !isUpstream(pipeline, source, node.ID) {
					return core.NewValidation(core.SubkindStageSchema,
						fmt.Sprintf("node %s references %q but %s is not upstream of it", node.ID, ref, source)).
						WithNode(node.ID)
				}
			}
		}

		for _, name := range block.InputSchema.Required {
			if _, present := node.Inputs[name]; present {
				continue
			}
			if prop, ok := block.InputSchema.Properties[name]; ok && prop.Default != nil {
				continue
			}
			return core.NewValidation(core.SubkindMissingRequired,
				fmt.Sprintf("node %s omits required input %q of block %s", node.ID, name, block.ID)).
				WithNode(node.ID).WithBlock(block.ID)
		}
	}
	return nil
}

// memoryKey extracts the declared-key segment of a memory reference.
func memoryKey(ref string) string {
	rest := strings.TrimPrefix(ref, "memory.")
	if idx := strings.IndexByte(rest, '.'); idx >= 0 {
		return rest[:idx]
	}
	return rest
}

// isUpstream reports whether source is a transitive predecessor of
// nodeID, which is what makes its outputs referenceable.
func isUpstream(pipeline *core.Pipeline, source, nodeID string) bool {
	seen := make(map[string]bool)
	queue := pipeline.Predecessors(nodeID)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		if id == source {
			return true
		}
		queue = append(queue, pipeline.Predecessors(id)...)
	}
	return false
}

// sortedCatalog renders the matched map in stable id order for
// deterministic prompts.
func sortedCatalog(matched map[string]*core.BlockDefinition) []*core.BlockDefinition {
	ids := make([]string, 0, len(matched))
	for id := range matched {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*core.BlockDefinition, 0, len(ids))
	for _, id := range ids {
		out = append(out, matched[id])
	}
	return out
}

// =============================================================================
// METRICS
// =============================================================================

// Metrics is a point-in-time snapshot of planner activity.
type Metrics struct {
	Runs          int64
	Completed     int64
	Failures      int64
	BlocksCreated int64
}

// String renders the metrics human-readable.
func (m Metrics) String() string {
	return fmt.Sprintf("Planner[runs=%d done=%d failed=%d created=%d]",
		m.Runs, m.Completed, m.Failures, m.BlocksCreated)
}

// Metrics returns current planner counters.
func (p *Planner) Metrics() Metrics {
	return Metrics{
		Runs:          p.runs.Load(),
		Completed:     p.completed.Load(),
		Failures:      p.failures.Load(),
		BlocksCreated: p.created.Load(),
	}
}
