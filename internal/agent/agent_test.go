package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"blocksmith/internal/core"
	"blocksmith/internal/executor"
	"blocksmith/internal/planner"
	"blocksmith/internal/registry"
	"blocksmith/internal/sandbox"
	"blocksmith/internal/store"
	"blocksmith/internal/synthesis"
	"blocksmith/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// ====== HARNESS ======

// stack is a full agent wired against scripted model and sandbox fakes
// with real SQLite-backed registry and store underneath.
type stack struct {
	llm   *testutil.ScriptedLLM
	sb    *testutil.ScriptedSandbox
	reg   *registry.Registry
	store *store.Store
	agent *Agent
}

func newStack(t *testing.T, llm *testutil.ScriptedLLM, sb *testutil.ScriptedSandbox) *stack {
	t.Helper()

	reg, err := registry.New(filepath.Join(t.TempDir(), "blocks.db"), testutil.NewHashEmbedder(), time.Minute)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	t.Cleanup(func() { _ = reg.Close() })
	if _, err := reg.EnsureSeedBlocks(context.Background()); err != nil {
		t.Fatalf("seed blocks: %v", err)
	}

	st, err := store.Open(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	synth := synthesis.New(llm, sb.Factory(), synthesis.Config{
		MaxIterations:  2,
		LLMTimeout:     5 * time.Second,
		ExecTimeout:    5 * time.Second,
		InstallTimeout: 5 * time.Second,
	})
	pl := planner.New(llm, reg, synth, planner.Config{
		DecomposeRetries: 2,
		CreationRetries:  2,
		StageTimeout:     10 * time.Second,
		// High threshold so requirements phrased in a block's own
		// search text match exactly and everything else misses.
		MatchThreshold: 0.9,
		SearchLimit:    5,
	})
	ex := executor.New(llm, reg, st, sb.Factory(), executor.Config{})

	return &stack{llm: llm, sb: sb, reg: reg, store: st, agent: New(pl, ex, st)}
}

// seedRequirement phrases a decompose requirement for a catalog block
// in the block's own search text, which the hybrid ranker scores 1.0.
func seedRequirement(t *testing.T, s *stack, blockID string) core.RequiredBlock {
	t.Helper()
	b, err := s.reg.Get(context.Background(), blockID)
	if err != nil {
		t.Fatalf("seed block %s: %v", blockID, err)
	}
	return core.RequiredBlock{
		ID:           b.ID,
		Purpose:      b.SearchText(),
		Category:     b.Category,
		InputSchema:  b.InputSchema,
		OutputSchema: b.OutputSchema,
		NeedsNetwork: b.Metadata.NeedsNetwork,
	}
}

func decomposeDoc(t *testing.T, blocks ...core.RequiredBlock) string {
	t.Helper()
	raw, err := json.Marshal(map[string]interface{}{"required_blocks": blocks})
	if err != nil {
		t.Fatalf("marshal decomposition: %v", err)
	}
	return string(raw)
}

func wireDoc(t *testing.T, p *core.Pipeline) string {
	t.Helper()
	raw, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal pipeline: %v", err)
	}
	return string(raw)
}

// planRules scripts the two planning stages. The wire prompt carries
// the catalog and the decompose prompt does not, so the wire rule must
// come first: both prompts contain the intent.
func planRules(wire, decompose string, extra ...testutil.LLMRule) []testutil.LLMRule {
	rules := []testutil.LLMRule{
		{Contains: "Available blocks:", Response: wire},
		{Contains: "User intent:", Response: decompose},
	}
	return append(rules, extra...)
}

func drainPlan(ch <-chan planner.Event) ([]planner.Event, *core.PlannerState, error) {
	var events []planner.Event
	var state *core.PlannerState
	var err error
	for ev := range ch {
		events = append(events, ev)
		if ev.Kind == planner.EventComplete {
			state = ev.State
			err = ev.Err
		}
	}
	return events, state, err
}

func eventSeen(events []planner.Event, kind planner.EventKind, blockID string) bool {
	for _, ev := range events {
		if ev.Kind == kind && (blockID == "" || ev.BlockID == blockID) {
			return true
		}
	}
	return false
}

func resultFor(t *testing.T, run *core.RunState, nodeID string) *core.NodeResult {
	t.Helper()
	res, ok := run.Result(nodeID)
	if !ok {
		t.Fatalf("node %s has no result", nodeID)
	}
	return res
}

func asFloat(v interface{}) float64 {
	f, _ := v.(float64)
	return f
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

// ====== SCENARIOS ======

// Intent to delivered notification through all four planning stages and
// a three-node run: search, summarize, push.
func TestRunIntentSearchAndNotify(t *testing.T) {
	ctx := context.Background()

	searchResults := []interface{}{
		map[string]interface{}{"title": "Model release", "url": "https://example.com/a", "snippet": "a new model shipped"},
		map[string]interface{}{"title": "Chips", "url": "https://example.com/b", "snippet": "compute got cheaper"},
	}
	sb := &testutil.ScriptedSandbox{}
	sb.ExecuteFn = func(ctx context.Context, source string, payload sandbox.Payload, timeout time.Duration) (*sandbox.ExecutionResult, error) {
		switch {
		case payload.Inputs["query"] != nil:
			return testutil.HarnessResult(map[string]interface{}{"results": searchResults, "count": 2}, nil), nil
		case payload.Inputs["message"] != nil:
			return testutil.HarnessResult(map[string]interface{}{"delivered": true, "channel": "blocksmith-alerts"}, nil), nil
		}
		return testutil.FailedResult(fmt.Sprintf("unexpected inputs: %v", payload.Inputs)), nil
	}

	llm := &testutil.ScriptedLLM{}
	s := newStack(t, llm, sb)

	decompose := decomposeDoc(t,
		seedRequirement(t, s, "web_search"),
		seedRequirement(t, s, "summarize"),
		seedRequirement(t, s, "notify_push"),
	)
	wire := wireDoc(t, &core.Pipeline{
		ID:   "pipe_ai_news_push",
		Name: "AI news push",
		Nodes: []core.Node{
			{ID: "n1", BlockID: "web_search", Inputs: map[string]interface{}{"query": "AI news"}},
			{ID: "n2", BlockID: "summarize", Inputs: map[string]interface{}{"text": "{{n1.results}}"}},
			{ID: "n3", BlockID: "notify_push", Inputs: map[string]interface{}{"message": "{{n2.summary}}"}},
		},
		Edges: []core.Edge{{From: "n1", To: "n2"}, {From: "n2", To: "n3"}},
	})
	llm.Rules = planRules(wire, decompose, testutil.LLMRule{
		Contains: "Summarize the following content",
		Response: `{"summary": "Two stories: a new model shipped and compute got cheaper."}`,
	})

	out, err := s.agent.RunIntent(ctx, Request{
		Intent: "search the web for AI news and send me a summary as a push notification",
		UserID: "u1",
	})
	if err != nil {
		t.Fatalf("RunIntent: %v", err)
	}
	if out.Plan.Status != core.PlanDone {
		t.Fatalf("plan status = %v, want done", out.Plan.Status)
	}
	if out.Pipeline == nil || len(out.Pipeline.Nodes) != 3 {
		t.Fatalf("pipeline = %+v, want 3 nodes", out.Pipeline)
	}

	run := out.Run
	if run.Failed() {
		t.Fatalf("run failed: %+v", run.Results())
	}
	if got := resultFor(t, run, "n1").Output["count"]; asFloat(got) != 2 {
		t.Errorf("search count = %v, want 2", got)
	}
	summary := asString(resultFor(t, run, "n2").Output["summary"])
	if !strings.Contains(summary, "new model shipped") {
		t.Errorf("summary = %q, want the scripted digest", summary)
	}
	if got := resultFor(t, run, "n3").Output["delivered"]; got != true {
		t.Errorf("delivered = %v, want true", got)
	}

	// The generation prompt must carry the upstream results, serialized
	// into the template's text slot.
	var sawResults bool
	for _, call := range s.llm.Calls() {
		if strings.Contains(call.Prompt, "Summarize the following content") &&
			strings.Contains(call.Prompt, "a new model shipped") {
			sawResults = true
		}
	}
	if !sawResults {
		t.Error("summarize prompt never carried the search results")
	}
	if got := s.llm.CallCount(); got != 3 {
		t.Errorf("llm calls = %d, want 3 (decompose, wire, summarize)", got)
	}

	rec, err := s.store.GetRun(ctx, run.RunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if rec.Status != store.RunSucceeded {
		t.Errorf("persisted run status = %s, want succeeded", rec.Status)
	}
	if prec, err := s.store.GetPipeline(ctx, out.Pipeline.ID); err != nil {
		t.Errorf("planned pipeline not persisted: %v", err)
	} else if prec.UserID != "u1" {
		t.Errorf("pipeline owner = %s, want u1", prec.UserID)
	}

	log, err := s.store.GetRunLog(ctx, run.RunID)
	if err != nil {
		t.Fatalf("GetRunLog: %v", err)
	}
	var loaded, saved int
	for _, rec := range log {
		if rec.Kind != core.LogMemory {
			continue
		}
		switch rec.Status {
		case "loaded":
			loaded++
		case "saved":
			saved++
		default:
			t.Errorf("unexpected memory log record %+v", rec)
		}
	}
	if loaded != 1 || saved != 1 {
		t.Errorf("memory log records loaded=%d saved=%d, want 1/1", loaded, saved)
	}

	// The succeeded push lands in the notification inbox with the
	// resolved message, not the raw template.
	notes, err := s.store.ListNotifications(ctx, "u1", false, 10)
	if err != nil {
		t.Fatalf("ListNotifications: %v", err)
	}
	if len(notes) != 1 {
		t.Fatalf("notifications = %d, want 1", len(notes))
	}
	if notes[0].Kind != "action" || notes[0].RunID != run.RunID {
		t.Errorf("notification = %+v, want kind action for run %s", notes[0], run.RunID)
	}
	if !strings.Contains(notes[0].Body, "new model shipped") {
		t.Errorf("notification body = %q, want the resolved summary", notes[0].Body)
	}
}

// A trigger-headed pipeline: the trigger node never executes code, it
// surfaces the inbound payload to downstream templates.
func TestRunIntentScheduledBrief(t *testing.T) {
	ctx := context.Background()

	sb := &testutil.ScriptedSandbox{}
	sb.ExecuteFn = func(ctx context.Context, source string, payload sandbox.Payload, timeout time.Duration) (*sandbox.ExecutionResult, error) {
		switch {
		case payload.Inputs["query"] != nil:
			return testutil.HarnessResult(map[string]interface{}{
				"results": []interface{}{map[string]interface{}{"title": "Brief", "url": "https://example.com", "snippet": "morning item"}},
				"count":   1,
			}, nil), nil
		case payload.Inputs["message"] != nil:
			return testutil.HarnessResult(map[string]interface{}{"delivered": true, "channel": "blocksmith-alerts"}, nil), nil
		}
		return testutil.FailedResult("unexpected block"), nil
	}

	llm := &testutil.ScriptedLLM{}
	s := newStack(t, llm, sb)

	decompose := decomposeDoc(t,
		seedRequirement(t, s, "schedule_trigger"),
		seedRequirement(t, s, "web_search"),
		seedRequirement(t, s, "summarize"),
		seedRequirement(t, s, "notify_push"),
	)
	wire := wireDoc(t, &core.Pipeline{
		ID:   "pipe_morning_brief",
		Name: "morning AI brief",
		Nodes: []core.Node{
			{ID: "n1", BlockID: "schedule_trigger", Inputs: map[string]interface{}{"cron": "0 8 * * *"}},
			{ID: "n2", BlockID: "web_search", Inputs: map[string]interface{}{"query": "AI news"}},
			{ID: "n3", BlockID: "summarize", Inputs: map[string]interface{}{"text": "{{n2.results}}"}},
			{ID: "n4", BlockID: "notify_push", Inputs: map[string]interface{}{"message": "{{n3.summary}}", "title": "Morning brief"}},
		},
		Edges: []core.Edge{{From: "n1", To: "n2"}, {From: "n2", To: "n3"}, {From: "n3", To: "n4"}},
	})
	llm.Rules = planRules(wire, decompose, testutil.LLMRule{
		Contains: "Summarize the following content",
		Response: `{"summary": "One item this morning."}`,
	})

	out, err := s.agent.RunIntent(ctx, Request{
		Intent:      "every morning at 8am, search for AI news and push me a brief",
		UserID:      "u1",
		TriggerData: map[string]interface{}{"at": "2026-08-25T08:00:00Z"},
	})
	if err != nil {
		t.Fatalf("RunIntent: %v", err)
	}
	if got := out.Pipeline.Nodes[0].BlockID; got != "schedule_trigger" {
		t.Fatalf("entry block = %s, want schedule_trigger", got)
	}
	if got := out.Pipeline.Nodes[0].Inputs["cron"]; got != "0 8 * * *" {
		t.Errorf("cron = %v, want the planned schedule", got)
	}

	trig := resultFor(t, out.Run, "n1")
	if trig.Status != core.NodeTriggered {
		t.Fatalf("trigger status = %s, want triggered", trig.Status)
	}
	if got := trig.Output["status"]; got != "triggered" {
		t.Errorf("trigger output status = %v", got)
	}
	if got := trig.Output["at"]; got != "2026-08-25T08:00:00Z" {
		t.Errorf("trigger payload not flattened: at = %v", got)
	}
	nested, _ := trig.Output["trigger_data"].(map[string]interface{})
	if nested["at"] != "2026-08-25T08:00:00Z" {
		t.Errorf("trigger_data = %v, want the inbound payload", trig.Output["trigger_data"])
	}

	if got := resultFor(t, out.Run, "n4").Output["delivered"]; got != true {
		t.Errorf("delivered = %v, want true", got)
	}
	rec, err := s.store.GetRun(ctx, out.Run.RunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if rec.Status != store.RunSucceeded {
		t.Errorf("run status = %s, want succeeded", rec.Status)
	}
}

// A requirement no catalog block satisfies: the planner synthesizes it,
// verifies it in the sandbox, saves it, and the run uses it. The stored
// memory value survives as a number.
func TestPlanSynthesizesMissingBlock(t *testing.T) {
	ctx := context.Background()

	pageText := "Vestas Wind Systems traded at an all time high of 373.22 EUR in 2021."
	sb := &testutil.ScriptedSandbox{}
	sb.ExecuteFn = func(ctx context.Context, source string, payload sandbox.Payload, timeout time.Duration) (*sandbox.ExecutionResult, error) {
		switch {
		case strings.Contains(source, "# extract_all_time_high"):
			return testutil.HarnessResult(map[string]interface{}{"value": 373.22}, nil), nil
		case payload.Inputs["query"] != nil:
			return testutil.HarnessResult(map[string]interface{}{
				"results": []interface{}{map[string]interface{}{"title": "Vestas", "url": "https://en.wikipedia.org/wiki/Vestas", "snippet": "wind turbines"}},
				"count":   1,
			}, nil), nil
		case payload.Inputs["url"] != nil:
			return testutil.HarnessResult(map[string]interface{}{"title": "Vestas", "text": pageText}, nil), nil
		case payload.Inputs["key"] != nil:
			key := asString(payload.Inputs["key"])
			num, err := strconv.ParseFloat(asString(payload.Inputs["value"]), 64)
			if err != nil {
				return testutil.FailedResult("ValueError: could not convert string to float"), nil
			}
			return testutil.HarnessResult(
				map[string]interface{}{"stored": true, "key": key},
				map[string]interface{}{key: num},
			), nil
		}
		return testutil.FailedResult("unexpected block"), nil
	}

	llm := &testutil.ScriptedLLM{}
	s := newStack(t, llm, sb)

	extractReq := core.RequiredBlock{
		ID:       "extract_all_time_high",
		Purpose:  "pull the all time high share price out of raw encyclopedia page text",
		Category: core.CategoryProcess,
		InputSchema: core.IOSchema{
			Properties: map[string]core.SchemaProperty{
				"text": {Type: core.TypeString, Description: "page text"},
			},
			Required: []string{"text"},
		},
		OutputSchema: core.IOSchema{
			Properties: map[string]core.SchemaProperty{
				"value": {Type: core.TypeNumber, Description: "the price"},
			},
			Required: []string{"value"},
		},
	}
	decompose := decomposeDoc(t,
		seedRequirement(t, s, "web_search"),
		seedRequirement(t, s, "web_scrape"),
		extractReq,
		seedRequirement(t, s, "memory_write"),
	)
	wire := wireDoc(t, &core.Pipeline{
		ID:   "pipe_vestas_high",
		Name: "Vestas all time high",
		Nodes: []core.Node{
			{ID: "n1", BlockID: "web_search", Inputs: map[string]interface{}{"query": "Vestas Wind Systems stock all time high"}},
			{ID: "n2", BlockID: "web_scrape", Inputs: map[string]interface{}{"url": "https://en.wikipedia.org/wiki/Vestas"}},
			{ID: "n3", BlockID: "extract_all_time_high", Inputs: map[string]interface{}{"text": "{{n2.text}}"}},
			{ID: "n4", BlockID: "memory_write", Inputs: map[string]interface{}{"key": "all_time_high", "value": "{{n3.value}}"}},
		},
		Edges: []core.Edge{{From: "n1", To: "n2"}, {From: "n2", To: "n3"}, {From: "n3", To: "n4"}},
	})
	synthesized := `{"source_code": "def execute(inputs, context):\n    # extract_all_time_high\n    text = inputs.get(\"text\", \"\")\n    return {\"value\": 373.22}", "packages": []}`
	llm.Rules = planRules(wire, decompose,
		testutil.LLMRule{Contains: "Write a Python block", Response: synthesized},
	)

	events, state, err := drainPlan(s.agent.Plan(ctx, "find the all time high of Vestas stock and remember it", "u1"))
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if state.Status != core.PlanDone {
		t.Fatalf("plan status = %v, want done", state.Status)
	}
	if !eventSeen(events, planner.EventSearchMissing, "extract_all_time_high") {
		t.Error("no search_missing event for the novel requirement")
	}
	if !eventSeen(events, planner.EventBlockTestPassed, "extract_all_time_high") {
		t.Error("no block_test_passed event for the synthesized block")
	}
	if !eventSeen(events, planner.EventBlockCreated, "extract_all_time_high") {
		t.Error("no block_created event for the synthesized block")
	}

	created, err := s.reg.Get(ctx, "extract_all_time_high")
	if err != nil {
		t.Fatalf("synthesized block not in catalog: %v", err)
	}
	if created.Metadata.CreatedBy != core.CreatedBySynthesizer {
		t.Errorf("created_by = %s, want synthesizer", created.Metadata.CreatedBy)
	}
	if created.ExecutionType != core.ExecPython {
		t.Errorf("execution type = %s, want python", created.ExecutionType)
	}

	run, err := s.agent.Execute(ctx, executor.Request{Pipeline: state.PipelineJSON, UserID: "u1"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if run.Failed() {
		t.Fatalf("run failed: %+v", run.Results())
	}
	if got := resultFor(t, run, "n3").Output["value"]; asFloat(got) != 373.22 {
		t.Errorf("extracted value = %v, want 373.22", got)
	}
	if got := resultFor(t, run, "n4").Output["stored"]; got != true {
		t.Errorf("stored = %v, want true", got)
	}

	mem, err := s.store.LoadMemory(ctx, "u1")
	if err != nil {
		t.Fatalf("LoadMemory: %v", err)
	}
	if got := asFloat(mem["all_time_high"]); got != 373.22 {
		t.Errorf("memory all_time_high = %v (%T), want the number 373.22", mem["all_time_high"], mem["all_time_high"])
	}
}

// The same planned pipeline run twice against a moving price: below the
// threshold the notification goes out, above it the filter reports
// passes=false and downstream sees that.
func TestRunIntentThresholdBranch(t *testing.T) {
	ctx := context.Background()

	var mu sync.Mutex
	price := "350"

	sb := &testutil.ScriptedSandbox{}
	sb.ExecuteFn = func(ctx context.Context, source string, payload sandbox.Payload, timeout time.Duration) (*sandbox.ExecutionResult, error) {
		switch {
		case payload.Inputs["url"] != nil:
			mu.Lock()
			body := price
			mu.Unlock()
			return testutil.HarnessResult(map[string]interface{}{"status": 200, "body": body}, nil), nil
		case payload.Inputs["operator"] != nil:
			value := asFloat(payload.Inputs["value"])
			threshold := asFloat(payload.Inputs["threshold"])
			var passes bool
			switch asString(payload.Inputs["operator"]) {
			case "<":
				passes = value < threshold
			case ">":
				passes = value > threshold
			case "<=":
				passes = value <= threshold
			case ">=":
				passes = value >= threshold
			default:
				return testutil.FailedResult("ValueError: unknown operator"), nil
			}
			return testutil.HarnessResult(map[string]interface{}{"passes": passes, "value": value}, nil), nil
		case payload.Inputs["message"] != nil:
			msg := asString(payload.Inputs["message"])
			return testutil.HarnessResult(map[string]interface{}{
				"delivered": !strings.Contains(msg, "passes=false"),
				"channel":   "deals",
			}, nil), nil
		}
		return testutil.FailedResult("unexpected block"), nil
	}

	llm := &testutil.ScriptedLLM{}
	s := newStack(t, llm, sb)

	decompose := decomposeDoc(t,
		seedRequirement(t, s, "http_get"),
		seedRequirement(t, s, "filter_threshold"),
		seedRequirement(t, s, "notify_push"),
	)
	wire := wireDoc(t, &core.Pipeline{
		ID:   "pipe_ps5_deal",
		Name: "PS5 price watch",
		Nodes: []core.Node{
			{ID: "n1", BlockID: "http_get", Inputs: map[string]interface{}{"url": "https://api.example.com/ps5/price"}},
			{ID: "n2", BlockID: "filter_threshold", Inputs: map[string]interface{}{"value": "{{n1.body}}", "threshold": 400, "operator": "<"}},
			{ID: "n3", BlockID: "notify_push", Inputs: map[string]interface{}{"message": "PS5 at {{n2.value}} EUR, passes={{n2.passes}}"}},
		},
		Edges: []core.Edge{{From: "n1", To: "n2"}, {From: "n2", To: "n3"}},
	})
	llm.Rules = planRules(wire, decompose)

	out, err := s.agent.RunIntent(ctx, Request{
		Intent: "watch the PS5 price and notify me when it drops below 400 euro",
		UserID: "u1",
	})
	if err != nil {
		t.Fatalf("RunIntent: %v", err)
	}

	filter := out.Pipeline.Nodes[1]
	if got := filter.Inputs["operator"]; got != "<" {
		t.Errorf("planned operator = %v, want <", got)
	}
	if got := asFloat(filter.Inputs["threshold"]); got != 400 {
		t.Errorf("planned threshold = %v, want 400", filter.Inputs["threshold"])
	}

	if got := resultFor(t, out.Run, "n2").Output["passes"]; got != true {
		t.Fatalf("first run passes = %v, want true at price 350", got)
	}
	if got := resultFor(t, out.Run, "n3").Output["delivered"]; got != true {
		t.Errorf("first run delivered = %v, want true", got)
	}

	// Price climbs over the threshold; rerun the stored plan.
	mu.Lock()
	price = "450"
	mu.Unlock()

	rerun, err := s.agent.Execute(ctx, executor.Request{Pipeline: out.Pipeline, UserID: "u1"})
	if err != nil {
		t.Fatalf("rerun: %v", err)
	}
	second := resultFor(t, rerun, "n2")
	if got := second.Output["passes"]; got != false {
		t.Fatalf("second run passes = %v, want false at price 450", got)
	}
	if got := asFloat(second.Output["value"]); got != 450 {
		t.Errorf("second run value = %v, want 450", second.Output["value"])
	}
	// The notify node still ran; its rendered message carries the
	// filter's verdict and the fake refuses delivery on passes=false.
	notify := resultFor(t, rerun, "n3")
	if notify.Status != core.NodeSucceeded {
		t.Fatalf("notify status = %s, want succeeded", notify.Status)
	}
	if got := notify.Output["delivered"]; got != false {
		t.Errorf("second run delivered = %v, want false", got)
	}

	runs, err := s.store.ListRuns(ctx, "u1", out.Pipeline.ID, "", 10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("run history = %d records, want 2", len(runs))
	}
	for _, rec := range runs {
		if rec.Status != store.RunSucceeded {
			t.Errorf("run %s status = %s, want succeeded", rec.RunID, rec.Status)
		}
	}
}

// Synthesis that never produces a working block: creation fails after
// the iteration cap, wiring has nothing to wire, and neither the
// catalog nor the run history changes.
func TestPlanFailsWhenSynthesisExhausted(t *testing.T) {
	ctx := context.Background()

	sb := &testutil.ScriptedSandbox{}
	sb.ExecuteFn = func(ctx context.Context, source string, payload sandbox.Payload, timeout time.Duration) (*sandbox.ExecutionResult, error) {
		if strings.Contains(source, "# forbidden_tool") {
			return testutil.FailedResult("ImportError: No module named 'forbidden'"), nil
		}
		return testutil.FailedResult("unexpected block"), nil
	}

	llm := &testutil.ScriptedLLM{}
	s := newStack(t, llm, sb)

	stats, err := s.reg.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}

	decompose := decomposeDoc(t, core.RequiredBlock{
		ID:       "forbidden_tool",
		Purpose:  "translate english sentences into rhyming french verse",
		Category: core.CategoryProcess,
		InputSchema: core.IOSchema{
			Properties: map[string]core.SchemaProperty{
				"sentence": {Type: core.TypeString, Description: "english input"},
			},
			Required: []string{"sentence"},
		},
		OutputSchema: core.IOSchema{
			Properties: map[string]core.SchemaProperty{
				"verse": {Type: core.TypeString, Description: "french verse"},
			},
			Required: []string{"verse"},
		},
	})
	broken := `{"source_code": "def execute(inputs, context):\n    # forbidden_tool\n    raise ImportError(\"No module named 'forbidden'\")", "packages": []}`
	llm.Rules = []testutil.LLMRule{
		{Contains: "User intent:", Response: decompose},
		{Contains: "Write a Python block", Response: broken},
		{Contains: "failed verification", Response: broken},
	}

	events, state, err := drainPlan(s.agent.Plan(ctx, "translate my sentences into french verse", "u1"))
	if err == nil {
		t.Fatal("plan succeeded, want failure when nothing can be wired")
	}
	if !strings.Contains(err.Error(), "no blocks available to wire") {
		t.Errorf("error = %v, want the empty-catalog wire failure", err)
	}
	if state.Status != core.PlanFailed {
		t.Errorf("plan status = %v, want failed", state.Status)
	}
	if state.PipelineJSON != nil {
		t.Errorf("failed plan still produced a pipeline: %+v", state.PipelineJSON)
	}
	if len(state.CreationFailures) != 1 || state.CreationFailures[0] != "forbidden_tool" {
		t.Errorf("creation failures = %v, want [forbidden_tool]", state.CreationFailures)
	}

	if !eventSeen(events, planner.EventBlockCreateFailed, "forbidden_tool") {
		t.Error("no block_create_failed event")
	}
	var sawStderr bool
	for _, ev := range events {
		if ev.Kind == planner.EventBlockTestFailed && strings.Contains(ev.Message, "ImportError") {
			sawStderr = true
		}
	}
	if !sawStderr {
		t.Error("test-failed events never surfaced the sandbox stderr")
	}

	// Nothing landed in the catalog or the run history.
	if _, err := s.reg.Get(ctx, "forbidden_tool"); !core.IsKind(err, core.KindNotFound) {
		t.Errorf("Get(forbidden_tool) = %v, want not_found", err)
	}
	after, err := s.reg.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if after.TotalBlocks != stats.TotalBlocks {
		t.Errorf("catalog grew from %d to %d blocks", stats.TotalBlocks, after.TotalBlocks)
	}
	runs, err := s.store.ListRuns(ctx, "u1", "", "", 10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 0 {
		t.Errorf("run history = %d records, want none", len(runs))
	}
}

// Two independent chains execute concurrently and converge on a join
// node that reads both. The feed blocks rendezvous inside the sandbox
// fake, which only resolves when both are in flight at once.
func TestExecuteConvergingBranches(t *testing.T) {
	ctx := context.Background()

	var mu sync.Mutex
	arrivals := 0
	release := make(chan struct{})
	barrier := func() bool {
		mu.Lock()
		arrivals++
		if arrivals == 2 {
			close(release)
		}
		mu.Unlock()
		select {
		case <-release:
			return true
		case <-time.After(5 * time.Second):
			return false
		}
	}

	sb := &testutil.ScriptedSandbox{}
	sb.ExecuteFn = func(ctx context.Context, source string, payload sandbox.Payload, timeout time.Duration) (*sandbox.ExecutionResult, error) {
		switch {
		case strings.Contains(source, "# fetch_feed"):
			name := asString(payload.Inputs["name"])
			if !barrier() {
				return testutil.FailedResult("peer feed never started"), nil
			}
			return testutil.HarnessResult(map[string]interface{}{"label": name}, nil), nil
		case strings.Contains(source, "# tag_source"):
			return testutil.HarnessResult(map[string]interface{}{
				"tag": "[" + asString(payload.Inputs["label"]) + "]",
			}, nil), nil
		case strings.Contains(source, "# join_pair"):
			return testutil.HarnessResult(map[string]interface{}{
				"joined": asString(payload.Inputs["a"]) + " + " + asString(payload.Inputs["b"]),
			}, nil), nil
		}
		return testutil.FailedResult("unexpected block"), nil
	}

	llm := &testutil.ScriptedLLM{}
	s := newStack(t, llm, sb)

	blocks := []*core.BlockDefinition{
		{
			ID: "fetch_feed", Name: "Fetch Feed",
			Description:   "Reads one named feed",
			Category:      core.CategoryInput,
			ExecutionType: core.ExecPython,
			InputSchema: core.IOSchema{
				Properties: map[string]core.SchemaProperty{"name": {Type: core.TypeString, Description: "feed name"}},
				Required:   []string{"name"},
			},
			OutputSchema: core.IOSchema{
				Properties: map[string]core.SchemaProperty{"label": {Type: core.TypeString, Description: "feed label"}},
				Required:   []string{"label"},
			},
			SourceCode: "def execute(inputs, context):\n    # fetch_feed\n    return {\"label\": inputs[\"name\"]}",
			UseWhen:    "a named feed should be read",
			Tags:       []string{"feed"},
			Metadata:   core.BlockMetadata{CreatedBy: core.CreatedByUser},
		},
		{
			ID: "tag_source", Name: "Tag Source",
			Description:   "Wraps a feed label in brackets",
			Category:      core.CategoryProcess,
			ExecutionType: core.ExecPython,
			InputSchema: core.IOSchema{
				Properties: map[string]core.SchemaProperty{"label": {Type: core.TypeString, Description: "label"}},
				Required:   []string{"label"},
			},
			OutputSchema: core.IOSchema{
				Properties: map[string]core.SchemaProperty{"tag": {Type: core.TypeString, Description: "tagged label"}},
				Required:   []string{"tag"},
			},
			SourceCode: "def execute(inputs, context):\n    # tag_source\n    return {\"tag\": \"[\" + inputs[\"label\"] + \"]\"}",
			UseWhen:    "a label needs tagging",
			Tags:       []string{"tag"},
			Metadata:   core.BlockMetadata{CreatedBy: core.CreatedByUser},
		},
		{
			ID: "join_pair", Name: "Join Pair",
			Description:   "Joins two tagged labels",
			Category:      core.CategoryProcess,
			ExecutionType: core.ExecPython,
			InputSchema: core.IOSchema{
				Properties: map[string]core.SchemaProperty{
					"a": {Type: core.TypeString, Description: "left"},
					"b": {Type: core.TypeString, Description: "right"},
				},
				Required: []string{"a", "b"},
			},
			OutputSchema: core.IOSchema{
				Properties: map[string]core.SchemaProperty{"joined": {Type: core.TypeString, Description: "joined pair"}},
				Required:   []string{"joined"},
			},
			SourceCode: "def execute(inputs, context):\n    # join_pair\n    return {\"joined\": inputs[\"a\"] + \" + \" + inputs[\"b\"]}",
			UseWhen:    "two branch results converge",
			Tags:       []string{"join"},
			Metadata:   core.BlockMetadata{CreatedBy: core.CreatedByUser},
		},
	}
	for _, b := range blocks {
		if err := s.reg.Save(ctx, b); err != nil {
			t.Fatalf("save %s: %v", b.ID, err)
		}
	}

	pipeline := &core.Pipeline{
		ID:   "pipe_feed_join",
		Name: "two feeds joined",
		Nodes: []core.Node{
			{ID: "n1", BlockID: "fetch_feed", Inputs: map[string]interface{}{"name": "left"}},
			{ID: "n2", BlockID: "fetch_feed", Inputs: map[string]interface{}{"name": "right"}},
			{ID: "n3", BlockID: "tag_source", Inputs: map[string]interface{}{"label": "{{n1.label}}"}},
			{ID: "n4", BlockID: "tag_source", Inputs: map[string]interface{}{"label": "{{n2.label}}"}},
			{ID: "n5", BlockID: "join_pair", Inputs: map[string]interface{}{"a": "{{n3.tag}}", "b": "{{n4.tag}}"}},
		},
		Edges: []core.Edge{
			{From: "n1", To: "n3"},
			{From: "n2", To: "n4"},
			{From: "n3", To: "n5"},
			{From: "n4", To: "n5"},
		},
	}

	run, err := s.agent.Execute(ctx, executor.Request{Pipeline: pipeline, UserID: "u1"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if run.Failed() {
		t.Fatalf("run failed, the branches never overlapped: %+v", run.Results())
	}
	for _, id := range []string{"n1", "n2"} {
		if got := resultFor(t, run, id).Status; got != core.NodeSucceeded {
			t.Errorf("feed %s status = %s, want succeeded", id, got)
		}
	}
	if got := asString(resultFor(t, run, "n5").Output["joined"]); got != "[left] + [right]" {
		t.Errorf("joined = %q, want both branch tags", got)
	}
	if got := s.llm.CallCount(); got != 0 {
		t.Errorf("llm calls = %d, want none for a pure python pipeline", got)
	}
}

// TriggerRun resolves the stored pipeline by id and feeds the webhook
// body through the trigger node.
func TestTriggerRunUsesStoredPipeline(t *testing.T) {
	ctx := context.Background()

	sb := &testutil.ScriptedSandbox{}
	sb.ExecuteFn = func(ctx context.Context, source string, payload sandbox.Payload, timeout time.Duration) (*sandbox.ExecutionResult, error) {
		if payload.Inputs["message"] != nil {
			return testutil.HarnessResult(map[string]interface{}{"delivered": true, "channel": "hooks"}, nil), nil
		}
		return testutil.FailedResult("unexpected block"), nil
	}

	llm := &testutil.ScriptedLLM{}
	s := newStack(t, llm, sb)

	pipeline := &core.Pipeline{
		ID:   "pipe_hook_echo",
		Name: "webhook echo",
		Nodes: []core.Node{
			{ID: "n1", BlockID: "schedule_trigger", Inputs: map[string]interface{}{"cron": "* * * * *"}},
			{ID: "n2", BlockID: "notify_push", Inputs: map[string]interface{}{"message": "got {{n1.event}}"}},
		},
		Edges: []core.Edge{{From: "n1", To: "n2"}},
	}
	if err := s.store.SavePipeline(ctx, "u2", pipeline); err != nil {
		t.Fatalf("SavePipeline: %v", err)
	}

	run, err := s.agent.TriggerRun(ctx, "pipe_hook_echo", map[string]interface{}{"event": "deploy_finished"})
	if err != nil {
		t.Fatalf("TriggerRun: %v", err)
	}
	if run.Failed() {
		t.Fatalf("run failed: %+v", run.Results())
	}
	if run.UserID != "u2" {
		t.Errorf("run user = %s, want the pipeline owner u2", run.UserID)
	}
	if got := resultFor(t, run, "n1").Output["event"]; got != "deploy_finished" {
		t.Errorf("trigger event = %v, want deploy_finished", got)
	}

	execs := s.sb.Executes()
	if len(execs) != 1 {
		t.Fatalf("sandbox executes = %d, want 1 (trigger node runs no code)", len(execs))
	}
	if got := asString(execs[0].Payload.Inputs["message"]); got != "got deploy_finished" {
		t.Errorf("notify message = %q, want the flattened trigger field", got)
	}

	if _, err := s.agent.TriggerRun(ctx, "pipe_missing", nil); !core.IsKind(err, core.KindNotFound) {
		t.Errorf("TriggerRun(missing) = %v, want not_found", err)
	}
}
