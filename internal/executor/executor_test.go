package executor

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"blocksmith/internal/core"
	"blocksmith/internal/registry"
	"blocksmith/internal/sandbox"
	"blocksmith/internal/store"
	"blocksmith/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// =============================================================================
// HELPERS
// =============================================================================

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New(filepath.Join(t.TempDir(), "blocks.db"), testutil.NewHashEmbedder(), time.Minute)
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	t.Cleanup(func() { _ = reg.Close() })
	return reg
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// pythonBlock builds a process block whose source carries the block id
// as a marker so scripted sandboxes can dispatch per block.
func pythonBlock(id string, in, out core.IOSchema) *core.BlockDefinition {
	return &core.BlockDefinition{
		ID:            id,
		Name:          strings.ReplaceAll(id, "_", " "),
		Description:   "test block " + id,
		Category:      core.CategoryProcess,
		ExecutionType: core.ExecPython,
		InputSchema:   in,
		OutputSchema:  out,
		SourceCode:    "def execute(inputs, context):\n    # " + id + "\n    return {}\n",
		UseWhen:       "testing " + id,
	}
}

func strProps(names ...string) core.IOSchema {
	props := make(map[string]core.SchemaProperty, len(names))
	for _, n := range names {
		props[n] = core.SchemaProperty{Type: core.TypeString}
	}
	return core.IOSchema{Properties: props}
}

func seedBlocks(t *testing.T, reg *registry.Registry, blocks ...*core.BlockDefinition) {
	t.Helper()
	ctx := context.Background()
	for _, b := range blocks {
		if err := reg.Save(ctx, b); err != nil {
			t.Fatalf("seed %s: %v", b.ID, err)
		}
	}
}

// sourceIs reports whether a scripted execution belongs to the given
// block, via the id marker pythonBlock embeds.
func sourceIs(source, blockID string) bool {
	return strings.Contains(source, "# "+blockID)
}

func neverFactory(t *testing.T) sandbox.Factory {
	return func(network bool) (sandbox.Sandbox, error) {
		t.Errorf("sandbox factory called for a run with no python nodes")
		return &testutil.ScriptedSandbox{}, nil
	}
}

func execFor(t *testing.T, sb *testutil.ScriptedSandbox, blockID string) testutil.ExecRecord {
	t.Helper()
	for _, rec := range sb.Executes() {
		if sourceIs(rec.Source, blockID) {
			return rec
		}
	}
	t.Fatalf("no execution recorded for block %s", blockID)
	return testutil.ExecRecord{}
}

// =============================================================================
// RUN BEHAVIOR
// =============================================================================

func TestExecuteLinearPipeline(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	st := newTestStore(t)
	seedBlocks(t, reg,
		pythonBlock("greeter", strProps("name"), strProps("greeting")),
	)

	sb := &testutil.ScriptedSandbox{
		ExecuteFn: func(ctx context.Context, source string, payload sandbox.Payload, timeout time.Duration) (*sandbox.ExecutionResult, error) {
			name, _ := payload.Inputs["name"].(string)
			return testutil.HarnessResult(map[string]interface{}{"greeting": "hello " + name}, nil), nil
		},
	}
	ex := New(testutil.NewScriptedLLM(), reg, st, sb.Factory(), Config{})

	pipeline := &core.Pipeline{
		ID:   "greet_twice",
		Name: "greet twice",
		Nodes: []core.Node{
			{ID: "n1", BlockID: "greeter", Inputs: map[string]interface{}{"name": "ada"}},
			{ID: "n2", BlockID: "greeter", Inputs: map[string]interface{}{"name": "{{n1.greeting}}"}},
		},
		Edges: []core.Edge{{From: "n1", To: "n2"}},
	}

	state, err := ex.Execute(ctx, Request{Pipeline: pipeline})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if state.Failed() {
		t.Fatalf("run failed: %+v", state.Results())
	}
	r2 := state.Result("n2")
	if r2 == nil || r2.Status != core.NodeSucceeded {
		t.Fatalf("n2 result = %+v", r2)
	}
	if got := r2.Output["greeting"]; got != "hello hello ada" {
		t.Fatalf("n2 greeting = %v", got)
	}

	// Blocks see the run identity in their execution context.
	rec := execFor(t, sb, "greeter")
	if rec.Payload.Context["user_id"] != "local" {
		t.Fatalf("context user_id = %v", rec.Payload.Context["user_id"])
	}

	// The run row, node results, and log all land in the store.
	run, err := st.GetRun(ctx, state.RunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != store.RunSucceeded {
		t.Fatalf("persisted status = %q", run.Status)
	}
	if run.FinishedAt.IsZero() {
		t.Fatal("run has no finish time")
	}
	persisted, err := st.GetNodeResults(ctx, state.RunID)
	if err != nil {
		t.Fatalf("GetNodeResults: %v", err)
	}
	if len(persisted) != 2 {
		t.Fatalf("persisted %d node results, want 2", len(persisted))
	}
	if persisted["n2"].Output["greeting"] != "hello hello ada" {
		t.Fatalf("persisted n2 output = %v", persisted["n2"].Output)
	}

	log, err := st.GetRunLog(ctx, state.RunID)
	if err != nil {
		t.Fatalf("GetRunLog: %v", err)
	}
	if len(log) < 4 {
		t.Fatalf("log has %d records, want at least 4", len(log))
	}
	if log[0].Kind != core.LogMemory || log[0].Status != "loaded" {
		t.Fatalf("first log record = %+v", log[0])
	}
	last := log[len(log)-1]
	if last.Kind != core.LogMemory || last.Status != "saved" {
		t.Fatalf("last log record = %+v", last)
	}
	var nodeOrder []string
	for _, rec := range log {
		if rec.Kind == core.LogNode {
			nodeOrder = append(nodeOrder, rec.NodeID)
		}
	}
	if len(nodeOrder) != 2 || nodeOrder[0] != "n1" || nodeOrder[1] != "n2" {
		t.Fatalf("node log order = %v", nodeOrder)
	}

	m := ex.Metrics()
	if m.Runs != 1 || m.Succeeded != 1 || m.Failed != 0 || m.Nodes != 2 {
		t.Fatalf("metrics = %+v", m)
	}
	if !strings.Contains(m.String(), "runs=1") {
		t.Fatalf("metrics string = %q", m.String())
	}
}

func TestExecuteParallelBranchesOverlap(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	st := newTestStore(t)
	seedBlocks(t, reg, pythonBlock("tagger", strProps("tag"), strProps("tag")))

	arrived := make(chan string, 2)
	release := make(chan struct{})
	var releaseOnce sync.Once
	t.Cleanup(func() { releaseOnce.Do(func() { close(release) }) })

	sb := &testutil.ScriptedSandbox{
		ExecuteFn: func(ctx context.Context, source string, payload sandbox.Payload, timeout time.Duration) (*sandbox.ExecutionResult, error) {
			tag, _ := payload.Inputs["tag"].(string)
			if tag == "left" || tag == "right" {
				arrived <- tag
				select {
				case <-release:
				case <-ctx.Done():
				}
			}
			return testutil.HarnessResult(map[string]interface{}{"tag": tag}, nil), nil
		},
	}
	ex := New(testutil.NewScriptedLLM(), reg, st, sb.Factory(), Config{})

	pipeline := &core.Pipeline{
		ID:   "diamond",
		Name: "diamond",
		Nodes: []core.Node{
			{ID: "n1", BlockID: "tagger", Inputs: map[string]interface{}{"tag": "root"}},
			{ID: "n2", BlockID: "tagger", Inputs: map[string]interface{}{"tag": "left"}},
			{ID: "n3", BlockID: "tagger", Inputs: map[string]interface{}{"tag": "right"}},
			{ID: "n4", BlockID: "tagger", Inputs: map[string]interface{}{"tag": "{{n2.tag}}+{{n3.tag}}"}},
		},
		Edges: []core.Edge{
			{From: "n1", To: "n2"},
			{From: "n1", To: "n3"},
			{From: "n2", To: "n4"},
			{From: "n3", To: "n4"},
		},
	}

	done := make(chan *core.RunState, 1)
	go func() {
		state, _ := ex.Execute(ctx, Request{Pipeline: pipeline})
		done <- state
	}()

	// Both branches must be in flight at once; neither returns until
	// released, so a serial executor would never deliver the second.
	for i := 0; i < 2; i++ {
		select {
		case <-arrived:
		case <-time.After(5 * time.Second):
			t.Fatal("branches did not run concurrently")
		}
	}
	releaseOnce.Do(func() { close(release) })

	state := <-done
	if state == nil || state.Failed() {
		t.Fatalf("run failed: %+v", state)
	}
	if got := state.Result("n4").Output["tag"]; got != "left+right" {
		t.Fatalf("join output = %v", got)
	}

	// The completion log must respect every edge even when branches
	// interleave: a node's record never precedes a predecessor's.
	log, err := st.GetRunLog(ctx, state.RunID)
	if err != nil {
		t.Fatalf("GetRunLog: %v", err)
	}
	position := make(map[string]int)
	for i, rec := range log {
		if rec.Kind == core.LogNode {
			position[rec.NodeID] = i
		}
	}
	for _, edge := range pipeline.Edges {
		if position[edge.From] > position[edge.To] {
			t.Errorf("edge %s->%s violated in log: %d > %d",
				edge.From, edge.To, position[edge.From], position[edge.To])
		}
	}
}

func TestExecuteFailureIsolatesDownstream(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	st := newTestStore(t)
	seedBlocks(t, reg,
		pythonBlock("fetcher", strProps("url"), strProps("body")),
		pythonBlock("counter", core.IOSchema{
			Properties: map[string]core.SchemaProperty{"text": {Type: core.TypeString}},
			Required:   []string{"text"},
		}, strProps("n")),
		pythonBlock("sider", strProps(), strProps("ok")),
	)

	sb := &testutil.ScriptedSandbox{
		ExecuteFn: func(ctx context.Context, source string, payload sandbox.Payload, timeout time.Duration) (*sandbox.ExecutionResult, error) {
			if sourceIs(source, "fetcher") {
				return testutil.FailedResult("ValueError: no such host"), nil
			}
			return testutil.HarnessResult(map[string]interface{}{"ok": "yes"}, nil), nil
		},
	}
	ex := New(testutil.NewScriptedLLM(), reg, st, sb.Factory(), Config{})

	pipeline := &core.Pipeline{
		ID:   "fetch_count",
		Name: "fetch count",
		Nodes: []core.Node{
			{ID: "n1", BlockID: "fetcher", Inputs: map[string]interface{}{"url": "https://example.com"}},
			{ID: "n2", BlockID: "counter", Inputs: map[string]interface{}{"text": "{{n1.body}}"}},
			{ID: "n3", BlockID: "sider", Inputs: map[string]interface{}{}},
		},
		Edges: []core.Edge{{From: "n1", To: "n2"}},
	}

	state, err := ex.Execute(ctx, Request{Pipeline: pipeline})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	r1 := state.Result("n1")
	if r1.Status != core.NodeFailed || r1.ErrorKind != "sandbox" {
		t.Fatalf("n1 = %s/%s, want failed/sandbox", r1.Status, r1.ErrorKind)
	}
	if !strings.Contains(r1.ErrorText, "ValueError") {
		t.Fatalf("n1 error = %q", r1.ErrorText)
	}
	r2 := state.Result("n2")
	if r2.Status != core.NodeFailed || r2.ErrorKind != "upstream" {
		t.Fatalf("n2 = %s/%s, want failed/upstream", r2.Status, r2.ErrorKind)
	}
	if !strings.Contains(r2.ErrorText, "n1.body") {
		t.Fatalf("n2 error = %q", r2.ErrorText)
	}
	if r3 := state.Result("n3"); r3.Status != core.NodeSucceeded {
		t.Fatalf("independent n3 = %+v", r3)
	}

	run, err := st.GetRun(ctx, state.RunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != store.RunFailed {
		t.Fatalf("persisted status = %q", run.Status)
	}
	if m := ex.Metrics(); m.Failed != 1 || m.Succeeded != 0 {
		t.Fatalf("metrics = %+v", m)
	}
}

// Succeeded action nodes land in the notification inbox with their
// resolved message; an action reporting delivered=false stays out; a
// failed run adds a run_failed row naming the broken node.
func TestExecuteNotificationInbox(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	st := newTestStore(t)

	pusher := pythonBlock("pusher", strProps("message", "title"), core.IOSchema{
		Properties: map[string]core.SchemaProperty{"delivered": {Type: core.TypeBoolean}},
	})
	pusher.Category = core.CategoryAction
	seedBlocks(t, reg,
		pythonBlock("fetcher", strProps("url"), strProps("body")),
		pusher,
	)

	sb := &testutil.ScriptedSandbox{
		ExecuteFn: func(ctx context.Context, source string, payload sandbox.Payload, timeout time.Duration) (*sandbox.ExecutionResult, error) {
			if sourceIs(source, "fetcher") {
				return testutil.HarnessResult(map[string]interface{}{"body": "99"}, nil), nil
			}
			msg, _ := payload.Inputs["message"].(string)
			return testutil.HarnessResult(map[string]interface{}{"delivered": !strings.Contains(msg, "quiet")}, nil), nil
		},
	}
	ex := New(testutil.NewScriptedLLM(), reg, st, sb.Factory(), Config{})

	push := func(message string) *core.Pipeline {
		return &core.Pipeline{
			ID:   "fetch_push",
			Name: "fetch push",
			Nodes: []core.Node{
				{ID: "n1", BlockID: "fetcher", Inputs: map[string]interface{}{"url": "https://example.com/price"}},
				{ID: "n2", BlockID: "pusher", Inputs: map[string]interface{}{"message": message, "title": "price alert"}},
			},
			Edges: []core.Edge{{From: "n1", To: "n2"}},
		}
	}

	state, err := ex.Execute(ctx, Request{Pipeline: push("price is {{n1.body}}"), UserID: "u9"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	notes, err := st.ListNotifications(ctx, "u9", false, 10)
	if err != nil {
		t.Fatalf("ListNotifications: %v", err)
	}
	if len(notes) != 1 {
		t.Fatalf("notifications = %d, want 1", len(notes))
	}
	if notes[0].Kind != "action" || notes[0].Title != "price alert" || notes[0].RunID != state.RunID {
		t.Fatalf("notification = %+v", notes[0])
	}
	if notes[0].Body != "price is 99" {
		t.Fatalf("body = %q, want the resolved message", notes[0].Body)
	}

	// The push declines this time; the inbox must not grow.
	if _, err := ex.Execute(ctx, Request{Pipeline: push("quiet {{n1.body}}"), UserID: "u9"}); err != nil {
		t.Fatalf("second Execute: %v", err)
	}
	if notes, _ = st.ListNotifications(ctx, "u9", false, 10); len(notes) != 1 {
		t.Fatalf("notifications after declined push = %d, want 1", len(notes))
	}

	// A failing node turns into a run_failed row.
	broken := &core.Pipeline{
		ID:    "broken",
		Name:  "broken",
		Nodes: []core.Node{{ID: "n1", BlockID: "no_such_block", Inputs: map[string]interface{}{}}},
	}
	if _, err := ex.Execute(ctx, Request{Pipeline: broken, UserID: "u9"}); err != nil {
		t.Fatalf("third Execute: %v", err)
	}
	notes, _ = st.ListNotifications(ctx, "u9", false, 10)
	if len(notes) != 2 {
		t.Fatalf("notifications after failed run = %d, want 2", len(notes))
	}
	if notes[0].Kind != "run_failed" || !strings.Contains(notes[0].Body, "no_such_block") {
		t.Fatalf("failure notification = %+v", notes[0])
	}
}

func TestExecuteControlBlockReadsFailureDocument(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	st := newTestStore(t)
	seedBlocks(t, reg,
		pythonBlock("fetcher", strProps("url"), strProps("body")),
		pythonBlock("alerter", strProps("msg", "state"), strProps("sent")),
	)

	sb := &testutil.ScriptedSandbox{
		ExecuteFn: func(ctx context.Context, source string, payload sandbox.Payload, timeout time.Duration) (*sandbox.ExecutionResult, error) {
			if sourceIs(source, "fetcher") {
				return testutil.FailedResult("ConnectionError: refused"), nil
			}
			return testutil.HarnessResult(map[string]interface{}{"sent": "true"}, nil), nil
		},
	}
	ex := New(testutil.NewScriptedLLM(), reg, st, sb.Factory(), Config{})

	pipeline := &core.Pipeline{
		ID:   "alert_on_failure",
		Name: "alert on failure",
		Nodes: []core.Node{
			{ID: "n1", BlockID: "fetcher", Inputs: map[string]interface{}{"url": "https://example.com"}},
			{ID: "n2", BlockID: "alerter", Inputs: map[string]interface{}{
				"msg":   "{{n1.error}}",
				"state": "{{n1.status}}",
			}},
		},
		Edges: []core.Edge{{From: "n1", To: "n2"}},
	}

	state, err := ex.Execute(ctx, Request{Pipeline: pipeline})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if r2 := state.Result("n2"); r2.Status != core.NodeSucceeded {
		t.Fatalf("alerter failed: %+v", r2)
	}

	rec := execFor(t, sb, "alerter")
	msg, _ := rec.Payload.Inputs["msg"].(string)
	if !strings.Contains(msg, "ConnectionError") {
		t.Fatalf("alerter msg = %q", msg)
	}
	if rec.Payload.Inputs["state"] != "failed" {
		t.Fatalf("alerter state = %v", rec.Payload.Inputs["state"])
	}
}

func TestExecuteTriggerNodeInjectsPayload(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	st := newTestStore(t)

	trigger := pythonBlock("message_trigger", strProps("source"), strProps("message"))
	trigger.Category = core.CategoryTrigger
	seedBlocks(t, reg,
		trigger,
		pythonBlock("echoer", strProps("text"), strProps("text")),
	)

	sb := &testutil.ScriptedSandbox{}
	ex := New(testutil.NewScriptedLLM(), reg, st, sb.Factory(), Config{})

	pipeline := &core.Pipeline{
		ID:   "on_message",
		Name: "on message",
		Nodes: []core.Node{
			{ID: "n1", BlockID: "message_trigger", Inputs: map[string]interface{}{"source": "webhook"}},
			{ID: "n2", BlockID: "echoer", Inputs: map[string]interface{}{"text": "{{n1.message}}"}},
		},
		Edges: []core.Edge{{From: "n1", To: "n2"}},
	}

	state, err := ex.Execute(ctx, Request{
		Pipeline:    pipeline,
		UserID:      "u1",
		TriggerData: map[string]interface{}{"message": "hi there", "chat_id": "c9"},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	r1 := state.Result("n1")
	if r1.Status != core.NodeTriggered {
		t.Fatalf("trigger status = %s", r1.Status)
	}
	if r1.Output["status"] != "triggered" || r1.Output["message"] != "hi there" {
		t.Fatalf("trigger output = %v", r1.Output)
	}
	nested, ok := r1.Output["trigger_data"].(map[string]interface{})
	if !ok || nested["chat_id"] != "c9" {
		t.Fatalf("trigger_data = %v", r1.Output["trigger_data"])
	}
	if state.Failed() {
		t.Fatal("triggered node counted as failure")
	}

	// Only the echoer touches the sandbox; the trigger never executes.
	execs := sb.Executes()
	if len(execs) != 1 || !sourceIs(execs[0].Source, "echoer") {
		t.Fatalf("executions = %d", len(execs))
	}
	if execs[0].Payload.Inputs["text"] != "hi there" {
		t.Fatalf("echoer text = %v", execs[0].Payload.Inputs["text"])
	}
}

func TestExecuteTextGenerationNode(t *testing.T) {
	ctx := context.Background()
	outSchema := core.IOSchema{
		Properties: map[string]core.SchemaProperty{
			"haiku":     {Type: core.TypeString},
			"syllables": {Type: core.TypeInteger},
		},
		Required: []string{"haiku"},
	}
	writer := &core.BlockDefinition{
		ID:             "haiku_writer",
		Name:           "haiku writer",
		Description:    "writes a haiku about a topic",
		Category:       core.CategoryProcess,
		ExecutionType:  core.ExecTextGeneration,
		InputSchema:    strProps("topic"),
		OutputSchema:   outSchema,
		PromptTemplate: "Write a haiku about {topic}.",
		UseWhen:        "testing haiku writer",
	}

	pipeline := &core.Pipeline{
		ID:    "haiku_run",
		Name:  "haiku run",
		Nodes: []core.Node{{ID: "n1", BlockID: "haiku_writer", Inputs: map[string]interface{}{"topic": "autumn"}}},
	}

	t.Run("valid reply", func(t *testing.T) {
		reg := newTestRegistry(t)
		st := newTestStore(t)
		seedBlocks(t, reg, writer)
		llm := &testutil.ScriptedLLM{Rules: []testutil.LLMRule{{
			Contains: "haiku about autumn",
			Response: "Here it is:\n{\"haiku\": \"leaves drift to the ground\", \"syllables\": 17}",
		}}}
		ex := New(llm, reg, st, neverFactory(t), Config{})

		state, err := ex.Execute(ctx, Request{Pipeline: pipeline})
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		r1 := state.Result("n1")
		if r1.Status != core.NodeSucceeded {
			t.Fatalf("n1 = %+v", r1)
		}
		if r1.Output["haiku"] != "leaves drift to the ground" {
			t.Fatalf("haiku = %v", r1.Output["haiku"])
		}

		calls := llm.Calls()
		if len(calls) != 1 {
			t.Fatalf("%d model calls, want 1", len(calls))
		}
		if calls[0].Prompt != "Write a haiku about autumn." {
			t.Fatalf("prompt = %q", calls[0].Prompt)
		}
		if !strings.Contains(calls[0].System, "haiku writer") || !strings.Contains(calls[0].System, "JSON Schema") {
			t.Fatalf("system prompt = %q", calls[0].System)
		}
	})

	t.Run("schema violation fails the node", func(t *testing.T) {
		reg := newTestRegistry(t)
		st := newTestStore(t)
		seedBlocks(t, reg, writer)
		llm := &testutil.ScriptedLLM{Rules: []testutil.LLMRule{{
			Contains: "haiku about autumn",
			Response: `{"syllables": 17}`,
		}}}
		ex := New(llm, reg, st, neverFactory(t), Config{})

		state, err := ex.Execute(ctx, Request{Pipeline: pipeline})
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		r1 := state.Result("n1")
		if r1.Status != core.NodeFailed || r1.ErrorKind != "validation" {
			t.Fatalf("n1 = %s/%s, want failed/validation", r1.Status, r1.ErrorKind)
		}
		if !strings.Contains(r1.ErrorText, "output schema") {
			t.Fatalf("error = %q", r1.ErrorText)
		}
	})

	t.Run("model failure fails the node with capability", func(t *testing.T) {
		reg := newTestRegistry(t)
		st := newTestStore(t)
		seedBlocks(t, reg, writer)
		llm := &testutil.ScriptedLLM{Rules: []testutil.LLMRule{{
			Contains: "haiku about autumn",
			Err:      errors.New("model endpoint unreachable"),
		}}}
		ex := New(llm, reg, st, neverFactory(t), Config{})

		state, err := ex.Execute(ctx, Request{Pipeline: pipeline})
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if !state.Failed() {
			t.Fatal("run with an unreachable model did not fail")
		}
		r1 := state.Result("n1")
		if r1.Status != core.NodeFailed || r1.ErrorKind != "capability" {
			t.Fatalf("n1 = %s/%s, want failed/capability", r1.Status, r1.ErrorKind)
		}
	})
}

func TestExecuteMemoryLifecycle(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	st := newTestStore(t)
	seedBlocks(t, reg,
		pythonBlock("remember", strProps(), strProps("ok")),
		pythonBlock("spy", strProps(), strProps("ok")),
		pythonBlock("recall", core.IOSchema{
			Properties: map[string]core.SchemaProperty{"n": {Type: core.TypeInteger}},
		}, strProps("ok")),
	)

	sb := &testutil.ScriptedSandbox{
		ExecuteFn: func(ctx context.Context, source string, payload sandbox.Payload, timeout time.Duration) (*sandbox.ExecutionResult, error) {
			if sourceIs(source, "remember") {
				return testutil.HarnessResult(
					map[string]interface{}{"ok": "stored"},
					map[string]interface{}{"counter": 42},
				), nil
			}
			return testutil.HarnessResult(map[string]interface{}{"ok": "done"}, nil), nil
		},
	}
	ex := New(testutil.NewScriptedLLM(), reg, st, sb.Factory(), Config{})

	// Run 1: n1 writes memory; n2 runs after and must already see it.
	first := &core.Pipeline{
		ID:   "write_memory",
		Name: "write memory",
		Nodes: []core.Node{
			{ID: "n1", BlockID: "remember", Inputs: map[string]interface{}{}},
			{ID: "n2", BlockID: "spy", Inputs: map[string]interface{}{}},
		},
		Edges: []core.Edge{{From: "n1", To: "n2"}},
	}
	state, err := ex.Execute(ctx, Request{Pipeline: first, UserID: "u1"})
	if err != nil {
		t.Fatalf("Execute run 1: %v", err)
	}
	if state.Failed() {
		t.Fatalf("run 1 failed: %+v", state.Results())
	}

	spyRec := execFor(t, sb, "spy")
	mem, _ := spyRec.Payload.Context["memory"].(map[string]interface{})
	if mem["counter"] != float64(42) {
		t.Fatalf("live memory in block context = %v", mem)
	}

	// The end-of-run snapshot is durable.
	saved, err := st.LoadMemory(ctx, "u1")
	if err != nil {
		t.Fatalf("LoadMemory: %v", err)
	}
	if saved["counter"] != float64(42) {
		t.Fatalf("persisted memory = %v", saved)
	}

	// Run 2: a fresh run resolves {{memory.counter}} from the snapshot.
	second := &core.Pipeline{
		ID:    "read_memory",
		Name:  "read memory",
		Nodes: []core.Node{{ID: "n1", BlockID: "recall", Inputs: map[string]interface{}{"n": "{{memory.counter}}"}}},
	}
	state2, err := ex.Execute(ctx, Request{Pipeline: second, UserID: "u1"})
	if err != nil {
		t.Fatalf("Execute run 2: %v", err)
	}
	if state2.Failed() {
		t.Fatalf("run 2 failed: %+v", state2.Results())
	}
	recallRec := execFor(t, sb, "recall")
	if recallRec.Payload.Inputs["n"] != int64(42) {
		t.Fatalf("recall input n = %v (%T)", recallRec.Payload.Inputs["n"], recallRec.Payload.Inputs["n"])
	}
}

func TestExecutePersistenceFailureDoesNotLoseResults(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	seedBlocks(t, reg, pythonBlock("worker", strProps(), strProps("ok")))

	st, err := store.Open(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}

	// The store dies mid-run: terminal persistence fails but the run
	// still finishes and hands back its results.
	sb := &testutil.ScriptedSandbox{
		ExecuteFn: func(ctx context.Context, source string, payload sandbox.Payload, timeout time.Duration) (*sandbox.ExecutionResult, error) {
			_ = st.Close()
			return testutil.HarnessResult(map[string]interface{}{"ok": "yes"}, nil), nil
		},
	}
	ex := New(testutil.NewScriptedLLM(), reg, st, sb.Factory(), Config{})

	pipeline := &core.Pipeline{
		ID:    "doomed_store",
		Name:  "doomed store",
		Nodes: []core.Node{{ID: "n1", BlockID: "worker", Inputs: map[string]interface{}{}}},
	}
	state, err := ex.Execute(ctx, Request{Pipeline: pipeline, UserID: "u1"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if r1 := state.Result("n1"); r1 == nil || r1.Status != core.NodeSucceeded {
		t.Fatalf("n1 = %+v", r1)
	}

	var warned bool
	for _, rec := range state.Log() {
		if rec.Kind == core.LogMemory && rec.Status == "warning" {
			warned = true
		}
	}
	if !warned {
		t.Fatal("memory save failure did not log a warning")
	}
}

func TestExecuteMissingBlockFailsNode(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	st := newTestStore(t)
	seedBlocks(t, reg, pythonBlock("worker", strProps(), strProps("ok")))

	sb := &testutil.ScriptedSandbox{}
	ex := New(testutil.NewScriptedLLM(), reg, st, sb.Factory(), Config{})

	pipeline := &core.Pipeline{
		ID:   "half_ghost",
		Name: "half ghost",
		Nodes: []core.Node{
			{ID: "n1", BlockID: "ghost_block", Inputs: map[string]interface{}{}},
			{ID: "n2", BlockID: "worker", Inputs: map[string]interface{}{}},
		},
	}

	state, err := ex.Execute(ctx, Request{Pipeline: pipeline})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	r1 := state.Result("n1")
	if r1.Status != core.NodeFailed || r1.ErrorKind != "not_found" {
		t.Fatalf("n1 = %s/%s, want failed/not_found", r1.Status, r1.ErrorKind)
	}
	if r2 := state.Result("n2"); r2.Status != core.NodeSucceeded {
		t.Fatalf("n2 = %+v", r2)
	}
}

func TestExecuteCancellationMarksRunCancelled(t *testing.T) {
	reg := newTestRegistry(t)
	st := newTestStore(t)
	seedBlocks(t, reg, pythonBlock("worker", strProps("step"), strProps("ok")))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sb := &testutil.ScriptedSandbox{
		ExecuteFn: func(execCtx context.Context, source string, payload sandbox.Payload, timeout time.Duration) (*sandbox.ExecutionResult, error) {
			if payload.Inputs["step"] == "first" {
				cancel()
			}
			return testutil.HarnessResult(map[string]interface{}{"ok": "yes"}, nil), nil
		},
	}
	ex := New(testutil.NewScriptedLLM(), reg, st, sb.Factory(), Config{})

	pipeline := &core.Pipeline{
		ID:   "cancel_midway",
		Name: "cancel midway",
		Nodes: []core.Node{
			{ID: "n1", BlockID: "worker", Inputs: map[string]interface{}{"step": "first"}},
			{ID: "n2", BlockID: "worker", Inputs: map[string]interface{}{"step": "second"}},
		},
		Edges: []core.Edge{{From: "n1", To: "n2"}},
	}

	state, err := ex.Execute(ctx, Request{Pipeline: pipeline})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if r1 := state.Result("n1"); r1.Status != core.NodeSucceeded {
		t.Fatalf("n1 = %+v", r1)
	}
	r2 := state.Result("n2")
	if r2.Status != core.NodeFailed || r2.ErrorKind != "cancelled" {
		t.Fatalf("n2 = %s/%s, want failed/cancelled", r2.Status, r2.ErrorKind)
	}

	// Terminal persistence runs on a fresh context once the caller's
	// is dead, so the cancelled status still lands.
	run, err := st.GetRun(context.Background(), state.RunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != store.RunCancelled {
		t.Fatalf("persisted status = %q", run.Status)
	}
	if m := ex.Metrics(); m.Cancelled != 1 {
		t.Fatalf("metrics = %+v", m)
	}
}

// =============================================================================
// SANDBOX PLACEMENT
// =============================================================================

func TestExecuteSharedSandboxReusesOne(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	st := newTestStore(t)

	networked := pythonBlock("fetch_side", strProps(), strProps("ok"))
	networked.Metadata.NeedsNetwork = true
	networked.Metadata.Packages = []string{"requests"}
	seedBlocks(t, reg,
		networked,
		pythonBlock("calc_side", strProps(), strProps("ok")),
	)

	sb := &testutil.ScriptedSandbox{}
	var mu sync.Mutex
	var factoryCalls int
	var networks []bool
	factory := func(network bool) (sandbox.Sandbox, error) {
		mu.Lock()
		factoryCalls++
		networks = append(networks, network)
		mu.Unlock()
		return sb, nil
	}
	ex := New(testutil.NewScriptedLLM(), reg, st, factory, Config{SharedSandbox: true})

	pipeline := &core.Pipeline{
		ID:   "two_sides",
		Name: "two sides",
		Nodes: []core.Node{
			{ID: "n1", BlockID: "fetch_side", Inputs: map[string]interface{}{}},
			{ID: "n2", BlockID: "calc_side", Inputs: map[string]interface{}{}},
		},
	}
	state, err := ex.Execute(ctx, Request{Pipeline: pipeline})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if state.Failed() {
		t.Fatalf("run failed: %+v", state.Results())
	}

	mu.Lock()
	defer mu.Unlock()
	if factoryCalls != 1 {
		t.Fatalf("factory called %d times, want 1", factoryCalls)
	}
	if !networks[0] {
		t.Fatal("shared sandbox built without network despite a networked block")
	}
	if got := len(sb.Executes()); got != 2 {
		t.Fatalf("%d executions on the shared sandbox, want 2", got)
	}
	if !sb.Cleaned() {
		t.Fatal("shared sandbox not cleaned up")
	}
	if got := len(sb.Installs()); got != 1 {
		t.Fatalf("%d install calls, want 1 (only fetch_side declares packages)", got)
	}
}

func TestExecutePerNodeSandboxesAreFresh(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	st := newTestStore(t)
	seedBlocks(t, reg, pythonBlock("worker", strProps(), strProps("ok")))

	var mu sync.Mutex
	var made []*testutil.ScriptedSandbox
	factory := func(network bool) (sandbox.Sandbox, error) {
		sb := &testutil.ScriptedSandbox{}
		mu.Lock()
		made = append(made, sb)
		mu.Unlock()
		return sb, nil
	}
	ex := New(testutil.NewScriptedLLM(), reg, st, factory, Config{})

	pipeline := &core.Pipeline{
		ID:   "fresh_boxes",
		Name: "fresh boxes",
		Nodes: []core.Node{
			{ID: "n1", BlockID: "worker", Inputs: map[string]interface{}{}},
			{ID: "n2", BlockID: "worker", Inputs: map[string]interface{}{}},
		},
	}
	state, err := ex.Execute(ctx, Request{Pipeline: pipeline})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if state.Failed() {
		t.Fatalf("run failed: %+v", state.Results())
	}

	mu.Lock()
	defer mu.Unlock()
	if len(made) != 2 {
		t.Fatalf("factory made %d sandboxes, want one per python node", len(made))
	}
	for i, sb := range made {
		if !sb.Started() || !sb.Cleaned() {
			t.Fatalf("sandbox %d: started=%v cleaned=%v", i, sb.Started(), sb.Cleaned())
		}
		if got := len(sb.Executes()); got != 1 {
			t.Fatalf("sandbox %d ran %d blocks, want 1", i, got)
		}
	}
}

// =============================================================================
// PRE-FLIGHT
// =============================================================================

func TestExecuteRejectsBadPipelines(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	st := newTestStore(t)
	ex := New(testutil.NewScriptedLLM(), reg, st, (&testutil.ScriptedSandbox{}).Factory(), Config{})

	if _, err := ex.Execute(ctx, Request{}); err == nil {
		t.Fatal("nil pipeline accepted")
	} else if core.KindOf(err) != core.KindValidation {
		t.Fatalf("nil pipeline error kind = %v", core.KindOf(err))
	}

	cyclic := &core.Pipeline{
		ID:   "loop",
		Name: "loop",
		Nodes: []core.Node{
			{ID: "n1", BlockID: "a", Inputs: map[string]interface{}{}},
			{ID: "n2", BlockID: "b", Inputs: map[string]interface{}{}},
		},
		Edges: []core.Edge{{From: "n1", To: "n2"}, {From: "n2", To: "n1"}},
	}
	if _, err := ex.Execute(ctx, Request{Pipeline: cyclic}); err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("cyclic pipeline error = %v", err)
	}

	// Rejected runs never reach the store.
	runs, err := st.ListRuns(ctx, "", "", "", 10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 0 {
		t.Fatalf("%d run rows for rejected pipelines", len(runs))
	}
	if m := ex.Metrics(); m.Nodes != 0 {
		t.Fatalf("metrics = %+v", m)
	}
}

// =============================================================================
// UNITS
// =============================================================================

func TestRenderTemplate(t *testing.T) {
	inputs := map[string]interface{}{
		"topic": "storms",
		"count": float64(3),
		"tags":  []interface{}{"a", "b"},
	}
	got := renderTemplate("Write {count} poems about {topic} tagged {tags}. Keep {unknown}.", inputs)
	want := `Write 3 poems about storms tagged ["a","b"]. Keep {unknown}.`
	if got != want {
		t.Fatalf("renderTemplate = %q, want %q", got, want)
	}

	if got := renderTemplate("no placeholders here", inputs); got != "no placeholders here" {
		t.Fatalf("passthrough = %q", got)
	}
	if got := renderTemplate("{x}", map[string]interface{}{"x": nil}); got != "" {
		t.Fatalf("nil value = %q", got)
	}
}

func TestTriggerOutputs(t *testing.T) {
	out := triggerOutputs(map[string]interface{}{
		"message": "hello",
		"status":  "should not win",
	})
	if out["status"] != "triggered" {
		t.Fatalf("status = %v", out["status"])
	}
	if out["message"] != "hello" {
		t.Fatalf("message = %v", out["message"])
	}
	nested, ok := out["trigger_data"].(map[string]interface{})
	if !ok || nested["message"] != "hello" {
		t.Fatalf("trigger_data = %v", out["trigger_data"])
	}

	bare := triggerOutputs(nil)
	if len(bare) != 1 || bare["status"] != "triggered" {
		t.Fatalf("bare trigger output = %v", bare)
	}
}
