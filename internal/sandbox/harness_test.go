package sandbox

import (
	"encoding/json"
	"strings"
	"testing"

	"blocksmith/internal/core"
)

func TestParseRunOutputFindsMarkerLine(t *testing.T) {
	stdout := "block printed this\n" + ResultMarker + `{"outputs":{"n":3},"memory":{"k":"v"}}` + "\n"

	out, err := ParseRunOutput(stdout)
	if err != nil {
		t.Fatalf("ParseRunOutput: %v", err)
	}

	m, err := out.OutputsMap()
	if err != nil {
		t.Fatalf("OutputsMap: %v", err)
	}
	if m["n"] != float64(3) {
		t.Errorf("outputs[n] = %v, want 3", m["n"])
	}
	if out.Memory["k"] != "v" {
		t.Errorf("memory[k] = %v, want v", out.Memory["k"])
	}
}

func TestParseRunOutputLastMarkerWins(t *testing.T) {
	stdout := ResultMarker + `{"outputs":{"v":"spoofed"}}` + "\n" +
		ResultMarker + `{"outputs":{"v":"real"}}` + "\n"

	out, err := ParseRunOutput(stdout)
	if err != nil {
		t.Fatalf("ParseRunOutput: %v", err)
	}
	m, err := out.OutputsMap()
	if err != nil {
		t.Fatalf("OutputsMap: %v", err)
	}
	if m["v"] != "real" {
		t.Errorf("outputs[v] = %v, want the last marker line", m["v"])
	}
}

func TestParseRunOutputMissingMarker(t *testing.T) {
	_, err := ParseRunOutput("just some prints\nno result here\n")
	if err == nil {
		t.Fatal("expected error for missing marker")
	}
	if !core.IsKind(err, core.KindValidation) {
		t.Errorf("kind = %v, want validation", err)
	}
}

func TestParseRunOutputMalformedPayload(t *testing.T) {
	_, err := ParseRunOutput(ResultMarker + "{not json\n")
	if err == nil {
		t.Fatal("expected error for malformed payload")
	}
}

func TestOutputsMapRejectsNonObject(t *testing.T) {
	out := &RunOutput{Outputs: json.RawMessage(`[1,2,3]`)}
	_, err := out.OutputsMap()
	if err == nil {
		t.Fatal("expected error for array outputs")
	}
	ce, ok := core.AsError(err)
	if !ok || ce.Subkind != core.SubkindOutputShape {
		t.Errorf("subkind = %v, want output_shape", err)
	}
}

func TestEncodePayloadDefaultsInputs(t *testing.T) {
	data, err := encodePayload("def execute(i, c):\n    return {}", Payload{})
	if err != nil {
		t.Fatalf("encodePayload: %v", err)
	}

	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if _, ok := doc["inputs"].(map[string]interface{}); !ok {
		t.Errorf("inputs should encode as an object, got %T", doc["inputs"])
	}
	if _, ok := doc["source"].(string); !ok {
		t.Error("source missing from payload")
	}
}

func TestSubprocessPreambleContents(t *testing.T) {
	pre := subprocessPreamble(256, 30)

	for _, want := range []string{
		"RLIMIT_AS", "268435456",
		"RLIMIT_CPU", "30",
		"RLIMIT_NOFILE",
		"breakpoint",
	} {
		if !strings.Contains(pre, want) {
			t.Errorf("preamble missing %q", want)
		}
	}
}

func TestSubprocessPreambleSkipsUnsetLimits(t *testing.T) {
	pre := subprocessPreamble(0, 0)
	if strings.Contains(pre, "RLIMIT_AS") {
		t.Error("memory cap emitted despite zero limit")
	}
	if strings.Contains(pre, "RLIMIT_CPU") {
		t.Error("cpu cap emitted despite zero limit")
	}
}

func TestRunnerSourceEmbedsPreambleFirst(t *testing.T) {
	src := runnerSource("import resource\n")
	if !strings.HasPrefix(src, "import resource") {
		t.Error("preamble must run before the harness body")
	}
	if !strings.Contains(src, ResultMarker) {
		t.Error("harness body missing result marker")
	}
}
