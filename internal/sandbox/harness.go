package sandbox

import (
	"encoding/json"
	"fmt"
	"strings"

	"blocksmith/internal/core"
)

// =============================================================================
// PYTHON RUN HARNESS
// =============================================================================
// The harness is a fixed Python program passed to the interpreter with
// -c. The block source itself travels inside the stdin payload, so no
// string escaping of user code ever happens. The block's return value
// comes back on a marked stdout line; everything the block prints stays
// ordinary stdout and never confuses the parser.

// ResultMarker prefixes the single stdout line carrying the harness
// result JSON.
const ResultMarker = "__BLOCK_RESULT__"

// runnerPayload is the JSON document written to the child's stdin.
type runnerPayload struct {
	Source  string                 `json:"source"`
	Inputs  map[string]interface{} `json:"inputs"`
	Context map[string]interface{} `json:"context"`
}

// RunOutput is the harness result parsed back out of stdout.
type RunOutput struct {
	Outputs json.RawMessage        `json:"outputs"`
	Memory  map[string]interface{} `json:"memory"`
}

// OutputsMap decodes the block's return value, which must be a JSON
// object mapping output names to values.
func (o *RunOutput) OutputsMap() (map[string]interface{}, error) {
	if len(o.Outputs) == 0 {
		return nil, core.NewValidation(core.SubkindOutputShape, "block returned no outputs")
	}
	var m map[string]interface{}
	if err := json.Unmarshal(o.Outputs, &m); err != nil {
		return nil, core.NewValidation(core.SubkindOutputShape,
			fmt.Sprintf("block must return an object, got: %s", core.Truncate(string(o.Outputs), 200)))
	}
	return m, nil
}

// runnerSource assembles the harness program. preamble runs before
// anything else; the subprocess backend injects its rlimit setup there.
func runnerSource(preamble string) string {
	var sb strings.Builder
	if preamble != "" {
		sb.WriteString(preamble)
		sb.WriteString("\n")
	}
	sb.WriteString(harnessBody)
	return sb.String()
}

const harnessBody = `import json
import sys

def _main():
    payload = json.load(sys.stdin)
    source = payload["source"]
    inputs = payload.get("inputs") or {}
    context = payload.get("context") or {}
    module = {"__name__": "block", "__builtins__": __builtins__}
    exec(compile(source, "<block>", "exec"), module)
    fn = module.get("execute")
    if not callable(fn):
        print("block source defines no execute function", file=sys.stderr)
        sys.exit(2)
    result = fn(inputs, context)
    out = json.dumps({"outputs": result, "memory": context.get("memory")})
    sys.stdout.write("\n` + ResultMarker + `" + out + "\n")
    sys.stdout.flush()

_main()
`

// encodePayload marshals the stdin document for one run.
func encodePayload(source string, payload Payload) ([]byte, error) {
	doc := runnerPayload{
		Source:  source,
		Inputs:  payload.Inputs,
		Context: payload.Context,
	}
	if doc.Inputs == nil {
		doc.Inputs = map[string]interface{}{}
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, core.NewSandbox("failed to encode run payload", err)
	}
	return data, nil
}

// ParseRunOutput extracts the harness result from captured stdout. The
// last marker line wins, so a block printing the marker itself cannot
// spoof an earlier result.
func ParseRunOutput(stdout string) (*RunOutput, error) {
	var line string
	for _, candidate := range strings.Split(stdout, "\n") {
		candidate = strings.TrimSpace(candidate)
		if strings.HasPrefix(candidate, ResultMarker) {
			line = candidate
		}
	}
	if line == "" {
		return nil, core.NewValidation(core.SubkindOutputShape,
			"no result marker in block output; execute may not have returned")
	}

	var out RunOutput
	if err := json.Unmarshal([]byte(strings.TrimPrefix(line, ResultMarker)), &out); err != nil {
		return nil, core.NewValidation(core.SubkindOutputShape, "malformed harness result line").WithCause(err)
	}
	return &out, nil
}

// subprocessPreamble builds the in-child resource limit setup. Limits
// that the host refuses to lower are skipped rather than fatal.
func subprocessPreamble(memoryLimitMB int, cpuSeconds int) string {
	var sb strings.Builder
	sb.WriteString("import resource, builtins\n")
	sb.WriteString("def _cap(kind, value):\n")
	sb.WriteString("    try:\n")
	sb.WriteString("        resource.setrlimit(kind, (value, value))\n")
	sb.WriteString("    except (ValueError, OSError):\n")
	sb.WriteString("        pass\n")
	if memoryLimitMB > 0 {
		fmt.Fprintf(&sb, "_cap(resource.RLIMIT_AS, %d)\n", memoryLimitMB*1024*1024)
	}
	if cpuSeconds > 0 {
		fmt.Fprintf(&sb, "_cap(resource.RLIMIT_CPU, %d)\n", cpuSeconds)
	}
	sb.WriteString("_cap(resource.RLIMIT_NOFILE, 64)\n")
	sb.WriteString("for _name in (\"input\", \"breakpoint\", \"exit\", \"quit\", \"help\"):\n")
	sb.WriteString("    if hasattr(builtins, _name):\n")
	sb.WriteString("        delattr(builtins, _name)\n")
	return sb.String()
}
