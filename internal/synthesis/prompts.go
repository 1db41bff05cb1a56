package synthesis

import (
	"encoding/json"
	"fmt"
	"strings"

	"blocksmith/internal/core"
)

// =============================================================================
// PROMPTS
// =============================================================================

const synthesisSystemPrompt = `You are a Python code generator for an automation block system.
Generate clean, self-contained Python code that follows these rules:
- Define a module-level function: execute(inputs, context)
- inputs is a dict matching the declared input schema
- context is a dict; persistent memory lives in context["memory"]
- Return a dict matching the declared output schema exactly
- Use only the Python standard library plus the packages you declare
- No subprocess, no os.system, no eval of user data
- No filesystem access outside the working directory
- No network access unless the task declares it needs network
- Raise exceptions on unrecoverable errors; never return error strings

Respond with a JSON object:
{"source_code": "<the complete python module>", "packages": ["pip names, if any"]}`

// creationPrompt renders the first-iteration request.
func creationPrompt(req *core.SynthesisRequest) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, `Write a Python block with these specifications:

Block Name: %s
Purpose: %s

Input schema:
%s
Output schema:
%s`, req.Name, req.Purpose, req.Inputs.Describe(), req.Outputs.Describe())

	if req.NeedsNetwork {
		sb.WriteString("\nThis block MAY use the network (requests is available).\n")
	} else {
		sb.WriteString("\nThis block must NOT use the network.\n")
	}

	if len(req.TestInput) > 0 {
		sb.WriteString("\nThe block will be verified with this test input:\n")
		sb.WriteString(compactJSON(req.TestInput))
		sb.WriteString("\n")
	}
	if len(req.ExpectedOutput) > 0 {
		sb.WriteString("\nGiven that input, execute must return exactly:\n")
		sb.WriteString(compactJSON(req.ExpectedOutput))
		sb.WriteString("\n")
	}

	sb.WriteString("\nRespond with the JSON object only.")
	return sb.String()
}

// repairPrompt renders a retry iteration carrying the failing source and
// compact error context.
func repairPrompt(req *core.SynthesisRequest, previousSource, failure string) string {
	var sb strings.Builder

	sb.WriteString("Your previous Python block failed verification. Fix it.\n\n")
	fmt.Fprintf(&sb, "Block Name: %s\nPurpose: %s\n", req.Name, req.Purpose)
	fmt.Fprintf(&sb, "\nInput schema:\n%s\nOutput schema:\n%s", req.Inputs.Describe(), req.Outputs.Describe())

	if len(req.TestInput) > 0 {
		sb.WriteString("\nTest input:\n")
		sb.WriteString(compactJSON(req.TestInput))
		sb.WriteString("\n")
	}
	if len(req.ExpectedOutput) > 0 {
		sb.WriteString("\nRequired output for that input:\n")
		sb.WriteString(compactJSON(req.ExpectedOutput))
		sb.WriteString("\n")
	}

	sb.WriteString("\nPrevious source:\n```python\n")
	sb.WriteString(previousSource)
	sb.WriteString("\n```\n")

	sb.WriteString("\nFailure:\n")
	sb.WriteString(failure)
	sb.WriteString("\n\nRespond with the corrected JSON object only.")
	return sb.String()
}

func compactJSON(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
