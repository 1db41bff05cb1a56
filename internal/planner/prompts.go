package planner

import (
	"encoding/json"
	"fmt"
	"strings"

	"blocksmith/internal/core"
)

// =============================================================================
// PROMPTS
// =============================================================================
// Decompose reasons about capabilities in the abstract: the catalog is
// deliberately absent so the model names what the intent needs instead
// of pattern-matching against what happens to exist. Wire gets the
// opposite treatment: the full schemas of every available block.

const decomposeSystemPrompt = `You are the planning stage of an automation system built from typed blocks.
A block is a unit of work with a declared input schema and output schema.
Given a user's intent, list the blocks required to fulfill it. Do NOT
assume any particular catalog: describe the capabilities the intent
needs.

Rules:
- Each required block gets a snake_case id, a one-sentence purpose, and
  a category from: input, process, action, memory, trigger, control.
- Declare input_schema and output_schema as {"properties": {name:
  {"type": ..., "description": ...}}, "required": [...]} using only the
  types string, integer, number, boolean, array, object.
- Intents that react to incoming messages or schedules start with a
  trigger block.
- Set needs_network true only for blocks that must reach the internet.
- Keep the list minimal: one block per distinct capability.

Respond with a JSON object:
{"required_blocks": [{"id": "...", "purpose": "...", "category": "...",
"input_schema": {...}, "output_schema": {...}, "needs_network": false}]}`

// decomposePrompt renders the decompose user turn, carrying prior
// validation feedback on retries.
func decomposePrompt(intent, previousFailure string) string {
	var sb strings.Builder
	sb.WriteString("User intent:\n")
	sb.WriteString(intent)
	sb.WriteString("\n")
	if previousFailure != "" {
		sb.WriteString("\nYour previous answer was rejected:\n")
		sb.WriteString(previousFailure)
		sb.WriteString("\nCorrect it.\n")
	}
	sb.WriteString("\nRespond with the JSON object only.")
	return sb.String()
}

const wireSystemPrompt = `You are the wiring stage of an automation system built from typed blocks.
Given a user's intent and a catalog of available blocks, assemble a
pipeline: a directed acyclic graph of nodes, each node an instance of a
catalog block with concrete inputs.

Rules:
- Node ids are n1, n2, n3, ... in execution order, no gaps.
- block_id must name a catalog block. Never invent blocks.
- Provide every required input of each block.
- Reference a prior node's output as {{nX.field}} where field is one of
  that block's output properties.
- Reference persistent memory as {{memory.key}} and list every such key
  in memory_keys.
- Nodes with no incoming edge take only literal input values.
- Declare an edge {"from": "nX", "to": "nY"} for every data dependency.

Respond with a JSON object:
{"id": "...", "name": "...", "nodes": [{"id": "n1", "block_id": "...",
"inputs": {...}}], "edges": [{"from": "n1", "to": "n2"}],
"memory_keys": []}`

// wirePrompt renders the wire user turn: the intent plus the catalog of
// matched and created blocks with schemas and one example each.
func wirePrompt(intent string, catalog []*core.BlockDefinition) string {
	var sb strings.Builder
	sb.WriteString("User intent:\n")
	sb.WriteString(intent)
	sb.WriteString("\n\nAvailable blocks:\n")
	for _, b := range catalog {
		sb.WriteString(describeBlock(b))
	}
	sb.WriteString("\nAssemble the pipeline. Respond with the JSON object only.")
	return sb.String()
}

// describeBlock renders one catalog entry for the wire prompt.
func describeBlock(b *core.BlockDefinition) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "\n### %s (%s, %s)\n%s\n", b.ID, b.Category, b.ExecutionType, b.Description)
	if b.UseWhen != "" {
		fmt.Fprintf(&sb, "Use when: %s\n", b.UseWhen)
	}
	sb.WriteString("Inputs:\n")
	sb.WriteString(b.InputSchema.Describe())
	sb.WriteString("Outputs:\n")
	sb.WriteString(b.OutputSchema.Describe())
	if len(b.Examples) > 0 {
		ex := b.Examples[0]
		in, _ := json.Marshal(ex.Inputs)
		out, _ := json.Marshal(ex.Outputs)
		fmt.Fprintf(&sb, "Example: inputs %s -> outputs %s\n", in, out)
	}
	return sb.String()
}
