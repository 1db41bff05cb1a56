package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"blocksmith/internal/core"
	"blocksmith/internal/logging"
	"blocksmith/internal/perception"
	"blocksmith/internal/sandbox"
)

// =============================================================================
// PYTHON NODES
// =============================================================================

// runPython executes a block's source in a sandbox: the run-shared one
// when SharedSandbox is on, a fresh per-node sandbox otherwise. Memory
// updates the harness reports merge into the live run state so blocks
// downstream see them.
func (e *Executor) runPython(ctx context.Context, run *runContext, block *core.BlockDefinition, inputs map[string]interface{}) (map[string]interface{}, error) {
	sb := run.shared
	if sb == nil {
		fresh, err := e.sandboxes(block.Metadata.NeedsNetwork)
		if err != nil {
			return nil, err
		}
		if err := fresh.Start(ctx); err != nil {
			return nil, err
		}
		defer func() {
			if cerr := fresh.Cleanup(context.Background()); cerr != nil {
				logging.ExecutorWarn("sandbox cleanup for block %s: %v", block.ID, cerr)
			}
		}()
		sb = fresh
	}

	if pkgs := block.Metadata.Packages; len(pkgs) > 0 {
		if err := sb.InstallPackages(ctx, pkgs, e.cfg.InstallTimeout); err != nil {
			if ctx.Err() != nil {
				return nil, core.FromContext(ctx, "package install")
			}
			return nil, core.NewSandbox("package install failed", err).WithBlock(block.ID)
		}
	}

	payload := sandbox.Payload{
		Inputs:  inputs,
		Context: run.blockContext(),
	}
	result, err := sb.Execute(ctx, block.SourceCode, payload, e.cfg.ExecTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return nil, core.FromContext(ctx, "block execution")
		}
		return nil, err
	}
	if fail := result.Failure(); fail != nil {
		return nil, fail.WithBlock(block.ID)
	}

	runOut, err := sandbox.ParseRunOutput(result.Stdout)
	if err != nil {
		return nil, core.NewValidation(core.SubkindOutputShape, "harness output unreadable").
			WithCause(err).WithBlock(block.ID)
	}
	outputs, err := runOut.OutputsMap()
	if err != nil {
		return nil, core.NewValidation(core.SubkindOutputShape, err.Error()).WithBlock(block.ID)
	}
	if len(runOut.Memory) > 0 {
		run.state.MemoryMerge(runOut.Memory)
	}
	return outputs, nil
}

// =============================================================================
// TEXT GENERATION NODES
// =============================================================================

// runTextGeneration renders the block's prompt template with the
// resolved inputs, calls the model, and holds the reply to the block's
// output schema the same way a python block's outputs are held to it.
func (e *Executor) runTextGeneration(ctx context.Context, run *runContext, block *core.BlockDefinition, inputs map[string]interface{}) (map[string]interface{}, error) {
	prompt := renderTemplate(block.PromptTemplate, inputs)

	genCtx, cancel := context.WithTimeout(ctx, e.cfg.GenerateTimeout)
	defer cancel()
	raw, err := e.llm.CompleteWithSystem(genCtx, generationSystemPrompt(block), prompt)
	if err != nil {
		if ctx.Err() != nil {
			return nil, core.FromContext(ctx, "generation")
		}
		if genCtx.Err() != nil {
			return nil, core.NewTimeout("generation call", e.cfg.GenerateTimeout).WithBlock(block.ID)
		}
		return nil, core.NewCapability("generation call failed", err).WithBlock(block.ID)
	}

	doc, err := perception.ExtractJSONObject(raw)
	if err != nil {
		return nil, core.NewValidation(core.SubkindOutputShape,
			fmt.Sprintf("block %s returned no JSON object", block.ID)).WithCause(err).WithBlock(block.ID)
	}
	var outputs map[string]interface{}
	if err := json.Unmarshal([]byte(doc), &outputs); err != nil {
		return nil, core.NewValidation(core.SubkindOutputShape, "generated output unreadable").
			WithCause(err).WithBlock(block.ID)
	}
	if err := run.validateOutputs(block, outputs); err != nil {
		return nil, err
	}
	return outputs, nil
}

// generationSystemPrompt frames the model as the block itself and pins
// the reply to the block's output schema.
func generationSystemPrompt(block *core.BlockDefinition) string {
	schemaDoc, _ := json.MarshalIndent(block.OutputSchema.JSONSchemaDocument(), "", "  ")
	var b strings.Builder
	b.WriteString("You are executing the block \"")
	b.WriteString(block.Name)
	b.WriteString("\".\n")
	if block.Description != "" {
		b.WriteString("Purpose: ")
		b.WriteString(block.Description)
		b.WriteString("\n")
	}
	b.WriteString("\nRespond with a single JSON object and nothing else — no prose, no code fences.\n")
	b.WriteString("The object must satisfy this JSON Schema:\n")
	b.Write(schemaDoc)
	b.WriteString("\n")
	return b.String()
}

// renderTemplate substitutes resolved inputs into the {name}
// placeholders of a prompt template. Unknown placeholders stay
// verbatim.
func renderTemplate(tmpl string, inputs map[string]interface{}) string {
	if len(inputs) == 0 || !strings.Contains(tmpl, "{") {
		return tmpl
	}
	pairs := make([]string, 0, len(inputs)*2)
	for name, value := range inputs {
		pairs = append(pairs, "{"+name+"}", promptValue(value))
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}

// promptValue renders one input for prompt embedding: strings verbatim,
// everything else as compact JSON.
func promptValue(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(raw)
	}
}

// validateOutputs checks a generated document against the block's
// output schema. Schemas compile once per block per run.
func (r *runContext) validateOutputs(block *core.BlockDefinition, outputs map[string]interface{}) error {
	r.mu.Lock()
	schema, ok := r.schemas[block.ID]
	r.mu.Unlock()
	if !ok {
		var err error
		schema, err = compileOutputSchema(block)
		if err != nil {
			return core.NewCapability("output schema for "+block.ID+" does not compile", err).WithBlock(block.ID)
		}
		r.mu.Lock()
		r.schemas[block.ID] = schema
		r.mu.Unlock()
	}

	if err := schema.Validate(normalizeJSON(outputs)); err != nil {
		return core.NewValidation(core.SubkindOutputShape, "generated output violates the block's output schema").
			WithCause(err).WithBlock(block.ID).WithContext("violation", err.Error())
	}
	return nil
}

func compileOutputSchema(block *core.BlockDefinition) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	name := block.ID + "_output.json"
	if err := c.AddResource(name, block.OutputSchema.JSONSchemaDocument()); err != nil {
		return nil, err
	}
	return c.Compile(name)
}

// normalizeJSON round-trips a value through encoding/json so the schema
// validator sees only native JSON types.
func normalizeJSON(v map[string]interface{}) interface{} {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}
