package planner

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"blocksmith/internal/core"
	"blocksmith/internal/perception"
)

// =============================================================================
// STAGE OUTPUT SCHEMAS
// =============================================================================
// Both structured stages validate raw model output against a compiled
// JSON Schema before the planner trusts a single field of it.

const decomposeSchemaJSON = `{
  "type": "object",
  "required": ["required_blocks"],
  "properties": {
    "required_blocks": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "purpose"],
        "properties": {
          "id": {"type": "string", "pattern": "^[a-z][a-z0-9_]*$"},
          "purpose": {"type": "string", "minLength": 1},
          "category": {"type": "string", "enum": ["input", "process", "action", "memory", "trigger", "control"]},
          "input_schema": {"$ref": "#/$defs/io_schema"},
          "output_schema": {"$ref": "#/$defs/io_schema"},
          "needs_network": {"type": "boolean"}
        }
      }
    }
  },
  "$defs": {
    "io_schema": {
      "type": "object",
      "properties": {
        "properties": {
          "type": "object",
          "additionalProperties": {
            "type": "object",
            "properties": {
              "type": {"type": "string", "enum": ["string", "integer", "number", "boolean", "array", "object"]},
              "description": {"type": "string"},
              "items": {"type": "string"}
            }
          }
        },
        "required": {"type": "array", "items": {"type": "string"}}
      }
    }
  }
}`

const wireSchemaJSON = `{
  "type": "object",
  "required": ["nodes"],
  "properties": {
    "id": {"type": "string"},
    "name": {"type": "string"},
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "block_id"],
        "properties": {
          "id": {"type": "string", "pattern": "^n[1-9][0-9]*$"},
          "block_id": {"type": "string", "pattern": "^[a-z][a-z0-9_]*$"},
          "inputs": {"type": "object"}
        }
      }
    },
    "edges": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["from", "to"],
        "properties": {
          "from": {"type": "string"},
          "to": {"type": "string"}
        }
      }
    },
    "memory_keys": {"type": "array", "items": {"type": "string"}}
  }
}`

var (
	schemaOnce      sync.Once
	decomposeSchema *jsonschema.Schema
	wireSchema      *jsonschema.Schema
	schemaErr       error
)

// stageSchemas compiles both schemas once per process. A compile error
// here is a programming error surfaced at first use, not at init.
func stageSchemas() (*jsonschema.Schema, *jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		decomposeSchema, schemaErr = compileSchema("decompose.json", decomposeSchemaJSON)
		if schemaErr != nil {
			return
		}
		wireSchema, schemaErr = compileSchema("wire.json", wireSchemaJSON)
	})
	return decomposeSchema, wireSchema, schemaErr
}

func compileSchema(name, doc string) (*jsonschema.Schema, error) {
	var raw interface{}
	if err := json.Unmarshal([]byte(doc), &raw); err != nil {
		return nil, fmt.Errorf("schema %s unreadable: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, raw); err != nil {
		return nil, fmt.Errorf("schema %s rejected: %w", name, err)
	}
	return c.Compile(name)
}

// validateStageDoc runs one schema over an extracted JSON document and
// maps violations into the error taxonomy.
func validateStageDoc(schema *jsonschema.Schema, doc string) error {
	var value interface{}
	if err := json.Unmarshal([]byte(doc), &value); err != nil {
		return core.NewValidation(core.SubkindStageSchema, "stage output is not valid JSON").WithCause(err)
	}
	if err := schema.Validate(value); err != nil {
		return core.NewValidation(core.SubkindStageSchema, "stage output violates schema").
			WithCause(err).
			WithContext("violation", err.Error())
	}
	return nil
}

type decomposeResponse struct {
	RequiredBlocks []core.RequiredBlock `json:"required_blocks"`
}

// parseDecomposition extracts, schema-checks, and normalizes one
// decompose answer.
func parseDecomposition(raw string) ([]core.RequiredBlock, error) {
	schema, _, err := stageSchemas()
	if err != nil {
		return nil, core.NewCapability("stage schemas unavailable", err)
	}
	doc, err := perception.ExtractJSONObject(raw)
	if err != nil {
		return nil, err
	}
	if err := validateStageDoc(schema, doc); err != nil {
		return nil, err
	}
	var resp decomposeResponse
	if err := json.Unmarshal([]byte(doc), &resp); err != nil {
		return nil, core.NewValidation(core.SubkindStageSchema, "decomposition unreadable").WithCause(err)
	}
	required := normalizeRequired(resp.RequiredBlocks)
	if len(required) == 0 {
		return nil, core.NewValidation(core.SubkindStageSchema, "decomposition names no usable blocks")
	}
	return required, nil
}

// parsePipeline extracts and schema-checks one wire answer. Semantic
// wiring checks live with the planner; this is shape only.
func parsePipeline(raw string) (*core.Pipeline, error) {
	_, schema, err := stageSchemas()
	if err != nil {
		return nil, core.NewCapability("stage schemas unavailable", err)
	}
	doc, err := perception.ExtractJSONObject(raw)
	if err != nil {
		return nil, err
	}
	if err := validateStageDoc(schema, doc); err != nil {
		return nil, err
	}
	var pipeline core.Pipeline
	if err := json.Unmarshal([]byte(doc), &pipeline); err != nil {
		return nil, core.NewValidation(core.SubkindStageSchema, "pipeline unreadable").WithCause(err)
	}
	return &pipeline, nil
}
