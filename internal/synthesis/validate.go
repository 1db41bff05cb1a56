package synthesis

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"blocksmith/internal/core"
)

// =============================================================================
// OUTPUT VALIDATION
// =============================================================================

// floatTolerance is the numeric slack the golden comparison allows, so
// a block computing 0.30000000000000004 still matches 0.3.
const floatTolerance = 1e-6

// validateOutputs checks the produced outputs against the declared
// schema: every required property present, every declared property that
// appears carries the declared type.
func validateOutputs(schema core.IOSchema, outputs map[string]interface{}) error {
	var problems []string

	for _, name := range schema.Required {
		if _, ok := outputs[name]; !ok {
			problems = append(problems, fmt.Sprintf("missing required output %q", name))
		}
	}

	for name, value := range outputs {
		prop, declared := schema.Properties[name]
		if !declared || prop.Type == "" {
			continue
		}
		if !valueMatchesType(value, prop.Type) {
			problems = append(problems, fmt.Sprintf("output %q is %T, schema wants %s", name, value, prop.Type))
		}
	}

	if len(problems) > 0 {
		return core.NewValidation(core.SubkindOutputShape, strings.Join(problems, "; "))
	}
	return nil
}

// valueMatchesType checks one decoded JSON value against a schema type.
// JSON numbers decode as float64, so integer checks allow whole floats.
func valueMatchesType(v interface{}, schemaType string) bool {
	if v == nil {
		return true
	}
	switch schemaType {
	case core.TypeString:
		_, ok := v.(string)
		return ok
	case core.TypeBoolean:
		_, ok := v.(bool)
		return ok
	case core.TypeNumber:
		_, ok := v.(float64)
		return ok
	case core.TypeInteger:
		f, ok := v.(float64)
		return ok && f == float64(int64(f))
	case core.TypeArray:
		_, ok := v.([]interface{})
		return ok
	case core.TypeObject:
		_, ok := v.(map[string]interface{})
		return ok
	}
	return true
}

// compareGolden diffs actual against expected with float tolerance.
// Returns "" when they match.
func compareGolden(expected, actual map[string]interface{}) string {
	return cmp.Diff(normalizeJSON(expected), actual, cmpopts.EquateApprox(0, floatTolerance))
}

// normalizeJSON round-trips a document through encoding/json so literal
// Go ints in an expectation compare equal to decoded float64 outputs.
func normalizeJSON(doc map[string]interface{}) map[string]interface{} {
	data, err := json.Marshal(doc)
	if err != nil {
		return doc
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return doc
	}
	return out
}
