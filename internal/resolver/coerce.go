package resolver

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"blocksmith/internal/core"
)

// =============================================================================
// TYPE COERCION
// =============================================================================

// Coerce applies the block's input schema to resolved values: declared
// types are enforced with the documented conversions, absent optional
// properties pick up their defaults, and absent required properties fail
// with a missing_required validation error. Undeclared keys pass
// through untouched.
func Coerce(schema core.IOSchema, inputs map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(inputs))
	for k, v := range inputs {
		out[k] = v
	}

	var problems []string
	missingRequired := false

	for _, name := range schema.PropertyNames() {
		prop := schema.Properties[name]
		value, present := out[name]

		if !present || value == nil {
			switch {
			case prop.Default != nil:
				coerced, err := coerceValue(prop.Default, prop.Type)
				if err != nil {
					problems = append(problems, fmt.Sprintf("default for %q: %v", name, err))
					continue
				}
				out[name] = coerced
			case schema.IsRequired(name):
				missingRequired = true
				problems = append(problems, fmt.Sprintf("required input %q is missing", name))
			}
			continue
		}

		coerced, err := coerceValue(value, prop.Type)
		if err != nil {
			problems = append(problems, fmt.Sprintf("input %q: %v", name, err))
			continue
		}
		out[name] = coerced
	}

	if len(problems) > 0 {
		subkind := ""
		if missingRequired {
			subkind = core.SubkindMissingRequired
		}
		return nil, core.NewValidation(subkind, strings.Join(problems, "; "))
	}
	return out, nil
}

// coerceValue converts one value to a declared type. An empty or
// unknown declared type passes the value through untouched.
func coerceValue(v interface{}, declaredType string) (interface{}, error) {
	switch declaredType {
	case core.TypeInteger:
		return coerceInteger(v)
	case core.TypeNumber:
		return coerceNumber(v)
	case core.TypeBoolean:
		return coerceBoolean(v)
	case core.TypeString:
		return coerceString(v)
	case core.TypeArray:
		return coerceArray(v)
	case core.TypeObject:
		return coerceObject(v)
	}
	return v, nil
}

func coerceInteger(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case int:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case int64:
		return t, nil
	case float32:
		return wholeFloat(float64(t))
	case float64:
		return wholeFloat(t)
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("cannot parse %q as integer", t)
		}
		return n, nil
	}
	return nil, fmt.Errorf("cannot coerce %T to integer", v)
}

func wholeFloat(f float64) (interface{}, error) {
	if f != math.Trunc(f) {
		return nil, fmt.Errorf("float %v is not a whole number", f)
	}
	return int64(f), nil
}

func coerceNumber(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case int:
		return float64(t), nil
	case int32:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case float32:
		return float64(t), nil
	case float64:
		return t, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return nil, fmt.Errorf("cannot parse %q as number", t)
		}
		return f, nil
	}
	return nil, fmt.Errorf("cannot coerce %T to number", v)
}

func coerceBoolean(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "1", "yes":
			return true, nil
		case "false", "0", "no":
			return false, nil
		}
		return nil, fmt.Errorf("cannot parse %q as boolean", t)
	}
	return nil, fmt.Errorf("cannot coerce %T to boolean", v)
}

func coerceString(v interface{}) (interface{}, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("cannot serialize %T to string", v)
	}
	return string(data), nil
}

func coerceArray(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case []interface{}:
		return t, nil
	case string:
		trimmed := strings.TrimSpace(t)
		if strings.HasPrefix(trimmed, "[") {
			var out []interface{}
			if err := json.Unmarshal([]byte(trimmed), &out); err == nil {
				return out, nil
			}
		}
		return []interface{}{v}, nil
	}
	return []interface{}{v}, nil
}

// coerceObject is the one conversion that refuses rather than wraps: a
// scalar where an object is demanded is a planning mistake, not data.
func coerceObject(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case map[string]interface{}:
		return t, nil
	case string:
		trimmed := strings.TrimSpace(t)
		if strings.HasPrefix(trimmed, "{") {
			var out map[string]interface{}
			if err := json.Unmarshal([]byte(trimmed), &out); err == nil {
				return out, nil
			}
		}
		return nil, fmt.Errorf("string %q is not a JSON object", core.Truncate(t, 80))
	}
	return nil, fmt.Errorf("cannot coerce %T to object", v)
}
