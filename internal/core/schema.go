package core

import (
	"encoding/json"
	"fmt"
	"sort"
)

// =============================================================================
// IO SCHEMA
// =============================================================================

// SchemaProperty describes one input or output property: a semantic type,
// an optional default, and a human description.
type SchemaProperty struct {
	Type        string      `json:"type"`
	Description string      `json:"description,omitempty"`
	Default     interface{} `json:"default,omitempty"`
	Items       string      `json:"items,omitempty"` // element type for arrays, when declared
}

// IOSchema is the JSON-Schema-shaped property map blocks declare for their
// inputs and outputs.
type IOSchema struct {
	Properties map[string]SchemaProperty `json:"properties,omitempty"`
	Required   []string                  `json:"required,omitempty"`
}

// Property types the type coercer understands.
const (
	TypeInteger = "integer"
	TypeNumber  = "number"
	TypeBoolean = "boolean"
	TypeString  = "string"
	TypeArray   = "array"
	TypeObject  = "object"
)

// KnownType reports whether t is one of the coercible semantic types.
func KnownType(t string) bool {
	switch t {
	case TypeInteger, TypeNumber, TypeBoolean, TypeString, TypeArray, TypeObject:
		return true
	}
	return false
}

// Validate enforces required ⊆ properties and known property types.
func (s IOSchema) Validate() error {
	for _, name := range s.Required {
		if _, ok := s.Properties[name]; !ok {
			return fmt.Errorf("required property %q is not declared", name)
		}
	}
	for name, prop := range s.Properties {
		if prop.Type != "" && !KnownType(prop.Type) {
			return fmt.Errorf("property %q has unknown type %q", name, prop.Type)
		}
	}
	return nil
}

// IsRequired reports whether name appears in the required list.
func (s IOSchema) IsRequired(name string) bool {
	for _, r := range s.Required {
		if r == name {
			return true
		}
	}
	return false
}

// PropertyNames returns the declared property names, sorted for stable
// prompt rendering.
func (s IOSchema) PropertyNames() []string {
	names := make([]string, 0, len(s.Properties))
	for name := range s.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// JSONSchemaDocument renders the schema as a draft JSON-Schema object
// suitable for compiler-based validation of produced values.
func (s IOSchema) JSONSchemaDocument() map[string]interface{} {
	props := make(map[string]interface{}, len(s.Properties))
	for name, p := range s.Properties {
		prop := map[string]interface{}{}
		if p.Type != "" {
			prop["type"] = p.Type
		}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if p.Type == TypeArray && p.Items != "" {
			prop["items"] = map[string]interface{}{"type": p.Items}
		}
		props[name] = prop
	}
	doc := map[string]interface{}{
		"type":       "object",
		"properties": props,
	}
	if len(s.Required) > 0 {
		req := make([]interface{}, len(s.Required))
		for i, r := range s.Required {
			req[i] = r
		}
		doc["required"] = req
	}
	return doc
}

// Describe renders one property per line for prompt construction.
func (s IOSchema) Describe() string {
	if len(s.Properties) == 0 {
		return "  (none)\n"
	}
	out := ""
	for _, name := range s.PropertyNames() {
		p := s.Properties[name]
		req := ""
		if s.IsRequired(name) {
			req = " (required)"
		}
		desc := p.Description
		if desc == "" {
			desc = "-"
		}
		if p.Default != nil {
			desc += fmt.Sprintf(" (default: %v)", p.Default)
		}
		out += fmt.Sprintf("  - %s: %s%s — %s\n", name, p.Type, req, desc)
	}
	return out
}

// UnmarshalJSON accepts items declared either as a bare type name
// ("items": "string") or as the JSON-Schema nested form
// ("items": {"type": "string"}).
func (p *SchemaProperty) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type        string          `json:"type"`
		Description string          `json:"description"`
		Default     interface{}     `json:"default"`
		Items       json.RawMessage `json:"items"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p.Type = raw.Type
	p.Description = raw.Description
	p.Default = raw.Default
	p.Items = ""
	if len(raw.Items) > 0 {
		var name string
		if err := json.Unmarshal(raw.Items, &name); err == nil {
			p.Items = name
			return nil
		}
		var nested struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw.Items, &nested); err != nil {
			return fmt.Errorf("items must be a type name or a {type} object: %w", err)
		}
		p.Items = nested.Type
	}
	return nil
}

func (s IOSchema) clone() IOSchema {
	out := IOSchema{Required: append([]string(nil), s.Required...)}
	if s.Properties != nil {
		out.Properties = make(map[string]SchemaProperty, len(s.Properties))
		for k, v := range s.Properties {
			out.Properties[k] = v
		}
	}
	return out
}

// UnmarshalJSON accepts the wrapped {properties, required} form (with or
// without a JSON-Schema "type": "object" envelope) and the bare
// property-map form model output sometimes uses, where the object's keys
// are the properties themselves.
func (s *IOSchema) UnmarshalJSON(data []byte) error {
	type alias IOSchema
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	if a.Properties == nil && a.Required == nil {
		var keys map[string]json.RawMessage
		if err := json.Unmarshal(data, &keys); err == nil && len(keys) > 0 {
			if _, wrapped := keys["properties"]; !wrapped {
				var props map[string]SchemaProperty
				if err := json.Unmarshal(data, &props); err == nil {
					a.Properties = props
				}
			}
		}
	}
	*s = IOSchema(a)
	return nil
}
