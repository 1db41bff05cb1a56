// Package resolver turns a node's declarative inputs into the concrete
// values a block executes with. Template references are substituted
// against upstream results, run memory, and user facts; the resolved
// values are then coerced to the block's declared input types.
package resolver

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"blocksmith/internal/core"
)

// =============================================================================
// TEMPLATE RESOLUTION
// =============================================================================

// Template forms: {{source.field}} is canonical, {source.field} is the
// tolerated legacy form. The legacy form requires a dotted path so prose
// like "use {name} here" is never mistaken for a reference. Source is a
// node id, the literal "memory", or "user".
var templatePattern = regexp.MustCompile(
	`\{\{\s*([a-zA-Z_][a-zA-Z0-9_-]*(?:\.[a-zA-Z0-9_-]+)*)\s*\}\}` +
		`|\{([a-zA-Z_][a-zA-Z0-9_-]*(?:\.[a-zA-Z0-9_-]+)+)\}`)

// Sources is everything a template reference can see while one node's
// inputs resolve.
type Sources struct {
	// Results holds the terminal record of every node that has finished.
	Results map[string]*core.NodeResult
	// Memory is the live run memory snapshot.
	Memory map[string]interface{}
	// User carries the per-user facts loaded at run start.
	User map[string]interface{}
}

// FromRunState snapshots the resolvable sources out of live run state.
func FromRunState(rs *core.RunState) Sources {
	return Sources{
		Results: rs.Results(),
		Memory:  rs.MemorySnapshot(),
		User:    rs.User(),
	}
}

type lookupStatus int

const (
	lookupFound lookupStatus = iota
	// lookupMissingField: the source exists but the path does not.
	lookupMissingField
	// lookupUnknownSource: the source names no finished node, nor
	// memory, nor user.
	lookupUnknownSource
	// lookupFailedNode: the source node failed and its failure record
	// does not carry the requested field.
	lookupFailedNode
)

func (s Sources) lookup(ref string) (interface{}, lookupStatus) {
	parts := strings.Split(ref, ".")
	source, path := parts[0], parts[1:]

	var doc interface{}
	failed := false
	switch source {
	case "memory":
		doc = s.Memory
	case "user":
		doc = s.User
	default:
		result, ok := s.Results[source]
		if !ok || result == nil {
			return nil, lookupUnknownSource
		}
		failed = result.Failed()
		doc = nodeDocument(result)
	}

	value, found := traverse(doc, path)
	switch {
	case found:
		return value, lookupFound
	case failed:
		return nil, lookupFailedNode
	default:
		return nil, lookupMissingField
	}
}

// nodeDocument is what templates see for a node: its outputs when it
// completed, or a small failure record control blocks can read.
func nodeDocument(r *core.NodeResult) interface{} {
	if !r.Failed() {
		return r.Output
	}
	message, kind := r.ErrorText, r.ErrorKind
	if r.Error != nil {
		if message == "" {
			message = r.Error.Message
		}
		if kind == "" {
			kind = r.Error.Kind.String()
		}
	}
	return map[string]interface{}{
		"status":     string(r.Status),
		"error":      message,
		"error_kind": kind,
	}
}

// traverse walks a dotted path through nested objects. An empty path
// returns the document itself.
func traverse(doc interface{}, path []string) (interface{}, bool) {
	cur := doc
	for _, seg := range path {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Resolve substitutes every template in inputs and returns a new map;
// inputs are never mutated. Containers are walked recursively and only
// leaf strings carry templates. A reference into a failed upstream
// surfaces KindUpstream; a whole-template reference to an unknown
// source is a validation error.
func Resolve(inputs map[string]interface{}, src Sources) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(inputs))
	for key, value := range inputs {
		resolved, err := resolveValue(value, src)
		if err != nil {
			if coreErr, ok := core.AsError(err); ok {
				return nil, coreErr.WithContext("input", key)
			}
			return nil, err
		}
		out[key] = resolved
	}
	return out, nil
}

// ResolveAndCoerce runs the full pre-execution input path.
func ResolveAndCoerce(inputs map[string]interface{}, src Sources, schema core.IOSchema) (map[string]interface{}, error) {
	resolved, err := Resolve(inputs, src)
	if err != nil {
		return nil, err
	}
	return Coerce(schema, resolved)
}

func resolveValue(value interface{}, src Sources) (interface{}, error) {
	switch v := value.(type) {
	case string:
		return resolveString(v, src)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, elem := range v {
			r, err := resolveValue(elem, src)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, elem := range v {
			r, err := resolveValue(elem, src)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return value, nil
	}
}

func resolveString(s string, src Sources) (interface{}, error) {
	matches := templatePattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	// A string that is exactly one template and nothing else returns
	// the lookup value's native type, lists and objects included.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		ref := refFromMatch(s, matches[0])
		value, status := src.lookup(ref)
		switch status {
		case lookupFound:
			return value, nil
		case lookupFailedNode:
			return nil, upstreamError(ref)
		case lookupUnknownSource:
			return nil, core.NewValidation(core.SubkindMissingRequired,
				fmt.Sprintf("template %q references unknown source %q", s, refSource(ref)))
		default:
			// Known source, absent field: nil, so the coercer can
			// apply a default or report the missing required input.
			return nil, nil
		}
	}

	// Mixed text: interpolate. Missing references render as the empty
	// string; a failed upstream still poisons the whole value.
	var sb strings.Builder
	last := 0
	for _, m := range matches {
		sb.WriteString(s[last:m[0]])
		ref := refFromMatch(s, m)
		value, status := src.lookup(ref)
		switch status {
		case lookupFound:
			sb.WriteString(stringify(value))
		case lookupFailedNode:
			return nil, upstreamError(ref)
		}
		last = m[1]
	}
	sb.WriteString(s[last:])
	return sb.String(), nil
}

// refFromMatch pulls the reference out of whichever alternative matched.
func refFromMatch(s string, m []int) string {
	if m[2] >= 0 {
		return s[m[2]:m[3]]
	}
	return s[m[4]:m[5]]
}

func refSource(ref string) string {
	if idx := strings.IndexByte(ref, '.'); idx >= 0 {
		return ref[:idx]
	}
	return ref
}

func upstreamError(ref string) *core.Error {
	source := refSource(ref)
	return core.NewUpstream(source,
		fmt.Sprintf("reference %q resolved to failed node %s", ref, source))
}

// References returns every template reference in inputs, containers
// included, in walk order. Wiring validation uses this to reject
// pipelines whose references could never resolve.
func References(inputs map[string]interface{}) []string {
	var refs []string
	keys := make([]string, 0, len(inputs))
	for k := range inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		refs = collectRefs(inputs[k], refs)
	}
	return refs
}

func collectRefs(value interface{}, refs []string) []string {
	switch v := value.(type) {
	case string:
		for _, m := range templatePattern.FindAllStringSubmatchIndex(v, -1) {
			refs = append(refs, refFromMatch(v, m))
		}
	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			refs = collectRefs(v[k], refs)
		}
	case []interface{}:
		for _, elem := range v {
			refs = collectRefs(elem, refs)
		}
	}
	return refs
}

// RefSource returns the source segment of a reference: the node id,
// "memory", or "user".
func RefSource(ref string) string { return refSource(ref) }

// stringify renders a looked-up value for interpolation. Containers and
// non-string scalars serialize as compact JSON; bare strings stay
// unquoted.
func stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
