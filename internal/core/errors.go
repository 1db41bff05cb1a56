package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// ERROR TAXONOMY
// =============================================================================

// ErrorKind is the behavioral classification every component reports
// through. Errors return via normal result channels; nothing panics
// across a package boundary.
type ErrorKind int

const (
	// KindNotFound: requested entity absent.
	KindNotFound ErrorKind = iota
	// KindValidation: payload or produced artifact violated a schema.
	KindValidation
	// KindTimeout: deadline exceeded on an external capability.
	KindTimeout
	// KindResourceExceeded: sandbox CPU/memory/file limit hit.
	KindResourceExceeded
	// KindSandbox: backend-level sandbox failure (image missing, container refused).
	KindSandbox
	// KindSynthesisMaxIterations: repair loop exhausted.
	KindSynthesisMaxIterations
	// KindUpstream: a template reference resolved to a failed node.
	KindUpstream
	// KindCapability: language or embedding endpoint returned an error.
	KindCapability
	// KindCancelled: caller aborted.
	KindCancelled
)

// String returns the stable wire name of the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindValidation:
		return "validation"
	case KindTimeout:
		return "timeout"
	case KindResourceExceeded:
		return "resource_exceeded"
	case KindSandbox:
		return "sandbox"
	case KindSynthesisMaxIterations:
		return "synthesis_max_iterations"
	case KindUpstream:
		return "upstream"
	case KindCapability:
		return "capability"
	case KindCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Validation sub-kinds.
const (
	SubkindStageSchema     = "stage_schema"
	SubkindSourceCompile   = "source_compile"
	SubkindOutputShape     = "output_shape"
	SubkindMissingRequired = "missing_required"
)

// Error is the tagged result value carried across component boundaries.
type Error struct {
	Kind    ErrorKind
	Subkind string
	Message string
	NodeID  string
	BlockID string
	// Context holds short diagnostic strings: stderr tail, validation
	// diff, last prompt. Values are pre-truncated by the producer.
	Context map[string]string

	cause error
}

// Error renders kind, attribution, and message.
func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Kind.String())
	if e.Subkind != "" {
		sb.WriteString(".")
		sb.WriteString(e.Subkind)
	}
	if e.BlockID != "" {
		fmt.Fprintf(&sb, " [block %s]", e.BlockID)
	}
	if e.NodeID != "" {
		fmt.Fprintf(&sb, " [node %s]", e.NodeID)
	}
	sb.WriteString(": ")
	sb.WriteString(e.Message)
	if e.cause != nil {
		fmt.Fprintf(&sb, ": %v", e.cause)
	}
	return sb.String()
}

// Unwrap exposes the cause for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.cause }

// Is matches another *Error by kind, so errors.Is(err, &Error{Kind: K})
// tests classification without comparing messages.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind && (t.Subkind == "" || e.Subkind == t.Subkind)
	}
	return false
}

// WithNode attributes the error to a pipeline node.
func (e *Error) WithNode(nodeID string) *Error {
	e.NodeID = nodeID
	return e
}

// WithBlock attributes the error to a block definition.
func (e *Error) WithBlock(blockID string) *Error {
	e.BlockID = blockID
	return e
}

// WithCause attaches an underlying error.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

// WithContext attaches one diagnostic key/value, truncating long values.
func (e *Error) WithContext(key, value string) *Error {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = Truncate(value, 2000)
	return e
}

// =============================================================================
// CONSTRUCTORS
// =============================================================================

// NewNotFound reports an absent entity.
func NewNotFound(entity, id string) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s %q not found", entity, id)}
}

// NewValidation reports a schema violation with its sub-kind.
func NewValidation(subkind, message string) *Error {
	return &Error{Kind: KindValidation, Subkind: subkind, Message: message}
}

// NewTimeout reports a deadline exceeded on an external capability.
func NewTimeout(op string, limit time.Duration) *Error {
	return &Error{Kind: KindTimeout, Message: fmt.Sprintf("%s exceeded %v deadline", op, limit)}
}

// NewResourceExceeded reports a sandbox resource limit hit.
func NewResourceExceeded(message string) *Error {
	return &Error{Kind: KindResourceExceeded, Message: message}
}

// NewSandbox reports a backend-level sandbox failure.
func NewSandbox(message string, cause error) *Error {
	return &Error{Kind: KindSandbox, Message: message, cause: cause}
}

// NewSynthesisMaxIterations reports an exhausted repair loop carrying the
// last failure.
func NewSynthesisMaxIterations(iterations int, last error) *Error {
	return &Error{
		Kind:    KindSynthesisMaxIterations,
		Message: fmt.Sprintf("synthesis did not converge after %d iterations", iterations),
		cause:   last,
	}
}

// NewUpstream reports that a referenced predecessor node failed.
func NewUpstream(nodeID, message string) *Error {
	return &Error{Kind: KindUpstream, NodeID: nodeID, Message: message}
}

// NewCapability reports a language or embedding endpoint failure.
func NewCapability(message string, cause error) *Error {
	return &Error{Kind: KindCapability, Message: message, cause: cause}
}

// NewCancelled reports a caller abort.
func NewCancelled(op string) *Error {
	return &Error{Kind: KindCancelled, Message: op + " cancelled"}
}

// =============================================================================
// INSPECTION HELPERS
// =============================================================================

// AsError extracts the taxonomy error from a chain, if present.
func AsError(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// KindOf classifies any error. Untagged errors from the Go runtime map to
// the closest kind: context errors become Cancelled/Timeout, everything
// else Capability (an external surface misbehaved).
func KindOf(err error) ErrorKind {
	if e, ok := AsError(err); ok {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindCapability
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// FromContext converts a context error into its taxonomy form.
func FromContext(ctx context.Context, op string) *Error {
	switch ctx.Err() {
	case context.DeadlineExceeded:
		return &Error{Kind: KindTimeout, Message: op + " deadline exceeded"}
	default:
		return NewCancelled(op)
	}
}

// Truncate bounds a diagnostic string, keeping the tail — the end of a
// stderr stream is where tracebacks live.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return "…" + s[len(s)-max:]
}

// TailLines keeps at most n trailing lines of s.
func TailLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) <= n {
		return s
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}
