package perception

import (
	"strings"

	"blocksmith/internal/core"
)

// =============================================================================
// RESPONSE EXTRACTION
// =============================================================================
// Models wrap structured output in prose and markdown fences no matter how
// firmly the prompt forbids it. These helpers cut the payload out of the
// noise; parsing and validation stay with the caller.

// StripCodeFences removes a single leading/trailing markdown fence pair.
// Text without fences is returned trimmed.
func StripCodeFences(text string) string {
	s := strings.TrimSpace(text)
	if !strings.HasPrefix(s, "```") {
		return s
	}

	// Drop the opening fence line, including any language tag.
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[idx+1:]
	} else {
		return strings.TrimSpace(strings.TrimPrefix(s, "```"))
	}

	if idx := strings.LastIndex(s, "```"); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}

// ExtractCodeBlock returns the body of the first fenced block tagged with
// lang. Falls back to the first fenced block of any tag, then to the
// trimmed input when no fences exist.
func ExtractCodeBlock(text, lang string) string {
	if body, ok := fencedBlock(text, lang); ok {
		return body
	}
	if body, ok := fencedBlock(text, ""); ok {
		return body
	}
	return strings.TrimSpace(text)
}

func fencedBlock(text, lang string) (string, bool) {
	marker := "```" + lang
	start := strings.Index(text, marker)
	if start < 0 {
		return "", false
	}
	rest := text[start+len(marker):]

	// A tagged search must not match a longer tag ("```py" inside
	// "```python"): the marker has to end its line.
	nl := strings.IndexByte(rest, '\n')
	if nl < 0 {
		return "", false
	}
	if lang != "" && strings.TrimSpace(rest[:nl]) != "" {
		return "", false
	}
	rest = rest[nl+1:]

	end := strings.Index(rest, "```")
	if end < 0 {
		return strings.TrimSpace(rest), true
	}
	return strings.TrimSpace(rest[:end]), true
}

// ExtractJSONObject returns the first balanced {...} in text, fence-aware.
func ExtractJSONObject(text string) (string, error) {
	return extractBalanced(StripCodeFences(text), '{', '}')
}

// ExtractJSONArray returns the first balanced [...] in text, fence-aware.
func ExtractJSONArray(text string) (string, error) {
	return extractBalanced(StripCodeFences(text), '[', ']')
}

// extractBalanced scans for the first balanced open..close span, skipping
// brackets inside JSON string literals.
func extractBalanced(text string, open, close byte) (string, error) {
	start := strings.IndexByte(text, open)
	if start < 0 {
		return "", core.NewValidation(core.SubkindStageSchema,
			"response contains no "+string(open)+"..."+string(close)+" payload")
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return text[start : i+1], nil
			}
		}
	}
	return "", core.NewValidation(core.SubkindStageSchema,
		"response payload is unbalanced, truncated output likely")
}
