package core

import "context"

// LLMClient is the chat-completion surface the planner, synthesizer, and
// executor share. Implementations live in internal/perception; every
// caller goes through the process-wide throttle there.
type LLMClient interface {
	// Complete sends a bare user prompt and returns the raw response text.
	Complete(ctx context.Context, prompt string) (string, error)

	// CompleteWithSystem sends a system prompt alongside the user prompt.
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}
