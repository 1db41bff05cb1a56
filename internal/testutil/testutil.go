// Package testutil provides deterministic fakes for the language
// capability, the embedding engine, and the sandbox so package suites
// can run without network, docker, or a python interpreter.
package testutil

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"regexp"
	"strings"
	"sync"

	"blocksmith/internal/core"
	"blocksmith/internal/embedding"
)

// =============================================================================
// SCRIPTED LLM
// =============================================================================

// LLMCall records one request made against a ScriptedLLM.
type LLMCall struct {
	System string
	Prompt string
}

// LLMRule answers prompts containing a substring, regardless of call
// order. Rules take priority over the ordered response queue.
type LLMRule struct {
	Contains string
	Response string
	Err      error
}

// ScriptedLLM is a core.LLMClient fake. Responses are served from
// Rules first (prompt substring match), then from the ordered Responses
// queue. A nil ResponseFn with an exhausted queue and no matching rule
// is a test bug and returns an error saying so.
type ScriptedLLM struct {
	mu        sync.Mutex
	Rules     []LLMRule
	Responses []string
	// ResponseFn, when set, overrides all other scripting.
	ResponseFn func(system, prompt string) (string, error)

	next  int
	calls []LLMCall
}

var _ core.LLMClient = (*ScriptedLLM)(nil)

// NewScriptedLLM queues ordered responses.
func NewScriptedLLM(responses ...string) *ScriptedLLM {
	return &ScriptedLLM{Responses: responses}
}

func (s *ScriptedLLM) Complete(ctx context.Context, prompt string) (string, error) {
	return s.CompleteWithSystem(ctx, "", prompt)
}

func (s *ScriptedLLM) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", core.FromContext(ctx, "scripted llm")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, LLMCall{System: systemPrompt, Prompt: userPrompt})

	if s.ResponseFn != nil {
		return s.ResponseFn(systemPrompt, userPrompt)
	}

	for _, rule := range s.Rules {
		if rule.Contains != "" && strings.Contains(userPrompt, rule.Contains) {
			if rule.Err != nil {
				return "", rule.Err
			}
			return rule.Response, nil
		}
	}

	if s.next < len(s.Responses) {
		resp := s.Responses[s.next]
		s.next++
		return resp, nil
	}

	return "", fmt.Errorf("scripted llm exhausted after %d calls; prompt was: %s",
		len(s.calls), core.Truncate(userPrompt, 120))
}

// Calls returns a copy of everything asked so far.
func (s *ScriptedLLM) Calls() []LLMCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LLMCall, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallCount returns how many completions were requested.
func (s *ScriptedLLM) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// =============================================================================
// DETERMINISTIC EMBEDDER
// =============================================================================

var embedTokens = regexp.MustCompile(`[a-z0-9]+`)

// HashEmbedder is a deterministic embedding.EmbeddingEngine. Each
// token hashes to one dimension, so texts sharing words land near each
// other under cosine similarity. Good enough to exercise ranking
// without a model.
type HashEmbedder struct {
	Dim int
	// Fail makes every call return a capability error.
	Fail bool

	mu    sync.Mutex
	calls int
}

var _ embedding.EmbeddingEngine = (*HashEmbedder)(nil)

// NewHashEmbedder returns a 32-dimension deterministic embedder.
func NewHashEmbedder() *HashEmbedder {
	return &HashEmbedder{Dim: 32}
}

func (h *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, core.FromContext(ctx, "hash embed")
	}
	h.mu.Lock()
	h.calls++
	fail := h.Fail
	h.mu.Unlock()
	if fail {
		return nil, core.NewCapability("hash embedder scripted failure", nil)
	}

	vec := make([]float32, h.dims())
	for _, token := range embedTokens.FindAllString(strings.ToLower(text), -1) {
		f := fnv.New32a()
		f.Write([]byte(token))
		vec[f.Sum32()%uint32(len(vec))] += 1
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec, nil
}

func (h *HashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		vec, err := h.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out = append(out, vec)
	}
	return out, nil
}

func (h *HashEmbedder) Dimensions() int { return h.dims() }

func (h *HashEmbedder) Name() string { return "hash-fake" }

// EmbedCalls returns how many Embed calls happened (batch items count
// individually).
func (h *HashEmbedder) EmbedCalls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func (h *HashEmbedder) dims() int {
	if h.Dim <= 0 {
		return 32
	}
	return h.Dim
}
