// Package perception holds the LLM provider clients and the process-wide
// call throttle. Everything above this package talks to a model through
// core.LLMClient; everything below is provider wire detail.
package perception

import (
	"context"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"blocksmith/internal/config"
	"blocksmith/internal/core"
	"blocksmith/internal/logging"
)

// =============================================================================
// CLIENT FACTORY
// =============================================================================

// NewClient builds the provider client named by cfg and wraps it in the
// shared throttle. The returned client is what the planner, synthesizer,
// and executor should hold.
func NewClient(cfg *config.Config, throttle *Throttle) (core.LLMClient, error) {
	inner, err := newProviderClient(cfg)
	if err != nil {
		return nil, err
	}
	return NewThrottledClient(inner, throttle, cfg.LLM.MaxRetries), nil
}

func newProviderClient(cfg *config.Config) (core.LLMClient, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
	switch provider {
	case "", "openai":
		return NewOpenAIClient(OpenAIConfig{
			APIKey:  cfg.LLM.APIKey,
			Model:   cfg.LLM.Model,
			BaseURL: cfg.LLM.BaseURL,
			Timeout: cfg.GetLLMTimeout(),
		}), nil
	case "anthropic":
		return NewAnthropicClient(AnthropicConfig{
			APIKey:  cfg.LLM.APIKey,
			Model:   cfg.LLM.Model,
			BaseURL: cfg.LLM.BaseURL,
			Timeout: cfg.GetLLMTimeout(),
		}), nil
	case "gemini":
		return NewGenAIClient(GenAIConfig{
			APIKey:  cfg.LLM.APIKey,
			Model:   cfg.LLM.Model,
			Timeout: cfg.GetLLMTimeout(),
		})
	default:
		return nil, core.NewCapability(fmt.Sprintf("unknown llm provider %q", provider), nil)
	}
}

// =============================================================================
// OPENAI-COMPATIBLE CLIENT
// =============================================================================

// OpenAIConfig configures the OpenAI-compatible client. BaseURL accepts
// any endpoint speaking the chat completions protocol, including local
// Ollama at http://localhost:11434/v1.
type OpenAIConfig struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
}

// DefaultOpenAIConfig returns sensible defaults.
func DefaultOpenAIConfig(apiKey string) OpenAIConfig {
	return OpenAIConfig{
		APIKey:  apiKey,
		Model:   "gpt-4o",
		Timeout: 60 * time.Second,
	}
}

// OpenAIClient implements core.LLMClient over the chat completions API.
type OpenAIClient struct {
	client  *openai.Client
	model   string
	timeout time.Duration
}

var _ core.LLMClient = (*OpenAIClient)(nil)

// NewOpenAIClient creates a client for OpenAI or any compatible endpoint.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gpt-4o"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}

	return &OpenAIClient{
		client:  openai.NewClientWithConfig(clientCfg),
		model:   model,
		timeout: timeout,
	}
}

// Complete sends a single user prompt.
func (c *OpenAIClient) Complete(ctx context.Context, prompt string) (string, error) {
	return c.CompleteWithSystem(ctx, "", prompt)
}

// CompleteWithSystem sends a system prompt alongside the user prompt.
func (c *OpenAIClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if systemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: systemPrompt,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: userPrompt,
	})

	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: messages,
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", core.FromContext(ctx, "llm completion").WithCause(err)
		}
		return "", core.NewCapability("chat completion failed", err)
	}
	if len(resp.Choices) == 0 {
		return "", core.NewCapability("chat completion returned no choices", nil)
	}

	text := resp.Choices[0].Message.Content
	logging.PerceptionDebug("openai completion: model=%s prompt=%dB response=%dB took=%s",
		c.model, len(systemPrompt)+len(userPrompt), len(text), time.Since(start).Round(time.Millisecond))
	return text, nil
}

// Name returns the provider and model for logs.
func (c *OpenAIClient) Name() string {
	return fmt.Sprintf("openai/%s", c.model)
}
