package perception

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"blocksmith/internal/core"
	"blocksmith/internal/logging"
)

// =============================================================================
// GOOGLE GENAI CLIENT
// =============================================================================

// GenAIConfig configures the Gemini chat client.
type GenAIConfig struct {
	APIKey  string
	Model   string
	Timeout time.Duration
}

// GenAIClient implements core.LLMClient using Google's Gemini API.
type GenAIClient struct {
	client  *genai.Client
	model   string
	timeout time.Duration
}

var _ core.LLMClient = (*GenAIClient)(nil)

// NewGenAIClient creates a Gemini chat client.
func NewGenAIClient(cfg GenAIConfig) (*GenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, core.NewCapability("GenAI API key is required", nil)
	}

	// Env overrides can switch the provider to gemini while the model
	// name still carries another provider's default.
	model := strings.TrimSpace(cfg.Model)
	if !strings.HasPrefix(model, "gemini") {
		model = "gemini-2.0-flash"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, core.NewCapability("failed to create GenAI client", err)
	}

	return &GenAIClient{
		client:  client,
		model:   model,
		timeout: timeout,
	}, nil
}

// Complete sends a single user prompt.
func (c *GenAIClient) Complete(ctx context.Context, prompt string) (string, error) {
	return c.CompleteWithSystem(ctx, "", prompt)
}

// CompleteWithSystem sends a system prompt alongside the user prompt.
func (c *GenAIClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var genCfg *genai.GenerateContentConfig
	if systemPrompt != "" {
		genCfg = &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
		}
	}

	start := time.Now()
	result, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(userPrompt), genCfg)
	if err != nil {
		if ctx.Err() != nil {
			return "", core.FromContext(ctx, "llm completion").WithCause(err)
		}
		return "", core.NewCapability("generate content failed", err)
	}

	text := result.Text()
	if text == "" {
		return "", core.NewCapability("generate content returned no text", nil)
	}

	logging.PerceptionDebug("genai completion: model=%s response=%dB took=%s",
		c.model, len(text), time.Since(start).Round(time.Millisecond))
	return text, nil
}

// Name returns the provider and model for logs.
func (c *GenAIClient) Name() string {
	return fmt.Sprintf("gemini/%s", c.model)
}
