package perception

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"blocksmith/internal/core"
	"blocksmith/internal/logging"
)

// =============================================================================
// ANTHROPIC CLIENT
// =============================================================================

// AnthropicConfig configures the Anthropic messages client.
type AnthropicConfig struct {
	APIKey    string
	Model     string
	BaseURL   string
	MaxTokens int
	Timeout   time.Duration
}

// DefaultAnthropicConfig returns sensible defaults.
func DefaultAnthropicConfig(apiKey string) AnthropicConfig {
	return AnthropicConfig{
		APIKey:    apiKey,
		BaseURL:   "https://api.anthropic.com/v1",
		Model:     "claude-sonnet-4-20250514",
		MaxTokens: 8192,
		Timeout:   60 * time.Second,
	}
}

// AnthropicClient implements core.LLMClient for the Anthropic messages API.
type AnthropicClient struct {
	apiKey     string
	baseURL    string
	model      string
	maxTokens  int
	httpClient *http.Client
}

var _ core.LLMClient = (*AnthropicClient)(nil)

// NewAnthropicClient creates an Anthropic client.
func NewAnthropicClient(cfg AnthropicConfig) *AnthropicClient {
	defaults := DefaultAnthropicConfig(cfg.APIKey)
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaults.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaults.Model
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaults.MaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}

	return &AnthropicClient{
		apiKey:    cfg.APIKey,
		baseURL:   strings.TrimSuffix(cfg.BaseURL, "/"),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Error      *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Complete sends a single user prompt.
func (c *AnthropicClient) Complete(ctx context.Context, prompt string) (string, error) {
	return c.CompleteWithSystem(ctx, "", prompt)
}

// CompleteWithSystem sends a system prompt alongside the user prompt.
func (c *AnthropicClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	reqBody := anthropicRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System:    systemPrompt,
		Messages: []anthropicMessage{
			{Role: "user", Content: userPrompt},
		},
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", core.NewCapability("failed to marshal request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return "", core.NewCapability("failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", core.FromContext(ctx, "llm completion").WithCause(err)
		}
		return "", core.NewCapability("request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", core.NewCapability("failed to read response", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", core.NewCapability(
			fmt.Sprintf("api returned %d: %s", resp.StatusCode, core.Truncate(string(body), 500)), nil)
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", core.NewCapability("failed to parse response", err)
	}
	if parsed.Error != nil {
		return "", core.NewCapability(
			fmt.Sprintf("api error %s: %s", parsed.Error.Type, parsed.Error.Message), nil)
	}

	// Responses arrive as typed content blocks; join the text ones.
	var sb strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	text := sb.String()
	if text == "" {
		return "", core.NewCapability("response contained no text blocks", nil)
	}

	logging.PerceptionDebug("anthropic completion: model=%s stop=%s response=%dB took=%s",
		c.model, parsed.StopReason, len(text), time.Since(start).Round(time.Millisecond))
	return text, nil
}

// Name returns the provider and model for logs.
func (c *AnthropicClient) Name() string {
	return fmt.Sprintf("anthropic/%s", c.model)
}
