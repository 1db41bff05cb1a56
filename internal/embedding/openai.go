package embedding

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// =============================================================================
// OPENAI EMBEDDING ENGINE
// =============================================================================

// OpenAIEngine generates embeddings through the OpenAI embeddings API or
// any compatible endpoint.
type OpenAIEngine struct {
	client     *openai.Client
	model      string
	dimensions int
}

// NewOpenAIEngine creates an OpenAI embedding engine. baseURL may point
// at any OpenAI-compatible server; empty means api.openai.com.
func NewOpenAIEngine(apiKey, model, baseURL string, dimensions int) (*OpenAIEngine, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}
	if model == "" {
		model = "text-embedding-3-small"
	}
	if dimensions <= 0 {
		dimensions = 768
	}

	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}

	return &OpenAIEngine{
		client:     openai.NewClientWithConfig(cfg),
		model:      model,
		dimensions: dimensions,
	}, nil
}

// Embed generates an embedding for a single text.
func (e *OpenAIEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("no embeddings returned")
	}
	return vectors[0], nil
}

// EmbedBatch generates embeddings for multiple texts in one request.
func (e *OpenAIEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      texts,
		Model:      openai.EmbeddingModel(e.model),
		Dimensions: e.dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("openai embed failed: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai returned %d embeddings for %d inputs", len(resp.Data), len(texts))
	}

	embeddings := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		embeddings[i] = d.Embedding
	}
	return embeddings, nil
}

// Dimensions returns the requested embedding dimensionality.
func (e *OpenAIEngine) Dimensions() int {
	return e.dimensions
}

// Name returns the engine name.
func (e *OpenAIEngine) Name() string {
	return fmt.Sprintf("openai:%s", e.model)
}
