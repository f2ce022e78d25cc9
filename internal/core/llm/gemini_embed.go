package llm

import (
	"context"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/markdave123-py/lumen/internal/core"
)

type GeminiEmbedder struct {
	client    *genai.Client
	modelName string
	dim       int
}

// NewGeminiEmbedder checks every returned vector against dim; 0 skips the check.
func NewGeminiEmbedder(ctx context.Context, apiKey, modelName string, dim int) (*GeminiEmbedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY not set")
	}
	cl, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}
	if modelName == "" {
		modelName = "text-embedding-004"
	}
	return &GeminiEmbedder{client: cl, modelName: modelName, dim: dim}, nil
}

func (g *GeminiEmbedder) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

// EmbedTexts embeds one provider batch. The caller splits inputs to the
// provider's batch limit, so this is a single BatchEmbedContents call.
func (g *GeminiEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	em := g.client.EmbeddingModel(g.modelName)
	batch := em.NewBatch()
	for _, t := range texts {
		batch.AddContent(genai.Text(t))
	}

	resp, err := em.BatchEmbedContents(ctx, batch)
	if err != nil {
		return nil, fmt.Errorf("gemini batch embed: %w", err)
	}
	return vectorsFromBatch(resp.Embeddings, len(texts), g.dim)
}

func vectorsFromBatch(embeddings []*genai.ContentEmbedding, want, dim int) ([][]float32, error) {
	if len(embeddings) != want {
		return nil, &core.EmbeddingError{
			Kind: core.EmbedProviderError,
			Msg:  fmt.Sprintf("gemini returned %d embeddings for %d texts", len(embeddings), want),
		}
	}
	out := make([][]float32, len(embeddings))
	for i, e := range embeddings {
		if e == nil || (dim > 0 && len(e.Values) != dim) {
			got := 0
			if e != nil {
				got = len(e.Values)
			}
			return nil, &core.EmbeddingError{
				Kind: core.EmbedProviderError,
				Msg:  fmt.Sprintf("gemini embedding %d has dimension %d, want %d", i, got, dim),
			}
		}
		out[i] = e.Values
	}
	return out, nil
}

var _ core.EmbeddingProvider = (*GeminiEmbedder)(nil)
