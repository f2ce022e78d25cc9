package core

import (
	"context"

	"github.com/markdave123-py/lumen/internal/models"
)

// EmbeddingProvider is a raw vendor embedding API: one call, one vector per input.
type EmbeddingProvider interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// Embedder is the provider-agnostic client the pipeline and chat use.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// ChatTurn is one prior message handed to a generation provider.
type ChatTurn struct {
	Role    models.MessageRole
	Content string
}

type GenerateRequest struct {
	SystemPrompt string
	History      []ChatTurn
	Prompt       string
}

// LLMProvider streams a completion, calling onDelta for every text fragment in arrival order.
// A non-nil error from onDelta aborts the stream.
type LLMProvider interface {
	StreamChat(ctx context.Context, req GenerateRequest, onDelta func(string) error) error
}
