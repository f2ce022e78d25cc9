package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/sony/gobreaker"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/markdave123-py/lumen/internal/core"
	"github.com/markdave123-py/lumen/internal/logger"
	"github.com/markdave123-py/lumen/internal/models"
)

// OpenAIProvider serves embeddings and streamed chat through any OpenAI-compatible API.
type OpenAIProvider struct {
	llm       *openai.LLM
	maxTokens int
	breaker   *gobreaker.CircuitBreaker
}

func NewOpenAIProvider(apiKey, baseURL, chatModel, embedModel string, maxTokens int, log *logger.Logger) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	opts := []openai.Option{
		openai.WithToken(strings.TrimPrefix(apiKey, "Bearer ")),
		openai.WithModel(chatModel),
		openai.WithEmbeddingModel(embedModel),
	}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("init openai client: %w", err)
	}
	return &OpenAIProvider{llm: llm, maxTokens: maxTokens, breaker: NewBreaker("openai-generate", log)}, nil
}

func (p *OpenAIProvider) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vecs, err := p.llm.CreateEmbedding(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("openai embed: %w", err)
	}
	return vecs, nil
}

func (p *OpenAIProvider) StreamChat(ctx context.Context, req core.GenerateRequest, onDelta func(string) error) error {
	_, err := p.breaker.Execute(func() (interface{}, error) {
		_, err := p.llm.GenerateContent(ctx, buildMessages(req),
			llms.WithMaxTokens(p.maxTokens),
			llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
				if len(chunk) == 0 {
					return nil
				}
				return onDelta(string(chunk))
			}),
		)
		if err != nil {
			return nil, fmt.Errorf("openai stream: %w", err)
		}
		return nil, nil
	})
	return err
}

func buildMessages(req core.GenerateRequest) []llms.MessageContent {
	msgs := make([]llms.MessageContent, 0, len(req.History)+2)
	if req.SystemPrompt != "" {
		msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeSystem, req.SystemPrompt))
	}
	for _, t := range req.History {
		role := llms.ChatMessageTypeHuman
		if t.Role == models.RoleAssistant {
			role = llms.ChatMessageTypeAI
		}
		msgs = append(msgs, llms.TextParts(role, t.Content))
	}
	return append(msgs, llms.TextParts(llms.ChatMessageTypeHuman, req.Prompt))
}

var (
	_ core.EmbeddingProvider = (*OpenAIProvider)(nil)
	_ core.LLMProvider       = (*OpenAIProvider)(nil)
)
