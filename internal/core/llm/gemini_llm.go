package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"github.com/sony/gobreaker"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/markdave123-py/lumen/internal/core"
	"github.com/markdave123-py/lumen/internal/logger"
	"github.com/markdave123-py/lumen/internal/models"
)

type GeminiLLM struct {
	client    *genai.Client
	modelName string
	maxTokens int32
	breaker   *gobreaker.CircuitBreaker
}

func NewGeminiLLM(ctx context.Context, apiKey, modelName string, maxTokens int, log *logger.Logger) (*GeminiLLM, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY not set")
	}
	cl, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}
	if modelName == "" {
		modelName = "gemini-1.5-flash"
	}
	return &GeminiLLM{
		client:    cl,
		modelName: modelName,
		maxTokens: int32(maxTokens),
		breaker:   NewBreaker("gemini-generate", log),
	}, nil
}

func (g *GeminiLLM) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

// StreamChat replays the history into a chat session and streams the reply to the final prompt.
func (g *GeminiLLM) StreamChat(ctx context.Context, req core.GenerateRequest, onDelta func(string) error) error {
	m := g.client.GenerativeModel(g.modelName)
	if req.SystemPrompt != "" {
		m.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(req.SystemPrompt)},
		}
	}
	if g.maxTokens > 0 {
		m.SetMaxOutputTokens(g.maxTokens)
	}

	history, prompt := alternateTurns(req.History, req.Prompt)
	cs := m.StartChat()
	for _, t := range history {
		role := "user"
		if t.Role == models.RoleAssistant {
			role = "model"
		}
		cs.History = append(cs.History, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(t.Content)}})
	}

	_, err := g.breaker.Execute(func() (interface{}, error) {
		iter := cs.SendMessageStream(ctx, genai.Text(prompt))
		for {
			resp, err := iter.Next()
			if errors.Is(err, iterator.Done) {
				return nil, nil
			}
			if err != nil {
				return nil, fmt.Errorf("gemini stream: %w", err)
			}
			for _, cand := range resp.Candidates {
				if cand.Content == nil {
					continue
				}
				for _, p := range cand.Content.Parts {
					if t, ok := p.(genai.Text); ok && t != "" {
						if err := onDelta(string(t)); err != nil {
							return nil, err
						}
					}
				}
			}
		}
	})
	return err
}

var _ core.LLMProvider = (*GeminiLLM)(nil)
