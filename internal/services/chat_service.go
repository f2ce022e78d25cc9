package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/markdave123-py/lumen/internal/config"
	"github.com/markdave123-py/lumen/internal/core"
	"github.com/markdave123-py/lumen/internal/logger"
	"github.com/markdave123-py/lumen/internal/models"
	"github.com/markdave123-py/lumen/internal/telemetry"
)

const (
	unknownSourceTitle = "Unknown source"
	citationChars      = 200

	systemPrompt = "You are an assistant that answers questions using the user's own documents and notes. " +
		"Always ground your answer in the provided context and clearly cite the sources you used."
	answerInstruction = "Answer the question using the context below. Cite the relevant sources in your answer."
)

type ChatConfig struct {
	TopK              int
	HistoryTurns      int
	HistoryPage       int
	GenerationTimeout time.Duration
}

func ChatConfigFrom(p config.PipelineConfig) ChatConfig {
	return ChatConfig{
		TopK:              p.TopK,
		HistoryTurns:      p.HistoryTurns,
		HistoryPage:       p.HistoryPage,
		GenerationTimeout: p.GenerationTimeout,
	}
}

// ChatService answers questions against a notebook's sources and keeps the conversation.
type ChatService struct {
	db       core.DbClient
	embedder core.Embedder
	llm      core.LLMProvider
	cfg      ChatConfig
	log      *logger.Logger
	metrics  *telemetry.Metrics
	tracer   trace.Tracer
}

func NewChatService(db core.DbClient, emb core.Embedder, llm core.LLMProvider, cfg ChatConfig, log *logger.Logger, metrics *telemetry.Metrics) *ChatService {
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if cfg.HistoryTurns <= 0 {
		cfg.HistoryTurns = 10
	}
	if cfg.HistoryPage <= 0 {
		cfg.HistoryPage = 50
	}
	if cfg.GenerationTimeout <= 0 {
		cfg.GenerationTimeout = 2 * time.Minute
	}
	return &ChatService{
		db:       db,
		embedder: emb,
		llm:      llm,
		cfg:      cfg,
		log:      log,
		metrics:  metrics,
		tracer:   otel.Tracer("lumen/chat"),
	}
}

// GetChatHistory returns the first page of the user's conversation, oldest first.
func (s *ChatService) GetChatHistory(ctx context.Context, notebookID, userID string) ([]models.Message, error) {
	chat, err := s.db.GetOrCreateChat(ctx, notebookID, userID)
	if err != nil {
		return nil, err
	}
	msgs, err := s.db.ListMessages(ctx, chat.ID, s.cfg.HistoryPage)
	if err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	return msgs, nil
}

// StreamChat stores the question, retrieves context and starts generation.
// Failures up to that point are returned directly. After it returns, the channel yields
// text events in arrival order and then exactly one done or error event, unless ctx is
// cancelled, in which case the channel is closed without a terminal event.
func (s *ChatService) StreamChat(ctx context.Context, notebookID, userID, message string) (<-chan models.ChatEvent, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, fmt.Errorf("message is required: %w", core.ErrInvalidInput)
	}

	chat, err := s.db.GetOrCreateChat(ctx, notebookID, userID)
	if err != nil {
		return nil, fmt.Errorf("get chat: %w", err)
	}
	userMsg := &models.Message{ChatID: chat.ID, Role: models.RoleUser, Content: message}
	if err := s.db.CreateMessage(ctx, userMsg); err != nil {
		return nil, fmt.Errorf("save message: %w", err)
	}

	hits, titles, err := s.retrieve(ctx, notebookID, message)
	if err != nil {
		return nil, err
	}

	prior, err := s.db.ListRecentMessages(ctx, chat.ID, userMsg.ID, s.cfg.HistoryTurns)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	history := make([]core.ChatTurn, 0, len(prior))
	for _, m := range prior {
		history = append(history, core.ChatTurn{Role: m.Role, Content: m.Content})
	}

	req := core.GenerateRequest{
		SystemPrompt: systemPrompt,
		History:      history,
		Prompt:       buildPrompt(hits, titles, message),
	}
	citations := buildCitations(hits, titles)

	events := make(chan models.ChatEvent)
	go s.generate(ctx, chat.ID, req, citations, events)
	return events, nil
}

func (s *ChatService) retrieve(ctx context.Context, notebookID, message string) ([]models.ScoredChunk, map[string]string, error) {
	ctx, span := s.tracer.Start(ctx, "chat.retrieve", trace.WithAttributes(attribute.String("notebook.id", notebookID)))
	defer span.End()

	vec, err := s.embedder.Embed(ctx, message)
	if err != nil {
		return nil, nil, fmt.Errorf("embed question: %w", err)
	}
	hits, err := s.db.SearchSimilarChunks(ctx, notebookID, vec, s.cfg.TopK)
	if err != nil {
		return nil, nil, fmt.Errorf("search chunks: %w", err)
	}

	seen := make(map[string]bool, len(hits))
	var ids []string
	for _, h := range hits {
		if !seen[h.SourceID] {
			seen[h.SourceID] = true
			ids = append(ids, h.SourceID)
		}
	}
	titles, err := s.db.GetSourceTitles(ctx, ids)
	if err != nil {
		return nil, nil, fmt.Errorf("source titles: %w", err)
	}
	span.SetAttributes(attribute.Int("hits", len(hits)))
	return hits, titles, nil
}

func (s *ChatService) generate(ctx context.Context, chatID string, req core.GenerateRequest, citations []models.Citation, events chan<- models.ChatEvent) {
	defer close(events)
	ctx, span := s.tracer.Start(ctx, "chat.generate")
	defer span.End()

	genCtx, cancel := context.WithTimeout(ctx, s.cfg.GenerationTimeout)
	defer cancel()

	send := func(ev models.ChatEvent) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var answer strings.Builder
	err := s.llm.StreamChat(genCtx, req, func(delta string) error {
		if delta == "" {
			return nil
		}
		answer.WriteString(delta)
		if !send(models.ChatEvent{Type: models.EventText, Content: delta}) {
			return ctx.Err()
		}
		return nil
	})

	if ctx.Err() != nil {
		s.log.Info("chat stream cancelled by client", "chat_id", chatID)
		s.metrics.RecordChatStream(ctx, "cancelled")
		return
	}
	if err != nil {
		serr := classifyStreamError(err)
		s.log.Error("chat generation failed", "chat_id", chatID, "kind", string(serr.Kind), "err", err)
		s.metrics.RecordChatStream(ctx, "error")
		span.RecordError(err)
		send(models.ChatEvent{Type: models.EventError, Message: serr.Error()})
		return
	}

	reply := &models.Message{ChatID: chatID, Role: models.RoleAssistant, Content: answer.String(), Citations: citations}
	if err := s.db.CreateMessage(ctx, reply); err != nil {
		s.log.Error("save assistant message failed", "chat_id", chatID, "err", err)
		s.metrics.RecordChatStream(ctx, "error")
		send(models.ChatEvent{Type: models.EventError, Message: "failed to save the answer"})
		return
	}
	s.metrics.RecordChatStream(ctx, "done")
	send(models.ChatEvent{Type: models.EventDone, Citations: citations})
}

// classifyStreamError maps a provider failure to PROVIDER_ERROR or NETWORK.
// A generation timeout counts as a provider error.
func classifyStreamError(err error) *core.StreamError {
	var serr *core.StreamError
	if errors.As(err, &serr) {
		return serr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &core.StreamError{Kind: core.StreamProviderError, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && !netErr.Timeout() {
		return &core.StreamError{Kind: core.StreamNetwork, Err: err}
	}
	return &core.StreamError{Kind: core.StreamProviderError, Err: err}
}

func titleOf(titles map[string]string, sourceID string) string {
	if t, ok := titles[sourceID]; ok && t != "" {
		return t
	}
	return unknownSourceTitle
}

func buildPrompt(hits []models.ScoredChunk, titles map[string]string, question string) string {
	blocks := make([]string, len(hits))
	for i, h := range hits {
		blocks[i] = fmt.Sprintf("[source %d: %s]\n%s", i+1, titleOf(titles, h.SourceID), h.Content)
	}
	return answerInstruction + "\n\nContext:\n" + strings.Join(blocks, "\n\n---\n\n") + "\n\nQuestion: " + question
}

func buildCitations(hits []models.ScoredChunk, titles map[string]string) []models.Citation {
	out := make([]models.Citation, len(hits))
	for i, h := range hits {
		content := h.Content
		if r := []rune(content); len(r) > citationChars {
			content = string(r[:citationChars])
		}
		out[i] = models.Citation{
			SourceID:     h.SourceID,
			SourceTitle:  titleOf(titles, h.SourceID),
			ChunkContent: content,
		}
	}
	return out
}
