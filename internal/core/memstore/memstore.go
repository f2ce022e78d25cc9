// Package memstore is an in-process core.DbClient. Chunk vectors live in
// chromem-go collections (one per notebook); rows live in maps.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/philippgille/chromem-go"

	"github.com/markdave123-py/lumen/internal/core"
	"github.com/markdave123-py/lumen/internal/models"
)

var _ core.DbClient = (*Store)(nil)

type Store struct {
	mu        sync.RWMutex
	vectors   *chromem.DB
	notebooks map[string]models.Notebook
	sources   map[string]models.Source
	chunks    map[string][]models.Chunk
	chats     map[string]models.Chat
	chatKeys  map[string]string
	messages  map[string][]models.Message
	seq       int64
	now       func() time.Time
}

func New() *Store {
	return &Store{
		vectors:   chromem.NewDB(),
		notebooks: make(map[string]models.Notebook),
		sources:   make(map[string]models.Source),
		chunks:    make(map[string][]models.Chunk),
		chats:     make(map[string]models.Chat),
		chatKeys:  make(map[string]string),
		messages:  make(map[string][]models.Message),
		now:       time.Now,
	}
}

func collectionName(notebookID string) string { return "notebook-" + notebookID }

func (s *Store) Close() error { return nil }

// PutNotebook registers a notebook. Notebooks are managed outside the core; this
// seeds them for local runs and tests.
func (s *Store) PutNotebook(nb models.Notebook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if nb.CreatedAt.IsZero() {
		nb.CreatedAt = s.now()
	}
	s.notebooks[nb.ID] = nb
}

func (s *Store) GetNotebookByID(_ context.Context, id string) (*models.Notebook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	nb, ok := s.notebooks[id]
	if !ok {
		return nil, nil
	}
	return &nb, nil
}

// Sources

func (s *Store) CreateSource(_ context.Context, src *models.Source) error {
	if src == nil {
		return errors.New("nil source")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sources[src.ID]; exists {
		return fmt.Errorf("source %s already exists", src.ID)
	}
	now := s.now()
	if src.CreatedAt.IsZero() {
		src.CreatedAt = now
	}
	if src.UpdatedAt.IsZero() {
		src.UpdatedAt = now
	}
	s.sources[src.ID] = *src
	return nil
}

func (s *Store) GetSourceByID(_ context.Context, id string) (*models.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src, ok := s.sources[id]
	if !ok {
		return nil, nil
	}
	return &src, nil
}

func (s *Store) ListSourcesByNotebook(_ context.Context, notebookID string) ([]models.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Source
	for _, src := range s.sources {
		if src.NotebookID == notebookID {
			out = append(out, src)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListStaleSources(_ context.Context, statuses []models.SourceStatus, updatedBefore time.Time) ([]models.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Source
	for _, src := range s.sources {
		if slices.Contains(statuses, src.Status) && src.UpdatedAt.Before(updatedBefore) {
			out = append(out, src)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (s *Store) GetSourceTitles(_ context.Context, ids []string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(ids))
	for _, id := range ids {
		if src, ok := s.sources[id]; ok {
			out[id] = src.Title
		}
	}
	return out, nil
}

func (s *Store) TransitionSource(_ context.Context, id string, change models.StatusChange) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[id]
	if !ok || !slices.Contains(change.From, src.Status) {
		return false, nil
	}
	if !models.CanTransition(src.Status, change.To) {
		return false, fmt.Errorf("%s -> %s: %w", src.Status, change.To, core.ErrInvalidTransition)
	}
	src.Status = change.To
	switch change.To {
	case models.StatusReady:
		src.Content = change.Content
		src.ErrorMsg = ""
	case models.StatusError:
		src.ErrorMsg = change.ErrorMsg
	default:
		src.ErrorMsg = ""
	}
	src.UpdatedAt = s.now()
	s.sources[id] = src
	return true, nil
}

func (s *Store) DeleteSource(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[id]
	if !ok {
		return core.ErrNotFound
	}
	if err := s.dropVectors(ctx, src); err != nil {
		return err
	}
	delete(s.chunks, id)
	delete(s.sources, id)
	return nil
}

// Chunks

func (s *Store) ReplaceChunks(ctx context.Context, sourceID string, chunks []models.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[sourceID]
	if !ok {
		return fmt.Errorf("source %s: %w", sourceID, core.ErrNotFound)
	}

	col, err := s.vectors.GetOrCreateCollection(collectionName(src.NotebookID), nil, nil)
	if err != nil {
		return fmt.Errorf("vector collection: %w", err)
	}
	previous := s.chunks[sourceID]
	if err := s.dropVectors(ctx, src); err != nil {
		return err
	}

	now := s.now()
	stored := make([]models.Chunk, len(chunks))
	for i, ch := range chunks {
		if ch.ID == "" {
			ch.ID = uuid.NewString()
		}
		ch.SourceID = sourceID
		ch.CreatedAt = now
		stored[i] = ch
	}

	if err := col.AddDocuments(ctx, toDocuments(stored), 1); err != nil {
		// Put the old set back so the swap stays all-or-nothing.
		_ = s.dropVectors(ctx, src)
		if len(previous) > 0 {
			_ = col.AddDocuments(ctx, toDocuments(previous), 1)
		}
		return fmt.Errorf("add vectors: %w", err)
	}
	s.chunks[sourceID] = stored
	return nil
}

func (s *Store) dropVectors(ctx context.Context, src models.Source) error {
	if len(s.chunks[src.ID]) == 0 {
		return nil
	}
	col := s.vectors.GetCollection(collectionName(src.NotebookID), nil)
	if col == nil {
		return nil
	}
	if err := col.Delete(ctx, map[string]string{"source_id": src.ID}, nil); err != nil {
		return fmt.Errorf("delete vectors: %w", err)
	}
	return nil
}

func toDocuments(chunks []models.Chunk) []chromem.Document {
	docs := make([]chromem.Document, len(chunks))
	for i, ch := range chunks {
		docs[i] = chromem.Document{
			ID:        ch.ID,
			Content:   ch.Content,
			Embedding: ch.Embedding,
			Metadata: map[string]string{
				"source_id": ch.SourceID,
				"idx":       strconv.Itoa(ch.Index),
			},
		}
	}
	return docs
}

func (s *Store) GetChunksBySource(_ context.Context, sourceID string) ([]models.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.chunks[sourceID]), nil
}

// SearchSimilarChunks ranks every chunk of the notebook by cosine similarity and
// keeps the best limit whose source is READY.
func (s *Store) SearchSimilarChunks(ctx context.Context, notebookID string, queryVec []float32, limit int) ([]models.ScoredChunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	col := s.vectors.GetCollection(collectionName(notebookID), nil)
	if col == nil || col.Count() == 0 || limit <= 0 {
		return nil, nil
	}
	results, err := col.QueryEmbedding(ctx, queryVec, col.Count(), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("vector query: %w", err)
	}

	out := make([]models.ScoredChunk, 0, limit)
	for _, r := range results {
		srcID := r.Metadata["source_id"]
		if src, ok := s.sources[srcID]; !ok || src.Status != models.StatusReady {
			continue
		}
		out = append(out, models.ScoredChunk{
			ID:         r.ID,
			Content:    r.Content,
			SourceID:   srcID,
			Similarity: float64(r.Similarity),
		})
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// Chats

func (s *Store) GetOrCreateChat(_ context.Context, notebookID, userID string) (*models.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := notebookID + "\x00" + userID
	if id, ok := s.chatKeys[key]; ok {
		chat := s.chats[id]
		return &chat, nil
	}
	chat := models.Chat{ID: uuid.NewString(), NotebookID: notebookID, UserID: userID, CreatedAt: s.now()}
	s.chats[chat.ID] = chat
	s.chatKeys[key] = chat.ID
	return &chat, nil
}

func (s *Store) CreateMessage(_ context.Context, msg *models.Message) error {
	if msg == nil {
		return errors.New("nil message")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chats[msg.ChatID]; !ok {
		return fmt.Errorf("chat %s: %w", msg.ChatID, core.ErrNotFound)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	s.seq++
	msg.Seq = s.seq
	msg.CreatedAt = s.now()
	stored := *msg
	stored.Citations = slices.Clone(msg.Citations)
	s.messages[msg.ChatID] = append(s.messages[msg.ChatID], stored)
	return nil
}

func (s *Store) ListRecentMessages(_ context.Context, chatID, excludeID string, limit int) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.messages[chatID]
	var out []models.Message
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		if all[i].ID == excludeID {
			continue
		}
		out = append(out, all[i])
	}
	slices.Reverse(out)
	return out, nil
}

func (s *Store) ListMessages(_ context.Context, chatID string, limit int) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.messages[chatID]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return slices.Clone(all), nil
}
