package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/markdave123-py/lumen/internal/core"
	"github.com/markdave123-py/lumen/internal/models"
)

func addSource(t *testing.T, s *Store, id, notebookID string, status models.SourceStatus) {
	t.Helper()
	err := s.CreateSource(context.Background(), &models.Source{
		ID: id, NotebookID: notebookID, Type: models.SourceTXT, Title: id + ".txt", Status: status,
	})
	if err != nil {
		t.Fatalf("CreateSource: %v", err)
	}
}

func chunk(text string, idx int, vec ...float32) models.Chunk {
	return models.Chunk{Content: text, Index: idx, Embedding: vec}
}

func TestSearchScopesToReadySourcesInNotebook(t *testing.T) {
	ctx := context.Background()
	s := New()
	addSource(t, s, "ready", "nb1", models.StatusReady)
	addSource(t, s, "pending", "nb1", models.StatusPending)
	addSource(t, s, "other", "nb2", models.StatusReady)

	for id, vec := range map[string][]float32{"ready": {1, 0}, "pending": {1, 0}, "other": {1, 0}} {
		if err := s.ReplaceChunks(ctx, id, []models.Chunk{chunk(id+" text", 0, vec...)}); err != nil {
			t.Fatalf("ReplaceChunks %s: %v", id, err)
		}
	}

	hits, err := s.SearchSimilarChunks(ctx, "nb1", []float32{1, 0}, 5)
	if err != nil {
		t.Fatalf("SearchSimilarChunks: %v", err)
	}
	if len(hits) != 1 || hits[0].SourceID != "ready" {
		t.Fatalf("expected only the READY nb1 chunk, got %+v", hits)
	}
	if hits[0].Similarity < 0.999 {
		t.Fatalf("identical vectors should score ~1, got %f", hits[0].Similarity)
	}
}

func TestSearchOrdersBySimilarityAndLimits(t *testing.T) {
	ctx := context.Background()
	s := New()
	addSource(t, s, "src", "nb", models.StatusReady)
	err := s.ReplaceChunks(ctx, "src", []models.Chunk{
		chunk("far", 0, 0, 1),
		chunk("near", 1, 1, 0.1),
		chunk("mid", 2, 1, 1),
	})
	if err != nil {
		t.Fatalf("ReplaceChunks: %v", err)
	}

	hits, err := s.SearchSimilarChunks(ctx, "nb", []float32{1, 0}, 2)
	if err != nil {
		t.Fatalf("SearchSimilarChunks: %v", err)
	}
	if len(hits) != 2 || hits[0].Content != "near" || hits[1].Content != "mid" {
		t.Fatalf("unexpected ranking %+v", hits)
	}
	if hits[0].Similarity < hits[1].Similarity {
		t.Fatalf("similarity not descending: %+v", hits)
	}
}

func TestReplaceChunksSwapsWholeSet(t *testing.T) {
	ctx := context.Background()
	s := New()
	addSource(t, s, "src", "nb", models.StatusReady)

	first := []models.Chunk{chunk("a", 0, 1, 0), chunk("b", 1, 0, 1), chunk("c", 2, 1, 1)}
	if err := s.ReplaceChunks(ctx, "src", first); err != nil {
		t.Fatalf("ReplaceChunks: %v", err)
	}
	if err := s.ReplaceChunks(ctx, "src", []models.Chunk{chunk("d", 0, 1, 0)}); err != nil {
		t.Fatalf("ReplaceChunks: %v", err)
	}

	got, _ := s.GetChunksBySource(ctx, "src")
	if len(got) != 1 || got[0].Content != "d" {
		t.Fatalf("expected only the new chunk, got %+v", got)
	}
	hits, _ := s.SearchSimilarChunks(ctx, "nb", []float32{0, 1}, 5)
	if len(hits) != 1 || hits[0].Content != "d" {
		t.Fatalf("stale vectors still searchable: %+v", hits)
	}
}

func TestTransitionSourceIsCompareAndSet(t *testing.T) {
	ctx := context.Background()
	s := New()
	addSource(t, s, "src", "nb", models.StatusPending)

	ok, err := s.TransitionSource(ctx, "src", models.StatusChange{From: []models.SourceStatus{models.StatusPending}, To: models.StatusProcessing})
	if err != nil || !ok {
		t.Fatalf("PENDING->PROCESSING: ok=%v err=%v", ok, err)
	}
	ok, err = s.TransitionSource(ctx, "src", models.StatusChange{From: []models.SourceStatus{models.StatusPending}, To: models.StatusProcessing})
	if err != nil || ok {
		t.Fatalf("second claim must lose: ok=%v err=%v", ok, err)
	}
	ok, err = s.TransitionSource(ctx, "src", models.StatusChange{From: []models.SourceStatus{models.StatusProcessing}, To: models.StatusError, ErrorMsg: "boom"})
	if err != nil || !ok {
		t.Fatalf("PROCESSING->ERROR: ok=%v err=%v", ok, err)
	}
	src, _ := s.GetSourceByID(ctx, "src")
	if src.Status != models.StatusError || src.ErrorMsg != "boom" {
		t.Fatalf("unexpected source %+v", src)
	}

	_, err = s.TransitionSource(ctx, "src", models.StatusChange{From: []models.SourceStatus{models.StatusError}, To: models.StatusReady})
	if !errors.Is(err, core.ErrInvalidTransition) {
		t.Fatalf("ERROR->READY should be rejected, got %v", err)
	}
	ok, err = s.TransitionSource(ctx, "src", models.StatusChange{From: []models.SourceStatus{models.StatusError}, To: models.StatusPending})
	if err != nil || !ok {
		t.Fatalf("re-run ERROR->PENDING: ok=%v err=%v", ok, err)
	}
	src, _ = s.GetSourceByID(ctx, "src")
	if src.ErrorMsg != "" {
		t.Fatalf("re-run should clear the error, got %q", src.ErrorMsg)
	}
}

func TestListStaleSources(t *testing.T) {
	ctx := context.Background()
	s := New()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }
	addSource(t, s, "old-pending", "nb", models.StatusPending)
	addSource(t, s, "old-ready", "nb", models.StatusReady)
	s.now = func() time.Time { return base.Add(time.Hour) }
	addSource(t, s, "new-pending", "nb", models.StatusPending)

	stale, err := s.ListStaleSources(ctx, []models.SourceStatus{models.StatusPending, models.StatusProcessing}, base.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("ListStaleSources: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != "old-pending" {
		t.Fatalf("unexpected stale set %+v", stale)
	}
}

func TestChatIsUniquePerNotebookAndUser(t *testing.T) {
	ctx := context.Background()
	s := New()
	a, _ := s.GetOrCreateChat(ctx, "nb", "u1")
	b, _ := s.GetOrCreateChat(ctx, "nb", "u1")
	c, _ := s.GetOrCreateChat(ctx, "nb", "u2")
	if a.ID != b.ID {
		t.Fatalf("same notebook/user must share a chat")
	}
	if a.ID == c.ID {
		t.Fatalf("different users must not share a chat")
	}
}

func TestRecentMessagesExcludeAndOrder(t *testing.T) {
	ctx := context.Background()
	s := New()
	chat, _ := s.GetOrCreateChat(ctx, "nb", "u")
	var last models.Message
	for i := 0; i < 14; i++ {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		last = models.Message{ChatID: chat.ID, Role: role, Content: string(rune('a' + i))}
		if err := s.CreateMessage(ctx, &last); err != nil {
			t.Fatalf("CreateMessage: %v", err)
		}
	}

	recent, _ := s.ListRecentMessages(ctx, chat.ID, last.ID, 10)
	if len(recent) != 10 {
		t.Fatalf("expected 10, got %d", len(recent))
	}
	if recent[0].Content != "d" || recent[9].Content != "m" {
		t.Fatalf("unexpected window %q..%q", recent[0].Content, recent[9].Content)
	}
	for i := 1; i < len(recent); i++ {
		if recent[i].Seq <= recent[i-1].Seq {
			t.Fatalf("messages not ascending")
		}
	}

	page, _ := s.ListMessages(ctx, chat.ID, 50)
	if len(page) != 14 || page[0].Content != "a" {
		t.Fatalf("unexpected history page")
	}
}

func TestDeleteSourceRemovesChunks(t *testing.T) {
	ctx := context.Background()
	s := New()
	addSource(t, s, "src", "nb", models.StatusReady)
	_ = s.ReplaceChunks(ctx, "src", []models.Chunk{chunk("x", 0, 1, 0)})

	if err := s.DeleteSource(ctx, "src"); err != nil {
		t.Fatalf("DeleteSource: %v", err)
	}
	if hits, _ := s.SearchSimilarChunks(ctx, "nb", []float32{1, 0}, 5); len(hits) != 0 {
		t.Fatalf("chunks survived delete: %+v", hits)
	}
	if err := s.DeleteSource(ctx, "src"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("second delete should be not found, got %v", err)
	}
}
