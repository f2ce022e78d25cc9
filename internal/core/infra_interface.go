package core

import (
	"context"
	"io"
	"time"

	"github.com/markdave123-py/lumen/internal/models"
)

// DbClient defines all persistence operations the services need.
// It abstracts Postgres/pgvector so higher layers never depend on a specific DB.
// Getters return (nil, nil) when the row does not exist.
type DbClient interface {
	GetNotebookByID(ctx context.Context, id string) (*models.Notebook, error)

	CreateSource(ctx context.Context, src *models.Source) error
	GetSourceByID(ctx context.Context, id string) (*models.Source, error)
	ListSourcesByNotebook(ctx context.Context, notebookID string) ([]models.Source, error)
	ListStaleSources(ctx context.Context, statuses []models.SourceStatus, updatedBefore time.Time) ([]models.Source, error)
	GetSourceTitles(ctx context.Context, ids []string) (map[string]string, error)
	// TransitionSource applies change only if the current status is one of change.From.
	TransitionSource(ctx context.Context, id string, change models.StatusChange) (bool, error)
	DeleteSource(ctx context.Context, id string) error

	// ReplaceChunks atomically swaps the full chunk set of a source.
	ReplaceChunks(ctx context.Context, sourceID string, chunks []models.Chunk) error
	GetChunksBySource(ctx context.Context, sourceID string) ([]models.Chunk, error)
	SearchSimilarChunks(ctx context.Context, notebookID string, queryVec []float32, limit int) ([]models.ScoredChunk, error)

	GetOrCreateChat(ctx context.Context, notebookID, userID string) (*models.Chat, error)
	CreateMessage(ctx context.Context, msg *models.Message) error
	// ListRecentMessages returns the newest limit messages except excludeID, oldest first.
	ListRecentMessages(ctx context.Context, chatID, excludeID string, limit int) ([]models.Message, error)
	// ListMessages returns the first limit messages, oldest first.
	ListMessages(ctx context.Context, chatID string, limit int) ([]models.Message, error)

	Close() error
}

// ObjectClient stores uploaded source files. Keys are relative to the client's bucket or root.
type ObjectClient interface {
	UploadFile(ctx context.Context, key string, data io.Reader, contentType string) (location string, err error)
	DeleteFile(ctx context.Context, key string) error
	GetFile(ctx context.Context, key string) ([]byte, error)
}

// ContentExtractor turns a source into plain text.
type ContentExtractor interface {
	Extract(ctx context.Context, src *models.Source) (string, error)
}

// SourceLocker serialises ingestion runs of the same source.
type SourceLocker interface {
	Lock(ctx context.Context, sourceID string) (unlock func(), err error)
}

// IngestDispatcher hands a source to the background ingestion runner.
type IngestDispatcher interface {
	Enqueue(ctx context.Context, sourceID string) error
}

// SourceProcessor runs one ingestion cycle for a source.
type SourceProcessor interface {
	ProcessOne(ctx context.Context, sourceID string) error
}
