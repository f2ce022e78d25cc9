package models

import (
	"time"
)

type SourceType string

const (
	SourcePDF SourceType = "PDF"
	SourceTXT SourceType = "TXT"
	SourceURL SourceType = "URL"
)

type SourceStatus string

const (
	StatusPending    SourceStatus = "PENDING"
	StatusProcessing SourceStatus = "PROCESSING"
	StatusReady      SourceStatus = "READY"
	StatusError      SourceStatus = "ERROR"
)

// CanTransition reports whether a source may move from one status to another.
// READY and ERROR only go back to PENDING through an explicit re-run.
func CanTransition(from, to SourceStatus) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing
	case StatusProcessing:
		return to == StatusReady || to == StatusError || to == StatusPending
	case StatusReady, StatusError:
		return to == StatusPending
	}
	return false
}

// Notebook is owned by the notebooks collaborator; the core only reads it for ownership checks.
type Notebook struct {
	ID        string    `db:"id" json:"id"`
	UserID    string    `db:"user_id" json:"user_id"`
	Title     string    `db:"title" json:"title"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Source is a user-supplied document (uploaded file or web page) inside a notebook.
type Source struct {
	ID         string       `db:"id" json:"id"`
	NotebookID string       `db:"notebook_id" json:"notebook_id"`
	Type       SourceType   `db:"type" json:"type"`
	Title      string       `db:"title" json:"title"`
	FilePath   string       `db:"file_path" json:"file_path,omitempty"` // object key, empty for URL sources
	URL        string       `db:"url" json:"url,omitempty"`
	Status     SourceStatus `db:"status" json:"status"`
	Content    string       `db:"content" json:"-"`
	ErrorMsg   string       `db:"error_msg" json:"error_msg,omitempty"`
	CreatedAt  time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time    `db:"updated_at" json:"updated_at"`
}

// StatusChange is a compare-and-set on a source's status.
// Content is stored on READY, ErrorMsg on ERROR. Any other target clears ErrorMsg.
type StatusChange struct {
	From     []SourceStatus
	To       SourceStatus
	Content  string
	ErrorMsg string
}

// Chunk is one retrieval unit of a source's text.
type Chunk struct {
	ID        string    `db:"id" json:"id"`
	SourceID  string    `db:"source_id" json:"source_id"`
	Content   string    `db:"content" json:"content"`
	Embedding []float32 `db:"embedding" json:"-"` // pgvector column
	Index     int       `db:"idx" json:"index"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// ScoredChunk is a search hit. Similarity is 1 - cosine distance.
type ScoredChunk struct {
	ID         string  `db:"id" json:"id"`
	Content    string  `db:"content" json:"content"`
	SourceID   string  `db:"source_id" json:"source_id"`
	Similarity float64 `db:"similarity" json:"similarity"`
}

// Chat is the single conversation of a user in a notebook.
type Chat struct {
	ID         string    `db:"id" json:"id"`
	NotebookID string    `db:"notebook_id" json:"notebook_id"`
	UserID     string    `db:"user_id" json:"user_id"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

type MessageRole string

const (
	RoleUser      MessageRole = "USER"
	RoleAssistant MessageRole = "ASSISTANT"
)

type Citation struct {
	SourceID     string `json:"sourceId"`
	SourceTitle  string `json:"sourceTitle"`
	ChunkContent string `json:"chunkContent"`
}

// Message is immutable once written.
type Message struct {
	ID        string      `db:"id" json:"id"`
	ChatID    string      `db:"chat_id" json:"chat_id"`
	Role      MessageRole `db:"role" json:"role"`
	Content   string      `db:"content" json:"content"`
	Citations []Citation  `db:"citations" json:"citations,omitempty"`
	CreatedAt time.Time   `db:"created_at" json:"created_at"`
	Seq       int64       `db:"seq" json:"-"`
}

type ChatEventType string

const (
	EventText  ChatEventType = "text"
	EventDone  ChatEventType = "done"
	EventError ChatEventType = "error"
)

// ChatEvent is one element of a streamed answer.
type ChatEvent struct {
	Type      ChatEventType `json:"type"`
	Content   string        `json:"content,omitempty"`
	Citations []Citation    `json:"citations,omitempty"`
	Message   string        `json:"message,omitempty"`
}
