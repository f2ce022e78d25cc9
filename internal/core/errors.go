package core

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrForbidden         = errors.New("forbidden")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrQueueFull         = errors.New("ingestion queue is full")
)

type ExtractionKind string

const (
	ExtractParseFailed ExtractionKind = "PARSE_FAILED"
	ExtractIO          ExtractionKind = "IO"
	ExtractFetchFailed ExtractionKind = "FETCH_FAILED"
	ExtractEmpty       ExtractionKind = "EMPTY"
)

// ExtractionError is returned by content extractors.
type ExtractionError struct {
	Kind ExtractionKind
	Msg  string
	Err  error
}

func (e *ExtractionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("extraction %s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("extraction %s: %s", e.Kind, e.Msg)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

func NewExtractionError(kind ExtractionKind, msg string, err error) *ExtractionError {
	return &ExtractionError{Kind: kind, Msg: msg, Err: err}
}

type EmbeddingKind string

const (
	EmbedProviderError EmbeddingKind = "PROVIDER_ERROR"
	EmbedTimeout       EmbeddingKind = "TIMEOUT"
)

type EmbeddingError struct {
	Kind EmbeddingKind
	Msg  string
	Err  error
}

func (e *EmbeddingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("embedding %s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("embedding %s: %s", e.Kind, e.Msg)
}

func (e *EmbeddingError) Unwrap() error { return e.Err }

type StreamKind string

const (
	StreamProviderError StreamKind = "PROVIDER_ERROR"
	StreamNetwork       StreamKind = "NETWORK"
)

// StreamError ends a chat stream after it started.
type StreamError struct {
	Kind StreamKind
	Err  error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream %s: %v", e.Kind, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }
