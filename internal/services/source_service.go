package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/markdave123-py/lumen/internal/core"
	"github.com/markdave123-py/lumen/internal/logger"
	"github.com/markdave123-py/lumen/internal/models"
)

// FileUpload is a file received from a client, not yet stored.
type FileUpload struct {
	Name        string
	ContentType string
	Size        int64
	Reader      io.Reader
}

// SourceService registers sources and hands them to the ingestion dispatcher.
type SourceService struct {
	db         core.DbClient
	storage    core.ObjectClient
	dispatcher core.IngestDispatcher
	maxUpload  int64
	log        *logger.Logger
}

func NewSourceService(db core.DbClient, storage core.ObjectClient, dispatcher core.IngestDispatcher, maxUpload int64, log *logger.Logger) *SourceService {
	return &SourceService{db: db, storage: storage, dispatcher: dispatcher, maxUpload: maxUpload, log: log}
}

// AddFileSource stores the file, records a PENDING source and schedules its ingestion.
// The caller gets the source back immediately; progress is visible through its status.
func (s *SourceService) AddFileSource(ctx context.Context, notebookID string, file FileUpload) (*models.Source, error) {
	name := strings.TrimSpace(file.Name)
	if name == "" || file.Reader == nil {
		return nil, fmt.Errorf("file is required: %w", core.ErrInvalidInput)
	}
	if s.maxUpload > 0 && file.Size > s.maxUpload {
		return nil, fmt.Errorf("file is larger than %d bytes: %w", s.maxUpload, core.ErrInvalidInput)
	}

	srcType := models.SourceTXT
	if isPDF(name, file.ContentType) {
		srcType = models.SourcePDF
	}
	contentType := file.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	id := uuid.NewString()
	key := objectKey(notebookID, id, name)
	body := file.Reader
	if s.maxUpload > 0 {
		body = io.LimitReader(file.Reader, s.maxUpload)
	}
	if _, err := s.storage.UploadFile(ctx, key, body, contentType); err != nil {
		return nil, fmt.Errorf("store file: %w", err)
	}

	src := &models.Source{
		ID:         id,
		NotebookID: notebookID,
		Type:       srcType,
		Title:      name,
		FilePath:   key,
		Status:     models.StatusPending,
	}
	if err := s.db.CreateSource(ctx, src); err != nil {
		if delErr := s.storage.DeleteFile(context.WithoutCancel(ctx), key); delErr != nil {
			s.log.Warn("orphaned upload not removed", "key", key, "err", delErr)
		}
		return nil, fmt.Errorf("create source: %w", err)
	}
	s.dispatch(ctx, src)
	return src, nil
}

// AddURLSource records a PENDING web source. The title defaults to the URL.
func (s *SourceService) AddURLSource(ctx context.Context, notebookID, rawURL, title string) (*models.Source, error) {
	rawURL = strings.TrimSpace(rawURL)
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("url must be an absolute http(s) url: %w", core.ErrInvalidInput)
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = rawURL
	}

	src := &models.Source{
		ID:         uuid.NewString(),
		NotebookID: notebookID,
		Type:       models.SourceURL,
		Title:      title,
		URL:        rawURL,
		Status:     models.StatusPending,
	}
	if err := s.db.CreateSource(ctx, src); err != nil {
		return nil, fmt.Errorf("create source: %w", err)
	}
	s.dispatch(ctx, src)
	return src, nil
}

// dispatch never fails the request: a source that could not be queued stays PENDING
// and is picked up by the reconciler.
func (s *SourceService) dispatch(ctx context.Context, src *models.Source) {
	if err := s.dispatcher.Enqueue(ctx, src.ID); err != nil {
		s.log.Warn("ingestion not queued, left for reconciler", "source_id", src.ID, "err", err)
		return
	}
	s.log.Info("source queued for ingestion", "source_id", src.ID, "notebook_id", src.NotebookID, "type", string(src.Type))
}

func (s *SourceService) GetSource(ctx context.Context, notebookID, sourceID string) (*models.Source, error) {
	src, err := s.db.GetSourceByID(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	if src == nil || src.NotebookID != notebookID {
		return nil, core.ErrNotFound
	}
	return src, nil
}

func (s *SourceService) ListSources(ctx context.Context, notebookID string) ([]models.Source, error) {
	out, err := s.db.ListSourcesByNotebook(ctx, notebookID)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []models.Source{}
	}
	return out, nil
}

// ReprocessSource starts a fresh ingestion cycle for a READY or ERROR source.
func (s *SourceService) ReprocessSource(ctx context.Context, notebookID, sourceID string) (*models.Source, error) {
	if _, err := s.GetSource(ctx, notebookID, sourceID); err != nil {
		return nil, err
	}
	ok, err := s.db.TransitionSource(ctx, sourceID, models.StatusChange{
		From: []models.SourceStatus{models.StatusReady, models.StatusError},
		To:   models.StatusPending,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("source is already being ingested: %w", core.ErrInvalidTransition)
	}
	src, err := s.GetSource(ctx, notebookID, sourceID)
	if err != nil {
		return nil, err
	}
	s.dispatch(ctx, src)
	return src, nil
}

// RemoveSource deletes the stored file and then the source row with its chunks.
func (s *SourceService) RemoveSource(ctx context.Context, notebookID, sourceID string) error {
	src, err := s.GetSource(ctx, notebookID, sourceID)
	if err != nil {
		return err
	}
	if src.FilePath != "" {
		if err := s.storage.DeleteFile(ctx, src.FilePath); err != nil && !errors.Is(err, core.ErrNotFound) {
			return fmt.Errorf("delete stored file: %w", err)
		}
	}
	if err := s.db.DeleteSource(ctx, sourceID); err != nil {
		return err
	}
	s.log.Info("source removed", "source_id", sourceID, "notebook_id", notebookID)
	return nil
}

func isPDF(name, contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	return ct == "application/pdf" || strings.EqualFold(path.Ext(name), ".pdf")
}

// objectKey keeps the original extension so extractors can tell markdown from plain text.
func objectKey(notebookID, sourceID, filename string) string {
	ext := strings.ToLower(path.Ext(strings.ReplaceAll(filename, "\\", "/")))
	if len(ext) > 10 || strings.ContainsAny(ext, " /") {
		ext = ""
	}
	return path.Join("notebooks", notebookID, "sources", sourceID+ext)
}
