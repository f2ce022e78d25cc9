package services

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/markdave123-py/lumen/internal/core"
	"github.com/markdave123-py/lumen/internal/core/memstore"
	"github.com/markdave123-py/lumen/internal/logger"
	"github.com/markdave123-py/lumen/internal/models"
)

type memObjects struct {
	mu      sync.Mutex
	files   map[string][]byte
	deleted []string
}

func newMemObjects() *memObjects { return &memObjects{files: map[string][]byte{}} }

func (m *memObjects) UploadFile(_ context.Context, key string, r io.Reader, _ string) (string, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[key] = b
	return "mem://" + key, nil
}

func (m *memObjects) DeleteFile(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, key)
	m.deleted = append(m.deleted, key)
	return nil
}

func (m *memObjects) GetFile(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.files[key]
	if !ok {
		return nil, core.ErrNotFound
	}
	return b, nil
}

type recordingDispatcher struct {
	ids []string
	err error
}

func (d *recordingDispatcher) Enqueue(_ context.Context, id string) error {
	d.ids = append(d.ids, id)
	return d.err
}

func newSourceFixture() (*SourceService, *memstore.Store, *memObjects, *recordingDispatcher) {
	store := memstore.New()
	store.PutNotebook(models.Notebook{ID: "nb", UserID: "u1"})
	objs := newMemObjects()
	disp := &recordingDispatcher{}
	return NewSourceService(store, objs, disp, 1024, logger.Nop()), store, objs, disp
}

func TestAddFileSourceStoresAndQueues(t *testing.T) {
	svc, store, objs, disp := newSourceFixture()
	ctx := context.Background()

	src, err := svc.AddFileSource(ctx, "nb", FileUpload{Name: "Report.PDF", ContentType: "application/octet-stream", Size: 5, Reader: strings.NewReader("%PDF-")})
	if err != nil {
		t.Fatalf("AddFileSource: %v", err)
	}
	if src.Type != models.SourcePDF || src.Status != models.StatusPending || src.Title != "Report.PDF" {
		t.Fatalf("unexpected source %+v", src)
	}
	if !strings.HasPrefix(src.FilePath, "notebooks/nb/sources/") || !strings.HasSuffix(src.FilePath, ".pdf") {
		t.Fatalf("unexpected key %q", src.FilePath)
	}
	if _, ok := objs.files[src.FilePath]; !ok {
		t.Fatalf("file was not stored")
	}
	if len(disp.ids) != 1 || disp.ids[0] != src.ID {
		t.Fatalf("source not dispatched: %v", disp.ids)
	}
	if got, _ := store.GetSourceByID(ctx, src.ID); got == nil {
		t.Fatalf("source row missing")
	}

	txt, err := svc.AddFileSource(ctx, "nb", FileUpload{Name: "notes.md", ContentType: "text/markdown", Size: 2, Reader: strings.NewReader("# a")})
	if err != nil || txt.Type != models.SourceTXT {
		t.Fatalf("markdown upload: %+v, %v", txt, err)
	}
}

func TestAddFileSourceValidation(t *testing.T) {
	svc, _, _, disp := newSourceFixture()
	cases := []FileUpload{
		{Name: "", Reader: strings.NewReader("x")},
		{Name: "big.txt", Size: 4096, Reader: strings.NewReader("x")},
	}
	for _, f := range cases {
		if _, err := svc.AddFileSource(context.Background(), "nb", f); !errors.Is(err, core.ErrInvalidInput) {
			t.Fatalf("%+v: expected ErrInvalidInput, got %v", f, err)
		}
	}
	if len(disp.ids) != 0 {
		t.Fatalf("invalid uploads must not be queued")
	}
}

func TestAddURLSource(t *testing.T) {
	svc, _, _, disp := newSourceFixture()
	src, err := svc.AddURLSource(context.Background(), "nb", " https://example.com/sky ", "")
	if err != nil {
		t.Fatalf("AddURLSource: %v", err)
	}
	if src.Type != models.SourceURL || src.Title != "https://example.com/sky" || src.URL != "https://example.com/sky" {
		t.Fatalf("unexpected source %+v", src)
	}
	if len(disp.ids) != 1 {
		t.Fatalf("url source not dispatched")
	}
	for _, bad := range []string{"", "ftp://example.com", "example.com/page", "http://"} {
		if _, err := svc.AddURLSource(context.Background(), "nb", bad, ""); !errors.Is(err, core.ErrInvalidInput) {
			t.Fatalf("%q: expected ErrInvalidInput, got %v", bad, err)
		}
	}
}

func TestQueueFailureStillReturnsPendingSource(t *testing.T) {
	svc, _, _, disp := newSourceFixture()
	disp.err = core.ErrQueueFull
	src, err := svc.AddURLSource(context.Background(), "nb", "https://example.com", "Example")
	if err != nil {
		t.Fatalf("a full queue must not fail the request: %v", err)
	}
	if src.Status != models.StatusPending {
		t.Fatalf("status = %s", src.Status)
	}
}

func TestReprocessSource(t *testing.T) {
	svc, store, _, disp := newSourceFixture()
	ctx := context.Background()
	src, _ := svc.AddURLSource(ctx, "nb", "https://example.com", "")

	if _, err := svc.ReprocessSource(ctx, "nb", src.ID); !errors.Is(err, core.ErrInvalidTransition) {
		t.Fatalf("a PENDING source cannot be reprocessed, got %v", err)
	}

	_, _ = store.TransitionSource(ctx, src.ID, models.StatusChange{From: []models.SourceStatus{models.StatusPending}, To: models.StatusProcessing})
	_, _ = store.TransitionSource(ctx, src.ID, models.StatusChange{From: []models.SourceStatus{models.StatusProcessing}, To: models.StatusError, ErrorMsg: "FETCH_FAILED"})

	got, err := svc.ReprocessSource(ctx, "nb", src.ID)
	if err != nil {
		t.Fatalf("ReprocessSource: %v", err)
	}
	if got.Status != models.StatusPending || got.ErrorMsg != "" {
		t.Fatalf("unexpected source after reprocess %+v", got)
	}
	if len(disp.ids) != 2 {
		t.Fatalf("reprocess did not dispatch: %v", disp.ids)
	}
	if _, err := svc.ReprocessSource(ctx, "other-nb", src.ID); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("cross-notebook access should be not found, got %v", err)
	}
}

func TestRemoveSourceDeletesFileAndRow(t *testing.T) {
	svc, store, objs, _ := newSourceFixture()
	ctx := context.Background()
	src, _ := svc.AddFileSource(ctx, "nb", FileUpload{Name: "a.txt", Size: 1, Reader: strings.NewReader("a")})

	if err := svc.RemoveSource(ctx, "nb", src.ID); err != nil {
		t.Fatalf("RemoveSource: %v", err)
	}
	if len(objs.deleted) != 1 || objs.deleted[0] != src.FilePath {
		t.Fatalf("stored file not deleted: %v", objs.deleted)
	}
	if got, _ := store.GetSourceByID(ctx, src.ID); got != nil {
		t.Fatalf("row survived delete")
	}
	if err := svc.RemoveSource(ctx, "nb", src.ID); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
