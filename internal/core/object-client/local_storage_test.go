package objectclient

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/markdave123-py/lumen/internal/core"
)

func TestLocalStorageRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStorage: %v", err)
	}

	key := "notebooks/nb/sources/abc.txt"
	url, err := store.UploadFile(ctx, key, strings.NewReader("hello"), "text/plain")
	if err != nil {
		t.Fatalf("UploadFile: %v", err)
	}
	if !strings.HasPrefix(url, "file://") {
		t.Fatalf("unexpected url %q", url)
	}
	got, err := store.GetFile(ctx, key)
	if err != nil || string(got) != "hello" {
		t.Fatalf("GetFile = %q, %v", got, err)
	}

	if err := store.DeleteFile(ctx, key); err != nil {
		t.Fatalf("DeleteFile: %v", err)
	}
	if err := store.DeleteFile(ctx, key); err != nil {
		t.Fatalf("deleting a missing object should be a no-op, got %v", err)
	}
	if _, err := store.GetFile(ctx, key); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLocalStorageRejectsEscapingKeys(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStorage: %v", err)
	}
	// Cleaning against "/" keeps "../" keys inside the root, so only empty keys fail here.
	for _, key := range []string{"", "/", "."} {
		if _, err := store.UploadFile(context.Background(), key, strings.NewReader("x"), ""); !errors.Is(err, core.ErrInvalidInput) {
			t.Fatalf("key %q: expected ErrInvalidInput, got %v", key, err)
		}
	}
	if _, err := store.UploadFile(context.Background(), "../../etc/evil", strings.NewReader("x"), ""); err != nil {
		t.Fatalf("UploadFile: %v", err)
	}
	got, err := store.GetFile(context.Background(), "etc/evil")
	if err != nil || string(got) != "x" {
		t.Fatalf("traversal key was not confined to the root: %q, %v", got, err)
	}
}
