package fs_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/vectory-io/vectory/pkg/blob"
	"github.com/vectory-io/vectory/pkg/blob/fs"
)

func newStore(t *testing.T) *fs.Store {
	t.Helper()
	store, err := fs.New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return store
}

func TestPutOpenRoundTrip(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	ctx := context.Background()

	const content = "the quick brown fox jumps over the lazy dog"
	n, err := store.Put(ctx, "doc-1", strings.NewReader(content))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if n != int64(len(content)) {
		t.Errorf("Put wrote %d bytes, want %d", n, len(content))
	}

	obj, err := store.Open(ctx, "doc-1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer obj.Close()

	if obj.Size() != int64(len(content)) {
		t.Errorf("Size = %d, want %d", obj.Size(), len(content))
	}
	got, err := io.ReadAll(obj)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != content {
		t.Errorf("read back %q, want %q", got, content)
	}
}

func TestSeekResumesMidObject(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	ctx := context.Background()

	const content = "0123456789"
	if _, err := store.Put(ctx, "doc-2", strings.NewReader(content)); err != nil {
		t.Fatalf("Put: %v", err)
	}

	obj, err := store.Open(ctx, "doc-2")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer obj.Close()

	if _, err := obj.Seek(6, io.SeekStart); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	got, err := io.ReadAll(obj)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != "6789" {
		t.Errorf("read after seek = %q, want \"6789\"", got)
	}
}

func TestPutReplacesExistingObject(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	ctx := context.Background()

	if _, err := store.Put(ctx, "doc-3", strings.NewReader("old")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := store.Put(ctx, "doc-3", strings.NewReader("new contents")); err != nil {
		t.Fatalf("second Put: %v", err)
	}

	obj, err := store.Open(ctx, "doc-3")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer obj.Close()
	got, _ := io.ReadAll(obj)
	if string(got) != "new contents" {
		t.Errorf("read back %q, want replacement contents", got)
	}
}

func TestOpenAndDeleteMissing(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	ctx := context.Background()

	if _, err := store.Open(ctx, "nope"); !errors.Is(err, blob.ErrNotFound) {
		t.Errorf("Open missing = %v, want ErrNotFound", err)
	}
	if err := store.Delete(ctx, "nope"); !errors.Is(err, blob.ErrNotFound) {
		t.Errorf("Delete missing = %v, want ErrNotFound", err)
	}
}

func TestDeleteRemovesObject(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	ctx := context.Background()

	if _, err := store.Put(ctx, "doc-4", strings.NewReader("bytes")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := store.Delete(ctx, "doc-4"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Open(ctx, "doc-4"); !errors.Is(err, blob.ErrNotFound) {
		t.Errorf("Open after delete = %v, want ErrNotFound", err)
	}
}

func TestHandleCannotEscapeRoot(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	ctx := context.Background()

	// A traversal handle resolves to its final path element inside the root.
	if _, err := store.Put(ctx, "../../etc/passwd", strings.NewReader("x")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	obj, err := store.Open(ctx, "passwd")
	if err != nil {
		t.Fatalf("Open by base name: %v", err)
	}
	obj.Close()
}
