// Package fs provides a local-filesystem implementation of [blob.Store].
//
// Objects live as flat files under a single root directory. Handles are
// sanitised to their final path element so a crafted handle cannot escape
// the root.
package fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/vectory-io/vectory/pkg/blob"
)

// Store is a [blob.Store] backed by a directory on the local filesystem.
type Store struct {
	root string
}

// Compile-time interface check.
var _ blob.Store = (*Store)(nil)

// New creates a Store rooted at dir, creating the directory if needed.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("fs blob store: root directory must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("fs blob store: create root %q: %w", dir, err)
	}
	return &Store{root: dir}, nil
}

// path maps a handle to a file path inside the root. Only the final path
// element of the handle is used.
func (s *Store) path(handle string) string {
	return filepath.Join(s.root, filepath.Base(filepath.Clean("/"+handle)))
}

// object wraps an *os.File with its stat size.
type object struct {
	*os.File
	size int64
}

func (o *object) Size() int64 { return o.size }

// Open implements [blob.Store].
func (s *Store) Open(_ context.Context, handle string) (blob.Object, error) {
	f, err := os.Open(s.path(handle))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, blob.ErrNotFound
		}
		return nil, fmt.Errorf("fs blob store: open %q: %w", handle, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("fs blob store: stat %q: %w", handle, err)
	}
	return &object{File: f, size: info.Size()}, nil
}

// Put implements [blob.Store]. The object is written to a temporary file and
// renamed into place so readers never observe a partial write.
func (s *Store) Put(_ context.Context, handle string, r io.Reader) (int64, error) {
	tmp, err := os.CreateTemp(s.root, ".upload-*")
	if err != nil {
		return 0, fmt.Errorf("fs blob store: create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, fmt.Errorf("fs blob store: write %q: %w", handle, err)
	}

	if err := os.Rename(tmp.Name(), s.path(handle)); err != nil {
		return 0, fmt.Errorf("fs blob store: rename %q: %w", handle, err)
	}
	return n, nil
}

// Delete implements [blob.Store].
func (s *Store) Delete(_ context.Context, handle string) error {
	err := os.Remove(s.path(handle))
	if errors.Is(err, os.ErrNotExist) {
		return blob.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("fs blob store: delete %q: %w", handle, err)
	}
	return nil
}
