package health

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/vectory-io/vectory/pkg/blob"
	"github.com/vectory-io/vectory/pkg/blob/fs"
	storemock "github.com/vectory-io/vectory/pkg/vectorstore/mock"
)

func TestBlobStoreChecker_HealthyBackend(t *testing.T) {
	store, err := fs.New(t.TempDir())
	if err != nil {
		t.Fatalf("fs.New: %v", err)
	}

	c := BlobStore(store)
	if c.Name != "blob" {
		t.Errorf("name = %q, want %q", c.Name, "blob")
	}
	// The probe handle does not exist; ErrNotFound still means healthy.
	if err := c.Check(context.Background()); err != nil {
		t.Errorf("check failed on healthy backend: %v", err)
	}
}

func TestBlobStoreChecker_UnreachableBackend(t *testing.T) {
	c := BlobStore(failingBlob{})
	if err := c.Check(context.Background()); err == nil {
		t.Error("expected error from unreachable backend")
	}
}

func TestVectorStoreChecker(t *testing.T) {
	c := VectorStore(storemock.New())
	if c.Name != "vectorstore" {
		t.Errorf("name = %q, want %q", c.Name, "vectorstore")
	}
	if err := c.Check(context.Background()); err != nil {
		t.Errorf("check failed on healthy store: %v", err)
	}
}

// failingBlob simulates a backend whose transport is down.
type failingBlob struct{}

func (failingBlob) Open(context.Context, string) (blob.Object, error) {
	return nil, errors.New("connection refused")
}

func (failingBlob) Put(context.Context, string, io.Reader) (int64, error) {
	return 0, errors.New("connection refused")
}

func (failingBlob) Delete(context.Context, string) error {
	return errors.New("connection refused")
}
