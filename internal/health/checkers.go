package health

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vectory-io/vectory/pkg/blob"
	"github.com/vectory-io/vectory/pkg/vectorstore"
)

// Postgres returns a checker that pings the connection pool.
func Postgres(pool *pgxpool.Pool) Checker {
	return Checker{
		Name: "postgres",
		Check: func(ctx context.Context) error {
			return pool.Ping(ctx)
		},
	}
}

// VectorStore returns a checker that verifies the vector store answers
// queries by listing collections.
func VectorStore(store vectorstore.Store) Checker {
	return Checker{
		Name: "vectorstore",
		Check: func(ctx context.Context) error {
			if _, err := store.ListCollections(ctx); err != nil {
				return fmt.Errorf("list collections: %w", err)
			}
			return nil
		},
	}
}

// BlobStore returns a checker that probes the upload store with a
// well-known missing handle. Any error other than [blob.ErrNotFound]
// means the backend itself is unreachable.
func BlobStore(store blob.Store) Checker {
	return Checker{
		Name: "blob",
		Check: func(ctx context.Context) error {
			obj, err := store.Open(ctx, "healthz-probe")
			if err == nil {
				obj.Close()
				return nil
			}
			if errors.Is(err, blob.ErrNotFound) {
				return nil
			}
			return err
		},
	}
}
