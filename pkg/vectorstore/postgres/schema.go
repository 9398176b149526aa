// Package postgres provides a PostgreSQL-backed implementation of
// [vectorstore.Store] using the pgvector extension.
//
// Collections and their records share a single [pgxpool.Pool]. The pgvector
// extension must be available in the target database; [Migrate] installs it
// automatically via CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, 1536)
//	if err != nil { … }
//	defer store.Close()
//
//	report, _ := store.BulkInsert(ctx, collID, records)
//	hits, _ := store.Search(ctx, collID, queryVec, 10)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlCollections = `
CREATE TABLE IF NOT EXISTS collections (
    id            UUID         PRIMARY KEY DEFAULT gen_random_uuid(),
    name          TEXT         NOT NULL UNIQUE,
    description   TEXT         NOT NULL DEFAULT '',
    dimension     INTEGER      NOT NULL,
    metric        TEXT         NOT NULL DEFAULT 'cosine',
    vector_count  BIGINT       NOT NULL DEFAULT 0,
    created_at    TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at    TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_collections_name ON collections (name);
`

// ddlVectorRecords returns the records DDL with the embedding dimension
// substituted. The vector dimension is baked into the column type at schema
// creation time.
func ddlVectorRecords(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS vector_records (
    id             UUID         PRIMARY KEY,
    collection_id  UUID         NOT NULL REFERENCES collections (id) ON DELETE CASCADE,
    embedding      vector(%d),
    metadata       JSONB        NOT NULL DEFAULT '{}',
    text_content   TEXT         NOT NULL,
    source_file    TEXT         NOT NULL DEFAULT '',
    chunk_index    INTEGER      NOT NULL DEFAULT 0,
    fingerprint    TEXT         NOT NULL DEFAULT '',
    created_at     TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_vector_records_collection
    ON vector_records (collection_id);

CREATE INDEX IF NOT EXISTS idx_vector_records_fingerprint
    ON vector_records (collection_id, fingerprint);

CREATE INDEX IF NOT EXISTS idx_vector_records_embedding
    ON vector_records USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate creates or ensures all required tables, extensions, and indexes
// exist. It is idempotent and safe to call on every application start.
//
// embeddingDimensions must match the vector model configured for the
// deployment (e.g., 1536 for OpenAI text-embedding-3-small). Changing this
// value after the first migration requires a manual schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	statements := []string{
		ddlCollections,
		ddlVectorRecords(embeddingDimensions),
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
