package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/vectory-io/vectory/pkg/vectorstore"
)

// Compile-time interface check.
var _ vectorstore.Store = (*Store)(nil)

// Store is the PostgreSQL-backed vector store. It holds a single
// [pgxpool.Pool] and an in-process reference count of bookkeeping
// suspensions per collection.
//
// All operations are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool

	// mu guards suspended. A collection with a positive count has its
	// per-row vector_count maintenance deferred until RefreshCount.
	mu        sync.Mutex
	suspended map[uuid.UUID]int
}

// NewStore creates a new Store, establishes a connection pool to the
// PostgreSQL database at dsn, registers pgvector types on every connection,
// and runs [Migrate] to ensure all required tables and extensions exist.
//
// embeddingDimensions must match the output dimension of the embedding model
// used to produce record embeddings (e.g., 1536 for text-embedding-3-small).
func NewStore(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	// Register pgvector types on every new connection so that vector columns
	// can be scanned into and inserted from pgvector.Vector values.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{
		pool:      pool,
		suspended: make(map[uuid.UUID]int),
	}, nil
}

// Close releases all connections held by the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping probes the database connection, for readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// ─── Collections ─────────────────────────────────────────────────────────────

// CreateCollection implements [vectorstore.Store].
func (s *Store) CreateCollection(ctx context.Context, c *vectorstore.Collection) error {
	if c.Name == "" {
		return fmt.Errorf("postgres store: collection name must not be empty")
	}
	if c.Dimension <= 0 {
		return fmt.Errorf("postgres store: collection dimension must be positive, got %d", c.Dimension)
	}
	if c.Metric == "" {
		c.Metric = vectorstore.MetricCosine
	}

	const q = `
		INSERT INTO collections (name, description, dimension, metric)
		VALUES ($1, $2, $3, $4)
		RETURNING id, vector_count, created_at, updated_at`

	err := s.pool.QueryRow(ctx, q, c.Name, c.Description, c.Dimension, c.Metric).
		Scan(&c.ID, &c.VectorCount, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return vectorstore.ErrCollectionExists
		}
		return fmt.Errorf("postgres store: create collection: %w", err)
	}
	return nil
}

// GetCollection implements [vectorstore.Store].
func (s *Store) GetCollection(ctx context.Context, id uuid.UUID) (*vectorstore.Collection, error) {
	const q = `
		SELECT id, name, description, dimension, metric, vector_count, created_at, updated_at
		FROM   collections
		WHERE  id = $1`

	var c vectorstore.Collection
	err := s.pool.QueryRow(ctx, q, id).Scan(
		&c.ID, &c.Name, &c.Description, &c.Dimension, &c.Metric,
		&c.VectorCount, &c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, vectorstore.ErrCollectionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: get collection: %w", err)
	}
	return &c, nil
}

// ListCollections implements [vectorstore.Store].
func (s *Store) ListCollections(ctx context.Context) ([]vectorstore.Collection, error) {
	const q = `
		SELECT id, name, description, dimension, metric, vector_count, created_at, updated_at
		FROM   collections
		ORDER  BY created_at`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list collections: %w", err)
	}

	cols, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (vectorstore.Collection, error) {
		var c vectorstore.Collection
		err := row.Scan(
			&c.ID, &c.Name, &c.Description, &c.Dimension, &c.Metric,
			&c.VectorCount, &c.CreatedAt, &c.UpdatedAt,
		)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan collections: %w", err)
	}
	if cols == nil {
		cols = []vectorstore.Collection{}
	}
	return cols, nil
}

// DeleteCollection implements [vectorstore.Store]. Records are removed by
// the ON DELETE CASCADE constraint.
func (s *Store) DeleteCollection(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM collections WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres store: delete collection: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return vectorstore.ErrCollectionNotFound
	}

	s.mu.Lock()
	delete(s.suspended, id)
	s.mu.Unlock()
	return nil
}

// ─── Bulk writes and bookkeeping ─────────────────────────────────────────────

// BulkInsert implements [vectorstore.Store]. Dimension mismatches and empty
// texts are rejected record-by-record before the write; the surviving group
// is bulk-loaded in a single COPY. Unless the collection's bookkeeping is
// suspended, the collection vector count is bumped once per group.
func (s *Store) BulkInsert(ctx context.Context, collectionID uuid.UUID, records []vectorstore.Record) (vectorstore.WriteReport, error) {
	coll, err := s.GetCollection(ctx, collectionID)
	if err != nil {
		return vectorstore.WriteReport{}, err
	}

	var report vectorstore.WriteReport
	accepted := make([]vectorstore.Record, 0, len(records))
	for _, r := range records {
		switch {
		case len(r.Embedding) != coll.Dimension:
			report.Rejected = append(report.Rejected, vectorstore.Rejection{
				ChunkIndex: r.ChunkIndex,
				Reason:     fmt.Sprintf("dimension mismatch: got %d, want %d", len(r.Embedding), coll.Dimension),
			})
		case r.Text == "":
			report.Rejected = append(report.Rejected, vectorstore.Rejection{
				ChunkIndex: r.ChunkIndex,
				Reason:     "empty text content",
			})
		default:
			if r.ID == uuid.Nil {
				r.ID = uuid.New()
			}
			r.CollectionID = collectionID
			accepted = append(accepted, r)
		}
	}

	if len(accepted) == 0 {
		return report, nil
	}

	_, err = s.pool.CopyFrom(ctx,
		pgx.Identifier{"vector_records"},
		[]string{"id", "collection_id", "embedding", "metadata", "text_content", "source_file", "chunk_index", "fingerprint"},
		pgx.CopyFromSlice(len(accepted), func(i int) ([]any, error) {
			r := accepted[i]
			md := r.Metadata
			if md == nil {
				md = map[string]any{}
			}
			return []any{
				r.ID, r.CollectionID, pgvector.NewVector(r.Embedding),
				md, r.Text, r.SourceFile, r.ChunkIndex, r.Fingerprint,
			}, nil
		}),
	)
	if err != nil {
		return report, fmt.Errorf("postgres store: bulk insert: %w", err)
	}
	report.Accepted = len(accepted)

	if !s.isSuspended(collectionID) {
		const q = `UPDATE collections SET vector_count = vector_count + $2, updated_at = now() WHERE id = $1`
		if _, err := s.pool.Exec(ctx, q, collectionID, len(accepted)); err != nil {
			return report, fmt.Errorf("postgres store: bump vector count: %w", err)
		}
	}
	return report, nil
}

// SuspendBookkeeping implements [vectorstore.Store].
func (s *Store) SuspendBookkeeping(ctx context.Context, collectionID uuid.UUID) error {
	if _, err := s.GetCollection(ctx, collectionID); err != nil {
		return err
	}
	s.mu.Lock()
	s.suspended[collectionID]++
	s.mu.Unlock()
	return nil
}

// ResumeBookkeeping implements [vectorstore.Store]. Resuming a collection
// that was never suspended is an error: it indicates an unbalanced bracket.
func (s *Store) ResumeBookkeeping(_ context.Context, collectionID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.suspended[collectionID]
	if !ok || n <= 0 {
		return fmt.Errorf("postgres store: resume bookkeeping for %s without matching suspend", collectionID)
	}
	if n == 1 {
		delete(s.suspended, collectionID)
	} else {
		s.suspended[collectionID] = n - 1
	}
	return nil
}

// RefreshCount implements [vectorstore.Store].
func (s *Store) RefreshCount(ctx context.Context, collectionID uuid.UUID) (int64, error) {
	const q = `
		UPDATE collections
		SET    vector_count = (SELECT count(*) FROM vector_records WHERE collection_id = $1),
		       updated_at   = now()
		WHERE  id = $1
		RETURNING vector_count`

	var count int64
	err := s.pool.QueryRow(ctx, q, collectionID).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, vectorstore.ErrCollectionNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("postgres store: refresh count: %w", err)
	}
	return count, nil
}

func (s *Store) isSuspended(collectionID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suspended[collectionID] > 0
}

// ─── Search ──────────────────────────────────────────────────────────────────

// Search implements [vectorstore.Store]. Results are ordered by ascending
// distance under the collection's configured metric (most similar first).
func (s *Store) Search(ctx context.Context, collectionID uuid.UUID, embedding []float32, topK int) ([]vectorstore.SearchResult, error) {
	coll, err := s.GetCollection(ctx, collectionID)
	if err != nil {
		return nil, err
	}
	if len(embedding) != coll.Dimension {
		return nil, fmt.Errorf("postgres store: search: query dimension %d does not match collection dimension %d",
			len(embedding), coll.Dimension)
	}
	if topK <= 0 {
		topK = 10
	}

	op := "<=>"
	switch coll.Metric {
	case vectorstore.MetricL2:
		op = "<->"
	case vectorstore.MetricInnerProd:
		op = "<#>"
	}

	q := fmt.Sprintf(`
		SELECT id, collection_id, embedding, metadata, text_content,
		       source_file, chunk_index, fingerprint, created_at,
		       embedding %s $1 AS distance
		FROM   vector_records
		WHERE  collection_id = $2
		ORDER  BY distance
		LIMIT  $3`, op)

	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(embedding), collectionID, topK)
	if err != nil {
		return nil, fmt.Errorf("postgres store: search: %w", err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (vectorstore.SearchResult, error) {
		var (
			sr  vectorstore.SearchResult
			vec pgvector.Vector
		)
		if err := row.Scan(
			&sr.Record.ID,
			&sr.Record.CollectionID,
			&vec,
			&sr.Record.Metadata,
			&sr.Record.Text,
			&sr.Record.SourceFile,
			&sr.Record.ChunkIndex,
			&sr.Record.Fingerprint,
			&sr.Record.CreatedAt,
			&sr.Distance,
		); err != nil {
			return vectorstore.SearchResult{}, err
		}
		sr.Record.Embedding = vec.Slice()
		return sr, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan search rows: %w", err)
	}
	for i := range results {
		results[i].Score = vectorstore.ScoreForDistance(coll.Metric, results[i].Distance)
	}
	if results == nil {
		results = []vectorstore.SearchResult{}
	}
	return results, nil
}

// isUniqueViolation reports whether err is a PostgreSQL unique-constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
