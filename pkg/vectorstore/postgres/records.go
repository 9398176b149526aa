package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/vectory-io/vectory/pkg/vectorstore"
)

// recordColumns is the select list shared by the single-record operations.
const recordColumns = `id, collection_id, embedding, metadata, text_content,
       source_file, chunk_index, fingerprint, created_at`

func scanRecord(row pgx.Row) (*vectorstore.Record, error) {
	var (
		r   vectorstore.Record
		vec pgvector.Vector
	)
	err := row.Scan(
		&r.ID, &r.CollectionID, &vec, &r.Metadata, &r.Text,
		&r.SourceFile, &r.ChunkIndex, &r.Fingerprint, &r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Embedding = vec.Slice()
	return &r, nil
}

// UpdateCollection implements [vectorstore.Store].
func (s *Store) UpdateCollection(ctx context.Context, id uuid.UUID, upd vectorstore.CollectionUpdate) (*vectorstore.Collection, error) {
	coll, err := s.GetCollection(ctx, id)
	if err != nil {
		return nil, err
	}
	if upd.Name != nil {
		coll.Name = *upd.Name
	}
	if upd.Description != nil {
		coll.Description = *upd.Description
	}

	const q = `
		UPDATE collections
		SET    name = $2, description = $3, updated_at = now()
		WHERE  id = $1
		RETURNING updated_at`

	err = s.pool.QueryRow(ctx, q, id, coll.Name, coll.Description).Scan(&coll.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, vectorstore.ErrCollectionExists
		}
		return nil, fmt.Errorf("postgres store: update collection: %w", err)
	}
	return coll, nil
}

// GetRecord implements [vectorstore.Store].
func (s *Store) GetRecord(ctx context.Context, collectionID, recordID uuid.UUID) (*vectorstore.Record, error) {
	q := fmt.Sprintf(`
		SELECT %s
		FROM   vector_records
		WHERE  id = $1 AND collection_id = $2`, recordColumns)

	r, err := scanRecord(s.pool.QueryRow(ctx, q, recordID, collectionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, vectorstore.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: get record: %w", err)
	}
	return r, nil
}

// UpdateRecord implements [vectorstore.Store]. A replacement embedding is
// validated against the collection dimension; replacing the text rewrites
// the stored fingerprint.
func (s *Store) UpdateRecord(ctx context.Context, collectionID, recordID uuid.UUID, upd vectorstore.RecordUpdate) (*vectorstore.Record, error) {
	coll, err := s.GetCollection(ctx, collectionID)
	if err != nil {
		return nil, err
	}

	r, err := s.GetRecord(ctx, collectionID, recordID)
	if err != nil {
		return nil, err
	}

	if upd.Embedding != nil {
		if len(upd.Embedding) != coll.Dimension {
			return nil, fmt.Errorf("postgres store: update record: dimension mismatch: got %d, want %d",
				len(upd.Embedding), coll.Dimension)
		}
		r.Embedding = upd.Embedding
	}
	if upd.Metadata != nil {
		r.Metadata = upd.Metadata
	}
	if upd.Text != nil {
		r.Text = *upd.Text
		r.Fingerprint = vectorstore.Fingerprint(r.Text)
	}
	md := r.Metadata
	if md == nil {
		md = map[string]any{}
	}

	const q = `
		UPDATE vector_records
		SET    embedding = $3, metadata = $4, text_content = $5, fingerprint = $6
		WHERE  id = $1 AND collection_id = $2`

	_, err = s.pool.Exec(ctx, q, recordID, collectionID,
		pgvector.NewVector(r.Embedding), md, r.Text, r.Fingerprint)
	if err != nil {
		return nil, fmt.Errorf("postgres store: update record: %w", err)
	}
	return r, nil
}

// DeleteRecord implements [vectorstore.Store]. Unless bookkeeping is
// suspended the collection vector count is decremented.
func (s *Store) DeleteRecord(ctx context.Context, collectionID, recordID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM vector_records WHERE id = $1 AND collection_id = $2`,
		recordID, collectionID)
	if err != nil {
		return fmt.Errorf("postgres store: delete record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return vectorstore.ErrRecordNotFound
	}
	return s.decrementCount(ctx, collectionID, 1)
}

// DeleteRecords implements [vectorstore.Store]. IDs absent from the
// collection are skipped; the returned count is the number of rows removed.
func (s *Store) DeleteRecords(ctx context.Context, collectionID uuid.UUID, ids []uuid.UUID) (int64, error) {
	if _, err := s.GetCollection(ctx, collectionID); err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	tag, err := s.pool.Exec(ctx,
		`DELETE FROM vector_records WHERE collection_id = $1 AND id = ANY($2)`,
		collectionID, ids)
	if err != nil {
		return 0, fmt.Errorf("postgres store: delete records: %w", err)
	}
	deleted := tag.RowsAffected()
	if deleted == 0 {
		return 0, nil
	}
	return deleted, s.decrementCount(ctx, collectionID, deleted)
}

func (s *Store) decrementCount(ctx context.Context, collectionID uuid.UUID, n int64) error {
	if s.isSuspended(collectionID) {
		return nil
	}
	const q = `
		UPDATE collections
		SET    vector_count = GREATEST(vector_count - $2, 0), updated_at = now()
		WHERE  id = $1`
	if _, err := s.pool.Exec(ctx, q, collectionID, n); err != nil {
		return fmt.Errorf("postgres store: decrement vector count: %w", err)
	}
	return nil
}

// HybridSearch implements [vectorstore.Store]. With both signals present,
// records are ranked by the weighted blend of cosine similarity and
// full-text rank over the record text. With only text, the text rank alone
// orders the results; with only an embedding it degenerates to Search.
func (s *Store) HybridSearch(ctx context.Context, collectionID uuid.UUID, query vectorstore.HybridQuery) ([]vectorstore.SearchResult, error) {
	query = query.WithDefaults()

	coll, err := s.GetCollection(ctx, collectionID)
	if err != nil {
		return nil, err
	}

	switch {
	case len(query.Embedding) == 0 && query.Text == "":
		return nil, fmt.Errorf("postgres store: hybrid search: query needs an embedding, a text, or both")
	case query.Text == "":
		return s.Search(ctx, collectionID, query.Embedding, query.TopK)
	}
	if len(query.Embedding) > 0 && len(query.Embedding) != coll.Dimension {
		return nil, fmt.Errorf("postgres store: hybrid search: query dimension %d does not match collection dimension %d",
			len(query.Embedding), coll.Dimension)
	}

	var (
		q    string
		args []any
	)
	if len(query.Embedding) > 0 {
		q = fmt.Sprintf(`
			SELECT %s,
			       embedding <=> $2 AS distance,
			       (1.0 - (embedding <=> $2)) * $3 +
			       ts_rank(to_tsvector('english', COALESCE(text_content, '')),
			               plainto_tsquery('english', $4)) * $5 AS score
			FROM   vector_records
			WHERE  collection_id = $1
			ORDER  BY score DESC
			LIMIT  $6`, recordColumns)
		args = []any{collectionID, pgvector.NewVector(query.Embedding),
			query.VectorWeight, query.Text, query.TextWeight, query.TopK}
	} else {
		q = fmt.Sprintf(`
			SELECT %s,
			       0.0 AS distance,
			       ts_rank(to_tsvector('english', COALESCE(text_content, '')),
			               plainto_tsquery('english', $2)) AS score
			FROM   vector_records
			WHERE  collection_id = $1
			  AND  to_tsvector('english', COALESCE(text_content, '')) @@
			       plainto_tsquery('english', $2)
			ORDER  BY score DESC
			LIMIT  $3`, recordColumns)
		args = []any{collectionID, query.Text, query.TopK}
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: hybrid search: %w", err)
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
			&sr.Score,
		); err != nil {
			return vectorstore.SearchResult{}, err
		}
		sr.Record.Embedding = vec.Slice()
		return sr, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan hybrid search rows: %w", err)
	}
	if results == nil {
		results = []vectorstore.SearchResult{}
	}
	return results, nil
}
