// Package vectorstore defines the vector storage contract used by the
// ingestion pipeline and the search path.
//
// A vector store holds named collections of embedding records. The ingestion
// pipeline writes records exclusively in bulk groups and brackets each job's
// writes between SuspendBookkeeping and ResumeBookkeeping so that per-row
// maintenance (the collection's live vector count) is deferred until one
// RefreshCount call at the end of the load. Nothing in this package depends
// on the store's indexing strategy.
//
// Implementations must be safe for concurrent use.
package vectorstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrCollectionNotFound is returned when a referenced collection does not exist.
var ErrCollectionNotFound = errors.New("vectorstore: collection not found")

// ErrCollectionExists is returned by CreateCollection on a name conflict.
var ErrCollectionExists = errors.New("vectorstore: collection already exists")

// ErrRecordNotFound is returned when a referenced record does not exist in
// the given collection.
var ErrRecordNotFound = errors.New("vectorstore: record not found")

// Metric names for similarity search. Cosine is the default for new collections.
const (
	MetricCosine    = "cosine"
	MetricL2        = "l2"
	MetricInnerProd = "ip"
)

// Collection is a named set of vector records sharing one dimension and
// distance metric.
type Collection struct {
	ID          uuid.UUID
	Name        string
	Description string

	// Dimension is the fixed embedding length for every record in the
	// collection. Records with any other length are rejected per-record.
	Dimension int

	// Metric selects the distance function used by Search (cosine, l2, ip).
	Metric string

	// VectorCount is the bookkept number of records. While a bulk load holds
	// the bookkeeping suspension the value lags reality until RefreshCount.
	VectorCount int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Record is one stored embedding with its source text and provenance.
type Record struct {
	ID           uuid.UUID
	CollectionID uuid.UUID
	Embedding    []float32
	Metadata     map[string]any
	Text         string

	// SourceFile and ChunkIndex identify where in the ingested document this
	// record came from. ChunkIndex is the chunk's sequence index within its
	// job, carried so consumers can reconstruct source order.
	SourceFile string
	ChunkIndex int

	// Fingerprint is the SHA-256 hex digest of Text, usable for layered
	// deduplication.
	Fingerprint string

	CreatedAt time.Time
}

// Rejection reports one record a bulk insert refused.
type Rejection struct {
	ChunkIndex int
	Reason     string
}

// WriteReport summarises the outcome of one bulk insert group.
type WriteReport struct {
	Accepted int
	Rejected []Rejection
}

// SearchResult is one Search hit ordered by ascending distance.
type SearchResult struct {
	Record   Record
	Distance float64

	// Score is the normalised relevance: derived from Distance under the
	// collection metric for plain searches, or the weighted blend of vector
	// similarity and text rank for hybrid searches. Higher is better.
	Score float64
}

// CollectionUpdate carries the mutable collection fields for
// [Store.UpdateCollection]. Nil fields keep their current value.
type CollectionUpdate struct {
	Name        *string
	Description *string
}

// RecordUpdate carries the mutable record fields for [Store.UpdateRecord].
// Nil fields keep their current value. Replacing the text also replaces the
// stored fingerprint.
type RecordUpdate struct {
	Embedding []float32
	Metadata  map[string]any
	Text      *string
}

// HybridQuery is a combined vector-similarity and keyword search. At least
// one of Embedding and Text must be set: with both, results are ranked by
// the weighted blend of vector similarity and text rank; with only Text,
// by text rank alone; with only Embedding, it degenerates to Search.
type HybridQuery struct {
	Embedding []float32
	Text      string

	// VectorWeight and TextWeight blend the two relevance signals.
	// Defaults: 0.7 and 0.3.
	VectorWeight float64
	TextWeight   float64

	TopK int
}

// WithDefaults fills zero weights and TopK with their defaults.
func (q HybridQuery) WithDefaults() HybridQuery {
	if q.VectorWeight == 0 && q.TextWeight == 0 {
		q.VectorWeight, q.TextWeight = 0.7, 0.3
	}
	if q.TopK <= 0 {
		q.TopK = 10
	}
	return q
}

// Store is the abstraction over any vector storage backend.
type Store interface {
	// CreateCollection persists a new collection. Name must be unique;
	// Dimension must be positive. ID and timestamps are assigned by the store.
	CreateCollection(ctx context.Context, c *Collection) error

	// GetCollection fetches a collection by ID.
	GetCollection(ctx context.Context, id uuid.UUID) (*Collection, error)

	// ListCollections returns all collections ordered by creation time.
	ListCollections(ctx context.Context) ([]Collection, error)

	// UpdateCollection applies upd to the collection's mutable fields and
	// returns the updated collection. A name change to an already-taken name
	// fails with [ErrCollectionExists].
	UpdateCollection(ctx context.Context, id uuid.UUID, upd CollectionUpdate) (*Collection, error)

	// DeleteCollection removes a collection and all of its records.
	DeleteCollection(ctx context.Context, id uuid.UUID) error

	// BulkInsert writes one group of records into the collection. Records
	// whose embedding length does not match the collection dimension are
	// rejected individually and reported; the rest of the group is written.
	// The write is atomic with respect to RefreshCount.
	BulkInsert(ctx context.Context, collectionID uuid.UUID, records []Record) (WriteReport, error)

	// SuspendBookkeeping defers per-row vector-count maintenance for the
	// collection. Suspensions are reference counted: bookkeeping stays off
	// until every suspend has been matched by a ResumeBookkeeping.
	SuspendBookkeeping(ctx context.Context, collectionID uuid.UUID) error

	// ResumeBookkeeping releases one bookkeeping suspension.
	ResumeBookkeeping(ctx context.Context, collectionID uuid.UUID) error

	// RefreshCount recomputes the collection's vector count from storage in
	// one bulk operation and returns the fresh value.
	RefreshCount(ctx context.Context, collectionID uuid.UUID) (int64, error)

	// GetRecord fetches one record by ID within a collection.
	GetRecord(ctx context.Context, collectionID, recordID uuid.UUID) (*Record, error)

	// UpdateRecord applies upd to a record's mutable fields and returns the
	// updated record. A replacement embedding must match the collection
	// dimension.
	UpdateRecord(ctx context.Context, collectionID, recordID uuid.UUID, upd RecordUpdate) (*Record, error)

	// DeleteRecord removes one record from a collection.
	DeleteRecord(ctx context.Context, collectionID, recordID uuid.UUID) error

	// DeleteRecords removes the given records from a collection and returns
	// how many existed. IDs not present in the collection are skipped.
	DeleteRecords(ctx context.Context, collectionID uuid.UUID, ids []uuid.UUID) (int64, error)

	// Search returns the topK records closest to the query embedding under
	// the collection's metric, most similar first.
	Search(ctx context.Context, collectionID uuid.UUID, embedding []float32, topK int) ([]SearchResult, error)

	// HybridSearch ranks records by the weighted blend of vector similarity
	// and keyword relevance over the record text, best first.
	HybridSearch(ctx context.Context, collectionID uuid.UUID, q HybridQuery) ([]SearchResult, error)
}

// Fingerprint returns the SHA-256 hex digest of text, the value stored in
// [Record.Fingerprint].
func Fingerprint(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// ScoreForDistance converts a raw distance under a metric into the
// normalised relevance reported in [SearchResult.Score].
func ScoreForDistance(metric string, distance float64) float64 {
	switch metric {
	case MetricCosine:
		return 1 - distance
	case MetricInnerProd:
		return -distance
	default:
		return 1 / (1 + distance)
	}
}
