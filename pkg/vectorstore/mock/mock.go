// Package mock provides an in-memory test double for [vectorstore.Store].
//
// It applies the same per-record dimension validation as the real store,
// tracks every suspend/resume/refresh call so tests can assert the
// bookkeeping bracket is balanced, and can be scripted to fail bulk inserts.
package mock

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vectory-io/vectory/pkg/vectorstore"
)

// Compile-time interface check.
var _ vectorstore.Store = (*Store)(nil)

// Store is an in-memory mock implementation of vectorstore.Store.
type Store struct {
	mu sync.Mutex

	// --- Configurable failures ---

	// BulkInsertErr, if non-nil, is returned by every BulkInsert call.
	BulkInsertErr error

	// BulkInsertErrFunc, if non-nil, decides the outcome of each BulkInsert;
	// call is the zero-based invocation number. Overrides BulkInsertErr.
	BulkInsertErrFunc func(call int) error

	// --- State ---

	collections map[uuid.UUID]*vectorstore.Collection
	records     map[uuid.UUID][]vectorstore.Record
	suspended   map[uuid.UUID]int

	// --- Call records ---

	// BulkInsertCalls counts BulkInsert invocations.
	BulkInsertCalls int

	// SuspendCalls and ResumeCalls count bookkeeping bracket operations per
	// collection.
	SuspendCalls map[uuid.UUID]int
	ResumeCalls  map[uuid.UUID]int

	// RefreshCalls counts RefreshCount invocations per collection.
	RefreshCalls map[uuid.UUID]int
}

// New creates an empty mock store.
func New() *Store {
	return &Store{
		collections:  make(map[uuid.UUID]*vectorstore.Collection),
		records:      make(map[uuid.UUID][]vectorstore.Record),
		suspended:    make(map[uuid.UUID]int),
		SuspendCalls: make(map[uuid.UUID]int),
		ResumeCalls:  make(map[uuid.UUID]int),
		RefreshCalls: make(map[uuid.UUID]int),
	}
}

// CreateCollection implements vectorstore.Store.
func (s *Store) CreateCollection(_ context.Context, c *vectorstore.Collection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.collections {
		if existing.Name == c.Name {
			return vectorstore.ErrCollectionExists
		}
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Metric == "" {
		c.Metric = vectorstore.MetricCosine
	}
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	cp := *c
	s.collections[c.ID] = &cp
	return nil
}

// GetCollection implements vectorstore.Store.
func (s *Store) GetCollection(_ context.Context, id uuid.UUID) (*vectorstore.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[id]
	if !ok {
		return nil, vectorstore.ErrCollectionNotFound
	}
	cp := *c
	return &cp, nil
}

// ListCollections implements vectorstore.Store.
func (s *Store) ListCollections(_ context.Context) ([]vectorstore.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]vectorstore.Collection, 0, len(s.collections))
	for _, c := range s.collections {
		out = append(out, *c)
	}
	return out, nil
}

// UpdateCollection implements vectorstore.Store.
func (s *Store) UpdateCollection(_ context.Context, id uuid.UUID, upd vectorstore.CollectionUpdate) (*vectorstore.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[id]
	if !ok {
		return nil, vectorstore.ErrCollectionNotFound
	}
	if upd.Name != nil {
		for otherID, other := range s.collections {
			if otherID != id && other.Name == *upd.Name {
				return nil, vectorstore.ErrCollectionExists
			}
		}
		c.Name = *upd.Name
	}
	if upd.Description != nil {
		c.Description = *upd.Description
	}
	c.UpdatedAt = time.Now().UTC()
	cp := *c
	return &cp, nil
}

// DeleteCollection implements vectorstore.Store.
func (s *Store) DeleteCollection(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.collections[id]; !ok {
		return vectorstore.ErrCollectionNotFound
	}
	delete(s.collections, id)
	delete(s.records, id)
	delete(s.suspended, id)
	return nil
}

// BulkInsert implements vectorstore.Store with the same per-record dimension
// validation as the real store.
func (s *Store) BulkInsert(_ context.Context, collectionID uuid.UUID, records []vectorstore.Record) (vectorstore.WriteReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	call := s.BulkInsertCalls
	s.BulkInsertCalls++

	if s.BulkInsertErrFunc != nil {
		if err := s.BulkInsertErrFunc(call); err != nil {
			return vectorstore.WriteReport{}, err
		}
	} else if s.BulkInsertErr != nil {
		return vectorstore.WriteReport{}, s.BulkInsertErr
	}

	coll, ok := s.collections[collectionID]
	if !ok {
		return vectorstore.WriteReport{}, vectorstore.ErrCollectionNotFound
	}

	var report vectorstore.WriteReport
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
			r.CreatedAt = time.Now().UTC()
			s.records[collectionID] = append(s.records[collectionID], r)
			report.Accepted++
		}
	}

	if s.suspended[collectionID] == 0 {
		coll.VectorCount += int64(report.Accepted)
	}
	return report, nil
}

// SuspendBookkeeping implements vectorstore.Store.
func (s *Store) SuspendBookkeeping(_ context.Context, collectionID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.collections[collectionID]; !ok {
		return vectorstore.ErrCollectionNotFound
	}
	s.suspended[collectionID]++
	s.SuspendCalls[collectionID]++
	return nil
}

// ResumeBookkeeping implements vectorstore.Store.
func (s *Store) ResumeBookkeeping(_ context.Context, collectionID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.suspended[collectionID] <= 0 {
		return fmt.Errorf("mock vectorstore: resume for %s without matching suspend", collectionID)
	}
	s.suspended[collectionID]--
	s.ResumeCalls[collectionID]++
	return nil
}

// RefreshCount implements vectorstore.Store.
func (s *Store) RefreshCount(_ context.Context, collectionID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	coll, ok := s.collections[collectionID]
	if !ok {
		return 0, vectorstore.ErrCollectionNotFound
	}
	s.RefreshCalls[collectionID]++
	coll.VectorCount = int64(len(s.records[collectionID]))
	return coll.VectorCount, nil
}

// Search implements vectorstore.Store with a linear scan over stored records
// using cosine distance regardless of the collection metric.
func (s *Store) Search(_ context.Context, collectionID uuid.UUID, embedding []float32, topK int) ([]vectorstore.SearchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	coll, ok := s.collections[collectionID]
	if !ok {
		return nil, vectorstore.ErrCollectionNotFound
	}
	if len(embedding) != coll.Dimension {
		return nil, fmt.Errorf("mock vectorstore: query dimension %d does not match collection dimension %d",
			len(embedding), coll.Dimension)
	}
	if topK <= 0 {
		topK = 10
	}

	results := make([]vectorstore.SearchResult, 0, len(s.records[collectionID]))
	for _, r := range s.records[collectionID] {
		d := cosineDistance(embedding, r.Embedding)
		results = append(results, vectorstore.SearchResult{
			Record:   r,
			Distance: d,
			Score:    vectorstore.ScoreForDistance(coll.Metric, d),
		})
	}
	// Insertion sort by distance; record counts in tests are small.
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && results[j].Distance < results[j-1].Distance; j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// GetRecord implements vectorstore.Store.
func (s *Store) GetRecord(_ context.Context, collectionID, recordID uuid.UUID) (*vectorstore.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records[collectionID] {
		if r.ID == recordID {
			cp := r
			return &cp, nil
		}
	}
	return nil, vectorstore.ErrRecordNotFound
}

// UpdateRecord implements vectorstore.Store.
func (s *Store) UpdateRecord(_ context.Context, collectionID, recordID uuid.UUID, upd vectorstore.RecordUpdate) (*vectorstore.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	coll, ok := s.collections[collectionID]
	if !ok {
		return nil, vectorstore.ErrCollectionNotFound
	}
	recs := s.records[collectionID]
	for i := range recs {
		if recs[i].ID != recordID {
			continue
		}
		if upd.Embedding != nil {
			if len(upd.Embedding) != coll.Dimension {
				return nil, fmt.Errorf("mock vectorstore: update record: dimension mismatch: got %d, want %d",
					len(upd.Embedding), coll.Dimension)
			}
			recs[i].Embedding = upd.Embedding
		}
		if upd.Metadata != nil {
			recs[i].Metadata = upd.Metadata
		}
		if upd.Text != nil {
			recs[i].Text = *upd.Text
			recs[i].Fingerprint = vectorstore.Fingerprint(*upd.Text)
		}
		cp := recs[i]
		return &cp, nil
	}
	return nil, vectorstore.ErrRecordNotFound
}

// DeleteRecord implements vectorstore.Store.
func (s *Store) DeleteRecord(_ context.Context, collectionID, recordID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	coll, ok := s.collections[collectionID]
	if !ok {
		return vectorstore.ErrRecordNotFound
	}
	recs := s.records[collectionID]
	for i := range recs {
		if recs[i].ID != recordID {
			continue
		}
		s.records[collectionID] = append(recs[:i], recs[i+1:]...)
		if s.suspended[collectionID] == 0 && coll.VectorCount > 0 {
			coll.VectorCount--
		}
		return nil
	}
	return vectorstore.ErrRecordNotFound
}

// DeleteRecords implements vectorstore.Store.
func (s *Store) DeleteRecords(_ context.Context, collectionID uuid.UUID, ids []uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	coll, ok := s.collections[collectionID]
	if !ok {
		return 0, vectorstore.ErrCollectionNotFound
	}
	drop := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := s.records[collectionID][:0]
	var deleted int64
	for _, r := range s.records[collectionID] {
		if drop[r.ID] {
			deleted++
			continue
		}
		kept = append(kept, r)
	}
	s.records[collectionID] = kept
	if s.suspended[collectionID] == 0 {
		coll.VectorCount = max(coll.VectorCount-deleted, 0)
	}
	return deleted, nil
}

// HybridSearch implements vectorstore.Store. The text signal is the fraction
// of query terms present in the record text, standing in for the real
// store's full-text rank.
func (s *Store) HybridSearch(ctx context.Context, collectionID uuid.UUID, q vectorstore.HybridQuery) ([]vectorstore.SearchResult, error) {
	q = q.WithDefaults()
	if len(q.Embedding) == 0 && q.Text == "" {
		return nil, fmt.Errorf("mock vectorstore: hybrid search: query needs an embedding, a text, or both")
	}
	if q.Text == "" {
		return s.Search(ctx, collectionID, q.Embedding, q.TopK)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	coll, ok := s.collections[collectionID]
	if !ok {
		return nil, vectorstore.ErrCollectionNotFound
	}
	if len(q.Embedding) > 0 && len(q.Embedding) != coll.Dimension {
		return nil, fmt.Errorf("mock vectorstore: query dimension %d does not match collection dimension %d",
			len(q.Embedding), coll.Dimension)
	}

	results := make([]vectorstore.SearchResult, 0, len(s.records[collectionID]))
	for _, r := range s.records[collectionID] {
		rank := termMatchFraction(q.Text, r.Text)
		sr := vectorstore.SearchResult{Record: r, Score: rank * q.TextWeight}
		if len(q.Embedding) > 0 {
			sr.Distance = cosineDistance(q.Embedding, r.Embedding)
			sr.Score = (1-sr.Distance)*q.VectorWeight + rank*q.TextWeight
		} else if rank == 0 {
			continue
		}
		results = append(results, sr)
	}
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && results[j].Score > results[j-1].Score; j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
	if len(results) > q.TopK {
		results = results[:q.TopK]
	}
	return results, nil
}

func termMatchFraction(query, text string) float64 {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return 0
	}
	lower := strings.ToLower(text)
	var hits int
	for _, t := range terms {
		if strings.Contains(lower, t) {
			hits++
		}
	}
	return float64(hits) / float64(len(terms))
}

// Records returns a copy of all records stored for a collection, in insert
// order. Test helper, not part of the Store interface.
func (s *Store) Records(collectionID uuid.UUID) []vectorstore.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]vectorstore.Record, len(s.records[collectionID]))
	copy(out, s.records[collectionID])
	return out
}

// SuspendedCount returns the current suspension depth for a collection.
// Test helper.
func (s *Store) SuspendedCount(collectionID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suspended[collectionID]
}

func cosineDistance(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}
