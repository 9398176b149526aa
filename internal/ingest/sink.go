package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vectory-io/vectory/internal/observe"
	"github.com/vectory-io/vectory/pkg/vectorstore"
)

// DefaultGroupSize is the bulk write group size. It is tuned for store
// throughput independently of the embedding batch size.
const DefaultGroupSize = 200

// closeTimeout bounds the resume/refresh calls in Close, which must run even
// when the job's context is already cancelled.
const closeTimeout = 30 * time.Second

// SinkConfig configures a [Sink].
type SinkConfig struct {
	Store        vectorstore.Store
	CollectionID uuid.UUID

	// SourceFile is recorded on every written record for provenance.
	SourceFile string

	// GroupSize is the number of records per bulk write.
	// Default: [DefaultGroupSize].
	GroupSize int

	Logger  *slog.Logger
	Metrics *observe.Metrics
}

// Sink accumulates (chunk, vector) pairs into bulk groups and writes them to
// the vector store. The first write takes a bookkeeping suspension on the
// collection; Close releases it and issues one count refresh, on every exit
// path. Per-record rejections (dimension mismatches) are reported, not fatal.
//
// Usage:
//
//	sink := NewSink(cfg)
//	defer sink.Close(ctx)
//	for ... { sink.Add(ctx, pair) }
//
// A Sink is not safe for concurrent use; each job owns one.
type Sink struct {
	cfg SinkConfig

	group     []vectorstore.Record
	suspended bool
	closed    bool
}

// NewSink builds a sink writing to cfg.Store.
func NewSink(cfg SinkConfig) *Sink {
	if cfg.GroupSize <= 0 {
		cfg.GroupSize = DefaultGroupSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Sink{cfg: cfg, group: make([]vectorstore.Record, 0, cfg.GroupSize)}
}

// Add appends one pair to the current group, flushing when the group is
// full. The returned report is non-nil only when a flush happened.
func (s *Sink) Add(ctx context.Context, p Pair) (*vectorstore.WriteReport, error) {
	if s.closed {
		return nil, fmt.Errorf("vector sink: add after close")
	}
	s.group = append(s.group, s.record(p))
	if len(s.group) < s.cfg.GroupSize {
		return nil, nil
	}
	report, err := s.flush(ctx)
	if err != nil {
		return nil, err
	}
	return &report, nil
}

// Close flushes the remaining group, then releases the bookkeeping
// suspension and refreshes the collection count if any write happened. The
// resume and refresh run under a detached context so they execute even when
// ctx is already cancelled. Close is idempotent.
func (s *Sink) Close(ctx context.Context) (*vectorstore.WriteReport, error) {
	if s.closed {
		return nil, nil
	}
	s.closed = true

	var report *vectorstore.WriteReport
	var flushErr error
	if len(s.group) > 0 && ctx.Err() == nil {
		r, err := s.flush(ctx)
		if err != nil {
			flushErr = err
		} else {
			report = &r
		}
	}

	if s.suspended {
		// The bracket must close regardless of how the pipeline exited.
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		if err := s.cfg.Store.ResumeBookkeeping(dctx, s.cfg.CollectionID); err != nil {
			s.cfg.Logger.Error("resume bookkeeping failed",
				"collection", s.cfg.CollectionID, "error", err)
			if flushErr == nil {
				flushErr = &StoreUnavailableError{Err: err}
			}
		} else if _, err := s.cfg.Store.RefreshCount(dctx, s.cfg.CollectionID); err != nil {
			s.cfg.Logger.Error("refresh count failed",
				"collection", s.cfg.CollectionID, "error", err)
		}
		s.suspended = false
	}
	return report, flushErr
}

// flush writes the current group as one bulk insert.
func (s *Sink) flush(ctx context.Context) (vectorstore.WriteReport, error) {
	if !s.suspended {
		if err := s.cfg.Store.SuspendBookkeeping(ctx, s.cfg.CollectionID); err != nil {
			return vectorstore.WriteReport{}, &StoreUnavailableError{Err: err}
		}
		s.suspended = true
	}

	start := time.Now()
	report, err := s.cfg.Store.BulkInsert(ctx, s.cfg.CollectionID, s.group)
	if err != nil {
		return vectorstore.WriteReport{}, &StoreUnavailableError{Err: err}
	}
	s.cfg.Metrics.RecordBulkWrite(ctx, time.Since(start))
	if len(report.Rejected) > 0 {
		s.cfg.Logger.Warn("bulk insert rejected records",
			"collection", s.cfg.CollectionID, "rejected", len(report.Rejected))
	}
	s.group = s.group[:0]
	return report, nil
}

// record converts a pair to a store record, fingerprinting the chunk text
// for layered deduplication.
func (s *Sink) record(p Pair) vectorstore.Record {
	return vectorstore.Record{
		CollectionID: s.cfg.CollectionID,
		Embedding:    p.Vector,
		Text:         p.Chunk.Text,
		SourceFile:   s.cfg.SourceFile,
		ChunkIndex:   p.Chunk.Index,
		Fingerprint:  vectorstore.Fingerprint(p.Chunk.Text),
		Metadata: map[string]any{
			"start_offset": p.Chunk.Start,
			"end_offset":   p.Chunk.End,
		},
	}
}
