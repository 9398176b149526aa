package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/vectory-io/vectory/internal/jobstore"
	"github.com/vectory-io/vectory/internal/observe"
	"github.com/vectory-io/vectory/pkg/blob"
	"github.com/vectory-io/vectory/pkg/provider/embeddings"
	"github.com/vectory-io/vectory/pkg/vectorstore"
)

// DefaultJobTimeout is the wall-clock budget for one job.
const DefaultJobTimeout = 30 * time.Minute

// ParserRegistry resolves a declared file type to a lazy segment sequence.
// The internal/ingest/parser package provides the canonical implementation.
type ParserRegistry interface {
	// Parse returns the segment sequence for the declared file type, or a
	// [ParseError] of kind [KindUnsupportedFormat] when no parser is
	// registered for it.
	Parse(ctx context.Context, fileType string, src *SegmentReader) (Segments, error)
}

// ControllerConfig carries the collaborators and tuning shared by all job
// controllers a scheduler spawns.
type ControllerConfig struct {
	Jobs     jobstore.Store
	Blobs    blob.Store
	Vectors  vectorstore.Store
	Parsers  ParserRegistry
	Provider embeddings.Provider

	// Limiter is the process-wide embedding rate limiter, shared across
	// every concurrent job. Required.
	Limiter *RateLimiter

	// Batch tunes the embedding batcher; its Limits are filled from the
	// provider's declared limits when zero.
	Batch BatcherConfig

	// GroupSize is the bulk write group size, tuned independently of the
	// embedding batch size. Default: [DefaultGroupSize].
	GroupSize int

	// Estimator sizes chunks in tokens. Defaults to [HeuristicEstimator].
	Estimator TokenEstimator

	// WindowSize is the byte-window size for blob reads.
	// Default: [DefaultWindowSize].
	WindowSize int

	// Timeout is the per-job wall-clock budget. Default: [DefaultJobTimeout].
	Timeout time.Duration

	Logger  *slog.Logger
	Metrics *observe.Metrics
}

func (cfg ControllerConfig) withDefaults() ControllerConfig {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultJobTimeout
	}
	if cfg.Estimator == nil {
		cfg.Estimator = HeuristicEstimator{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Batch.Estimator == nil {
		cfg.Batch.Estimator = cfg.Estimator
	}
	if cfg.Batch.Metrics == nil {
		cfg.Batch.Metrics = cfg.Metrics
	}
	return cfg
}

// Controller drives one ingestion job through the pipeline: segment reader,
// parser, chunker, batcher, sink. It owns the job record, persists counter
// deltas after every bulk group, and is the single point that converts any
// unrecovered error into a terminal job state with a stable, non-sensitive
// error message. Cancellation is cooperative: a flag observed between
// batches, never an interrupt of in-flight provider calls or store writes.
type Controller struct {
	cfg ControllerConfig
	job *jobstore.Job
	log *slog.Logger

	cancelled atomic.Bool
}

// NewController builds a controller for one claimed job.
func NewController(cfg ControllerConfig, job *jobstore.Job) *Controller {
	cfg = cfg.withDefaults()
	return &Controller{
		cfg: cfg,
		job: job,
		log: cfg.Logger.With("component", "controller", "job", job.ID),
	}
}

// Cancel requests cooperative cancellation. The in-flight batch finishes, no
// new batch starts, and the job lands in the cancelled state with counters
// reflecting the work completed so far. Safe to call from any goroutine.
func (c *Controller) Cancel() { c.cancelled.Store(true) }

// Run executes the job to a terminal state. It never returns a non-nil error
// for job-level failures — those are recorded on the job — only for
// infrastructure failures talking to the job store itself.
func (c *Controller) Run(ctx context.Context) error {
	if c.job.Status == jobstore.StatusPending {
		job, err := c.cfg.Jobs.Transition(ctx, c.job.ID, jobstore.StatusProcessing, "")
		if err != nil {
			return fmt.Errorf("controller: start job: %w", err)
		}
		c.job = job
	}
	c.cfg.Metrics.RecordJobStart(ctx)
	start := time.Now()

	runCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	runErr := c.runGuarded(runCtx)

	status, errMsg := c.finalState(runCtx, runErr)
	// Terminal transitions must land even when the run context is spent.
	tctx, tcancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer tcancel()
	if _, err := c.cfg.Jobs.Transition(tctx, c.job.ID, status, errMsg); err != nil {
		c.log.Error("terminal transition failed", "status", status, "error", err)
		return fmt.Errorf("controller: finish job: %w", err)
	}
	c.cfg.Metrics.RecordJobTransition(ctx, string(status))
	c.cfg.Metrics.RecordJobDone(ctx, time.Since(start), string(status))
	c.log.Info("job finished", "status", status, "duration", time.Since(start))
	return nil
}

// runGuarded runs the pipeline under a recover boundary so an internal panic
// can never take down the worker: it surfaces as a failed job instead.
func (c *Controller) runGuarded(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("pipeline panicked", "panic", r)
			err = fmt.Errorf("internal error")
		}
	}()
	return c.run(ctx)
}

func (c *Controller) run(ctx context.Context) error {
	policy := Policy{
		Strategy:  c.job.Strategy,
		ChunkSize: c.job.ChunkSize,
		Overlap:   c.job.ChunkOverlap,
	}
	if err := policy.Validate(); err != nil {
		return err
	}

	obj, err := c.cfg.Blobs.Open(ctx, c.job.FileHandle)
	if err != nil {
		return fmt.Errorf("open source file: %w", err)
	}
	defer obj.Close()

	reader := NewSegmentReader(obj, c.cfg.WindowSize)
	segs, err := c.cfg.Parsers.Parse(ctx, c.job.FileType, reader)
	if err != nil {
		return err
	}

	chunker, err := NewChunker(segs, policy, c.cfg.Estimator)
	if err != nil {
		return err
	}

	// Initial total is a size-derived upper bound, refined as chunks are
	// actually cut and fixed once the chunker drains.
	estimate := estimateTotal(c.job.FileSize, policy)
	if err := c.cfg.Jobs.UpdateProgress(ctx, c.job.ID, 0, 0, estimate); err != nil {
		return fmt.Errorf("persist estimate: %w", err)
	}

	batch := c.cfg.Batch
	if (batch.Limits == embeddings.Limits{}) {
		batch.Limits = c.cfg.Provider.Limits()
	}
	batcher := NewBatcher(chunker, c.cfg.Provider, c.cfg.Limiter, batch)

	sink := NewSink(SinkConfig{
		Store:        c.cfg.Vectors,
		CollectionID: c.job.CollectionID,
		SourceFile:   c.job.FileName,
		GroupSize:    c.cfg.GroupSize,
		Logger:       c.log,
		Metrics:      c.cfg.Metrics,
	})

	pipeErr := c.pipeline(ctx, batcher, sink, chunker, estimate)

	// The bookkeeping bracket closes on every exit path, including error
	// and cancellation.
	report, closeErr := sink.Close(ctx)
	if report != nil {
		c.persistDelta(ctx, report.Accepted, len(report.Rejected))
	}
	if pipeErr != nil {
		return pipeErr
	}
	return closeErr
}

// pipeline advances the batcher until the chunk sequence drains, feeding the
// sink and persisting counter deltas. The cancellation flag and context are
// checked between batches, the pipeline's suspension points.
func (c *Controller) pipeline(ctx context.Context, batcher *Batcher, sink *Sink, chunker *Chunker, estimate int) error {
	total := estimate
	for {
		if c.cancelled.Load() {
			return ErrCancelled
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		pairs, failedChunks, err := batcher.Next(ctx)
		if err == io.EOF {
			// Fix the exact total now that the chunker drained.
			if err := c.cfg.Jobs.UpdateProgress(ctx, c.job.ID, 0, 0, chunker.Count()); err != nil {
				return fmt.Errorf("persist total: %w", err)
			}
			return nil
		}
		if err != nil {
			return err
		}

		var accepted, rejected int
		for _, p := range pairs {
			report, err := sink.Add(ctx, p)
			if err != nil {
				// Count what landed before the sink failed.
				c.persistDelta(ctx, accepted, rejected+len(failedChunks))
				return err
			}
			if report != nil {
				accepted += report.Accepted
				rejected += len(report.Rejected)
			}
		}

		// Refine the running total when reality overtakes the estimate.
		refined := -1
		if cut := chunker.Count(); cut > total {
			total = cut
			refined = cut
		}
		if err := c.cfg.Jobs.UpdateProgress(ctx, c.job.ID, accepted, rejected+len(failedChunks), refined); err != nil {
			return fmt.Errorf("persist progress: %w", err)
		}
		// Embedding failures and store rejections carry distinct reasons.
		c.cfg.Metrics.RecordChunks(ctx, accepted, len(failedChunks), "embed")
		c.cfg.Metrics.RecordChunks(ctx, 0, rejected, "sink_reject")
	}
}

// persistDelta is a best-effort counter update used on error paths.
func (c *Controller) persistDelta(ctx context.Context, processed, failed int) {
	if processed == 0 && failed == 0 {
		return
	}
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()
	if err := c.cfg.Jobs.UpdateProgress(dctx, c.job.ID, processed, failed, -1); err != nil {
		c.log.Error("persist progress failed", "error", err)
	}
}

// finalState maps the pipeline outcome to a terminal status and a stable,
// non-sensitive error message.
func (c *Controller) finalState(ctx context.Context, runErr error) (jobstore.Status, string) {
	switch {
	case runErr == nil:
		return jobstore.StatusCompleted, ""
	case errors.Is(runErr, ErrCancelled):
		return jobstore.StatusCancelled, ""
	case errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(runErr, ErrTimeout):
		return jobstore.StatusFailed, fmt.Sprintf("timeout after %s", c.cfg.Timeout)
	case errors.Is(runErr, context.Canceled):
		// Process shutdown mid-job, not a user cancel: back to pending so a
		// restarted worker picks the job up again with fresh counters.
		return jobstore.StatusPending, ""
	}

	var parseErr *ParseError
	if errors.As(runErr, &parseErr) {
		return jobstore.StatusFailed, fmt.Sprintf("parse failed: %s", parseErr.Kind)
	}
	var policyErr *ChunkPolicyError
	if errors.As(runErr, &policyErr) {
		return jobstore.StatusFailed, policyErr.Error()
	}
	if errors.Is(runErr, ErrEmbedAborted) {
		return jobstore.StatusFailed, "embedding failed: provider failure rate exceeded threshold"
	}
	var storeErr *StoreUnavailableError
	if errors.As(runErr, &storeErr) {
		return jobstore.StatusFailed, "vector store unavailable"
	}
	c.log.Error("job failed", "error", runErr)
	return jobstore.StatusFailed, "ingestion failed"
}

// estimateTotal derives the initial upper-bound chunk count from the
// declared file size. Bytes over-approximate runes, so the estimate only
// shrinks as parsing proceeds.
func estimateTotal(fileSize int64, policy Policy) int {
	stride := int64(policy.ChunkSize - policy.Overlap)
	if stride <= 0 || fileSize <= 0 {
		return 0
	}
	n := (fileSize + stride - 1) / stride
	return int(n)
}
