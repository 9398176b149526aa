// Package ingest implements the document ingestion pipeline: the machinery
// that turns one uploaded file into N stored vector records.
//
// The pipeline is a single pull-based flow per job, driven by a [Controller]:
//
//	SegmentReader → parser → Chunker → Batcher → Sink
//
// Each stage is a lazy iterator, so memory stays bounded by the pipeline's
// constant-factor footprint regardless of file size. The [Scheduler] runs one
// job per worker end-to-end on a fixed-size pool, and a shared [RateLimiter]
// applies the embedding provider's process-wide rate limit as backpressure to
// every job at once.
//
// Error handling follows a fixed taxonomy: content-level failures
// ([ParseError], [ChunkPolicyError]) abort the job immediately and are never
// retried; transient provider failures are absorbed inside the [Batcher] with
// bounded backoff and only escalate ([ErrEmbedAborted]) when the failure rate
// over a sliding window signals a systemic outage; vector store rejections
// are counted per record, not fatal. The Controller is the single point that
// converts an unrecovered error into a terminal job state.
package ingest
