package ingest

import (
	"errors"
	"fmt"
)

// ParseKind classifies why a parser rejected its input. Content errors are
// never retried: the file is the problem, not the environment.
type ParseKind string

const (
	// KindUnsupportedFormat means no parser is registered for the declared
	// file type.
	KindUnsupportedFormat ParseKind = "unsupported_format"

	// KindCorrupt means the content does not conform to the declared format.
	KindCorrupt ParseKind = "corrupt"

	// KindEncodingError means the content is not valid text in the expected
	// encoding.
	KindEncodingError ParseKind = "encoding_error"

	// KindTooLarge means a container format exceeded the configured in-memory
	// ceiling. Container formats (docx, pdf) are the one exception to strict
	// streaming and must fail fast above the ceiling.
	KindTooLarge ParseKind = "too_large"
)

// ParseError is a fatal content-level failure raised by a parser. It aborts
// the job; it is never retried.
type ParseError struct {
	Kind ParseKind
	Err  error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("parse: %s", e.Kind)
}

func (e *ParseError) Unwrap() error { return e.Err }

// NewParseError builds a ParseError wrapping err.
func NewParseError(kind ParseKind, err error) *ParseError {
	return &ParseError{Kind: kind, Err: err}
}

// ChunkPolicyError reports an invalid chunking policy. It is raised before
// any pipeline work starts.
type ChunkPolicyError struct {
	Reason string
}

func (e *ChunkPolicyError) Error() string { return "chunk policy: " + e.Reason }

// EmbedFailure marks one batch whose embedding call exhausted its retry
// budget. The job continues with subsequent batches; the batch's chunks are
// counted as failed.
type EmbedFailure struct {
	// Chunks is the number of chunks in the failed batch.
	Chunks int
	Err    error
}

func (e *EmbedFailure) Error() string {
	return fmt.Sprintf("embed: batch of %d chunks failed: %v", e.Chunks, e.Err)
}

func (e *EmbedFailure) Unwrap() error { return e.Err }

// ErrEmbedAborted is returned by the batcher when the failure rate over the
// sliding window exceeds the configured threshold, signalling a systemic
// provider outage rather than isolated bad input. The job fails.
var ErrEmbedAborted = errors.New("embed: failure rate threshold exceeded, aborting")

// ErrTimeout marks a job that exceeded its wall-clock budget. The pipeline is
// cancelled cooperatively and the job transitions to failed.
var ErrTimeout = errors.New("job exceeded wall-clock timeout")

// ErrCancelled is the internal signal that the job's cancellation flag was
// observed. The controller converts it to the cancelled terminal state; it is
// never surfaced as an error message.
var ErrCancelled = errors.New("job cancelled")

// StoreUnavailableError wraps a fatal vector-store failure. It fails the
// current job without affecting the worker or other jobs.
type StoreUnavailableError struct {
	Err error
}

func (e *StoreUnavailableError) Error() string { return "vector store unavailable: " + e.Err.Error() }

func (e *StoreUnavailableError) Unwrap() error { return e.Err }
