package ingest

import "fmt"

// Chunking strategies.
const (
	StrategyFixedSize = "fixed_size"
	StrategySentence  = "sentence"
	StrategyParagraph = "paragraph"
)

// Policy configures how a document's normalized text is split into chunks.
type Policy struct {
	// Strategy is one of fixed_size, sentence, paragraph.
	Strategy string

	// ChunkSize is the target chunk length in characters. fixed_size cuts at
	// exactly this length; sentence and paragraph pack whole units up to it.
	ChunkSize int

	// Overlap is the number of trailing characters of chunk k repeated as the
	// leading characters of chunk k+1. Must satisfy 0 <= Overlap < ChunkSize.
	Overlap int
}

// Validate rejects impossible policies before any pipeline work starts.
func (p Policy) Validate() error {
	switch p.Strategy {
	case StrategyFixedSize, StrategySentence, StrategyParagraph:
	default:
		return &ChunkPolicyError{Reason: fmt.Sprintf("unknown strategy %q", p.Strategy)}
	}
	if p.ChunkSize <= 0 {
		return &ChunkPolicyError{Reason: fmt.Sprintf("chunk size %d must be positive", p.ChunkSize)}
	}
	if p.Overlap < 0 {
		return &ChunkPolicyError{Reason: fmt.Sprintf("overlap %d must not be negative", p.Overlap)}
	}
	if p.Overlap >= p.ChunkSize {
		return &ChunkPolicyError{
			Reason: fmt.Sprintf("overlap %d must be smaller than chunk size %d", p.Overlap, p.ChunkSize),
		}
	}
	return nil
}

// Chunk is one bounded unit of source text assigned a single embedding
// vector. Chunks are ephemeral: created by the chunker, consumed by the
// batcher, discarded once the sink accepts them.
type Chunk struct {
	// Index is the chunk's sequence number within its job: monotonic,
	// zero-based, contiguous, assigned in source order and never reordered.
	Index int

	// Start and End delimit the chunk's novel content (excluding the overlap
	// prefix) as rune offsets into the job's normalized text stream. End is
	// the restart position for a resumed job.
	Start int64
	End   int64

	// Text is the chunk content including the overlap prefix. Its length
	// never exceeds ChunkSize + Overlap characters.
	Text string

	// TokenEstimate is the approximate token count of Text, used for batch
	// budgeting against provider limits.
	TokenEstimate int
}
