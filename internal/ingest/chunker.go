package ingest

import (
	"context"
	"io"
)

// ChunkSource is a lazy pull iterator over chunks. Next returns ok=false once
// the source is drained. The Chunker is the canonical implementation; the
// batcher consumes any ChunkSource so tests can feed it scripted chunks.
type ChunkSource interface {
	Next(ctx context.Context) (Chunk, bool, error)
}

// Chunker consumes a parsed segment sequence and cuts it into overlapping
// chunks according to a [Policy]. It is a lazy iterator: segments are pulled
// on demand and the internal buffer never holds more than roughly twice the
// chunk size plus one parser segment, regardless of document length.
//
// A Chunker is not safe for concurrent use; each job owns one.
type Chunker struct {
	segs   Segments
	policy Policy
	est    TokenEstimator

	buf   []rune // unchunked normalized text
	head  int64  // absolute rune offset of buf[0]
	carry []rune // trailing overlap of the previous chunk
	next  int    // index of the next chunk to emit
	skip  int64  // resume offset: content before it is dropped
	eof   bool
}

// NewChunker validates the policy and builds a chunker over segs. A nil
// estimator falls back to [HeuristicEstimator].
func NewChunker(segs Segments, policy Policy, est TokenEstimator) (*Chunker, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if est == nil {
		est = HeuristicEstimator{}
	}
	return &Chunker{segs: segs, policy: policy, est: est}, nil
}

// ResumeFrom restarts chunking at the given normalized-text offset with the
// given next chunk index, so a restarted job does not re-chunk content whose
// embeddings were already checkpointed. Content before offset is discarded as
// it streams in; the resumed chunk carries no overlap prefix. Must be called
// before the first Next.
func (c *Chunker) ResumeFrom(offset int64, nextIndex int) {
	c.skip = offset
	c.next = nextIndex
}

// Count returns the number of chunks emitted so far, including the indices
// skipped by ResumeFrom. Once Next has reported the end of the sequence this
// is the document's exact chunk count.
func (c *Chunker) Count() int { return c.next }

// Next returns the next chunk. ok is false once the document is exhausted.
func (c *Chunker) Next(ctx context.Context) (Chunk, bool, error) {
	if err := ctx.Err(); err != nil {
		return Chunk{}, false, err
	}

	var novel []rune
	switch c.policy.Strategy {
	case StrategyFixedSize:
		// The chunk is carry + novel content, always exactly ChunkSize runes
		// except at the end of the document.
		want := c.policy.ChunkSize - len(c.carry)
		if err := c.fill(ctx, want); err != nil {
			return Chunk{}, false, err
		}
		n := min(want, len(c.buf))
		novel = c.buf[:n]
	default: // sentence, paragraph
		if err := c.fill(ctx, 2*c.policy.ChunkSize); err != nil {
			return Chunk{}, false, err
		}
		novel = c.packUnits()
	}

	if len(novel) == 0 {
		// Drained. A leftover carry is duplicate content, never emitted alone.
		return Chunk{}, false, nil
	}

	start := c.head
	end := start + int64(len(novel))
	text := string(c.carry) + string(novel)

	chunk := Chunk{
		Index:         c.next,
		Start:         start,
		End:           end,
		Text:          text,
		TokenEstimate: c.est.Estimate(text),
	}

	c.buf = c.buf[len(novel):]
	c.head = end
	if ov := c.policy.Overlap; ov > 0 {
		tr := []rune(text)
		if len(tr) > ov {
			tr = tr[len(tr)-ov:]
		}
		c.carry = append(c.carry[:0], tr...)
	}
	c.next++
	return chunk, true, nil
}

// fill pulls segments until the buffer holds at least need runes or the
// source is exhausted, dropping content before the resume offset.
func (c *Chunker) fill(ctx context.Context, need int) error {
	for !c.eof && len(c.buf) < need {
		seg, err := c.segs.Next(ctx)
		if err == io.EOF {
			c.eof = true
			return nil
		}
		if err != nil {
			return err
		}
		c.buf = append(c.buf, []rune(seg.Text)...)
		if c.skip > c.head {
			drop := min(c.skip-c.head, int64(len(c.buf)))
			c.buf = c.buf[drop:]
			c.head += drop
		}
	}
	return nil
}

// packUnits returns the longest prefix of whole units (sentences or
// paragraphs) fitting within ChunkSize. A single unit longer than ChunkSize
// is hard-cut at ChunkSize so the chunk bound holds for pathological input.
func (c *Chunker) packUnits() []rune {
	size := c.policy.ChunkSize
	if len(c.buf) == 0 {
		return nil
	}
	end := 0
	for end < len(c.buf) {
		ue := c.unitEnd(end)
		if ue > size {
			if end == 0 {
				return c.buf[:min(size, len(c.buf))]
			}
			break
		}
		end = ue
	}
	return c.buf[:end]
}

// unitEnd returns the index just past the unit starting at from. Units
// include their trailing separators so that concatenating chunks minus their
// overlaps reconstructs the original text exactly.
func (c *Chunker) unitEnd(from int) int {
	b := c.buf
	if c.policy.Strategy == StrategyParagraph {
		for i := from; i < len(b)-1; i++ {
			if b[i] == '\n' && b[i+1] == '\n' {
				j := i + 1
				for j < len(b) && b[j] == '\n' {
					j++
				}
				return j
			}
		}
		return len(b)
	}
	for i := from; i < len(b); i++ {
		switch b[i] {
		case '.', '!', '?':
			if i+1 == len(b) || isSpace(b[i+1]) {
				j := i + 1
				for j < len(b) && isSpace(b[j]) {
					j++
				}
				return j
			}
		case '\n':
			return i + 1
		}
	}
	return len(b)
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}
