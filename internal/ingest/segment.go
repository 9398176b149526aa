package ingest

import (
	"context"
	"fmt"
	"io"

	"github.com/vectory-io/vectory/pkg/blob"
)

// DefaultWindowSize is the byte-window size a SegmentReader pulls from the
// blob store per read.
const DefaultWindowSize = 64 * 1024

// Segment is one normalized text segment produced by a parser. Start and End
// are rune offsets into the job's normalized text stream, assigned by the
// chunker as segments are consumed.
type Segment struct {
	Text string

	// SourceOffset is the byte offset in the raw file where the content this
	// segment was parsed from begins. It is informational; restart positions
	// are tracked in normalized-text offsets.
	SourceOffset int64
}

// Segments is a lazy pull iterator over parsed text segments. Next returns
// io.EOF after the final segment. Implementations never materialize the full
// document.
type Segments interface {
	Next(ctx context.Context) (Segment, error)
}

// SegmentFunc adapts a function to the Segments interface.
type SegmentFunc func(ctx context.Context) (Segment, error)

func (f SegmentFunc) Next(ctx context.Context) (Segment, error) { return f(ctx) }

// SegmentReader pulls bounded-size byte windows from a blob object. It holds
// at most one window in memory at a time regardless of file size, and records
// the absolute offset of each window so a restarted job can seek back to
// where it left off.
type SegmentReader struct {
	obj    blob.Object
	window []byte
	offset int64
}

// NewSegmentReader wraps obj with a reader yielding windows of at most
// windowSize bytes. windowSize <= 0 selects [DefaultWindowSize].
func NewSegmentReader(obj blob.Object, windowSize int) *SegmentReader {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	return &SegmentReader{obj: obj, window: make([]byte, windowSize)}
}

// Size returns the total size of the underlying object in bytes.
func (r *SegmentReader) Size() int64 { return r.obj.Size() }

// Offset returns the absolute byte offset the next window will start at.
func (r *SegmentReader) Offset() int64 { return r.offset }

// Next reads the next window. It returns the window contents (valid until the
// following Next call), the window's starting offset, and io.EOF once the
// object is exhausted.
func (r *SegmentReader) Next(ctx context.Context) ([]byte, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, r.offset, err
	}
	start := r.offset
	n, err := io.ReadFull(r.obj, r.window)
	r.offset += int64(n)
	if n > 0 {
		return r.window[:n], start, nil
	}
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	return nil, start, err
}

// Read implements io.Reader for parsers built on stream decoders (csv, xml,
// html tokenizers). Reads advance the same offset as Next.
func (r *SegmentReader) Read(p []byte) (int, error) {
	n, err := r.obj.Read(p)
	r.offset += int64(n)
	return n, err
}

// SeekTo repositions the reader at the given absolute byte offset. Used to
// restart a job without re-reading already-processed content.
func (r *SegmentReader) SeekTo(offset int64) error {
	if _, err := r.obj.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("segment reader: seek to %d: %w", offset, err)
	}
	r.offset = offset
	return nil
}

// ReadAll drains the remaining windows into one byte slice, failing with a
// [ParseError] of kind [KindTooLarge] if the total would exceed maxBytes.
// Container formats that need the whole archive in memory use this; streaming
// parsers must not.
func (r *SegmentReader) ReadAll(ctx context.Context, maxBytes int64) ([]byte, error) {
	if maxBytes > 0 && r.obj.Size()-r.offset > maxBytes {
		return nil, NewParseError(KindTooLarge,
			fmt.Errorf("file is %d bytes, ceiling is %d", r.obj.Size(), maxBytes))
	}
	var out []byte
	for {
		window, _, err := r.Next(ctx)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, window...)
		if maxBytes > 0 && int64(len(out)) > maxBytes {
			return nil, NewParseError(KindTooLarge,
				fmt.Errorf("content exceeds %d byte ceiling", maxBytes))
		}
	}
}
