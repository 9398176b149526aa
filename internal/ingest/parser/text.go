package parser

import (
	"context"
	"errors"
	"io"
	"unicode/utf8"

	"github.com/vectory-io/vectory/internal/ingest"
)

// TextParser streams plain UTF-8 text, one segment per read window. A
// multi-byte rune split across a window boundary is carried into the next
// segment so decoding never tears codepoints.
type TextParser struct{}

func (p *TextParser) Parse(ctx context.Context, src *ingest.SegmentReader) (ingest.Segments, error) {
	return &textSegments{src: src}, nil
}

type textSegments struct {
	src *ingest.SegmentReader
	rem []byte // trailing bytes of an incomplete rune
}

func (s *textSegments) Next(ctx context.Context) (ingest.Segment, error) {
	window, off, err := s.src.Next(ctx)
	if err == io.EOF {
		if len(s.rem) > 0 {
			return ingest.Segment{}, ingest.NewParseError(ingest.KindEncodingError,
				errors.New("file ends mid-way through a multi-byte character"))
		}
		return ingest.Segment{}, io.EOF
	}
	if err != nil {
		return ingest.Segment{}, err
	}

	start := off - int64(len(s.rem))
	buf := append(s.rem, window...)
	complete, rest := splitIncompleteRune(buf)
	if !utf8.Valid(complete) {
		return ingest.Segment{}, ingest.NewParseError(ingest.KindEncodingError,
			errors.New("content is not valid UTF-8"))
	}
	s.rem = append([]byte(nil), rest...)
	return ingest.Segment{Text: string(complete), SourceOffset: start}, nil
}

// splitIncompleteRune splits b into a prefix ending on a rune boundary and
// the bytes of a possibly incomplete trailing rune.
func splitIncompleteRune(b []byte) (complete, rest []byte) {
	for i := len(b) - 1; i >= 0 && len(b)-i < utf8.UTFMax; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		r, size := utf8.DecodeRune(b[i:])
		if r == utf8.RuneError && size == 1 {
			// A multi-byte rune whose continuation bytes have not arrived
			// yet. Genuinely invalid bytes surface via utf8.Valid upstream.
			return b[:i], b[i:]
		}
		return b[:i+size], b[i+size:]
	}
	return b, nil
}
