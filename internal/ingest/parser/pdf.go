package parser

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/vectory-io/vectory/internal/ingest"
)

// PDFParser extracts page text from PDF documents. Like docx, the file must
// be resident for random access, so it is capped by MaxBytes. Pages stream
// lazily once the document is open.
type PDFParser struct {
	// MaxBytes is the in-memory ceiling for the document.
	// Default: [DefaultMaxContainerBytes].
	MaxBytes int64
}

func (p *PDFParser) Parse(ctx context.Context, src *ingest.SegmentReader) (segs ingest.Segments, err error) {
	maxBytes := p.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxContainerBytes
	}
	data, err := src.ReadAll(ctx, maxBytes)
	if err != nil {
		return nil, err
	}

	// The pdf library panics on some malformed files; contain that here so
	// a bad upload reads as corrupt content, not a crashed worker.
	defer func() {
		if r := recover(); r != nil {
			segs = nil
			err = ingest.NewParseError(ingest.KindCorrupt, fmt.Errorf("malformed pdf: %v", r))
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, ingest.NewParseError(ingest.KindCorrupt, err)
	}
	return &pdfSegments{reader: reader, pages: reader.NumPage()}, nil
}

type pdfSegments struct {
	reader *pdf.Reader
	pages  int
	page   int // last page read, 1-based
}

func (s *pdfSegments) Next(ctx context.Context) (seg ingest.Segment, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = ingest.NewParseError(ingest.KindCorrupt, fmt.Errorf("malformed pdf page: %v", r))
		}
	}()
	for {
		if err := ctx.Err(); err != nil {
			return ingest.Segment{}, err
		}
		if s.page >= s.pages {
			return ingest.Segment{}, io.EOF
		}
		s.page++

		page := s.reader.Page(s.page)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return ingest.Segment{}, ingest.NewParseError(ingest.KindCorrupt,
				fmt.Errorf("page %d: %w", s.page, err))
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		return ingest.Segment{Text: text + "\n\n"}, nil
	}
}
