package parser

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/vectory-io/vectory/internal/ingest"
)

// CSVParser streams delimited tabular data one row at a time. The first row
// is the header; every following row renders as one "header: value" line so
// the embedded text carries the column semantics, not just the cell values.
type CSVParser struct{}

func (p *CSVParser) Parse(ctx context.Context, src *ingest.SegmentReader) (ingest.Segments, error) {
	r := csv.NewReader(src)
	r.FieldsPerRecord = -1
	r.ReuseRecord = true

	header, err := r.Read()
	if err == io.EOF {
		return emptySegments{}, nil
	}
	if err != nil {
		return nil, ingest.NewParseError(ingest.KindCorrupt, fmt.Errorf("reading header row: %w", err))
	}
	return &csvSegments{r: r, header: append([]string(nil), header...)}, nil
}

type csvSegments struct {
	r      *csv.Reader
	header []string
}

func (s *csvSegments) Next(ctx context.Context) (ingest.Segment, error) {
	if err := ctx.Err(); err != nil {
		return ingest.Segment{}, err
	}
	record, err := s.r.Read()
	if err == io.EOF {
		return ingest.Segment{}, io.EOF
	}
	if err != nil {
		var perr *csv.ParseError
		if errors.As(err, &perr) {
			return ingest.Segment{}, ingest.NewParseError(ingest.KindCorrupt, err)
		}
		return ingest.Segment{}, err
	}

	var b strings.Builder
	for i, value := range record {
		if i > 0 {
			b.WriteString(", ")
		}
		if i < len(s.header) {
			b.WriteString(s.header[i])
			b.WriteString(": ")
		}
		b.WriteString(value)
	}
	b.WriteByte('\n')
	return ingest.Segment{Text: b.String()}, nil
}

// emptySegments is the sequence of a file with no content rows.
type emptySegments struct{}

func (emptySegments) Next(context.Context) (ingest.Segment, error) {
	return ingest.Segment{}, io.EOF
}
