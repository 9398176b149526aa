package parser

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/vectory-io/vectory/internal/ingest"
)

// DocxParser extracts paragraph text from Office Open XML documents. The zip
// container must be resident in memory, so files above MaxBytes fail fast
// instead of blowing the pipeline's memory bound. Paragraphs stream lazily
// out of the document part once the archive is open.
type DocxParser struct {
	// MaxBytes is the in-memory ceiling for the archive.
	// Default: [DefaultMaxContainerBytes].
	MaxBytes int64
}

func (p *DocxParser) Parse(ctx context.Context, src *ingest.SegmentReader) (ingest.Segments, error) {
	maxBytes := p.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxContainerBytes
	}
	data, err := src.ReadAll(ctx, maxBytes)
	if err != nil {
		return nil, err
	}

	archive, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, ingest.NewParseError(ingest.KindCorrupt, fmt.Errorf("not a zip archive: %w", err))
	}

	doc, err := archive.Open("word/document.xml")
	if err != nil {
		return nil, ingest.NewParseError(ingest.KindCorrupt, errors.New("archive has no word/document.xml"))
	}
	return &docxSegments{doc: doc, dec: xml.NewDecoder(doc)}, nil
}

type docxSegments struct {
	doc io.ReadCloser
	dec *xml.Decoder

	inText bool
	para   strings.Builder
}

// Next returns one paragraph per call, collecting the w:t runs inside each
// w:p element.
func (s *docxSegments) Next(ctx context.Context) (ingest.Segment, error) {
	for {
		if err := ctx.Err(); err != nil {
			return ingest.Segment{}, err
		}
		tok, err := s.dec.Token()
		if err == io.EOF {
			s.doc.Close()
			if s.para.Len() > 0 {
				text := s.para.String() + "\n"
				s.para.Reset()
				return ingest.Segment{Text: text}, nil
			}
			return ingest.Segment{}, io.EOF
		}
		if err != nil {
			s.doc.Close()
			return ingest.Segment{}, ingest.NewParseError(ingest.KindCorrupt, err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				s.inText = true
			case "tab":
				s.para.WriteByte('\t')
			case "br":
				s.para.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				s.inText = false
			case "p":
				text := s.para.String()
				s.para.Reset()
				if strings.TrimSpace(text) == "" {
					continue
				}
				return ingest.Segment{Text: text + "\n\n"}, nil
			}
		case xml.CharData:
			if s.inText {
				s.para.Write(t)
			}
		}
	}
}
