package parser

import (
	"context"
	"io"
	"strings"

	"golang.org/x/net/html"

	"github.com/vectory-io/vectory/internal/ingest"
)

// HTMLParser streams structured markup with a tokenizer, emitting one
// segment per text node. Script and style contents are skipped; block-level
// end tags contribute a newline so paragraph chunking sees boundaries.
type HTMLParser struct{}

func (p *HTMLParser) Parse(ctx context.Context, src *ingest.SegmentReader) (ingest.Segments, error) {
	return &htmlSegments{tok: html.NewTokenizer(src)}, nil
}

// blockTags are elements whose close emits a paragraph break.
var blockTags = map[string]bool{
	"p": true, "div": true, "section": true, "article": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"li": true, "tr": true, "blockquote": true, "pre": true,
}

type htmlSegments struct {
	tok       *html.Tokenizer
	skipUntil string // open script/style element being skipped
}

func (s *htmlSegments) Next(ctx context.Context) (ingest.Segment, error) {
	for {
		if err := ctx.Err(); err != nil {
			return ingest.Segment{}, err
		}
		switch s.tok.Next() {
		case html.ErrorToken:
			err := s.tok.Err()
			if err == io.EOF {
				return ingest.Segment{}, io.EOF
			}
			return ingest.Segment{}, ingest.NewParseError(ingest.KindCorrupt, err)

		case html.TextToken:
			if s.skipUntil != "" {
				continue
			}
			text := strings.TrimSpace(string(s.tok.Text()))
			if text == "" {
				continue
			}
			return ingest.Segment{Text: text + " "}, nil

		case html.StartTagToken:
			name, _ := s.tok.TagName()
			tag := string(name)
			if tag == "script" || tag == "style" {
				s.skipUntil = tag
			}
			if tag == "br" {
				return ingest.Segment{Text: "\n"}, nil
			}

		case html.EndTagToken:
			name, _ := s.tok.TagName()
			tag := string(name)
			if tag == s.skipUntil {
				s.skipUntil = ""
				continue
			}
			if blockTags[tag] {
				return ingest.Segment{Text: "\n\n"}, nil
			}
		}
	}
}
