package parser

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/vectory-io/vectory/internal/ingest"
)

// JSONParser flattens semi-structured records into "path: scalar" lines, one
// segment per scalar. It walks the token stream with a path stack instead of
// unmarshalling, so arbitrarily large documents parse in bounded memory.
type JSONParser struct{}

func (p *JSONParser) Parse(ctx context.Context, src *ingest.SegmentReader) (ingest.Segments, error) {
	dec := json.NewDecoder(src)
	dec.UseNumber()
	return &jsonSegments{dec: dec}, nil
}

// jsonFrame tracks the position inside one open object or array.
type jsonFrame struct {
	isArray bool
	key     string
	index   int
	hasKey  bool
}

type jsonSegments struct {
	dec   *json.Decoder
	stack []jsonFrame
	done  bool
}

func (s *jsonSegments) Next(ctx context.Context) (ingest.Segment, error) {
	for {
		if err := ctx.Err(); err != nil {
			return ingest.Segment{}, err
		}
		if s.done {
			return ingest.Segment{}, io.EOF
		}

		tok, err := s.dec.Token()
		if err == io.EOF {
			if len(s.stack) > 0 {
				return ingest.Segment{}, ingest.NewParseError(ingest.KindCorrupt,
					fmt.Errorf("unexpected end of document"))
			}
			return ingest.Segment{}, io.EOF
		}
		if err != nil {
			return ingest.Segment{}, ingest.NewParseError(ingest.KindCorrupt, err)
		}

		switch t := tok.(type) {
		case json.Delim:
			switch t {
			case '{':
				s.stack = append(s.stack, jsonFrame{})
			case '[':
				s.stack = append(s.stack, jsonFrame{isArray: true})
			case '}', ']':
				s.stack = s.stack[:len(s.stack)-1]
				s.valueDone()
			}
		case string:
			if s.expectingKey() {
				s.stack[len(s.stack)-1].key = t
				s.stack[len(s.stack)-1].hasKey = true
				continue
			}
			return s.scalar(t), nil
		case json.Number:
			return s.scalar(t.String()), nil
		case bool:
			return s.scalar(strconv.FormatBool(t)), nil
		case nil:
			return s.scalar("null"), nil
		}

		if len(s.stack) == 0 {
			// Top-level value fully consumed; ignore any trailing garbage
			// the decoder would treat as a second document.
			s.done = true
		}
	}
}

// expectingKey reports whether the next string token is an object key.
func (s *jsonSegments) expectingKey() bool {
	if len(s.stack) == 0 {
		return false
	}
	top := &s.stack[len(s.stack)-1]
	return !top.isArray && !top.hasKey
}

// scalar renders one "path: value" line and advances the position.
func (s *jsonSegments) scalar(value string) ingest.Segment {
	path := s.path()
	s.valueDone()
	if len(s.stack) == 0 {
		s.done = true
	}
	if path == "" {
		return ingest.Segment{Text: value + "\n"}
	}
	return ingest.Segment{Text: path + ": " + value + "\n"}
}

// valueDone marks the enclosing frame's current value as consumed.
func (s *jsonSegments) valueDone() {
	if len(s.stack) == 0 {
		return
	}
	top := &s.stack[len(s.stack)-1]
	if top.isArray {
		top.index++
	} else {
		top.hasKey = false
	}
}

// path renders the current position, e.g. "items[2].name".
func (s *jsonSegments) path() string {
	var b strings.Builder
	for i, f := range s.stack {
		if f.isArray {
			b.WriteString("[" + strconv.Itoa(f.index) + "]")
			continue
		}
		if !f.hasKey {
			continue
		}
		if i > 0 && b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(f.key)
	}
	return b.String()
}
