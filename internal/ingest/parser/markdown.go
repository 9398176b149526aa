package parser

import (
	"context"
	"io"
	"regexp"
	"strings"

	"github.com/vectory-io/vectory/internal/ingest"
)

// Markdown formatting patterns, applied per line.
var (
	mdHeading    = regexp.MustCompile(`^#{1,6}\s+`)
	mdListMarker = regexp.MustCompile(`^\s*([-*+]|\d+\.)\s+`)
	mdBlockquote = regexp.MustCompile(`^>\s?`)
	mdImage      = regexp.MustCompile(`!\[([^\]]*)\]\([^)]*\)`)
	mdLink       = regexp.MustCompile(`\[([^\]]+)\]\([^)]*\)`)
	mdBold       = regexp.MustCompile(`(\*\*|__)(.*?)(\*\*|__)`)
	mdItalic     = regexp.MustCompile(`([*_])([^*_]+)([*_])`)
	mdInlineCode = regexp.MustCompile("`([^`]*)`")
)

// MarkdownParser streams markdown line by line, stripping formatting so the
// embedded text is the prose, not the markup. Fenced code block contents are
// kept verbatim; the fence lines themselves are dropped.
type MarkdownParser struct{}

func (p *MarkdownParser) Parse(ctx context.Context, src *ingest.SegmentReader) (ingest.Segments, error) {
	return &markdownSegments{text: textSegments{src: src}}, nil
}

type markdownSegments struct {
	text    textSegments
	rem     string // partial trailing line
	inFence bool
	eof     bool
}

func (s *markdownSegments) Next(ctx context.Context) (ingest.Segment, error) {
	for {
		if s.eof {
			if s.rem == "" {
				return ingest.Segment{}, io.EOF
			}
			line := s.rem
			s.rem = ""
			if out := s.strip(line); out != "" {
				return ingest.Segment{Text: out}, nil
			}
			return ingest.Segment{}, io.EOF
		}

		seg, err := s.text.Next(ctx)
		if err == io.EOF {
			s.eof = true
			continue
		}
		if err != nil {
			return ingest.Segment{}, err
		}

		buf := s.rem + seg.Text
		cut := strings.LastIndexByte(buf, '\n')
		if cut < 0 {
			s.rem = buf
			continue
		}
		s.rem = buf[cut+1:]

		var b strings.Builder
		for _, line := range strings.SplitAfter(buf[:cut+1], "\n") {
			b.WriteString(s.strip(line))
		}
		if b.Len() == 0 {
			continue
		}
		return ingest.Segment{Text: b.String()}, nil
	}
}

// strip removes markdown formatting from one line, preserving its trailing
// newline.
func (s *markdownSegments) strip(line string) string {
	trimmed := strings.TrimRight(line, "\n")
	nl := line[len(trimmed):]

	if strings.HasPrefix(strings.TrimSpace(trimmed), "```") {
		s.inFence = !s.inFence
		return ""
	}
	if s.inFence {
		return line
	}

	out := mdHeading.ReplaceAllString(trimmed, "")
	out = mdBlockquote.ReplaceAllString(out, "")
	out = mdListMarker.ReplaceAllString(out, "")
	out = mdImage.ReplaceAllString(out, "$1")
	out = mdLink.ReplaceAllString(out, "$1")
	out = mdBold.ReplaceAllString(out, "$2")
	out = mdItalic.ReplaceAllString(out, "$2")
	out = mdInlineCode.ReplaceAllString(out, "$1")
	if strings.TrimSpace(out) == "" && strings.TrimSpace(trimmed) != "" {
		// A line that was pure markup contributes nothing.
		return ""
	}
	return out + nl
}
