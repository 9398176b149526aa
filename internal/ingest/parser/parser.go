// Package parser turns raw uploaded files into lazy sequences of normalized
// text segments, polymorphic over the declared file type.
//
// Parsers form a closed strategy table keyed by file extension, not an
// inheritance hierarchy. Every parser streams: its memory use is bounded by
// a small constant multiple of one read window, never the file size. The two
// container formats (docx, pdf) are the allowed exception — they need the
// whole archive in memory, so they are capped by a configurable ceiling and
// fail fast with a too-large parse error above it.
//
// Content errors are fatal and never retried: a malformed file will be just
// as malformed on the next attempt.
package parser

import (
	"context"
	"fmt"
	"strings"

	"github.com/vectory-io/vectory/internal/ingest"
)

// DefaultMaxContainerBytes caps the in-memory size of container formats.
const DefaultMaxContainerBytes = 50 * 1024 * 1024

// Parser converts one file's byte stream into a lazy segment sequence.
type Parser interface {
	Parse(ctx context.Context, src *ingest.SegmentReader) (ingest.Segments, error)
}

// Config tunes the registry's parsers.
type Config struct {
	// MaxContainerBytes is the in-memory ceiling for docx and pdf files.
	// Default: [DefaultMaxContainerBytes].
	MaxContainerBytes int64
}

// Registry dispatches to the parser registered for a declared file type.
// It implements [ingest.ParserRegistry].
type Registry struct {
	parsers map[string]Parser
}

var _ ingest.ParserRegistry = (*Registry)(nil)

// NewRegistry builds a registry with all built-in parsers registered under
// their usual extensions.
func NewRegistry(cfg Config) *Registry {
	if cfg.MaxContainerBytes <= 0 {
		cfg.MaxContainerBytes = DefaultMaxContainerBytes
	}
	r := &Registry{parsers: make(map[string]Parser)}
	text := &TextParser{}
	r.Register("txt", text)
	r.Register("text", text)
	r.Register("log", text)
	md := &MarkdownParser{}
	r.Register("md", md)
	r.Register("markdown", md)
	html := &HTMLParser{}
	r.Register("html", html)
	r.Register("htm", html)
	r.Register("csv", &CSVParser{})
	r.Register("json", &JSONParser{})
	r.Register("docx", &DocxParser{MaxBytes: cfg.MaxContainerBytes})
	r.Register("pdf", &PDFParser{MaxBytes: cfg.MaxContainerBytes})
	return r
}

// Register binds a parser to a file type, replacing any previous binding.
func (r *Registry) Register(fileType string, p Parser) {
	r.parsers[normalizeType(fileType)] = p
}

// Parse dispatches to the parser for fileType.
func (r *Registry) Parse(ctx context.Context, fileType string, src *ingest.SegmentReader) (ingest.Segments, error) {
	p, ok := r.parsers[normalizeType(fileType)]
	if !ok {
		return nil, ingest.NewParseError(ingest.KindUnsupportedFormat,
			fmt.Errorf("no parser registered for file type %q", fileType))
	}
	return p.Parse(ctx, src)
}

// Supported returns whether a parser is registered for fileType.
func (r *Registry) Supported(fileType string) bool {
	_, ok := r.parsers[normalizeType(fileType)]
	return ok
}

func normalizeType(t string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(t), "."))
}
