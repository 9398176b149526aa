package parser_test

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/vectory-io/vectory/internal/ingest"
	"github.com/vectory-io/vectory/internal/ingest/parser"
)

// memObject is an in-memory blob object for parser tests.
type memObject struct {
	*bytes.Reader
	size int64
}

func (o *memObject) Close() error { return nil }
func (o *memObject) Size() int64  { return o.size }

func newReader(content []byte, window int) *ingest.SegmentReader {
	obj := &memObject{Reader: bytes.NewReader(content), size: int64(len(content))}
	return ingest.NewSegmentReader(obj, window)
}

// parseAll runs a file type through the registry and concatenates every
// segment.
func parseAll(t *testing.T, fileType string, content []byte, window int) (string, error) {
	t.Helper()
	reg := parser.NewRegistry(parser.Config{})
	segs, err := reg.Parse(context.Background(), fileType, newReader(content, window))
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for {
		seg, err := segs.Next(context.Background())
		if err == io.EOF {
			return b.String(), nil
		}
		if err != nil {
			return b.String(), err
		}
		b.WriteString(seg.Text)
	}
}

func wantKind(t *testing.T, err error, kind ingest.ParseKind) {
	t.Helper()
	var perr *ingest.ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want ParseError", err)
	}
	if perr.Kind != kind {
		t.Fatalf("parse error kind = %s, want %s", perr.Kind, kind)
	}
}

func TestRegistryDispatch(t *testing.T) {
	t.Parallel()
	reg := parser.NewRegistry(parser.Config{})

	for _, ft := range []string{"txt", "TXT", ".txt", "md", "html", "csv", "json", "docx", "pdf", "log"} {
		if !reg.Supported(ft) {
			t.Errorf("file type %q not supported", ft)
		}
	}
	if reg.Supported("tar") {
		t.Error("tar should not be supported")
	}

	_, err := reg.Parse(context.Background(), "tar", newReader(nil, 64))
	wantKind(t, err, ingest.KindUnsupportedFormat)
}

func TestTextParser(t *testing.T) {
	t.Parallel()

	content := "The first line.\nThe second line, a bit longer than the first.\n"
	got, err := parseAll(t, "txt", []byte(content), 16)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got != content {
		t.Fatalf("parsed text = %q, want the input unchanged", got)
	}
}

func TestTextParserRuneSplitAcrossWindows(t *testing.T) {
	t.Parallel()

	// Window size 4 tears the 3-byte CJK runes across window boundaries;
	// the parser must reassemble them.
	content := "日本語のテキスト"
	got, err := parseAll(t, "txt", []byte(content), 4)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got != content {
		t.Fatalf("parsed text = %q, want %q", got, content)
	}
}

func TestTextParserInvalidUTF8(t *testing.T) {
	t.Parallel()
	_, err := parseAll(t, "txt", []byte{'o', 'k', 0xff, 0xfe, 'x'}, 16)
	wantKind(t, err, ingest.KindEncodingError)
}

func TestTextParserTruncatedRune(t *testing.T) {
	t.Parallel()
	// A file ending mid-way through a multi-byte rune.
	content := append([]byte("ok "), []byte("語")[:2]...)
	_, err := parseAll(t, "txt", content, 16)
	wantKind(t, err, ingest.KindEncodingError)
}

func TestCSVParser(t *testing.T) {
	t.Parallel()

	content := "name,age,city\nada,36,london\ngrace,45,arlington\n"
	got, err := parseAll(t, "csv", []byte(content), 16)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := "name: ada, age: 36, city: london\nname: grace, age: 45, city: arlington\n"
	if got != want {
		t.Fatalf("parsed csv = %q, want %q", got, want)
	}
}

func TestCSVParserHeaderOnly(t *testing.T) {
	t.Parallel()
	got, err := parseAll(t, "csv", []byte("name,age\n"), 64)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got != "" {
		t.Fatalf("header-only file produced %q", got)
	}
}

func TestCSVParserCorrupt(t *testing.T) {
	t.Parallel()
	// An unterminated quote is a structural error.
	_, err := parseAll(t, "csv", []byte("a,b\n\"unterminated,1\n2,3\n"), 64)
	wantKind(t, err, ingest.KindCorrupt)
}

func TestJSONParser(t *testing.T) {
	t.Parallel()

	content := `{"title":"report","tags":["a","b"],"meta":{"pages":3,"draft":false,"owner":null}}`
	got, err := parseAll(t, "json", []byte(content), 16)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := strings.Join([]string{
		"title: report",
		"tags[0]: a",
		"tags[1]: b",
		"meta.pages: 3",
		"meta.draft: false",
		"meta.owner: null",
	}, "\n") + "\n"
	if got != want {
		t.Fatalf("parsed json = %q, want %q", got, want)
	}
}

func TestJSONParserTopLevelArray(t *testing.T) {
	t.Parallel()
	got, err := parseAll(t, "json", []byte(`[{"id":1},{"id":2}]`), 64)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := "[0].id: 1\n[1].id: 2\n"
	if got != want {
		t.Fatalf("parsed json = %q, want %q", got, want)
	}
}

func TestJSONParserCorrupt(t *testing.T) {
	t.Parallel()
	for _, tc := range []string{`{"open": tru`, `{"a": 1`, `{]`} {
		_, err := parseAll(t, "json", []byte(tc), 64)
		wantKind(t, err, ingest.KindCorrupt)
	}
}

func TestMarkdownParser(t *testing.T) {
	t.Parallel()

	content := strings.Join([]string{
		"# The Title",
		"",
		"Some **bold** and *italic* prose with a [link](https://example.com).",
		"",
		"- first item",
		"- second item",
		"",
		"```",
		"code stays verbatim",
		"```",
		"",
		"> a quote",
		"",
	}, "\n")
	got, err := parseAll(t, "md", []byte(content), 16)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	for _, want := range []string{
		"The Title",
		"Some bold and italic prose with a link.",
		"first item",
		"second item",
		"code stays verbatim",
		"a quote",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
	for _, markup := range []string{"#", "**", "](", "- first", "```", "> "} {
		if strings.Contains(got, markup) {
			t.Errorf("markup %q leaked into output:\n%s", markup, got)
		}
	}
}

func TestHTMLParser(t *testing.T) {
	t.Parallel()

	content := `<html><head><title>Doc</title><style>p{color:red}</style></head>
<body><h1>Heading</h1><p>First paragraph.</p>
<script>var hidden = true;</script>
<p>Second<br>paragraph.</p></body></html>`
	got, err := parseAll(t, "html", []byte(content), 32)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	for _, want := range []string{"Doc", "Heading", "First paragraph.", "Second", "paragraph."} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
	for _, hidden := range []string{"color:red", "var hidden", "<p>", "<h1>"} {
		if strings.Contains(got, hidden) {
			t.Errorf("%q leaked into output:\n%s", hidden, got)
		}
	}
	// Block-level elements separate paragraphs.
	if !strings.Contains(got, "\n\n") {
		t.Error("no paragraph breaks in output")
	}
}

// buildDocx assembles a minimal Office Open XML document with the given
// paragraphs.
func buildDocx(t *testing.T, paragraphs ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	doc, err := w.Create("word/document.xml")
	if err != nil {
		t.Fatalf("zip create: %v", err)
	}
	var xmlBody strings.Builder
	xmlBody.WriteString(`<?xml version="1.0"?><w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>`)
	for _, p := range paragraphs {
		xmlBody.WriteString(`<w:p><w:r><w:t>`)
		xmlBody.WriteString(p)
		xmlBody.WriteString(`</w:t></w:r></w:p>`)
	}
	xmlBody.WriteString(`</w:body></w:document>`)
	if _, err := doc.Write([]byte(xmlBody.String())); err != nil {
		t.Fatalf("zip write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}

func TestDocxParser(t *testing.T) {
	t.Parallel()

	content := buildDocx(t, "The first paragraph.", "The second paragraph.")
	got, err := parseAll(t, "docx", content, 1024)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := "The first paragraph.\n\nThe second paragraph.\n\n"
	if got != want {
		t.Fatalf("parsed docx = %q, want %q", got, want)
	}
}

func TestDocxParserNotAZip(t *testing.T) {
	t.Parallel()
	_, err := parseAll(t, "docx", []byte("this is not a zip archive"), 64)
	wantKind(t, err, ingest.KindCorrupt)
}

func TestDocxParserMissingDocumentPart(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	f, _ := w.Create("unrelated.txt")
	f.Write([]byte("nothing"))
	w.Close()
	_, err := parseAll(t, "docx", buf.Bytes(), 64)
	wantKind(t, err, ingest.KindCorrupt)
}

func TestContainerSizeCeiling(t *testing.T) {
	t.Parallel()

	reg := parser.NewRegistry(parser.Config{MaxContainerBytes: 128})
	content := buildDocx(t, strings.Repeat("long paragraph ", 100))
	_, err := reg.Parse(context.Background(), "docx", newReader(content, 64))
	wantKind(t, err, ingest.KindTooLarge)

	_, err = reg.Parse(context.Background(), "pdf", newReader(make([]byte, 256), 64))
	wantKind(t, err, ingest.KindTooLarge)
}

func TestPDFParserCorrupt(t *testing.T) {
	t.Parallel()
	_, err := parseAll(t, "pdf", []byte("%PDF-1.4 but nothing else"), 64)
	wantKind(t, err, ingest.KindCorrupt)
}
