package parse

import (
	"errors"
	"strings"
	"testing"

	"github.com/koopa0/ragpipe/internal/log"
)

func TestParsePlainFormats(t *testing.T) {
	p := New(log.NewNop())

	tests := []struct {
		name     string
		filename string
		data     string
		format   string
	}{
		{name: "text", filename: "notes.txt", data: "plain text body", format: "txt"},
		{name: "markdown", filename: "readme.md", data: "# Title\n\nBody paragraph.", format: "md"},
		{name: "csv", filename: "data.csv", data: "a,b\n1,2", format: "csv"},
		{name: "json", filename: "payload.json", data: `{"k":"v"}`, format: "json"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := p.Parse(tt.filename, []byte(tt.data))
			if err != nil {
				t.Fatalf("Parse() error: %v", err)
			}
			if doc.Text != tt.data {
				t.Errorf("Text = %q, want %q", doc.Text, tt.data)
			}
			if doc.Metadata["filename"] != tt.filename {
				t.Errorf("filename metadata = %q", doc.Metadata["filename"])
			}
			if doc.Metadata["format"] != tt.format {
				t.Errorf("format metadata = %q, want %q", doc.Metadata["format"], tt.format)
			}
		})
	}
}

func TestParseHTML(t *testing.T) {
	p := New(log.NewNop())

	html := `<!DOCTYPE html>
<html><head><title>Test Page</title><style>body { color: red }</style></head>
<body>
<script>var x = 1;</script>
<article>
<h1>Main Heading</h1>
<p>First paragraph with enough words to count as real article content for extraction.</p>
<p>Second paragraph that also carries a meaningful amount of readable text content.</p>
</article>
</body></html>`

	doc, err := p.Parse("page.html", []byte(html))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if !strings.Contains(doc.Text, "First paragraph") {
		t.Errorf("Text missing article body: %q", doc.Text)
	}
	if strings.Contains(doc.Text, "var x = 1") {
		t.Error("Text contains script content")
	}
	if strings.Contains(doc.Text, "color: red") {
		t.Error("Text contains style content")
	}
}

func TestParseUnsupported(t *testing.T) {
	p := New(log.NewNop())

	_, err := p.Parse("binary.exe", []byte{0x4d, 0x5a})
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("Parse(.exe) = %v, want ErrUnsupportedFormat", err)
	}
	_, err = p.Parse("noext", []byte("data"))
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("Parse(no extension) = %v, want ErrUnsupportedFormat", err)
	}
}

func TestSupported(t *testing.T) {
	p := New(log.NewNop())
	for _, name := range []string{"a.txt", "b.MD", "c.html", "d.pdf", "e.xlsx", "f.csv"} {
		if !p.Supported(name) {
			t.Errorf("Supported(%q) = false", name)
		}
	}
	for _, name := range []string{"a.exe", "b.png", "c"} {
		if p.Supported(name) {
			t.Errorf("Supported(%q) = true", name)
		}
	}
}

func TestSanitizeMetadata(t *testing.T) {
	in := map[string]string{
		"  title ":  "  A Title\nwith newline  ",
		"":          "dropped",
		"control":   "a\x00b\x07c",
		"long":      strings.Repeat("x", 600),
		"untouched": "clean value",
	}
	out := SanitizeMetadata(in)

	if _, ok := out[""]; ok {
		t.Error("empty key survived sanitization")
	}
	if got := out["title"]; got != "A Title with newline" {
		t.Errorf("title = %q", got)
	}
	if got := out["control"]; got != "abc" {
		t.Errorf("control = %q", got)
	}
	if len(out["long"]) != maxMetadataValueLen {
		t.Errorf("long value length = %d, want %d", len(out["long"]), maxMetadataValueLen)
	}
	if out["untouched"] != "clean value" {
		t.Errorf("untouched = %q", out["untouched"])
	}
}
