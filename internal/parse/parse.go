// Package parse turns raw document bytes into plain text ready for
// chunking. Format is selected by file extension; the text output
// keeps paragraph breaks so downstream splitting can respect them.
package parse

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
	"github.com/ledongthuc/pdf"
	"github.com/xuri/excelize/v2"

	"github.com/koopa0/ragpipe/internal/log"
)

// ErrUnsupportedFormat indicates the file extension has no registered
// handler. Caller error, never retried.
var ErrUnsupportedFormat = errors.New("unsupported document format")

// Document is the extraction result for one source file or page.
type Document struct {
	Title    string
	Text     string
	Metadata map[string]string
}

// Parser extracts plain text from supported document formats.
type Parser struct {
	logger log.Logger
}

// New creates a Parser.
func New(logger log.Logger) *Parser {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Parser{logger: logger.With("component", "parse")}
}

// Supported reports whether the extension of name has a handler.
func (p *Parser) Supported(name string) bool {
	switch normalizeExt(name) {
	case ".txt", ".md", ".markdown", ".csv", ".json", ".xml", ".html", ".htm", ".pdf", ".xlsx", ".xlsm":
		return true
	}
	return false
}

// Parse extracts text from data according to the extension of name.
// The result metadata always includes "filename" and "format".
func (p *Parser) Parse(name string, data []byte) (*Document, error) {
	ext := normalizeExt(name)

	var doc *Document
	var err error
	switch ext {
	case ".txt", ".md", ".markdown", ".csv", ".json", ".xml":
		doc = &Document{Text: string(data)}
	case ".html", ".htm":
		doc, err = p.parseHTML(data)
	case ".pdf":
		doc, err = p.parsePDF(data)
	case ".xlsx", ".xlsm":
		doc, err = p.parseExcel(data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", filepath.Base(name), err)
	}

	doc.Text = strings.TrimSpace(doc.Text)
	if doc.Metadata == nil {
		doc.Metadata = map[string]string{}
	}
	doc.Metadata["filename"] = filepath.Base(name)
	doc.Metadata["format"] = strings.TrimPrefix(ext, ".")
	if doc.Title != "" {
		doc.Metadata["title"] = doc.Title
	}
	doc.Metadata = SanitizeMetadata(doc.Metadata)

	p.logger.Debug("parsed document", "name", filepath.Base(name), "format", ext, "bytes", len(doc.Text))
	return doc, nil
}

// parseHTML extracts the readable article body. When readability finds
// no article it falls back to stripping tags from the whole page.
func (p *Parser) parseHTML(data []byte) (*Document, error) {
	article, err := readability.FromReader(bytes.NewReader(data), &url.URL{})
	if err == nil && strings.TrimSpace(article.TextContent) != "" {
		return &Document{Title: article.Title, Text: article.TextContent}, nil
	}

	q, qErr := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if qErr != nil {
		if err != nil {
			return nil, err
		}
		return nil, qErr
	}
	q.Find("script, style, noscript").Remove()
	title := strings.TrimSpace(q.Find("title").First().Text())

	var b strings.Builder
	q.Find("p, h1, h2, h3, h4, h5, h6, li, td, pre").Each(func(_ int, sel *goquery.Selection) {
		text := strings.TrimSpace(sel.Text())
		if text != "" {
			b.WriteString(text)
			b.WriteString("\n\n")
		}
	})
	text := b.String()
	if text == "" {
		text = strings.TrimSpace(q.Text())
	}
	return &Document{Title: title, Text: text}, nil
}

func (p *Parser) parsePDF(data []byte) (*Document, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("reading pdf: %w", err)
	}
	reader, err := r.GetPlainText()
	if err != nil {
		return nil, fmt.Errorf("extracting pdf text: %w", err)
	}
	text, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("reading pdf text: %w", err)
	}
	return &Document{Text: string(text)}, nil
}

// parseExcel renders each sheet as tab-separated rows under a sheet
// heading, one paragraph per sheet.
func (p *Parser) parseExcel(data []byte) (*Document, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("opening workbook: %w", err)
	}
	defer func() { _ = f.Close() }()

	var b strings.Builder
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			p.logger.Warn("skipping unreadable sheet", "sheet", sheet, "error", err)
			continue
		}
		if len(rows) == 0 {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("Sheet: ")
		b.WriteString(sheet)
		for _, row := range rows {
			b.WriteByte('\n')
			b.WriteString(strings.Join(row, "\t"))
		}
	}
	return &Document{Text: b.String()}, nil
}

func normalizeExt(name string) string {
	return strings.ToLower(filepath.Ext(name))
}

// maxMetadataValueLen bounds stored metadata values so index payloads
// stay small.
const maxMetadataValueLen = 512

// SanitizeMetadata returns a copy of meta with empty keys removed,
// values trimmed and truncated, and control characters stripped.
func SanitizeMetadata(meta map[string]string) map[string]string {
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		v = strings.TrimSpace(stripControl(v))
		if len(v) > maxMetadataValueLen {
			cut := maxMetadataValueLen
			for cut > 0 && !utf8.RuneStart(v[cut]) {
				cut--
			}
			v = v[:cut]
		}
		out[k] = v
	}
	return out
}

func stripControl(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return ' '
		}
		if r < 32 || r == 127 {
			return -1
		}
		return r
	}, s)
}
