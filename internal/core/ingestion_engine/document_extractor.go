package ingestion_engine

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"code.sajari.com/docconv"
	"github.com/PuerkitoBio/goquery"
	"github.com/ledongthuc/pdf"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/markdave123-py/lumen/internal/core"
	"github.com/markdave123-py/lumen/internal/logger"
	"github.com/markdave123-py/lumen/internal/models"
)

var _ core.ContentExtractor = (*SourceExtractor)(nil)

// SourceExtractor implements core.ContentExtractor for PDF, TXT and URL sources.
// Files come from object storage, pages from the web fetcher.
type SourceExtractor struct {
	obj     core.ObjectClient
	fetcher *WebFetcher
	log     *logger.Logger
}

func NewSourceExtractor(obj core.ObjectClient, fetcher *WebFetcher, log *logger.Logger) *SourceExtractor {
	return &SourceExtractor{obj: obj, fetcher: fetcher, log: log}
}

func (e *SourceExtractor) Extract(ctx context.Context, src *models.Source) (string, error) {
	switch src.Type {
	case models.SourceURL:
		if src.URL == "" {
			return "", core.NewExtractionError(core.ExtractFetchFailed, "source has no url", nil)
		}
		return e.fetcher.Fetch(ctx, src.URL)
	case models.SourcePDF:
		data, err := e.readFile(ctx, src)
		if err != nil {
			return "", err
		}
		return e.extractPDF(data)
	case models.SourceTXT:
		data, err := e.readFile(ctx, src)
		if err != nil {
			return "", err
		}
		text := decodeText(data)
		if isMarkdown(src.Title) || isMarkdown(src.FilePath) {
			return markdownText(text)
		}
		return text, nil
	default:
		return "", core.NewExtractionError(core.ExtractParseFailed, fmt.Sprintf("unsupported source type %q", src.Type), nil)
	}
}

func (e *SourceExtractor) readFile(ctx context.Context, src *models.Source) ([]byte, error) {
	if src.FilePath == "" {
		return nil, core.NewExtractionError(core.ExtractIO, "source has no file", nil)
	}
	data, err := e.obj.GetFile(ctx, src.FilePath)
	if err != nil {
		return nil, core.NewExtractionError(core.ExtractIO, "read "+src.FilePath, err)
	}
	return data, nil
}

// extractPDF tries docconv (pdftotext) first and falls back to the pure-Go reader,
// which also covers hosts without poppler installed.
func (e *SourceExtractor) extractPDF(data []byte) (string, error) {
	res, err := docconv.Convert(bytes.NewReader(data), "application/pdf", false)
	if err == nil && strings.TrimSpace(res.Body) != "" {
		return res.Body, nil
	}
	if err != nil {
		e.log.Debug("docconv pdf extraction failed, trying fallback", "err", err)
	}

	text, fbErr := readPDFPlainText(data)
	if fbErr != nil {
		return "", core.NewExtractionError(core.ExtractParseFailed, "malformed pdf", fbErr)
	}
	return text, nil
}

func readPDFPlainText(data []byte) (text string, err error) {
	// The reader panics on some corrupt xref tables.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pdf reader: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		pageText, err := p.GetPlainText(nil)
		if err != nil {
			return "", fmt.Errorf("page %d: %w", i, err)
		}
		b.WriteString(pageText)
		b.WriteString("\n")
	}
	return b.String(), nil
}

// decodeText reads bytes as UTF-8, dropping a BOM and replacing invalid sequences.
func decodeText(data []byte) string {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if utf8.Valid(data) {
		return string(data)
	}
	return strings.ToValidUTF8(string(data), "�")
}

func isMarkdown(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".md", ".markdown":
		return true
	}
	return false
}

// markdownText renders markdown to HTML and keeps only the text nodes,
// one block per line.
func markdownText(src string) (string, error) {
	md := goldmark.New(goldmark.WithExtensions(extension.GFM))
	var buf bytes.Buffer
	if err := md.Convert([]byte(src), &buf); err != nil {
		return "", core.NewExtractionError(core.ExtractParseFailed, "render markdown", err)
	}
	doc, err := goquery.NewDocumentFromReader(&buf)
	if err != nil {
		return "", core.NewExtractionError(core.ExtractParseFailed, "parse rendered markdown", err)
	}
	var lines []string
	doc.Find("h1, h2, h3, h4, h5, h6, p, li, pre, blockquote, td, th").Each(func(_ int, s *goquery.Selection) {
		// Nested blocks are reached through their parents.
		if s.ParentsFiltered("li, blockquote").Length() > 0 {
			return
		}
		if t := strings.TrimSpace(s.Text()); t != "" {
			lines = append(lines, t)
		}
	})
	return strings.Join(lines, "\n"), nil
}
