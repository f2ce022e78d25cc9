package ingestion_engine

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/brotli"
	"golang.org/x/net/html/charset"

	"github.com/markdave123-py/lumen/internal/core"
)

const (
	DefaultUserAgent = "Mozilla/5.0 (compatible; LumenBot/1.0)"

	noiseSelector = "script, style, nav, footer, header, aside, .ad, #ad"
)

// contentSelectors are tried in order; the first region with text wins.
var contentSelectors = []string{"article", "main", ".content", ".post-content", "body"}

var whitespaceRun = regexp.MustCompile(`\s+`)

// WebFetcher downloads a page and reduces it to its readable text.
type WebFetcher struct {
	client    *http.Client
	userAgent string
	maxBytes  int64
}

func NewWebFetcher(timeout time.Duration, maxBytes int64) *WebFetcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebFetcher{
		client:    &http.Client{Timeout: timeout},
		userAgent: DefaultUserAgent,
		maxBytes:  maxBytes,
	}
}

// Fetch returns "<title> <primary content>" with whitespace collapsed.
func (f *WebFetcher) Fetch(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", core.NewExtractionError(core.ExtractFetchFailed, "build request", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Encoding", "gzip, br")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", core.NewExtractionError(core.ExtractFetchFailed, "fetch "+rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", core.NewExtractionError(core.ExtractFetchFailed, fmt.Sprintf("fetch %s: status %d", rawURL, resp.StatusCode), nil)
	}

	decoded, err := decodeBody(resp)
	if err != nil {
		return "", core.NewExtractionError(core.ExtractFetchFailed, "decode body", err)
	}
	defer decoded.Close()
	var body io.Reader = decoded
	if f.maxBytes > 0 {
		body = io.LimitReader(body, f.maxBytes)
	}

	utf8Body, err := charset.NewReader(body, resp.Header.Get("Content-Type"))
	if err != nil {
		return "", core.NewExtractionError(core.ExtractFetchFailed, "detect charset", err)
	}

	doc, err := goquery.NewDocumentFromReader(utf8Body)
	if err != nil {
		// Read errors surface here too (timeouts mid-body).
		return "", core.NewExtractionError(core.ExtractFetchFailed, "read page", err)
	}

	text := pageText(doc)
	if text == "" {
		return "", core.NewExtractionError(core.ExtractEmpty, "no readable text at "+rawURL, nil)
	}
	return text, nil
}

// decodeBody unwraps the content encoding. Closing the result leaves resp.Body open.
func decodeBody(resp *http.Response) (io.ReadCloser, error) {
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "gzip":
		return gzip.NewReader(resp.Body)
	case "br":
		return io.NopCloser(brotli.NewReader(resp.Body)), nil
	default:
		return io.NopCloser(resp.Body), nil
	}
}

// pageText strips page chrome and joins the title with the first content region.
func pageText(doc *goquery.Document) string {
	doc.Find(noiseSelector).Remove()

	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		title = strings.TrimSpace(doc.Find("h1").First().Text())
	}
	var body string
	for _, sel := range contentSelectors {
		if body = strings.TrimSpace(doc.Find(sel).First().Text()); body != "" {
			break
		}
	}

	return collapseWhitespace(title + "\n\n" + body)
}

func collapseWhitespace(s string) string {
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(s, " "))
}
