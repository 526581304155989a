// Package fetch downloads web pages and reduces them to readable
// paragraphs for the external memory layer.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/spiralogic/oracle/internal/httpkit"
)

const (
	// DefaultTimeout bounds a whole fetch.
	DefaultTimeout = 30 * time.Second
	// DefaultMaxBytes caps the response body (5 MB).
	DefaultMaxBytes int64 = 5 * 1024 * 1024
	// DefaultMaxChars caps the extracted text.
	DefaultMaxChars = 50000
)

// ErrUnsupportedContent is returned for responses that are not text.
var ErrUnsupportedContent = errors.New("unsupported content type")

// Page holds the readable content of a URL.
type Page struct {
	URL         string   `json:"url"`
	Title       string   `json:"title,omitempty"`
	Paragraphs  []string `json:"paragraphs"`
	ContentType string   `json:"content_type,omitempty"`
	Truncated   bool     `json:"truncated,omitempty"`
}

// Text joins the paragraphs with blank lines.
func (p *Page) Text() string {
	return strings.Join(p.Paragraphs, "\n\n")
}

// Fetcher downloads and extracts readable content from web pages.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
	maxChars int
}

// New creates a Fetcher with default limits.
func New() *Fetcher {
	return &Fetcher{
		client:   httpkit.NewClient(httpkit.WithTimeout(DefaultTimeout)),
		maxBytes: DefaultMaxBytes,
		maxChars: DefaultMaxChars,
	}
}

// Fetch downloads rawURL and extracts its readable paragraphs. A URL
// without a scheme is fetched over https.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Page, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, fmt.Errorf("fetch: url is required")
	}
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		rawURL = "https://" + rawURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch: invalid url: %w", err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.8,text/markdown;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch: %s returned %d: %s", rawURL, resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes))
	if err != nil {
		return nil, fmt.Errorf("fetch: read body: %w", err)
	}

	page := &Page{URL: rawURL, ContentType: resp.Header.Get("Content-Type")}
	switch {
	case isHTML(page.ContentType):
		page.Title, page.Paragraphs = extractHTML(string(body))
	case isText(page.ContentType) || utf8.Valid(body):
		page.Paragraphs = splitParagraphs(string(body))
	default:
		return nil, fmt.Errorf("fetch: %s: %w (%s)", rawURL, ErrUnsupportedContent, page.ContentType)
	}

	page.Paragraphs, page.Truncated = capParagraphs(page.Paragraphs, f.maxChars)
	return page, nil
}

func isHTML(ct string) bool {
	ct = strings.ToLower(ct)
	return strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml")
}

func isText(ct string) bool {
	return strings.HasPrefix(strings.ToLower(ct), "text/")
}

// splitParagraphs breaks plain text on blank lines and collapses
// whitespace inside each paragraph.
func splitParagraphs(s string) []string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	var out []string
	for _, block := range strings.Split(s, "\n\n") {
		if p := strings.Join(strings.Fields(block), " "); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// capParagraphs keeps whole paragraphs until maxChars is reached; the
// paragraph that crosses the limit is cut on a rune boundary.
func capParagraphs(ps []string, maxChars int) ([]string, bool) {
	total := 0
	for i, p := range ps {
		n := utf8.RuneCountInString(p)
		if total+n <= maxChars {
			total += n
			continue
		}
		if rest := maxChars - total; rest > 0 {
			ps[i] = truncateUTF8(p, rest)
			return ps[:i+1], true
		}
		return ps[:i], true
	}
	return ps, false
}

// truncateUTF8 truncates s to maxChars runes.
func truncateUTF8(s string, maxChars int) string {
	count := 0
	for i := range s {
		if count >= maxChars {
			return s[:i]
		}
		count++
	}
	return s
}
