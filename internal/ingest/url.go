package ingest

import (
	"context"
	"fmt"
	"strings"

	"github.com/spiralogic/oracle/internal/fetch"
	"github.com/spiralogic/oracle/internal/memory"
)

// passageChars is the target passage size. Paragraphs are merged up to
// it so each passage is a useful context fragment on its own.
const passageChars = 600

// PageFetcher is satisfied by *fetch.Fetcher.
type PageFetcher interface {
	Fetch(ctx context.Context, rawURL string) (*fetch.Page, error)
}

// ExternalWriter is the part of the external store the ingester needs.
type ExternalWriter interface {
	Put(ctx context.Context, doc memory.ExternalDoc) error
}

// URLIngester fetches web pages into the external layer.
type URLIngester struct {
	fetcher PageFetcher
	store   ExternalWriter
}

// NewURLIngester creates a URL ingester.
func NewURLIngester(fetcher PageFetcher, store ExternalWriter) *URLIngester {
	return &URLIngester{fetcher: fetcher, store: store}
}

// Result summarises one ingestion.
type Result struct {
	URL       string `json:"url"`
	Title     string `json:"title,omitempty"`
	Passages  int    `json:"passages"`
	Truncated bool   `json:"truncated,omitempty"`
}

// IngestURL fetches rawURL and stores its passages for userID,
// replacing any earlier copy.
func (u *URLIngester) IngestURL(ctx context.Context, userID, rawURL string) (*Result, error) {
	page, err := u.fetcher.Fetch(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	passages := mergeParagraphs(page.Paragraphs, passageChars)
	if len(passages) == 0 {
		return nil, fmt.Errorf("ingest %s: no readable text", page.URL)
	}

	err = u.store.Put(ctx, memory.ExternalDoc{
		UserID:   userID,
		URL:      page.URL,
		Title:    page.Title,
		Passages: passages,
	})
	if err != nil {
		return nil, fmt.Errorf("store %s: %w", page.URL, err)
	}
	return &Result{URL: page.URL, Title: page.Title, Passages: len(passages), Truncated: page.Truncated}, nil
}

// mergeParagraphs packs consecutive paragraphs into passages of at most
// limit bytes. A single paragraph longer than limit stays whole.
func mergeParagraphs(paragraphs []string, limit int) []string {
	var out []string
	var cur strings.Builder
	for _, p := range paragraphs {
		if cur.Len() > 0 && cur.Len()+1+len(p) > limit {
			out = append(out, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(p)
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}
