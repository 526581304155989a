package ingest

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/spiralogic/oracle/internal/fetch"
	"github.com/spiralogic/oracle/internal/memory"
)

type stubFetcher struct {
	page *fetch.Page
	err  error
}

func (s stubFetcher) Fetch(ctx context.Context, rawURL string) (*fetch.Page, error) {
	return s.page, s.err
}

type recordingExternal struct{ docs []memory.ExternalDoc }

func (r *recordingExternal) Put(ctx context.Context, doc memory.ExternalDoc) error {
	r.docs = append(r.docs, doc)
	return nil
}

func TestURLIngester(t *testing.T) {
	page := &fetch.Page{
		URL:        "https://example.com/a",
		Title:      "A",
		Paragraphs: []string{strings.Repeat("x", 400), strings.Repeat("y", 100), strings.Repeat("z", 300)},
	}
	rec := &recordingExternal{}
	res, err := NewURLIngester(stubFetcher{page: page}, rec).IngestURL(context.Background(), "u1", "example.com/a")
	if err != nil {
		t.Fatalf("IngestURL: %v", err)
	}
	if res.Passages != 2 {
		t.Errorf("passages = %d, want 2", res.Passages)
	}
	if len(rec.docs) != 1 || rec.docs[0].UserID != "u1" || rec.docs[0].URL != page.URL {
		t.Errorf("stored = %+v", rec.docs)
	}
}

func TestURLIngester_Errors(t *testing.T) {
	rec := &recordingExternal{}
	if _, err := NewURLIngester(stubFetcher{err: errors.New("dns")}, rec).IngestURL(context.Background(), "u1", "x"); err == nil {
		t.Error("expected fetch error")
	}
	empty := &fetch.Page{URL: "https://example.com"}
	if _, err := NewURLIngester(stubFetcher{page: empty}, rec).IngestURL(context.Background(), "u1", "x"); err == nil {
		t.Error("expected error for page without text")
	}
	if len(rec.docs) != 0 {
		t.Errorf("nothing should be stored, got %d", len(rec.docs))
	}
}

func TestMergeParagraphs(t *testing.T) {
	got := mergeParagraphs([]string{"aa", "bb", "cc"}, 5)
	if strings.Join(got, "|") != "aa bb|cc" {
		t.Errorf("merge = %q", got)
	}
}
