// Package ingest imports documents into the journal and external
// memory layers.
package ingest

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/spiralogic/oracle/internal/memory"
)

// JournalWriter is the part of the journal store the ingester needs.
type JournalWriter interface {
	ReplaceSource(ctx context.Context, userID, source string, entries []memory.JournalEntry) error
}

// MarkdownIngester splits markdown journals into one entry per section.
type MarkdownIngester struct {
	store JournalWriter
	now   func() time.Time
}

// NewMarkdownIngester creates a markdown journal ingester.
func NewMarkdownIngester(store JournalWriter) *MarkdownIngester {
	return &MarkdownIngester{store: store, now: time.Now}
}

// Chunk represents a semantic unit from the document.
type Chunk struct {
	Key     string
	Title   string
	Content string
	Section string
}

// IngestFile reads and ingests a markdown file. The file path is the
// source, so re-importing the same file replaces its entries.
func (m *MarkdownIngester) IngestFile(ctx context.Context, userID, path string) (int, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read file: %w", err)
	}
	return m.Ingest(ctx, userID, path, src)
}

// Ingest parses markdown and replaces every entry previously imported
// from source.
func (m *MarkdownIngester) Ingest(ctx context.Context, userID, source string, src []byte) (int, error) {
	chunks := parseMarkdown(src)
	now := m.now()
	entries := make([]memory.JournalEntry, 0, len(chunks))
	for _, c := range chunks {
		entries = append(entries, memory.JournalEntry{
			ID:        source + "#" + c.Key,
			Title:     c.Title,
			Body:      c.Content,
			CreatedAt: now,
		})
	}
	if err := m.store.ReplaceSource(ctx, userID, source, entries); err != nil {
		return 0, err
	}
	return len(entries), nil
}

// parseMarkdown extracts one chunk per heading (levels 1-3). Content
// before the first heading becomes an "entry" chunk.
func parseMarkdown(src []byte) []Chunk {
	doc := goldmark.New().Parser().Parse(text.NewReader(src))

	var (
		chunks   []Chunk
		h1, h2   string
		title    string
		key      = "entry"
		body     []string
		keyCount = map[string]int{}
	)

	flush := func() {
		content := strings.TrimSpace(strings.Join(body, "\n\n"))
		body = body[:0]
		if content == "" {
			return
		}
		k := key
		if n := keyCount[key]; n > 0 {
			k = fmt.Sprintf("%s-%d", key, n+1)
		}
		keyCount[key]++
		chunks = append(chunks, Chunk{Key: k, Title: title, Content: content, Section: h1})
	}

	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		heading, ok := n.(*ast.Heading)
		if !ok || heading.Level > 3 {
			if t := blockText(n, src); t != "" {
				body = append(body, t)
			}
			continue
		}

		flush()
		title = blockText(heading, src)
		switch heading.Level {
		case 1:
			h1, h2 = title, ""
			key = slugify(h1)
		case 2:
			h2 = title
			key = joinKey(h1, h2)
		case 3:
			key = joinKey(h1, h2, title)
		}
	}
	flush()

	return chunks
}

func joinKey(parts ...string) string {
	var out []string
	for _, p := range parts {
		if p != "" {
			out = append(out, slugify(p))
		}
	}
	return strings.Join(out, "/")
}

// blockText renders the readable text of a block, keeping code blocks
// verbatim.
func blockText(n ast.Node, src []byte) string {
	var b strings.Builder
	_ = ast.Walk(n, func(node ast.Node, entering bool) (ast.WalkStatus, error) {
		switch v := node.(type) {
		case *ast.Text:
			if entering {
				b.Write(v.Segment.Value(src))
				switch {
				case v.HardLineBreak():
					b.WriteByte('\n')
				case v.SoftLineBreak():
					b.WriteByte(' ')
				}
			}
		case *ast.String:
			if entering {
				b.Write(v.Value)
			}
		case *ast.AutoLink:
			if entering {
				b.Write(v.Label(src))
			}
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			if entering {
				lines := node.Lines()
				for i := 0; i < lines.Len(); i++ {
					seg := lines.At(i)
					b.Write(seg.Value(src))
				}
			}
			return ast.WalkSkipChildren, nil
		default:
			if !entering && node.Type() == ast.TypeBlock && b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
				b.WriteByte('\n')
			}
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(b.String())
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// slugify converts a header to a key-friendly format.
func slugify(s string) string {
	s = strings.ToLower(s)
	s = nonSlug.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}
