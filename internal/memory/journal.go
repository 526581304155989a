package memory

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/spiralogic/oracle/internal/embeddings"
)

// Embedder produces vectors for semantic scoring. *embeddings.Client
// implements it.
type Embedder interface {
	Generate(ctx context.Context, text string) ([]float32, error)
}

// DocOption configures the journal and external stores.
type DocOption func(*docOptions)

type docOptions struct {
	embedder Embedder
	logger   *slog.Logger
	scan     int
}

// WithEmbedder enables semantic scoring. Vectors are computed on write;
// at query time a failed or slow query embedding falls back to word
// overlap.
func WithEmbedder(e Embedder) DocOption {
	return func(o *docOptions) { o.embedder = e }
}

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) DocOption {
	return func(o *docOptions) { o.logger = l }
}

// WithScanLimit bounds how many recent records a query scores.
func WithScanLimit(n int) DocOption {
	return func(o *docOptions) { o.scan = n }
}

func newDocOptions(opts []DocOption) docOptions {
	o := docOptions{logger: slog.Default(), scan: 500}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// embed returns a vector for text or nil when no embedder is set or it
// fails.
func (o docOptions) embed(ctx context.Context, text string) []float32 {
	if o.embedder == nil {
		return nil
	}
	v, err := o.embedder.Generate(ctx, text)
	if err != nil {
		o.logger.Debug("embedding failed, using lexical scoring", "error", err)
		return nil
	}
	return v
}

// score combines semantic or lexical similarity with a small recency
// bonus.
func (o docOptions) score(queryVec []float32, terms []string, text string, vec []float32, ts, now time.Time, halfLife time.Duration) float64 {
	var sim float64
	if queryVec != nil && vec != nil {
		sim = embeddings.Relevance(queryVec, vec)
	} else {
		sim = lexicalScore(terms, text)
	}
	return 0.85*sim + 0.15*recency(ts, now, halfLife)
}

// JournalEntry is a reflective entry: a past exchange or an imported
// journal section.
type JournalEntry struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title,omitempty"`
	Body      string    `json:"body"`
	Source    string    `json:"source,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Text renders the entry as it appears in context.
func (e JournalEntry) Text() string {
	if e.Title == "" {
		return e.Body
	}
	return e.Title + ": " + e.Body
}

// JournalStore is the long-term journal layer.
type JournalStore struct {
	db   *sql.DB
	opts docOptions
	now  func() time.Time
}

// NewJournalStore creates a journal store using an existing database
// connection.
func NewJournalStore(db *sql.DB, opts ...DocOption) (*JournalStore, error) {
	s := &JournalStore{db: db, opts: newDocOptions(opts), now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("journal migration: %w", err)
	}
	return s, nil
}

func (s *JournalStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS journal_entries (
			id         TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL,
			title      TEXT NOT NULL DEFAULT '',
			body       TEXT NOT NULL,
			source     TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			embedding  BLOB
		);
		CREATE INDEX IF NOT EXISTS idx_journal_user ON journal_entries(user_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_journal_source ON journal_entries(user_id, source);
	`)
	return err
}

// Layer implements Querier.
func (s *JournalStore) Layer() Layer { return LayerJournal }

// Append stores an entry. Appending an ID that already exists is a
// no-op, so persisting the same turn twice leaves one entry.
func (s *JournalStore) Append(ctx context.Context, e JournalEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	vec := s.opts.embed(ctx, e.Text())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO journal_entries (id, user_id, title, body, source, created_at, embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, e.ID, e.UserID, e.Title, e.Body, e.Source, formatTime(e.CreatedAt), embeddings.Encode(vec))
	if err != nil {
		return fmt.Errorf("append journal entry: %w", err)
	}
	return nil
}

// ReplaceSource swaps every entry from source for entries, so
// re-importing a document does not duplicate it.
func (s *JournalStore) ReplaceSource(ctx context.Context, userID, source string, entries []JournalEntry) error {
	type row struct {
		e   JournalEntry
		vec []byte
	}
	rows := make([]row, 0, len(entries))
	for _, e := range entries {
		if e.CreatedAt.IsZero() {
			e.CreatedAt = s.now()
		}
		e.UserID, e.Source = userID, source
		rows = append(rows, row{e: e, vec: embeddings.Encode(s.opts.embed(ctx, e.Text()))})
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, `DELETE FROM journal_entries WHERE user_id = ? AND source = ?`, userID, source); err != nil {
		return fmt.Errorf("clear source: %w", err)
	}
	for _, r := range rows {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO journal_entries (id, user_id, title, body, source, created_at, embedding)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				title = excluded.title, body = excluded.body, source = excluded.source,
				created_at = excluded.created_at, embedding = excluded.embedding
		`, r.e.ID, r.e.UserID, r.e.Title, r.e.Body, r.e.Source, formatTime(r.e.CreatedAt), r.vec)
		if err != nil {
			return fmt.Errorf("insert journal entry: %w", err)
		}
	}
	return tx.Commit()
}

// Query implements Querier.
func (s *JournalStore) Query(ctx context.Context, q Query) ([]Fragment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, body, created_at, embedding FROM journal_entries
		WHERE user_id = ? ORDER BY created_at DESC LIMIT ?
	`, q.UserID, s.opts.scan)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var entries []JournalEntry
	var vecs [][]float32
	for rows.Next() {
		var e JournalEntry
		var created string
		var blob []byte
		if err := rows.Scan(&e.ID, &e.Title, &e.Body, &created, &blob); err != nil {
			return nil, fmt.Errorf("scan journal entry: %w", err)
		}
		e.CreatedAt = parseTime(created)
		entries = append(entries, e)
		vecs = append(vecs, embeddings.Decode(blob))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}

	terms := Terms(q.Text)
	queryVec := s.opts.embed(ctx, q.Text)
	now := s.now()
	frags := make([]Fragment, 0, len(entries))
	for i, e := range entries {
		rel := s.opts.score(queryVec, terms, e.Text(), vecs[i], e.CreatedAt, now, 90*24*time.Hour)
		frags = append(frags, newFragment(LayerJournal, e.Text(), rel, e.CreatedAt, e.ID))
	}
	return topK(frags, q.K), nil
}

// Count implements Counter.
func (s *JournalStore) Count(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM journal_entries WHERE user_id = ?`, userID).Scan(&n)
	return n, err
}
