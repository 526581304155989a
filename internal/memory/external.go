package memory

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/spiralogic/oracle/internal/embeddings"
)

// ExternalDoc is reference material a user attached from outside the
// conversation, split into passages.
type ExternalDoc struct {
	UserID    string
	URL       string
	Title     string
	Passages  []string
	FetchedAt time.Time
}

// ExternalStore is the external knowledge layer.
type ExternalStore struct {
	db   *sql.DB
	opts docOptions
	now  func() time.Time
}

// NewExternalStore creates an external store using an existing
// database connection.
func NewExternalStore(db *sql.DB, opts ...DocOption) (*ExternalStore, error) {
	s := &ExternalStore{db: db, opts: newDocOptions(opts), now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("external migration: %w", err)
	}
	return s, nil
}

func (s *ExternalStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS external_passages (
			user_id    TEXT NOT NULL,
			url        TEXT NOT NULL,
			idx        INTEGER NOT NULL,
			title      TEXT NOT NULL DEFAULT '',
			body       TEXT NOT NULL,
			fetched_at TEXT NOT NULL,
			embedding  BLOB,
			PRIMARY KEY (user_id, url, idx)
		);
		CREATE INDEX IF NOT EXISTS idx_external_user ON external_passages(user_id, fetched_at DESC);
	`)
	return err
}

// Layer implements Querier.
func (s *ExternalStore) Layer() Layer { return LayerExternal }

// Put stores a document, replacing any earlier copy of the same URL.
func (s *ExternalStore) Put(ctx context.Context, doc ExternalDoc) error {
	if doc.UserID == "" || doc.URL == "" {
		return fmt.Errorf("put external doc: user and url are required")
	}
	if doc.FetchedAt.IsZero() {
		doc.FetchedAt = s.now()
	}
	vecs := make([][]byte, len(doc.Passages))
	for i, p := range doc.Passages {
		vecs[i] = embeddings.Encode(s.opts.embed(ctx, p))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, `DELETE FROM external_passages WHERE user_id = ? AND url = ?`, doc.UserID, doc.URL); err != nil {
		return fmt.Errorf("clear url: %w", err)
	}
	ts := formatTime(doc.FetchedAt)
	for i, p := range doc.Passages {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO external_passages (user_id, url, idx, title, body, fetched_at, embedding)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, doc.UserID, doc.URL, i, doc.Title, p, ts, vecs[i])
		if err != nil {
			return fmt.Errorf("insert passage: %w", err)
		}
	}
	return tx.Commit()
}

// Query implements Querier. Passages that share no words with the query
// (and have no embedding to compare) are not returned.
func (s *ExternalStore) Query(ctx context.Context, q Query) ([]Fragment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT url, idx, title, body, fetched_at, embedding FROM external_passages
		WHERE user_id = ? ORDER BY fetched_at DESC, idx LIMIT ?
	`, q.UserID, s.opts.scan)
	if err != nil {
		return nil, fmt.Errorf("query external: %w", err)
	}
	defer rows.Close()

	type passage struct {
		url, title, body string
		idx              int
		at               time.Time
		vec              []float32
	}
	var ps []passage
	for rows.Next() {
		var p passage
		var fetched string
		var blob []byte
		if err := rows.Scan(&p.url, &p.idx, &p.title, &p.body, &fetched, &blob); err != nil {
			return nil, fmt.Errorf("scan passage: %w", err)
		}
		p.at = parseTime(fetched)
		p.vec = embeddings.Decode(blob)
		ps = append(ps, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ps) == 0 {
		return nil, nil
	}

	terms := Terms(q.Text)
	queryVec := s.opts.embed(ctx, q.Text)
	now := s.now()
	var frags []Fragment
	for _, p := range ps {
		if queryVec == nil && lexicalScore(terms, p.body) == 0 {
			continue
		}
		text := p.body
		if p.title != "" {
			text = p.title + ": " + p.body
		}
		rel := s.opts.score(queryVec, terms, p.body, p.vec, p.at, now, 180*24*time.Hour)
		frags = append(frags, newFragment(LayerExternal, text, rel, p.at, fmt.Sprintf("%s#%d", p.url, p.idx)))
	}
	return topK(frags, q.K), nil
}

// Count implements Counter. Counts documents, not passages.
func (s *ExternalStore) Count(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT url) FROM external_passages WHERE user_id = ?`, userID).Scan(&n)
	return n, err
}
