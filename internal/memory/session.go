package memory

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SessionEntry is one exchange in a session transcript.
type SessionEntry struct {
	TurnID    string    `json:"turn_id"`
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id"`
	Input     string    `json:"input"`
	Reply     string    `json:"reply"`
	CreatedAt time.Time `json:"created_at"`
}

// Text renders the exchange as it appears in context.
func (e SessionEntry) Text() string {
	return "User: " + e.Input + "\nAssistant: " + e.Reply
}

// SessionStore is the short-term transcript layer. Append is
// idempotent on TurnID.
type SessionStore interface {
	Querier
	Counter
	Append(ctx context.Context, e SessionEntry) error
}

// sessionFragments scores the recent window of a session: position in
// the window dominates, word overlap with the query breaks ties.
// entries must be newest first.
func sessionFragments(entries []SessionEntry, query string, k int) []Fragment {
	terms := Terms(query)
	n := len(entries)
	frags := make([]Fragment, 0, n)
	for i, e := range entries {
		position := 1 - float64(i)/float64(n)
		rel := 0.7*position + 0.3*lexicalScore(terms, e.Input+" "+e.Reply)
		frags = append(frags, newFragment(LayerSession, e.Text(), rel, e.CreatedAt, e.TurnID))
	}
	return topK(frags, k)
}

// SQLiteSessionStore keeps session transcripts in SQLite.
type SQLiteSessionStore struct {
	db     *sql.DB
	window int
}

// NewSQLiteSessionStore creates a session store. window bounds how many
// recent exchanges a query considers.
func NewSQLiteSessionStore(db *sql.DB, window int) (*SQLiteSessionStore, error) {
	if window <= 0 {
		window = 50
	}
	s := &SQLiteSessionStore{db: db, window: window}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("session migration: %w", err)
	}
	return s, nil
}

func (s *SQLiteSessionStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS session_entries (
			turn_id    TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL,
			session_id TEXT NOT NULL,
			input      TEXT NOT NULL,
			reply      TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_session_entries_session
			ON session_entries(user_id, session_id, created_at DESC);
	`)
	return err
}

// Layer implements Querier.
func (s *SQLiteSessionStore) Layer() Layer { return LayerSession }

// Append implements SessionStore.
func (s *SQLiteSessionStore) Append(ctx context.Context, e SessionEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_entries (turn_id, user_id, session_id, input, reply, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(turn_id) DO NOTHING
	`, e.TurnID, e.UserID, e.SessionID, e.Input, e.Reply, formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("append session entry: %w", err)
	}
	return nil
}

// Recent returns up to the window's worth of entries, newest first.
func (s *SQLiteSessionStore) Recent(ctx context.Context, userID, sessionID string) ([]SessionEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT turn_id, input, reply, created_at FROM session_entries
		WHERE user_id = ? AND session_id = ?
		ORDER BY created_at DESC, turn_id DESC
		LIMIT ?
	`, userID, sessionID, s.window)
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	defer rows.Close()

	var out []SessionEntry
	for rows.Next() {
		e := SessionEntry{UserID: userID, SessionID: sessionID}
		var created string
		if err := rows.Scan(&e.TurnID, &e.Input, &e.Reply, &created); err != nil {
			return nil, fmt.Errorf("scan session entry: %w", err)
		}
		e.CreatedAt = parseTime(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Query implements Querier.
func (s *SQLiteSessionStore) Query(ctx context.Context, q Query) ([]Fragment, error) {
	entries, err := s.Recent(ctx, q.UserID, q.SessionID)
	if err != nil {
		return nil, err
	}
	return sessionFragments(entries, q.Text, q.K), nil
}

// Count implements Counter.
func (s *SQLiteSessionStore) Count(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM session_entries WHERE user_id = ?`, userID).Scan(&n)
	return n, err
}
