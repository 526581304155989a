package memory

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// SymbolicStore tracks the recurring themes of a user's conversations.
// Each tag remembers when it was first and last seen and how often.
type SymbolicStore struct {
	db       *sql.DB
	now      func() time.Time
	halfLife time.Duration
}

// Theme is one tracked tag.
type Theme struct {
	Tag       string    `json:"tag"`
	Count     int       `json:"count"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// NewSymbolicStore creates a symbolic store using an existing database
// connection.
func NewSymbolicStore(db *sql.DB) (*SymbolicStore, error) {
	s := &SymbolicStore{db: db, now: time.Now, halfLife: 14 * 24 * time.Hour}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("symbolic migration: %w", err)
	}
	return s, nil
}

func (s *SymbolicStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS symbolic_themes (
			user_id    TEXT NOT NULL,
			tag        TEXT NOT NULL,
			count      INTEGER NOT NULL DEFAULT 0,
			first_seen TEXT NOT NULL,
			last_seen  TEXT NOT NULL,
			PRIMARY KEY (user_id, tag)
		);
		CREATE TABLE IF NOT EXISTS symbolic_observations (
			turn_id TEXT NOT NULL,
			tag     TEXT NOT NULL,
			PRIMARY KEY (turn_id, tag)
		);
	`)
	return err
}

// Layer implements Querier.
func (s *SymbolicStore) Layer() Layer { return LayerSymbolic }

// Observe records that tags occurred in a turn. Observing the same
// (turn, tag) pair twice counts once.
func (s *SymbolicStore) Observe(ctx context.Context, userID, turnID string, tags []string, at time.Time) error {
	if len(tags) == 0 {
		return nil
	}
	if at.IsZero() {
		at = s.now()
	}
	ts := formatTime(at)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" {
			continue
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO symbolic_observations (turn_id, tag) VALUES (?, ?)
			ON CONFLICT(turn_id, tag) DO NOTHING
		`, turnID, tag)
		if err != nil {
			return fmt.Errorf("record observation: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO symbolic_themes (user_id, tag, count, first_seen, last_seen)
			VALUES (?, ?, 1, ?, ?)
			ON CONFLICT(user_id, tag) DO UPDATE SET
				count = count + 1,
				last_seen = CASE WHEN excluded.last_seen > last_seen THEN excluded.last_seen ELSE last_seen END
		`, userID, tag, ts, ts)
		if err != nil {
			return fmt.Errorf("update theme: %w", err)
		}
	}
	return tx.Commit()
}

// Themes returns a user's themes, most frequent first.
func (s *SymbolicStore) Themes(ctx context.Context, userID string) ([]Theme, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tag, count, first_seen, last_seen FROM symbolic_themes
		WHERE user_id = ? ORDER BY count DESC, last_seen DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query themes: %w", err)
	}
	defer rows.Close()

	var out []Theme
	for rows.Next() {
		var th Theme
		var first, last string
		if err := rows.Scan(&th.Tag, &th.Count, &first, &last); err != nil {
			return nil, fmt.Errorf("scan theme: %w", err)
		}
		th.FirstSeen = parseTime(first)
		th.LastSeen = parseTime(last)
		out = append(out, th)
	}
	return out, rows.Err()
}

// Query implements Querier. A theme named in the query ranks highest;
// otherwise frequency and recency decide.
func (s *SymbolicStore) Query(ctx context.Context, q Query) ([]Fragment, error) {
	themes, err := s.Themes(ctx, q.UserID)
	if err != nil {
		return nil, err
	}
	if len(themes) == 0 {
		return nil, nil
	}

	terms := Terms(q.Text)
	maxCount := themes[0].Count
	now := s.now()
	frags := make([]Fragment, 0, len(themes))
	for _, th := range themes {
		freq := float64(th.Count) / float64(maxCount)
		rel := 0.5*lexicalScore(Terms(th.Tag), strings.Join(terms, " ")) +
			0.3*freq +
			0.2*recency(th.LastSeen, now, s.halfLife)
		text := fmt.Sprintf("Recurring theme: %s (%d mentions since %s)",
			th.Tag, th.Count, th.FirstSeen.Format("2006-01-02"))
		frags = append(frags, newFragment(LayerSymbolic, text, rel, th.LastSeen, th.Tag))
	}
	return topK(frags, q.K), nil
}

// Count implements Counter.
func (s *SymbolicStore) Count(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM symbolic_themes WHERE user_id = ?`, userID).Scan(&n)
	return n, err
}
