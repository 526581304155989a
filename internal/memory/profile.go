package memory

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ProfileStore holds stable per-user attributes (name, preferences,
// pronouns, goals). Every attribute is a candidate for every query; the
// query only decides the order.
type ProfileStore struct {
	db  *sql.DB
	now func() time.Time
}

// Attribute is one profile entry.
type Attribute struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewProfileStore creates a profile store using an existing database
// connection.
func NewProfileStore(db *sql.DB) (*ProfileStore, error) {
	s := &ProfileStore{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("profile migration: %w", err)
	}
	return s, nil
}

func (s *ProfileStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS profile_attributes (
			user_id    TEXT NOT NULL,
			key        TEXT NOT NULL,
			value      TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (user_id, key)
		)
	`)
	return err
}

// Layer implements Querier.
func (s *ProfileStore) Layer() Layer { return LayerProfile }

// SetAttribute creates or replaces a profile attribute. An empty value
// deletes it.
func (s *ProfileStore) SetAttribute(ctx context.Context, userID, key, value string) error {
	key = strings.TrimSpace(key)
	if userID == "" || key == "" {
		return fmt.Errorf("set attribute: user and key are required")
	}
	if strings.TrimSpace(value) == "" {
		_, err := s.db.ExecContext(ctx, `DELETE FROM profile_attributes WHERE user_id = ? AND key = ?`, userID, key)
		if err != nil {
			return fmt.Errorf("delete attribute: %w", err)
		}
		return nil
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profile_attributes (user_id, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, userID, key, value, formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("set attribute: %w", err)
	}
	return nil
}

// Attributes returns all attributes for a user ordered by key.
func (s *ProfileStore) Attributes(ctx context.Context, userID string) ([]Attribute, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value, updated_at FROM profile_attributes
		WHERE user_id = ? ORDER BY key
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query attributes: %w", err)
	}
	defer rows.Close()

	var attrs []Attribute
	for rows.Next() {
		var a Attribute
		var updated string
		if err := rows.Scan(&a.Key, &a.Value, &updated); err != nil {
			return nil, fmt.Errorf("scan attribute: %w", err)
		}
		a.UpdatedAt = parseTime(updated)
		attrs = append(attrs, a)
	}
	return attrs, rows.Err()
}

// Query implements Querier. Attributes mentioned by the query rank
// first; the rest keep a floor relevance of 0.5.
func (s *ProfileStore) Query(ctx context.Context, q Query) ([]Fragment, error) {
	attrs, err := s.Attributes(ctx, q.UserID)
	if err != nil {
		return nil, err
	}

	terms := Terms(q.Text)
	frags := make([]Fragment, 0, len(attrs))
	for _, a := range attrs {
		text := a.Key + ": " + a.Value
		rel := 0.5 + 0.5*lexicalScore(terms, strings.ReplaceAll(text, "_", " "))
		frags = append(frags, newFragment(LayerProfile, text, rel, a.UpdatedAt, a.Key))
	}
	return topK(frags, q.K), nil
}

// Count implements Counter.
func (s *ProfileStore) Count(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM profile_attributes WHERE user_id = ?`, userID).Scan(&n)
	return n, err
}

// topK keeps the k most relevant fragments (all when k <= 0), newest
// first on equal relevance.
func topK(frags []Fragment, k int) []Fragment {
	sort.SliceStable(frags, func(i, j int) bool {
		if frags[i].Relevance != frags[j].Relevance {
			return frags[i].Relevance > frags[j].Relevance
		}
		return frags[i].Timestamp.After(frags[j].Timestamp)
	})
	if k > 0 && len(frags) > k {
		frags = frags[:k]
	}
	return frags
}
