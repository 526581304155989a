package turns

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spiralogic/oracle/internal/database"
)

// Store keeps turns in SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a turn store, running migrations on db.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("turns migration: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS turns (
			id            TEXT PRIMARY KEY,
			user_id       TEXT NOT NULL,
			session_id    TEXT NOT NULL,
			input_text    TEXT NOT NULL,
			reply_text    TEXT NOT NULL,
			provider_used TEXT NOT NULL,
			degraded      INTEGER NOT NULL DEFAULT 0,
			voice_status  TEXT NOT NULL DEFAULT 'none',
			voice_task_id TEXT NOT NULL DEFAULT '',
			audio_ref     TEXT NOT NULL DEFAULT '',
			voice_reason  TEXT NOT NULL DEFAULT '',
			tags          TEXT NOT NULL DEFAULT '[]',
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(user_id, session_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_turns_voice ON turns(voice_status, updated_at);
	`)
	return err
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Insert stores t with voice status none. It reports false when a turn
// with the same ID already exists; the stored row is left unchanged.
func (s *Store) Insert(ctx context.Context, t Turn) (bool, error) {
	if t.ID == "" {
		return false, errors.New("insert turn: empty id")
	}
	now := s.now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	tags, err := json.Marshal(nonNil(t.Tags))
	if err != nil {
		return false, fmt.Errorf("encode tags: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO turns (id, user_id, session_id, input_text, reply_text, provider_used,
			degraded, voice_status, tags, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, t.ID, t.UserID, t.SessionID, t.InputText, t.ReplyText, t.ProviderUsed,
		t.Degraded, VoiceNone, string(tags),
		database.FormatTime(t.CreatedAt), database.FormatTime(now))
	if err != nil {
		return false, fmt.Errorf("insert turn: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert turn: %w", err)
	}
	return n == 1, nil
}

const selectTurn = `
	SELECT id, user_id, session_id, input_text, reply_text, provider_used, degraded,
		voice_status, voice_task_id, audio_ref, voice_reason, tags, created_at, updated_at
	FROM turns`

// Get returns the turn with the given ID, or [ErrNotFound].
func (s *Store) Get(ctx context.Context, id string) (*Turn, error) {
	row := s.db.QueryRowContext(ctx, selectTurn+` WHERE id = ?`, id)
	t, err := scanTurn(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get turn: %w", err)
	}
	return t, nil
}

// ListSession returns a session's turns, oldest first, at most limit.
func (s *Store) ListSession(ctx context.Context, userID, sessionID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, selectTurn+`
		WHERE user_id = ? AND session_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, userID, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list session turns: %w", err)
	}
	out, err := scanTurns(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// StuckQueued returns turns that have been queued since before cutoff.
func (s *Store) StuckQueued(ctx context.Context, cutoff time.Time) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx, selectTurn+`
		WHERE voice_status = ? AND updated_at < ?
		ORDER BY updated_at
	`, VoiceQueued, database.FormatTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("list stuck turns: %w", err)
	}
	return scanTurns(rows)
}

// TransitionVoice moves a turn's voice status from→to. The update is a
// compare-and-set on the current status, so concurrent or late writers
// cannot move a turn backwards: a duplicate ready after failed returns
// [ErrInvalidTransition] and leaves the row untouched.
func (s *Store) TransitionVoice(ctx context.Context, id string, from, to VoiceStatus, upd VoiceUpdate) error {
	if !CanTransition(from, to) {
		return transitionError(id, from, to, "")
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE turns SET
			voice_status  = ?,
			voice_task_id = CASE WHEN ? != '' THEN ? ELSE voice_task_id END,
			audio_ref     = CASE WHEN ? != '' THEN ? ELSE audio_ref END,
			voice_reason  = CASE WHEN ? != '' THEN ? ELSE voice_reason END,
			updated_at    = ?
		WHERE id = ? AND voice_status = ?
	`, to,
		upd.TaskID, upd.TaskID,
		upd.AudioRef, upd.AudioRef,
		upd.Reason, upd.Reason,
		database.FormatTime(s.now()),
		id, from)
	if err != nil {
		return fmt.Errorf("transition voice: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition voice: %w", err)
	}
	if n == 1 {
		return nil
	}

	var current VoiceStatus
	err = s.db.QueryRowContext(ctx, `SELECT voice_status FROM turns WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("transition voice: %w", err)
	}
	return transitionError(id, from, to, current)
}

// SetTags records enrichment tags on a turn.
func (s *Store) SetTags(ctx context.Context, id string, tags []string) error {
	data, err := json.Marshal(nonNil(tags))
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE turns SET tags = ?, updated_at = ? WHERE id = ?`,
		string(data), database.FormatTime(s.now()), id)
	if err != nil {
		return fmt.Errorf("set tags: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTurn(row scanner) (*Turn, error) {
	var (
		t                Turn
		tags             string
		created, updated string
	)
	err := row.Scan(&t.ID, &t.UserID, &t.SessionID, &t.InputText, &t.ReplyText, &t.ProviderUsed,
		&t.Degraded, &t.VoiceStatus, &t.VoiceTaskID, &t.AudioRef, &t.VoiceReason, &tags, &created, &updated)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tags), &t.Tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	if len(t.Tags) == 0 {
		t.Tags = nil
	}
	t.CreatedAt = database.ParseTime(created)
	t.UpdatedAt = database.ParseTime(updated)
	return &t, nil
}

func scanTurns(rows *sql.Rows) ([]Turn, error) {
	defer rows.Close()
	var out []Turn
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func nonNil(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}
