// Package usage records token usage and cost per generated reply.
// Records are append-only, one per turn, and indexed by user and time
// for aggregation.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/spiralogic/oracle/internal/config"
	"github.com/spiralogic/oracle/internal/database"
)

// Record is the token usage of one generated reply.
type Record struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	TurnID       string    `json:"turn_id"`
	UserID       string    `json:"user_id"`
	SessionID    string    `json:"session_id"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
}

// Summary holds aggregated token usage and cost totals.
type Summary struct {
	Records      int     `json:"records"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Price is a provider's cost per million tokens.
type Price struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// PricingFromConfig collects the prices of the configured providers,
// keyed by provider name. Providers without a price are omitted.
func PricingFromConfig(providers []config.ProviderConfig) map[string]Price {
	out := make(map[string]Price)
	for _, p := range providers {
		if p.InputPerMillion > 0 || p.OutputPerMillion > 0 {
			out[p.Name] = Price{InputPerMillion: p.InputPerMillion, OutputPerMillion: p.OutputPerMillion}
		}
	}
	return out
}

// ComputeCost calculates the USD cost of a provider's token usage.
// Providers not in the table are treated as free.
func ComputeCost(provider string, inputTokens, outputTokens int, pricing map[string]Price) float64 {
	p, ok := pricing[provider]
	if !ok {
		return 0
	}
	cost := float64(inputTokens) / 1_000_000.0 * p.InputPerMillion
	cost += float64(outputTokens) / 1_000_000.0 * p.OutputPerMillion
	return cost
}

// Store is an append-only SQLite store for usage records. All public
// methods are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db      *sql.DB
	pricing map[string]Price
}

// NewStore creates the usage table in db if needed. pricing may be nil.
func NewStore(db *sql.DB, pricing map[string]Price) (*Store, error) {
	s := &Store{db: db, pricing: pricing}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS usage_records (
		id            TEXT PRIMARY KEY,
		created_at    TEXT NOT NULL,
		turn_id       TEXT NOT NULL UNIQUE,
		user_id       TEXT NOT NULL,
		session_id    TEXT NOT NULL,
		provider      TEXT NOT NULL,
		model         TEXT NOT NULL,
		input_tokens  INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		cost_usd      REAL NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_usage_user_time ON usage_records(user_id, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record persists a usage record. It is idempotent on TurnID. An empty
// ID gets a UUIDv7, a zero CreatedAt gets the current time, and a zero
// CostUSD is computed from the pricing table.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate usage record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if rec.CostUSD == 0 {
		rec.CostUSD = ComputeCost(rec.Provider, rec.InputTokens, rec.OutputTokens, s.pricing)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_records
			(id, created_at, turn_id, user_id, session_id, provider, model,
			 input_tokens, output_tokens, cost_usd)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(turn_id) DO NOTHING`,
		rec.ID,
		database.FormatTime(rec.CreatedAt),
		rec.TurnID,
		rec.UserID,
		rec.SessionID,
		rec.Provider,
		rec.Model,
		rec.InputTokens,
		rec.OutputTokens,
		rec.CostUSD,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// Summary returns a user's totals for records within [start, end).
func (s *Store) Summary(ctx context.Context, userID string, start, end time.Time) (*Summary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0)
		 FROM usage_records
		 WHERE user_id = ? AND created_at >= ? AND created_at < ?`,
		userID,
		database.FormatTime(start),
		database.FormatTime(end),
	)

	var sum Summary
	if err := row.Scan(&sum.Records, &sum.InputTokens, &sum.OutputTokens, &sum.CostUSD); err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	return &sum, nil
}

// SummaryByProvider returns a user's per-provider totals for records
// within [start, end).
func (s *Store) SummaryByProvider(ctx context.Context, userID string, start, end time.Time) (map[string]*Summary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT provider, COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0)
		 FROM usage_records
		 WHERE user_id = ? AND created_at >= ? AND created_at < ?
		 GROUP BY provider`,
		userID,
		database.FormatTime(start),
		database.FormatTime(end),
	)
	if err != nil {
		return nil, fmt.Errorf("query usage by provider: %w", err)
	}
	defer rows.Close()

	result := make(map[string]*Summary)
	for rows.Next() {
		var key string
		var sum Summary
		if err := rows.Scan(&key, &sum.Records, &sum.InputTokens, &sum.OutputTokens, &sum.CostUSD); err != nil {
			return nil, fmt.Errorf("scan usage by provider: %w", err)
		}
		result[key] = &sum
	}
	return result, rows.Err()
}
