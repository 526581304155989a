// Package memory holds the five memory layers that feed context
// assembly. Each layer is owned by its own store and answers a query
// with a small set of scored fragments; the assembler decides what
// fits.
package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/spiralogic/oracle/internal/database"
)

// Layer identifies a memory store. The numeric order is the priority
// order used when assembling context: lower values win.
type Layer int

const (
	LayerProfile Layer = iota
	LayerSession
	LayerSymbolic
	LayerJournal
	LayerExternal
)

var layerNames = [...]string{"profile", "session", "symbolic", "journal", "external"}

// AllLayers returns every layer in priority order.
func AllLayers() []Layer {
	return []Layer{LayerProfile, LayerSession, LayerSymbolic, LayerJournal, LayerExternal}
}

func (l Layer) String() string {
	if l < 0 || int(l) >= len(layerNames) {
		return fmt.Sprintf("layer(%d)", int(l))
	}
	return layerNames[l]
}

// MarshalText encodes the layer by name.
func (l Layer) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// ParseLayer resolves a layer name.
func ParseLayer(s string) (Layer, error) {
	for i, n := range layerNames {
		if n == s {
			return Layer(i), nil
		}
	}
	return 0, fmt.Errorf("unknown memory layer %q", s)
}

// Fragment is one piece of retrieved memory.
type Fragment struct {
	Layer     Layer     `json:"layer"`
	Text      string    `json:"text"`
	Relevance float64   `json:"relevance"` // 0..1
	Tokens    int       `json:"tokens"`
	Timestamp time.Time `json:"timestamp"`
	// Source is the backing record (turn ID, document key, tag).
	Source string `json:"source,omitempty"`
}

// Query is the input to a layer lookup.
type Query struct {
	UserID    string
	SessionID string
	Text      string
	K         int
}

// Querier is implemented by every memory layer store.
type Querier interface {
	Layer() Layer
	Query(ctx context.Context, q Query) ([]Fragment, error)
}

// Counter is implemented by stores that can report how many records a
// user has. Used for memory stats.
type Counter interface {
	Count(ctx context.Context, userID string) (int, error)
}

// EstimateTokens approximates the token count of text at four bytes per
// token, rounding up. Non-empty text is at least one token.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

func newFragment(layer Layer, text string, relevance float64, ts time.Time, source string) Fragment {
	return Fragment{
		Layer:     layer,
		Text:      text,
		Relevance: clamp01(relevance),
		Tokens:    EstimateTokens(text),
		Timestamp: ts,
		Source:    source,
	}
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

func formatTime(t time.Time) string { return database.FormatTime(t) }

func parseTime(s string) time.Time { return database.ParseTime(s) }
