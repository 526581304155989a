package memory

import (
	"context"
	"fmt"
)

// Stats counts a user's records per layer, keyed by layer name. Stores
// that do not implement Counter are skipped.
func Stats(ctx context.Context, userID string, stores ...Querier) (map[string]int, error) {
	out := make(map[string]int, len(stores))
	for _, s := range stores {
		c, ok := s.(Counter)
		if !ok {
			continue
		}
		n, err := c.Count(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("count %s: %w", s.Layer(), err)
		}
		out[s.Layer().String()] = n
	}
	return out, nil
}
