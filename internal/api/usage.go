package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/spiralogic/oracle/internal/usage"
)

// defaultUsageWindow is the reporting period when "from" is omitted.
const defaultUsageWindow = 30 * 24 * time.Hour

// UsageReader aggregates recorded token usage.
type UsageReader interface {
	Summary(ctx context.Context, userID string, start, end time.Time) (*usage.Summary, error)
	SummaryByProvider(ctx context.Context, userID string, start, end time.Time) (map[string]*usage.Summary, error)
}

// SetUsage enables the usage report.
func (s *Server) SetUsage(u UsageReader) {
	s.usage = u
}

// handleUsage reports a user's token usage and cost.
// GET /v1/usage?user_id=u1&from=2026-01-01T00:00:00Z&to=2026-02-01T00:00:00Z
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "usage tracking not configured")
		return
	}
	q := r.URL.Query()
	userID := strings.TrimSpace(q.Get("user_id"))
	if userID == "" {
		s.errorResponse(w, http.StatusBadRequest, "user_id is required")
		return
	}

	end := time.Now()
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.errorResponse(w, http.StatusBadRequest, "to must be an RFC 3339 timestamp")
			return
		}
		end = t
	}
	start := end.Add(-defaultUsageWindow)
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.errorResponse(w, http.StatusBadRequest, "from must be an RFC 3339 timestamp")
			return
		}
		start = t
	}
	if !start.Before(end) {
		s.errorResponse(w, http.StatusBadRequest, "from must be before to")
		return
	}

	total, err := s.usage.Summary(r.Context(), userID, start, end)
	if err != nil {
		s.logger.Error("usage summary failed", "user_id", userID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage summary failed")
		return
	}
	byProvider, err := s.usage.SummaryByProvider(r.Context(), userID, start, end)
	if err != nil {
		s.logger.Error("usage summary failed", "user_id", userID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage summary failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"user_id":     userID,
		"from":        start.UTC(),
		"to":          end.UTC(),
		"total":       total,
		"by_provider": byProvider,
	}, s.logger)
}
