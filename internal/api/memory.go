package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/spiralogic/oracle/internal/ingest"
)

// MemoryHandlers groups the memory write paths exposed over HTTP. Nil
// fields disable the matching route.
type MemoryHandlers struct {
	Journal  JournalIngester
	External URLIngester
	Profile  ProfileWriter
	// Stats counts a user's records per layer.
	Stats func(ctx context.Context, userID string) (map[string]int, error)
}

// JournalIngester imports a markdown document into the journal layer.
type JournalIngester interface {
	Ingest(ctx context.Context, userID, source string, src []byte) (int, error)
}

// URLIngester imports a web page into the external layer.
type URLIngester interface {
	IngestURL(ctx context.Context, userID, rawURL string) (*ingest.Result, error)
}

// ProfileWriter upserts profile attributes.
type ProfileWriter interface {
	SetAttribute(ctx context.Context, userID, key, value string) error
}

type journalRequest struct {
	UserID   string `json:"user_id"`
	Source   string `json:"source"`
	Markdown string `json:"markdown"`
}

type externalRequest struct {
	UserID string `json:"user_id"`
	URL    string `json:"url"`
}

type profileRequest struct {
	UserID     string            `json:"user_id"`
	Attributes map[string]string `json:"attributes"`
}

var errMemoryDisabled = errors.New("memory ingestion not configured")

// handleIngestJournal replaces the journal entries of one source.
// POST /v1/memory/journal {"user_id": "u1", "source": "diary.md", "markdown": "# Monday\n..."}
func (s *Server) handleIngestJournal(w http.ResponseWriter, r *http.Request) {
	if s.memory == nil || s.memory.Journal == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, errMemoryDisabled.Error())
		return
	}
	var req journalRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.Markdown) == "" {
		s.errorResponse(w, http.StatusBadRequest, "user_id and markdown are required")
		return
	}
	if req.Source == "" {
		req.Source = "api"
	}

	n, err := s.memory.Journal.Ingest(r.Context(), req.UserID, req.Source, []byte(req.Markdown))
	if err != nil {
		s.logger.Error("journal ingestion failed", "user_id", req.UserID, "source", req.Source, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "journal ingestion failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"source":  req.Source,
		"entries": n,
	}, s.logger)
}

// handleIngestExternal fetches a URL into the external layer.
// POST /v1/memory/external {"user_id": "u1", "url": "https://example.com/moon"}
func (s *Server) handleIngestExternal(w http.ResponseWriter, r *http.Request) {
	if s.memory == nil || s.memory.External == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, errMemoryDisabled.Error())
		return
	}
	var req externalRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.URL) == "" {
		s.errorResponse(w, http.StatusBadRequest, "user_id and url are required")
		return
	}

	res, err := s.memory.External.IngestURL(r.Context(), req.UserID, req.URL)
	if err != nil {
		s.logger.Warn("url ingestion failed", "user_id", req.UserID, "url", req.URL, "error", err)
		s.errorResponse(w, http.StatusBadGateway, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, res, s.logger)
}

// handleSetProfile upserts profile attributes; an empty value deletes
// the attribute.
// PUT /v1/memory/profile {"user_id": "u1", "attributes": {"name": "Ada"}}
func (s *Server) handleSetProfile(w http.ResponseWriter, r *http.Request) {
	if s.memory == nil || s.memory.Profile == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, errMemoryDisabled.Error())
		return
	}
	var req profileRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.UserID) == "" || len(req.Attributes) == 0 {
		s.errorResponse(w, http.StatusBadRequest, "user_id and attributes are required")
		return
	}

	for k, v := range req.Attributes {
		if err := s.memory.Profile.SetAttribute(r.Context(), req.UserID, k, v); err != nil {
			s.logger.Error("profile update failed", "user_id", req.UserID, "key", k, "error", err)
			s.errorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleMemoryStats reports a user's record counts per layer.
// GET /v1/memory/stats?user_id=u1
func (s *Server) handleMemoryStats(w http.ResponseWriter, r *http.Request) {
	if s.memory == nil || s.memory.Stats == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "memory stats not configured")
		return
	}
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		s.errorResponse(w, http.StatusBadRequest, "user_id is required")
		return
	}

	counts, err := s.memory.Stats(r.Context(), userID)
	if err != nil {
		s.logger.Error("memory stats failed", "user_id", userID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "memory stats failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"user_id": userID,
		"layers":  counts,
	}, s.logger)
}
