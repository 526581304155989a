package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/spiralogic/oracle/internal/pipeline"
	"github.com/spiralogic/oracle/internal/turns"
	"github.com/spiralogic/oracle/internal/voice"
)

// TurnSubmitter runs one conversational turn.
type TurnSubmitter interface {
	Submit(ctx context.Context, req pipeline.SubmitRequest) (*pipeline.SubmitResult, error)
}

// TurnReader is the durable turn status source.
type TurnReader interface {
	Get(ctx context.Context, id string) (*turns.Turn, error)
	ListSession(ctx context.Context, userID, sessionID string, limit int) ([]turns.Turn, error)
}

// VoiceController exposes the voice queue to the API.
type VoiceController interface {
	Cancel(taskID string)
	Status(taskID string) (voice.TaskStatus, error)
	Depth() int
	Pending() int
}

// TurnStatus is the reconnect-safe view of a turn's voice outcome.
type TurnStatus struct {
	TurnID       string            `json:"turn_id"`
	SessionID    string            `json:"session_id"`
	ReplyText    string            `json:"reply_text"`
	ProviderUsed string            `json:"provider_used"`
	VoiceStatus  turns.VoiceStatus `json:"voice_status"`
	VoiceTaskID  string            `json:"voice_task_id,omitempty"`
	AudioRef     string            `json:"audio_ref,omitempty"`
	Reason       string            `json:"reason,omitempty"`
	Tags         []string          `json:"tags,omitempty"`
}

func turnStatus(t *turns.Turn) TurnStatus {
	return TurnStatus{
		TurnID:       t.ID,
		SessionID:    t.SessionID,
		ReplyText:    t.ReplyText,
		ProviderUsed: t.ProviderUsed,
		VoiceStatus:  t.VoiceStatus,
		VoiceTaskID:  t.VoiceTaskID,
		AudioRef:     t.AudioRef,
		Reason:       t.VoiceReason,
		Tags:         t.Tags,
	}
}

// handleSubmitTurn runs a turn and returns once the reply exists.
// POST /v1/turns {"user_id": "u1", "session_id": "s1", "text": "hello"}
func (s *Server) handleSubmitTurn(w http.ResponseWriter, r *http.Request) {
	var req pipeline.SubmitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := s.turns.Submit(r.Context(), req)
	if err != nil {
		if errors.Is(err, pipeline.ErrInvalidRequest) {
			s.errorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("turn failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "turn failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, res, s.logger)
}

func (s *Server) handleGetTurn(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "turn store not configured")
		return
	}

	t, err := s.status.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, turns.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "turn not found")
		return
	}
	if err != nil {
		s.logger.Error("turn lookup failed", "turn_id", r.PathValue("id"), "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "turn lookup failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, turnStatus(t), s.logger)
}

// handleListSession returns a session's turns, oldest first.
// GET /v1/sessions/{session_id}/turns?user_id=u1&limit=50
func (s *Server) handleListSession(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "turn store not configured")
		return
	}
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		s.errorResponse(w, http.StatusBadRequest, "user_id is required")
		return
	}

	list, err := s.status.ListSession(r.Context(), userID, r.PathValue("session_id"), parseIntParam(r, "limit", 50))
	if err != nil {
		s.logger.Error("session listing failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "session listing failed")
		return
	}

	out := make([]TurnStatus, 0, len(list))
	for i := range list {
		out = append(out, turnStatus(&list[i]))
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"count": len(out),
		"turns": out,
	}, s.logger)
}

func (s *Server) handleVoiceStatus(w http.ResponseWriter, r *http.Request) {
	if s.voice == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "voice not configured")
		return
	}
	st, err := s.voice.Status(r.PathValue("task_id"))
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, "task not found or already finished")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, st, s.logger)
}

// handleCancelVoice cancels a queued or running synthesis. Cancelling
// a finished or unknown task succeeds without effect.
func (s *Server) handleCancelVoice(w http.ResponseWriter, r *http.Request) {
	if s.voice == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "voice not configured")
		return
	}
	s.voice.Cancel(r.PathValue("task_id"))
	w.WriteHeader(http.StatusNoContent)
}
