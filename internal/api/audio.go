package api

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/spiralogic/oracle/internal/voice"
)

// AudioResolver maps an audio reference to a cached file.
type AudioResolver interface {
	Path(ref string) (string, error)
}

// handleAudio serves a synthesized clip by the reference carried on
// voice.ready events.
// GET /v1/audio/{ref}
func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	if s.audio == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "audio not configured")
		return
	}

	ref := r.PathValue("ref")
	path, err := s.audio.Path(ref)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid audio reference")
		return
	}

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		s.errorResponse(w, http.StatusNotFound, "audio not found")
		return
	}
	if err != nil {
		s.logger.Error("audio open failed", "ref", ref, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "audio unavailable")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "audio unavailable")
		return
	}

	format := strings.TrimPrefix(filepath.Ext(ref), ".")
	w.Header().Set("Content-Type", voice.ContentType(format))
	// Clips are content-addressed and never change.
	w.Header().Set("Cache-Control", "public, max-age=86400, immutable")
	http.ServeContent(w, r, ref, info.ModTime(), f)
}
