// Package turns stores conversation turns and persists them, off the
// request path, into the memory layers.
package turns

import (
	"errors"
	"fmt"
	"time"
)

// VoiceStatus is the synthesis state of a turn.
type VoiceStatus string

const (
	VoiceNone   VoiceStatus = "none"
	VoiceQueued VoiceStatus = "queued"
	VoiceReady  VoiceStatus = "ready"
	VoiceFailed VoiceStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s VoiceStatus) Terminal() bool {
	return s == VoiceReady || s == VoiceFailed
}

// CanTransition reports whether from→to is an edge of the voice state
// machine: none→queued, queued→ready, queued→failed.
func CanTransition(from, to VoiceStatus) bool {
	switch from {
	case VoiceNone:
		return to == VoiceQueued
	case VoiceQueued:
		return to == VoiceReady || to == VoiceFailed
	default:
		return false
	}
}

var (
	// ErrNotFound is returned when no turn has the requested ID.
	ErrNotFound = errors.New("turn not found")

	// ErrInvalidTransition is returned when a voice status change is not
	// an edge of the state machine or the turn is no longer in the
	// expected state.
	ErrInvalidTransition = errors.New("invalid voice status transition")
)

// Turn is one user input and the reply produced for it.
type Turn struct {
	ID           string      `json:"turn_id"`
	UserID       string      `json:"user_id"`
	SessionID    string      `json:"session_id"`
	InputText    string      `json:"input_text"`
	ReplyText    string      `json:"reply_text"`
	ProviderUsed string      `json:"provider_used"`
	Degraded     bool        `json:"degraded,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	VoiceStatus  VoiceStatus `json:"voice_status"`
	VoiceTaskID  string      `json:"voice_task_id,omitempty"`
	AudioRef     string      `json:"audio_ref,omitempty"`
	VoiceReason  string      `json:"reason,omitempty"`
	Tags         []string    `json:"tags,omitempty"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// VoiceUpdate carries the fields written alongside a voice transition.
// Empty fields leave the stored value unchanged.
type VoiceUpdate struct {
	TaskID   string
	AudioRef string
	Reason   string
}

func transitionError(id string, from, to, current VoiceStatus) error {
	if current == "" {
		return fmt.Errorf("%w: turn %s %s→%s", ErrInvalidTransition, id, from, to)
	}
	return fmt.Errorf("%w: turn %s %s→%s (currently %s)", ErrInvalidTransition, id, from, to, current)
}
