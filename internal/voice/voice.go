// Package voice synthesizes speech for replies in the background. The
// request path only enqueues; a fixed pool of workers runs the speech
// provider chain and reports the outcome through the turn store and the
// notification hub.
package voice

import (
	"errors"
	"time"

	"github.com/spiralogic/oracle/internal/fallback"
)

var (
	// ErrQueueFull is returned by Enqueue when no worker slot is free.
	// The task has already been failed with reason "queue full".
	ErrQueueFull = errors.New("voice queue full")

	// ErrQueueClosed is returned by Enqueue after Stop.
	ErrQueueClosed = errors.New("voice queue closed")

	// ErrVoiceExhausted is the cause recorded when every speech
	// provider failed.
	ErrVoiceExhausted = errors.New("voice synthesis exhausted")

	// ErrTaskNotFound is returned by Status for unknown or finished
	// tasks.
	ErrTaskNotFound = errors.New("voice task not found")

	// ErrDuplicateTask is returned by EnqueueWithID for a task ID that
	// is already live.
	ErrDuplicateTask = errors.New("voice task already queued")
)

// Failure reasons reported on voice.failed events and on the turn.
const (
	ReasonQueueFull   = "queue full"
	ReasonCancelled   = "cancelled"
	ReasonExhausted   = "all providers failed"
	ReasonShutdown    = "shutdown"
	ReasonInterrupted = "interrupted"
)

// State is the lifecycle state of a task.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateReady     State = "ready"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether s is final.
func (s State) Terminal() bool {
	return s == StateReady || s == StateFailed || s == StateCancelled
}

// Request is what a speech provider is asked to render.
type Request struct {
	Text   string  `json:"text"`
	Voice  string  `json:"voice,omitempty"`
	Format string  `json:"format"`
	Speed  float64 `json:"speed,omitempty"`
}

// Audio is a provider's rendering.
type Audio struct {
	Data   []byte
	Format string
}

// Provider is one speech backend in the synthesis chain.
type Provider = fallback.Provider[Request, Audio]

// TaskStatus is a snapshot of a task.
type TaskStatus struct {
	ID            string    `json:"task_id"`
	TurnID        string    `json:"turn_id"`
	UserID        string    `json:"user_id"`
	State         State     `json:"state"`
	Attempts      int       `json:"attempts"`
	ChainPosition int       `json:"chain_position"`
	AudioRef      string    `json:"audio_ref,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ContentType returns the MIME type for an audio format.
func ContentType(format string) string {
	switch format {
	case "mp3":
		return "audio/mpeg"
	case "wav":
		return "audio/wav"
	case "opus":
		return "audio/ogg"
	case "aac":
		return "audio/aac"
	case "flac":
		return "audio/flac"
	default:
		return "application/octet-stream"
	}
}
