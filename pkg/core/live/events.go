package live

import (
	"encoding/json"
	"time"

	"github.com/vango-go/vai-interview/pkg/core"
)

// Event is the closed set of notifications published on a Bus. The unexported
// marker keeps the union sealed to this package, so type switches over it are
// exhaustive.
type Event interface {
	// EventType returns the event type string for serialization.
	EventType() string
	isEvent()
}

// ConnectedEvent is emitted once the service acknowledged the setup message.
type ConnectedEvent struct {
	SessionID string    `json:"session_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (e *ConnectedEvent) EventType() string { return "connected" }

// DisconnectedEvent is emitted when the session ends for a reason the caller
// should see. Renewal never produces one.
type DisconnectedEvent struct {
	SessionID string `json:"session_id"`
	Code      int    `json:"code,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

func (e *DisconnectedEvent) EventType() string { return "disconnected" }

// SessionRenewedEvent is emitted after a transparent renewal.
type SessionRenewedEvent struct {
	PreviousSessionID string    `json:"previous_session_id"`
	SessionID         string    `json:"session_id"`
	ExpiresAt         time.Time `json:"expires_at"`
}

func (e *SessionRenewedEvent) EventType() string { return "session.renewed" }

// ReconnectingEvent is emitted before each reconnection attempt.
type ReconnectingEvent struct {
	Attempt int           `json:"attempt"`
	Delay   time.Duration `json:"delay"`
}

func (e *ReconnectingEvent) EventType() string { return "reconnecting" }

// AudioEvent carries decoded inbound audio as it is queued for playback.
type AudioEvent struct {
	PCM        []byte `json:"-"`
	SampleRate int    `json:"sample_rate"`
}

func (e *AudioEvent) EventType() string { return "audio" }

// TextEvent carries a text part of a model turn.
type TextEvent struct {
	Text string `json:"text"`
}

func (e *TextEvent) EventType() string { return "text" }

// TurnCompleteEvent is emitted when the service finished its turn.
type TurnCompleteEvent struct{}

func (e *TurnCompleteEvent) EventType() string { return "turn.complete" }

// InterruptedEvent is emitted when the service reports the candidate barged in.
type InterruptedEvent struct{}

func (e *InterruptedEvent) EventType() string { return "interrupted" }

// SpeakingChangedEvent tracks the AI speaking flag.
type SpeakingChangedEvent struct {
	Speaking bool `json:"speaking"`
}

func (e *SpeakingChangedEvent) EventType() string { return "speaking.changed" }

// ListeningChangedEvent tracks the microphone listening flag.
type ListeningChangedEvent struct {
	Listening bool `json:"listening"`
}

func (e *ListeningChangedEvent) EventType() string { return "listening.changed" }

// UsageEvent reports token accounting from the service.
type UsageEvent struct {
	PromptTokens   int `json:"prompt_tokens"`
	ResponseTokens int `json:"response_tokens"`
	TotalTokens    int `json:"total_tokens"`
}

func (e *UsageEvent) EventType() string { return "usage" }

// ToolCallEvent forwards a tool call request untouched.
type ToolCallEvent struct {
	Raw json.RawMessage `json:"raw"`
}

func (e *ToolCallEvent) EventType() string { return "tool.call" }

// ErrorEvent carries a classified error. Terminal errors end the session.
type ErrorEvent struct {
	Err      *core.Error `json:"error"`
	Terminal bool        `json:"terminal,omitempty"`
}

func (e *ErrorEvent) EventType() string { return "error" }

// UploadProgressEvent reports the state of a per-question recording upload.
type UploadProgressEvent struct {
	QuestionIndex int    `json:"question_index"`
	RecordingID   string `json:"recording_id"`
	Status        string `json:"status"`
	Percent       int    `json:"percent"`
	Attempt       int    `json:"attempt"`
	Error         string `json:"error,omitempty"`
}

func (e *UploadProgressEvent) EventType() string { return "upload.progress" }

func (*ConnectedEvent) isEvent()        {}
func (*DisconnectedEvent) isEvent()     {}
func (*SessionRenewedEvent) isEvent()   {}
func (*ReconnectingEvent) isEvent()     {}
func (*AudioEvent) isEvent()            {}
func (*TextEvent) isEvent()             {}
func (*TurnCompleteEvent) isEvent()     {}
func (*InterruptedEvent) isEvent()      {}
func (*SpeakingChangedEvent) isEvent()  {}
func (*ListeningChangedEvent) isEvent() {}
func (*UsageEvent) isEvent()            {}
func (*ToolCallEvent) isEvent()         {}
func (*ErrorEvent) isEvent()            {}
func (*UploadProgressEvent) isEvent()   {}
