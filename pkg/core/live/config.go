package live

import (
	"fmt"
	"strings"
	"time"
)

// Modality is a response modality requested from the service.
type Modality string

const (
	ModalityAudio Modality = "AUDIO"
	ModalityText  Modality = "TEXT"
)

// SessionConfig holds all configuration for a live session.
type SessionConfig struct {
	// URL is the websocket endpoint of the live service. The API key is
	// appended as the key query parameter.
	URL string `json:"url"`

	// Model is the model identifier sent in the setup message.
	Model string `json:"model"`

	// ResponseModalities requested from the service. Default: AUDIO.
	ResponseModalities []Modality `json:"response_modalities"`

	// Voice is the prebuilt voice name. Empty lets the service choose.
	Voice string `json:"voice,omitempty"`

	// SessionBudget is the hard per-connection limit enforced by the service.
	// Default: 25 minutes.
	SessionBudget time.Duration `json:"session_budget"`

	// RenewBefore is how long before the budget expires the session is renewed.
	// Default: 2 minutes.
	RenewBefore time.Duration `json:"renew_before"`

	// ConnectTimeout bounds the websocket dial. Default: 10 seconds.
	ConnectTimeout time.Duration `json:"connect_timeout"`

	// SetupTimeout bounds the wait for setupComplete. Default: 15 seconds.
	SetupTimeout time.Duration `json:"setup_timeout"`

	// ReconnectBaseDelay is the first reconnection delay; each further attempt
	// doubles it. Default: 1 second.
	ReconnectBaseDelay time.Duration `json:"reconnect_base_delay"`

	// MaxReconnectAttempts caps consecutive reconnection attempts. Default: 5.
	MaxReconnectAttempts int `json:"max_reconnect_attempts"`

	// StableAfter is how long a reconnected session must stay up before the
	// attempt counter resets. Default: 30 seconds.
	StableAfter time.Duration `json:"stable_after"`

	// VoiceThreshold is the RMS gate for microphone blocks. Default: 0.01.
	VoiceThreshold float64 `json:"voice_threshold"`

	// PlaybackMinBufferMs is the start-of-turn pre-buffer of the playback queue.
	PlaybackMinBufferMs int `json:"playback_min_buffer_ms"`

	// Greet asks the service to open the interview after the first connect.
	// Renewals and reconnections never greet again.
	Greet bool `json:"greet"`
}

// DefaultLiveURL is the public bidirectional streaming endpoint.
const DefaultLiveURL = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

// DefaultSessionConfig returns a SessionConfig with sensible defaults.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		URL:                  DefaultLiveURL,
		Model:                "models/gemini-2.0-flash-exp",
		ResponseModalities:   []Modality{ModalityAudio},
		Voice:                "Puck",
		SessionBudget:        25 * time.Minute,
		RenewBefore:          2 * time.Minute,
		ConnectTimeout:       10 * time.Second,
		SetupTimeout:         15 * time.Second,
		ReconnectBaseDelay:   time.Second,
		MaxReconnectAttempts: 5,
		StableAfter:          30 * time.Second,
		VoiceThreshold:       DefaultVoiceThreshold,
		PlaybackMinBufferMs:  100,
	}
}

// WithDefaults fills zero fields from DefaultSessionConfig.
func (c SessionConfig) WithDefaults() SessionConfig {
	d := DefaultSessionConfig()
	if c.URL == "" {
		c.URL = d.URL
	}
	if c.Model == "" {
		c.Model = d.Model
	}
	if len(c.ResponseModalities) == 0 {
		c.ResponseModalities = d.ResponseModalities
	}
	if c.SessionBudget <= 0 {
		c.SessionBudget = d.SessionBudget
	}
	if c.RenewBefore <= 0 {
		c.RenewBefore = d.RenewBefore
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.SetupTimeout <= 0 {
		c.SetupTimeout = d.SetupTimeout
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = d.ReconnectBaseDelay
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = d.MaxReconnectAttempts
	}
	if c.StableAfter <= 0 {
		c.StableAfter = d.StableAfter
	}
	if c.VoiceThreshold <= 0 {
		c.VoiceThreshold = d.VoiceThreshold
	}
	if c.PlaybackMinBufferMs < 0 {
		c.PlaybackMinBufferMs = 0
	}
	return c
}

// Validate checks the configuration for values the controller cannot use.
func (c SessionConfig) Validate() error {
	if c.RenewBefore >= c.SessionBudget {
		return fmt.Errorf("renew_before (%s) must be shorter than session_budget (%s)", c.RenewBefore, c.SessionBudget)
	}
	for _, m := range c.ResponseModalities {
		if m != ModalityAudio && m != ModalityText {
			return fmt.Errorf("unknown response modality %q", m)
		}
	}
	if !strings.HasPrefix(c.URL, "ws://") && !strings.HasPrefix(c.URL, "wss://") {
		return fmt.Errorf("live url must be ws:// or wss:// (got %q)", c.URL)
	}
	return nil
}

// RenewAfter returns the delay from session start to the renewal timer.
func (c SessionConfig) RenewAfter() time.Duration {
	return c.SessionBudget - c.RenewBefore
}

// ReconnectDelay returns base × 2^(attempt−1) for attempt >= 1.
func (c SessionConfig) ReconnectDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return c.ReconnectBaseDelay << (attempt - 1)
}
