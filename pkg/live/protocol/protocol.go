// Package protocol defines the wire messages exchanged with the live service
// and the classifier that sorts inbound frames into control, audio or malformed.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"google.golang.org/genai"
)

// PCMMimeType is the MIME type of outbound microphone frames.
const PCMMimeType = "audio/pcm"

// ClientMessage is one outbound frame. Exactly one field is set.
type ClientMessage struct {
	Setup         *Setup         `json:"setup,omitempty"`
	RealtimeInput *RealtimeInput `json:"realtime_input,omitempty"`
	ClientContent *ClientContent `json:"client_content,omitempty"`
}

type Setup struct {
	Model             string           `json:"model"`
	GenerationConfig  GenerationConfig `json:"generation_config"`
	SystemInstruction *genai.Content   `json:"system_instruction,omitempty"`
}

type GenerationConfig struct {
	ResponseModalities []genai.Modality    `json:"response_modalities"`
	SpeechConfig       *genai.SpeechConfig `json:"speech_config,omitempty"`
}

type RealtimeInput struct {
	MediaChunks []MediaChunk `json:"media_chunks"`
}

type MediaChunk struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type ClientContent struct {
	Turns        []*genai.Content `json:"turns"`
	TurnComplete bool             `json:"turn_complete"`
}

// SetupParams are the inputs of the setup handshake message.
type SetupParams struct {
	Model        string
	Modalities   []string
	Voice        string
	SystemPrompt string
}

// NewSetup builds the setup message sent right after the transport opens.
func NewSetup(p SetupParams) ClientMessage {
	modalities := make([]genai.Modality, 0, len(p.Modalities))
	for _, m := range p.Modalities {
		modalities = append(modalities, genai.Modality(strings.ToUpper(m)))
	}
	if len(modalities) == 0 {
		modalities = append(modalities, genai.ModalityAudio)
	}

	setup := &Setup{
		Model:            p.Model,
		GenerationConfig: GenerationConfig{ResponseModalities: modalities},
	}
	if voice := strings.TrimSpace(p.Voice); voice != "" {
		setup.GenerationConfig.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: voice},
			},
		}
	}
	if p.SystemPrompt != "" {
		setup.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: p.SystemPrompt}}}
	}
	return ClientMessage{Setup: setup}
}

// NewRealtimeInput wraps one base64 audio frame.
func NewRealtimeInput(b64 string) ClientMessage {
	return ClientMessage{RealtimeInput: &RealtimeInput{
		MediaChunks: []MediaChunk{{MimeType: PCMMimeType, Data: b64}},
	}}
}

// NewClientText sends a user-role text turn.
func NewClientText(text string, turnComplete bool) ClientMessage {
	return ClientMessage{ClientContent: &ClientContent{
		Turns:        []*genai.Content{{Role: "user", Parts: []*genai.Part{{Text: text}}}},
		TurnComplete: turnComplete,
	}}
}

// ServerMessage is one inbound control frame. Unknown fields are ignored.
type ServerMessage struct {
	SetupComplete json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *ServerContent  `json:"serverContent,omitempty"`
	ToolCall      json.RawMessage `json:"toolCall,omitempty"`
	UsageMetadata *UsageMetadata  `json:"usageMetadata,omitempty"`
	GoAway        *GoAway         `json:"goAway,omitempty"`
}

// IsSetupComplete reports whether the frame acknowledges the setup message.
// Both `true` and an empty object are accepted.
func (m *ServerMessage) IsSetupComplete() bool {
	raw := bytes.TrimSpace(m.SetupComplete)
	return len(raw) > 0 && !bytes.Equal(raw, []byte("null")) && !bytes.Equal(raw, []byte("false"))
}

type ServerContent struct {
	ModelTurn    *ModelTurn `json:"modelTurn,omitempty"`
	TurnComplete bool       `json:"turnComplete,omitempty"`
	Interrupted  bool       `json:"interrupted,omitempty"`
}

type ModelTurn struct {
	Parts []Part `json:"parts"`
}

type Part struct {
	InlineData *InlineData `json:"inlineData,omitempty"`
	Text       string      `json:"text,omitempty"`
}

type InlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type UsageMetadata struct {
	PromptTokenCount   int `json:"promptTokenCount"`
	ResponseTokenCount int `json:"responseTokenCount"`
	TotalTokenCount    int `json:"totalTokenCount"`
}

// GoAway announces that the service will close the connection soon.
type GoAway struct {
	TimeLeft string `json:"timeLeft,omitempty"`
}

// Remaining parses TimeLeft ("12.5s"). Zero means unknown.
func (g *GoAway) Remaining() time.Duration {
	if g == nil || g.TimeLeft == "" {
		return 0
	}
	d, err := time.ParseDuration(g.TimeLeft)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// FrameKind is the three-way result of classifying an inbound frame.
type FrameKind int

const (
	FrameMalformed FrameKind = iota
	FrameControl
	FrameAudio
)

func (k FrameKind) String() string {
	switch k {
	case FrameControl:
		return "control"
	case FrameAudio:
		return "audio"
	default:
		return "malformed"
	}
}

// Frame is a classified inbound frame. Message is set for control frames,
// Audio for audio frames and Err for malformed ones.
type Frame struct {
	Kind    FrameKind
	Message *ServerMessage
	Audio   []byte
	Err     error
}

// Classify sorts one inbound frame. A binary frame holding a syntactically
// valid JSON object is a control message, any other binary payload is raw PCM
// audio. Control frames whose fields do not decode are malformed and never
// reach playback.
func Classify(binary bool, data []byte) Frame {
	if binary {
		if len(data) == 0 {
			return Frame{Kind: FrameMalformed, Err: fmt.Errorf("empty binary frame")}
		}
		if !looksLikeJSONObject(data) || !utf8.Valid(data) || !json.Valid(data) {
			return Frame{Kind: FrameAudio, Audio: data}
		}
	}

	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return Frame{Kind: FrameMalformed, Err: fmt.Errorf("invalid json frame: %w", err)}
	}
	return Frame{Kind: FrameControl, Message: &msg}
}

func looksLikeJSONObject(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) >= 2 && trimmed[0] == '{' && trimmed[len(trimmed)-1] == '}'
}
