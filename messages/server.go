package messages

import (
	"fmt"

	"github.com/bytedance/sonic"
)

// ServerEventType enumerates the control events the server emits.
type ServerEventType string

const (
	TypeServerReady            ServerEventType = "server_ready"
	TypeRecordingStarted       ServerEventType = "recording_started"
	TypeRecordingStopped       ServerEventType = "recording_stopped"
	TypeTranscriptUpdate       ServerEventType = "transcript_update"
	TypeResponseReady          ServerEventType = "response_ready"
	TypeAudioReady             ServerEventType = "audio_ready"
	TypeAudioLevel             ServerEventType = "audio_level"
	TypeInterrupted            ServerEventType = "interrupted"
	TypePong                   ServerEventType = "pong"
	TypeError                  ServerEventType = "error"
	TypeIntegrationTestResults ServerEventType = "integration_test_results"
)

// Valid reports whether t is one of the known server event types.
func (t ServerEventType) Valid() bool {
	switch t {
	case TypeServerReady, TypeRecordingStarted, TypeRecordingStopped, TypeTranscriptUpdate,
		TypeResponseReady, TypeAudioReady, TypeAudioLevel, TypeInterrupted, TypePong,
		TypeError, TypeIntegrationTestResults:
		return true
	}
	return false
}

// LanguageSample is one entry of a session's language history.
type LanguageSample struct {
	Language   string  `json:"language"`
	Confidence float64 `json:"confidence"`
	Timestamp  int64   `json:"timestamp"`
}

// ResponsePayload contains the generated reply and its latency breakdown in ms
type ResponsePayload struct {
	Text       string `json:"text"`
	Latency    int64  `json:"latency"`
	LLMLatency int64  `json:"llmLatency"`
	TTSLatency int64  `json:"ttsLatency"`
}

// ServiceResult is the outcome of probing one collaborator.
type ServiceResult struct {
	Service string         `json:"service"`
	Status  string         `json:"status"` // "success" or "error"
	Latency int64          `json:"latency"`
	Error   string         `json:"error,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// IntegrationResults is the payload of integration_test_results.
type IntegrationResults struct {
	Success      bool            `json:"success"`
	Results      []ServiceResult `json:"results"`
	TotalLatency int64           `json:"totalLatency"`
}

// ServerEvent represents a control message sent to the frontend client.
// Only the fields belonging to Type are set; ID is assigned by the session sequencer.
type ServerEvent struct {
	ID        int64           `json:"id,omitempty"`
	Type      ServerEventType `json:"type"`
	Timestamp int64           `json:"timestamp"`

	Status          string              `json:"status,omitempty"`
	Transcript      *string             `json:"transcript,omitempty"`
	IsFinal         *bool               `json:"isFinal,omitempty"`
	Confidence      *float64            `json:"confidence,omitempty"`
	Language        string              `json:"language,omitempty"`
	LanguageHistory []LanguageSample    `json:"languageHistory,omitempty"`
	Response        *ResponsePayload    `json:"response,omitempty"`
	AudioLength     *int                `json:"audioLength,omitempty"`
	Level           *float64            `json:"level,omitempty"`
	Latency         *int64              `json:"latency,omitempty"`
	Error           string              `json:"error,omitempty"`
	Results         *IntegrationResults `json:"results,omitempty"`
}

// Encode marshals the event for the wire.
func (e *ServerEvent) Encode() ([]byte, error) {
	return sonic.Marshal(e)
}

// ParseServerEvent decodes one server event (client side).
func ParseServerEvent(data []byte) (*ServerEvent, error) {
	var ev ServerEvent
	if err := sonic.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if !ev.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, ev.Type)
	}
	return &ev, nil
}

// ParseServerEvents decodes the JSON array returned by the polling endpoint.
func ParseServerEvents(data []byte) ([]*ServerEvent, error) {
	var evs []*ServerEvent
	if err := sonic.Unmarshal(data, &evs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return evs, nil
}

// NewServerReady acknowledges connection_ready.
func NewServerReady(ts int64) *ServerEvent {
	return &ServerEvent{Type: TypeServerReady, Timestamp: ts, Status: "connected"}
}

// NewRecordingStarted creates a recording_started event
func NewRecordingStarted(ts int64) *ServerEvent {
	return &ServerEvent{Type: TypeRecordingStarted, Timestamp: ts}
}

// NewRecordingStopped creates a recording_stopped event
func NewRecordingStopped(ts int64) *ServerEvent {
	return &ServerEvent{Type: TypeRecordingStopped, Timestamp: ts}
}

// NewTranscriptUpdate creates a transcript_update event. History is only attached to final updates.
func NewTranscriptUpdate(ts int64, transcript string, isFinal bool, confidence float64, language string, history []LanguageSample) *ServerEvent {
	ev := &ServerEvent{
		Type:       TypeTranscriptUpdate,
		Timestamp:  ts,
		Transcript: &transcript,
		IsFinal:    &isFinal,
		Confidence: &confidence,
		Language:   language,
	}
	if isFinal {
		ev.LanguageHistory = history
	}
	return ev
}

// NewResponseReady creates a response_ready event
func NewResponseReady(ts int64, resp ResponsePayload) *ServerEvent {
	return &ServerEvent{Type: TypeResponseReady, Timestamp: ts, Response: &resp}
}

// NewAudioReady creates an audio_ready event
func NewAudioReady(ts int64, audioLength int) *ServerEvent {
	return &ServerEvent{Type: TypeAudioReady, Timestamp: ts, AudioLength: &audioLength}
}

// NewAudioLevel creates an audio_level event
func NewAudioLevel(ts int64, level float64) *ServerEvent {
	return &ServerEvent{Type: TypeAudioLevel, Timestamp: ts, Level: &level}
}

// NewInterrupted creates an interrupted event
func NewInterrupted(ts int64) *ServerEvent {
	return &ServerEvent{Type: TypeInterrupted, Timestamp: ts}
}

// NewPong answers a ping; latency is the distance from the client's timestamp.
func NewPong(ts int64, latency int64) *ServerEvent {
	return &ServerEvent{Type: TypePong, Timestamp: ts, Latency: &latency}
}

// NewError creates an error event with a user-facing message
func NewError(ts int64, message string) *ServerEvent {
	return &ServerEvent{Type: TypeError, Timestamp: ts, Error: message}
}

// NewIntegrationTestResults creates an integration_test_results event
func NewIntegrationTestResults(ts int64, results IntegrationResults) *ServerEvent {
	return &ServerEvent{Type: TypeIntegrationTestResults, Timestamp: ts, Results: &results}
}
