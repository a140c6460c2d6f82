package messages

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

var (
	// ErrMalformedEvent is returned when a control frame is not a valid JSON event.
	ErrMalformedEvent = errors.New("malformed control event")
	// ErrUnknownEventType is returned for a "type" outside the client event set.
	ErrUnknownEventType = errors.New("unknown control event type")
)

// ClientEventType enumerates the control events a client may send.
type ClientEventType string

const (
	TypeConnectionReady    ClientEventType = "connection_ready"
	TypeStartRecording     ClientEventType = "start_recording"
	TypeStopRecording      ClientEventType = "stop_recording"
	TypeInterrupt          ClientEventType = "interrupt"
	TypePing               ClientEventType = "ping"
	TypeSettingsUpdate     ClientEventType = "settings_update"
	TypeRunIntegrationTest ClientEventType = "run_integration_test"
)

// AudioConnectionReady is the readiness handshake sent as a text frame on the audio socket.
const AudioConnectionReady = "audio_connection_ready"

// Valid reports whether t is one of the known client event types.
func (t ClientEventType) Valid() bool {
	switch t {
	case TypeConnectionReady, TypeStartRecording, TypeStopRecording, TypeInterrupt,
		TypePing, TypeSettingsUpdate, TypeRunIntegrationTest:
		return true
	}
	return false
}

// ClientEvent represents a control message from the frontend client
type ClientEvent struct {
	Type      ClientEventType `json:"type"`
	Timestamp int64           `json:"timestamp"`
	ClientID  string          `json:"clientId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// SettingsPayload is the data of a settings_update event.
type SettingsPayload struct {
	Language string `json:"language,omitempty"`
}

type clientWire struct {
	Type      *string         `json:"type"`
	Timestamp *int64          `json:"timestamp"`
	ClientID  string          `json:"clientId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ParseClientEvent decodes and validates one control frame. Type and timestamp are required.
func ParseClientEvent(data []byte) (*ClientEvent, error) {
	var wire clientWire
	if err := sonic.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if wire.Type == nil || wire.Timestamp == nil {
		return nil, fmt.Errorf("%w: type and timestamp are required", ErrMalformedEvent)
	}
	t := ClientEventType(*wire.Type)
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, *wire.Type)
	}
	return &ClientEvent{
		Type:      t,
		Timestamp: *wire.Timestamp,
		ClientID:  wire.ClientID,
		Data:      wire.Data,
	}, nil
}

// Settings decodes the data of a settings_update event. Missing data yields zero settings.
func (e *ClientEvent) Settings() (SettingsPayload, error) {
	var s SettingsPayload
	if len(e.Data) == 0 || string(e.Data) == "null" {
		return s, nil
	}
	if err := sonic.Unmarshal(e.Data, &s); err != nil {
		return s, fmt.Errorf("%w: settings: %v", ErrMalformedEvent, err)
	}
	return s, nil
}

// NewClientEvent builds an outgoing client event.
func NewClientEvent(t ClientEventType, clientID string, timestamp int64) *ClientEvent {
	return &ClientEvent{Type: t, Timestamp: timestamp, ClientID: clientID}
}

// Encode marshals the event for the wire.
func (e *ClientEvent) Encode() ([]byte, error) {
	return sonic.Marshal(e)
}
