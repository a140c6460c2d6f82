// Package client is the Go side of the voice transport: a dual websocket
// connection with reconnect, and an HTTP polling fallback.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/room4-2/voiceloop/audio"
	"github.com/room4-2/voiceloop/messages"
)

// Status is the connection state reported through Options.OnStatus.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// ErrNotConnected is returned when sending without a live connection.
var ErrNotConnected = errors.New("transport not connected")

// ReconnectPolicy spaces reconnect attempts linearly up to a ceiling.
type ReconnectPolicy struct {
	Base        time.Duration
	Increment   time.Duration
	Max         time.Duration
	MaxAttempts int
}

// DefaultReconnectPolicy waits 1.5s, 2s, 2.5s ... capped at 5s, for at most 10 attempts.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		Base:        time.Second,
		Increment:   500 * time.Millisecond,
		Max:         5 * time.Second,
		MaxAttempts: 10,
	}
}

// Delay returns the wait before the given 1-based attempt.
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	return min(p.Base+time.Duration(attempt)*p.Increment, p.Max)
}

// Options configure both transports.
type Options struct {
	// BaseURL is the server's HTTP origin, e.g. http://localhost:8080.
	BaseURL  string
	ClientID string

	OnMessage func(*messages.ServerEvent)
	OnStatus  func(Status)
	OnAudio   func([]byte)

	Reconnect    ReconnectPolicy
	PollInterval time.Duration
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

func (o *Options) normalize() error {
	if o.BaseURL == "" {
		return errors.New("client: BaseURL is required")
	}
	o.BaseURL = strings.TrimRight(o.BaseURL, "/")
	if _, err := url.Parse(o.BaseURL); err != nil {
		return fmt.Errorf("client: invalid BaseURL: %w", err)
	}
	if o.ClientID == "" {
		o.ClientID = uuid.NewString()
	}
	if o.Reconnect == (ReconnectPolicy{}) {
		o.Reconnect = DefaultReconnectPolicy()
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	o.Logger = o.Logger.With("client_id", o.ClientID)
	return nil
}

func (o *Options) status(s Status) {
	o.Logger.Debug("connection status", "status", string(s))
	if o.OnStatus != nil {
		o.OnStatus(s)
	}
}

func (o *Options) message(ev *messages.ServerEvent) {
	if o.OnMessage != nil {
		o.OnMessage(ev)
	}
}

func (o *Options) audio(clip []byte) {
	if o.OnAudio != nil {
		o.OnAudio(clip)
	}
}

// stamp fills in the client id and timestamp of an outgoing event.
func (o *Options) stamp(ev *messages.ClientEvent) {
	if ev.ClientID == "" {
		ev.ClientID = o.ClientID
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}
}

// Transport is implemented by SocketTransport and PollingTransport.
type Transport interface {
	Connect(ctx context.Context) error
	SendControl(ev *messages.ClientEvent) error
	SendAudio(frame []byte) error
	Close() error
}

// SendSamples quantizes captured float samples to PCM16 LE and sends them as one frame.
func SendSamples(t Transport, samples []float32) error {
	return t.SendAudio(audio.EncodePCM16LE(audio.FloatToPCM16(samples)))
}
