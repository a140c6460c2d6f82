// Package elevenlabs synthesizes reply audio with the ElevenLabs text-to-speech API.
package elevenlabs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

const (
	// DefaultBaseURL is the public API host.
	DefaultBaseURL = "https://api.elevenlabs.io"
	// DefaultVoice is the "Adam" premade voice.
	DefaultVoice = "pNInz6obpgDQGcFmaJgB"
	// DefaultModel favours latency over fidelity.
	DefaultModel = "eleven_turbo_v2_5"
	// DefaultOutputFormat is a small MP3 suitable for browser playback.
	DefaultOutputFormat = "mp3_22050_32"

	maxErrorBody = 1024
)

// VoiceSettings tunes the selected voice.
type VoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style"`
	UseSpeakerBoost bool    `json:"use_speaker_boost"`
}

// DefaultVoiceSettings favour an expressive, conversational delivery.
func DefaultVoiceSettings() VoiceSettings {
	return VoiceSettings{
		Stability:       0.3,
		SimilarityBoost: 0.8,
		Style:           0.2,
	}
}

type speechRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	VoiceSettings VoiceSettings `json:"voice_settings"`
}

type voicesResponse struct {
	Voices []struct {
		VoiceID string `json:"voice_id"`
		Name    string `json:"name"`
	} `json:"voices"`
}

// Synthesizer implements session.Synthesizer.
type Synthesizer struct {
	apiKey       string
	baseURL      string
	voiceID      string
	modelID      string
	outputFormat string
	settings     VoiceSettings
	httpClient   *http.Client
	logger       *slog.Logger
}

// Option configures a Synthesizer.
type Option func(*Synthesizer)

// WithBaseURL overrides the API host.
func WithBaseURL(base string) Option {
	return func(s *Synthesizer) { s.baseURL = strings.TrimRight(base, "/") }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Synthesizer) { s.httpClient = c }
}

// WithModel selects a different TTS model.
func WithModel(model string) Option {
	return func(s *Synthesizer) { s.modelID = model }
}

// WithVoiceSettings overrides DefaultVoiceSettings.
func WithVoiceSettings(vs VoiceSettings) Option {
	return func(s *Synthesizer) { s.settings = vs }
}

// NewSynthesizer creates a Synthesizer for voiceID (DefaultVoice when empty).
func NewSynthesizer(apiKey, voiceID string, logger *slog.Logger, opts ...Option) (*Synthesizer, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("elevenlabs: API key is required")
	}
	if voiceID == "" {
		voiceID = DefaultVoice
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Synthesizer{
		apiKey:       apiKey,
		baseURL:      DefaultBaseURL,
		voiceID:      voiceID,
		modelID:      DefaultModel,
		outputFormat: DefaultOutputFormat,
		settings:     DefaultVoiceSettings(),
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		logger:       logger.With("collaborator", "elevenlabs"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Synthesize returns the MP3 encoding of text.
func (s *Synthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("elevenlabs: empty text")
	}

	body, err := sonic.Marshal(speechRequest{
		Text:          text,
		ModelID:       s.modelID,
		VoiceSettings: s.settings,
	})
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: encode request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1/text-to-speech/%s?output_format=%s",
		s.baseURL, url.PathEscape(s.voiceID), url.QueryEscape(s.outputFormat))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: create request: %w", err)
	}
	req.Header.Set("Accept", "audio/mpeg")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("elevenlabs error %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: read audio: %w", err)
	}
	s.logger.Debug("speech synthesized", "voice", s.voiceID, "chars", len(text), "bytes", len(audio))
	return audio, nil
}

// Voices returns the number of voices available to the API key.
func (s *Synthesizer) Voices(ctx context.Context) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/v1/voices", nil)
	if err != nil {
		return 0, fmt.Errorf("elevenlabs: create request: %w", err)
	}
	req.Header.Set("xi-api-key", s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("elevenlabs voices: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("elevenlabs voices: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if len(raw) > maxErrorBody {
			raw = raw[:maxErrorBody]
		}
		return 0, fmt.Errorf("elevenlabs voices error %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var vr voicesResponse
	if err := sonic.Unmarshal(raw, &vr); err != nil {
		return 0, fmt.Errorf("elevenlabs voices: decode: %w", err)
	}
	return len(vr.Voices), nil
}

// Check verifies the key by listing voices; an account with no voices fails.
func (s *Synthesizer) Check(ctx context.Context) error {
	n, err := s.Voices(ctx)
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.New("elevenlabs: no voices available")
	}
	return nil
}
