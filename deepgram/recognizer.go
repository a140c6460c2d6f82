// Package deepgram streams PCM audio to Deepgram's live transcription API.
package deepgram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"github.com/room4-2/voiceloop/session"
)

const (
	// DefaultURL is the live transcription endpoint.
	DefaultURL = "wss://api.deepgram.com/v1/listen"

	keepAlivePeriod = 5 * time.Second
	writeWait       = 5 * time.Second
	handshakeWait   = 10 * time.Second
	// closeGrace bounds how long a closed stream may still deliver trailing results.
	closeGrace = 3 * time.Second
)

// ErrStreamClosed is returned by Send after Close.
var ErrStreamClosed = errors.New("deepgram stream closed")

var (
	keepAliveMsg   = []byte(`{"type":"KeepAlive"}`)
	closeStreamMsg = []byte(`{"type":"CloseStream"}`)
)

// Options are the listen query parameters.
type Options struct {
	Model          string
	Language       string // empty enables detect_language
	Encoding       string
	SampleRate     int
	Channels       int
	InterimResults bool
	SmartFormat    bool
	UtteranceEndMs int
	Endpointing    int
	VADEvents      bool
}

// DefaultOptions matches the 16 kHz mono PCM16 frames produced by the client.
func DefaultOptions() Options {
	return Options{
		Model:          "nova-2",
		Encoding:       "linear16",
		SampleRate:     16000,
		Channels:       1,
		InterimResults: true,
		SmartFormat:    true,
		UtteranceEndMs: 1000,
		Endpointing:    300,
		VADEvents:      true,
	}
}

func (o Options) query() url.Values {
	q := url.Values{}
	q.Set("model", o.Model)
	if o.Language != "" {
		q.Set("language", o.Language)
	} else {
		q.Set("detect_language", "true")
	}
	q.Set("encoding", o.Encoding)
	q.Set("sample_rate", strconv.Itoa(o.SampleRate))
	q.Set("channels", strconv.Itoa(o.Channels))
	q.Set("interim_results", strconv.FormatBool(o.InterimResults))
	q.Set("smart_format", strconv.FormatBool(o.SmartFormat))
	if o.UtteranceEndMs > 0 {
		q.Set("utterance_end_ms", strconv.Itoa(o.UtteranceEndMs))
	}
	if o.Endpointing > 0 {
		q.Set("endpointing", strconv.Itoa(o.Endpointing))
	}
	q.Set("vad_events", strconv.FormatBool(o.VADEvents))
	return q
}

// Recognizer implements session.Recognizer.
type Recognizer struct {
	apiKey     string
	listenURL  string
	opts       Options
	dialer     *websocket.Dialer
	httpClient *http.Client
	logger     *slog.Logger
}

// NewRecognizer creates a Recognizer. An empty listenURL selects DefaultURL.
func NewRecognizer(apiKey, listenURL string, opts Options, logger *slog.Logger) (*Recognizer, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: API key is required")
	}
	if listenURL == "" {
		listenURL = DefaultURL
	}
	if _, err := url.Parse(listenURL); err != nil {
		return nil, fmt.Errorf("deepgram: invalid URL: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recognizer{
		apiKey:     apiKey,
		listenURL:  listenURL,
		opts:       opts,
		dialer:     &websocket.Dialer{HandshakeTimeout: handshakeWait},
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger.With("collaborator", "deepgram"),
	}, nil
}

// Open dials a live transcription stream for one recording. ctx bounds the dial;
// the stream runs until Close or until Deepgram drops it.
func (r *Recognizer) Open(ctx context.Context, clientID string, cb session.RecognizerCallbacks) (session.RecognizerHandle, error) {
	u, _ := url.Parse(r.listenURL)
	u.RawQuery = r.opts.query().Encode()

	headers := http.Header{}
	headers.Set("Authorization", "Token "+r.apiKey)

	conn, resp, err := r.dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			return nil, fmt.Errorf("deepgram connect (status %d): %s: %w", resp.StatusCode, strings.TrimSpace(string(body)), err)
		}
		return nil, fmt.Errorf("deepgram connect: %w", err)
	}

	s := &stream{
		conn:   conn,
		cb:     cb,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: r.logger.With("client_id", clientID),
	}
	go s.readLoop()
	go s.keepAlive()

	s.logger.Info("deepgram stream opened")
	return s, nil
}

// Check lists the projects visible to the API key.
func (r *Recognizer) Check(ctx context.Context) error {
	endpoint, err := projectsURL(r.listenURL)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("deepgram check: %w", err)
	}
	req.Header.Set("Authorization", "Token "+r.apiKey)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("deepgram check: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("deepgram check: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// projectsURL maps the listen endpoint onto the REST projects endpoint of the same host.
func projectsURL(listenURL string) (string, error) {
	u, err := url.Parse(listenURL)
	if err != nil {
		return "", fmt.Errorf("deepgram: invalid URL: %w", err)
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	case "ws":
		u.Scheme = "http"
	}
	u.Path = "/v1/projects"
	u.RawQuery = ""
	return u.String(), nil
}

type resultMessage struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string   `json:"transcript"`
			Confidence float64  `json:"confidence"`
			Language   string   `json:"language"`
			Languages  []string `json:"languages"`
		} `json:"alternatives"`
		DetectedLanguage string `json:"detected_language"`
	} `json:"channel"`
}

func (m *resultMessage) transcript() (session.Transcript, bool) {
	if m.Type != "Results" || len(m.Channel.Alternatives) == 0 {
		return session.Transcript{}, false
	}
	alt := m.Channel.Alternatives[0]
	if strings.TrimSpace(alt.Transcript) == "" {
		return session.Transcript{}, false
	}
	lang := alt.Language
	if lang == "" && len(alt.Languages) > 0 {
		lang = alt.Languages[0]
	}
	if lang == "" {
		lang = m.Channel.DetectedLanguage
	}
	return session.Transcript{
		Text:       alt.Transcript,
		IsFinal:    m.IsFinal,
		Confidence: alt.Confidence,
		Language:   lang,
	}, true
}

// stream is one live Deepgram connection.
type stream struct {
	conn    *websocket.Conn
	cb      session.RecognizerCallbacks
	writeMu sync.Mutex

	closed    atomic.Bool
	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{} // closed when readLoop exits

	logger *slog.Logger
}

func (s *stream) readLoop() {
	defer close(s.done)
	defer s.conn.Close()

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if !s.closed.Load() && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				s.logger.Warn("deepgram stream failed", "error", err)
				if s.cb.OnError != nil {
					s.cb.OnError(fmt.Errorf("deepgram read: %w", err))
				}
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var msg resultMessage
		if err := sonic.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("unparseable deepgram message", "error", err)
			continue
		}
		if t, ok := msg.transcript(); ok && s.cb.OnTranscript != nil {
			s.cb.OnTranscript(t)
		}
	}
}

func (s *stream) keepAlive() {
	ticker := time.NewTicker(keepAlivePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.write(websocket.TextMessage, keepAliveMsg); err != nil {
				s.logger.Debug("keepalive failed", "error", err)
			}
		case <-s.stop:
			return
		case <-s.done:
			return
		}
	}
}

func (s *stream) write(messageType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteMessage(messageType, data)
}

// Send forwards one PCM16 frame.
func (s *stream) Send(frame []byte) error {
	if s.closed.Load() {
		return ErrStreamClosed
	}
	return s.write(websocket.BinaryMessage, frame)
}

// Close asks Deepgram to flush and finish. Trailing results may still arrive until the
// server closes the socket or closeGrace elapses. Close never blocks on the reader.
func (s *stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.stop)
		err = s.write(websocket.TextMessage, closeStreamMsg)
		time.AfterFunc(closeGrace, func() { s.conn.Close() })
		s.logger.Info("deepgram stream closing")
	})
	return err
}
