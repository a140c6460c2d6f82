package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/room4-2/voiceloop/config"
	"github.com/room4-2/voiceloop/messages"
	"github.com/room4-2/voiceloop/metrics"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.UnixMilli(1_700_000_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeHandle struct {
	mu     sync.Mutex
	cb     RecognizerCallbacks
	frames [][]byte
	closed bool

	sendGate chan struct{} // when set, Send blocks until it is closed
	sending  atomic.Int32
}

func (h *fakeHandle) Send(frame []byte) error {
	if h.sendGate != nil {
		h.sending.Add(1)
		<-h.sendGate
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errors.New("handle closed")
	}
	h.frames = append(h.frames, frame)
	return nil
}

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

func (h *fakeHandle) Frames() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.frames)
}

func (h *fakeHandle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *fakeHandle) Final(text, lang string) {
	h.cb.OnTranscript(Transcript{Text: text, IsFinal: true, Confidence: 0.9, Language: lang})
}

func (h *fakeHandle) Interim(text string) {
	h.cb.OnTranscript(Transcript{Text: text, Confidence: 0.5})
}

type fakeRecognizer struct {
	openGate chan struct{} // when set, Open blocks until it is closed or ctx ends
	sendGate chan struct{} // handed to every new handle
	opening  atomic.Int32

	mu           sync.Mutex
	openErr      error
	handles      []*fakeHandle
	lastDeadline time.Time
}

func (r *fakeRecognizer) Open(ctx context.Context, _ string, cb RecognizerCallbacks) (RecognizerHandle, error) {
	r.opening.Add(1)
	if r.openGate != nil {
		select {
		case <-r.openGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastDeadline, _ = ctx.Deadline()
	if r.openErr != nil {
		return nil, r.openErr
	}
	h := &fakeHandle{cb: cb, sendGate: r.sendGate}
	r.handles = append(r.handles, h)
	return h, nil
}

func (r *fakeRecognizer) Last(t *testing.T) *fakeHandle {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.handles, "no recognizer handle opened")
	return r.handles[len(r.handles)-1]
}

func (r *fakeRecognizer) Deadline() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastDeadline
}

func (r *fakeRecognizer) Opened() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

type fakeGenerator struct {
	reply   string
	err     error
	release chan struct{} // when set, Generate blocks until it is closed
	calls   atomic.Int32

	mu       sync.Mutex
	lastOpts GenerateOptions
}

func (g *fakeGenerator) Generate(ctx context.Context, _ string, opts GenerateOptions) (string, error) {
	g.calls.Add(1)
	g.mu.Lock()
	g.lastOpts = opts
	g.mu.Unlock()
	if g.release != nil {
		select {
		case <-g.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return g.reply, g.err
}

func (g *fakeGenerator) Opts() GenerateOptions {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastOpts
}

type fakeSynthesizer struct {
	clip  []byte
	err   error
	calls atomic.Int32
}

func (s *fakeSynthesizer) Synthesize(context.Context, string) ([]byte, error) {
	s.calls.Add(1)
	return s.clip, s.err
}

type fakeTester struct {
	results messages.IntegrationResults
	err     error
}

func (f *fakeTester) Run(context.Context) (messages.IntegrationResults, error) {
	return f.results, f.err
}

// recordingSink captures whatever a session sends over an attached socket.
type recordingSink struct {
	mu     sync.Mutex
	events []*messages.ServerEvent
	clips  [][]byte
	closed bool
}

func (s *recordingSink) SendEvent(ev *messages.ServerEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) SendAudio(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clips = append(s.clips, data)
	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSink) Events() []*messages.ServerEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*messages.ServerEvent(nil), s.events...)
}

func (s *recordingSink) Types() []messages.ServerEventType {
	var out []messages.ServerEventType
	for _, ev := range s.Events() {
		out = append(out, ev.Type)
	}
	return out
}

func (s *recordingSink) Clips() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.clips...)
}

func (s *recordingSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func eventsOfType(evs []*messages.ServerEvent, t messages.ServerEventType) []*messages.ServerEvent {
	var out []*messages.ServerEvent
	for _, ev := range evs {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type harness struct {
	m       *Manager
	cfg     *config.Config
	clock   *fakeClock
	metrics *metrics.Metrics
	rec     *fakeRecognizer
	gen     *fakeGenerator
	synth   *fakeSynthesizer
	tester  *fakeTester
}

func testConfig() *config.Config {
	return &config.Config{
		MaxSessions:         10,
		SessionTimeout:      30 * time.Minute,
		PollIdleTimeout:     2 * time.Minute,
		MaxBufferSize:       1 << 20,
		EchoSuppressWindow:  5 * time.Second,
		CollaboratorTimeout: 2 * time.Second,
		DefaultLanguage:     "en",
		SystemPrompt:        "be brief",
		LLMMaxTokens:        75,
		LLMTemperature:      0.5,
	}
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	return newHarnessWithConfig(t, testConfig(), opts...)
}

func newHarnessWithConfig(t *testing.T, cfg *config.Config, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		cfg:     cfg,
		clock:   newFakeClock(),
		metrics: metrics.New("test"),
		rec:     &fakeRecognizer{},
		gen:     &fakeGenerator{reply: "It is sunny today."},
		synth:   &fakeSynthesizer{clip: make([]byte, 4000)},
		tester:  &fakeTester{},
	}
	base := []Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithMetrics(h.metrics),
		WithClock(h.clock.Now),
		WithPlaybackEstimate(1<<30, 200*time.Millisecond),
	}
	m, err := NewManager(cfg, Collaborators{
		Recognizer:  h.rec,
		Generator:   h.gen,
		Synthesizer: h.synth,
		Tester:      h.tester,
	}, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(m.Shutdown)
	h.m = m
	return h
}

// socketSession attaches recording sinks on both sub-channels.
func (h *harness) socketSession(t *testing.T, id string) (*ClientSession, *recordingSink, *recordingSink) {
	t.Helper()
	control, audio := &recordingSink{}, &recordingSink{}
	cs, err := h.m.Attach(id, ChannelControl, control)
	require.NoError(t, err)
	_, err = h.m.Attach(id, ChannelAudio, audio)
	require.NoError(t, err)
	return cs, control, audio
}

func event(t messages.ClientEventType) *messages.ClientEvent {
	return messages.NewClientEvent(t, "", 0)
}
