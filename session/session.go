package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/room4-2/voiceloop/messages"
)

// TransportMode records how a client reaches its session.
type TransportMode string

const (
	ModeSocket  TransportMode = "socket"
	ModePolling TransportMode = "polling"
)

// Channel names one of the two websocket sub-channels of a session.
type Channel string

const (
	ChannelControl Channel = "control"
	ChannelAudio   Channel = "audio"
)

// Valid reports whether c names a known sub-channel.
func (c Channel) Valid() bool {
	return c == ChannelControl || c == ChannelAudio
}

// State is the assistant state derived from the session flags.
type State string

const (
	StateIdle       State = "idle"
	StateListening  State = "listening"
	StateProcessing State = "processing"
	StateResponding State = "responding"
)

const (
	maxOutboundQueue    = 50
	maxLanguageHistory  = 20
	finalHistorySamples = 3
)

// ControlSink delivers server events over an attached control socket.
// SendEvent must not block; it is called with the session lock held.
type ControlSink interface {
	SendEvent(ev *messages.ServerEvent) error
	Close() error
}

// AudioSink delivers synthesized audio over an attached audio socket.
// SendAudio must not block; it is called with the session lock held.
type AudioSink interface {
	SendAudio(data []byte) error
	Close() error
}

// ClientSession is the server-side state of one client, keyed by its client id.
// All mutable fields are guarded by mu.
type ClientSession struct {
	ID        string
	CreatedAt time.Time

	m      *Manager
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	closed       bool
	mode         TransportMode
	control      ControlSink
	audio        AudioSink
	lastActivity time.Time

	recording  bool
	processing bool
	playing    bool

	transcript        string
	languageHistory   []messages.LanguageSample
	preferredLanguage string

	recognizer         RecognizerHandle
	recognizerGen      uint64
	recordingStartedAt time.Time

	lastResponseTime time.Time
	playbackTimer    *time.Timer
	playbackGen      uint64

	outboundSeq int64
	outbound    []*messages.ServerEvent

	pending *AudioBuffer
}

func newClientSession(m *Manager, id string, mode TransportMode) *ClientSession {
	ctx, cancel := context.WithCancel(context.Background())
	now := m.now()
	return &ClientSession{
		ID:           id,
		CreatedAt:    now,
		m:            m,
		log:          m.logger.With("client_id", id),
		ctx:          ctx,
		cancel:       cancel,
		mode:         mode,
		lastActivity: now,
		pending:      NewAudioBuffer(m.config.MaxBufferSize),
	}
}

// Mode returns the current transport mode.
func (cs *ClientSession) Mode() TransportMode {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.mode
}

// State derives the assistant state from the recording/processing/playing flags.
func (cs *ClientSession) State() State {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	switch {
	case cs.processing:
		return StateProcessing
	case cs.playing:
		return StateResponding
	case cs.recording:
		return StateListening
	default:
		return StateIdle
	}
}

// IsRecording reports whether a recognizer stream is live.
func (cs *ClientSession) IsRecording() bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.recording
}

// IsPlaying reports whether a synthesized reply is assumed to be playing.
func (cs *ClientSession) IsPlaying() bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.playing
}

// IsClosed returns whether the session has been torn down
func (cs *ClientSession) IsClosed() bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.closed
}

// LanguageHistory returns a copy of the detected languages, most recent last.
func (cs *ClientSession) LanguageHistory() []messages.LanguageSample {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return append([]messages.LanguageSample(nil), cs.languageHistory...)
}

// PendingAudio returns the playback buffer used when no audio socket is attached.
func (cs *ClientSession) PendingAudio() *AudioBuffer {
	return cs.pending
}

// Wait blocks until background work started by the session (pipeline runs,
// integration tests) has finished.
func (cs *ClientSession) Wait() {
	cs.wg.Wait()
}

func (cs *ClientSession) touch(mode TransportMode) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.lastActivity = cs.m.now()
	if mode == ModePolling && cs.control == nil && cs.audio == nil {
		cs.mode = ModePolling
	}
}

func (cs *ClientSession) idleSince(cutoff time.Time) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.control == nil && cs.audio == nil && cs.lastActivity.Before(cutoff)
}

// attach installs sink on ch and returns the sink it replaced, if any.
func (cs *ClientSession) attach(ch Channel, sink io.Closer) (io.Closer, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	var old io.Closer
	switch ch {
	case ChannelControl:
		s, ok := sink.(ControlSink)
		if !ok {
			return nil, fmt.Errorf("%w: %T cannot carry control events", ErrInvalidSink, sink)
		}
		if cs.control != nil {
			old = cs.control
		}
		cs.control = s
	case ChannelAudio:
		s, ok := sink.(AudioSink)
		if !ok {
			return nil, fmt.Errorf("%w: %T cannot carry audio", ErrInvalidSink, sink)
		}
		if cs.audio != nil {
			old = cs.audio
		}
		cs.audio = s
	default:
		return nil, fmt.Errorf("%w: unknown channel %q", ErrInvalidSink, ch)
	}

	cs.mode = ModeSocket
	cs.lastActivity = cs.m.now()
	return old, nil
}

// detach clears ch if sink is still the attached one. It reports whether the
// sink was detached and whether no socket remains.
func (cs *ClientSession) detach(ch Channel, sink io.Closer) (detached, empty bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	switch ch {
	case ChannelControl:
		if cs.control != nil && io.Closer(cs.control) == sink {
			cs.control = nil
			detached = true
		}
	case ChannelAudio:
		if cs.audio != nil && io.Closer(cs.audio) == sink {
			cs.audio = nil
			detached = true
		}
	}
	return detached, cs.control == nil && cs.audio == nil
}

// close releases the recognizer, cancels the playback timer and background work.
// It returns the sub-channels that were still attached.
func (cs *ClientSession) close() []Channel {
	cs.mu.Lock()
	if cs.closed {
		cs.mu.Unlock()
		return nil
	}
	cs.closed = true
	cs.cancel()
	cs.stopPlaybackLocked()
	cs.playing = false
	cs.recording = false

	handle := cs.recognizer
	cs.recognizer = nil
	control, audio := cs.control, cs.audio
	cs.control, cs.audio = nil, nil
	cs.mu.Unlock()

	cs.closeRecognizer(handle)
	var attached []Channel
	if control != nil {
		control.Close()
		attached = append(attached, ChannelControl)
	}
	if audio != nil {
		audio.Close()
		attached = append(attached, ChannelAudio)
	}
	cs.pending.Clear()
	return attached
}

func (cs *ClientSession) timestamp() int64 {
	return cs.m.now().UnixMilli()
}
