// Package mock provides deterministic offline collaborators for local development
// and tests. No network access is required.
package mock

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/room4-2/voiceloop/audio"
	"github.com/room4-2/voiceloop/session"
)

const (
	// DefaultPhrase is what the mock recognizer "hears".
	DefaultPhrase = "what's the weather like today"

	bytesPerSecond = audio.SampleRate * 2
	toneHz         = 440
	msPerWord      = 250
)

// ErrClosed is returned by Send on a closed mock handle.
var ErrClosed = errors.New("mock recognizer handle closed")

// Recognizer reveals a fixed phrase word by word as audio arrives and finalizes it
// once FinalAfter bytes have been received.
type Recognizer struct {
	Phrase     string
	Language   string
	FinalAfter int
}

// NewRecognizer returns a Recognizer that finalizes after one second of 16 kHz PCM16.
func NewRecognizer(phrase, language string) *Recognizer {
	if phrase == "" {
		phrase = DefaultPhrase
	}
	return &Recognizer{Phrase: phrase, Language: language, FinalAfter: bytesPerSecond}
}

// Open starts a handle whose callbacks run on their own goroutine.
func (r *Recognizer) Open(ctx context.Context, _ string, cb session.RecognizerCallbacks) (session.RecognizerHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h := &handle{
		words:      strings.Fields(r.Phrase),
		language:   r.Language,
		finalAfter: max(r.FinalAfter, 1),
		events:     make(chan session.Transcript, 32),
		done:       make(chan struct{}),
	}
	go h.run(cb)
	return h, nil
}

// Check always succeeds.
func (r *Recognizer) Check(context.Context) error { return nil }

type handle struct {
	words      []string
	language   string
	finalAfter int
	events     chan session.Transcript

	mu       sync.Mutex
	received int
	revealed int
	closed   bool

	closeOnce sync.Once
	done      chan struct{}
}

func (h *handle) run(cb session.RecognizerCallbacks) {
	for {
		select {
		case t := <-h.events:
			if cb.OnTranscript != nil {
				cb.OnTranscript(t)
			}
		case <-h.done:
			return
		}
	}
}

func (h *handle) Send(frame []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	if len(h.words) == 0 {
		return nil
	}

	h.received += len(frame)
	if h.received >= h.finalAfter {
		h.emit(session.Transcript{Text: strings.Join(h.words, " "), IsFinal: true, Confidence: 0.98, Language: h.language})
		h.received = 0
		h.revealed = 0
		return nil
	}

	n := int(math.Ceil(float64(len(h.words)) * float64(h.received) / float64(h.finalAfter)))
	if n > h.revealed {
		h.revealed = n
		h.emit(session.Transcript{Text: strings.Join(h.words[:n], " "), Confidence: 0.6, Language: h.language})
	}
	return nil
}

// emit never blocks the caller; results are dropped when the consumer lags.
func (h *handle) emit(t session.Transcript) {
	select {
	case h.events <- t:
	default:
	}
}

func (h *handle) Close() error {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		h.mu.Unlock()
		close(h.done)
	})
	return nil
}

// Generator echoes the prompt back.
type Generator struct{}

// Generate returns a short acknowledgement of prompt.
func (Generator) Generate(ctx context.Context, prompt string, opts session.GenerateOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", errors.New("mock: empty prompt")
	}
	reply := fmt.Sprintf("You said: %s.", strings.TrimRight(prompt, ".?!"))
	if opts.Language != "" && opts.Language != "en" {
		reply = fmt.Sprintf("[%s] %s", opts.Language, reply)
	}
	return reply, nil
}

// Check always succeeds.
func (Generator) Check(context.Context) error { return nil }

// Synthesizer renders a sine tone whose duration follows the word count.
//
// The clip is raw PCM16, not MP3. It still travels under audio.MimeType, so
// clients must treat mock replies as an opaque blob; decoding them as MP3
// fails. PCM16 at 16 kHz runs at 32 KB/s, which keeps the playback estimate
// accurate.
type Synthesizer struct{}

// Synthesize returns PCM16 LE audio at 16 kHz.
func (Synthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	words := len(strings.Fields(text))
	if words == 0 {
		return nil, errors.New("mock: empty text")
	}
	return Tone(words * msPerWord), nil
}

// Check always succeeds.
func (Synthesizer) Check(context.Context) error { return nil }

// Tone returns ms milliseconds of a half-scale 440 Hz sine as PCM16 LE.
func Tone(ms int) []byte {
	n := audio.SampleRate * ms / 1000
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = float32(0.5 * math.Sin(2*math.Pi*toneHz*float64(i)/audio.SampleRate))
	}
	return audio.EncodePCM16LE(audio.FloatToPCM16(samples))
}

// Collaborators returns a full offline set.
func Collaborators(language string) session.Collaborators {
	return session.Collaborators{
		Recognizer:  NewRecognizer("", language),
		Generator:   Generator{},
		Synthesizer: Synthesizer{},
	}
}
