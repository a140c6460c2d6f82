package session

import (
	"context"
	"strings"

	"github.com/room4-2/voiceloop/messages"
)

// Transcript is one recognition result pushed by a recognizer handle.
type Transcript struct {
	Text       string
	IsFinal    bool
	Confidence float64
	Language   string // empty when the recognizer did not detect one
}

// RecognizerCallbacks receives results from a live recognizer handle.
type RecognizerCallbacks struct {
	OnTranscript func(Transcript)
	OnError      func(error)
}

// Recognizer opens streaming speech-to-text handles. ctx bounds the open only;
// the handle lives until Close. Callbacks run on the recognizer's own
// goroutine and are never invoked from inside Open, Send or Close.
type Recognizer interface {
	Open(ctx context.Context, clientID string, cb RecognizerCallbacks) (RecognizerHandle, error)
}

// RecognizerHandle is one live recognition stream. Close must not wait for
// callbacks that are still running.
type RecognizerHandle interface {
	Send(frame []byte) error
	Close() error
}

// GenerateOptions tunes a single generation request.
type GenerateOptions struct {
	SystemPrompt string
	MaxTokens    int
	Temperature  float64
	Language     string
}

// Instructions returns the system prompt with the reply language appended.
func (o GenerateOptions) Instructions() string {
	if o.Language == "" {
		return o.SystemPrompt
	}
	return strings.TrimSpace(o.SystemPrompt + "\n\nAlways reply in the language with code \"" + o.Language + "\".")
}

// Generator produces the assistant reply for a finalized utterance.
type Generator interface {
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error)
}

// Synthesizer turns reply text into encoded audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Checker is implemented by collaborators that can verify their credentials or reachability.
type Checker interface {
	Check(ctx context.Context) error
}

// IntegrationTester runs the collaborator self-test requested by run_integration_test.
type IntegrationTester interface {
	Run(ctx context.Context) (messages.IntegrationResults, error)
}

// Collaborators bundles the external services a session drives.
type Collaborators struct {
	Recognizer  Recognizer
	Generator   Generator
	Synthesizer Synthesizer
	Tester      IntegrationTester // optional
}
