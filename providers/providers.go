// Package providers selects the speech, language and synthesis collaborators
// from configuration. Missing vendor keys fall back to the offline mocks.
package providers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/room4-2/voiceloop/config"
	"github.com/room4-2/voiceloop/deepgram"
	"github.com/room4-2/voiceloop/diagnostics"
	"github.com/room4-2/voiceloop/elevenlabs"
	"github.com/room4-2/voiceloop/gemini"
	"github.com/room4-2/voiceloop/groq"
	"github.com/room4-2/voiceloop/mock"
	"github.com/room4-2/voiceloop/session"
)

// Build returns the collaborators for cfg and the names diagnostics reports them under.
// The Tester is left unset.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (session.Collaborators, diagnostics.Names, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var (
		collab session.Collaborators
		names  diagnostics.Names
	)

	if cfg.DeepgramAPIKey != "" {
		rec, err := deepgram.NewRecognizer(cfg.DeepgramAPIKey, cfg.DeepgramURL, deepgram.DefaultOptions(), logger)
		if err != nil {
			return collab, names, err
		}
		collab.Recognizer, names.STT = rec, "Deepgram STT"
	} else {
		logger.Warn("DEEPGRAM_API_KEY not set, using mock speech recognition")
		collab.Recognizer, names.STT = mock.NewRecognizer("", cfg.DefaultLanguage), "Mock STT"
	}

	switch cfg.LLMProvider {
	case config.ProviderGroq:
		gen, err := groq.NewGenerator(cfg.GroqAPIKey, cfg.GroqBaseURL, cfg.LLMModel, logger)
		if err != nil {
			return collab, names, err
		}
		collab.Generator, names.LLM = gen, "Groq LLM"
	case config.ProviderGemini:
		gen, err := gemini.NewGenerator(ctx, cfg.GeminiAPIKey, cfg.LLMModel, logger)
		if err != nil {
			return collab, names, err
		}
		collab.Generator, names.LLM = gen, "Gemini LLM"
	case config.ProviderMock, "":
		logger.Warn("no LLM provider configured, using mock generator")
		collab.Generator, names.LLM = mock.Generator{}, "Mock LLM"
	default:
		return collab, names, fmt.Errorf("unknown LLM provider %q", cfg.LLMProvider)
	}

	if cfg.ElevenLabsAPIKey != "" {
		syn, err := elevenlabs.NewSynthesizer(cfg.ElevenLabsAPIKey, cfg.ElevenLabsVoice, logger)
		if err != nil {
			return collab, names, err
		}
		collab.Synthesizer, names.TTS = syn, "ElevenLabs TTS"
	} else {
		logger.Warn("ELEVENLABS_API_KEY not set, using mock speech synthesis")
		collab.Synthesizer, names.TTS = mock.Synthesizer{}, "Mock TTS"
	}

	return collab, names, nil
}
