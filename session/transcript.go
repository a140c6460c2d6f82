package session

import (
	"strings"

	"github.com/room4-2/voiceloop/messages"
)

// minTriggerLength is the shortest trimmed final transcript that starts a reply.
const minTriggerLength = 3

// handleTranscript applies a recognizer result. Results from a handle older
// than the current one are ignored.
func (cs *ClientSession) handleTranscript(gen uint64, t Transcript) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.closed || gen != cs.recognizerGen {
		return
	}

	now := cs.m.now().UnixMilli()
	lang := cs.resolveLanguageLocked(t.Language)

	if !t.IsFinal {
		cs.enqueueLocked(messages.NewTranscriptUpdate(now, t.Text, false, t.Confidence, lang, nil))
		return
	}

	cs.transcript = t.Text
	cs.languageHistory = append(cs.languageHistory, messages.LanguageSample{
		Language:   lang,
		Confidence: t.Confidence,
		Timestamp:  now,
	})
	if over := len(cs.languageHistory) - maxLanguageHistory; over > 0 {
		cs.languageHistory = append(cs.languageHistory[:0:0], cs.languageHistory[over:]...)
	}

	cs.log.Debug("final transcript", "transcript", t.Text, "language", lang)
	cs.enqueueLocked(messages.NewTranscriptUpdate(now, t.Text, true, t.Confidence, lang, cs.recentLanguagesLocked()))

	if cs.recording && len(strings.TrimSpace(t.Text)) >= minTriggerLength {
		cs.triggerPipelineLocked(cs.transcript)
	}
}

func (cs *ClientSession) handleRecognizerError(gen uint64, err error) {
	cs.mu.Lock()
	if cs.closed || gen != cs.recognizerGen || !cs.recording {
		cs.mu.Unlock()
		return
	}

	cs.log.Error("recognizer error", "error", err)
	cs.recording = false
	handle := cs.detachRecognizerLocked()
	cs.enqueueLocked(messages.NewError(cs.timestamp(), errRecognizer))
	cs.mu.Unlock()

	cs.closeRecognizer(handle)
}

// resolveLanguageLocked picks the detected language, then the client's
// preference, then the configured default.
func (cs *ClientSession) resolveLanguageLocked(detected string) string {
	switch {
	case detected != "":
		return detected
	case cs.preferredLanguage != "":
		return cs.preferredLanguage
	default:
		return cs.m.config.DefaultLanguage
	}
}

func (cs *ClientSession) currentLanguageLocked() string {
	if n := len(cs.languageHistory); n > 0 {
		return cs.languageHistory[n-1].Language
	}
	return cs.resolveLanguageLocked("")
}

func (cs *ClientSession) recentLanguagesLocked() []messages.LanguageSample {
	start := len(cs.languageHistory) - finalHistorySamples
	if start < 0 {
		start = 0
	}
	return append([]messages.LanguageSample(nil), cs.languageHistory[start:]...)
}
