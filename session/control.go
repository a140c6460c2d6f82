package session

import (
	"context"
	"strings"

	"github.com/room4-2/voiceloop/messages"
)

// User-facing error texts. Details stay in the logs.
const (
	errStartRecording  = "Failed to start recording"
	errRecognizer      = "Speech recognition failed"
	errProcessing      = "Failed to process voice request"
	errInvalidSettings = "Invalid settings"
	errTestUnavailable = "Integration test unavailable"
	errTestFailed      = "Integration test failed"
)

// integrationTimeouts bounds a self-test run to one collaborator timeout per probed service.
const integrationTimeouts = 3

// HandleEvent applies one client control event to the session.
func (cs *ClientSession) HandleEvent(ev *messages.ClientEvent) {
	cs.m.metrics.RecordEvent("in", string(ev.Type))

	if ev.Type == messages.TypeStartRecording {
		cs.startRecording()
		return
	}

	var released RecognizerHandle
	cs.mu.Lock()
	if cs.closed {
		cs.mu.Unlock()
		return
	}
	cs.lastActivity = cs.m.now()

	switch ev.Type {
	case messages.TypeConnectionReady:
		cs.enqueueLocked(messages.NewServerReady(cs.timestamp()))
	case messages.TypeStopRecording:
		released = cs.stopRecordingLocked()
	case messages.TypeInterrupt:
		cs.interruptLocked()
	case messages.TypePing:
		now := cs.timestamp()
		cs.enqueueLocked(messages.NewPong(now, now-ev.Timestamp))
	case messages.TypeSettingsUpdate:
		cs.applySettingsLocked(ev)
	case messages.TypeRunIntegrationTest:
		cs.startIntegrationTestLocked()
	default:
		cs.log.Warn("unhandled control event", "type", ev.Type)
	}
	cs.mu.Unlock()

	cs.closeRecognizer(released)
}

// startRecording dials the recognizer without holding mu. The handle is only
// installed if no stop, restart or teardown happened while dialing.
func (cs *ClientSession) startRecording() {
	cs.mu.Lock()
	if cs.closed || cs.recording {
		cs.mu.Unlock()
		return
	}
	cs.lastActivity = cs.m.now()
	cs.recording = true
	cs.transcript = ""
	cs.recognizerGen++
	gen := cs.recognizerGen
	cs.mu.Unlock()

	ctx, cancel := context.WithTimeout(cs.ctx, cs.m.config.CollaboratorTimeout)
	handle, err := cs.m.collab.Recognizer.Open(ctx, cs.ID, RecognizerCallbacks{
		OnTranscript: func(t Transcript) { cs.handleTranscript(gen, t) },
		OnError:      func(err error) { cs.handleRecognizerError(gen, err) },
	})
	cancel()

	cs.mu.Lock()
	current := !cs.closed && cs.recording && cs.recognizerGen == gen && cs.recognizer == nil
	if err != nil {
		if current {
			cs.recording = false
			cs.log.Error("recognizer open failed", "error", err)
			cs.enqueueLocked(messages.NewError(cs.timestamp(), errStartRecording))
		}
		cs.mu.Unlock()
		return
	}
	if !current {
		cs.mu.Unlock()
		cs.log.Info("recording cancelled while opening recognizer")
		cs.closeRecognizer(handle)
		return
	}

	cs.recognizer = handle
	cs.recordingStartedAt = cs.m.now()
	cs.log.Info("recording started")
	cs.enqueueLocked(messages.NewRecordingStarted(cs.timestamp()))
	cs.mu.Unlock()
}

// stopRecordingLocked returns the handle the caller must close after unlocking.
func (cs *ClientSession) stopRecordingLocked() RecognizerHandle {
	if !cs.recording {
		return nil
	}
	cs.recording = false
	handle := cs.detachRecognizerLocked()

	if strings.TrimSpace(cs.transcript) != "" {
		cs.triggerPipelineLocked(cs.transcript)
	}
	cs.log.Info("recording stopped")
	cs.enqueueLocked(messages.NewRecordingStopped(cs.timestamp()))
	return handle
}

func (cs *ClientSession) detachRecognizerLocked() RecognizerHandle {
	handle := cs.recognizer
	cs.recognizer = nil
	return handle
}

// closeRecognizer must be called without mu held; closing may touch the network.
func (cs *ClientSession) closeRecognizer(handle RecognizerHandle) {
	if handle == nil {
		return
	}
	if err := handle.Close(); err != nil {
		cs.log.Warn("recognizer close failed", "error", err)
	}
}

// interruptLocked stops playback. An in-flight pipeline run is left to finish.
func (cs *ClientSession) interruptLocked() {
	cs.playing = false
	cs.stopPlaybackLocked()
	cs.pending.Clear()
	cs.enqueueLocked(messages.NewInterrupted(cs.timestamp()))
}

func (cs *ClientSession) applySettingsLocked(ev *messages.ClientEvent) {
	settings, err := ev.Settings()
	if err != nil {
		cs.log.Warn("invalid settings_update", "error", err)
		cs.enqueueLocked(messages.NewError(cs.timestamp(), errInvalidSettings))
		return
	}
	if settings.Language != "" {
		cs.preferredLanguage = settings.Language
	}
}

func (cs *ClientSession) startIntegrationTestLocked() {
	tester := cs.m.collab.Tester
	if tester == nil {
		cs.enqueueLocked(messages.NewError(cs.timestamp(), errTestUnavailable))
		return
	}

	cs.wg.Add(1)
	go func() {
		defer cs.wg.Done()

		ctx, cancel := context.WithTimeout(cs.ctx, integrationTimeouts*cs.m.config.CollaboratorTimeout)
		defer cancel()

		results, err := tester.Run(ctx)
		if err != nil {
			cs.log.Error("integration test failed", "error", err)
			cs.Enqueue(messages.NewError(cs.timestamp(), errTestFailed))
			return
		}
		cs.Enqueue(messages.NewIntegrationTestResults(cs.timestamp(), results))
	}()
}
