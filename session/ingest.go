package session

import (
	"github.com/room4-2/voiceloop/audio"
	"github.com/room4-2/voiceloop/messages"
)

// Reasons an inbound frame is not forwarded to the recognizer.
const (
	dropNotRecording   = "not_recording"
	dropEchoSuppressed = "echo_suppressed"
)

// IngestAudio forwards one PCM16 LE frame to the live recognizer and reports
// its level. Frames are dropped when not recording, and while a reply is
// playing within the echo suppression window.
func (cs *ClientSession) IngestAudio(frame []byte) {
	cs.m.metrics.AddAudioBytes("in", len(frame))

	cs.mu.Lock()
	if cs.closed {
		cs.mu.Unlock()
		return
	}
	now := cs.m.now()
	cs.lastActivity = now

	if !cs.recording || cs.recognizer == nil {
		cs.mu.Unlock()
		cs.m.metrics.RecordDroppedFrame(dropNotRecording)
		return
	}
	if cs.playing && now.Sub(cs.lastResponseTime) < cs.m.config.EchoSuppressWindow {
		cs.mu.Unlock()
		cs.m.metrics.RecordDroppedFrame(dropEchoSuppressed)
		return
	}
	handle := cs.recognizer
	cs.enqueueLocked(messages.NewAudioLevel(now.UnixMilli(), audio.Level(frame)))
	cs.mu.Unlock()

	// Send happens outside mu; a slow recognizer stalls only this caller.
	if err := handle.Send(frame); err != nil {
		cs.log.Warn("recognizer send failed", "bytes", len(frame), "error", err)
	}
}
