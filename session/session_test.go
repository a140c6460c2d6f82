package session

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/room4-2/voiceloop/audio"
	"github.com/room4-2/voiceloop/messages"
)

func TestSequencerAssignsIncreasingIDs(t *testing.T) {
	h := newHarness(t)
	cs, err := h.m.GetOrCreate("client-1", ModePolling)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		cs.Enqueue(messages.NewAudioLevel(int64(i), 1))
	}
	evs := cs.DrainAfter(0)
	require.Len(t, evs, 5)
	for i, ev := range evs {
		assert.Equal(t, int64(i+1), ev.ID)
	}

	sink := &recordingSink{}
	_, err = h.m.Attach("client-1", ChannelControl, sink)
	require.NoError(t, err)
	cs.Enqueue(messages.NewInterrupted(9))
	require.Len(t, sink.Events(), 1)
	assert.Equal(t, int64(6), sink.Events()[0].ID, "socket delivery continues the same sequence")
	assert.Equal(t, int64(6), cs.LastEventID())
}

func TestDrainAfterIsGapFree(t *testing.T) {
	h := newHarness(t)
	cs, err := h.m.GetOrCreate("client-1", ModePolling)
	require.NoError(t, err)

	for i := 0; i < 8; i++ {
		cs.Enqueue(messages.NewAudioLevel(int64(i), 0))
	}

	var ids []int64
	for _, ev := range cs.DrainAfter(6) {
		ids = append(ids, ev.ID)
	}
	assert.Equal(t, []int64{7, 8}, ids)
	assert.Empty(t, cs.DrainAfter(8))
	assert.Len(t, cs.DrainAfter(6), 2, "draining does not consume the queue")
}

func TestOutboundQueueKeepsNewestFifty(t *testing.T) {
	h := newHarness(t)
	cs, err := h.m.GetOrCreate("client-1", ModePolling)
	require.NoError(t, err)

	for i := 0; i < 60; i++ {
		cs.Enqueue(messages.NewAudioLevel(int64(i), 0))
	}
	evs := cs.DrainAfter(0)
	require.Len(t, evs, 50)
	assert.Equal(t, int64(11), evs[0].ID)
	assert.Equal(t, int64(60), evs[49].ID)
}

func TestConnectionReadyAndPing(t *testing.T) {
	h := newHarness(t)
	cs, control, _ := h.socketSession(t, "client-1")

	cs.HandleEvent(event(messages.TypeConnectionReady))
	ping := messages.NewClientEvent(messages.TypePing, "client-1", h.clock.Now().UnixMilli()-42)
	cs.HandleEvent(ping)

	evs := control.Events()
	require.Len(t, evs, 2)
	assert.Equal(t, messages.TypeServerReady, evs[0].Type)
	assert.Equal(t, "connected", evs[0].Status)
	assert.Equal(t, messages.TypePong, evs[1].Type)
	require.NotNil(t, evs[1].Latency)
	assert.Equal(t, int64(42), *evs[1].Latency)
}

func TestStartStopRecording(t *testing.T) {
	h := newHarness(t)
	cs, control, _ := h.socketSession(t, "client-1")

	cs.HandleEvent(event(messages.TypeStartRecording))
	cs.HandleEvent(event(messages.TypeStartRecording))
	assert.Equal(t, 1, h.rec.Opened(), "second start is ignored")
	assert.True(t, cs.IsRecording())
	assert.Equal(t, StateListening, cs.State())

	cs.HandleEvent(event(messages.TypeStopRecording))
	cs.HandleEvent(event(messages.TypeStopRecording))
	assert.False(t, cs.IsRecording())
	assert.True(t, h.rec.Last(t).Closed())
	assert.Equal(t, StateIdle, cs.State())

	assert.Equal(t, []messages.ServerEventType{
		messages.TypeRecordingStarted,
		messages.TypeRecordingStopped,
	}, control.Types())
}

func TestStartRecordingOpenFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	h.rec.openErr = errors.New("dial refused")
	cs, control, _ := h.socketSession(t, "client-1")

	cs.HandleEvent(event(messages.TypeStartRecording))
	assert.False(t, cs.IsRecording())
	evs := control.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, messages.TypeError, evs[0].Type)
	assert.NotContains(t, evs[0].Error, "dial refused", "details stay in the logs")

	h.rec.mu.Lock()
	h.rec.openErr = nil
	h.rec.mu.Unlock()
	cs.HandleEvent(event(messages.TypeStartRecording))
	assert.True(t, cs.IsRecording())
}

func TestIngestDropsWhenNotRecording(t *testing.T) {
	h := newHarness(t)
	cs, control, _ := h.socketSession(t, "client-1")

	cs.IngestAudio(audio.EncodePCM16LE([]int16{1000, -1000}))
	assert.Empty(t, control.Events())
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.FramesDroppedTotal.WithLabelValues("not_recording")))
}

func TestIngestForwardsAndReportsLevel(t *testing.T) {
	h := newHarness(t)
	cs, control, _ := h.socketSession(t, "client-1")
	cs.HandleEvent(event(messages.TypeStartRecording))

	frame := audio.EncodePCM16LE([]int16{16384, -16384})
	cs.IngestAudio(frame)

	assert.Equal(t, 1, h.rec.Last(t).Frames())
	levels := eventsOfType(control.Events(), messages.TypeAudioLevel)
	require.Len(t, levels, 1)
	require.NotNil(t, levels[0].Level)
	assert.InDelta(t, 50, *levels[0].Level, 1e-9)
}

func TestEchoSuppressionWindow(t *testing.T) {
	h := newHarness(t)
	cs, _, _ := h.socketSession(t, "client-1")
	cs.HandleEvent(event(messages.TypeStartRecording))
	handle := h.rec.Last(t)

	cs.mu.Lock()
	cs.playing = true
	cs.lastResponseTime = h.clock.Now()
	cs.mu.Unlock()

	frame := audio.EncodePCM16LE([]int16{100, 200})

	h.clock.Advance(2000 * time.Millisecond)
	cs.IngestAudio(frame)
	assert.Zero(t, handle.Frames(), "frame inside the window is dropped")
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.FramesDroppedTotal.WithLabelValues("echo_suppressed")))

	h.clock.Advance(4000 * time.Millisecond)
	cs.IngestAudio(frame)
	assert.Equal(t, 1, handle.Frames(), "frame after the window is forwarded")
}

func TestEchoSuppressionOnlyWhilePlaying(t *testing.T) {
	h := newHarness(t)
	cs, _, _ := h.socketSession(t, "client-1")
	cs.HandleEvent(event(messages.TypeStartRecording))

	cs.mu.Lock()
	cs.lastResponseTime = h.clock.Now()
	cs.mu.Unlock()

	cs.IngestAudio(audio.EncodePCM16LE([]int16{1}))
	assert.Equal(t, 1, h.rec.Last(t).Frames())
}

func TestInterimTranscriptDoesNotTrigger(t *testing.T) {
	h := newHarness(t)
	cs, control, _ := h.socketSession(t, "client-1")
	cs.HandleEvent(event(messages.TypeStartRecording))

	h.rec.Last(t).Interim("what's the")
	cs.Wait()

	updates := eventsOfType(control.Events(), messages.TypeTranscriptUpdate)
	require.Len(t, updates, 1)
	assert.False(t, *updates[0].IsFinal)
	assert.Equal(t, "en", updates[0].Language, "falls back to the configured default")
	assert.Nil(t, updates[0].LanguageHistory)
	assert.Zero(t, h.gen.calls.Load())
}

func TestShortFinalTranscriptDoesNotTrigger(t *testing.T) {
	h := newHarness(t)
	cs, _, _ := h.socketSession(t, "client-1")
	cs.HandleEvent(event(messages.TypeStartRecording))

	h.rec.Last(t).Final(" ok ", "en")
	cs.Wait()
	assert.Zero(t, h.gen.calls.Load())
}

func TestLanguagePropagation(t *testing.T) {
	h := newHarness(t)
	cs, control, _ := h.socketSession(t, "client-1")

	settings := messages.NewClientEvent(messages.TypeSettingsUpdate, "client-1", 1)
	settings.Data = []byte(`{"language":"es"}`)
	cs.HandleEvent(settings)
	cs.HandleEvent(event(messages.TypeStartRecording))

	h.rec.Last(t).Final("qué tiempo hace", "")
	cs.Wait()

	updates := eventsOfType(control.Events(), messages.TypeTranscriptUpdate)
	require.Len(t, updates, 1)
	assert.Equal(t, "es", updates[0].Language)
	assert.Equal(t, "es", h.gen.Opts().Language)
	assert.Equal(t, 75, h.gen.Opts().MaxTokens)
	assert.Equal(t, "be brief", h.gen.Opts().SystemPrompt)

	h.rec.Last(t).Final("hello again", "fr")
	updates = eventsOfType(control.Events(), messages.TypeTranscriptUpdate)
	assert.Equal(t, "fr", updates[1].Language, "detected language wins over the preference")
}

func TestInvalidSettingsReportsError(t *testing.T) {
	h := newHarness(t)
	cs, control, _ := h.socketSession(t, "client-1")

	settings := messages.NewClientEvent(messages.TypeSettingsUpdate, "client-1", 1)
	settings.Data = []byte(`{"language":7}`)
	cs.HandleEvent(settings)

	assert.Equal(t, []messages.ServerEventType{messages.TypeError}, control.Types())
}

func TestLanguageHistoryIsCapped(t *testing.T) {
	h := newHarness(t)
	cs, control, _ := h.socketSession(t, "client-1")
	cs.HandleEvent(event(messages.TypeStartRecording))
	handle := h.rec.Last(t)

	// Keep the pipeline busy so repeated finals only build history.
	h.gen.release = make(chan struct{})
	for i := 0; i < 25; i++ {
		handle.Final("sample utterance", "en")
	}
	close(h.gen.release)
	cs.Wait()

	assert.Len(t, cs.LanguageHistory(), 20)
	updates := eventsOfType(control.Events(), messages.TypeTranscriptUpdate)
	assert.Len(t, updates[len(updates)-1].LanguageHistory, 3)
}

func TestRecognizerErrorStopsRecording(t *testing.T) {
	h := newHarness(t)
	cs, control, _ := h.socketSession(t, "client-1")
	cs.HandleEvent(event(messages.TypeStartRecording))
	handle := h.rec.Last(t)

	handle.cb.OnError(errors.New("stream reset"))

	assert.False(t, cs.IsRecording())
	assert.True(t, handle.Closed())
	assert.Equal(t, messages.TypeError, control.Events()[len(control.Events())-1].Type)

	// A late callback from the dead handle is harmless.
	handle.cb.OnError(errors.New("again"))
	assert.Len(t, eventsOfType(control.Events(), messages.TypeError), 1)
}

func TestStaleHandleTranscriptsAreIgnored(t *testing.T) {
	h := newHarness(t)
	cs, control, _ := h.socketSession(t, "client-1")

	cs.HandleEvent(event(messages.TypeStartRecording))
	old := h.rec.Last(t)
	cs.HandleEvent(event(messages.TypeStopRecording))
	cs.HandleEvent(event(messages.TypeStartRecording))

	old.Final("from the old stream", "en")
	assert.Empty(t, eventsOfType(control.Events(), messages.TypeTranscriptUpdate))
}

func TestIntegrationTestResults(t *testing.T) {
	h := newHarness(t)
	h.tester.results = messages.IntegrationResults{
		Success: true,
		Results: []messages.ServiceResult{{Service: "groq", Status: "success", Latency: 12}},
	}
	cs, control, _ := h.socketSession(t, "client-1")

	cs.HandleEvent(event(messages.TypeRunIntegrationTest))
	cs.Wait()

	results := eventsOfType(control.Events(), messages.TypeIntegrationTestResults)
	require.Len(t, results, 1)
	assert.True(t, results[0].Results.Success)
	assert.Equal(t, "groq", results[0].Results.Results[0].Service)
}

func TestIntegrationTestFailure(t *testing.T) {
	h := newHarness(t)
	h.tester.err = errors.New("boom")
	cs, control, _ := h.socketSession(t, "client-1")

	cs.HandleEvent(event(messages.TypeRunIntegrationTest))
	cs.Wait()
	assert.Equal(t, []messages.ServerEventType{messages.TypeError}, control.Types())
}
