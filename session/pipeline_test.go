package session

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/room4-2/voiceloop/messages"
)

func TestPipelineIsSingleFlight(t *testing.T) {
	h := newHarness(t)
	h.gen.release = make(chan struct{})
	cs, control, _ := h.socketSession(t, "client-1")
	cs.HandleEvent(event(messages.TypeStartRecording))
	handle := h.rec.Last(t)

	handle.Final("what's the weather", "en")
	handle.Final("what's the weather today", "en")
	assert.False(t, cs.TriggerPipeline("and tomorrow"))
	assert.Equal(t, StateProcessing, cs.State())

	close(h.gen.release)
	cs.Wait()

	assert.Equal(t, int32(1), h.gen.calls.Load())
	assert.Len(t, eventsOfType(control.Events(), messages.TypeResponseReady), 1)
	assert.Equal(t, float64(2), testutil.ToFloat64(h.metrics.PipelineRunsTotal.WithLabelValues("skipped")))
}

func TestPipelineFailureReleasesGuard(t *testing.T) {
	cases := map[string]func(h *harness){
		"generator error":     func(h *harness) { h.gen.err = errors.New("rate limited") },
		"empty reply":         func(h *harness) { h.gen.reply = "   " },
		"synthesizer error":   func(h *harness) { h.synth.err = errors.New("quota exceeded") },
		"empty synthesized":   func(h *harness) { h.synth.clip = nil },
		"generator times out": func(h *harness) { h.gen.release = make(chan struct{}) },
	}
	for name, setup := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig()
			cfg.CollaboratorTimeout = 50 * time.Millisecond
			h := newHarnessWithConfig(t, cfg)
			setup(h)
			cs, control, _ := h.socketSession(t, "client-1")

			require.True(t, cs.TriggerPipeline("what's the weather"))
			cs.Wait()

			errs := eventsOfType(control.Events(), messages.TypeError)
			require.Len(t, errs, 1)
			assert.Equal(t, "Failed to process voice request", errs[0].Error)
			assert.Empty(t, eventsOfType(control.Events(), messages.TypeResponseReady))
			assert.Equal(t, StateIdle, cs.State())

			// The guard is free again.
			assert.True(t, cs.TriggerPipeline("try again"))
			cs.Wait()
		})
	}
}

func TestPipelineEndToEnd(t *testing.T) {
	h := newHarness(t)
	cs, control, audioSink := h.socketSession(t, "client-1")

	cs.HandleEvent(event(messages.TypeConnectionReady))
	cs.HandleEvent(event(messages.TypeStartRecording))
	handle := h.rec.Last(t)

	handle.Interim("what's the")
	handle.Final("what's the weather", "en")
	cs.Wait()

	assert.Equal(t, int32(1), h.gen.calls.Load())
	assert.Equal(t, int32(1), h.synth.calls.Load())
	assert.Equal(t, []messages.ServerEventType{
		messages.TypeServerReady,
		messages.TypeRecordingStarted,
		messages.TypeTranscriptUpdate,
		messages.TypeTranscriptUpdate,
		messages.TypeResponseReady,
		messages.TypeAudioReady,
	}, control.Types())

	evs := control.Events()
	for i := 1; i < len(evs); i++ {
		assert.Greater(t, evs[i].ID, evs[i-1].ID)
	}

	resp := eventsOfType(evs, messages.TypeResponseReady)[0].Response
	require.NotNil(t, resp)
	assert.Equal(t, "It is sunny today.", resp.Text)
	assert.GreaterOrEqual(t, resp.Latency, int64(0))

	ready := eventsOfType(evs, messages.TypeAudioReady)[0]
	require.NotNil(t, ready.AudioLength)
	assert.Equal(t, 4000, *ready.AudioLength)
	require.Len(t, audioSink.Clips(), 1)
	assert.Len(t, audioSink.Clips()[0], 4000)

	assert.True(t, cs.IsPlaying())
	assert.Eventually(t, func() bool { return !cs.IsPlaying() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateListening, cs.State())
}

func TestStopRecordingFlushesBufferedTranscript(t *testing.T) {
	h := newHarness(t)
	cs, control, _ := h.socketSession(t, "client-1")
	cs.HandleEvent(event(messages.TypeStartRecording))

	// A two-character final does not trigger on its own, but stop flushes it.
	h.rec.Last(t).Final("hi", "en")
	assert.Zero(t, h.gen.calls.Load())

	cs.HandleEvent(event(messages.TypeStopRecording))
	cs.Wait()

	assert.Equal(t, int32(1), h.gen.calls.Load())
	types := control.Types()
	assert.Contains(t, types, messages.TypeRecordingStopped)
	assert.Contains(t, types, messages.TypeResponseReady)
}

func TestReplyWithoutAudioSocketIsBuffered(t *testing.T) {
	h := newHarness(t)
	cs, err := h.m.GetOrCreate("poller", ModePolling)
	require.NoError(t, err)

	require.True(t, cs.TriggerPipeline("what's the weather"))
	cs.Wait()

	clip, ok := cs.PendingAudio().Pop()
	require.True(t, ok)
	assert.Len(t, clip, 4000)

	var types []messages.ServerEventType
	for _, ev := range cs.DrainAfter(0) {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []messages.ServerEventType{messages.TypeResponseReady, messages.TypeAudioReady}, types)
}

func TestInterruptStopsPlayback(t *testing.T) {
	h := newHarness(t, WithPlaybackEstimate(1, time.Hour))
	cs, control, _ := h.socketSession(t, "client-1")

	require.True(t, cs.TriggerPipeline("tell me a story"))
	cs.Wait()
	require.True(t, cs.IsPlaying())

	cs.HandleEvent(event(messages.TypeInterrupt))
	assert.False(t, cs.IsPlaying())
	cs.mu.Lock()
	assert.Nil(t, cs.playbackTimer)
	cs.mu.Unlock()
	assert.Equal(t, messages.TypeInterrupted, control.Types()[len(control.Types())-1])
}

func TestInterruptDoesNotCancelInFlightRun(t *testing.T) {
	h := newHarness(t)
	h.gen.release = make(chan struct{})
	cs, control, _ := h.socketSession(t, "client-1")

	require.True(t, cs.TriggerPipeline("what's the weather"))
	cs.HandleEvent(event(messages.TypeInterrupt))
	close(h.gen.release)
	cs.Wait()

	assert.Len(t, eventsOfType(control.Events(), messages.TypeResponseReady), 1)
}

func TestTeardownDuringRunDoesNotDeadlock(t *testing.T) {
	h := newHarness(t)
	h.gen.release = make(chan struct{})
	cs, _, _ := h.socketSession(t, "client-1")

	require.True(t, cs.TriggerPipeline("what's the weather"))
	require.NoError(t, h.m.Teardown("client-1"))

	done := make(chan struct{})
	go func() {
		cs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pipeline did not stop after teardown")
	}
}
