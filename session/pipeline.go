package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/room4-2/voiceloop/audio"
	"github.com/room4-2/voiceloop/messages"
	"github.com/room4-2/voiceloop/metrics"
)

var (
	errEmptyReply = errors.New("generator returned an empty reply")
	errEmptyAudio = errors.New("synthesizer returned no audio")
)

type pipelineJob struct {
	prompt     string
	language   string
	speechTime time.Duration // recording start to trigger
}

// TriggerPipeline starts a reply for transcript unless one is already in
// flight. It reports whether a run was started.
func (cs *ClientSession) TriggerPipeline(transcript string) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.closed {
		return false
	}
	return cs.triggerPipelineLocked(transcript)
}

// triggerPipelineLocked takes the single-flight guard and consumes the
// buffered transcript. The run itself happens on its own goroutine.
func (cs *ClientSession) triggerPipelineLocked(text string) bool {
	prompt := strings.TrimSpace(text)
	if cs.processing || prompt == "" {
		cs.m.metrics.RecordPipeline("skipped")
		cs.log.Debug("pipeline skipped", "processing", cs.processing)
		return false
	}

	cs.processing = true
	cs.transcript = ""
	job := pipelineJob{prompt: prompt, language: cs.currentLanguageLocked()}
	if !cs.recordingStartedAt.IsZero() {
		job.speechTime = cs.m.now().Sub(cs.recordingStartedAt)
	}

	cs.wg.Add(1)
	go func() {
		defer cs.wg.Done()
		defer cs.endProcessing()
		cs.runPipeline(job)
	}()
	return true
}

func (cs *ClientSession) endProcessing() {
	cs.mu.Lock()
	cs.processing = false
	cs.mu.Unlock()
}

func (cs *ClientSession) runPipeline(job pipelineJob) {
	m := cs.m
	start := m.now()
	cs.log.Info("pipeline started", "transcript", job.prompt, "language", job.language, "speech_ms", job.speechTime.Milliseconds())

	genCtx, cancel := context.WithTimeout(cs.ctx, m.config.CollaboratorTimeout)
	reply, err := m.collab.Generator.Generate(genCtx, job.prompt, GenerateOptions{
		SystemPrompt: m.config.SystemPrompt,
		MaxTokens:    m.config.LLMMaxTokens,
		Temperature:  m.config.LLMTemperature,
		Language:     job.language,
	})
	cancel()
	if err == nil && strings.TrimSpace(reply) == "" {
		err = errEmptyReply
	}
	llmLatency := m.now().Sub(start)
	m.metrics.ObserveStage(metrics.StageLLM, llmLatency)
	if err != nil {
		cs.failPipeline("llm_error", err)
		return
	}

	ttsStart := m.now()
	ttsCtx, cancel := context.WithTimeout(cs.ctx, m.config.CollaboratorTimeout)
	clip, err := m.collab.Synthesizer.Synthesize(ttsCtx, reply)
	cancel()
	if err == nil && len(clip) == 0 {
		err = errEmptyAudio
	}
	ttsLatency := m.now().Sub(ttsStart)
	m.metrics.ObserveStage(metrics.StageTTS, ttsLatency)
	if err != nil {
		cs.failPipeline("tts_error", err)
		return
	}

	total := m.now().Sub(start)
	m.metrics.ObserveStage(metrics.StageTotal, total)
	m.metrics.RecordPipeline("success")
	cs.log.Info("pipeline finished", "total_ms", total.Milliseconds(), "llm_ms", llmLatency.Milliseconds(), "tts_ms", ttsLatency.Milliseconds(), "audio_bytes", len(clip))

	cs.deliverReply(clip, messages.ResponsePayload{
		Text:       reply,
		Latency:    total.Milliseconds(),
		LLMLatency: llmLatency.Milliseconds(),
		TTSLatency: ttsLatency.Milliseconds(),
	})
}

func (cs *ClientSession) failPipeline(outcome string, err error) {
	cs.m.metrics.RecordPipeline(outcome)
	cs.log.Error("pipeline failed", "stage", outcome, "error", err)
	cs.Enqueue(messages.NewError(cs.timestamp(), errProcessing))
}

// deliverReply emits response_ready, hands the clip to the audio socket (or
// the pending buffer), emits audio_ready and schedules the end of playback.
func (cs *ClientSession) deliverReply(clip []byte, resp messages.ResponsePayload) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.closed {
		return
	}

	now := cs.m.now()
	cs.enqueueLocked(messages.NewResponseReady(now.UnixMilli(), resp))

	cs.playing = true
	cs.lastResponseTime = now

	delivered := false
	if cs.audio != nil {
		if err := cs.audio.SendAudio(clip); err != nil {
			cs.log.Warn("audio socket send failed, buffering reply", "error", err)
		} else {
			delivered = true
		}
	}
	if !delivered {
		if err := cs.pending.Push(clip); err != nil {
			cs.log.Warn("dropping synthesized reply", "bytes", len(clip), "error", err)
		}
	}
	cs.m.metrics.AddAudioBytes("out", len(clip))

	cs.enqueueLocked(messages.NewAudioReady(now.UnixMilli(), len(clip)))
	cs.schedulePlaybackEndLocked(audio.EstimatePlayback(len(clip), cs.m.bytesPerSecond, cs.m.minPlayback))
}

func (cs *ClientSession) schedulePlaybackEndLocked(d time.Duration) {
	cs.stopPlaybackLocked()
	gen := cs.playbackGen
	cs.playbackTimer = time.AfterFunc(d, func() {
		cs.mu.Lock()
		defer cs.mu.Unlock()
		if gen == cs.playbackGen {
			cs.playing = false
			cs.playbackTimer = nil
		}
	})
}

// stopPlaybackLocked cancels the pending playback reset, if any.
func (cs *ClientSession) stopPlaybackLocked() {
	cs.playbackGen++
	if cs.playbackTimer != nil {
		cs.playbackTimer.Stop()
		cs.playbackTimer = nil
	}
}
