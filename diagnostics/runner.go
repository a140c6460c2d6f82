// Package diagnostics probes the speech, language and synthesis collaborators and
// reports per-service status and latency.
package diagnostics

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/room4-2/voiceloop/messages"
	"github.com/room4-2/voiceloop/session"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"

	llmProbePrompt  = "Say 'test successful'"
	e2eProbePrompt  = "Hello, can you hear me? Please respond with a short greeting."
	maxDetailLength = 50
)

// Names labels each service in the results.
type Names struct {
	STT string
	LLM string
	TTS string
}

// DefaultNames matches the production vendors.
func DefaultNames() Names {
	return Names{STT: "Deepgram STT", LLM: "Groq LLM", TTS: "ElevenLabs TTS"}
}

// voiceLister is implemented by synthesizers that can enumerate their voices.
type voiceLister interface {
	Voices(ctx context.Context) (int, error)
}

type probe struct {
	service string
	run     func(ctx context.Context) (map[string]any, error)
}

// Runner implements session.IntegrationTester.
type Runner struct {
	collab session.Collaborators
	names  Names
	logger *slog.Logger
	now    func() time.Time
}

// NewRunner creates a Runner over collab.
func NewRunner(collab session.Collaborators, names Names, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		collab: collab,
		names:  names,
		logger: logger.With("component", "diagnostics"),
		now:    time.Now,
	}
}

// Run probes each collaborator in turn. A failing probe never stops the others.
func (r *Runner) Run(ctx context.Context) (messages.IntegrationResults, error) {
	return r.run(ctx, []probe{
		{service: r.names.STT, run: r.probeRecognizer},
		{service: r.names.LLM, run: r.probeGenerator},
		{service: r.names.TTS, run: r.probeSynthesizer},
	}), nil
}

// RunPipeline generates a reply and synthesizes it, reported as a single service.
func (r *Runner) RunPipeline(ctx context.Context) messages.IntegrationResults {
	return r.run(ctx, []probe{{service: "End-to-End Pipeline", run: r.probePipeline}})
}

func (r *Runner) run(ctx context.Context, probes []probe) messages.IntegrationResults {
	runID := uuid.NewString()
	start := r.now()
	out := messages.IntegrationResults{Success: true}

	for _, p := range probes {
		began := r.now()
		details, err := p.run(ctx)
		res := messages.ServiceResult{
			Service: p.service,
			Status:  StatusSuccess,
			Latency: r.now().Sub(began).Milliseconds(),
			Details: details,
		}
		if err != nil {
			res.Status = StatusError
			res.Error = err.Error()
			res.Details = nil
			out.Success = false
			r.logger.Warn("integration probe failed", "run_id", runID, "service", p.service, "error", err)
		}
		out.Results = append(out.Results, res)
	}

	out.TotalLatency = r.now().Sub(start).Milliseconds()
	r.logger.Info("integration test finished", "run_id", runID, "success", out.Success, "total_ms", out.TotalLatency)
	return out
}

func (r *Runner) probeRecognizer(ctx context.Context) (map[string]any, error) {
	if r.collab.Recognizer == nil {
		return nil, errors.New("not configured")
	}
	if c, ok := r.collab.Recognizer.(session.Checker); ok {
		if err := c.Check(ctx); err != nil {
			return nil, err
		}
		return map[string]any{"message": "Connection successful"}, nil
	}

	h, err := r.collab.Recognizer.Open(ctx, "diagnostics", session.RecognizerCallbacks{})
	if err != nil {
		return nil, err
	}
	if err := h.Close(); err != nil {
		return nil, err
	}
	return map[string]any{"message": "Stream opened"}, nil
}

func (r *Runner) probeGenerator(ctx context.Context) (map[string]any, error) {
	if r.collab.Generator == nil {
		return nil, errors.New("not configured")
	}
	reply, err := r.collab.Generator.Generate(ctx, llmProbePrompt, session.GenerateOptions{MaxTokens: 10})
	if err != nil {
		return nil, err
	}
	return map[string]any{"response": truncate(reply, maxDetailLength)}, nil
}

func (r *Runner) probeSynthesizer(ctx context.Context) (map[string]any, error) {
	if r.collab.Synthesizer == nil {
		return nil, errors.New("not configured")
	}
	if v, ok := r.collab.Synthesizer.(voiceLister); ok {
		n, err := v.Voices(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"voicesCount": n}, nil
	}
	if c, ok := r.collab.Synthesizer.(session.Checker); ok {
		if err := c.Check(ctx); err != nil {
			return nil, err
		}
		return map[string]any{"message": "Connection successful"}, nil
	}
	clip, err := r.collab.Synthesizer.Synthesize(ctx, "test")
	if err != nil {
		return nil, err
	}
	return map[string]any{"audioSize": len(clip)}, nil
}

func (r *Runner) probePipeline(ctx context.Context) (map[string]any, error) {
	if r.collab.Generator == nil || r.collab.Synthesizer == nil {
		return nil, errors.New("not configured")
	}
	reply, err := r.collab.Generator.Generate(ctx, e2eProbePrompt, session.GenerateOptions{MaxTokens: 50})
	if err != nil {
		return nil, err
	}
	clip, err := r.collab.Synthesizer.Synthesize(ctx, reply)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"llmResponse": truncate(reply, 2*maxDetailLength),
		"audioSize":   len(clip),
	}, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
