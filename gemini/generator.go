package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"

	"github.com/room4-2/voiceloop/session"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gemini-2.0-flash"

// Generator produces replies with the Gemini text API using the official SDK.
type Generator struct {
	client *genai.Client
	model  string
	logger *slog.Logger
}

// Option configures a Generator.
type Option func(*genai.ClientConfig)

// WithBaseURL points the client at a different API host.
func WithBaseURL(url string) Option {
	return func(cc *genai.ClientConfig) {
		cc.HTTPOptions.BaseURL = url
	}
}

// NewGenerator creates the GenAI client.
func NewGenerator(ctx context.Context, apiKey, model string, logger *slog.Logger, opts ...Option) (*Generator, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: API key is required")
	}
	if model == "" {
		model = DefaultModel
	}
	if logger == nil {
		logger = slog.Default()
	}

	cc := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	for _, opt := range opts {
		opt(cc)
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &Generator{
		client: client,
		model:  model,
		logger: logger.With("collaborator", "gemini"),
	}, nil
}

// Generate sends one user turn and returns the concatenated text of the first candidate.
func (g *Generator) Generate(ctx context.Context, prompt string, opts session.GenerateOptions) (string, error) {
	cfg := &genai.GenerateContentConfig{}
	if instructions := opts.Instructions(); instructions != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: instructions}},
		}
	}
	if opts.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(opts.MaxTokens)
	}
	if opts.Temperature > 0 {
		temp := float32(opts.Temperature)
		cfg.Temperature = &temp
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, []*genai.Content{
		{Role: "user", Parts: []*genai.Part{{Text: prompt}}},
	}, cfg)
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", errors.New("gemini: empty response")
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	text := strings.TrimSpace(sb.String())
	g.logger.Debug("reply generated", "model", g.model, "finish_reason", resp.Candidates[0].FinishReason, "chars", len(text))
	return text, nil
}

// Check fetches the configured model's metadata.
func (g *Generator) Check(ctx context.Context) error {
	if _, err := g.client.Models.Get(ctx, g.model, nil); err != nil {
		return fmt.Errorf("gemini get model: %w", err)
	}
	return nil
}

// Model returns the configured model name.
func (g *Generator) Model() string {
	return g.model
}
