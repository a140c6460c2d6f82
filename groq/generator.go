// Package groq generates replies through Groq's OpenAI-compatible chat API.
package groq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/room4-2/voiceloop/session"
)

const (
	// DefaultBaseURL is Groq's OpenAI-compatible endpoint.
	DefaultBaseURL = "https://api.groq.com/openai/v1/"
	// DefaultModel is a low-latency model suited to short spoken replies.
	DefaultModel = "llama-3.1-8b-instant"
)

// Generator implements session.Generator on top of the openai-go client.
type Generator struct {
	client *openai.Client
	model  string
	logger *slog.Logger
}

// NewGenerator creates a Generator. An empty baseURL or model selects the Groq defaults.
func NewGenerator(apiKey, baseURL, model string, logger *slog.Logger, opts ...option.RequestOption) (*Generator, error) {
	if apiKey == "" {
		return nil, errors.New("groq: API key is required")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if model == "" {
		model = DefaultModel
	}
	if logger == nil {
		logger = slog.Default()
	}

	reqOpts := append([]option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithBaseURL(baseURL),
	}, opts...)
	client := openai.NewClient(reqOpts...)

	return &Generator{
		client: &client,
		model:  model,
		logger: logger.With("collaborator", "groq"),
	}, nil
}

// Generate returns the reply text for prompt.
func (g *Generator) Generate(ctx context.Context, prompt string, opts session.GenerateOptions) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: g.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(opts.Instructions()),
			openai.UserMessage(prompt),
		},
	}
	if opts.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(opts.MaxTokens))
	}
	if opts.Temperature > 0 {
		params.Temperature = param.NewOpt(opts.Temperature)
	}

	resp, err := g.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("groq chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("groq: no choices")
	}
	choice := resp.Choices[0]
	if choice.Message.Refusal != "" {
		return "", fmt.Errorf("groq: blocked: %s", choice.Message.Refusal)
	}

	text := strings.TrimSpace(choice.Message.Content)
	g.logger.Debug("reply generated", "model", g.model, "finish_reason", choice.FinishReason, "chars", len(text))
	return text, nil
}

// Check lists the available models to verify the key.
func (g *Generator) Check(ctx context.Context) error {
	if _, err := g.client.Models.List(ctx); err != nil {
		return fmt.Errorf("groq list models: %w", err)
	}
	return nil
}

// Model returns the configured model name.
func (g *Generator) Model() string {
	return g.model
}
