package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// LLM provider names accepted in LLM_PROVIDER.
const (
	ProviderGroq   = "groq"
	ProviderGemini = "gemini"
	ProviderMock   = "mock"
)

// Config holds all server configuration
type Config struct {
	Port            int
	RedisURL        string
	RedisPassword   string
	MaxSessions     int
	SessionTimeout  time.Duration // TTL of the Redis session mirror
	PollIdleTimeout time.Duration // polling-only sessions are dropped after this much silence
	AllowedOrigins  []string
	KeepAlivePeriod time.Duration
	MaxBufferSize   int // Maximum pending playback audio per session in bytes
	LogLevel        slog.Level

	EchoSuppressWindow  time.Duration
	CollaboratorTimeout time.Duration
	DefaultLanguage     string
	SystemPrompt        string

	LLMProvider    string
	LLMModel       string
	LLMMaxTokens   int
	LLMTemperature float64
	GroqAPIKey     string
	GroqBaseURL    string
	GeminiAPIKey   string

	DeepgramAPIKey   string
	DeepgramURL      string
	ElevenLabsAPIKey string
	ElevenLabsVoice  string
}

// LoadConfig loads configuration from environment variables with defaults
func LoadConfig() (*Config, error) {
	// Load .env file if it exists (doesn't error if missing)
	_ = godotenv.Load()

	config := &Config{
		Port:                8080,
		MaxSessions:         100,
		SessionTimeout:      30 * time.Minute,
		PollIdleTimeout:     2 * time.Minute,
		AllowedOrigins:      []string{"*"},
		KeepAlivePeriod:     30 * time.Second,
		MaxBufferSize:       5 * 1024 * 1024,
		LogLevel:            slog.LevelInfo,
		EchoSuppressWindow:  5 * time.Second,
		CollaboratorTimeout: 10 * time.Second,
		DefaultLanguage:     "en",
		SystemPrompt:        DefaultSystemPrompt,
		LLMMaxTokens:        75,
		LLMTemperature:      0.5,
		GroqBaseURL:         "https://api.groq.com/openai/v1/",
		DeepgramURL:         "wss://api.deepgram.com/v1/listen",
		ElevenLabsVoice:     "pNInz6obpgDQGcFmaJgB",
	}

	var err error

	if config.Port, err = intEnv("PORT", config.Port); err != nil {
		return nil, err
	}
	// No default: the session mirror is off unless REDIS_URL is set.
	config.RedisURL = os.Getenv("REDIS_URL")
	config.RedisPassword = os.Getenv("REDIS_PASSWORD")

	if config.MaxSessions, err = intEnv("MAX_SESSIONS", config.MaxSessions); err != nil {
		return nil, err
	}

	// SESSION_TIMEOUT is in minutes
	if config.SessionTimeout, err = durationEnv("SESSION_TIMEOUT", config.SessionTimeout, time.Minute); err != nil {
		return nil, err
	}
	if config.PollIdleTimeout, err = durationEnv("POLL_IDLE_TIMEOUT", config.PollIdleTimeout, time.Second); err != nil {
		return nil, err
	}

	// Optional: ALLOWED_ORIGINS (comma-separated)
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		config.AllowedOrigins = splitList(origins)
	}

	if config.KeepAlivePeriod, err = durationEnv("KEEPALIVE_PERIOD", config.KeepAlivePeriod, time.Second); err != nil {
		return nil, err
	}
	if config.MaxBufferSize, err = intEnv("MAX_BUFFER_SIZE", config.MaxBufferSize); err != nil {
		return nil, err
	}
	if config.EchoSuppressWindow, err = durationEnv("ECHO_SUPPRESS_MS", config.EchoSuppressWindow, time.Millisecond); err != nil {
		return nil, err
	}
	if config.CollaboratorTimeout, err = durationEnv("COLLABORATOR_TIMEOUT", config.CollaboratorTimeout, time.Second); err != nil {
		return nil, err
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		if err := config.LogLevel.UnmarshalText([]byte(level)); err != nil {
			return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
		}
	}
	if lang := os.Getenv("DEFAULT_LANGUAGE"); lang != "" {
		config.DefaultLanguage = lang
	}
	if prompt := os.Getenv("SYSTEM_PROMPT"); prompt != "" {
		config.SystemPrompt = prompt
	}

	config.GroqAPIKey = os.Getenv("GROQ_API_KEY")
	config.GeminiAPIKey = os.Getenv("GEMINI_API_KEY")
	config.DeepgramAPIKey = os.Getenv("DEEPGRAM_API_KEY")
	config.ElevenLabsAPIKey = os.Getenv("ELEVENLABS_API_KEY")

	if baseURL := os.Getenv("GROQ_BASE_URL"); baseURL != "" {
		config.GroqBaseURL = baseURL
	}
	if deepgramURL := os.Getenv("DEEPGRAM_URL"); deepgramURL != "" {
		config.DeepgramURL = deepgramURL
	}
	if voice := os.Getenv("ELEVENLABS_VOICE_ID"); voice != "" {
		config.ElevenLabsVoice = voice
	}

	if config.LLMMaxTokens, err = intEnv("LLM_MAX_TOKENS", config.LLMMaxTokens); err != nil {
		return nil, err
	}
	if temp := os.Getenv("LLM_TEMPERATURE"); temp != "" {
		t, err := strconv.ParseFloat(temp, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid LLM_TEMPERATURE: %w", err)
		}
		config.LLMTemperature = t
	}

	// Optional: LLM_PROVIDER ("groq", "gemini" or "mock"), inferred from the keys otherwise
	switch provider := os.Getenv("LLM_PROVIDER"); provider {
	case "":
		config.LLMProvider = inferProvider(config)
	case ProviderGroq, ProviderGemini, ProviderMock:
		config.LLMProvider = provider
	default:
		return nil, fmt.Errorf("invalid LLM_PROVIDER: must be 'groq', 'gemini' or 'mock'")
	}

	config.LLMModel = os.Getenv("LLM_MODEL")
	if config.LLMModel == "" {
		config.LLMModel = defaultModel(config.LLMProvider)
	}

	return config, nil
}

func inferProvider(cfg *Config) string {
	switch {
	case cfg.GroqAPIKey != "":
		return ProviderGroq
	case cfg.GeminiAPIKey != "":
		return ProviderGemini
	default:
		return ProviderMock
	}
}

func defaultModel(provider string) string {
	switch provider {
	case ProviderGroq:
		return "llama-3.1-8b-instant"
	case ProviderGemini:
		return "gemini-2.0-flash"
	default:
		return "mock"
	}
}

func intEnv(key string, def int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func durationEnv(key string, def time.Duration, unit time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("invalid %s: must not be negative", key)
	}
	return time.Duration(v) * unit, nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
