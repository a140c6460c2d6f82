package groq

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/room4-2/voiceloop/session"
)

func TestGenerate(t *testing.T) {
	var body map[string]any
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		auth = r.Header.Get("Authorization")
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &body))

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"c1","object":"chat.completion","created":1,"model":"llama-3.1-8b-instant",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"  Sunny and warm.  "}}]}`)
	}))
	defer srv.Close()

	g, err := NewGenerator("gsk-test", srv.URL+"/", "", nil, option.WithMaxRetries(0))
	require.NoError(t, err)

	reply, err := g.Generate(context.Background(), "what's the weather", session.GenerateOptions{
		SystemPrompt: "be brief",
		MaxTokens:    75,
		Temperature:  0.5,
		Language:     "es",
	})
	require.NoError(t, err)
	assert.Equal(t, "Sunny and warm.", reply)

	assert.Equal(t, "Bearer gsk-test", auth)
	assert.Equal(t, DefaultModel, body["model"])
	assert.Equal(t, float64(75), body["max_completion_tokens"])
	assert.Equal(t, 0.5, body["temperature"])

	msgs := body["messages"].([]any)
	require.Len(t, msgs, 2)
	system := msgs[0].(map[string]any)
	assert.Equal(t, "system", system["role"])
	assert.Contains(t, system["content"], "be brief")
	assert.Contains(t, system["content"], `"es"`)
	assert.Equal(t, "what's the weather", msgs[1].(map[string]any)["content"])
}

func TestGenerateNoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"c1","object":"chat.completion","created":1,"model":"m","choices":[]}`)
	}))
	defer srv.Close()

	g, err := NewGenerator("k", srv.URL+"/", "m", nil, option.WithMaxRetries(0))
	require.NoError(t, err)
	_, err = g.Generate(context.Background(), "hi", session.GenerateOptions{})
	assert.Error(t, err)
}

func TestGenerateHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"error":{"message":"invalid api key","type":"invalid_request_error"}}`)
	}))
	defer srv.Close()

	g, err := NewGenerator("bad", srv.URL+"/", "", nil, option.WithMaxRetries(0))
	require.NoError(t, err)
	_, err = g.Generate(context.Background(), "hi", session.GenerateOptions{})
	assert.ErrorContains(t, err, "groq chat completion")
}

func TestCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"object":"list","data":[{"id":"llama-3.1-8b-instant","object":"model","created":1,"owned_by":"Meta"}]}`)
	}))
	defer srv.Close()

	g, err := NewGenerator("k", srv.URL+"/", "", nil, option.WithMaxRetries(0))
	require.NoError(t, err)
	assert.NoError(t, g.Check(context.Background()))
}

func TestNewGeneratorRequiresKey(t *testing.T) {
	_, err := NewGenerator("", "", "", nil)
	assert.Error(t, err)
}
