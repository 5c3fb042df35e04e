package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	digesttest "github.com/teranos/digest/internal/testing"
)

func newTestClient(t *testing.T, server *httptest.Server, cfg Config) *Client {
	t.Helper()
	if cfg.APIKey == "" {
		cfg.APIKey = "test-key"
	}
	cfg.BaseURL = server.URL
	if cfg.Name == "" {
		cfg.Name = "grok"
	}
	if cfg.Model == "" {
		cfg.Model = "grok-4"
	}
	client, err := NewClient(cfg)
	require.NoError(t, err)
	client.SetHTTPClient(server.Client())
	return client
}

func TestNormalizeBaseURL(t *testing.T) {
	tests := map[string]string{
		"https://api.x.ai":          "https://api.x.ai/v1",
		"https://api.x.ai/":         "https://api.x.ai/v1",
		"https://api.x.ai/v1":       "https://api.x.ai/v1",
		"  https://api.x.ai/v1/  ":  "https://api.x.ai/v1",
		"http://localhost:11434":    "http://localhost:11434/v1",
		"https://openrouter.ai/api": "https://openrouter.ai/api/v1",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeBaseURL(in), in)
	}
}

func TestResolveAPIKey(t *testing.T) {
	t.Setenv("DIGEST_TEST_KEY", "from-env")

	assert.Equal(t, "from-env", ResolveAPIKey("${DIGEST_TEST_KEY}"))
	assert.Equal(t, "from-env", ResolveAPIKey(" ${ DIGEST_TEST_KEY } "))
	assert.Equal(t, "literal", ResolveAPIKey("literal"))
	assert.Equal(t, "", ResolveAPIKey("${DIGEST_TEST_KEY_UNSET}"))
}

func TestNewClient_MissingKey(t *testing.T) {
	_, err := NewClient(Config{Name: "grok", BaseURL: "https://api.x.ai", APIKey: "${DIGEST_TEST_KEY_UNSET}"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `provider "grok" missing api_key`)
}

func TestNewClient_BaseURL(t *testing.T) {
	client, err := NewClient(Config{Name: "grok", BaseURL: "https://api.x.ai/", APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, "https://api.x.ai/v1/chat/completions", client.Endpoint())

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"scheme", Config{BaseURL: "ftp://models.internal"}, "scheme"},
		{"no host", Config{BaseURL: "https://"}, "missing hostname"},
		{"private host", Config{BaseURL: "http://127.0.0.1:8080", BlockPrivateHosts: true}, "private IP address blocked"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.cfg.Name = "local"
			tt.cfg.APIKey = "k"
			_, err := NewClient(tt.cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), `provider "local" base_url`)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestClient_Chat(t *testing.T) {
	t.Run("successful request", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/v1/chat/completions", r.URL.Path)
			assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			assert.Equal(t, "digest", r.Header.Get("X-Title"))

			var req ChatCompletionRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "grok-4", req.Model)
			require.Len(t, req.Messages, 1)
			assert.Equal(t, "user", req.Messages[0].Role)

			json.NewEncoder(w).Encode(ChatCompletionResponse{
				Choices: []Choice{{Message: Message{Role: "assistant", Content: "username,tweet_id\n"}}},
				Usage:   Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
			})
		}))
		defer server.Close()

		client := newTestClient(t, server, Config{Headers: map[string]string{"X-Title": "digest"}})
		resp, err := client.Chat(context.Background(), ChatRequest{UserPrompt: "list posts"})
		require.NoError(t, err)
		assert.Equal(t, "username,tweet_id\n", resp.Content)
		assert.Equal(t, 15, resp.Usage.TotalTokens)
	})

	t.Run("non-200 status", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte("slow down"))
		}))
		defer server.Close()

		_, err := newTestClient(t, server, Config{}).Chat(context.Background(), ChatRequest{UserPrompt: "x"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "API request failed with status 429: slow down")
	})

	t.Run("no choices", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"choices":[]}`))
		}))
		defer server.Close()

		_, err := newTestClient(t, server, Config{}).Chat(context.Background(), ChatRequest{UserPrompt: "x"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no response choices")
	})

	t.Run("malformed payload", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`not json`))
		}))
		defer server.Close()

		_, err := newTestClient(t, server, Config{}).Chat(context.Background(), ChatRequest{UserPrompt: "x"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to unmarshal response")
	})

	t.Run("makes exactly one attempt", func(t *testing.T) {
		calls := 0
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer server.Close()

		_, err := newTestClient(t, server, Config{}).Chat(context.Background(), ChatRequest{UserPrompt: "x"})
		require.Error(t, err)
		assert.Equal(t, 1, calls)
	})
}

func TestClient_TracksUsage(t *testing.T) {
	db := digesttest.CreateTestDB(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ChatCompletionResponse{
			Choices: []Choice{{Message: Message{Content: "ok"}}},
			Usage:   Usage{TotalTokens: 42},
		})
	}))
	defer server.Close()

	client := newTestClient(t, server, Config{DB: db})
	_, err := client.Chat(context.Background(), ChatRequest{
		UserPrompt:    "x",
		OperationType: "batch",
		EntityType:    "job",
		EntityID:      "job-1",
	})
	require.NoError(t, err)

	var provider string
	var tokens int
	err = db.QueryRow("SELECT model_provider, tokens_used FROM ai_model_usage WHERE entity_id = 'job-1'").Scan(&provider, &tokens)
	require.NoError(t, err)
	assert.Equal(t, "grok", provider)
	assert.Equal(t, 42, tokens)
}
