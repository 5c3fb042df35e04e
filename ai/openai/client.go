// Package openai is a client for OpenAI-compatible chat completion APIs
// (Grok, OpenRouter, local gateways). It makes exactly one HTTP attempt per
// call; retry loops belong to the caller.
package openai

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/digest/ai/tracker"
	"github.com/teranos/digest/errors"
	"github.com/teranos/digest/internal/httpclient"
)

const (
	// DefaultTimeout bounds a single HTTP round trip
	DefaultTimeout = 120 * time.Second
	// DefaultTemperature applies when neither config nor request sets one
	DefaultTemperature = 0.2
)

// Client represents an OpenAI-compatible chat completions client
type Client struct {
	name         string
	apiKey       string
	endpoint     string
	headers      map[string]string
	httpClient   *httpclient.SaferClient
	config       Config
	usageTracker *tracker.UsageTracker
	logger       *zap.SugaredLogger
}

// Config holds client configuration
type Config struct {
	Name              string            // provider name, recorded in usage rows
	BaseURL           string            // with or without the /v1 suffix
	APIKey            string            // literal key or ${ENV_VAR}
	Model             string
	Temperature       *float64          // nil = DefaultTemperature
	MaxTokens         *int              // nil = provider default
	Headers           map[string]string // extra headers; may override the defaults
	Timeout           time.Duration     // 0 = DefaultTimeout
	BlockPrivateHosts bool
	Logger            *zap.SugaredLogger // nil = nop logger
	DB                *sql.DB            // enables usage tracking in ai_model_usage
}

// NewClient creates a client. A missing API key is a configuration error.
func NewClient(config Config) (*Client, error) {
	apiKey := ResolveAPIKey(config.APIKey)
	if apiKey == "" {
		err := errors.Newf("provider %q missing api_key", config.Name)
		return nil, errors.WithHint(err, "set provider.api_key in am.toml or use ${ENV_VAR}")
	}
	if strings.TrimSpace(config.BaseURL) == "" {
		return nil, errors.Newf("provider %q missing base_url", config.Name)
	}
	if config.Temperature == nil {
		t := DefaultTemperature
		config.Temperature = &t
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	var usageTracker *tracker.UsageTracker
	if config.DB != nil {
		usageTracker = tracker.NewUsageTracker(config.DB)
	}

	httpClient := httpclient.New(config.Timeout, httpclient.Options{
		BlockPrivateIP: config.BlockPrivateHosts,
	})
	endpoint := NormalizeBaseURL(config.BaseURL) + "/chat/completions"
	if _, err := httpClient.ValidateURL(endpoint); err != nil {
		return nil, errors.Wrapf(err, "provider %q base_url %q", config.Name, config.BaseURL)
	}

	return &Client{
		name:         config.Name,
		apiKey:       apiKey,
		endpoint:     endpoint,
		headers:      config.Headers,
		httpClient:   httpClient,
		config:       config,
		usageTracker: usageTracker,
		logger:       logger,
	}, nil
}

// ResolveAPIKey substitutes a ${ENV_VAR} reference from the environment
func ResolveAPIKey(raw string) string {
	value := strings.TrimSpace(raw)
	if strings.HasPrefix(value, "${") && strings.HasSuffix(value, "}") {
		return os.Getenv(strings.TrimSpace(value[2 : len(value)-1]))
	}
	return value
}

// NormalizeBaseURL trims the URL and makes sure it ends in /v1
func NormalizeBaseURL(raw string) string {
	base := strings.TrimRight(strings.TrimSpace(raw), "/")
	if strings.HasSuffix(base, "/v1") {
		return base
	}
	return base + "/v1"
}

// Message is a single chat message
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionRequest represents a request to the chat completions endpoint
type ChatCompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// ChatCompletionResponse represents the response from chat completions
type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// Choice represents a completion choice
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Usage represents token usage information
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatRequest is a high-level request. The tracking fields attribute the
// call in ai_model_usage.
type ChatRequest struct {
	SystemPrompt string
	UserPrompt   string
	Temperature  *float64 // Override default temperature
	MaxTokens    *int     // Override default max tokens
	Model        string   // Override default model

	OperationType string
	EntityType    string
	EntityID      string
}

// ChatResponse is the first choice of a completion
type ChatResponse struct {
	Content string
	Model   string
	Usage   Usage
}

// CreateChatCompletion sends one request and decodes the response
func (c *Client) CreateChatCompletion(ctx context.Context, req ChatCompletionRequest) (*ChatCompletionResponse, error) {
	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}

	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "failed to send request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read response")
	}

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Newf("API request failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var chatResp ChatCompletionResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal response")
	}

	return &chatResp, nil
}

// Chat sends a single chat completion and returns the first choice
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	temperature := *c.config.Temperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}

	var maxTokens int
	if c.config.MaxTokens != nil {
		maxTokens = *c.config.MaxTokens
	}
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}

	model := c.config.Model
	if req.Model != "" {
		model = req.Model
	}

	messages := []Message{{Role: "user", Content: req.UserPrompt}}
	if req.SystemPrompt != "" {
		messages = append([]Message{{Role: "system", Content: req.SystemPrompt}}, messages...)
	}

	c.logger.Debugw("Chat request",
		"provider", c.name,
		"model", model,
		"temperature", temperature,
		"prompt_length", len(req.UserPrompt),
	)

	requestTime := time.Now()
	resp, err := c.CreateChatCompletion(ctx, ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err == nil && len(resp.Choices) == 0 {
		err = errors.New("no response choices from provider")
	}
	if err != nil {
		c.track(req, model, temperature, maxTokens, requestTime, nil, err)
		return nil, errors.Wrapf(err, "%s chat completion", c.name)
	}

	c.logger.Debugw("Chat response",
		"provider", c.name,
		"model", model,
		"content_length", len(resp.Choices[0].Message.Content),
		"total_tokens", resp.Usage.TotalTokens,
	)

	c.track(req, model, temperature, maxTokens, requestTime, &resp.Usage, nil)

	return &ChatResponse{
		Content: resp.Choices[0].Message.Content,
		Model:   model,
		Usage:   resp.Usage,
	}, nil
}

func (c *Client) track(req ChatRequest, model string, temperature float64, maxTokens int, requestTime time.Time, usage *Usage, callErr error) {
	if c.usageTracker == nil {
		return
	}

	responseTime := time.Now()
	var maxTokensPtr *int
	if maxTokens > 0 {
		maxTokensPtr = &maxTokens
	}

	record := &tracker.ModelUsage{
		OperationType:     req.OperationType,
		EntityType:        req.EntityType,
		EntityID:          req.EntityID,
		ModelName:         model,
		ModelProvider:     c.name,
		ModelConfig:       tracker.NewModelConfig(&temperature, maxTokensPtr),
		RequestTimestamp:  requestTime,
		ResponseTimestamp: &responseTime,
		Success:           callErr == nil,
	}
	if usage != nil {
		record.PromptTokens = &usage.PromptTokens
		record.CompletionTokens = &usage.CompletionTokens
		record.TokensUsed = &usage.TotalTokens
	}
	if callErr != nil {
		msg := callErr.Error()
		record.ErrorMessage = &msg
	}

	if err := c.usageTracker.TrackUsage(record); err != nil {
		c.logger.Warnw("Failed to track usage", "error", err, "model", model)
	}
}

// Model returns the configured default model
func (c *Client) Model() string {
	return c.config.Model
}

// Endpoint returns the resolved chat completions URL
func (c *Client) Endpoint() string {
	return c.endpoint
}

// SetHTTPClient allows overriding the HTTP client for testing
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = httpclient.WrapClient(client)
}
