package digest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/teranos/digest/ai/openai"
	"github.com/teranos/digest/errors"
	"github.com/teranos/digest/pulse/batch"
)

// Summarizer turns a merged CSV into a digest text
type Summarizer interface {
	Summarize(ctx context.Context, jobID, csv string) (string, error)
}

// SummaryPrompt receives the merged CSV through its single %s verb
const SummaryPrompt = `Below is a CSV of posts collected over the past 24 hours (columns: username, tweet_id, created_at, text, original_url).

Write a concise digest of these posts:
- group related posts by topic, most significant topics first
- name the accounts behind each topic and cite original_url for key posts
- skip duplicates and low-signal chatter
- end with a short list of notable open questions or developments to watch

Reply in plain text without preamble.

CSV:
%s`

// SummarizerConfig configures an LLMSummarizer
type SummarizerConfig struct {
	Model       string // "" = the client's model
	Temperature *float64
	MaxTokens   *int
	Timeout     time.Duration
	Prompt      string // "" = SummaryPrompt
}

// LLMSummarizer summarizes with a chat model
type LLMSummarizer struct {
	client batch.ChatCompleter
	cfg    SummarizerConfig
}

// NewLLMSummarizer creates a chat-backed summarizer
func NewLLMSummarizer(client batch.ChatCompleter, cfg SummarizerConfig) *LLMSummarizer {
	if cfg.Prompt == "" {
		cfg.Prompt = SummaryPrompt
	}
	return &LLMSummarizer{client: client, cfg: cfg}
}

// Summarize returns the trimmed model reply. An empty reply is an error.
func (s *LLMSummarizer) Summarize(ctx context.Context, jobID, csv string) (string, error) {
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	resp, err := s.client.Chat(ctx, openai.ChatRequest{
		UserPrompt:    fmt.Sprintf(s.cfg.Prompt, csv),
		Model:         s.cfg.Model,
		Temperature:   s.cfg.Temperature,
		MaxTokens:     s.cfg.MaxTokens,
		OperationType: "summarize",
		EntityType:    "job",
		EntityID:      jobID,
	})
	if err != nil {
		return "", err
	}

	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return "", errors.New("empty summary from model")
	}
	return text, nil
}
