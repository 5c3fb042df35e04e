package batch

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/digest/ai/openai"
	"github.com/teranos/digest/errors"
	"github.com/teranos/digest/ingest"
	"github.com/teranos/digest/logger"
	"github.com/teranos/digest/pulse/budget"
	"github.com/teranos/digest/pulse/retry"
)

// ChatCompleter is the external call a batch makes
type ChatCompleter interface {
	Chat(ctx context.Context, req openai.ChatRequest) (*openai.ChatResponse, error)
}

// PromptTemplate receives the user list through its single %s verb
const PromptTemplate = `You have access to real-time X/Twitter data. Perform the following task.

Task: collect every post made by the users below in the past 24 hours and output them as CSV.

Users (with profile details):
%s

Output columns: username, tweet_id, created_at, text, original_url
Include original posts, reposts and quote posts; exclude plain replies.
Output plain CSV only: the first line is the header, fields are separated by commas and text fields are wrapped in double quotes.
Begin.`

// UnitError is returned when a batch exhausts its per-call retries
type UnitError struct {
	Index int
	Err   error
}

func (e *UnitError) Error() string {
	return fmt.Sprintf("batch %d failed: %v", e.Index, e.Err)
}

func (e *UnitError) Unwrap() error {
	return e.Err
}

// UnitResult is the parsed output of one batch
type UnitResult struct {
	Index    int
	Posts    []Post
	Attempts int
	Usage    openai.Usage
}

// RunnerConfig configures a Runner
type RunnerConfig struct {
	Model       string
	Temperature *float64
	MaxTokens   *int
	Timeout     time.Duration // per call; 0 = none beyond ctx
	Retry       retry.Policy
	Limiter     *budget.Limiter // nil = unpaced
	Prompt      string          // "" = PromptTemplate
	Sleep       retry.SleepFunc // nil = retry.Sleep
	Logger      *zap.SugaredLogger
}

// Runner turns one batch of input rows into posts with a single chat call,
// retried with backoff
type Runner struct {
	client ChatCompleter
	cfg    RunnerConfig
	logger *zap.SugaredLogger
}

// NewRunner creates a runner
func NewRunner(client ChatCompleter, cfg RunnerConfig) *Runner {
	if cfg.Prompt == "" {
		cfg.Prompt = PromptTemplate
	}
	if cfg.Sleep == nil {
		cfg.Sleep = retry.Sleep
	}
	return &Runner{
		client: client,
		cfg:    cfg,
		logger: logger.OrNop(cfg.Logger),
	}
}

// Run executes the batch at index. Every call failure is retried up to the
// policy's budget; after that the error is a *UnitError. A response that
// parses to nothing is a successful batch with no posts.
func (r *Runner) Run(ctx context.Context, index int, rows []ingest.Row) (*UnitResult, error) {
	prompt := fmt.Sprintf(r.cfg.Prompt, ingest.FormatUsers(rows))
	log := logger.FromContext(ctx, r.logger).With(logger.FieldBatchIndex, index)

	attempts := r.cfg.Retry.Attempts()
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := r.cfg.Retry.Delay(attempt - 1)
			log.Debugw("Retrying batch call",
				logger.FieldAttempt, attempt+1,
				logger.FieldMaxAttempts, attempts,
				logger.FieldDelay, delay,
			)
			if err := r.cfg.Sleep(ctx, delay); err != nil {
				return nil, &UnitError{Index: index, Err: err}
			}
		}

		resp, err := r.call(ctx, prompt)
		if err == nil {
			posts := ParseResponse(resp.Content)
			log.Debugw("Batch call succeeded",
				logger.FieldAttempt, attempt+1,
				logger.FieldRows, len(posts),
			)
			return &UnitResult{
				Index:    index,
				Posts:    posts,
				Attempts: attempt + 1,
				Usage:    resp.Usage,
			}, nil
		}

		lastErr = err
		log.Warnw("Batch call failed",
			logger.FieldAttempt, attempt+1,
			logger.FieldMaxAttempts, attempts,
			logger.FieldError, err,
		)
		if ctx.Err() != nil {
			break
		}
	}

	return nil, &UnitError{Index: index, Err: lastErr}
}

func (r *Runner) call(ctx context.Context, prompt string) (*openai.ChatResponse, error) {
	if r.cfg.Limiter != nil {
		if err := r.cfg.Limiter.Wait(ctx); err != nil {
			return nil, errors.Wrap(err, "rate limiter")
		}
	}

	callCtx := ctx
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	resp, err := r.client.Chat(callCtx, openai.ChatRequest{
		UserPrompt:    prompt,
		Model:         r.cfg.Model,
		Temperature:   r.cfg.Temperature,
		MaxTokens:     r.cfg.MaxTokens,
		OperationType: "batch",
		EntityType:    "job",
		EntityID:      logger.JobIDFromContext(ctx),
	})
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, errors.New("empty response")
	}
	return resp, nil
}
