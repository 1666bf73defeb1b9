// Package genai wraps an OpenAI-compatible chat completion endpoint.
//
// It owns the per-attempt timeout, the bounded retry policy and the
// classification of provider failures into fatal credential errors and
// retryable transient errors. Replies are post-processed before they leave
// the package.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/sophia-care/sophia/internal/models"
	"github.com/sophia-care/sophia/internal/util"
)

// Default request parameters.
const (
	DefaultBaseURL          = "https://api.together.xyz/v1"
	DefaultModel            = "openai/gpt-oss-20b"
	DefaultTemperature      = 0.75
	DefaultMaxTokens        = 450
	DefaultTopP             = 0.9
	DefaultPresencePenalty  = 0.5
	DefaultFrequencyPenalty = 0.5
	DefaultTimeout          = 45 * time.Second
	DefaultRetries          = 2
	DefaultBackoff          = time.Second
	DefaultMaxOutputChars   = 1200
)

var (
	// ErrAuth means the provider rejected the credentials. It is never retried.
	ErrAuth = errors.New("llm credentials rejected")
	// ErrExhaustedRetries means every attempt failed with a transient error.
	ErrExhaustedRetries = errors.New("llm retries exhausted")
	// ErrNoChoicesReturned means the provider answered without any choice.
	ErrNoChoicesReturned = errors.New("no choices returned")
	// ErrEmptyReply means the reply was empty after post-processing.
	ErrEmptyReply = errors.New("empty reply")
)

// TransientError is a retryable provider failure: timeout, network error,
// rate limiting, 5xx or any other non-credential status.
type TransientError struct {
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transient llm error (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transient llm error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// embeddingService defines minimal interface for embeddings.
type embeddingService interface {
	Create(ctx context.Context, params openai.EmbeddingNewParams) (openai.CreateEmbeddingResponse, error)
}

// openaiChat adapts the SDK completion service to chatService.
type openaiChat struct{ svc *openai.ChatCompletionService }

func (o openaiChat) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := o.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// openaiEmbeddings adapts the SDK embedding service to embeddingService.
type openaiEmbeddings struct{ svc *openai.EmbeddingService }

func (o openaiEmbeddings) Create(ctx context.Context, params openai.EmbeddingNewParams) (openai.CreateEmbeddingResponse, error) {
	resp, err := o.svc.New(ctx, params)
	if err != nil {
		return openai.CreateEmbeddingResponse{}, err
	}
	return *resp, nil
}

// Request is one completion call.
type Request struct {
	System string
	Turns  []models.Turn
	// Temperature and MaxTokens override the client defaults when non-zero.
	Temperature float64
	MaxTokens   int
}

// Client wraps the OpenAI ChatCompletion service for generating replies.
type Client struct {
	chat             chatService
	embed            embeddingService
	model            string
	embeddingModel   string
	temperature      float64
	maxTokens        int
	topP             float64
	presencePenalty  float64
	frequencyPenalty float64
	timeout          time.Duration
	retry            util.RetryPolicy
	maxOutputChars   int
	debugMode        bool
	stateDir         string
}

// NewClient initializes a new GenAI client from options.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{
		BaseURL:          DefaultBaseURL,
		Model:            DefaultModel,
		Temperature:      DefaultTemperature,
		MaxTokens:        DefaultMaxTokens,
		TopP:             DefaultTopP,
		PresencePenalty:  DefaultPresencePenalty,
		FrequencyPenalty: DefaultFrequencyPenalty,
		Timeout:          DefaultTimeout,
		Retries:          DefaultRetries,
		Backoff:          DefaultBackoff,
		MaxOutputChars:   DefaultMaxOutputChars,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("LLM API key not set")
	}
	slog.Debug("genai.NewClient: configured", "base_url", cfg.BaseURL, "model", cfg.Model, "timeout", cfg.Timeout, "retries", cfg.Retries)

	cli := openai.NewClient(
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(cfg.BaseURL),
		option.WithMaxRetries(0),
	)
	return newClient(openaiChat{svc: &cli.Chat.Completions}, openaiEmbeddings{svc: &cli.Embeddings}, cfg), nil
}

func newClient(chat chatService, embed embeddingService, cfg Opts) *Client {
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = util.SleepContext
	}
	return &Client{
		chat:             chat,
		embed:            embed,
		model:            cfg.Model,
		embeddingModel:   cfg.EmbeddingModel,
		temperature:      cfg.Temperature,
		maxTokens:        cfg.MaxTokens,
		topP:             cfg.TopP,
		presencePenalty:  cfg.PresencePenalty,
		frequencyPenalty: cfg.FrequencyPenalty,
		timeout:          cfg.Timeout,
		retry: util.RetryPolicy{
			Retries: cfg.Retries,
			Backoff: util.FixedBackoff(cfg.Backoff),
			Sleep:   sleep,
		},
		maxOutputChars: cfg.MaxOutputChars,
		debugMode:      cfg.DebugMode,
		stateDir:       cfg.StateDir,
	}
}

// Complete sends the system prompt and turns to the model and returns the
// post-processed reply.
//
// It fails with ErrAuth on 401/403 after a single call, and with
// ErrExhaustedRetries (wrapping the last *TransientError) when every attempt
// failed transiently.
func (c *Client) Complete(ctx context.Context, req Request) (string, error) {
	params := c.buildParams(req)

	var reply string
	attempts, err := util.Retry(ctx, c.retry, isRetryable, func(ctx context.Context, attempt int) error {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		start := time.Now()
		resp, err := c.chat.Create(callCtx, params)
		if err != nil {
			classified := classify(ctx, err)
			slog.Warn("genai.Complete: attempt failed", "attempt", attempt+1, "elapsed", time.Since(start), "error", classified)
			return classified
		}
		if len(resp.Choices) == 0 {
			return &TransientError{Err: ErrNoChoicesReturned}
		}
		c.writeDebug("Complete", params, resp)
		reply = resp.Choices[0].Message.Content
		slog.Debug("genai.Complete: attempt succeeded", "attempt", attempt+1, "elapsed", time.Since(start), "reply_length", len(reply))
		return nil
	})
	if err != nil {
		var te *TransientError
		if errors.As(err, &te) && ctx.Err() == nil {
			return "", fmt.Errorf("%w after %d attempts: %w", ErrExhaustedRetries, attempts, err)
		}
		return "", err
	}

	clean := PostProcess(reply, c.maxOutputChars)
	if clean == "" {
		return "", ErrEmptyReply
	}
	return clean, nil
}

func (c *Client) buildParams(req Request) openai.ChatCompletionNewParams {
	temperature := c.temperature
	if req.Temperature != 0 {
		temperature = req.Temperature
	}
	maxTokens := c.maxTokens
	if req.MaxTokens != 0 {
		maxTokens = req.MaxTokens
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Turns)+1)
	messages = append(messages, openai.SystemMessage(req.System))
	for _, t := range req.Turns {
		switch t.Role {
		case models.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(t.Content))
		default:
			messages = append(messages, openai.UserMessage(t.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(c.model),
		Messages:    messages,
		Temperature: openai.Float(temperature),
		MaxTokens:   openai.Int(int64(maxTokens)),
		TopP:        openai.Float(c.topP),
	}
	if c.presencePenalty != 0 {
		params.PresencePenalty = openai.Float(c.presencePenalty)
	}
	if c.frequencyPenalty != 0 {
		params.FrequencyPenalty = openai.Float(c.frequencyPenalty)
	}
	return params
}

// classify maps a provider error to ErrAuth or *TransientError. Cancellation
// of the caller's context is returned unchanged so it is not retried.
func classify(parent context.Context, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w: status %d", ErrAuth, apiErr.StatusCode)
		default:
			return &TransientError{StatusCode: apiErr.StatusCode, Err: err}
		}
	}
	return &TransientError{Err: err}
}

func isRetryable(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Embed returns the embedding vector of text using the configured embedding model.
func (c *Client) Embed(ctx context.Context, text string) ([]float64, error) {
	if c.embeddingModel == "" {
		return nil, fmt.Errorf("embedding model not set")
	}
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	resp, err := c.embed.Create(callCtx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
		Model: openai.EmbeddingModel(c.embeddingModel),
	})
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", classify(ctx, err))
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("embedding response has no data")
	}
	return resp.Data[0].Embedding, nil
}
