package genai

import (
	"context"
	"time"
)

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey           string
	BaseURL          string
	Model            string
	EmbeddingModel   string
	Temperature      float64
	MaxTokens        int
	TopP             float64
	PresencePenalty  float64
	FrequencyPenalty float64
	Timeout          time.Duration
	Retries          int
	Backoff          time.Duration
	Sleep            func(ctx context.Context, d time.Duration) error
	MaxOutputChars   int
	DebugMode        bool
	StateDir         string
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the bearer credential of the provider.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithBaseURL sets the OpenAI-compatible endpoint, e.g. https://api.together.xyz/v1.
func WithBaseURL(u string) Option {
	return func(o *Opts) {
		if u != "" {
			o.BaseURL = u
		}
	}
}

// WithModel sets the chat model name.
func WithModel(model string) Option {
	return func(o *Opts) {
		if model != "" {
			o.Model = model
		}
	}
}

// WithEmbeddingModel enables Embed with the given model.
func WithEmbeddingModel(model string) Option {
	return func(o *Opts) { o.EmbeddingModel = model }
}

// WithTemperature sets the default sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) { o.Temperature = t }
}

// WithMaxTokens sets the default completion token budget.
func WithMaxTokens(n int) Option {
	return func(o *Opts) { o.MaxTokens = n }
}

// WithTopP sets nucleus sampling.
func WithTopP(p float64) Option {
	return func(o *Opts) { o.TopP = p }
}

// WithPenalties sets presence and frequency penalties. Zero omits a penalty from the request.
func WithPenalties(presence, frequency float64) Option {
	return func(o *Opts) {
		o.PresencePenalty = presence
		o.FrequencyPenalty = frequency
	}
}

// WithTimeout sets the per-attempt timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) {
		if d > 0 {
			o.Timeout = d
		}
	}
}

// WithRetries sets the number of extra attempts after a transient failure.
func WithRetries(n int) Option {
	return func(o *Opts) {
		if n >= 0 {
			o.Retries = n
		}
	}
}

// WithBackoff sets the fixed wait between attempts.
func WithBackoff(d time.Duration) Option {
	return func(o *Opts) { o.Backoff = d }
}

// WithSleep replaces the wait function between attempts.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Opts) { o.Sleep = sleep }
}

// WithMaxOutputChars bounds reply length; longer replies are cut at a sentence boundary.
func WithMaxOutputChars(n int) Option {
	return func(o *Opts) { o.MaxOutputChars = n }
}

// WithDebugMode writes every successful exchange as JSON under <stateDir>/debug.
func WithDebugMode(enabled bool, stateDir string) Option {
	return func(o *Opts) {
		o.DebugMode = enabled
		o.StateDir = stateDir
	}
}
