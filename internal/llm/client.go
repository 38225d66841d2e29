// Package llm wraps the text-generation API behind a single Generate call.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// Error taxonomy for model calls. The gateway aborts the reply on either,
// but logs them differently: ErrUnavailable is transient upstream trouble,
// ErrRejected means the request itself will never succeed as written.
var (
	ErrUnavailable = errors.New("llm: model unavailable")
	ErrRejected    = errors.New("llm: request rejected")
)

// Default generation parameters, applied when Opts leaves them zero.
const (
	DefaultModel       = "gpt-4o-mini"
	DefaultMaxTokens   = 1024
	DefaultTemperature = 0.7
)

// Turn is one entry of the conversation context, oldest first.
type Turn struct {
	IsBot bool
	Text  string
}

// Client issues one blocking completion request per Generate call.
// It performs no retries; a failed call is the orchestrator's problem.
type Client struct {
	api         *openai.Client
	model       string
	maxTokens   int
	temperature float32
}

// Opts holds parameters for creating a Client.
type Opts struct {
	APIKey      string
	Model       string  // defaults to DefaultModel
	MaxTokens   int     // defaults to DefaultMaxTokens
	Temperature float64 // defaults to DefaultTemperature
	BaseURL     string  // override endpoint; used by tests
}

// New creates a Client.
func New(opts Opts) (*Client, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("llm: API key is required")
	}
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	model := opts.Model
	if model == "" {
		model = DefaultModel
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	temperature := opts.Temperature
	if temperature == 0 {
		temperature = DefaultTemperature
	}
	return &Client{
		api:         openai.NewClientWithConfig(cfg),
		model:       model,
		maxTokens:   maxTokens,
		temperature: float32(temperature),
	}, nil
}

// Generate serializes the conversation into a linear transcript and returns
// the model's reply text.
func (c *Client) Generate(ctx context.Context, turns []Turn) (string, error) {
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleUser,
				Content: Transcript(turns),
			},
		},
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
	})
	if err != nil {
		return "", classify(err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: empty response", ErrUnavailable)
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// Transcript renders turns as role-prefixed lines, oldest first.
func Transcript(turns []Turn) string {
	var b strings.Builder
	for i, t := range turns {
		if i > 0 {
			b.WriteByte('\n')
		}
		if t.IsBot {
			b.WriteString("Bot: ")
		} else {
			b.WriteString("User: ")
		}
		b.WriteString(t.Text)
	}
	return b.String()
}

// classify sorts an upstream error into the taxonomy. API errors with a 4xx
// status (bad model, malformed request, bad key) are permanent; everything
// else — 5xx, timeouts, connection resets — is transient.
func classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode >= 400 && apiErr.HTTPStatusCode < 500 {
			return fmt.Errorf("%w: %v", ErrRejected, err)
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.HTTPStatusCode >= 400 && reqErr.HTTPStatusCode < 500 {
			return fmt.Errorf("%w: %v", ErrRejected, err)
		}
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
