// Package openai implements the llm.Client contract using the OpenAI chat
// completions streaming API.
package openai

import (
	"context"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/cadence-voice/cadence/pkg/provider/llm"
)

const (
	// defaultTemperature and defaultMaxTokens keep responses short and
	// speech-friendly.
	defaultTemperature = 0.7
	defaultMaxTokens   = 200

	// defaultTimeout caps a whole streaming request.
	defaultTimeout = 30 * time.Second
)

// config holds optional construction parameters.
type config struct {
	baseURL      string
	organization string
	project      string
	priorityTier bool
	timeout      time.Duration
	temperature  float64
	maxTokens    int
}

// Option is a functional option for the Client.
type Option func(*config)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithOrganization sets the organization ID on all requests.
func WithOrganization(org string) Option {
	return func(c *config) { c.organization = org }
}

// WithProject sets the project ID on all requests.
func WithProject(project string) Option {
	return func(c *config) { c.project = project }
}

// WithPriorityTier requests the provider's low-latency priority tier.
func WithPriorityTier(enabled bool) Option {
	return func(c *config) { c.priorityTier = enabled }
}

// WithTimeout sets the per-request HTTP timeout. Default is 30s.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithTemperature overrides the sampling temperature. Default is 0.7.
func WithTemperature(t float64) Option {
	return func(c *config) { c.temperature = t }
}

// WithMaxTokens overrides the output token cap. Default is 200.
func WithMaxTokens(n int) Option {
	return func(c *config) { c.maxTokens = n }
}

// Client implements llm.Client backed by the OpenAI API.
type Client struct {
	client      oai.Client
	model       string
	temperature float64
	maxTokens   int
}

// Compile-time check that *Client satisfies llm.Client.
var _ llm.Client = (*Client)(nil)

// New constructs an OpenAI sentence-streaming client.
func New(apiKey, model string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("openai: model must not be empty")
	}

	cfg := &config{
		timeout:     defaultTimeout,
		temperature: defaultTemperature,
		maxTokens:   defaultMaxTokens,
	}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	if cfg.project != "" {
		reqOpts = append(reqOpts, option.WithProject(cfg.project))
	}
	if cfg.priorityTier {
		reqOpts = append(reqOpts, option.WithHeader("x-stainless-priority", "high"))
	}

	return &Client{
		client:      oai.NewClient(reqOpts...),
		model:       model,
		temperature: cfg.temperature,
		maxTokens:   cfg.maxTokens,
	}, nil
}

// StreamSentences implements llm.Client. Token deltas are accumulated and
// sliced into sentences at punctuation boundaries; the residue after the
// provider terminates is emitted with Final=true.
func (c *Client) StreamSentences(ctx context.Context, messages []llm.Message) (*llm.SentenceStream, error) {
	params, err := c.buildParams(messages)
	if err != nil {
		return nil, fmt.Errorf("openai: build params: %w", err)
	}

	raw := c.client.Chat.Completions.NewStreaming(ctx, params)
	if err := raw.Err(); err != nil {
		return nil, fmt.Errorf("openai: start stream: %w", err)
	}

	ch := make(chan llm.Sentence, 16)
	stream := llm.NewSentenceStream(ch)

	go func() {
		defer close(ch)
		defer raw.Close()

		var split llm.Splitter
		for raw.Next() {
			// Cancellation is observed here, once per provider chunk.
			if ctx.Err() != nil {
				stream.SetErr(ctx.Err())
				return
			}

			chunk := raw.Current()
			if chunk.Usage.CompletionTokens > 0 {
				stream.SetUsage(llm.Usage{
					PromptTokens:     int(chunk.Usage.PromptTokens),
					CompletionTokens: int(chunk.Usage.CompletionTokens),
				})
			}
			if len(chunk.Choices) == 0 {
				continue
			}

			for _, sentence := range split.Push(chunk.Choices[0].Delta.Content) {
				select {
				case ch <- llm.Sentence{Text: sentence}:
				case <-ctx.Done():
					stream.SetErr(ctx.Err())
					return
				}
			}
		}

		if err := raw.Err(); err != nil && ctx.Err() == nil {
			stream.SetErr(fmt.Errorf("openai: stream: %w", err))
			return
		}
		if ctx.Err() != nil {
			stream.SetErr(ctx.Err())
			return
		}

		// Flush the trailing fragment, if any, as the final sentence.
		if rest := split.Flush(); rest != "" {
			select {
			case ch <- llm.Sentence{Text: rest, Final: true}:
			case <-ctx.Done():
				stream.SetErr(ctx.Err())
			}
		}
	}()

	return stream, nil
}

// buildParams converts pipeline messages into OpenAI SDK params.
func (c *Client) buildParams(messages []llm.Message) (oai.ChatCompletionNewParams, error) {
	converted := make([]oai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case llm.RoleSystem:
			converted = append(converted, oai.SystemMessage(m.Content))
		case llm.RoleUser:
			converted = append(converted, oai.UserMessage(m.Content))
		case llm.RoleAssistant:
			converted = append(converted, oai.AssistantMessage(m.Content))
		default:
			return oai.ChatCompletionNewParams{}, fmt.Errorf("unknown message role %q", m.Role)
		}
	}

	return oai.ChatCompletionNewParams{
		Model:               shared.ChatModel(c.model),
		Messages:            converted,
		Temperature:         param.NewOpt(c.temperature),
		MaxCompletionTokens: param.NewOpt(int64(c.maxTokens)),
		StreamOptions: oai.ChatCompletionStreamOptionsParam{
			IncludeUsage: param.NewOpt(true),
		},
	}, nil
}
