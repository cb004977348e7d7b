// Package openai adapts the official openai-go SDK to the gateway's
// provider interface.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/chargegate/chargegate/internal/providers"
)

const providerName = "openai"

type Provider struct {
	apiKey  string
	baseURL string
	client  openaiSDK.Client
}

type Option func(*Provider)

// WithBaseURL points the client at a non-default endpoint (local mocks).
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{apiKey: apiKey}
	for _, o := range opts {
		o(p)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(p.apiKey),
		option.WithHTTPClient(&http.Client{Timeout: providers.ProviderTimeout}),
	}
	if p.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(p.baseURL))
	}
	p.client = openaiSDK.NewClient(reqOpts...)
	return p
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) HealthCheck(ctx context.Context) error {
	if _, err := p.client.Models.List(ctx); err != nil {
		return fmt.Errorf("openai: health check: %w", wrapSDKError(err))
	}
	return nil
}

func (p *Provider) Request(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	if p.apiKey == "" {
		return nil, fmt.Errorf("openai: no API key configured")
	}
	params := toParams(req)
	if req.Stream {
		return p.stream(ctx, params)
	}
	return p.complete(ctx, params)
}

func toParams(req *providers.ChatRequest) openaiSDK.ChatCompletionNewParams {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = toSDKMessage(m.Role, m.Content)
	}

	params := openaiSDK.ChatCompletionNewParams{Model: req.Model, Messages: msgs}
	if req.Temperature != 0 {
		params.Temperature = openaiSDK.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(req.MaxTokens))
	}
	return params
}

func (p *Provider) complete(ctx context.Context, params openaiSDK.ChatCompletionNewParams) (*providers.ChatResponse, error) {
	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, wrapSDKError(err)
	}

	out := &providers.ChatResponse{
		ID:    resp.ID,
		Model: resp.Model,
		Usage: providers.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}
	if len(resp.Choices) > 0 {
		out.Content = resp.Choices[0].Message.Content
	}
	return out, nil
}

func (p *Provider) stream(ctx context.Context, params openaiSDK.ChatCompletionNewParams) (*providers.ChatResponse, error) {
	// The trailing usage frame is what makes a streamed request meterable;
	// without it the gateway cannot bill the stream.
	params.StreamOptions = openaiSDK.ChatCompletionStreamOptionsParam{
		IncludeUsage: openaiSDK.Bool(true),
	}

	it := p.client.Chat.Completions.NewStreaming(ctx, params)
	ch := make(chan providers.StreamChunk, 64)

	go func() {
		defer close(ch)
		for it.Next() {
			frame := it.Current()

			if frame.Usage.PromptTokens > 0 || frame.Usage.CompletionTokens > 0 {
				ch <- providers.StreamChunk{Usage: &providers.Usage{
					InputTokens:  int(frame.Usage.PromptTokens),
					OutputTokens: int(frame.Usage.CompletionTokens),
				}}
				continue
			}
			if len(frame.Choices) == 0 {
				continue
			}
			choice := frame.Choices[0]
			if choice.Delta.Content == "" && choice.FinishReason == "" {
				continue
			}
			ch <- providers.StreamChunk{
				Content:      choice.Delta.Content,
				FinishReason: choice.FinishReason,
			}
		}
		if err := it.Err(); err != nil {
			ch <- providers.StreamChunk{
				Content:      fmt.Sprintf("[stream error] %v", err),
				FinishReason: "error",
			}
		}
	}()

	return &providers.ChatResponse{Stream: ch}, nil
}

// ProviderError carries the upstream HTTP status through to the failover
// classifier.
type ProviderError struct {
	StatusCode int
	Message    string
	Type       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("openai: %s (status=%d, type=%s)", e.Message, e.StatusCode, e.Type)
}

func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func wrapSDKError(err error) error {
	var sdkErr *openaiSDK.Error
	if errors.As(err, &sdkErr) {
		return &ProviderError{
			StatusCode: sdkErr.StatusCode,
			Message:    sdkErr.Error(),
			Type:       "openai_error",
		}
	}
	return err
}

func toSDKMessage(role, content string) openaiSDK.ChatCompletionMessageParamUnion {
	switch strings.ToLower(role) {
	case "developer":
		return openaiSDK.DeveloperMessage(content)
	case "system":
		return openaiSDK.SystemMessage(content)
	case "assistant":
		return openaiSDK.AssistantMessage(content)
	default:
		return openaiSDK.UserMessage(content)
	}
}
