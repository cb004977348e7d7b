// Package anthropic adapts the official Anthropic SDK to the gateway's
// provider interface.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/chargegate/chargegate/internal/providers"
)

const (
	providerName     = "anthropic"
	defaultMaxTokens = 4096 // max_tokens is mandatory in the Messages API
)

type Provider struct {
	apiKey  string
	baseURL string
	client  anthropic.Client
}

type Option func(*Provider)

// WithBaseURL points the client at a non-default endpoint (local mocks).
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
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
	p.client = anthropic.NewClient(reqOpts...)
	return p
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) HealthCheck(ctx context.Context) error {
	_, err := p.client.Models.List(ctx, anthropic.ModelListParams{Limit: anthropic.Int(1)})
	if err != nil {
		return fmt.Errorf("anthropic: health check: %w", wrapSDKError(err))
	}
	return nil
}

func (p *Provider) Request(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	if p.apiKey == "" {
		return nil, fmt.Errorf("anthropic: no API key configured")
	}
	params := toParams(req)
	if req.Stream {
		return p.stream(ctx, params)
	}
	return p.complete(ctx, params)
}

// toParams converts the normalized request. System and developer turns move
// into the dedicated system field; everything else becomes a message.
func toParams(req *providers.ChatRequest) anthropic.MessageNewParams {
	var system []string
	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))

	for _, m := range req.Messages {
		role := strings.ToLower(m.Role)
		if role == "system" || role == "developer" {
			system = append(system, m.Content)
			continue
		}
		sdkRole := anthropic.MessageParamRoleUser
		if role == "assistant" {
			sdkRole = anthropic.MessageParamRoleAssistant
		}
		msgs = append(msgs, anthropic.MessageParam{
			Role: sdkRole,
			Content: []anthropic.ContentBlockParamUnion{
				{OfText: &anthropic.TextBlockParam{Text: m.Content}},
			},
		})
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if len(system) > 0 {
		params.System = []anthropic.TextBlockParam{{Text: strings.Join(system, "\n")}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	return params
}

func (p *Provider) complete(ctx context.Context, params anthropic.MessageNewParams) (*providers.ChatResponse, error) {
	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, wrapSDKError(err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		switch v := block.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(v.Text)
		case *anthropic.TextBlock:
			text.WriteString(v.Text)
		}
	}

	return &providers.ChatResponse{
		ID:      msg.ID,
		Model:   string(msg.Model),
		Content: text.String(),
		Usage: providers.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}, nil
}

func (p *Provider) stream(ctx context.Context, params anthropic.MessageNewParams) (*providers.ChatResponse, error) {
	it := p.client.Messages.NewStreaming(ctx, params)
	ch := make(chan providers.StreamChunk, 64)

	go func() {
		defer close(ch)

		// message_start carries the input tokens, message_delta the running
		// output count; paired they make the final frame of the stream carry
		// the full accounting.
		var inputTokens int

		for it.Next() {
			switch ev := it.Current().AsAny().(type) {
			case anthropic.MessageStartEvent:
				inputTokens = int(ev.Message.Usage.InputTokens)

			case anthropic.ContentBlockDeltaEvent:
				if text := deltaText(ev.Delta.AsAny()); text != "" {
					ch <- providers.StreamChunk{Content: text}
				}

			case anthropic.MessageDeltaEvent:
				ch <- providers.StreamChunk{
					FinishReason: string(ev.Delta.StopReason),
					Usage: &providers.Usage{
						InputTokens:  inputTokens,
						OutputTokens: int(ev.Usage.OutputTokens),
					},
				}
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

func deltaText(delta any) string {
	switch d := delta.(type) {
	case anthropic.TextDelta:
		return d.Text
	case *anthropic.TextDelta:
		return d.Text
	}
	return ""
}

// ProviderError carries the upstream HTTP status through to the failover
// classifier.
type ProviderError struct {
	StatusCode int
	Message    string
	Type       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("anthropic: %s (status=%d, type=%s)", e.Message, e.StatusCode, e.Type)
}

func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func wrapSDKError(err error) error {
	var sdkErr *anthropic.Error
	if errors.As(err, &sdkErr) {
		return &ProviderError{
			StatusCode: sdkErr.StatusCode,
			Message:    sdkErr.Error(),
			Type:       "anthropic_error",
		}
	}
	return err
}
