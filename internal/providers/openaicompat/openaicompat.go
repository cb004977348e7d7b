// Package openaicompat talks to any vendor exposing the OpenAI
// chat-completions wire format (Mistral, xAI, Groq, DeepSeek and the
// like). One Provider instance is registered per vendor with its own
// name, base URL and credential.
package openaicompat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/chargegate/chargegate/internal/providers"
)

// Wire types. Field tags follow the OpenAI chat-completions format and
// must not change.
type chatRequest struct {
	Model         string         `json:"model"`
	Messages      []chatMessage  `json:"messages"`
	Stream        bool           `json:"stream,omitempty"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
	Temperature   float64        `json:"temperature,omitempty"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []choice `json:"choices"`
	Usage   *usage   `json:"usage,omitempty"`
	Error   *apiErr  `json:"error,omitempty"`
}

type choice struct {
	Message      *chatMessage `json:"message,omitempty"`
	Delta        *chatMessage `json:"delta,omitempty"`
	FinishReason string       `json:"finish_reason"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type apiErr struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// Provider dispatches chat requests to one OpenAI-compatible vendor.
type Provider struct {
	name    string
	apiKey  string
	baseURL string
	client  *http.Client
}

// New creates a Provider registered under name against an
// OpenAI-compatible endpoint rooted at baseURL.
func New(name, apiKey, baseURL string) *Provider {
	return &Provider{
		name:    name,
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{Timeout: providers.ProviderTimeout},
	}
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", http.NoBody)
	if err != nil {
		return fmt.Errorf("%s: health check: %w", p.name, err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: health check: %w", p.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: health check: status %d", p.name, resp.StatusCode)
	}
	return nil
}

func (p *Provider) Request(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	if p.apiKey == "" {
		return nil, fmt.Errorf("%s: no API key configured", p.name)
	}

	resp, err := p.post(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.name, err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, p.errorFrom(resp)
	}

	if req.Stream {
		return p.consumeStream(resp), nil
	}
	defer resp.Body.Close()

	return p.decodeUnary(resp)
}

// post encodes req and sends it to the vendor's chat-completions
// endpoint. Streaming requests always ask for the trailing usage frame.
func (p *Provider) post(ctx context.Context, req *providers.ChatRequest) (*http.Response, error) {
	cr := chatRequest{Model: req.Model}
	for _, m := range req.Messages {
		cr.Messages = append(cr.Messages, chatMessage{Role: m.Role, Content: m.Content})
	}
	if req.Temperature > 0 {
		cr.Temperature = req.Temperature
	}
	if req.MaxTokens > 0 {
		cr.MaxTokens = req.MaxTokens
	}
	if req.Stream {
		cr.Stream = true
		cr.StreamOptions = &streamOptions{IncludeUsage: true}
	}

	body, err := json.Marshal(cr)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	return p.client.Do(httpReq)
}

func (p *Provider) decodeUnary(resp *http.Response) (*providers.ChatResponse, error) {
	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", p.name, err)
	}

	out := &providers.ChatResponse{ID: cr.ID, Model: cr.Model}
	if len(cr.Choices) > 0 && cr.Choices[0].Message != nil {
		out.Content = cr.Choices[0].Message.Content
	}
	if cr.Usage != nil {
		out.Usage = providers.Usage{
			InputTokens:  cr.Usage.PromptTokens,
			OutputTokens: cr.Usage.CompletionTokens,
		}
	}
	return out, nil
}

// consumeStream reads the vendor's SSE body on its own goroutine and
// forwards translated chunks until [DONE] or EOF. Frames that fail to
// parse are dropped so one bad frame cannot kill the stream.
func (p *Provider) consumeStream(resp *http.Response) *providers.ChatResponse {
	ch := make(chan providers.StreamChunk, 64)

	go func() {
		defer resp.Body.Close()
		defer close(ch)

		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			payload, ok := strings.CutPrefix(sc.Text(), "data: ")
			if !ok {
				continue
			}
			if payload == "[DONE]" {
				return
			}

			var cr chatResponse
			if err := json.Unmarshal([]byte(payload), &cr); err != nil {
				continue
			}

			// With include_usage the token counts arrive on a trailing
			// frame that carries no choices.
			if cr.Usage != nil {
				ch <- providers.StreamChunk{
					Usage: &providers.Usage{
						InputTokens:  cr.Usage.PromptTokens,
						OutputTokens: cr.Usage.CompletionTokens,
					},
				}
			}
			if len(cr.Choices) > 0 && cr.Choices[0].Delta != nil {
				ch <- providers.StreamChunk{
					Content:      cr.Choices[0].Delta.Content,
					FinishReason: cr.Choices[0].FinishReason,
				}
			}
		}
	}()

	return &providers.ChatResponse{Stream: ch}
}

func (p *Provider) errorFrom(resp *http.Response) error {
	pe := &ProviderError{
		Provider:   p.name,
		StatusCode: resp.StatusCode,
		Message:    fmt.Sprintf("unexpected status %d", resp.StatusCode),
		Type:       "provider_error",
	}

	body, _ := io.ReadAll(resp.Body)
	var cr chatResponse
	if json.Unmarshal(body, &cr) == nil && cr.Error != nil {
		pe.Message = cr.Error.Message
		pe.Type = cr.Error.Type
		pe.Code = cr.Error.Code
	}
	return pe
}

// ProviderError is the translated form of a vendor error payload. It
// satisfies providers.StatusCoder so failover can classify it.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
	Type       string
	Code       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s (status=%d, type=%s)", e.Provider, e.Message, e.StatusCode, e.Type)
}

func (e *ProviderError) HTTPStatus() int { return e.StatusCode }
