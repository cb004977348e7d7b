// Package gemini adapts the Google GenAI SDK to the gateway's provider
// interface.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strings"

	"google.golang.org/genai"

	"github.com/chargegate/chargegate/internal/providers"
)

const providerName = "gemini"

type Provider struct {
	apiKey  string
	baseURL string
	client  *genai.Client
}

type Option func(*Provider)

// WithBaseURL points the client at a non-default endpoint (local mocks).
// The URL may carry a trailing API version segment, e.g. ".../v1beta".
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

func New(ctx context.Context, apiKey string, opts ...Option) *Provider {
	if ctx == nil {
		panic("gemini: context must not be nil")
	}
	p := &Provider{apiKey: apiKey}
	for _, o := range opts {
		o(p)
	}

	cfg := &genai.ClientConfig{
		APIKey:     p.apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Timeout: providers.ProviderTimeout},
	}
	if p.baseURL != "" {
		base, ver := splitVersion(p.baseURL)
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: base, APIVersion: ver}
	}

	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil
	}
	p.client = client
	return p
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) HealthCheck(ctx context.Context) error {
	if _, err := p.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1}); err != nil {
		return fmt.Errorf("gemini: health check: %w", wrapSDKError(err))
	}
	return nil
}

func (p *Provider) Request(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	if p.apiKey == "" {
		return nil, fmt.Errorf("gemini: no API key configured")
	}
	contents, cfg := toContents(req)
	if req.Stream {
		return p.stream(ctx, req.Model, contents, cfg)
	}
	return p.complete(ctx, req, contents, cfg)
}

// toContents converts the normalized request. System and developer turns
// become the system instruction; assistant turns map to the model role.
func toContents(req *providers.ChatRequest) ([]*genai.Content, *genai.GenerateContentConfig) {
	var system []string
	contents := make([]*genai.Content, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			system = append(system, m.Content)
		case "assistant", "model":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	if len(system) == 0 && req.Temperature <= 0 && req.MaxTokens <= 0 {
		return contents, nil
	}

	cfg := &genai.GenerateContentConfig{}
	if len(system) > 0 {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: strings.Join(system, "\n")}},
		}
	}
	if req.Temperature > 0 {
		cfg.Temperature = genai.Ptr[float32](float32(req.Temperature))
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	return contents, cfg
}

func (p *Provider) complete(
	ctx context.Context,
	req *providers.ChatRequest,
	contents []*genai.Content,
	cfg *genai.GenerateContentConfig,
) (*providers.ChatResponse, error) {
	resp, err := p.client.Models.GenerateContent(ctx, req.Model, contents, cfg)
	if err != nil {
		return nil, wrapSDKError(err)
	}

	out := &providers.ChatResponse{ID: req.RequestID, Model: req.Model}
	if resp != nil {
		out.Content = resp.Text()
		if out.ID == "" {
			out.ID = resp.ResponseID
		}
		if resp.UsageMetadata != nil {
			out.Usage = providers.Usage{
				InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
				OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			}
		}
	}
	if out.ID == "" {
		out.ID = fmt.Sprintf("gemini-%x", rand.Int63())
	}
	return out, nil
}

func (p *Provider) stream(
	ctx context.Context,
	model string,
	contents []*genai.Content,
	cfg *genai.GenerateContentConfig,
) (*providers.ChatResponse, error) {
	ch := make(chan providers.StreamChunk, 64)

	go func() {
		defer close(ch)

		// UsageMetadata is cumulative across frames; the last value seen
		// accompanies the finish frame.
		var usage *providers.Usage

		for resp, err := range p.client.Models.GenerateContentStream(ctx, model, contents, cfg) {
			if err != nil {
				ch <- providers.StreamChunk{
					Content:      fmt.Sprintf("[stream error] %v", err),
					FinishReason: "error",
				}
				return
			}
			if resp == nil {
				continue
			}

			if resp.UsageMetadata != nil {
				usage = &providers.Usage{
					InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
					OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
				}
			}
			if len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
				continue
			}

			cand := resp.Candidates[0]
			if text := candidateText(cand); text != "" {
				ch <- providers.StreamChunk{Content: text}
			}
			if cand.FinishReason != "" {
				ch <- providers.StreamChunk{FinishReason: string(cand.FinishReason), Usage: usage}
			}
		}
	}()

	return &providers.ChatResponse{Stream: ch}, nil
}

func candidateText(c *genai.Candidate) string {
	if c == nil || c.Content == nil {
		return ""
	}
	var text strings.Builder
	for _, part := range c.Content.Parts {
		if part != nil {
			text.WriteString(part.Text)
		}
	}
	return text.String()
}

// splitVersion separates a trailing API version segment from a base URL,
// since the SDK wants them as distinct options:
// "http://mock:9090/v1beta" → ("http://mock:9090/", "v1beta").
func splitVersion(raw string) (baseURL, apiVersion string) {
	u, err := url.Parse(raw)
	if err != nil {
		return raw, ""
	}

	segs := strings.Split(strings.Trim(u.Path, "/"), "/")
	if last := segs[len(segs)-1]; len(last) >= 2 && last[0] == 'v' && last[1] >= '0' && last[1] <= '9' {
		apiVersion = last
		segs = segs[:len(segs)-1]
	}

	u.Path = strings.Join(segs, "/")
	baseURL = strings.TrimSuffix(u.String(), "/") + "/"
	return baseURL, apiVersion
}

// ProviderError carries the upstream HTTP status through to the failover
// classifier.
type ProviderError struct {
	StatusCode int
	Message    string
	Type       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("gemini: %s (status=%d, type=%s)", e.Message, e.StatusCode, e.Type)
}

func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

func wrapSDKError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &ProviderError{
			StatusCode: apiErr.Code,
			Message:    apiErr.Message,
			Type:       apiErr.Status,
		}
	}
	return err
}
