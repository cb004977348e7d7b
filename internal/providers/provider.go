// Package providers defines the common interfaces and types used by all
// upstream LLM provider implementations.
//
// Each provider lives in its own sub-package and implements the Provider
// interface. OpenAI-compatible vendors (Mistral, xAI, Groq, DeepSeek and
// similar) share the openaicompat implementation, registered once per
// vendor.
package providers

import (
	"context"
	"time"
)

type (
	// StreamChunk is a single frame delivered during a streaming response.
	// Usage is non-nil only on frames that carry token accounting; the
	// last such frame of a stream is authoritative.
	StreamChunk struct {
		Content      string
		FinishReason string
		Usage        *Usage
	}

	// Message is a single turn in a conversation (role + text content).
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	// Usage counts the tokens consumed by one request.
	Usage struct {
		InputTokens  int
		OutputTokens int
	}

	// ChatRequest is the provider-neutral form of an inbound request.
	ChatRequest struct {
		Model       string
		Messages    []Message
		Stream      bool
		Temperature float64
		MaxTokens   int
		RequestID   string
	}

	// ChatResponse is the provider-neutral form of an upstream reply.
	ChatResponse struct {
		ID      string
		Model   string
		Content string
		Usage   Usage
		Stream  <-chan StreamChunk // nil on unary responses
	}
)

// Total returns input plus output tokens.
func (u Usage) Total() int { return u.InputTokens + u.OutputTokens }

// Provider is implemented by every upstream client.
type Provider interface {
	Name() string
	Request(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	HealthCheck(ctx context.Context) error
}

// ModelAliases routes a requested model name to the provider that
// serves it. Model names outside this table are rejected before any
// upstream call is made.
var ModelAliases = map[string]string{

	// OpenAI
	"gpt-4":                  "openai",
	"gpt-4o":                 "openai",
	"gpt-4o-2024-11-20":      "openai",
	"gpt-4o-2024-08-06":      "openai",
	"gpt-4o-mini":            "openai",
	"gpt-4o-mini-2024-07-18": "openai",
	"gpt-4-turbo":            "openai",
	"gpt-3.5-turbo":          "openai",
	"o1":                     "openai",
	"o1-mini":                "openai",
	"o3":                     "openai",
	"o3-mini":                "openai",
	"o4-mini":                "openai",
	"gpt-4.1":                "openai",
	"gpt-4.1-mini":           "openai",
	"gpt-4.1-nano":           "openai",

	// Anthropic
	"claude-3-5-sonnet":          "anthropic",
	"claude-3-5-sonnet-20241022": "anthropic",
	"claude-3-5-haiku":           "anthropic",
	"claude-3-5-haiku-20241022":  "anthropic",
	"claude-3-opus":              "anthropic",
	"claude-3-haiku":             "anthropic",
	"claude-3-7-sonnet":          "anthropic",
	"claude-opus-4":              "anthropic",
	"claude-sonnet-4":            "anthropic",
	"claude-haiku-4":             "anthropic",

	// Google AI Studio
	"gemini-1.5-pro":        "gemini",
	"gemini-1.5-flash":      "gemini",
	"gemini-1.5-flash-8b":   "gemini",
	"gemini-2.0-flash":      "gemini",
	"gemini-2.0-flash-lite": "gemini",
	"gemini-2.5-pro":        "gemini",
	"gemini-2.5-flash":      "gemini",
	"gemma-3-27b-it":        "gemini",
	"gemma-2-9b-it":         "gemini",

	// Mistral (OpenAI-compatible)
	"mistral-large-latest": "mistral",
	"mistral-small-latest": "mistral",
	"mistral-large":        "mistral",
	"mistral-nemo":         "mistral",
	"mixtral-8x7b":         "mistral",
	"codestral-latest":     "mistral",
	"ministral-8b-latest":  "mistral",

	// xAI (OpenAI-compatible)
	"grok-3":      "xai",
	"grok-3-fast": "xai",
	"grok-3-mini": "xai",
	"grok-2":      "xai",
	"grok-beta":   "xai",

	// DeepSeek (OpenAI-compatible)
	"deepseek-chat":     "deepseek",
	"deepseek-reasoner": "deepseek",

	// Groq (OpenAI-compatible)
	"llama-3.3-70b-versatile": "groq",
	"llama-3.1-8b-instant":    "groq",
	"llama3-70b-8192":         "groq",
	"gemma2-9b-it":            "groq",
}

// DefaultFallbackOrder lists the providers tried, in order, after the
// primary fails. Providers not configured at startup are skipped.
var DefaultFallbackOrder = []string{
	"openai",
	"anthropic",
	"gemini",
	"mistral",
	"xai",
	"groq",
}

// Defaults for circuit breaking, failover and upstream timeouts.
const (
	CBErrorThreshold  = 5
	CBTimeWindow      = 60 * time.Second
	CBHalfOpenTimeout = 30 * time.Second
	MaxRetries        = 3
	ProviderTimeout   = 30 * time.Second
	StreamTimeout     = 5 * time.Minute
)

// StatusCoder is implemented by provider errors that carry the upstream
// HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}
