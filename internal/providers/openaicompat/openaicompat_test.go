package openaicompat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/chargegate/chargegate/internal/providers"
)

func compatProvider(srv *httptest.Server) *Provider {
	return New("mistral", "test-secret", srv.URL)
}

func chatReq() *providers.ChatRequest {
	return &providers.ChatRequest{
		Model:     "mistral-large-latest",
		Messages:  []providers.Message{{Role: "user", Content: "ping"}},
		RequestID: "req-t1",
	}
}

func TestProviderName(t *testing.T) {
	p := New("xai", "key", "https://api.x.ai/v1")
	if got := p.Name(); got != "xai" {
		t.Fatalf("Name() = %q, want xai", got)
	}
}

func TestUnaryCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s, want /chat/completions", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-secret" {
			t.Errorf("Authorization = %q", got)
		}

		var body chatRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if body.Model != "mistral-large-latest" {
			t.Errorf("model = %q", body.Model)
		}
		if len(body.Messages) != 1 || body.Messages[0].Content != "ping" {
			t.Errorf("messages = %v", body.Messages)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(chatResponse{
			ID:    "cmpl-t1",
			Model: "mistral-large-latest",
			Choices: []choice{
				{Message: &chatMessage{Role: "assistant", Content: "pong"}},
			},
			Usage: &usage{PromptTokens: 11, CompletionTokens: 3},
		})
	}))
	defer srv.Close()

	resp, err := compatProvider(srv).Request(context.Background(), chatReq())
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if resp.ID != "cmpl-t1" {
		t.Errorf("ID = %q", resp.ID)
	}
	if resp.Content != "pong" {
		t.Errorf("Content = %q", resp.Content)
	}
	if resp.Usage.InputTokens != 11 || resp.Usage.OutputTokens != 3 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestStreamingCompletion(t *testing.T) {
	frames := []string{
		`{"id":"cmpl-s1","choices":[{"delta":{"role":"assistant","content":"one"},"finish_reason":null}]}`,
		`{"id":"cmpl-s1","choices":[{"delta":{"content":" two"},"finish_reason":null}]}`,
		`{"id":"cmpl-s1","choices":[{"delta":{},"finish_reason":"stop"}]}`,
		`{"id":"cmpl-s1","choices":[],"usage":{"prompt_tokens":11,"completion_tokens":2}}`,
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Accept"); got != "text/event-stream" {
			t.Errorf("Accept = %q", got)
		}

		var body chatRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if body.StreamOptions == nil || !body.StreamOptions.IncludeUsage {
			t.Error("stream_options.include_usage not set on a streaming request")
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)

		flusher, ok := w.(http.Flusher)
		for _, frame := range frames {
			fmt.Fprintf(w, "data: %s\n\n", frame)
			if ok {
				flusher.Flush()
			}
		}
		fmt.Fprintln(w, "data: [DONE]")
	}))
	defer srv.Close()

	req := chatReq()
	req.Stream = true

	resp, err := compatProvider(srv).Request(context.Background(), req)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if resp.Stream == nil {
		t.Fatal("Stream channel is nil")
	}

	var (
		content string
		finish  string
		use     *providers.Usage
	)
	for chunk := range resp.Stream {
		content += chunk.Content
		if chunk.FinishReason != "" {
			finish = chunk.FinishReason
		}
		if chunk.Usage != nil {
			use = chunk.Usage
		}
	}

	if content != "one two" {
		t.Errorf("content = %q", content)
	}
	if finish != "stop" {
		t.Errorf("finish_reason = %q", finish)
	}
	if use == nil {
		t.Fatal("no usage frame arrived before [DONE]")
	}
	if use.InputTokens != 11 || use.OutputTokens != 2 {
		t.Errorf("usage = %+v", use)
	}
}

func TestStreamingDropsMalformedFrames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, `data: {"id":"cmpl-s2","choices":[{"delta":{"content":"a"},"finish_reason":null}]}`)
		fmt.Fprintln(w, `data: {garbage`)
		fmt.Fprintln(w, `data: {"id":"cmpl-s2","choices":[{"delta":{"content":"b"},"finish_reason":"stop"}]}`)
		fmt.Fprintln(w, "data: [DONE]")
	}))
	defer srv.Close()

	req := chatReq()
	req.Stream = true

	resp, err := compatProvider(srv).Request(context.Background(), req)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	var content string
	for chunk := range resp.Stream {
		content += chunk.Content
	}
	if content != "ab" {
		t.Errorf("content = %q, want ab", content)
	}
}

func TestRateLimitedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(chatResponse{
			Error: &apiErr{
				Message: "Rate limit exceeded",
				Type:    "rate_limit_error",
				Code:    "rate_limit_exceeded",
			},
		})
	}))
	defer srv.Close()

	_, err := compatProvider(srv).Request(context.Background(), chatReq())
	if err == nil {
		t.Fatal("expected an error for a 429 response")
	}

	var provErr *ProviderError
	if !errors.As(err, &provErr) {
		t.Fatalf("error type = %T: %v", err, err)
	}
	if provErr.StatusCode != http.StatusTooManyRequests {
		t.Errorf("StatusCode = %d", provErr.StatusCode)
	}
	if provErr.HTTPStatus() != http.StatusTooManyRequests {
		t.Errorf("HTTPStatus() = %d", provErr.HTTPStatus())
	}
}

func TestZeroValueFieldsOmitted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}

		for _, field := range []string{"temperature", "max_tokens", "stream", "stream_options"} {
			if _, ok := body[field]; ok {
				t.Errorf("%s present in a request that never set it", field)
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(chatResponse{
			ID: "cmpl-t2",
			Choices: []choice{
				{Message: &chatMessage{Role: "assistant", Content: "ok"}},
			},
		})
	}))
	defer srv.Close()

	if _, err := compatProvider(srv).Request(context.Background(), chatReq()); err != nil {
		t.Fatalf("Request: %v", err)
	}
}

func TestHealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			t.Errorf("path = %s, want /models", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if err := compatProvider(srv).HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
}

func TestHealthCheckFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	if err := compatProvider(srv).HealthCheck(context.Background()); err == nil {
		t.Fatal("expected an error for a 401 response")
	}
}
