package gateway

import "testing"

func TestResolveProvider(t *testing.T) {
	cases := []struct {
		model    string
		provider string
	}{
		{"gpt-4o", "openai"},
		{"gpt-4o-mini", "openai"},
		{"o3-mini", "openai"},
		{"claude-3-5-sonnet", "anthropic"},
		{"claude-sonnet-4", "anthropic"},
		{"gemini-2.0-flash", "gemini"},
		{"mistral-large-latest", "mistral"},
	}

	for _, c := range cases {
		got, ok := resolveProvider(c.model)
		if !ok {
			t.Errorf("%s: expected model to be known", c.model)
			continue
		}
		if got != c.provider {
			t.Errorf("%s: expected %s, got %s", c.model, c.provider, got)
		}
	}
}

func TestResolveProvider_UnknownModel(t *testing.T) {
	for _, model := range []string{"", "gpt-99", "llama-homemade"} {
		if _, ok := resolveProvider(model); ok {
			t.Errorf("%q should be unknown", model)
		}
	}
}
