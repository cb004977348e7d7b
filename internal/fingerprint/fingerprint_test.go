package fingerprint

import (
	"strings"
	"testing"
)

var baseMessages = []Message{
	{Role: "system", Content: "You are helpful."},
	{Role: "user", Content: "Hello"},
}

func TestDigest_Deterministic(t *testing.T) {
	a := Digest("gpt-4o", baseMessages, 0.7, 256)
	b := Digest("gpt-4o", baseMessages, 0.7, 256)
	if a != b {
		t.Fatalf("same inputs produced different digests: %s vs %s", a, b)
	}
	if !strings.HasPrefix(a, "resp:") {
		t.Fatalf("digest missing namespace prefix: %s", a)
	}
}

func TestDigest_AnyFieldChangesDigest(t *testing.T) {
	base := Digest("gpt-4o", baseMessages, 0.7, 256)

	variants := map[string]string{
		"model":       Digest("gpt-4o-mini", baseMessages, 0.7, 256),
		"temperature": Digest("gpt-4o", baseMessages, 0.8, 256),
		"max_tokens":  Digest("gpt-4o", baseMessages, 0.7, 512),
		"content": Digest("gpt-4o", []Message{
			{Role: "system", Content: "You are helpful."},
			{Role: "user", Content: "Hello!"},
		}, 0.7, 256),
		"role": Digest("gpt-4o", []Message{
			{Role: "user", Content: "You are helpful."},
			{Role: "user", Content: "Hello"},
		}, 0.7, 256),
		"order": Digest("gpt-4o", []Message{
			{Role: "user", Content: "Hello"},
			{Role: "system", Content: "You are helpful."},
		}, 0.7, 256),
	}

	for field, d := range variants {
		if d == base {
			t.Errorf("changing %s did not change the digest", field)
		}
	}
}

func TestDigest_TemperaturePrecision(t *testing.T) {
	// 0.7 and 0.70 are the same temperature and must collide.
	a := Digest("gpt-4o", baseMessages, 0.7, 0)
	b := Digest("gpt-4o", baseMessages, 0.70, 0)
	if a != b {
		t.Fatal("equivalent temperatures produced different digests")
	}
}

func TestDigest_NilAndEmptyMessagesEqual(t *testing.T) {
	if Digest("gpt-4o", nil, 0, 0) != Digest("gpt-4o", []Message{}, 0, 0) {
		t.Fatal("nil and empty message slices must hash identically")
	}
}
