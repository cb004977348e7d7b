// Package fingerprint derives a stable digest for a completion request.
//
// Two logically identical requests always produce the same digest; changing
// any field produces a different one. The digest keys the response cache and
// is not used for anything security-sensitive.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Message is one conversation turn included in the digest.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// canonical is the serialized form. Field order is fixed by the struct, and
// temperature is rendered with fixed precision so 0.7 and 0.70 collide.
type canonical struct {
	Model       string    `json:"m"`
	Temperature string    `json:"t"`
	MaxTokens   int       `json:"mt"`
	Messages    []Message `json:"msgs"`
}

// Digest returns the hex SHA-256 of the canonical request tuple, prefixed for
// use as a namespaced store key.
func Digest(model string, messages []Message, temperature float64, maxTokens int) string {
	msgs := messages
	if msgs == nil {
		msgs = []Message{}
	}
	data, _ := json.Marshal(canonical{
		Model:       model,
		Temperature: fmt.Sprintf("%.4f", temperature),
		MaxTokens:   maxTokens,
		Messages:    msgs,
	})
	sum := sha256.Sum256(data)
	return "resp:" + hex.EncodeToString(sum[:])
}
