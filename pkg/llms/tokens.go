package llms

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// fallbackCharsPerToken is the estimate used when no encoder is available,
// and when initializing usage for a resumed session from raw history text.
const fallbackCharsPerToken = 4

var (
	encOnce sync.Once
	encoder *tiktoken.Tiktoken
)

// EstimateTokens approximates the token count of text. Uses the cl100k_base
// encoding when available, otherwise ~4 characters per token. Best-effort
// only: providers report authoritative usage per request.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	encOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoder = enc
		}
	})
	if encoder != nil {
		return len(encoder.Encode(text, nil, nil))
	}
	n := len(text) / fallbackCharsPerToken
	if n == 0 {
		n = 1
	}
	return n
}

// EstimateMessagesTokens sums the estimate over a message slice, adding a
// small per-message overhead for role framing.
func EstimateMessagesTokens(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += EstimateTokens(m.Content) + 4
		for _, tc := range m.ToolCalls {
			total += EstimateTokens(string(tc.Args))
		}
		for _, tr := range m.ToolResults {
			total += EstimateTokens(tr.Content)
		}
	}
	return total
}
