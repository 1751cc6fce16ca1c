package llm

import (
	"fmt"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// TokenCounter estimates token counts. All providers are approximated with the GPT-4 encoding.
type TokenCounter struct {
	codec tokenizer.Codec
}

// NewTokenCounter creates a token counter.
func NewTokenCounter() (*TokenCounter, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer codec: %w", err)
	}
	return &TokenCounter{codec: codec}, nil
}

// CountTokens returns the number of tokens in text, falling back to len/4 on error.
func (tc *TokenCounter) CountTokens(text string) int {
	if tc == nil || tc.codec == nil {
		return len(text) / 4
	}
	count, err := tc.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return count
}

//nolint:gochecknoglobals // codec construction is expensive
var (
	sharedCounter     *TokenCounter
	sharedCounterOnce sync.Once
)

// CountTokens counts tokens with a lazily built shared counter.
func CountTokens(text string) int {
	sharedCounterOnce.Do(func() {
		sharedCounter, _ = NewTokenCounter()
	})
	return sharedCounter.CountTokens(text)
}

// PromptText joins all message contents, one per line.
func PromptText(req CompletionRequest) string {
	var n int
	for i := range req.Messages {
		n += len(req.Messages[i].Content) + 1
	}
	buf := make([]byte, 0, n)
	for i := range req.Messages {
		buf = append(buf, req.Messages[i].Content...)
		buf = append(buf, '\n')
	}
	return string(buf)
}
