package mocks

import (
	"context"
	"strings"
	"sync"

	"stageengine/pkg/llm"
)

// MockLLMClient implements llm.LLMClient for testing.
// It provides configurable behavior for Complete and Stream operations.
//
//nolint:govet // fieldalignment: mock struct layout optimized for readability
type MockLLMClient struct {
	// CompleteFunc is called when Complete is invoked. Override to customize behavior.
	CompleteFunc func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error)

	// CompleteCalls tracks all calls to Complete for verification.
	CompleteCalls []llm.CompletionRequest

	modelName string

	// mu protects CompleteCalls and CompleteFunc swaps
	mu sync.Mutex
}

// NewMockLLMClient creates a mock whose Complete returns a fixed, long-enough response.
func NewMockLLMClient() *MockLLMClient {
	m := &MockLLMClient{modelName: "mock-model"}
	m.RespondWith("Mock response with enough content to satisfy the minimum output length check.")
	return m
}

// Complete implements llm.LLMClient.
func (m *MockLLMClient) Complete(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
	m.mu.Lock()
	m.CompleteCalls = append(m.CompleteCalls, req)
	fn := m.CompleteFunc
	m.mu.Unlock()
	return fn(ctx, req)
}

// Stream implements llm.LLMClient.
func (m *MockLLMClient) Stream(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	return llm.CompleteAsStream(ctx, m, req), nil
}

// GetModelName implements llm.LLMClient.
func (m *MockLLMClient) GetModelName() string {
	return m.modelName
}

// SetModelName sets the model name returned by GetModelName.
func (m *MockLLMClient) SetModelName(name string) {
	m.modelName = name
}

// OnComplete sets a custom handler for Complete calls.
func (m *MockLLMClient) OnComplete(fn func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CompleteFunc = fn
}

// FailCompleteWith configures Complete to return the specified error.
func (m *MockLLMClient) FailCompleteWith(err error) {
	m.OnComplete(func(_ context.Context, _ llm.CompletionRequest) (llm.CompletionResponse, error) {
		return llm.CompletionResponse{}, err
	})
}

// RespondWith configures Complete to return the specified content.
func (m *MockLLMClient) RespondWith(content string) {
	m.OnComplete(func(_ context.Context, _ llm.CompletionRequest) (llm.CompletionResponse, error) {
		return llm.CompletionResponse{Content: content, StopReason: "end_turn"}, nil
	})
}

// RespondByPrompt routes each call to fn with the joined prompt text.
func (m *MockLLMClient) RespondByPrompt(fn func(prompt string) (string, error)) {
	m.OnComplete(func(_ context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
		content, err := fn(llm.PromptText(req))
		if err != nil {
			return llm.CompletionResponse{}, err
		}
		return llm.CompletionResponse{Content: content, StopReason: "end_turn"}, nil
	})
}

// RespondWithSequence returns responses in order, repeating the last one.
// A response with an empty Content and non-nil error entry in errs fails that call.
func (m *MockLLMClient) RespondWithSequence(responses []string, errs []error) {
	var idx int
	var seqMu sync.Mutex
	m.OnComplete(func(_ context.Context, _ llm.CompletionRequest) (llm.CompletionResponse, error) {
		seqMu.Lock()
		i := idx
		idx++
		seqMu.Unlock()

		if i < len(errs) && errs[i] != nil {
			return llm.CompletionResponse{}, errs[i]
		}
		if i >= len(responses) {
			i = len(responses) - 1
		}
		return llm.CompletionResponse{Content: responses[i], StopReason: "end_turn"}, nil
	})
}

// Reset clears all recorded calls.
func (m *MockLLMClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CompleteCalls = nil
}

// GetCompleteCallCount returns the number of times Complete was called.
func (m *MockLLMClient) GetCompleteCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.CompleteCalls)
}

// LastCompleteCall returns the most recent Complete request, or nil if none.
func (m *MockLLMClient) LastCompleteCall() *llm.CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.CompleteCalls) == 0 {
		return nil
	}
	return &m.CompleteCalls[len(m.CompleteCalls)-1]
}

// Prompts returns the joined prompt text of every recorded call, in call order.
func (m *MockLLMClient) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.CompleteCalls))
	for i := range m.CompleteCalls {
		out[i] = llm.PromptText(m.CompleteCalls[i])
	}
	return out
}

// AssertCompleteCalledWith reports whether any call contained substr.
func (m *MockLLMClient) AssertCompleteCalledWith(substr string) bool {
	for _, p := range m.Prompts() {
		if strings.Contains(p, substr) {
			return true
		}
	}
	return false
}
