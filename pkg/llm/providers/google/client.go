// Package google provides the Google Gemini completion client.
package google

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"google.golang.org/genai"

	"stageengine/pkg/config"
	"stageengine/pkg/engineerr"
	"stageengine/pkg/llm"
)

// GeminiClient wraps the Google GenAI client to implement llm.LLMClient.
type GeminiClient struct {
	client  *genai.Client
	apiKey  string
	model   string
	baseURL string
	mu      sync.Mutex
}

// NewGeminiClient creates a raw client. The SDK client needs a context, so it is built on first use.
func NewGeminiClient(apiKey, model, baseURL string) llm.LLMClient {
	if model == "" {
		model = config.ModelGeminiDefault
	}
	return &GeminiClient{apiKey: apiKey, model: model, baseURL: baseURL}
}

func (g *GeminiClient) sdk(ctx context.Context) (*genai.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.client != nil {
		return g.client, nil
	}
	cfg := &genai.ClientConfig{
		APIKey:  g.apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if g.baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: g.baseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, engineerr.System("gemini client", fmt.Errorf("failed to create Gemini client: %w", err))
	}
	g.client = client
	return client, nil
}

// toContents converts messages into Gemini contents plus a system instruction.
func toContents(messages []llm.CompletionMessage) ([]*genai.Content, string, error) {
	var system []string
	var contents []*genai.Content

	for i := range messages {
		msg := &messages[i]
		var role genai.Role
		switch msg.Role {
		case llm.RoleSystem:
			system = append(system, msg.Content)
			continue
		case llm.RoleUser:
			role = genai.RoleUser
		case llm.RoleAssistant:
			role = genai.RoleModel
		default:
			return nil, "", fmt.Errorf("unsupported message role: %s", msg.Role)
		}
		if msg.Content == "" {
			continue
		}
		contents = append(contents, genai.NewContentFromText(msg.Content, role))
	}

	if len(contents) == 0 {
		return nil, "", fmt.Errorf("message list has no user content")
	}
	return contents, strings.Join(system, "\n\n"), nil
}

// Complete implements llm.LLMClient.
func (g *GeminiClient) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	contents, systemInstruction, err := toContents(in.Messages)
	if err != nil {
		return llm.CompletionResponse{}, engineerr.Validation("gemini complete", "message conversion error: %v", err)
	}

	client, err := g.sdk(ctx)
	if err != nil {
		return llm.CompletionResponse{}, err
	}

	temperature := in.Temperature
	//nolint:gosec // MaxTokens validated upstream
	cfg := &genai.GenerateContentConfig{
		Temperature:     &temperature,
		MaxOutputTokens: int32(in.MaxTokens),
	}
	if systemInstruction != "" {
		cfg.SystemInstruction = genai.NewContentFromText(systemInstruction, genai.RoleUser)
	}

	result, err := client.Models.GenerateContent(ctx, g.model, contents, cfg)
	if err != nil {
		return llm.CompletionResponse{}, engineerr.Classify("gemini complete", err)
	}
	if result == nil || len(result.Candidates) == 0 {
		return llm.CompletionResponse{}, engineerr.Processing("gemini complete", "empty response from Gemini API")
	}

	stop := "end_turn"
	if reason := result.Candidates[0].FinishReason; reason != "" {
		stop = strings.ToLower(string(reason))
	}
	return llm.CompletionResponse{
		Content:    result.Text(),
		StopReason: stop,
	}, nil
}

// Stream implements llm.LLMClient on top of Complete.
func (g *GeminiClient) Stream(ctx context.Context, in llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	return llm.CompleteAsStream(ctx, g, in), nil
}

// GetModelName returns the model name for this client.
func (g *GeminiClient) GetModelName() string {
	return g.model
}
