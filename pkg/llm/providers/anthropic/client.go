// Package anthropic provides the Anthropic Claude completion client.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"stageengine/pkg/config"
	"stageengine/pkg/engineerr"
	"stageengine/pkg/llm"
)

// ClaudeClient wraps the Anthropic Messages API to implement llm.LLMClient.
//
//nolint:govet // simple client struct
type ClaudeClient struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewClaudeClient creates a raw client; middleware is applied by the factory.
func NewClaudeClient(apiKey, model string, opts ...option.RequestOption) llm.LLMClient {
	if model == "" {
		model = config.ModelClaudeSonnetLatest
	}
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}, opts...)
	return &ClaudeClient{
		client: anthropic.NewClient(opts...),
		model:  anthropic.Model(model),
	}
}

// splitSystem pulls system messages out and merges consecutive same-role messages,
// since the Messages API requires strict user/assistant alternation.
func splitSystem(messages []llm.CompletionMessage) (string, []llm.CompletionMessage, error) {
	var system []string
	var merged []llm.CompletionMessage

	for i := range messages {
		msg := messages[i]
		switch msg.Role {
		case llm.RoleSystem:
			system = append(system, msg.Content)
			continue
		case llm.RoleUser, llm.RoleAssistant:
		default:
			return "", nil, fmt.Errorf("unsupported message role %q", msg.Role)
		}
		if strings.TrimSpace(msg.Content) == "" {
			continue
		}
		if n := len(merged); n > 0 && merged[n-1].Role == msg.Role {
			merged[n-1].Content += "\n\n" + msg.Content
			continue
		}
		merged = append(merged, msg)
	}

	if len(merged) == 0 {
		return "", nil, fmt.Errorf("no user content to send")
	}
	if merged[0].Role != llm.RoleUser {
		return "", nil, fmt.Errorf("first message must be from the user, got %q", merged[0].Role)
	}
	return strings.Join(system, "\n\n"), merged, nil
}

// Complete implements llm.LLMClient.
func (c *ClaudeClient) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	systemPrompt, msgs, err := splitSystem(in.Messages)
	if err != nil {
		return llm.CompletionResponse{}, engineerr.Validation("anthropic complete", "message conversion error: %v", err)
	}

	messages := make([]anthropic.MessageParam, 0, len(msgs))
	for i := range msgs {
		block := anthropic.NewTextBlock(msgs[i].Content)
		if msgs[i].Role == llm.RoleAssistant {
			messages = append(messages, anthropic.NewAssistantMessage(block))
		} else {
			messages = append(messages, anthropic.NewUserMessage(block))
		}
	}

	params := anthropic.MessageNewParams{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   int64(in.MaxTokens),
		Temperature: anthropic.Float(float64(in.Temperature)),
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return llm.CompletionResponse{}, classifyError(err)
	}
	if resp == nil || len(resp.Content) == 0 {
		return llm.CompletionResponse{}, engineerr.Processing("anthropic complete", "received empty response from Claude API")
	}

	var text strings.Builder
	for i := range resp.Content {
		if resp.Content[i].Type == "text" {
			text.WriteString(resp.Content[i].AsText().Text)
		}
	}

	return llm.CompletionResponse{
		Content:    text.String(),
		StopReason: string(resp.StopReason),
	}, nil
}

// Stream implements llm.LLMClient on top of Complete.
func (c *ClaudeClient) Stream(ctx context.Context, in llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	return llm.CompleteAsStream(ctx, c, in), nil
}

// GetModelName returns the model name for this client.
func (c *ClaudeClient) GetModelName() string {
	return string(c.model)
}

// classifyError maps Anthropic SDK errors onto the engine taxonomy.
func classifyError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return engineerr.FromStatus("anthropic complete", apiErr.StatusCode, err)
	}
	return engineerr.Classify("anthropic complete", err)
}
