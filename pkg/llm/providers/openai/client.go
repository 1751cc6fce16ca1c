// Package openai provides the OpenAI completion client built on the Responses API.
package openai

import (
	"context"
	"errors"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"

	"stageengine/pkg/config"
	"stageengine/pkg/engineerr"
	"stageengine/pkg/llm"
)

// Client wraps the official OpenAI Go client to implement llm.LLMClient.
//
//nolint:govet // simple struct
type Client struct {
	client openai.Client
	model  string
}

// NewClient creates a raw client; middleware is applied by the factory.
func NewClient(apiKey, model string, opts ...option.RequestOption) llm.LLMClient {
	if model == "" {
		model = config.ModelOpenAIDefault
	}
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}, opts...)
	return &Client{
		client: openai.NewClient(opts...),
		model:  model,
	}
}

// reasoningModel reports whether the model rejects sampling parameters.
func reasoningModel(model string) bool {
	for _, prefix := range []string{"o1", "o3", "o4", "gpt-5"} {
		if strings.HasPrefix(model, prefix) {
			return true
		}
	}
	return false
}

// Complete implements llm.LLMClient.
func (c *Client) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	var instructions, input strings.Builder
	for i := range in.Messages {
		msg := &in.Messages[i]
		switch msg.Role {
		case llm.RoleSystem:
			if instructions.Len() > 0 {
				instructions.WriteString("\n\n")
			}
			instructions.WriteString(msg.Content)
		case llm.RoleAssistant:
			input.WriteString("Assistant: ")
			input.WriteString(msg.Content)
			input.WriteString("\n\n")
		default:
			input.WriteString(msg.Content)
		}
	}
	if strings.TrimSpace(input.String()) == "" {
		return llm.CompletionResponse{}, engineerr.Validation("openai complete", "no user content to send")
	}

	maxTokens := in.MaxTokens
	if info, ok := config.KnownModels[c.model]; ok && info.MaxOutputTokens > 0 && maxTokens > info.MaxOutputTokens {
		maxTokens = info.MaxOutputTokens
	}

	params := responses.ResponseNewParams{
		Model:           c.model,
		MaxOutputTokens: openai.Int(int64(maxTokens)),
		Input:           responses.ResponseNewParamsInputUnion{OfString: openai.String(input.String())},
	}
	if instructions.Len() > 0 {
		params.Instructions = openai.String(instructions.String())
	}
	if !reasoningModel(c.model) {
		params.Temperature = openai.Float(float64(in.Temperature))
	}

	resp, err := c.client.Responses.New(ctx, params)
	if err != nil {
		return llm.CompletionResponse{}, classifyError(err)
	}
	if resp == nil {
		return llm.CompletionResponse{}, engineerr.Processing("openai complete", "empty response from OpenAI Responses API")
	}

	return llm.CompletionResponse{
		Content:    resp.OutputText(),
		StopReason: string(resp.Status),
	}, nil
}

// Stream implements llm.LLMClient on top of Complete.
func (c *Client) Stream(ctx context.Context, in llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	return llm.CompleteAsStream(ctx, c, in), nil
}

// GetModelName returns the model name for this client.
func (c *Client) GetModelName() string {
	return c.model
}

func classifyError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return engineerr.FromStatus("openai complete", apiErr.StatusCode, err)
	}
	return engineerr.Classify("openai complete", err)
}
