// Package ollama provides the Ollama completion client for locally hosted models.
package ollama

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"

	"stageengine/pkg/config"
	"stageengine/pkg/engineerr"
	"stageengine/pkg/llm"
)

// DefaultHost is used when no host URL is configured.
const DefaultHost = "http://localhost:11434"

// Client wraps the Ollama API client to implement llm.LLMClient.
type Client struct {
	client *api.Client
	model  string
}

// NewClient creates a client for hostURL (e.g. "http://localhost:11434").
func NewClient(hostURL, model string, httpClient *http.Client) llm.LLMClient {
	if hostURL == "" {
		hostURL = DefaultHost
	}
	if model == "" {
		model = config.ModelOllamaDefault
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	parsed, err := url.Parse(hostURL)
	if err != nil {
		parsed, _ = url.Parse(DefaultHost)
	}
	return &Client{
		client: api.NewClient(parsed, httpClient),
		model:  strings.TrimPrefix(model, "ollama:"),
	}
}

func toMessages(messages []llm.CompletionMessage) ([]api.Message, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("message list cannot be empty")
	}
	out := make([]api.Message, 0, len(messages))
	for i := range messages {
		out = append(out, api.Message{Role: string(messages[i].Role), Content: messages[i].Content})
	}
	return out, nil
}

// Complete implements llm.LLMClient.
func (o *Client) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	messages, err := toMessages(in.Messages)
	if err != nil {
		return llm.CompletionResponse{}, engineerr.Validation("ollama complete", "message conversion error: %v", err)
	}

	stream := false
	req := &api.ChatRequest{
		Model:    o.model,
		Messages: messages,
		Stream:   &stream,
		Options: map[string]any{
			"temperature": in.Temperature,
			"num_predict": in.MaxTokens,
		},
	}

	var response api.ChatResponse
	err = o.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		response = resp
		return nil
	})
	if err != nil {
		return llm.CompletionResponse{}, classifyError(err)
	}

	return llm.CompletionResponse{
		Content:    response.Message.Content,
		StopReason: stopReason(&response),
	}, nil
}

// Stream implements llm.LLMClient on top of Complete.
func (o *Client) Stream(ctx context.Context, in llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	return llm.CompleteAsStream(ctx, o, in), nil
}

// GetModelName returns the model name for this client.
func (o *Client) GetModelName() string {
	return o.model
}

func stopReason(resp *api.ChatResponse) string {
	if !resp.Done {
		return "incomplete"
	}
	switch resp.DoneReason {
	case "stop", "":
		return "end_turn"
	case "length":
		return "max_tokens"
	default:
		return resp.DoneReason
	}
}

func classifyError(err error) error {
	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		if statusErr.StatusCode == http.StatusNotFound {
			return engineerr.Wrap(engineerr.CategoryValidation, "ollama complete", err, "Ollama model not found")
		}
		return engineerr.FromStatus("ollama complete", statusErr.StatusCode, err)
	}
	if strings.Contains(err.Error(), "connection refused") {
		return engineerr.Wrap(engineerr.CategoryNetwork, "ollama complete", err, "Ollama server not reachable")
	}
	return engineerr.Classify("ollama complete", err)
}
