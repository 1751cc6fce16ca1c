// Package invoker sends a composed prompt to the completion service and returns raw text.
//
// The client handed to New is normally the provider wrapped by providers.Wrap, so retry
// with backoff and per-request timeouts already apply; the invoker adds request shaping,
// call metadata for metrics and failure classification.
package invoker

import (
	"context"
	"fmt"
	"strings"

	"stageengine/pkg/config"
	"stageengine/pkg/engineerr"
	"stageengine/pkg/llm"
	"stageengine/pkg/logx"
)

// Invoker calls the completion service.
type Invoker struct {
	client    llm.LLMClient
	logger    *logx.Logger
	maxTokens int
}

// New creates an Invoker. maxTokens <= 0 uses config.DefaultMaxTokens.
func New(client llm.LLMClient, maxTokens int) *Invoker {
	if maxTokens <= 0 {
		maxTokens = config.DefaultMaxTokens
	}
	return &Invoker{
		client:    client,
		logger:    logx.NewLogger("invoker"),
		maxTokens: maxTokens,
	}
}

// ModelName returns the model behind the invoker.
func (i *Invoker) ModelName() string {
	return i.client.GetModelName()
}

// EffectiveTemperature maps an agent temperature to the value sent to the model.
// Zero means unset and becomes llm.TemperatureDefault.
func EffectiveTemperature(t float64) float64 {
	if t == 0 {
		return llm.TemperatureDefault
	}
	return t
}

// Invoke sends prompt as a single user message. Every error it returns is classified.
// Call metadata already on ctx (llm.WithCallInfo) is carried to the middleware.
func (i *Invoker) Invoke(ctx context.Context, prompt string, temperature float64) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", engineerr.Validation("invoke", "prompt is empty")
	}

	req := llm.NewCompletionRequest([]llm.CompletionMessage{llm.NewUserMessage(prompt)})
	req.MaxTokens = i.maxTokens
	req.Temperature = float32(EffectiveTemperature(temperature))
	if err := req.Validate(); err != nil {
		return "", engineerr.Wrap(engineerr.CategoryValidation, "invoke", err, "invalid completion request")
	}

	info := llm.CallInfoFrom(ctx)
	logx.Debug(ctx, "invoker", "invoking model=%s agent=%s step=%s temperature=%.2f prompt_chars=%d",
		i.client.GetModelName(), info.AgentID, info.StepID, req.Temperature, len(prompt))

	resp, err := i.client.Complete(ctx, req)
	if err != nil {
		classified := engineerr.Classify("invoke", err)
		i.logger.Warn("completion failed for agent=%s step=%s: %v", info.AgentID, info.StepID, classified)
		return "", classified
	}

	if resp.StopReason == "max_tokens" || resp.StopReason == "length" {
		i.logger.Warn("completion for step %s stopped at the %d token limit", info.StepID, i.maxTokens)
	}
	return resp.Content, nil
}

// String implements fmt.Stringer.
func (i *Invoker) String() string {
	return fmt.Sprintf("invoker(model=%s, max_tokens=%d)", i.client.GetModelName(), i.maxTokens)
}
