package metrics

import (
	"context"
	"time"

	"stageengine/pkg/engineerr"
	"stageengine/pkg/llm"
	"stageengine/pkg/logx"
)

// UsageExtractor returns token usage for a request/response pair.
type UsageExtractor func(req llm.CompletionRequest, resp llm.CompletionResponse) (promptTokens, completionTokens int)

// DefaultUsageExtractor estimates usage with tiktoken.
func DefaultUsageExtractor(req llm.CompletionRequest, resp llm.CompletionResponse) (promptTokens, completionTokens int) {
	return llm.CountTokens(llm.PromptText(req)), llm.CountTokens(resp.Content)
}

// Middleware records latency, token usage and failure categories for completion calls.
// Agent and stage labels come from llm.CallInfo on the request context.
func Middleware(recorder Recorder, usageExtractor UsageExtractor, logger *logx.Logger) llm.Middleware {
	if usageExtractor == nil {
		usageExtractor = DefaultUsageExtractor
	}

	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				start := time.Now()
				resp, err := next.Complete(ctx, req)
				duration := time.Since(start)

				info := llm.CallInfoFrom(ctx)
				r := Request{
					Model:    next.GetModelName(),
					AgentID:  info.AgentID,
					StageID:  info.StageID,
					Duration: duration,
					Success:  err == nil,
				}
				if err == nil {
					r.PromptTokens, r.CompletionTokens = usageExtractor(req, resp)
				} else {
					r.ErrorCategory = engineerr.CategoryOf(err).String()
				}
				recorder.ObserveRequest(r)

				if logger != nil {
					status := "success"
					if err != nil {
						status = "error:" + r.ErrorCategory
					}
					logger.Info("LLM request: model=%s agent=%s step=%s tokens=%d+%d status=%s duration=%dms",
						r.Model, info.AgentID, info.StepID, r.PromptTokens, r.CompletionTokens, status, duration.Milliseconds())
				}

				return resp, err //nolint:wrapcheck // pass-through
			},
			func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
				start := time.Now()
				ch, err := next.Stream(ctx, req)

				info := llm.CallInfoFrom(ctx)
				r := Request{
					Model:    next.GetModelName(),
					AgentID:  info.AgentID,
					StageID:  info.StageID,
					Duration: time.Since(start),
					Success:  err == nil,
				}
				if err != nil {
					r.ErrorCategory = engineerr.CategoryOf(err).String()
				}
				recorder.ObserveRequest(r)
				return ch, err //nolint:wrapcheck // pass-through
			},
			next.GetModelName,
		)
	}
}
