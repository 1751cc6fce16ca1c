package retry

import (
	"context"

	"stageengine/pkg/llm"
	"stageengine/pkg/logx"
)

// Middleware wraps an LLM client so failed requests are retried according to policy.
func Middleware(policy *Policy, logger *logx.Logger) llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				var resp llm.CompletionResponse
				attempt := 0
				err := policy.Do(ctx, func(ctx context.Context) error {
					attempt++
					if attempt > 1 && logger != nil {
						logger.Warn("retrying completion (attempt %d) model=%s", attempt, next.GetModelName())
					}
					var callErr error
					resp, callErr = next.Complete(ctx, req)
					return callErr //nolint:wrapcheck // classified by the provider
				})
				if err != nil {
					return llm.CompletionResponse{}, err
				}
				return resp, nil
			},
			func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
				var ch <-chan llm.StreamChunk
				err := policy.Do(ctx, func(ctx context.Context) error {
					var callErr error
					ch, callErr = next.Stream(ctx, req)
					return callErr //nolint:wrapcheck // classified by the provider
				})
				if err != nil {
					return nil, err
				}
				return ch, nil
			},
			next.GetModelName,
		)
	}
}
