package ratelimit

import (
	"context"

	"stageengine/pkg/llm"
)

// Middleware reserves prompt tokens plus the request's MaxTokens before each call.
// A nil limiter disables throttling.
func Middleware(limiter *TokenBucketLimiter) llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		if limiter == nil {
			return next
		}
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				release, err := limiter.Acquire(ctx, estimate(req))
				if err != nil {
					return llm.CompletionResponse{}, err
				}
				defer release()
				return next.Complete(ctx, req) //nolint:wrapcheck // pass-through
			},
			func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
				// The slot is held only while the stream is opened.
				release, err := limiter.Acquire(ctx, estimate(req))
				if err != nil {
					return nil, err
				}
				defer release()
				return next.Stream(ctx, req) //nolint:wrapcheck // pass-through
			},
			next.GetModelName,
		)
	}
}

func estimate(req llm.CompletionRequest) int {
	return llm.CountTokens(llm.PromptText(req)) + req.MaxTokens
}
