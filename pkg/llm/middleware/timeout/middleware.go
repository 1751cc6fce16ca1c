// Package timeout provides per-request timeout middleware for LLM clients.
package timeout

import (
	"context"
	"errors"
	"time"

	"stageengine/pkg/engineerr"
	"stageengine/pkg/llm"
)

// Middleware bounds each Complete call with its own deadline. Deadline hits are
// reported as network errors so the retry layer above can try again.
func Middleware(duration time.Duration) llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				if duration <= 0 {
					return next.Complete(ctx, req)
				}
				timeoutCtx, cancel := context.WithTimeout(ctx, duration)
				defer cancel()

				resp, err := next.Complete(timeoutCtx, req)
				if err != nil && errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
					return llm.CompletionResponse{}, engineerr.Wrap(engineerr.CategoryNetwork, "invoke", err, "request exceeded "+duration.String())
				}
				return resp, err //nolint:wrapcheck // pass-through
			},
			// Streams outlive the call, so the deadline is left to the caller's context.
			next.Stream,
			next.GetModelName,
		)
	}
}
