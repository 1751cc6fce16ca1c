package timeout

import (
	"context"
	"testing"
	"time"

	"stageengine/pkg/engineerr"
	"stageengine/pkg/llm"
)

type slowClient struct{ delay time.Duration }

func (s *slowClient) Complete(ctx context.Context, _ llm.CompletionRequest) (llm.CompletionResponse, error) {
	select {
	case <-time.After(s.delay):
		return llm.CompletionResponse{Content: "done"}, nil
	case <-ctx.Done():
		return llm.CompletionResponse{}, ctx.Err()
	}
}

func (s *slowClient) Stream(ctx context.Context, in llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	return llm.CompleteAsStream(ctx, s, in), nil
}

func (s *slowClient) GetModelName() string { return "slow" }

func TestTimeoutClassifiedAsNetwork(t *testing.T) {
	client := llm.Chain(&slowClient{delay: time.Second}, Middleware(20*time.Millisecond))

	_, err := client.Complete(context.Background(), llm.CompletionRequest{})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !engineerr.Is(err, engineerr.CategoryNetwork) {
		t.Errorf("expected network category, got %v", err)
	}
	if !engineerr.IsRetryable(err) {
		t.Error("timeouts should be retryable")
	}
}

func TestFastRequestPassesThrough(t *testing.T) {
	client := llm.Chain(&slowClient{delay: time.Millisecond}, Middleware(time.Second))

	resp, err := client.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "done" {
		t.Errorf("got %q", resp.Content)
	}
}

func TestParentCancellationNotRewritten(t *testing.T) {
	client := llm.Chain(&slowClient{delay: time.Second}, Middleware(time.Minute))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Complete(ctx, llm.CompletionRequest{})
	if engineerr.Is(err, engineerr.CategoryNetwork) {
		t.Errorf("parent cancellation should pass through unchanged, got %v", err)
	}
}
