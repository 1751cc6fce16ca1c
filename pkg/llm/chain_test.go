package llm

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

type stubClient struct {
	content string
	err     error
	calls   int
}

func (s *stubClient) Complete(_ context.Context, _ CompletionRequest) (CompletionResponse, error) {
	s.calls++
	if s.err != nil {
		return CompletionResponse{}, s.err
	}
	return CompletionResponse{Content: s.content}, nil
}

func (s *stubClient) Stream(ctx context.Context, in CompletionRequest) (<-chan StreamChunk, error) {
	return CompleteAsStream(ctx, s, in), nil
}

func (s *stubClient) GetModelName() string { return "stub-model" }

func tagging(tag string, order *[]string) Middleware {
	return func(next LLMClient) LLMClient {
		return WrapClient(
			func(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
				*order = append(*order, tag)
				resp, err := next.Complete(ctx, req)
				resp.Content = tag + "(" + resp.Content + ")"
				return resp, err
			},
			next.Stream,
			next.GetModelName,
		)
	}
}

func TestChainOrder(t *testing.T) {
	var order []string
	client := Chain(&stubClient{content: "base"}, tagging("a", &order), tagging("b", &order))

	resp, err := client.Complete(context.Background(), NewCompletionRequest([]CompletionMessage{NewUserMessage("hi")}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "a(b(base))" {
		t.Errorf("expected a(b(base)), got %q", resp.Content)
	}
	if strings.Join(order, ",") != "a,b" {
		t.Errorf("expected outermost first, got %v", order)
	}
	if client.GetModelName() != "stub-model" {
		t.Errorf("model name should pass through, got %q", client.GetModelName())
	}
}

func TestChainNoMiddleware(t *testing.T) {
	base := &stubClient{content: "x"}
	if Chain(base) != LLMClient(base) {
		t.Error("Chain with no middleware should return the base client")
	}
}

func TestStreamToReader(t *testing.T) {
	base := &stubClient{content: "streamed text"}
	ch, err := base.Stream(context.Background(), CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, err := io.ReadAll(StreamToReader(ch))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != "streamed text" {
		t.Errorf("got %q", string(data))
	}
}

func TestStreamToReaderPropagatesError(t *testing.T) {
	boom := errors.New("boom")
	ch, _ := (&stubClient{err: boom}).Stream(context.Background(), CompletionRequest{})
	_, err := io.ReadAll(StreamToReader(ch))
	if !errors.Is(err, boom) {
		t.Errorf("expected boom, got %v", err)
	}
}

func TestCompletionRequestValidate(t *testing.T) {
	req := NewCompletionRequest(nil)
	if req.Validate() == nil {
		t.Error("expected error for empty messages")
	}
	req = NewCompletionRequest([]CompletionMessage{NewUserMessage("x")})
	if err := req.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	req.Temperature = 3
	if req.Validate() == nil {
		t.Error("expected error for temperature out of range")
	}
}

func TestCallInfoRoundTrip(t *testing.T) {
	ctx := WithCallInfo(context.Background(), CallInfo{AgentID: "a1", StageID: "s1"})
	info := CallInfoFrom(ctx)
	if info.AgentID != "a1" || info.StageID != "s1" {
		t.Errorf("unexpected call info %+v", info)
	}
	if (CallInfoFrom(context.Background()) != CallInfo{}) {
		t.Error("expected zero call info")
	}
}

func TestCountTokens(t *testing.T) {
	if CountTokens("") != 0 {
		t.Error("expected zero tokens for empty text")
	}
	if CountTokens("The quick brown fox jumps over the lazy dog") <= 0 {
		t.Error("expected positive token count")
	}
	text := PromptText(CompletionRequest{Messages: []CompletionMessage{NewSystemMessage("a"), NewUserMessage("b")}})
	if text != "a\nb\n" {
		t.Errorf("PromptText = %q", text)
	}
}
