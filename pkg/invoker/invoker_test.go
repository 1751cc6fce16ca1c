package invoker

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stageengine/internal/mocks"
	"stageengine/pkg/engineerr"
	"stageengine/pkg/llm"
)

func TestInvokeShapesRequest(t *testing.T) {
	client := mocks.NewMockLLMClient()
	client.RespondWith("raw model text")
	inv := New(client, 1024)

	got, err := inv.Invoke(context.Background(), "the prompt", 0.2)
	require.NoError(t, err)
	assert.Equal(t, "raw model text", got)

	req := client.LastCompleteCall()
	require.NotNil(t, req)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, llm.RoleUser, req.Messages[0].Role)
	assert.Equal(t, "the prompt", req.Messages[0].Content)
	assert.Equal(t, 1024, req.MaxTokens)
	assert.InDelta(t, 0.2, float64(req.Temperature), 1e-6)
}

func TestInvokeDefaultTemperature(t *testing.T) {
	client := mocks.NewMockLLMClient()
	_, err := New(client, 0).Invoke(context.Background(), "p", 0)
	require.NoError(t, err)
	assert.InDelta(t, llm.TemperatureDefault, float64(client.LastCompleteCall().Temperature), 1e-6)
}

func TestInvokeValidation(t *testing.T) {
	client := mocks.NewMockLLMClient()
	inv := New(client, 0)

	_, err := inv.Invoke(context.Background(), "   ", 0.5)
	assert.True(t, engineerr.Is(err, engineerr.CategoryValidation))

	_, err = inv.Invoke(context.Background(), "p", 3.5)
	assert.True(t, engineerr.Is(err, engineerr.CategoryValidation))
	assert.Zero(t, client.GetCompleteCallCount(), "invalid requests never reach the service")
}

func TestInvokeClassifiesFailures(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want engineerr.Category
	}{
		{"network", errors.New("dial tcp: connection refused"), engineerr.CategoryNetwork},
		{"server", errors.New("API error 503: overloaded"), engineerr.CategorySystem},
		{"bad request", errors.New("status 400: invalid request"), engineerr.CategoryValidation},
		{"deadline", context.DeadlineExceeded, engineerr.CategoryNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := mocks.NewMockLLMClient()
			client.FailCompleteWith(tt.err)
			_, err := New(client, 0).Invoke(context.Background(), "p", 0.5)
			require.Error(t, err)
			assert.Equal(t, tt.want, engineerr.CategoryOf(err))
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestInvokeKeepsCallInfo(t *testing.T) {
	client := mocks.NewMockLLMClient()
	var seen llm.CallInfo
	client.OnComplete(func(ctx context.Context, _ llm.CompletionRequest) (llm.CompletionResponse, error) {
		seen = llm.CallInfoFrom(ctx)
		return llm.CompletionResponse{Content: "ok"}, nil
	})
	ctx := llm.WithCallInfo(context.Background(), llm.CallInfo{BriefID: "B1", StepID: "s1"})
	_, err := New(client, 0).Invoke(ctx, "p", 0.5)
	require.NoError(t, err)
	assert.Equal(t, "s1", seen.StepID)
	assert.Equal(t, "mock-model", New(client, 0).ModelName())
}
