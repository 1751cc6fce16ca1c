package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ollama/ollama/api"

	"stageengine/pkg/engineerr"
	"stageengine/pkg/llm"
)

func TestCompleteSendsTemperature(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req api.ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req.Model != "llama3.1" {
			t.Errorf("model = %q", req.Model)
		}
		if temp, ok := req.Options["temperature"].(float64); !ok || temp < 0.29 || temp > 0.31 {
			t.Errorf("temperature = %v", req.Options["temperature"])
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"llama3.1","message":{"role":"assistant","content":"local answer"},"done":true,"done_reason":"stop"}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "ollama:llama3.1", srv.Client())
	req := llm.NewCompletionRequest([]llm.CompletionMessage{llm.NewUserMessage("hi")})
	req.Temperature = 0.3

	resp, err := client.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "local answer" || resp.StopReason != "end_turn" {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestCompleteModelNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"model 'nope' not found"}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "nope", srv.Client())
	_, err := client.Complete(context.Background(), llm.NewCompletionRequest([]llm.CompletionMessage{llm.NewUserMessage("hi")}))
	if !engineerr.Is(err, engineerr.CategoryValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestStopReason(t *testing.T) {
	cases := map[string]api.ChatResponse{
		"end_turn":   {Done: true, DoneReason: "stop"},
		"max_tokens": {Done: true, DoneReason: "length"},
		"incomplete": {Done: false},
	}
	for want, resp := range cases {
		if got := stopReason(&resp); got != want {
			t.Errorf("stopReason = %q, want %q", got, want)
		}
	}
}
