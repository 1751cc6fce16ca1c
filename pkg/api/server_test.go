package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stageengine/pkg/engine"
	"stageengine/pkg/engineerr"
	"stageengine/pkg/persistence"
)

type fakeRunner struct {
	last   *engine.RunRequest
	result *engine.RunResult
	err    error
}

func (f *fakeRunner) RunStage(_ context.Context, req *engine.RunRequest) (*engine.RunResult, error) {
	f.last = req
	return f.result, f.err
}

func createTestServer(t *testing.T, runner Runner) (*Server, *persistence.SQLiteStore) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	require.NoError(t, store.UpsertBrief(ctx, &persistence.Brief{ID: "B1", Title: "Spring launch"}))
	require.NoError(t, store.UpsertStage(ctx, &persistence.Stage{ID: "kickoff", Name: "Kickoff"}))
	return NewServer(runner, store), store
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	s, _ := createTestServer(t, &fakeRunner{})
	w := do(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestRunStagePassesRequest(t *testing.T) {
	runner := &fakeRunner{result: &engine.RunResult{RunID: "r1", BriefOutputID: "o1", Version: 2, Strategy: "graph"}}
	s, _ := createTestServer(t, runner)

	w := do(t, s, http.MethodPost, "/api/v1/briefs/B1/stages/kickoff/run",
		`{"feedback_id":"F1","strategy":"graph","flow_steps":[{"id":"s1","agent_id":"analyst","depends_on":["s0"]}]}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	require.NotNil(t, runner.last)
	assert.Equal(t, "B1", runner.last.BriefID)
	assert.Equal(t, "kickoff", runner.last.StageID)
	assert.Equal(t, "F1", runner.last.FeedbackID)
	assert.Equal(t, "graph", runner.last.Strategy)
	require.Len(t, runner.last.FlowSteps, 1)
	assert.Equal(t, []string{"s0"}, runner.last.FlowSteps[0].DependsOn)

	var got engine.RunResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "o1", got.BriefOutputID)
	assert.Equal(t, 2, got.Version)
}

func TestRunStageWithoutBody(t *testing.T) {
	runner := &fakeRunner{result: &engine.RunResult{RunID: "r1"}}
	s, _ := createTestServer(t, runner)
	w := do(t, s, http.MethodPost, "/api/v1/briefs/B1/stages/kickoff/run", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, runner.last.FeedbackID)
}

func TestRunStageErrorStatus(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"validation", engineerr.Validation("run stage", "brief B9 not found"), http.StatusBadRequest},
		{"dependency", &engine.RunError{
			Err:         engineerr.Dependency("schedule steps", []string{"b", "c"}, "cycle"),
			Unprocessed: []string{"b", "c"},
		}, http.StatusUnprocessableEntity},
		{"processing", engineerr.Processing("validate output", "too short"), http.StatusBadGateway},
		{"network", engineerr.Network("invoke", context.DeadlineExceeded), http.StatusServiceUnavailable},
		{"system", engineerr.System("persist conversation", assert.AnError), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := createTestServer(t, &fakeRunner{err: tt.err})
			w := do(t, s, http.MethodPost, "/api/v1/briefs/B1/stages/kickoff/run", "{}")
			assert.Equal(t, tt.status, w.Code)

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.name, resp.Category)
			if tt.name == "dependency" {
				assert.Equal(t, []string{"b", "c"}, resp.StepIDs)
				assert.Equal(t, []string{"b", "c"}, resp.Unprocessed)
			}
		})
	}
}

func TestOutputQueries(t *testing.T) {
	s, store := createTestServer(t, &fakeRunner{})
	ctx := context.Background()

	w := do(t, s, http.MethodGet, "/api/v1/briefs/B1/stages/kickoff/output", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	for i := 0; i < 2; i++ {
		require.NoError(t, store.InsertBriefOutput(ctx, &persistence.BriefOutput{
			BriefID: "B1", StageID: "kickoff", Stage: "Kickoff",
			Content: persistence.StageOutputContent{Outputs: []persistence.StepOutput{{
				StepID: "s1", Agent: "Analyst",
				Outputs: []persistence.OutputRecord{{Content: "text", Type: persistence.OutputConversational}},
			}}},
		}))
	}

	w = do(t, s, http.MethodGet, "/api/v1/briefs/B1/stages/kickoff/output", "")
	require.Equal(t, http.StatusOK, w.Code)
	var current persistence.BriefOutput
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &current))
	assert.Equal(t, 2, current.Version)

	w = do(t, s, http.MethodGet, "/api/v1/briefs/B1/outputs?stage_id=kickoff", "")
	require.Equal(t, http.StatusOK, w.Code)
	var outputs []persistence.BriefOutput
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &outputs))
	require.Len(t, outputs, 2)
	assert.Equal(t, 2, outputs[0].Version, "newest first")

	w = do(t, s, http.MethodGet, "/api/v1/briefs/B1/conversations", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestCreateFeedback(t *testing.T) {
	s, store := createTestServer(t, &fakeRunner{})

	w := do(t, s, http.MethodPost, "/api/v1/briefs/B1/stages/kickoff/feedback",
		`{"content":"Lead with price.","requires_revision":true,"rating":3}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var fb persistence.StageFeedback
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &fb))
	require.NotEmpty(t, fb.ID)
	stored, err := store.GetFeedback(context.Background(), fb.ID)
	require.NoError(t, err)
	assert.True(t, stored.RequiresRevision)
	assert.Equal(t, 3, stored.Rating)

	w = do(t, s, http.MethodPost, "/api/v1/briefs/B1/stages/kickoff/feedback", `{"content":"  "}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodPost, "/api/v1/briefs/B9/stages/kickoff/feedback", `{"content":"x"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestLogsRejectsBadSince(t *testing.T) {
	s, _ := createTestServer(t, &fakeRunner{})
	w := do(t, s, http.MethodGet, "/api/logs?since=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodGet, "/api/logs?component=api", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMetricsAndMCPMounts(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	mount := func(body string) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(body)) })
	}
	s := NewServer(&fakeRunner{}, store, WithMetricsHandler(mount("metrics")), WithMCPHandler(mount("mcp")))

	assert.Equal(t, "metrics", do(t, s, http.MethodGet, "/metrics", "").Body.String())
	assert.Equal(t, "mcp", do(t, s, http.MethodPost, "/mcp", "{}").Body.String())
}
