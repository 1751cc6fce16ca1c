package usage

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePrometheus answers instant queries with a canned vector chosen by query text.
func fakePrometheus(t *testing.T, seen *[]string) *httptest.Server {
	t.Helper()
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		query := r.Form.Get("query")
		mu.Lock()
		*seen = append(*seen, query)
		mu.Unlock()

		var result string
		switch {
		case strings.Contains(query, `type="prompt"`):
			result = `{"metric":{"agent_id":"analyst"},"value":[1700000000,"120"]},` +
				`{"metric":{"agent_id":"director"},"value":[1700000000,"80"]}`
		case strings.Contains(query, `type="completion"`):
			result = `{"metric":{"agent_id":"analyst"},"value":[1700000000,"30"]}`
		default:
			result = `{"metric":{"agent_id":"analyst"},"value":[1700000000,"2"]},` +
				`{"metric":{"agent_id":"director"},"value":[1700000000,"1"]}`
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"success","data":{"resultType":"vector","result":[%s]}}`, result)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestStageUsageByAgent(t *testing.T) {
	var seen []string
	srv := fakePrometheus(t, &seen)

	q, err := NewQueryService(srv.URL, "stageengine")
	require.NoError(t, err)

	usage, err := q.StageUsageByAgent(context.Background(), "kickoff")
	require.NoError(t, err)
	require.Len(t, usage, 2)

	assert.Equal(t, "analyst", usage[0].AgentID)
	assert.Equal(t, int64(120), usage[0].PromptTokens)
	assert.Equal(t, int64(30), usage[0].CompletionTokens)
	assert.Equal(t, int64(150), usage[0].TotalTokens)
	assert.Equal(t, int64(2), usage[0].Requests)

	assert.Equal(t, "director", usage[1].AgentID)
	assert.Equal(t, int64(80), usage[1].TotalTokens)

	require.Len(t, seen, 3)
	assert.Contains(t, seen[0], `stageengine_llm_tokens_total{stage_id="kickoff"`)
	assert.Contains(t, seen[2], "stageengine_llm_requests_total")
}

func TestStageUsageTotals(t *testing.T) {
	var seen []string
	srv := fakePrometheus(t, &seen)

	q, err := NewQueryService(srv.URL, "")
	require.NoError(t, err)

	total, err := q.StageUsage(context.Background(), "kickoff")
	require.NoError(t, err)
	assert.Equal(t, "kickoff", total.StageID)
	assert.Empty(t, total.AgentID)
	assert.Equal(t, int64(3), total.Requests)
	assert.Equal(t, int64(230), total.TotalTokens)
	assert.True(t, strings.HasPrefix(seen[0], "sum by (agent_id) (llm_tokens_total{"))
}

func TestStageUsageQueryError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"status":"error","errorType":"bad_data","error":"parse error"}`)
	}))
	t.Cleanup(srv.Close)

	q, err := NewQueryService(srv.URL, "stageengine")
	require.NoError(t, err)
	_, err = q.StageUsage(context.Background(), "kickoff")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prometheus query")
}
