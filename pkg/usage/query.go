// Package usage queries Prometheus for the token usage the engine has recorded.
package usage

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// Usage is the aggregated completion usage of a stage, optionally for one agent.
type Usage struct {
	StageID          string `json:"stage_id"`
	AgentID          string `json:"agent_id,omitempty"`
	Requests         int64  `json:"requests"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	TotalTokens      int64  `json:"total_tokens"`
}

// QueryService runs usage queries against a Prometheus server.
type QueryService struct {
	queryAPI  v1.API
	namespace string
}

// NewQueryService creates a query service. namespace must match the one the
// engine's recorder registered its collectors under.
func NewQueryService(prometheusURL, namespace string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{Address: prometheusURL})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}
	return &QueryService{queryAPI: v1.NewAPI(client), namespace: namespace}, nil
}

func (q *QueryService) metric(name string) string {
	if q.namespace == "" {
		return name
	}
	return q.namespace + "_" + name
}

// StageUsage sums usage over every agent that ran in the stage.
func (q *QueryService) StageUsage(ctx context.Context, stageID string) (*Usage, error) {
	byAgent, err := q.StageUsageByAgent(ctx, stageID)
	if err != nil {
		return nil, err
	}
	total := &Usage{StageID: stageID}
	for _, u := range byAgent {
		total.Requests += u.Requests
		total.PromptTokens += u.PromptTokens
		total.CompletionTokens += u.CompletionTokens
	}
	total.TotalTokens = total.PromptTokens + total.CompletionTokens
	return total, nil
}

// StageUsageByAgent breaks the stage's usage down per agent, ordered by agent id.
func (q *QueryService) StageUsageByAgent(ctx context.Context, stageID string) ([]*Usage, error) {
	agents := make(map[string]*Usage)
	get := func(agentID string) *Usage {
		u, ok := agents[agentID]
		if !ok {
			u = &Usage{StageID: stageID, AgentID: agentID}
			agents[agentID] = u
		}
		return u
	}

	tokens := q.metric("llm_tokens_total")
	queries := []struct {
		query string
		apply func(u *Usage, v int64)
	}{
		{
			fmt.Sprintf(`sum by (agent_id) (%s{stage_id=%q, type="prompt"})`, tokens, stageID),
			func(u *Usage, v int64) { u.PromptTokens = v },
		},
		{
			fmt.Sprintf(`sum by (agent_id) (%s{stage_id=%q, type="completion"})`, tokens, stageID),
			func(u *Usage, v int64) { u.CompletionTokens = v },
		},
		{
			fmt.Sprintf(`sum by (agent_id) (%s{stage_id=%q})`, q.metric("llm_requests_total"), stageID),
			func(u *Usage, v int64) { u.Requests = v },
		},
	}

	for _, qq := range queries {
		samples, err := q.vector(ctx, qq.query)
		if err != nil {
			return nil, err
		}
		for _, sample := range samples {
			qq.apply(get(string(sample.Metric["agent_id"])), int64(sample.Value))
		}
	}

	result := make([]*Usage, 0, len(agents))
	for _, u := range agents {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
		result = append(result, u)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].AgentID < result[j].AgentID })
	return result, nil
}

func (q *QueryService) vector(ctx context.Context, query string) (model.Vector, error) {
	value, _, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return nil, fmt.Errorf("prometheus query %q failed: %w", query, err)
	}
	vector, ok := value.(model.Vector)
	if !ok {
		return nil, fmt.Errorf("prometheus query %q returned %s, expected a vector", query, value.Type())
	}
	return vector, nil
}
