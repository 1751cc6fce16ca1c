package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusRecorder implements Recorder with Prometheus collectors.
type PrometheusRecorder struct {
	requestsTotal   *prometheus.CounterVec
	tokensTotal     *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	stageRunsTotal  *prometheus.CounterVec
	stageRunSteps   *prometheus.HistogramVec
	stageDuration   *prometheus.HistogramVec
}

// NewPrometheusRecorder registers the engine collectors on reg.
// A nil reg uses prometheus.DefaultRegisterer.
func NewPrometheusRecorder(reg prometheus.Registerer, namespace string) *PrometheusRecorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusRecorder{
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "llm_requests_total",
				Help:      "Total number of completion requests by model, agent, stage, status and error category",
			},
			[]string{"model", "agent_id", "stage_id", "status", "error_category"},
		),
		tokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "llm_tokens_total",
				Help:      "Estimated tokens used by completion requests",
			},
			[]string{"model", "agent_id", "stage_id", "type"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "llm_request_duration_seconds",
				Help:      "Duration of completion requests in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"model", "agent_id", "stage_id"},
		),
		stageRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_runs_total",
				Help:      "Total number of stage runs by strategy and status",
			},
			[]string{"strategy", "status"},
		),
		stageRunSteps: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_run_steps",
				Help:      "Number of steps per stage run",
				Buckets:   []float64{1, 2, 3, 5, 8, 13, 21},
			},
			[]string{"strategy"},
		),
		stageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_run_duration_seconds",
				Help:      "Duration of stage runs in seconds",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
			},
			[]string{"strategy", "status"},
		),
	}
}

// ObserveRequest records a completion call.
func (p *PrometheusRecorder) ObserveRequest(r Request) {
	status := "success"
	if !r.Success {
		status = "error"
	}

	p.requestsTotal.WithLabelValues(r.Model, r.AgentID, r.StageID, status, r.ErrorCategory).Inc()
	if r.Success {
		p.tokensTotal.WithLabelValues(r.Model, r.AgentID, r.StageID, "prompt").Add(float64(r.PromptTokens))
		p.tokensTotal.WithLabelValues(r.Model, r.AgentID, r.StageID, "completion").Add(float64(r.CompletionTokens))
	}
	p.requestDuration.WithLabelValues(r.Model, r.AgentID, r.StageID).Observe(r.Duration.Seconds())
}

// ObserveStageRun records a finished stage run.
func (p *PrometheusRecorder) ObserveStageRun(strategy, status string, steps int, duration time.Duration) {
	p.stageRunsTotal.WithLabelValues(strategy, status).Inc()
	p.stageRunSteps.WithLabelValues(strategy).Observe(float64(steps))
	p.stageDuration.WithLabelValues(strategy, status).Observe(duration.Seconds())
}
