package engine

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"stageengine/pkg/config"
	"stageengine/pkg/contextbuilder"
	"stageengine/pkg/knowledge"
	"stageengine/pkg/llm/middleware/metrics"
	"stageengine/pkg/llm/middleware/retry"
)

// tracerName is the instrumentation scope of engine spans.
const tracerName = "stageengine/pkg/engine"

type settings struct {
	retriever      knowledge.Retriever
	scorer         contextbuilder.Scorer
	policy         *retry.Policy
	recorder       metrics.Recorder
	events         EventSink
	tracerProvider trace.TracerProvider
	strategy       string
	minSimilarity  float64
	retrievalLimit int
	maxConcurrency int
	minLength      int
	briefLock      bool
}

func defaultSettings() *settings {
	return &settings{
		policy:         retry.DefaultPolicy(),
		recorder:       metrics.Nop(),
		tracerProvider: otel.GetTracerProvider(),
		strategy:       config.StrategyAuto,
		minSimilarity:  config.DefaultRetrievalMinSim,
		retrievalLimit: config.DefaultRetrievalLimit,
		minLength:      config.DefaultMinOutputLength,
	}
}

// Option configures an Engine.
type Option func(*settings)

// WithRetriever enables retrieval augmentation and permanent-feedback ingestion.
func WithRetriever(r knowledge.Retriever, limit int) Option {
	return func(s *settings) {
		s.retriever = r
		if limit > 0 {
			s.retrievalLimit = limit
		}
	}
}

// WithMinSimilarity sets the retrieval threshold. Unlike the other numeric
// options 0 is kept, so a caller can accept every chunk.
func WithMinSimilarity(v float64) Option {
	return func(s *settings) { s.minSimilarity = v }
}

// WithScorer replaces the keyword relevance scorer.
func WithScorer(scorer contextbuilder.Scorer) Option {
	return func(s *settings) { s.scorer = scorer }
}

// WithPolicy sets the retry policy used for step-level retries.
func WithPolicy(p *retry.Policy) Option {
	return func(s *settings) {
		if p != nil {
			s.policy = p
		}
	}
}

// WithRecorder sets the metrics recorder for stage runs.
func WithRecorder(r metrics.Recorder) Option {
	return func(s *settings) {
		if r != nil {
			s.recorder = r
		}
	}
}

// WithEventLog records every run and step transition to sink.
func WithEventLog(sink EventSink) Option {
	return func(s *settings) { s.events = sink }
}

// WithTracerProvider sets where engine spans go. Defaults to the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *settings) {
		if tp != nil {
			s.tracerProvider = tp
		}
	}
}

// WithStrategy sets the default strategy for requests that name none.
func WithStrategy(name string) Option {
	return func(s *settings) {
		if name != "" {
			s.strategy = name
		}
	}
}

// WithMaxConcurrency bounds concurrent steps per graph batch. 0 runs the whole batch.
func WithMaxConcurrency(n int) Option {
	return func(s *settings) { s.maxConcurrency = n }
}

// WithMinOutputLength sets the minimum trimmed length of accepted model output.
func WithMinOutputLength(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.minLength = n
		}
	}
}

// WithBriefLock serializes stage runs for the same brief within this process.
func WithBriefLock() Option {
	return func(s *settings) { s.briefLock = true }
}

// ConfigOptions maps the engine, retry and retrieval sections of cfg to options.
// The retriever itself is wired by the caller.
func ConfigOptions(cfg *config.Config) []Option {
	opts := []Option{
		WithPolicy(retry.NewPolicy(cfg.Retry)),
		WithStrategy(cfg.Engine.Strategy),
		WithMaxConcurrency(cfg.Engine.MaxConcurrency),
		WithMinOutputLength(cfg.Engine.MinOutputLength),
		WithMinSimilarity(cfg.Retrieval.MinSimilarity),
	}
	if cfg.Engine.BriefLock {
		opts = append(opts, WithBriefLock())
	}
	return opts
}
