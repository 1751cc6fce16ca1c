// Package metrics provides metrics recording for completion calls and stage runs.
package metrics

import (
	"time"
)

// Request describes one finished completion call.
type Request struct {
	Model            string
	AgentID          string
	StageID          string
	ErrorCategory    string // "" on success
	PromptTokens     int
	CompletionTokens int
	Duration         time.Duration
	Success          bool
}

// Recorder defines the interface for recording engine metrics.
type Recorder interface {
	// ObserveRequest records a completed completion call.
	ObserveRequest(r Request)

	// ObserveStageRun records a finished stage run.
	ObserveStageRun(strategy, status string, steps int, duration time.Duration)
}

// NoopRecorder discards all metrics.
type NoopRecorder struct{}

// Nop returns a no-op metrics recorder.
func Nop() Recorder {
	return &NoopRecorder{}
}

func (n *NoopRecorder) ObserveRequest(_ Request) {}

func (n *NoopRecorder) ObserveStageRun(_, _ string, _ int, _ time.Duration) {}
