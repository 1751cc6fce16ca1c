// Package engine runs a stage of a brief's workflow: each flow step's agent is prompted
// with assembled context, every accepted answer is stored as a conversation, and the run
// ends with one versioned stage output.
//
// A run is fail-fast. Rows written before a failure are kept; calling RunStage again
// appends new versions rather than repairing the old ones.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"stageengine/pkg/contextbuilder"
	"stageengine/pkg/engineerr"
	"stageengine/pkg/eventlog"
	"stageengine/pkg/knowledge"
	"stageengine/pkg/llm/middleware/metrics"
	"stageengine/pkg/logx"
	"stageengine/pkg/persistence"
	"stageengine/pkg/templates"
)

// Run status labels for metrics and events.
const (
	statusSucceeded = "succeeded"
	statusFailed    = "failed"
)

// RunRequest asks for one stage run. FlowSteps overrides the stage's stored flow.
type RunRequest struct {
	BriefID    string                  `json:"brief_id"`
	StageID    string                  `json:"stage_id"`
	FlowSteps  []*persistence.FlowStep `json:"flow_steps,omitempty"`
	FeedbackID string                  `json:"feedback_id,omitempty"`
	Strategy   string                  `json:"strategy,omitempty"`
}

// RunResult is the outcome of a successful stage run.
type RunResult struct {
	RunID         string                   `json:"run_id"`
	BriefOutputID string                   `json:"brief_output_id"`
	Version       int                      `json:"version"`
	Strategy      string                   `json:"strategy"`
	NextStageID   string                   `json:"next_stage_id,omitempty"`
	Outputs       []persistence.StepOutput `json:"outputs"`
	IsReprocessed bool                     `json:"is_reprocessed"`
	Duration      time.Duration            `json:"duration"`
}

// Engine is the stage processing entry point.
type Engine struct {
	store      persistence.Store
	executor   *Executor
	aggregator *Aggregator
	retriever  knowledge.Retriever
	recorder   metrics.Recorder
	events     EventSink
	tracer     trace.Tracer
	locks      *briefLocks
	logger     *logx.Logger
	strategy   string
	maxConc    int
}

// New creates an Engine over store and inv.
func New(store persistence.Store, inv ModelInvoker, opts ...Option) (*Engine, error) {
	if store == nil || inv == nil {
		return nil, fmt.Errorf("engine requires a store and an invoker")
	}
	s := defaultSettings()
	for _, opt := range opts {
		opt(s)
	}
	if _, err := SelectStrategy(s.strategy, nil, s.maxConcurrency); err != nil {
		return nil, err
	}

	composer, err := templates.NewComposer()
	if err != nil {
		return nil, fmt.Errorf("failed to load prompt templates: %w", err)
	}

	var builderOpts []contextbuilder.Option
	if s.scorer != nil {
		builderOpts = append(builderOpts, contextbuilder.WithScorer(s.scorer))
	}
	if s.retriever != nil {
		builderOpts = append(builderOpts,
			contextbuilder.WithRetriever(s.retriever, s.retrievalLimit),
			contextbuilder.WithMinSimilarity(s.minSimilarity))
	}

	tracer := s.tracerProvider.Tracer(tracerName)
	e := &Engine{
		store: store,
		executor: &Executor{
			store:     store,
			builder:   contextbuilder.New(builderOpts...),
			composer:  composer,
			invoker:   inv,
			policy:    s.policy,
			events:    s.events,
			tracer:    tracer,
			logger:    logx.NewLogger("executor"),
			minLength: s.minLength,
		},
		aggregator: NewAggregator(store),
		retriever:  s.retriever,
		recorder:   s.recorder,
		events:     s.events,
		tracer:     tracer,
		logger:     logx.NewLogger("engine"),
		strategy:   s.strategy,
		maxConc:    s.maxConcurrency,
	}
	if s.briefLock {
		e.locks = newBriefLocks()
	}
	return e, nil
}

// RunStage executes every flow step of the stage and stores the aggregated output.
func (e *Engine) RunStage(ctx context.Context, req *RunRequest) (*RunResult, error) {
	if req == nil || strings.TrimSpace(req.BriefID) == "" || strings.TrimSpace(req.StageID) == "" {
		return nil, engineerr.Validation("run stage", "brief id and stage id are required")
	}

	if e.locks != nil {
		release, err := e.locks.acquire(ctx, req.BriefID)
		if err != nil {
			return nil, engineerr.Classify("run stage", err)
		}
		defer release()
	}

	runID := uuid.New().String()
	ctx = logx.WithRunID(ctx, runID)
	ctx, span := e.tracer.Start(ctx, "engine.RunStage", trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.String("brief.id", req.BriefID),
		attribute.String("stage.id", req.StageID),
	))
	defer span.End()

	result, err := e.runStage(ctx, runID, req, span)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return result, nil
}

func (e *Engine) runStage(ctx context.Context, runID string, req *RunRequest, span trace.Span) (*RunResult, error) {
	started := time.Now()

	run, steps, nextStageID, err := e.prepare(ctx, runID, req)
	if err != nil {
		return nil, err
	}

	strategyName := req.Strategy
	if strategyName == "" {
		strategyName = e.strategy
	}
	strategy, err := SelectStrategy(strategyName, steps, e.maxConc)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("strategy", strategy.Name()), attribute.Int("steps", len(steps)))

	e.ingestPermanentFeedback(ctx, run)

	e.logger.Info("run %s: stage %s of brief %s, %d steps, strategy %s, feedback=%q",
		runID, run.stage.ID, run.brief.ID, len(steps), strategy.Name(), run.feedbackID())
	e.record(&eventlog.Event{
		Type: eventlog.TypeRunStarted, RunID: runID, BriefID: run.brief.ID, StageID: run.stage.ID,
		Message: fmt.Sprintf("%d steps, strategy %s", len(steps), strategy.Name()),
	})

	outputs, err := strategy.Run(ctx, steps, func(ctx context.Context, step *persistence.FlowStep, visible []persistence.StepOutput) (*persistence.StepOutput, error) {
		return e.executor.Execute(ctx, run, step, visible)
	})
	if err != nil {
		e.finish(run, strategy.Name(), statusFailed, len(steps), started, err)
		return nil, err
	}

	finished := time.Now()
	out, err := e.aggregator.Aggregate(ctx, &AggregateInput{
		Brief:    run.brief,
		Stage:    run.stage,
		Feedback: run.feedback,
		Outputs:  outputs,
		Metadata: persistence.RunMetadata{
			StartedAt:  started.UTC(),
			FinishedAt: finished.UTC(),
			Strategy:   strategy.Name(),
			Model:      e.executor.invoker.ModelName(),
			FeedbackID: run.feedbackID(),
			StepCount:  len(outputs),
			DurationMS: finished.Sub(started).Milliseconds(),
		},
	})
	if err != nil {
		e.finish(run, strategy.Name(), statusFailed, len(steps), started, err)
		return nil, err
	}

	e.finish(run, strategy.Name(), statusSucceeded, len(steps), started, nil)
	return &RunResult{
		RunID:         runID,
		BriefOutputID: out.ID,
		Version:       out.Version,
		Strategy:      strategy.Name(),
		NextStageID:   nextStageID,
		Outputs:       out.Content.Outputs,
		IsReprocessed: out.IsReprocessed,
		Duration:      time.Since(started),
	}, nil
}

// prepare loads and validates everything a run needs before any step executes, so a
// rejected request writes nothing.
func (e *Engine) prepare(ctx context.Context, runID string, req *RunRequest) (*runState, []*persistence.FlowStep, string, error) {
	brief, err := e.store.GetBrief(ctx, req.BriefID)
	if err != nil {
		return nil, nil, "", lookupError("brief", req.BriefID, err)
	}
	stage, err := e.store.GetStage(ctx, req.StageID)
	if err != nil {
		return nil, nil, "", lookupError("stage", req.StageID, err)
	}

	steps := req.FlowSteps
	if len(steps) == 0 && stage.FlowID != "" {
		if steps, err = e.store.GetFlowSteps(ctx, stage.FlowID); err != nil {
			return nil, nil, "", engineerr.System("load flow steps", err)
		}
	}
	if len(steps) == 0 {
		return nil, nil, "", engineerr.Validation("run stage", "stage %s has no flow steps", stage.ID)
	}
	if err := validateSteps(steps); err != nil {
		return nil, nil, "", err
	}

	agents := make(map[string]*persistence.Agent)
	for _, step := range steps {
		if _, ok := agents[step.AgentID]; ok {
			continue
		}
		agent, err := e.store.GetAgent(ctx, step.AgentID)
		if err != nil {
			return nil, nil, "", lookupError("agent", step.AgentID, err)
		}
		agents[step.AgentID] = agent
	}

	run := &runState{id: runID, brief: brief, stage: stage, agents: agents}

	if req.FeedbackID != "" {
		fb, err := e.store.GetFeedback(ctx, req.FeedbackID)
		if err != nil {
			return nil, nil, "", lookupError("feedback", req.FeedbackID, err)
		}
		if fb.BriefID != brief.ID || fb.StageID != stage.ID {
			return nil, nil, "", engineerr.Validation("run stage",
				"feedback %s belongs to brief %s stage %s", fb.ID, fb.BriefID, fb.StageID)
		}
		run.feedback = fb
	}

	nextStageID, err := e.loadStageHistory(ctx, run)
	if err != nil {
		return nil, nil, "", err
	}
	return run, steps, nextStageID, nil
}

// loadStageHistory fills in first-stage status and the current outputs of earlier stages,
// and returns the id of the following stage, if any.
func (e *Engine) loadStageHistory(ctx context.Context, run *runState) (string, error) {
	stages, err := e.store.ListStages(ctx)
	if err != nil {
		return "", engineerr.System("list stages", err)
	}
	sort.SliceStable(stages, func(i, j int) bool {
		if stages[i].OrderIndex != stages[j].OrderIndex {
			return stages[i].OrderIndex < stages[j].OrderIndex
		}
		return stages[i].ID < stages[j].ID
	})

	run.isFirstStage = true
	next := ""
	for _, s := range stages {
		switch {
		case s.ID == run.stage.ID:
		case s.OrderIndex < run.stage.OrderIndex:
			run.isFirstStage = false
			out, err := e.store.CurrentBriefOutput(ctx, run.brief.ID, s.ID)
			if errors.Is(err, persistence.ErrNotFound) {
				continue
			}
			if err != nil {
				return "", engineerr.System("load previous stage output", err)
			}
			run.priorStages = append(run.priorStages, contextbuilder.StageOutputs{
				StageName: s.Name,
				Outputs:   out.Content.Outputs,
			})
		case next == "" && s.OrderIndex > run.stage.OrderIndex:
			next = s.ID
		}
	}
	return next, nil
}

// ingestPermanentFeedback adds permanent feedback to the retrieval index once. Failures
// are logged and retried on the next run.
func (e *Engine) ingestPermanentFeedback(ctx context.Context, run *runState) {
	fb := run.feedback
	if fb == nil || !fb.IsPermanent || fb.ProcessedForRAG || e.retriever == nil {
		return
	}
	err := e.retriever.Ingest(ctx, knowledge.Document{
		ID:      "feedback-" + fb.ID,
		Content: fb.Content,
		Metadata: knowledge.ChunkMetadata{
			Source: "feedback",
			Title:  run.stage.Name,
			Type:   "permanent",
		},
	})
	if err != nil {
		e.logger.Warn("failed to ingest permanent feedback %s: %v", fb.ID, err)
		return
	}
	if err := e.store.MarkFeedbackProcessed(ctx, fb.ID); err != nil {
		e.logger.Warn("failed to mark feedback %s processed: %v", fb.ID, err)
		return
	}
	e.logger.Info("ingested permanent feedback %s", fb.ID)
}

func (e *Engine) finish(run *runState, strategy, status string, steps int, started time.Time, err error) {
	duration := time.Since(started)
	e.recorder.ObserveStageRun(strategy, status, steps, duration)

	ev := &eventlog.Event{
		Type: eventlog.TypeRunFinished, RunID: run.id, BriefID: run.brief.ID, StageID: run.stage.ID,
		Message: fmt.Sprintf("%s in %dms", status, duration.Milliseconds()),
	}
	if err != nil {
		ev.Error = err.Error()
		e.logger.Error("run %s failed after %dms: %v", run.id, duration.Milliseconds(), err)
	} else {
		e.logger.Info("run %s finished in %dms", run.id, duration.Milliseconds())
	}
	e.record(ev)
}

func (e *Engine) record(ev *eventlog.Event) {
	if e.events == nil {
		return
	}
	if err := e.events.WriteEvent(ev); err != nil {
		e.logger.Warn("failed to record %s event: %v", ev.Type, err)
	}
}

func validateSteps(steps []*persistence.FlowStep) error {
	seen := make(map[string]bool, len(steps))
	for i, step := range steps {
		switch {
		case step == nil:
			return engineerr.Validation("run stage", "flow step %d is empty", i)
		case strings.TrimSpace(step.ID) == "":
			return engineerr.Validation("run stage", "flow step %d has no id", i)
		case seen[step.ID]:
			return engineerr.Validation("run stage", "duplicate flow step id %s", step.ID)
		case strings.TrimSpace(step.AgentID) == "":
			return engineerr.Validation("run stage", "flow step %s has no agent", step.ID)
		}
		seen[step.ID] = true
	}
	return nil
}

func lookupError(kind, id string, err error) error {
	if errors.Is(err, persistence.ErrNotFound) {
		return engineerr.Validation("run stage", "%s %s not found", kind, id)
	}
	return engineerr.System("load "+kind, err)
}
