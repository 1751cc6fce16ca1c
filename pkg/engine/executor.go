package engine

import (
	"context"
	"strings"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"stageengine/pkg/contextbuilder"
	"stageengine/pkg/engineerr"
	"stageengine/pkg/eventlog"
	"stageengine/pkg/llm"
	"stageengine/pkg/llm/middleware/retry"
	"stageengine/pkg/logx"
	"stageengine/pkg/persistence"
	"stageengine/pkg/templates"
)

// ModelInvoker is the completion call the executor depends on.
type ModelInvoker interface {
	Invoke(ctx context.Context, prompt string, temperature float64) (string, error)
	ModelName() string
}

// EventSink receives stage-run events. *eventlog.Writer implements it.
type EventSink interface {
	WriteEvent(ev *eventlog.Event) error
}

// runState is shared, read-only data for every step of one stage run.
type runState struct {
	id           string
	brief        *persistence.Brief
	stage        *persistence.Stage
	feedback     *persistence.StageFeedback
	agents       map[string]*persistence.Agent
	priorStages  []contextbuilder.StageOutputs
	isFirstStage bool
}

func (r *runState) feedbackID() string {
	if r.feedback == nil {
		return ""
	}
	return r.feedback.ID
}

// Executor runs one flow step to one persisted conversation.
//
//nolint:govet // grouped by role
type Executor struct {
	store     persistence.Store
	builder   *contextbuilder.Builder
	composer  *templates.Composer
	invoker   ModelInvoker
	policy    *retry.Policy
	events    EventSink
	tracer    trace.Tracer
	logger    *logx.Logger
	minLength int
}

// Execute runs step. visible are the outputs of this run the step may build on.
// Nothing is written unless the model output passes validation.
func (x *Executor) Execute(ctx context.Context, run *runState, step *persistence.FlowStep, visible []persistence.StepOutput) (*persistence.StepOutput, error) {
	agent := run.agents[step.AgentID]
	if agent == nil {
		return nil, engineerr.Validation("execute step", "agent %q for step %s not found", step.AgentID, step.ID)
	}

	ctx = llm.WithCallInfo(ctx, llm.CallInfo{
		BriefID: run.brief.ID,
		StageID: run.stage.ID,
		AgentID: agent.ID,
		StepID:  step.ID,
	})
	ctx, span := x.tracer.Start(ctx, "engine.step", trace.WithAttributes(
		attribute.String("step.id", step.ID),
		attribute.String("agent.id", agent.ID),
		attribute.Int("step.order_index", step.OrderIndex),
	))
	defer span.End()

	t := &stepTracker{x: x, run: run, step: step, agentID: agent.ID, state: StatePending}
	out, err := x.execute(ctx, t, run, agent, step, visible)
	if err != nil {
		t.to(StateFailed, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		x.logger.Error("step %s (%s) failed: %v", step.ID, agent.ID, err)
		return nil, err
	}
	return out, nil
}

func (x *Executor) execute(ctx context.Context, t *stepTracker, run *runState, agent *persistence.Agent,
	step *persistence.FlowStep, visible []persistence.StepOutput) (*persistence.StepOutput, error) {
	t.to(StateBuildingContext, nil)
	bundle := x.builder.Build(ctx, &contextbuilder.Input{
		Brief:        run.brief,
		Agent:        agent,
		Step:         step,
		RunOutputs:   visible,
		PriorStages:  run.priorStages,
		Feedback:     run.feedback,
		IsFirstStage: run.isFirstStage,
	})

	t.to(StatePrompting, nil)
	compose := func() (string, error) {
		return x.composer.Compose(&templates.PromptInput{
			Agent:        agent,
			Step:         step,
			Brief:        run.brief,
			Context:      bundle.Render(),
			Reprocessing: bundle.Reprocessing,
			IsFirstStage: run.isFirstStage,
		})
	}
	prompt, err := compose()
	if err != nil {
		return nil, err
	}
	// retrieval is queried with the composed prompt, then the prompt is rebuilt around it
	if n := x.builder.Augment(ctx, bundle, prompt); n > 0 {
		if prompt, err = compose(); err != nil {
			return nil, err
		}
		logx.Debug(ctx, "engine", "step %s: added %d retrieved chunks", step.ID, n)
	}

	var content string
	err = x.policy.Do(ctx, func(ctx context.Context) error {
		t.to(StateInvoking, nil)
		text, invokeErr := x.invoker.Invoke(ctx, prompt, agent.Temperature)
		if invokeErr != nil {
			return invokeErr //nolint:wrapcheck // classified by the invoker
		}
		t.to(StateValidating, nil)
		content = strings.TrimSpace(text)
		if content == "" {
			return engineerr.Processing("validate output", "model returned empty output for step %s", step.ID)
		}
		if n := utf8.RuneCountInString(content); n < x.minLength {
			return engineerr.Processing("validate output", "output for step %s is %d characters, minimum is %d",
				step.ID, n, x.minLength)
		}
		return nil
	})
	if err != nil {
		return nil, err //nolint:wrapcheck // classified above
	}

	conv := &persistence.WorkflowConversation{
		BriefID:      run.brief.ID,
		StageID:      run.stage.ID,
		AgentID:      agent.ID,
		FlowStepID:   step.ID,
		Content:      content,
		OutputType:   persistence.OutputConversational,
		FeedbackID:   run.feedbackID(),
		Reprocessing: run.feedback != nil,
	}
	// the store is local; a failed insert fails the step without retry
	if err = x.store.InsertConversation(ctx, conv); err != nil {
		if engineerr.Is(err, engineerr.CategoryValidation) {
			return nil, err //nolint:wrapcheck // already classified
		}
		return nil, engineerr.System("persist conversation", err)
	}
	t.to(StatePersisted, nil)

	name := agent.Name
	if name == "" {
		name = agent.ID
	}
	return &persistence.StepOutput{
		Agent:        name,
		StepID:       step.ID,
		Requirements: step.Requirements,
		Outputs:      []persistence.OutputRecord{{Content: content, Type: persistence.OutputConversational}},
		OrderIndex:   step.OrderIndex,
	}, nil
}

// stepTracker enforces the step state machine and reports each transition.
type stepTracker struct {
	x       *Executor
	run     *runState
	step    *persistence.FlowStep
	agentID string
	state   StepState
	attempt int
}

func (t *stepTracker) to(next StepState, cause error) {
	if !IsValidTransition(t.state, next) {
		t.x.logger.Warn("step %s: invalid transition %s -> %s", t.step.ID, t.state, next)
		return
	}
	if next == StateInvoking {
		t.attempt++
	}
	prev := t.state
	t.state = next

	t.x.logger.Debug("run %s step %s: %s -> %s (attempt %d)", t.run.id, t.step.ID, prev, next, t.attempt)
	if t.x.events == nil {
		return
	}
	ev := &eventlog.Event{
		Type:    eventlog.TypeStepTransition,
		RunID:   t.run.id,
		BriefID: t.run.brief.ID,
		StageID: t.run.stage.ID,
		StepID:  t.step.ID,
		AgentID: t.agentID,
		From:    string(prev),
		To:      string(next),
		Attempt: t.attempt,
	}
	if cause != nil {
		ev.Error = cause.Error()
	}
	if err := t.x.events.WriteEvent(ev); err != nil {
		t.x.logger.Warn("failed to record event for step %s: %v", t.step.ID, err)
	}
}
