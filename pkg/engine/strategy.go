package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"stageengine/pkg/config"
	"stageengine/pkg/engineerr"
	"stageengine/pkg/persistence"
)

// StepFunc executes one step given the outputs it may see.
type StepFunc func(ctx context.Context, step *persistence.FlowStep, visible []persistence.StepOutput) (*persistence.StepOutput, error)

// Strategy orders and dispatches the steps of a stage run. On failure it returns the
// outputs already persisted together with a *RunError.
type Strategy interface {
	Name() string
	Run(ctx context.Context, steps []*persistence.FlowStep, exec StepFunc) ([]persistence.StepOutput, error)
}

// RunError reports why a stage run stopped before every step was persisted.
type RunError struct {
	Err         error    // classified cause: the first step failure or a dependency error
	Failed      []string // steps that ran and failed
	Unprocessed []string // steps never attempted
}

// Error implements error.
func (e *RunError) Error() string {
	var b strings.Builder
	b.WriteString("stage run aborted")
	if len(e.Failed) > 0 {
		fmt.Fprintf(&b, "; failed: %s", strings.Join(e.Failed, ", "))
	}
	if len(e.Unprocessed) > 0 {
		fmt.Fprintf(&b, "; unprocessed: %s", strings.Join(e.Unprocessed, ", "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap returns the classified cause.
func (e *RunError) Unwrap() error {
	return e.Err
}

// SortSteps returns steps ordered by order_index, then step id, then input position.
func SortSteps(steps []*persistence.FlowStep) []*persistence.FlowStep {
	sorted := append([]*persistence.FlowStep(nil), steps...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].OrderIndex != sorted[j].OrderIndex {
			return sorted[i].OrderIndex < sorted[j].OrderIndex
		}
		return sorted[i].ID < sorted[j].ID
	})
	return sorted
}

// HasDependencies reports whether any step declares a predecessor.
func HasDependencies(steps []*persistence.FlowStep) bool {
	for _, s := range steps {
		if len(s.DependsOn) > 0 {
			return true
		}
	}
	return false
}

// SelectStrategy resolves a strategy name. "auto" picks the graph strategy when any step
// declares dependencies. maxConcurrency bounds graph batches (0 = whole batch).
func SelectStrategy(name string, steps []*persistence.FlowStep, maxConcurrency int) (Strategy, error) {
	switch name {
	case config.StrategySequential:
		return Sequential{}, nil
	case config.StrategyGraph:
		return Graph{MaxConcurrency: maxConcurrency}, nil
	case config.StrategyAuto, "":
		if HasDependencies(steps) {
			return Graph{MaxConcurrency: maxConcurrency}, nil
		}
		return Sequential{}, nil
	default:
		return nil, engineerr.Validation("select strategy", "unknown strategy %q", name)
	}
}

// Sequential runs steps one at a time in ascending order; step k sees steps < k.
type Sequential struct{}

// Name implements Strategy.
func (Sequential) Name() string { return config.StrategySequential }

// Run implements Strategy.
func (Sequential) Run(ctx context.Context, steps []*persistence.FlowStep, exec StepFunc) ([]persistence.StepOutput, error) {
	sorted := SortSteps(steps)
	outputs := make([]persistence.StepOutput, 0, len(sorted))

	for i, step := range sorted {
		if err := ctx.Err(); err != nil {
			return outputs, &RunError{Err: engineerr.Classify("run stage", err), Unprocessed: stepIDs(sorted[i:])}
		}
		out, err := exec(ctx, step, append([]persistence.StepOutput(nil), outputs...))
		if err != nil {
			return outputs, &RunError{
				Err:         err,
				Failed:      []string{step.ID},
				Unprocessed: stepIDs(sorted[i+1:]),
			}
		}
		outputs = append(outputs, *out)
	}
	return outputs, nil
}

// Graph runs every step whose dependencies are persisted as one concurrent batch, waits
// for the batch, and repeats. Steps see the outputs of all earlier batches.
type Graph struct {
	MaxConcurrency int
}

// Name implements Strategy.
func (Graph) Name() string { return config.StrategyGraph }

// Run implements Strategy.
func (g Graph) Run(ctx context.Context, steps []*persistence.FlowStep, exec StepFunc) ([]persistence.StepOutput, error) {
	remaining := SortSteps(steps)
	done := make(map[string]bool, len(remaining))
	var outputs []persistence.StepOutput

	for len(remaining) > 0 {
		if err := ctx.Err(); err != nil {
			return outputs, &RunError{Err: engineerr.Classify("run stage", err), Unprocessed: stepIDs(remaining)}
		}

		var ready, blocked []*persistence.FlowStep
		for _, step := range remaining {
			if dependenciesMet(step, done) {
				ready = append(ready, step)
			} else {
				blocked = append(blocked, step)
			}
		}
		if len(ready) == 0 {
			ids := stepIDs(blocked)
			return outputs, &RunError{
				Err:         engineerr.Dependency("schedule steps", ids, "cycle or unreachable dependency"),
				Unprocessed: ids,
			}
		}

		visible := append([]persistence.StepOutput(nil), outputs...)
		results := make([]*persistence.StepOutput, len(ready))
		errs := make([]error, len(ready))

		var eg errgroup.Group
		limit := g.MaxConcurrency
		if limit <= 0 {
			limit = len(ready)
		}
		eg.SetLimit(limit)
		for i, step := range ready {
			eg.Go(func() error {
				results[i], errs[i] = exec(ctx, step, visible)
				return nil
			})
		}
		_ = eg.Wait()

		var failed []string
		var firstErr error
		for i, step := range ready {
			if errs[i] != nil {
				failed = append(failed, step.ID)
				if firstErr == nil {
					firstErr = errs[i]
				}
				continue
			}
			done[step.ID] = true
			outputs = append(outputs, *results[i])
		}
		if firstErr != nil {
			return sortOutputs(outputs), &RunError{Err: firstErr, Failed: failed, Unprocessed: stepIDs(blocked)}
		}
		remaining = blocked
	}
	return sortOutputs(outputs), nil
}

func dependenciesMet(step *persistence.FlowStep, done map[string]bool) bool {
	for _, dep := range step.DependsOn {
		if !done[dep] {
			return false
		}
	}
	return true
}

func sortOutputs(outputs []persistence.StepOutput) []persistence.StepOutput {
	sort.SliceStable(outputs, func(i, j int) bool {
		if outputs[i].OrderIndex != outputs[j].OrderIndex {
			return outputs[i].OrderIndex < outputs[j].OrderIndex
		}
		return outputs[i].StepID < outputs[j].StepID
	})
	return outputs
}

func stepIDs(steps []*persistence.FlowStep) []string {
	ids := make([]string, len(steps))
	for i, s := range steps {
		ids[i] = s.ID
	}
	return ids
}
