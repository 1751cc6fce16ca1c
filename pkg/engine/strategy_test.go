package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stageengine/pkg/config"
	"stageengine/pkg/engineerr"
	"stageengine/pkg/persistence"
)

func step(id string, order int, deps ...string) *persistence.FlowStep {
	return &persistence.FlowStep{ID: id, AgentID: "agent", OrderIndex: order, DependsOn: deps}
}

// recordingExec returns each step's id as output and records what it saw.
type recordingExec struct {
	mu   sync.Mutex
	seen map[string][]string
	fail map[string]error
}

func newRecordingExec() *recordingExec {
	return &recordingExec{seen: map[string][]string{}, fail: map[string]error{}}
}

func (r *recordingExec) exec(_ context.Context, s *persistence.FlowStep, visible []persistence.StepOutput) (*persistence.StepOutput, error) {
	ids := make([]string, len(visible))
	for i := range visible {
		ids[i] = visible[i].StepID
	}
	r.mu.Lock()
	r.seen[s.ID] = ids
	err := r.fail[s.ID]
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &persistence.StepOutput{StepID: s.ID, OrderIndex: s.OrderIndex}, nil
}

func outputIDs(outputs []persistence.StepOutput) []string {
	ids := make([]string, len(outputs))
	for i := range outputs {
		ids[i] = outputs[i].StepID
	}
	return ids
}

func TestSortStepsTieBreak(t *testing.T) {
	sorted := SortSteps([]*persistence.FlowStep{step("c", 1), step("b", 0), step("a", 1), step("z", 0)})
	assert.Equal(t, []string{"b", "z", "a", "c"}, stepIDs(sorted))
}

func TestSelectStrategy(t *testing.T) {
	plain := []*persistence.FlowStep{step("a", 0), step("b", 1)}
	withDeps := []*persistence.FlowStep{step("a", 0), step("b", 1, "a")}

	tests := []struct {
		name  string
		steps []*persistence.FlowStep
		want  string
	}{
		{config.StrategyAuto, plain, config.StrategySequential},
		{config.StrategyAuto, withDeps, config.StrategyGraph},
		{"", withDeps, config.StrategyGraph},
		{config.StrategySequential, withDeps, config.StrategySequential},
		{config.StrategyGraph, plain, config.StrategyGraph},
	}
	for _, tt := range tests {
		s, err := SelectStrategy(tt.name, tt.steps, 0)
		require.NoError(t, err)
		assert.Equal(t, tt.want, s.Name(), "strategy %q", tt.name)
	}

	_, err := SelectStrategy("parallel", plain, 0)
	assert.True(t, engineerr.Is(err, engineerr.CategoryValidation))
}

func TestSequentialSeesEarlierSteps(t *testing.T) {
	rec := newRecordingExec()
	outputs, err := Sequential{}.Run(context.Background(),
		[]*persistence.FlowStep{step("director", 1), step("analyst", 0), step("writer", 2)}, rec.exec)
	require.NoError(t, err)

	assert.Equal(t, []string{"analyst", "director", "writer"}, outputIDs(outputs))
	assert.Empty(t, rec.seen["analyst"])
	assert.Equal(t, []string{"analyst"}, rec.seen["director"])
	assert.Equal(t, []string{"analyst", "director"}, rec.seen["writer"])
}

func TestSequentialFailFast(t *testing.T) {
	rec := newRecordingExec()
	rec.fail["b"] = engineerr.Processing("validate output", "too short")

	outputs, err := Sequential{}.Run(context.Background(),
		[]*persistence.FlowStep{step("a", 0), step("b", 1), step("c", 2)}, rec.exec)

	var runErr *RunError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, []string{"b"}, runErr.Failed)
	assert.Equal(t, []string{"c"}, runErr.Unprocessed)
	assert.True(t, engineerr.Is(err, engineerr.CategoryProcessing))
	assert.Equal(t, []string{"a"}, outputIDs(outputs))
	_, attempted := rec.seen["c"]
	assert.False(t, attempted)
}

func TestSequentialStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Sequential{}.Run(ctx, []*persistence.FlowStep{step("a", 0)}, newRecordingExec().exec)

	var runErr *RunError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, []string{"a"}, runErr.Unprocessed)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGraphBatches(t *testing.T) {
	rec := newRecordingExec()
	steps := []*persistence.FlowStep{
		step("summary", 3, "copy", "media"),
		step("copy", 1, "research"),
		step("media", 2, "research"),
		step("research", 0),
	}
	outputs, err := Graph{}.Run(context.Background(), steps, rec.exec)
	require.NoError(t, err)

	assert.Equal(t, []string{"research", "copy", "media", "summary"}, outputIDs(outputs))
	assert.Empty(t, rec.seen["research"])
	// siblings in one batch do not see each other
	assert.Equal(t, []string{"research"}, rec.seen["copy"])
	assert.Equal(t, []string{"research"}, rec.seen["media"])
	assert.Equal(t, []string{"research", "copy", "media"}, rec.seen["summary"])
}

func TestGraphCycleReportsExactlyRemaining(t *testing.T) {
	rec := newRecordingExec()
	steps := []*persistence.FlowStep{
		step("intro", 0),
		step("b", 1, "c"),
		step("c", 2, "b"),
		step("self", 3, "self"),
		step("orphan", 4, "missing"),
	}
	outputs, err := Graph{}.Run(context.Background(), steps, rec.exec)

	var runErr *RunError
	require.ErrorAs(t, err, &runErr)
	assert.Empty(t, runErr.Failed)
	assert.Equal(t, []string{"b", "c", "self", "orphan"}, runErr.Unprocessed)
	assert.True(t, engineerr.Is(err, engineerr.CategoryDependency))
	assert.Equal(t, []string{"b", "c", "self", "orphan"}, engineerr.StepIDsOf(err))
	assert.Equal(t, []string{"intro"}, outputIDs(outputs))
	for _, id := range []string{"b", "c", "self", "orphan"} {
		_, attempted := rec.seen[id]
		assert.False(t, attempted, "step %s must not run", id)
	}
}

func TestGraphFailureDrainsBatch(t *testing.T) {
	rec := newRecordingExec()
	rec.fail["a"] = errors.New("boom")
	steps := []*persistence.FlowStep{
		step("a", 0),
		step("b", 1),
		step("c", 2, "a"),
		step("d", 3, "b"),
	}
	outputs, err := Graph{MaxConcurrency: 1}.Run(context.Background(), steps, rec.exec)

	var runErr *RunError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, []string{"a"}, runErr.Failed)
	assert.Equal(t, []string{"c", "d"}, runErr.Unprocessed)
	assert.Equal(t, []string{"b"}, outputIDs(outputs))
	_, attempted := rec.seen["d"]
	assert.False(t, attempted, "no new batch after a failure")
}

func TestStepStateMachine(t *testing.T) {
	path := []StepState{StatePending, StateBuildingContext, StatePrompting, StateInvoking, StateValidating, StatePersisted}
	for i := 1; i < len(path); i++ {
		assert.True(t, IsValidTransition(path[i-1], path[i]), "%s -> %s", path[i-1], path[i])
	}
	assert.True(t, IsValidTransition(StateValidating, StateInvoking), "retry after validation")
	assert.True(t, IsValidTransition(StatePrompting, StateFailed))
	assert.False(t, IsValidTransition(StatePending, StateInvoking))
	assert.False(t, IsValidTransition(StatePersisted, StateFailed))
	assert.True(t, IsTerminalState(StateFailed))
	assert.Empty(t, ValidNextStates(StatePersisted))
}
