package fixtures

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stageengine/pkg/persistence"
)

func TestDefaultFixturesAreValid(t *testing.T) {
	set, err := Default()
	require.NoError(t, err)
	assert.Len(t, set.Agents, 3)
	assert.Len(t, set.Stages, 2)
	require.Len(t, set.Flows, 2)
	assert.Equal(t, []string{"campaign-concept", "campaign-messaging"}, set.Flows[1].Steps[2].DependsOn)
	assert.Equal(t, "Acme Outdoors", set.Briefs[0].Brand)
}

func TestLoadRejectsBadReferences(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{
			name: "unknown agent",
			doc: `
flows:
  - id: f
    steps:
      - id: s1
        agent_id: ghost
`,
			want: `references unknown agent "ghost"`,
		},
		{
			name: "unknown dependency",
			doc: `
agents: [{id: a}]
flows:
  - id: f
    steps:
      - {id: s1, agent_id: a, depends_on: [s9]}
`,
			want: `depends on unknown step "s9"`,
		},
		{
			name: "unknown flow",
			doc:  "stages: [{id: kickoff, flow_id: nope}]",
			want: `references unknown flow "nope"`,
		},
		{
			name: "feedback for unknown brief",
			doc:  "stages: [{id: kickoff}]\nfeedback: [{id: f1, brief_id: b1, stage_id: kickoff}]",
			want: `references unknown brief "b1"`,
		},
		{
			name: "temperature out of range",
			doc:  "agents: [{id: a, temperature: 3}]",
			want: "outside [0, 2]",
		},
		{
			name: "unknown key",
			doc:  "agents: [{id: a, mood: cheerful}]",
			want: "failed to parse fixtures",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(strings.NewReader(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadEmptyDocument(t *testing.T) {
	set, err := Load(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, set.Agents)
}

func TestApplySeedsStore(t *testing.T) {
	ctx := context.Background()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "seed.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	set, err := Default()
	require.NoError(t, err)
	sum, err := Apply(ctx, store, set)
	require.NoError(t, err)
	assert.Equal(t, Summary{Agents: 3, Flows: 2, Stages: 2, Briefs: 1}, sum)

	steps, err := store.GetFlowSteps(ctx, "campaign-flow")
	require.NoError(t, err)
	require.Len(t, steps, 3)

	agent, err := store.GetAgent(ctx, "director")
	require.NoError(t, err)
	assert.Equal(t, "Creative Director", agent.Name)
	require.Len(t, agent.Skills, 2)
	assert.Equal(t, "Media planning", agent.Skills[1].Name)

	// reseeding keeps brief progress
	require.NoError(t, store.UpdateBriefProgress(ctx, "demo-brief", "Discovery", persistence.BriefInProgress))
	set, err = Default()
	require.NoError(t, err)
	_, err = Apply(ctx, store, set)
	require.NoError(t, err)
	brief, err := store.GetBrief(ctx, "demo-brief")
	require.NoError(t, err)
	assert.Equal(t, "Discovery", brief.CurrentStage)
	assert.Equal(t, persistence.BriefInProgress, brief.Status)
}

func TestApplyFeedbackOnce(t *testing.T) {
	ctx := context.Background()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "seed.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	path := filepath.Join(t.TempDir(), "fixtures.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
stages: [{id: kickoff, name: Kickoff}]
briefs: [{id: b1, title: Launch}]
feedback:
  - id: f1
    brief_id: b1
    stage_id: kickoff
    content: Lead with the price.
    requires_revision: true
`), 0o600))

	for want := 1; want >= 0; want-- {
		set, err := LoadFile(path)
		require.NoError(t, err)
		sum, err := Apply(ctx, store, set)
		require.NoError(t, err)
		assert.Equal(t, want, sum.Feedback)
	}

	fb, err := store.GetFeedback(ctx, "f1")
	require.NoError(t, err)
	assert.True(t, fb.RequiresRevision)
	assert.Equal(t, "Lead with the price.", fb.Content)
}
