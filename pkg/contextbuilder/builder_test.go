package contextbuilder

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"stageengine/internal/mocks"
	"stageengine/pkg/knowledge"
	"stageengine/pkg/persistence"
)

func testBrief() *persistence.Brief {
	return &persistence.Brief{
		ID:             "B1",
		Title:          "Spring launch",
		Brand:          "Acme Outdoors",
		Description:    "Launch a new hiking boot line",
		Objectives:     "Grow retail sales by 20 percent",
		TargetAudience: "Weekend hikers aged 25-40",
		Budget:         "$50k media budget",
		Timeline:       "Eight weeks",
		Website:        "",
	}
}

func testAgent() *persistence.Agent {
	return &persistence.Agent{
		ID:   "analyst",
		Name: "Analyst",
		Skills: []persistence.Skill{
			{Name: "Budget planning", Description: "allocate media spend"},
		},
	}
}

func output(agent, step, text string) persistence.StepOutput {
	return persistence.StepOutput{
		Agent: agent, StepID: step,
		Outputs: []persistence.OutputRecord{{Content: text, Type: persistence.OutputConversational}},
	}
}

func TestFirstStageIncludesAllNonEmptyFields(t *testing.T) {
	b := New()
	bundle := b.Build(context.Background(), &Input{
		Brief:        testBrief(),
		Agent:        testAgent(),
		Step:         &persistence.FlowStep{ID: "s1", Requirements: "budget split"},
		PriorStages:  []StageOutputs{{StageName: "Ignored", Outputs: []persistence.StepOutput{output("X", "p1", "budget everywhere")}}},
		IsFirstStage: true,
	})

	rendered := bundle.Render()
	for _, f := range testBrief().Fields() {
		if f.Value == "" {
			assert.NotContains(t, rendered, "- "+f.Label+":")
			continue
		}
		assert.Contains(t, rendered, "- "+f.Label+": "+f.Value)
	}
	assert.NotContains(t, rendered, HeadingPreviousOutputs)
	assert.Empty(t, bundle.PreviousOutputs)
}

func TestLaterStageFiltersFieldsByKeyword(t *testing.T) {
	b := New()
	bundle := b.Build(context.Background(), &Input{
		Brief: testBrief(),
		Agent: testAgent(),
		Step:  &persistence.FlowStep{ID: "s1", Requirements: "Recommend a media budget"},
	})

	names := make([]string, 0, len(bundle.BriefFields))
	for _, f := range bundle.BriefFields {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"title", "brand", "budget"}, names)
}

func TestPreviousOutputsScoredAndExcerpted(t *testing.T) {
	b := New()
	prior := []StageOutputs{{
		StageName: "Kickoff",
		Outputs: []persistence.StepOutput{
			output("Writer", "k1", "The tone should be playful. Nothing else matters."),
			output("Analyst", "k2", "Budget is tight. Media spend favors social. Allocate budget weekly. Budget reviews monthly. Extra budget note."),
			output("Planner", "k3", "Media calendar is set. Launch in April."),
		},
	}}

	bundle := b.Build(context.Background(), &Input{
		Brief:       testBrief(),
		Agent:       testAgent(),
		Step:        &persistence.FlowStep{ID: "s2", Requirements: "budget allocation"},
		PriorStages: prior,
	})

	require.Len(t, bundle.PreviousOutputs, 2)
	assert.Equal(t, "Analyst - Kickoff", bundle.PreviousOutputs[0].Title)
	assert.Equal(t, "Planner - Kickoff", bundle.PreviousOutputs[1].Title)
	for i := 1; i < len(bundle.PreviousOutputs); i++ {
		assert.GreaterOrEqual(t, bundle.PreviousOutputs[i-1].Score, bundle.PreviousOutputs[i].Score)
	}

	sentences := ExtractSentences(NewQuery("budget allocation", testAgent().Skills),
		prior[0].Outputs[1].Text(), 3)
	assert.Len(t, sentences, 3)
	assert.Equal(t, "Budget is tight.", sentences[0])
	assert.Contains(t, bundle.Render(), HeadingPreviousOutputs)
}

func TestScoresNonIncreasingForAnyScorer(t *testing.T) {
	lengthScorer := ScorerFunc(func(_ Query, candidate string) float64 {
		return float64(len(candidate) % 7)
	})
	b := New(WithScorer(lengthScorer))

	var outputs []persistence.StepOutput
	for _, text := range []string{"a", "abcdef", "abc", "abcdefghij", "ab", "abcdefghijklm"} {
		outputs = append(outputs, output("A", text, text))
	}
	bundle := b.Build(context.Background(), &Input{
		Brief: testBrief(), Agent: testAgent(), Step: &persistence.FlowStep{ID: "s"},
		PriorStages: []StageOutputs{{StageName: "P", Outputs: outputs}},
	})
	require.NotEmpty(t, bundle.PreviousOutputs)
	for i := 1; i < len(bundle.PreviousOutputs); i++ {
		assert.GreaterOrEqual(t, bundle.PreviousOutputs[i-1].Score, bundle.PreviousOutputs[i].Score)
		assert.Positive(t, bundle.PreviousOutputs[i].Score)
	}
}

func TestRunOutputsAlwaysIncluded(t *testing.T) {
	bundle := New().Build(context.Background(), &Input{
		Brief:        testBrief(),
		Step:         &persistence.FlowStep{ID: "s2"},
		RunOutputs:   []persistence.StepOutput{output("Analyst", "s1", "Unrelated first analysis text.")},
		IsFirstStage: true,
	})
	rendered := bundle.Render()
	assert.Contains(t, rendered, HeadingRunOutputs)
	assert.Contains(t, rendered, "### Analyst (step s1)\nUnrelated first analysis text.")
}

func TestFeedbackBlock(t *testing.T) {
	b := New()
	revision := b.Build(context.Background(), &Input{
		Brief:    testBrief(),
		Feedback: &persistence.StageFeedback{Content: "Too generic.\nName competitors.", RequiresRevision: true},
	})
	assert.True(t, revision.Reprocessing)
	rendered := revision.Render()
	assert.True(t, strings.HasPrefix(rendered, HeadingFeedback))
	assert.Contains(t, rendered, "> Too generic.\n> Name competitors.")
	assert.Contains(t, rendered, "point by point")
	assert.Contains(t, rendered, "differ materially")

	info := b.Build(context.Background(), &Input{
		Brief:    testBrief(),
		Feedback: &persistence.StageFeedback{Content: "Looks good", RequiresRevision: false},
	})
	assert.False(t, info.Reprocessing)
	assert.Empty(t, info.FeedbackBlock)
	assert.Contains(t, info.Render(), HeadingNotes+"\nLooks good")
}

func TestAugment(t *testing.T) {
	retriever := &mocks.MockRetriever{}
	retriever.On("Search", mock.Anything, "prompt text", 0.8, 5).Return([]knowledge.Chunk{
		{Content: "low", Similarity: 0.4},
		{Content: "Prior launch doubled signups.", Similarity: 0.91},
	}, nil).Once()

	b := New(WithRetriever(retriever, 0))
	bundle := &Bundle{}
	n := b.Augment(context.Background(), bundle, "prompt text")

	assert.Equal(t, 1, n)
	assert.Equal(t, "Document 1 (similarity 91%): Prior launch doubled signups.", bundle.RetrievedBlock)
	assert.Contains(t, bundle.Render(), HeadingRetrieved)
	retriever.AssertExpectations(t)
}

func TestAugmentZeroThreshold(t *testing.T) {
	retriever := &mocks.MockRetriever{}
	retriever.On("Search", mock.Anything, "prompt text", 0.0, 5).Return([]knowledge.Chunk{
		{Content: "Weak but kept.", Similarity: 0.1},
	}, nil).Once()

	b := New(WithRetriever(retriever, 5), WithMinSimilarity(0))
	bundle := &Bundle{}

	assert.Equal(t, 1, b.Augment(context.Background(), bundle, "prompt text"))
	assert.Equal(t, "Document 1 (similarity 10%): Weak but kept.", bundle.RetrievedBlock)
	retriever.AssertExpectations(t)
}

func TestAugmentFailureIsSilent(t *testing.T) {
	retriever := &mocks.MockRetriever{}
	retriever.On("Search", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.New("connection refused"))

	b := New(WithRetriever(retriever, 5))
	bundle := &Bundle{BriefFields: []persistence.BriefField{{Name: "title", Label: "Title", Value: "X"}}}
	before := bundle.Render()

	assert.Zero(t, b.Augment(context.Background(), bundle, "anything"))
	assert.Equal(t, before, bundle.Render())
	assert.NotContains(t, bundle.Render(), HeadingRetrieved)
}
