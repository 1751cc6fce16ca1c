package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"stageengine/pkg/persistence"
)

func startPostgres(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres container test in short mode")
	}
	ctx := context.Background()

	pgContainer, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("stageengine"),
		tcpostgres.WithUsername("user"),
		tcpostgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Skipf("docker not available: %v", err)
	}
	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %s", err)
		}
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, Migrate(ctx, pool))
	// second run is a no-op
	require.NoError(t, Migrate(ctx, pool))
	return NewStore(pool)
}

func TestPostgresStore(t *testing.T) {
	store := startPostgres(t)
	ctx := context.Background()

	version, err := store.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, persistence.CurrentSchemaVersion, version)

	require.NoError(t, store.UpsertBrief(ctx, &persistence.Brief{ID: "B1", Title: "Launch", Brand: "Acme"}))
	require.NoError(t, store.UpsertStage(ctx, &persistence.Stage{ID: "kickoff", Name: "Kickoff", FlowID: "f1"}))
	require.NoError(t, store.UpsertFlow(ctx, &persistence.Flow{ID: "f1", Name: "Kickoff", Steps: []*persistence.FlowStep{
		{ID: "s1", AgentID: "analyst", OrderIndex: 0, Outputs: []string{"Market Overview"}},
		{ID: "s2", AgentID: "director", OrderIndex: 1, DependsOn: []string{"s1"}},
	}}))
	require.NoError(t, store.UpsertAgent(ctx, &persistence.Agent{ID: "analyst", Name: "Analyst",
		Skills: []persistence.Skill{{Name: "Research"}}}))

	t.Run("configuration", func(t *testing.T) {
		steps, err := store.GetFlowSteps(ctx, "f1")
		require.NoError(t, err)
		require.Len(t, steps, 2)
		assert.Equal(t, []string{"Market Overview"}, steps[0].Outputs)
		assert.Equal(t, []string{"s1"}, steps[1].DependsOn)

		agent, err := store.GetAgent(ctx, "analyst")
		require.NoError(t, err)
		require.Len(t, agent.Skills, 1)

		_, err = store.GetBrief(ctx, "missing")
		assert.ErrorIs(t, err, persistence.ErrNotFound)
	})

	t.Run("append only outputs", func(t *testing.T) {
		conv := &persistence.WorkflowConversation{BriefID: "B1", StageID: "kickoff", AgentID: "analyst",
			FlowStepID: "s1", Content: "analysis", OutputType: persistence.OutputConversational}
		require.NoError(t, store.InsertConversation(ctx, conv))
		assert.Equal(t, 1, conv.Version)

		content := persistence.StageOutputContent{Outputs: []persistence.StepOutput{{
			Agent: "Analyst", StepID: "s1",
			Outputs: []persistence.OutputRecord{{Content: "analysis", Type: persistence.OutputConversational}},
		}}}
		first := &persistence.BriefOutput{BriefID: "B1", StageID: "kickoff", Stage: "Kickoff", Content: content}
		require.NoError(t, store.InsertBriefOutput(ctx, first))

		stamped, err := store.StampFeedback(ctx, "B1", "kickoff", "F1", time.Now())
		require.NoError(t, err)
		assert.Equal(t, int64(2), stamped)

		second := &persistence.BriefOutput{BriefID: "B1", StageID: "kickoff", Stage: "Kickoff", Content: content,
			FeedbackID: "F1", IsReprocessed: true}
		require.NoError(t, store.InsertBriefOutput(ctx, second))
		assert.Equal(t, first.ID, second.OriginalOutputID)

		current, err := store.CurrentBriefOutput(ctx, "B1", "kickoff")
		require.NoError(t, err)
		assert.Equal(t, second.ID, current.ID)
		assert.Equal(t, 2, current.Version)

		outputs, err := store.ListBriefOutputs(ctx, "B1", "")
		require.NoError(t, err)
		assert.Len(t, outputs, 2)

		convs, err := store.ListConversations(ctx, "B1", "kickoff")
		require.NoError(t, err)
		require.Len(t, convs, 1)
		assert.Equal(t, "F1", convs[0].FeedbackID)
	})
}
