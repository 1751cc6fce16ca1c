// Package persistence holds the stage engine's data model and its storage backends.
//
// Configuration rows (briefs, stages, flows, agents) are written by seeding and the CRUD
// layer. Conversations and brief outputs are written only by the engine and are
// append-only: earlier rows are never deleted, and only their feedback linkage is stamped
// when a newer run supersedes them.
package persistence

import (
	"context"
	"time"
)

// Store is the persistence contract used by the engine and the query surfaces.
type Store interface {
	// Configuration.
	GetBrief(ctx context.Context, id string) (*Brief, error)
	ListBriefs(ctx context.Context) ([]*Brief, error)
	UpsertBrief(ctx context.Context, brief *Brief) error
	UpdateBriefProgress(ctx context.Context, briefID, currentStage string, status BriefStatus) error

	GetStage(ctx context.Context, id string) (*Stage, error)
	ListStages(ctx context.Context) ([]*Stage, error)
	UpsertStage(ctx context.Context, stage *Stage) error

	GetFlowSteps(ctx context.Context, flowID string) ([]*FlowStep, error)
	UpsertFlow(ctx context.Context, flow *Flow) error

	GetAgent(ctx context.Context, id string) (*Agent, error)
	UpsertAgent(ctx context.Context, agent *Agent) error

	// Feedback.
	GetFeedback(ctx context.Context, id string) (*StageFeedback, error)
	InsertFeedback(ctx context.Context, fb *StageFeedback) error
	MarkFeedbackProcessed(ctx context.Context, id string) error

	// Engine output. Inserts assign ID (when empty), Version and CreatedAt.
	// A reprocessing insert with no original id is linked to the latest prior row.
	InsertConversation(ctx context.Context, conv *WorkflowConversation) error
	InsertBriefOutput(ctx context.Context, out *BriefOutput) error
	// StampFeedback links every still-open conversation and output of (brief, stage) to
	// feedbackID and returns the number of rows stamped.
	StampFeedback(ctx context.Context, briefID, stageID, feedbackID string, at time.Time) (int64, error)

	// Queries, newest first. An empty stageID matches every stage.
	ListBriefOutputs(ctx context.Context, briefID, stageID string) ([]*BriefOutput, error)
	ListConversations(ctx context.Context, briefID, stageID string) ([]*WorkflowConversation, error)
	CurrentBriefOutput(ctx context.Context, briefID, stageID string) (*BriefOutput, error)

	SchemaVersion(ctx context.Context) (int, error)
	Close() error
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
