package engine

import (
	"context"
	"errors"
	"time"

	"stageengine/pkg/engineerr"
	"stageengine/pkg/logx"
	"stageengine/pkg/persistence"
)

// Aggregator writes the single BriefOutput of a successful stage run and advances the brief.
type Aggregator struct {
	store  persistence.Store
	logger *logx.Logger
	now    func() time.Time
}

// NewAggregator creates an Aggregator over store.
func NewAggregator(store persistence.Store) *Aggregator {
	return &Aggregator{store: store, logger: logx.NewLogger("aggregator"), now: time.Now}
}

// AggregateInput is everything the aggregator needs from a finished run.
type AggregateInput struct {
	Brief    *persistence.Brief
	Stage    *persistence.Stage
	Feedback *persistence.StageFeedback
	Outputs  []persistence.StepOutput
	Metadata persistence.RunMetadata
}

// Aggregate appends a new BriefOutput for the run. Any feedback marks it reprocessed and
// links it to the output it supersedes; feedback that requires revision also stamps the
// superseded conversations and outputs of the stage.
func (a *Aggregator) Aggregate(ctx context.Context, in *AggregateInput) (*persistence.BriefOutput, error) {
	out := &persistence.BriefOutput{
		BriefID:       in.Brief.ID,
		StageID:       in.Stage.ID,
		Stage:         in.Stage.Name,
		ContentFormat: persistence.ContentFormatJSON,
		Content: persistence.StageOutputContent{
			Outputs:  sortOutputs(append([]persistence.StepOutput(nil), in.Outputs...)),
			Metadata: in.Metadata,
		},
	}

	fb := in.Feedback
	if fb != nil {
		now := a.now().UTC()
		out.FeedbackID = fb.ID
		out.IsReprocessed = true
		out.ReprocessedAt = &now

		prior, err := a.store.CurrentBriefOutput(ctx, in.Brief.ID, in.Stage.ID)
		switch {
		case err == nil:
			out.OriginalOutputID = prior.ID
		case errors.Is(err, persistence.ErrNotFound):
			a.logger.Warn("feedback %s given for stage %s with no earlier output", fb.ID, in.Stage.ID)
		default:
			return nil, engineerr.System("load current output", err)
		}
	}

	if err := a.store.InsertBriefOutput(ctx, out); err != nil {
		if engineerr.Is(err, engineerr.CategoryValidation) {
			return nil, err //nolint:wrapcheck // already classified
		}
		return nil, engineerr.System("persist brief output", err)
	}

	if fb != nil && fb.RequiresRevision {
		n, err := a.store.StampFeedback(ctx, in.Brief.ID, in.Stage.ID, fb.ID, *out.ReprocessedAt)
		if err != nil {
			return nil, engineerr.System("stamp feedback", err)
		}
		a.logger.Info("stamped %d earlier records of stage %s with feedback %s", n, in.Stage.ID, fb.ID)
	}

	if err := a.store.UpdateBriefProgress(ctx, in.Brief.ID, in.Stage.Name, persistence.BriefInProgress); err != nil {
		return nil, engineerr.System("update brief progress", err)
	}

	a.logger.Info("stage %s of brief %s stored as output %s (version %d, %d steps)",
		in.Stage.ID, in.Brief.ID, out.ID, out.Version, len(out.Content.Outputs))
	return out, nil
}
