package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"stageengine/pkg/engine"
	"stageengine/pkg/engineerr"
	"stageengine/pkg/persistence"
)

type runFlags struct {
	briefID          string
	stageID          string
	feedbackID       string
	feedback         string
	requiresRevision bool
	strategy         string
	asJSON           bool
}

// newRunCmd creates the "stageengine run" subcommand.
func newRunCmd(opts *rootOptions) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one stage of a brief",
		Long: `Runs every flow step of the stage for the brief and stores the aggregated output.

Use --feedback-id to reprocess against stored feedback, or --feedback to submit
new feedback and reprocess against it in one go.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, opts)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			eng, err := a.newEngine()
			if err != nil {
				return err
			}

			if f.feedback != "" {
				if f.feedbackID != "" {
					return fmt.Errorf("--feedback and --feedback-id are mutually exclusive")
				}
				fb := &persistence.StageFeedback{
					BriefID:          f.briefID,
					StageID:          f.stageID,
					Content:          f.feedback,
					RequiresRevision: f.requiresRevision,
				}
				if err := a.store.InsertFeedback(ctx, fb); err != nil {
					return err
				}
				f.feedbackID = fb.ID
			}

			result, err := eng.RunStage(ctx, &engine.RunRequest{
				BriefID:    f.briefID,
				StageID:    f.stageID,
				FeedbackID: f.feedbackID,
				Strategy:   f.strategy,
			})
			if err != nil {
				return describeRunError(cmd.ErrOrStderr(), err)
			}
			if f.asJSON {
				return writeJSON(cmd.OutOrStdout(), result)
			}
			printResult(cmd.OutOrStdout(), f.stageID, result)
			return nil
		},
	}

	cmd.Flags().StringVar(&f.briefID, "brief", "", "brief id")
	cmd.Flags().StringVar(&f.stageID, "stage", "", "stage id")
	cmd.Flags().StringVar(&f.feedbackID, "feedback-id", "", "stored feedback to reprocess against")
	cmd.Flags().StringVar(&f.feedback, "feedback", "", "submit this feedback, then reprocess against it")
	cmd.Flags().BoolVar(&f.requiresRevision, "requires-revision", true, "mark submitted feedback as requiring a revision")
	cmd.Flags().StringVar(&f.strategy, "strategy", "", "auto, sequential or graph (default from config)")
	cmd.Flags().BoolVar(&f.asJSON, "json", false, "print the result as JSON")
	_ = cmd.MarkFlagRequired("brief")
	_ = cmd.MarkFlagRequired("stage")
	return cmd
}

func printResult(w io.Writer, stageID string, r *engine.RunResult) {
	kind := "run"
	if r.IsReprocessed {
		kind = "reprocessed"
	}
	fmt.Fprintf(w, "Stage %s %s: version %d, %s strategy, %d steps in %s\n",
		stageID, kind, r.Version, r.Strategy, len(r.Outputs), r.Duration.Round(time.Millisecond))
	for i := range r.Outputs {
		out := &r.Outputs[i]
		fmt.Fprintf(w, "\n## %s (%s)\n%s\n", out.Agent, out.StepID, strings.TrimSpace(out.Text()))
	}
	if r.NextStageID != "" {
		fmt.Fprintf(w, "\nNext stage: %s\n", r.NextStageID)
	}
}

// describeRunError prints which steps failed or never ran before returning err.
func describeRunError(w io.Writer, err error) error {
	var runErr *engine.RunError
	if errors.As(err, &runErr) {
		if len(runErr.Failed) > 0 {
			fmt.Fprintf(w, "failed steps: %s\n", strings.Join(runErr.Failed, ", "))
		}
		if len(runErr.Unprocessed) > 0 {
			fmt.Fprintf(w, "unprocessed steps: %s\n", strings.Join(runErr.Unprocessed, ", "))
		}
	}
	return fmt.Errorf("%s error: %w", engineerr.CategoryOf(err), err)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
