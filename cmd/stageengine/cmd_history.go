package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"stageengine/pkg/persistence"
)

// newHistoryCmd creates the "stageengine history" subcommand.
func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var (
		briefID       string
		stageID       string
		conversations bool
		asJSON        bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List stored stage outputs or conversations for a brief, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, opts)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			if _, err := a.store.GetBrief(ctx, briefID); err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if conversations {
				convs, err := a.store.ListConversations(ctx, briefID, stageID)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(w, convs)
				}
				return printConversations(w, convs)
			}

			outputs, err := a.store.ListBriefOutputs(ctx, briefID, stageID)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(w, outputs)
			}
			return printOutputs(w, outputs)
		},
	}

	cmd.Flags().StringVar(&briefID, "brief", "", "brief id")
	cmd.Flags().StringVar(&stageID, "stage", "", "only this stage (default: all stages)")
	cmd.Flags().BoolVar(&conversations, "conversations", false, "list step conversations instead of stage outputs")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print rows as JSON")
	_ = cmd.MarkFlagRequired("brief")
	return cmd
}

func printOutputs(w io.Writer, outputs []*persistence.BriefOutput) error {
	if len(outputs) == 0 {
		fmt.Fprintln(w, "No stage outputs yet")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STAGE\tVERSION\tSTEPS\tREPROCESSED\tFEEDBACK\tCREATED")
	for _, out := range outputs {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%t\t%s\t%s\n",
			out.StageID, out.Version, len(out.Content.Outputs), out.IsReprocessed,
			orDash(out.FeedbackID), out.CreatedAt.Format(time.DateTime))
	}
	return tw.Flush()
}

func printConversations(w io.Writer, convs []*persistence.WorkflowConversation) error {
	if len(convs) == 0 {
		fmt.Fprintln(w, "No conversations yet")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STAGE\tSTEP\tAGENT\tVERSION\tREPROCESSED\tFEEDBACK\tOUTPUT")
	for _, c := range convs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%t\t%s\t%s\n",
			c.StageID, c.FlowStepID, c.AgentID, c.Version, c.Reprocessing, orDash(c.FeedbackID), preview(c.Content, 48))
	}
	return tw.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// preview returns the first line of s cut to n runes.
func preview(s string, n int) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if r := []rune(s); len(r) > n {
		return string(r[:n]) + "..."
	}
	return s
}
