package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"stageengine/pkg/config"
	"stageengine/pkg/usage"
)

// newUsageCmd creates the "stageengine usage" subcommand.
func newUsageCmd(opts *rootOptions) *cobra.Command {
	var (
		prometheusURL string
		stageID       string
		asJSON        bool
	)
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show token usage of a stage per agent, from Prometheus",
		Long: `Queries a Prometheus server that scrapes "stageengine serve" for the
completion requests and tokens recorded for a stage.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			q, err := usage.NewQueryService(prometheusURL, cfg.Metrics.Namespace)
			if err != nil {
				return err
			}
			rows, err := q.StageUsageByAgent(cmd.Context(), stageID)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(w, rows)
			}
			if len(rows) == 0 {
				fmt.Fprintf(w, "No usage recorded for stage %s\n", stageID)
				return nil
			}
			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "AGENT\tREQUESTS\tPROMPT\tCOMPLETION\tTOTAL")
			for _, u := range rows {
				fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\n", u.AgentID, u.Requests, u.PromptTokens, u.CompletionTokens, u.TotalTokens)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&prometheusURL, "prometheus", "http://localhost:9090", "Prometheus base URL")
	cmd.Flags().StringVar(&stageID, "stage", "", "stage id")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print rows as JSON")
	_ = cmd.MarkFlagRequired("stage")
	return cmd
}
