package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"stageengine/pkg/version"
)

// rootOptions holds flags shared by every subcommand.
type rootOptions struct {
	configPath string
}

// newRootCmd creates the root stageengine command with all subcommands attached.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "stageengine",
		Short: "Multi-agent stage processing engine",
		Long: "stageengine runs the flow steps of a project stage through LLM agents,\n" +
			"stores every conversation and aggregates the results into a versioned stage output.",
		Version:       fmt.Sprintf("stageengine %s (commit %s, built %s)", version.Version, version.Commit, version.Date),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "",
		"config file (default ./stageengine.yaml or ./config/stageengine.yaml)")

	cmd.AddCommand(
		newServeCmd(opts),
		newRunCmd(opts),
		newSeedCmd(opts),
		newMigrateCmd(opts),
		newHistoryCmd(opts),
		newIngestCmd(opts),
		newUsageCmd(opts),
		newMCPCmd(opts),
	)

	return cmd
}
