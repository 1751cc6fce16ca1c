package main

import (
	"github.com/spf13/cobra"

	"stageengine/pkg/mcpserver"
	"stageengine/pkg/version"
)

// newMCPCmd creates the "stageengine mcp" subcommand.
func newMCPCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the stage tools over MCP stdio",
		Long: `Serves the run_stage and get_stage_output tools to an MCP client over
stdin and stdout. Logs keep going to stderr.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			eng, err := a.newEngine()
			if err != nil {
				return err
			}
			return mcpserver.NewServer(eng, a.store, version.Version).ServeStdio()
		},
	}
}
