package main

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"stageengine/pkg/api"
	"stageengine/pkg/mcpserver"
	"stageengine/pkg/version"
)

// newServeCmd creates the "stageengine serve" subcommand.
func newServeCmd(opts *rootOptions) *cobra.Command {
	var (
		addr    string
		noMCP   bool
		tracing bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Long: `Serves stage runs, stored outputs and feedback over HTTP until interrupted.

Routes:
  POST /api/v1/briefs/{brief}/stages/{stage}/run       - run a stage
  GET  /api/v1/briefs/{brief}/stages/{stage}/output    - current stage output
  POST /api/v1/briefs/{brief}/stages/{stage}/feedback  - submit feedback
  GET  /api/v1/briefs/{brief}/outputs                  - output history
  GET  /api/v1/briefs/{brief}/conversations            - conversation history
  GET  /metrics, /health, /api/logs
  ANY  /mcp                                            - MCP tools (streamable HTTP)`,
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

			var serverOpts []api.Option
			if a.registry != nil {
				serverOpts = append(serverOpts, api.WithMetricsHandler(promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})))
			}
			if tracing {
				serverOpts = append(serverOpts, api.WithTracing("stageengine"))
			}
			if !noMCP {
				serverOpts = append(serverOpts, api.WithMCPHandler(mcpserver.NewServer(eng, a.store, version.Version).HTTPHandler()))
			}

			if addr == "" {
				addr = a.cfg.Server.Addr
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Serving on %s\n", addr)
			return api.NewServer(eng, a.store, serverOpts...).Run(ctx, addr, a.cfg.Server.ShutdownTimeout)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().BoolVar(&noMCP, "no-mcp", false, "do not mount the MCP tools at /mcp")
	cmd.Flags().BoolVar(&tracing, "tracing", false, "emit OpenTelemetry spans for requests")
	return cmd
}
