package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newMigrateCmd creates the "stageengine migrate" subcommand.
func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the store schema",
		Long:  "Opens the configured store, which applies any pending migrations, and reports the schema version.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			v, err := a.store.SchemaVersion(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to read schema version: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s store at schema version %d\n", a.cfg.Store.Driver, v)
			return nil
		},
	}
}
