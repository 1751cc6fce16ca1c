package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"stageengine/pkg/fixtures"
)

// newSeedCmd creates the "stageengine seed" subcommand.
func newSeedCmd(opts *rootOptions) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load agents, flows, stages and briefs into the store",
		Long: `Loads a YAML fixture file into the store, or the built-in demo set when no
--file is given. Seeding is idempotent: configuration rows are upserted, briefs
keep their progress and feedback that already exists is skipped.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			set, err := loadFixtures(file)
			if err != nil {
				return err
			}

			a, err := openApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			summary, err := fixtures.Apply(cmd.Context(), a.store, set)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Seeded %s\n", summary)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "fixture file (default: built-in demo set)")
	return cmd
}

func loadFixtures(file string) (*fixtures.Set, error) {
	if file == "" {
		return fixtures.Default()
	}
	return fixtures.LoadFile(file)
}
