package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"stageengine/pkg/knowledge"
)

// newIngestCmd creates the "stageengine ingest" subcommand.
func newIngestCmd(opts *rootOptions) *cobra.Command {
	var (
		title   string
		docType string
	)
	cmd := &cobra.Command{
		Use:   "ingest <file>...",
		Short: "Add documents to the knowledge index used for retrieval",
		Long: `Indexes each file as one document so later stage runs can retrieve it.
Files go to the retrieval service when retrieval.url is set, otherwise to the
local index in the sqlite store. Re-ingesting a file replaces it.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			r, err := a.retriever()
			if err != nil {
				return err
			}

			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("failed to read %s: %w", path, err)
				}
				content := strings.TrimSpace(string(data))
				if content == "" {
					return fmt.Errorf("%s is empty", path)
				}

				docTitle := title
				if docTitle == "" || len(args) > 1 {
					docTitle = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
				}
				doc := knowledge.Document{
					ID:      filepath.Clean(path),
					Content: content,
					Metadata: knowledge.ChunkMetadata{
						Source: path,
						Title:  docTitle,
						Type:   docType,
					},
				}
				if err := r.Ingest(cmd.Context(), doc); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Ingested %s\n", path)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "document title (single file only; default: file name)")
	cmd.Flags().StringVar(&docType, "type", "reference", "document type recorded in metadata")
	return cmd
}
