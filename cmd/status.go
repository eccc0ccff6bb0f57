package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kamusis/persona/internal/metastore"
	"github.com/kamusis/persona/internal/registry"
	"github.com/kamusis/persona/internal/template"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the storage location, index codec and template counts",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, _ []string) error {
	b, err := openBackend()
	if err != nil {
		return err
	}

	printSection("persona status")
	printInfo("", fmt.Sprintf("root:       %s", emptyAs(b.Files.Root(), "(memory)")))
	printInfo("", fmt.Sprintf("files:      %s", b.Config.Storage.Files))
	printInfo("", fmt.Sprintf("index:      %s at %s", b.Config.Storage.Index, b.Meta.Location()))
	printInfo("", fmt.Sprintf("embeddings: %s", b.Embedder.ModelID()))

	ctx := cmd.Context()
	return view(ctx, func(s *registry.Session) error {
		printBullet("Templates:")
		for _, t := range template.Types() {
			recs, err := s.List(t, metastore.Filter{})
			if err != nil {
				return err
			}
			printOK(t.Dir(), fmt.Sprintf("%d registered", len(recs)))
		}
		report, err := s.Check(ctx)
		if err != nil {
			return err
		}
		if report.OK() {
			printOK("", "index and files agree")
		} else {
			printWarn("", fmt.Sprintf("%d indexed without files, %d unindexed (run 'persona index check')",
				len(report.MissingFiles), len(report.Unindexed)))
		}
		return nil
	})
}

func emptyAs(s, alt string) string {
	if s == "" {
		return alt
	}
	return s
}
