package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kamusis/persona/internal/registry"
)

var flagReindexForce bool

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Maintain the metadata index",
}

var indexRebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild the index from the stored template files",
	Long: `Re-read every stored ROLE.md and SKILL.md and rebuild the index from them.
Embeddings are reused for unchanged descriptions unless --force is given;
entries whose files are gone are dropped.`,
	Args: cobra.NoArgs,
	RunE: runIndexRebuild,
}

var indexCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Report differences between the index and the stored files",
	Args:  cobra.NoArgs,
	RunE:  runIndexCheck,
}

var indexFlushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Rewrite the index snapshots from the current index",
	Args:  cobra.NoArgs,
	RunE:  runIndexFlush,
}

func init() {
	indexRebuildCmd.Flags().BoolVar(&flagReindexForce, "force", false, "re-embed every description (e.g. after changing the embeddings provider)")
	indexCmd.AddCommand(indexRebuildCmd, indexCheckCmd, indexFlushCmd)
	rootCmd.AddCommand(indexCmd)
}

func runIndexRebuild(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	var report registry.ReindexReport
	err := update(ctx, func(s *registry.Session) error {
		var err error
		report, err = s.Reindex(ctx, registry.ReindexOptions{Force: flagReindexForce})
		return err
	})
	if err != nil {
		return err
	}

	printSection("persona index rebuild")
	for _, key := range report.Dropped {
		printMiss(key, "dropped (files missing)")
	}
	for _, key := range report.Skipped {
		printSkip(key, "skipped (no root file or description)")
	}
	printOK("", fmt.Sprintf("%d indexed, %d embedded, %d reused", report.Indexed, report.Reembedded, report.Reused))
	return nil
}

func runIndexCheck(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	var report registry.CheckReport
	err := view(ctx, func(s *registry.Session) error {
		var err error
		report, err = s.Check(ctx)
		return err
	})
	if err != nil {
		return err
	}

	printSection("persona index check")
	if report.OK() {
		printOK("", "index and files agree")
		return nil
	}
	for _, key := range report.MissingFiles {
		printErr(key, "indexed but its files are missing")
	}
	for _, key := range report.Unindexed {
		printWarn(key, "files present but not indexed")
	}
	fmt.Fprintln(stdout, "\n  Run 'persona index rebuild' to reconcile.")
	return fmt.Errorf("index check found %d problem(s)", len(report.MissingFiles)+len(report.Unindexed))
}

func runIndexFlush(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if err := update(ctx, func(s *registry.Session) error { return s.Flush(ctx) }); err != nil {
		return err
	}
	printOK("", "index snapshots written")
	return nil
}
