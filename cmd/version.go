package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/kamusis/persona/internal/embeddings"
)

// Set at build time with -ldflags "-X github.com/kamusis/persona/cmd.version=...".
var (
	version   = "dev"
	commit    = ""
	buildDate = ""
)

var flagVersionShort bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show persona version and build information",
	// Skips config loading so a broken config never hides the version.
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	RunE:              runVersion,
}

func init() {
	versionCmd.Flags().BoolVar(&flagVersionShort, "short", false, "print the version number only")
	rootCmd.AddCommand(versionCmd)
}

func runVersion(_ *cobra.Command, _ []string) error {
	if flagVersionShort {
		fmt.Fprintln(stdout, version)
		return nil
	}
	rows := [][2]string{
		{"Version", version},
		{"Commit", emptyAs(commit, "n/a")},
		{"Built", emptyAs(buildDate, "n/a")},
		{"Runtime", fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH)},
		{"Embedder", "default " + embeddings.NewHash(0).ModelID()},
	}
	for _, r := range rows {
		fmt.Fprintf(stdout, "%-9s %s\n", r[0]+":", r[1])
	}
	return nil
}
