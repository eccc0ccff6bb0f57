package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/kamusis/persona/internal/config"
	"github.com/kamusis/persona/internal/registry"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run pre-flight environment checks",
	Long: `Check that persona's configuration, storage, index and embeddings provider
are usable. Run this command when something seems wrong, or before filing a
bug report.`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	allOK := true
	failD := func(format string, args ...any) {
		printErr("", fmt.Sprintf(format, args...))
		allOK = false
	}

	printSection("persona doctor")
	fmt.Fprintln(stdout)

	// ── Check 1: config file ──────────────────────────────────────────────────
	fmt.Fprintln(stdout, "[ Configuration ]")
	cfgPath := flagConfig
	if cfgPath == "" {
		cfgPath, _ = config.ConfigPath()
	}
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		printWarn("", fmt.Sprintf("%s not found — using defaults (run 'persona init' to write it)", cfgPath))
	} else {
		printOK("", fmt.Sprintf("loaded %s", cfgPath))
	}
	if env, err := config.ReadDotEnv(); err != nil {
		failD("cannot parse .env: %v", err)
	} else if len(env) > 0 {
		printOK("", fmt.Sprintf(".env provides %d variable(s)", len(env)))
	}
	fmt.Fprintln(stdout)

	// ── Check 2: storage root is writable ─────────────────────────────────────
	fmt.Fprintln(stdout, "[ Storage ]")
	b, err := openBackend()
	if err != nil {
		failD("cannot open registry: %v", err)
	} else if root := b.Files.Root(); root != "" {
		probe := filepath.Join(root, ".persona-doctor-probe")
		if err := os.WriteFile(probe, []byte("probe"), 0o600); err != nil {
			failD("storage root %s is not writable: %v", root, err)
		} else {
			_ = os.Remove(probe)
			printOK("", fmt.Sprintf("storage root writable: %s", root))
		}
	} else {
		printWarn("", "in-memory file store — nothing is persisted")
	}
	fmt.Fprintln(stdout)

	// ── Check 3: index loads and agrees with the files ────────────────────────
	fmt.Fprintln(stdout, "[ Index ]")
	if b != nil {
		ctx := cmd.Context()
		err := view(ctx, func(s *registry.Session) error {
			report, err := s.Check(ctx)
			if err != nil {
				return err
			}
			if report.OK() {
				printOK("", fmt.Sprintf("%s index loads and matches the stored files", b.Config.Storage.Index))
				return nil
			}
			for _, key := range report.MissingFiles {
				failD("[%s] indexed but its files are missing", key)
			}
			for _, key := range report.Unindexed {
				printWarn(key, "files present but not indexed")
			}
			fmt.Fprintln(stdout, "     Run 'persona index rebuild' to reconcile.")
			return nil
		})
		if err != nil {
			failD("cannot read index: %v", err)
		}
	} else {
		printWarn("", "skipped (registry not opened)")
	}
	fmt.Fprintln(stdout)

	// ── Check 4: embeddings provider answers ──────────────────────────────────
	fmt.Fprintln(stdout, "[ Embeddings ]")
	if b != nil {
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		vec, err := b.Embedder.Embed(ctx, "persona doctor probe")
		if err != nil {
			failD("%s: %v", b.Embedder.ModelID(), err)
		} else {
			printOK("", fmt.Sprintf("%s returns %d-dimensional vectors", b.Embedder.ModelID(), len(vec)))
		}
	} else {
		printWarn("", "skipped (registry not opened)")
	}
	fmt.Fprintln(stdout)

	// ── Summary ──────────────────────────────────────────────────────────────
	fmt.Fprintln(stdout, "===================")
	if allOK {
		fmt.Fprintln(stdout, "✓  All checks passed. persona is ready to use.")
		return nil
	}
	fmt.Fprintln(stderr, "✗  One or more checks failed. See details above.")
	return fmt.Errorf("doctor found issues")
}
