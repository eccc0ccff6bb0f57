package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/kamusis/persona/internal/config"
	"github.com/kamusis/persona/internal/importer"
	"github.com/kamusis/persona/internal/registry"
	"github.com/kamusis/persona/internal/template"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create ~/.persona and optionally import existing skills",
	Long: `Initialize persona:

  - write ~/.persona/config.yaml with the defaults (if missing)
  - write a ~/.persona/.env template for embeddings credentials (if missing)
  - create the storage root and an empty index
  - import roles and skills from the given directories (--import-roles,
    --import-skills), or the skills folders of installed agents with
    --import-agents`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

var (
	flagImportRoles  []string
	flagImportSkills []string
	flagImportAgents bool
	flagOverwrite    bool
)

func init() {
	initCmd.Flags().StringSliceVar(&flagImportRoles, "import-roles", nil, "directories whose subdirectories hold ROLE.md files")
	initCmd.Flags().StringSliceVar(&flagImportSkills, "import-skills", nil, "directories whose subdirectories hold SKILL.md files")
	initCmd.Flags().BoolVar(&flagImportAgents, "import-agents", false, "import skills from ~/.claude/skills, ~/.codex/skills and similar folders")
	initCmd.Flags().BoolVar(&flagOverwrite, "overwrite", false, "replace registered templates whose files differ")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, _ []string) error {
	// ── 1. Resolve ~/.persona ─────────────────────────────────────────────────
	dir, err := config.PersonaDir()
	if err != nil {
		return err
	}
	cfgPath := flagConfig
	if cfgPath == "" {
		if cfgPath, err = config.ConfigPath(); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create %s: %w", dir, err)
	}
	printOK("", fmt.Sprintf("persona directory ready: %s", dir))

	// ── 2. Write config.yaml if missing ───────────────────────────────────────
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.Save(cfgPath, appCfg); err != nil {
			return err
		}
		printOK("", fmt.Sprintf("Config written: %s", cfgPath))
	} else {
		printSkip("", fmt.Sprintf("Config already exists: %s", cfgPath))
	}

	// ── 3. .env template ──────────────────────────────────────────────────────
	if err := config.EnsureDotEnvTemplate(); err != nil {
		return err
	}

	// ── 4. Storage root and index ─────────────────────────────────────────────
	ctx := cmd.Context()
	if err := update(ctx, func(s *registry.Session) error { return s.Flush(ctx) }); err != nil {
		return err
	}
	printOK("", fmt.Sprintf("Registry ready: %s (%s index)", appCfg.Root, appCfg.Storage.Index))

	// ── 5. Import existing templates ──────────────────────────────────────────
	sources := map[template.Type][]string{
		template.Role:  flagImportRoles,
		template.Skill: flagImportSkills,
	}
	if flagImportAgents {
		sources[template.Skill] = append(sources[template.Skill], importer.DefaultSources()...)
	}
	if err := importSources(cmd, sources); err != nil {
		return err
	}

	fmt.Fprintln(stdout, "\n✓  persona init complete. Run 'persona status' to verify your environment.")
	return nil
}

// importSources imports each source directory and prints grouped results.
func importSources(cmd *cobra.Command, sources map[template.Type][]string) error {
	if len(sources[template.Role]) == 0 && len(sources[template.Skill]) == 0 {
		return nil
	}
	printSection("Import Existing Templates")

	ctx := cmd.Context()
	host := afero.NewOsFs()
	var conflicts int
	for _, t := range template.Types() {
		for _, src := range sources[t] {
			var res *importer.Result
			err := update(ctx, func(s *registry.Session) error {
				var err error
				res, err = importer.ImportDir(ctx, s, host, src, t, importer.Options{Overwrite: flagOverwrite})
				return err
			})
			if err != nil {
				printErr(src, err.Error())
				continue
			}
			printBullet(fmt.Sprintf("%s (%s)", src, t.Dir()))
			for _, name := range res.Imported {
				printOK(name, "imported")
			}
			for _, name := range res.Skipped {
				printSkip(name, "already registered")
			}
			for _, name := range res.Conflicts {
				printWarn(name, "registered with different files (use --overwrite to replace)")
			}
			for _, f := range res.Failed {
				printErr(f.Dir, f.Err.Error())
			}
			conflicts += len(res.Conflicts)
		}
	}
	if conflicts > 0 {
		fmt.Fprintf(stdout, "\n⚠  %d conflict(s) detected during import; the registered versions were kept.\n", conflicts)
	}
	return nil
}
