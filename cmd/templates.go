package cmd

import (
	"fmt"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kamusis/persona/internal/metastore"
	"github.com/kamusis/persona/internal/registry"
	"github.com/kamusis/persona/internal/template"
)

func init() {
	rootCmd.AddCommand(newTemplateCmd(template.Role), newTemplateCmd(template.Skill))
}

// newTemplateCmd builds the "roles" or "skills" command tree.
func newTemplateCmd(t template.Type) *cobra.Command {
	plural := t.Dir()
	c := &cobra.Command{
		Use:     plural,
		Aliases: []string{string(t)},
		Short:   fmt.Sprintf("Register, find and fetch %s", plural),
	}
	c.AddCommand(
		newRegisterCmd(t),
		newListCmd(t),
		newRemoveCmd(t),
		newGetCmd(t),
		newMatchCmd(t),
		newVersionOfCmd(t),
	)
	if t == template.Skill {
		c.AddCommand(newInstallCmd())
	}
	return c
}

func newRegisterCmd(t template.Type) *cobra.Command {
	var (
		opts template.LoadOptions
		id   string
	)
	c := &cobra.Command{
		Use:   "register <path>",
		Short: fmt.Sprintf("Register a %s from a directory or its %s", t, t.RootFile()),
		Long: fmt.Sprintf(`Copy a %[1]s into the registry and index its description.

<path> is a directory containing %[2]s, or %[2]s itself. The name and
description default to the frontmatter of %[2]s; the name falls back to the
directory name and the description to the first line of the body.
Registering an existing name replaces it.`, t, t.RootFile()),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			var rec template.Record
			err = update(ctx, func(s *registry.Session) error {
				var err error
				rec, err = s.RegisterDir(ctx, t, path, opts, id)
				return err
			})
			if err != nil {
				return err
			}
			printOK(rec.Name, fmt.Sprintf("registered %s (version %s)", t, rec.UUID))
			return nil
		},
	}
	f := c.Flags()
	f.StringVar(&opts.Name, "name", "", "name to register under (default from frontmatter or directory)")
	f.StringVar(&opts.Description, "description", "", "description to index (default from frontmatter)")
	f.StringSliceVar(&opts.Tags, "tags", nil, "comma-separated tags (default from frontmatter)")
	f.StringSliceVar(&opts.Excludes, "exclude", nil, "extra glob patterns of files to skip")
	f.StringVar(&id, "uuid", "", "pin the version uuid instead of generating one")
	return c
}

func newListCmd(t template.Type) *cobra.Command {
	var (
		tags     []string
		keywords string
	)
	c := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   fmt.Sprintf("List registered %s", t.Dir()),
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var recs []template.Record
			err := view(cmd.Context(), func(s *registry.Session) error {
				var err error
				recs, err = s.List(t, metastore.Filter{Tags: tags, Keywords: keywords})
				return err
			})
			if err != nil {
				return err
			}
			printRecords(t, recs)
			return nil
		},
	}
	c.Flags().StringSliceVar(&tags, "tag", nil, "only show entries carrying all of these tags")
	c.Flags().StringVar(&keywords, "keyword", "", "only show entries mentioning every word")
	return c
}

func printRecords(t template.Type, recs []template.Record) {
	if len(recs) == 0 {
		printMiss("", fmt.Sprintf("no %s registered", t.Dir()))
		return
	}
	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tDESCRIPTION\tTAGS")
	for _, r := range recs {
		fmt.Fprintf(w, "%s\t%s\t%s\n", r.Name, oneLine(r.Description, 72), strings.Join(r.Tags, ","))
	}
	_ = w.Flush()
}

func newRemoveCmd(t template.Type) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <name>...",
		Aliases: []string{"rm"},
		Short:   fmt.Sprintf("Remove %s from the registry", t.Dir()),
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return update(ctx, func(s *registry.Session) error {
				for _, name := range args {
					if err := s.Remove(ctx, t, name); err != nil {
						return err
					}
					printOK(name, "removed")
				}
				return nil
			})
		},
	}
}

func newGetCmd(t template.Type) *cobra.Command {
	var (
		file      string
		listFiles bool
	)
	c := &cobra.Command{
		Use:   "get <name>",
		Short: fmt.Sprintf("Print a %s's %s (or another of its files)", t, t.RootFile()),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var def template.Definition
			err := view(ctx, func(s *registry.Session) error {
				var err error
				def, err = s.GetDefinition(ctx, t, args[0])
				return err
			})
			if err != nil {
				return err
			}
			if listFiles {
				for _, p := range def.Files.Paths() {
					fmt.Fprintln(stdout, p)
				}
				return nil
			}
			if file == "" {
				_, err = stdout.Write(def.Content())
				return err
			}
			data, ok := def.Files[filepath.ToSlash(file)]
			if !ok {
				return fmt.Errorf("%s %s has no file %s", t, def.Name, file)
			}
			_, err = stdout.Write(data)
			return err
		},
	}
	c.Flags().StringVar(&file, "file", "", "relative path of the file to print")
	c.Flags().BoolVar(&listFiles, "files", false, "list the stored file paths instead")
	return c
}

func newMatchCmd(t template.Type) *cobra.Command {
	var (
		limit       int
		maxDistance float64
	)
	c := &cobra.Command{
		Use:   "match <query>...",
		Short: fmt.Sprintf("Find the %s closest to a task description", t.Dir()),
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("limit") {
				limit = appCfg.Search.MaxResults
			}
			if !cmd.Flags().Changed("max-distance") {
				maxDistance = appCfg.Search.MaxCosineDistance
			}
			query := strings.Join(args, " ")
			ctx := cmd.Context()
			var matches []metastore.Match
			err := view(ctx, func(s *registry.Session) error {
				var err error
				matches, err = s.Match(ctx, query, t, limit)
				return err
			})
			if err != nil {
				return err
			}
			printMatches(t, query, registry.WithinDistance(matches, maxDistance))
			return nil
		},
	}
	c.Flags().IntVarP(&limit, "limit", "k", 0, "maximum number of results (default search.max_results)")
	c.Flags().Float64Var(&maxDistance, "max-distance", 0, "drop results with a larger cosine distance (default search.max_cosine_distance)")
	return c
}

func printMatches(t template.Type, query string, matches []metastore.Match) {
	fmt.Fprintf(stdout, "\npersona %s match %q\n\n", t.Dir(), query)
	fmt.Fprintf(stdout, "Results (%d found):\n", len(matches))
	if len(matches) == 0 {
		return
	}
	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	for i, m := range matches {
		fmt.Fprintf(w, "  %d.\t[%.3f]\t%s\n", i+1, m.Distance, m.Record.Name)
		fmt.Fprintf(w, "  - %s\n", oneLine(m.Record.Description, 100))
	}
	_ = w.Flush()
}

func newVersionOfCmd(t template.Type) *cobra.Command {
	return &cobra.Command{
		Use:   "version <name>",
		Short: fmt.Sprintf("Print the version uuid of a %s", t),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return view(cmd.Context(), func(s *registry.Session) error {
				id, err := s.Version(t, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(stdout, id)
				return nil
			})
		},
	}
}

func newInstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install <name> <target-dir>",
		Short: "Copy a skill into <target-dir>/<name>",
		Long: `Copy a registered skill into <target-dir>/<name>, replacing a previous
install of the same skill. <target-dir> must exist, e.g. ~/.claude/skills.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := filepath.Abs(args[1])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			var installed string
			err = view(ctx, func(s *registry.Session) error {
				var err error
				installed, err = s.Install(ctx, args[0], target)
				return err
			})
			if err != nil {
				return err
			}
			printOK(args[0], fmt.Sprintf("installed: %s", installed))
			return nil
		},
	}
}

// oneLine collapses whitespace and truncates s to n runes.
func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
