package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kamusis/persona/internal/metastore"
	"github.com/kamusis/persona/internal/registry"
	"github.com/kamusis/persona/internal/template"
)

var (
	flagSearchK           int
	flagSearchMaxDistance float64
	flagSearchKeyword     bool
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search roles and skills by semantic similarity or keyword",
	Long: `Search both roles and skills. By default results are ranked by the cosine
distance between the query and each description; --keyword switches to a
plain substring match over names, descriptions and tags.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSearch,
}

func init() {
	searchCmd.Flags().IntVar(&flagSearchK, "k", 0, "number of results per type (default search.max_results)")
	searchCmd.Flags().Float64Var(&flagSearchMaxDistance, "max-distance", 0, "maximum cosine distance to include (default search.max_cosine_distance)")
	searchCmd.Flags().BoolVar(&flagSearchKeyword, "keyword", false, "keyword search only")
	rootCmd.AddCommand(searchCmd)
}

type searchResult struct {
	rec      template.Record
	distance float64
	semantic bool
}

func runSearch(cmd *cobra.Command, args []string) error {
	query := strings.Join(args, " ")
	k := appCfg.Search.MaxResults
	if cmd.Flags().Changed("k") {
		k = flagSearchK
	}
	maxDistance := appCfg.Search.MaxCosineDistance
	if cmd.Flags().Changed("max-distance") {
		maxDistance = flagSearchMaxDistance
	}

	ctx := cmd.Context()
	grouped := make(map[template.Type][]searchResult)
	err := view(ctx, func(s *registry.Session) error {
		for _, t := range template.Types() {
			if flagSearchKeyword {
				recs, err := s.List(t, metastore.Filter{Keywords: query})
				if err != nil {
					return err
				}
				if k > 0 && len(recs) > k {
					recs = recs[:k]
				}
				for _, r := range recs {
					grouped[t] = append(grouped[t], searchResult{rec: r})
				}
				continue
			}
			matches, err := s.Match(ctx, query, t, k)
			if err != nil {
				return err
			}
			for _, m := range registry.WithinDistance(matches, maxDistance) {
				grouped[t] = append(grouped[t], searchResult{rec: m.Record, distance: m.Distance, semantic: true})
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	printSearchResults(query, grouped)
	return nil
}

func printSearchResults(query string, grouped map[template.Type][]searchResult) {
	total := 0
	for _, rs := range grouped {
		total += len(rs)
	}
	fmt.Fprintf(stdout, "\npersona search %q\n\n", query)
	fmt.Fprintf(stdout, "Results (%d found):\n", total)

	for _, t := range template.Types() {
		items := grouped[t]
		if len(items) == 0 {
			continue
		}
		fmt.Fprintf(stdout, "\n%s (%d):\n", t.Dir(), len(items))

		w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
		for i, r := range items {
			score := ""
			if r.semantic {
				score = fmt.Sprintf("[%.3f]", r.distance)
			}
			fmt.Fprintf(w, "  %d.\t%s\t%s\n", i+1, score, r.rec.Name)
			fmt.Fprintf(w, "  - %s\n", oneLine(r.rec.Description, 100))
		}
		_ = w.Flush()
	}
}
