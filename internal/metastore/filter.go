package metastore

import (
	"strings"

	"github.com/kamusis/persona/internal/template"
)

// Filter narrows List results. The zero Filter matches everything.
type Filter struct {
	// Tags must all be present on a record.
	Tags []string
	// Keywords is a whitespace separated query; every token must occur,
	// case-insensitively, in the name, description or tags.
	Keywords string
}

// Match reports whether rec satisfies f.
func (f Filter) Match(rec template.Record) bool {
	if len(f.Tags) > 0 {
		have := make(map[string]struct{}, len(rec.Tags))
		for _, t := range rec.Tags {
			have[t] = struct{}{}
		}
		for _, t := range template.NormalizeTags(f.Tags) {
			if _, ok := have[t]; !ok {
				return false
			}
		}
	}

	tokens := tokenize(f.Keywords)
	if len(tokens) == 0 {
		return true
	}
	blob := strings.ToLower(strings.Join([]string{rec.Name, rec.Description, strings.Join(rec.Tags, " ")}, "\n"))
	for _, tok := range tokens {
		if !strings.Contains(blob, tok) {
			return false
		}
	}
	return true
}

func tokenize(q string) []string {
	parts := strings.Fields(q)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.ToLower(p))
	}
	return out
}
