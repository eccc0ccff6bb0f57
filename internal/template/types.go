// Package template defines the role and skill template model shared by the
// stores, the coordinator and the registry.
package template

import (
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"

	"github.com/kamusis/persona/internal/errdefs"
)

// Type is the resource type of a template.
type Type string

const (
	Role  Type = "role"
	Skill Type = "skill"
)

// MaxNameLen is the longest accepted template name, in bytes.
const MaxNameLen = 128

// Types returns every supported type in a stable order.
func Types() []Type { return []Type{Role, Skill} }

// ParseType accepts the singular and plural spellings ("role", "roles").
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "role", "roles":
		return Role, nil
	case "skill", "skills":
		return Skill, nil
	}
	return "", errors.Wrapf(errdefs.ErrInvalidType, "%q", s)
}

// Valid reports whether t is one of the supported types.
func (t Type) Valid() bool { return t == Role || t == Skill }

// Dir is the storage directory for templates of this type.
func (t Type) Dir() string { return string(t) + "s" }

// RootFile is the name of the markdown definition at the top of a template directory.
func (t Type) RootFile() string {
	if t == Skill {
		return "SKILL.md"
	}
	return "ROLE.md"
}

func (t Type) String() string { return string(t) }

// Record is the metadata row kept for one template.
type Record struct {
	UUID        string
	Name        string
	Type        Type
	Description string
	Tags        []string
	Embedding   []float32
	Path        string
}

// Clone returns a deep copy of r, so stored records cannot be aliased by callers.
func (r Record) Clone() Record {
	out := r
	if r.Tags != nil {
		out.Tags = append([]string(nil), r.Tags...)
	}
	if r.Embedding != nil {
		out.Embedding = append([]float32(nil), r.Embedding...)
	}
	return out
}

// Files maps slash-separated relative paths to file contents.
type Files map[string][]byte

// Paths returns the relative paths in lexical order.
func (f Files) Paths() []string {
	out := make([]string, 0, len(f))
	for p := range f {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Clone returns a deep copy of f.
func (f Files) Clone() Files {
	if f == nil {
		return nil
	}
	out := make(Files, len(f))
	for p, b := range f {
		out[p] = append([]byte(nil), b...)
	}
	return out
}

// Validate checks that every path stays inside the template directory.
func (f Files) Validate() error {
	for _, p := range f.Paths() {
		if err := ValidatePath(p); err != nil {
			return err
		}
	}
	return nil
}

// Definition is a template's metadata together with its files.
type Definition struct {
	Record
	Files Files
}

// Content returns the template's root markdown file.
func (d Definition) Content() []byte {
	return d.Files[d.Type.RootFile()]
}

// StoragePath is the logical file store key of a template directory.
func StoragePath(t Type, name string) string {
	return path.Join(t.Dir(), name)
}

// NormalizeName returns name in NFC form with surrounding space removed.
func NormalizeName(name string) string {
	return strings.TrimSpace(norm.NFC.String(name))
}

// ValidateName rejects names that cannot serve as a single directory entry.
// Names starting with "." are reserved for staging and backup entries.
func ValidateName(name string) error {
	switch {
	case name == "":
		return errors.Wrap(errdefs.ErrInvalidName, "name is empty")
	case len(name) > MaxNameLen:
		return errors.Wrapf(errdefs.ErrInvalidName, "name is longer than %d bytes", MaxNameLen)
	case strings.HasPrefix(name, "."):
		return errors.Wrapf(errdefs.ErrInvalidName, "%q starts with a dot", name)
	case strings.ContainsAny(name, "/\\\x00"):
		return errors.Wrapf(errdefs.ErrInvalidName, "%q contains a path separator or NUL", name)
	}
	return nil
}

// ValidatePath reports a PathTraversalError for relative paths that are empty,
// absolute, or escape their base directory.
func ValidatePath(rel string) error {
	if rel == "" || strings.HasPrefix(rel, "/") || strings.Contains(rel, "\\") ||
		!filepath.IsLocal(filepath.FromSlash(rel)) {
		return &errdefs.PathTraversalError{Path: rel}
	}
	return nil
}

// NormalizeTags lowercases, trims, de-duplicates and sorts tags. It returns
// nil when no tag remains.
func NormalizeTags(tags []string) []string {
	lower := cases.Lower(language.Und)
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = lower.String(strings.TrimSpace(t))
		// Commas delimit tags in the columnar snapshot.
		t = strings.ReplaceAll(t, ",", " ")
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil
	}
	sort.Strings(out)
	return out
}
