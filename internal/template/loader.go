package template

import (
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/kamusis/persona/internal/errdefs"
)

// DefaultExcludes are junk files never copied into the registry.
var DefaultExcludes = []string{
	".DS_Store", "Thumbs.db", ".git", "__pycache__", "**/*.pyc", "*.tmp", "*.bak", "*.swp", "*~",
}

// LoadOptions override the metadata found in a template's frontmatter.
type LoadOptions struct {
	Name        string
	Description string
	Tags        []string
	// Excludes are doublestar patterns, in addition to DefaultExcludes,
	// matched against the base name and the slash-separated relative path.
	Excludes []string
}

// Source is a template read from disk and ready to be registered.
type Source struct {
	Type        Type
	Name        string
	Description string
	Tags        []string
	Files       Files
}

// Load reads a template from p, which is either a template directory or its
// root file (ROLE.md / SKILL.md). Name and description default to the
// frontmatter values; the description falls back to the first body line and
// the name to the directory name. Both are written back into the root file.
func Load(fsys afero.Fs, p string, t Type, opts LoadOptions) (*Source, error) {
	if !t.Valid() {
		return nil, errors.Wrapf(errdefs.ErrInvalidType, "%q", t)
	}
	info, err := fsys.Stat(p)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot stat template %s", p)
	}

	dir := p
	files := Files{}
	if info.IsDir() {
		files, err = readDir(fsys, p, opts.excludes())
		if err != nil {
			return nil, err
		}
	} else {
		if filepath.Base(p) != t.RootFile() {
			return nil, errors.Errorf("%s is not a %s file", p, t.RootFile())
		}
		dir = filepath.Dir(p)
		b, err := afero.ReadFile(fsys, p)
		if err != nil {
			return nil, errors.Wrapf(err, "cannot read %s", p)
		}
		files[t.RootFile()] = b
	}

	root, ok := files[t.RootFile()]
	if !ok {
		return nil, errors.Errorf("template at %s has no %s", p, t.RootFile())
	}
	fm, body, err := ParseFrontmatter(root)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", filepath.Join(dir, t.RootFile()))
	}

	src := &Source{Type: t, Name: opts.Name, Description: opts.Description, Tags: opts.Tags}
	if src.Name == "" {
		src.Name = fm.Name
	}
	if src.Name == "" {
		src.Name = filepath.Base(filepath.Clean(dir))
	}
	src.Name = NormalizeName(src.Name)
	if err := ValidateName(src.Name); err != nil {
		return nil, err
	}
	if src.Description == "" {
		src.Description = fm.Description
	}
	if src.Description == "" {
		src.Description = inferDescriptionFromBody(body)
	}
	if strings.TrimSpace(src.Description) == "" {
		return nil, errors.Errorf("template %s has no description in its frontmatter, body or options", src.Name)
	}
	if len(src.Tags) == 0 {
		src.Tags = fm.Tags
	}
	src.Tags = NormalizeTags(src.Tags)

	rewritten, err := RewriteFrontmatter(root, src.Name, src.Description)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", filepath.Join(dir, t.RootFile()))
	}
	files[t.RootFile()] = rewritten
	src.Files = files
	return src, nil
}

func (o LoadOptions) excludes() []string {
	if len(o.Excludes) == 0 {
		return DefaultExcludes
	}
	return append(slices.Clone(DefaultExcludes), o.Excludes...)
}

func readDir(fsys afero.Fs, root string, excludes []string) (Files, error) {
	files := Files{}
	err := afero.Walk(fsys, root, func(p string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if p == root {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if matchesExclude(rel, excludes) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() || !info.Mode().IsRegular() {
			return nil
		}
		b, err := afero.ReadFile(fsys, p)
		if err != nil {
			return errors.Wrapf(err, "cannot read %s", p)
		}
		files[rel] = b
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "cannot scan template %s", root)
	}
	return files, nil
}

// matchesExclude reports whether rel matches any of the given patterns,
// checked against the base name and the full relative path.
func matchesExclude(rel string, patterns []string) bool {
	name := filepath.Base(rel)
	for _, pattern := range patterns {
		if matched, _ := doublestar.Match(pattern, name); matched {
			return true
		}
		if matched, _ := doublestar.Match(pattern, rel); matched {
			return true
		}
	}
	return false
}
