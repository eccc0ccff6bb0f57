// Package importer registers the templates found in an existing directory,
// such as an agent's skills folder, skipping ones already registered with
// identical content and reporting conflicts instead of overwriting them.
package importer

import (
	"context"
	"crypto/md5"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/kamusis/persona/internal/errdefs"
	"github.com/kamusis/persona/internal/logger"
	"github.com/kamusis/persona/internal/registry"
	"github.com/kamusis/persona/internal/template"
)

// Registrar is the part of a registry session the importer needs.
type Registrar interface {
	GetDefinition(ctx context.Context, t template.Type, name string) (template.Definition, error)
	Register(ctx context.Context, req registry.RegisterRequest) (template.Record, error)
}

// Options control ImportDir.
type Options struct {
	// Excludes are extra doublestar patterns of files to leave out.
	Excludes []string
	// Overwrite replaces registered templates whose content differs.
	Overwrite bool
}

// Failure records a template directory that could not be loaded.
type Failure struct {
	Dir string
	Err error
}

// Result is returned by ImportDir. Names are sorted.
type Result struct {
	Imported  []string // newly registered or overwritten
	Skipped   []string // already registered with identical files
	Conflicts []string // registered with different files, left untouched
	Failed    []Failure
}

// ImportDir registers every immediate subdirectory of srcDir that contains
// the root file of t (ROLE.md or SKILL.md). Directories that cannot be loaded
// are reported in Result.Failed; registry errors abort the import.
func ImportDir(ctx context.Context, reg Registrar, fsys afero.Fs, srcDir string, t template.Type, opts Options) (*Result, error) {
	entries, err := afero.ReadDir(fsys, srcDir)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read %s", srcDir)
	}
	log := logger.G(ctx).WithField("source", srcDir)
	result := &Result{}

	for _, e := range entries {
		if !e.IsDir() || e.Name()[0] == '.' {
			continue
		}
		dir := filepath.Join(srcDir, e.Name())
		if ok, _ := afero.Exists(fsys, filepath.Join(dir, t.RootFile())); !ok {
			continue
		}

		src, err := template.Load(fsys, dir, t, template.LoadOptions{Excludes: opts.Excludes})
		if err != nil {
			log.WithError(err).WithField("dir", dir).Warn("cannot load template")
			result.Failed = append(result.Failed, Failure{Dir: dir, Err: err})
			continue
		}

		existing, err := reg.GetDefinition(ctx, t, src.Name)
		switch {
		case err == nil:
			if fingerprint(existing.Files) == fingerprint(src.Files) {
				result.Skipped = append(result.Skipped, src.Name)
				continue
			}
			if !opts.Overwrite {
				result.Conflicts = append(result.Conflicts, src.Name)
				continue
			}
		case !errdefs.IsNotFound(err):
			return result, err
		}

		if _, err := reg.Register(ctx, registry.RegisterRequest{
			Type:        t,
			Name:        src.Name,
			Description: src.Description,
			Tags:        src.Tags,
			Files:       src.Files,
		}); err != nil {
			return result, err
		}
		result.Imported = append(result.Imported, src.Name)
	}

	sort.Strings(result.Imported)
	sort.Strings(result.Skipped)
	sort.Strings(result.Conflicts)
	return result, nil
}

// fingerprint digests every path and content of files in path order.
func fingerprint(files template.Files) string {
	h := md5.New()
	for _, p := range files.Paths() {
		fmt.Fprintf(h, "%s\x00%d\x00", p, len(files[p]))
		h.Write(files[p])
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// DefaultSources returns the skill folders of common agents that exist on
// this machine.
func DefaultSources() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	var out []string
	for _, rel := range [][]string{
		{".claude", "skills"},
		{".codex", "skills"},
		{".cursor", "skills"},
		{".gemini", "skills"},
		{".opencode", "skills"},
	} {
		dir := filepath.Join(append([]string{home}, rel...)...)
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			out = append(out, dir)
		}
	}
	return out
}
