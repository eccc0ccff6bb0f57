package registry

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kamusis/persona/internal/errdefs"
	"github.com/kamusis/persona/internal/filestore"
	"github.com/kamusis/persona/internal/logger"
	"github.com/kamusis/persona/internal/metastore"
	"github.com/kamusis/persona/internal/template"
	"github.com/kamusis/persona/internal/txn"
)

// RegisterRequest describes a template to create or replace.
type RegisterRequest = txn.RegisterRequest

// Session is an open registry view. Writable sessions hold the store lock
// until Close or Discard.
type Session struct {
	r    *Registry
	meta *metastore.Session
}

// ReadOnly reports whether the session rejects mutations.
func (s *Session) ReadOnly() bool { return s.meta.ReadOnly() }

// Register stores a template's files and indexes its metadata. The files
// must contain the type's root file (ROLE.md or SKILL.md).
func (s *Session) Register(ctx context.Context, req RegisterRequest) (template.Record, error) {
	req.Name = template.NormalizeName(req.Name)
	var rec template.Record
	err := withSpan(ctx, "registry.register", func(ctx context.Context) error {
		if s.meta.ReadOnly() {
			return errdefs.ErrReadOnly
		}
		if req.Type.Valid() {
			if _, ok := req.Files[req.Type.RootFile()]; !ok {
				return errors.Errorf("%s/%s: files must include %s", req.Type, req.Name, req.Type.RootFile())
			}
		}
		var err error
		rec, err = s.r.coord.Register(ctx, s.meta, req)
		return err
	}, keyAttrs(string(req.Type), req.Name)...)
	return rec, err
}

// RegisterDir loads the template at path, a directory or its root file, and
// registers it. Options override the metadata found in the frontmatter.
func (s *Session) RegisterDir(ctx context.Context, t template.Type, path string, opts template.LoadOptions, id string) (template.Record, error) {
	src, err := template.Load(s.r.host, path, t, opts)
	if err != nil {
		return template.Record{}, err
	}
	return s.Register(ctx, RegisterRequest{
		Type:        t,
		Name:        src.Name,
		UUID:        id,
		Description: src.Description,
		Tags:        src.Tags,
		Files:       src.Files,
	})
}

// Remove deletes a template from both stores.
func (s *Session) Remove(ctx context.Context, t template.Type, name string) error {
	return withSpan(ctx, "registry.remove", func(ctx context.Context) error {
		if s.meta.ReadOnly() {
			return errdefs.ErrReadOnly
		}
		if !t.Valid() {
			return errors.Wrapf(errdefs.ErrInvalidType, "%q", t)
		}
		return s.r.coord.Remove(ctx, s.meta, t, name)
	}, keyAttrs(string(t), name)...)
}

// List returns the records of type t matching f, in insertion order.
func (s *Session) List(t template.Type, f metastore.Filter) ([]template.Record, error) {
	if !t.Valid() {
		return nil, errors.Wrapf(errdefs.ErrInvalidType, "%q", t)
	}
	out := []template.Record{}
	for rec := range s.meta.List(t, f) {
		out = append(out, rec)
	}
	return out, nil
}

// Match embeds query and returns the topK closest templates of type t with
// their cosine distances, closest first. No distance threshold is applied.
func (s *Session) Match(ctx context.Context, query string, t template.Type, topK int) ([]metastore.Match, error) {
	var matches []metastore.Match
	err := withSpan(ctx, "registry.match", func(ctx context.Context) error {
		if strings.TrimSpace(query) == "" {
			return errors.New("query is empty")
		}
		if !t.Valid() {
			return errors.Wrapf(errdefs.ErrInvalidType, "%q", t)
		}
		if topK <= 0 {
			return errdefs.ErrInvalidTopK
		}
		if s.meta.Count(t) == 0 {
			matches = []metastore.Match{}
			return nil
		}
		vec, err := s.r.queries.Embed(ctx, query)
		if err != nil {
			return errors.Wrap(err, "cannot embed query")
		}
		matches, err = s.meta.Search(t, vec, topK)
		return err
	}, attribute.String("template.type", string(t)), attribute.Int("top_k", topK))
	return matches, err
}

// GetDefinition returns the record and files of (t, name).
func (s *Session) GetDefinition(ctx context.Context, t template.Type, name string) (template.Definition, error) {
	var def template.Definition
	err := withSpan(ctx, "registry.get_definition", func(ctx context.Context) error {
		rec, err := s.meta.Get(t, name)
		if err != nil {
			return err
		}
		files, err := s.r.files.Get(ctx, t, name)
		if err != nil {
			return err
		}
		def = template.Definition{Record: rec, Files: files}
		return nil
	}, keyAttrs(string(t), name)...)
	return def, err
}

// Version returns the uuid of (t, name), which changes on every registration
// unless the caller pins it.
func (s *Session) Version(t template.Type, name string) (string, error) {
	rec, err := s.meta.Get(t, name)
	if err != nil {
		return "", err
	}
	return rec.UUID, nil
}

// Install copies the files of skill name into targetDir/<name>, replacing a
// previous install, and returns the path of the installed SKILL.md. The
// installed SKILL.md carries the registry version as metadata.version so an
// agent can tell a stale copy from a current one. Every
// stored path is checked before anything is written; a path escaping the
// target rejects the whole install.
func (s *Session) Install(ctx context.Context, name, targetDir string) (string, error) {
	var installed string
	err := withSpan(ctx, "registry.install", func(ctx context.Context) error {
		if !filepath.IsAbs(targetDir) {
			return errors.Errorf("install target %q must be an absolute path", targetDir)
		}
		info, err := s.r.host.Stat(targetDir)
		if err != nil {
			return errors.Wrapf(err, "install target %s", targetDir)
		}
		if !info.IsDir() {
			return errors.Errorf("install target %s is not a directory", targetDir)
		}

		def, err := s.GetDefinition(ctx, template.Skill, name)
		if err != nil {
			return err
		}
		dest := filepath.Join(targetDir, name)
		for _, rel := range def.Files.Paths() {
			if err := template.ValidatePath(rel); err != nil {
				return err
			}
			if !within(dest, filepath.Join(dest, filepath.FromSlash(rel))) {
				return &errdefs.PathTraversalError{Path: rel}
			}
		}

		files := def.Files.Clone()
		root := template.Skill.RootFile()
		stamped, err := template.StampVersion(files[root], def.UUID)
		if err != nil {
			return errors.Wrapf(err, "cannot stamp version into %s", root)
		}
		files[root] = stamped

		tmp := filepath.Join(targetDir, ".persona-install-"+name+"-"+uuid.NewString())
		if err := s.writeTree(tmp, files); err != nil {
			_ = s.r.host.RemoveAll(tmp)
			return err
		}
		if err := filestore.AtomicSwap(s.r.host, tmp, dest); err != nil {
			_ = s.r.host.RemoveAll(tmp)
			return errors.Wrapf(err, "cannot move install into %s", dest)
		}
		installed = filepath.Join(dest, template.Skill.RootFile())
		logger.G(ctx).WithField("skill", name).WithField("path", dest).Debug("installed skill")
		return nil
	}, attribute.String("template.name", name), attribute.String("install.target", targetDir))
	return installed, err
}

func (s *Session) writeTree(dir string, files template.Files) error {
	if err := s.r.host.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "cannot create %s", dir)
	}
	for _, rel := range files.Paths() {
		dst := filepath.Join(dir, filepath.FromSlash(rel))
		if err := s.r.host.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return errors.Wrapf(err, "cannot create %s", filepath.Dir(dst))
		}
		mode := os.FileMode(0o644)
		if strings.HasSuffix(rel, ".sh") || strings.HasPrefix(rel, "scripts/") {
			mode = 0o755
		}
		if err := afero.WriteFile(s.r.host, dst, files[rel], mode); err != nil {
			return errors.Wrapf(err, "cannot write %s", dst)
		}
	}
	return nil
}

// within reports whether p is base or lies below it.
func within(base, p string) bool {
	rel, err := filepath.Rel(base, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// Flush writes the current index to its snapshots without closing.
func (s *Session) Flush(ctx context.Context) error {
	return withSpan(ctx, "registry.flush", s.meta.Flush)
}

// Close flushes pending changes and releases the session. When the flush
// fails the session stays usable and Close can be retried.
func (s *Session) Close(ctx context.Context) error {
	return s.meta.Close(ctx)
}

// Discard releases the session without flushing.
func (s *Session) Discard() error {
	return s.meta.Discard()
}

// WithinDistance returns the leading matches whose distance is at most maxDistance.
// Matches must be ordered closest first, as Match returns them.
func WithinDistance(matches []metastore.Match, maxDistance float64) []metastore.Match {
	for i, m := range matches {
		if m.Distance > maxDistance {
			return matches[:i]
		}
	}
	return matches
}
