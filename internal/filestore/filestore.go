// Package filestore stores template directories keyed by (type, name).
package filestore

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/kamusis/persona/internal/errdefs"
	"github.com/kamusis/persona/internal/logger"
	"github.com/kamusis/persona/internal/template"
)

// IndexDir is the reserved top-level directory holding meta store snapshots.
const IndexDir = "index"

const storeName = "files"

// Store is the capability set shared by every file store variant.
type Store interface {
	// Put fully replaces the directory of (t, name) with files.
	Put(ctx context.Context, t template.Type, name string, files template.Files) error
	// Get returns every file of (t, name) keyed by slash-separated relative path.
	Get(ctx context.Context, t template.Type, name string) (template.Files, error)
	Delete(ctx context.Context, t template.Type, name string) error
	// List returns the sorted template names present for t.
	List(ctx context.Context, t template.Type) ([]string, error)
	Exists(ctx context.Context, t template.Type, name string) (bool, error)
	// Fs exposes the underlying filesystem, rooted at the store root.
	Fs() afero.Fs
	// Root is the on-disk root, empty for in-memory stores.
	Root() string
}

// AferoStore implements Store on top of an afero filesystem.
type AferoStore struct {
	fs   afero.Fs
	root string
}

// NewLocal returns a store rooted at the OS directory root, creating it if needed.
func NewLocal(root string) (*AferoStore, error) {
	if root == "" {
		return nil, errors.New("file store root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot resolve file store root %s", root)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, errors.Wrapf(err, "cannot create file store root %s", abs)
	}
	return &AferoStore{fs: afero.NewBasePathFs(afero.NewOsFs(), abs), root: abs}, nil
}

// NewMemory returns a store backed by an in-memory filesystem.
func NewMemory() *AferoStore {
	return &AferoStore{fs: afero.NewBasePathFs(afero.NewMemMapFs(), "/")}
}

func (s *AferoStore) Fs() afero.Fs { return s.fs }

func (s *AferoStore) Root() string { return s.root }

func (s *AferoStore) Put(ctx context.Context, t template.Type, name string, files template.Files) error {
	if err := checkKey(t, name); err != nil {
		return err
	}
	if err := files.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := s.fs.MkdirAll(t.Dir(), 0o755); err != nil {
		return errors.Wrapf(err, "cannot create %s", t.Dir())
	}
	staging := path.Join(t.Dir(), ".staging-"+name+"-"+uuid.NewString())
	if err := s.writeTree(staging, files); err != nil {
		_ = s.fs.RemoveAll(staging)
		return err
	}
	if err := AtomicSwap(s.fs, staging, template.StoragePath(t, name)); err != nil {
		_ = s.fs.RemoveAll(staging)
		return errors.Wrapf(err, "cannot replace %s/%s", t, name)
	}

	logger.G(ctx).WithField("type", t).WithField("name", name).WithField("files", len(files)).Debug("stored template files")
	return nil
}

func (s *AferoStore) writeTree(dir string, files template.Files) error {
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "cannot create %s", dir)
	}
	for _, rel := range files.Paths() {
		dst := path.Join(dir, rel)
		if err := s.fs.MkdirAll(path.Dir(dst), 0o755); err != nil {
			return errors.Wrapf(err, "cannot create %s", path.Dir(dst))
		}
		if err := afero.WriteFile(s.fs, dst, files[rel], 0o644); err != nil {
			return errors.Wrapf(err, "cannot write %s", dst)
		}
	}
	return nil
}

func (s *AferoStore) Get(ctx context.Context, t template.Type, name string) (template.Files, error) {
	if err := checkKey(t, name); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir := template.StoragePath(t, name)
	if ok, err := afero.DirExists(s.fs, dir); err != nil {
		return nil, errors.Wrapf(err, "cannot stat %s", dir)
	} else if !ok {
		return nil, &errdefs.NotFoundError{Store: storeName, Type: string(t), Name: name}
	}

	files := template.Files{}
	err := afero.Walk(s.fs, dir, func(p string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(filepath.FromSlash(dir), filepath.FromSlash(p))
		if err != nil {
			return err
		}
		b, err := afero.ReadFile(s.fs, p)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = b
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read %s", dir)
	}
	return files, nil
}

func (s *AferoStore) Delete(ctx context.Context, t template.Type, name string) error {
	if err := checkKey(t, name); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := template.StoragePath(t, name)
	ok, err := afero.DirExists(s.fs, dir)
	if err != nil {
		return errors.Wrapf(err, "cannot stat %s", dir)
	}
	if !ok {
		return &errdefs.NotFoundError{Store: storeName, Type: string(t), Name: name}
	}
	// The rename takes the whole directory out of view at once; a failed
	// removal afterwards only leaves a dot-prefixed entry that List skips.
	trash := path.Join(t.Dir(), ".trash-"+name+"-"+uuid.NewString())
	if err := s.fs.Rename(dir, trash); err != nil {
		return errors.Wrapf(err, "cannot delete %s", dir)
	}
	log := logger.G(ctx).WithField("type", t).WithField("name", name)
	if err := cleanupBackup(s.fs, trash); err != nil {
		log.WithError(err).WithField("path", trash).Warn("failed to clean up deleted template files")
	}
	log.Debug("deleted template files")
	return nil
}

func (s *AferoStore) List(ctx context.Context, t template.Type) ([]string, error) {
	if !t.Valid() {
		return nil, errors.Wrapf(errdefs.ErrInvalidType, "%q", t)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := afero.ReadDir(s.fs, t.Dir())
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, errors.Wrapf(err, "cannot list %s", t.Dir())
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (s *AferoStore) Exists(ctx context.Context, t template.Type, name string) (bool, error) {
	if err := checkKey(t, name); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	ok, err := afero.DirExists(s.fs, template.StoragePath(t, name))
	if err != nil {
		return false, errors.Wrapf(err, "cannot stat %s/%s", t, name)
	}
	return ok, nil
}

func checkKey(t template.Type, name string) error {
	if !t.Valid() {
		return errors.Wrapf(errdefs.ErrInvalidType, "%q", t)
	}
	return template.ValidateName(name)
}
