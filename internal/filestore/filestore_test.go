package filestore

import (
	"context"
	"errors"
	"os"
	"path"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kamusis/persona/internal/errdefs"
	"github.com/kamusis/persona/internal/template"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	local, err := NewLocal(filepath.Join(t.TempDir(), "root"))
	require.NoError(t, err)
	return map[string]Store{"local": local, "memory": NewMemory()}
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	for kind, s := range backends(t) {
		t.Run(kind, func(t *testing.T) {
			files := template.Files{
				"SKILL.md":         []byte("---\nname: pdf\n---\n"),
				"scripts/run.sh":   []byte("#!/bin/sh\n"),
				"assets/deep/x.md": []byte("x"),
			}
			require.NoError(t, s.Put(ctx, template.Skill, "pdf", files))

			got, err := s.Get(ctx, template.Skill, "pdf")
			require.NoError(t, err)
			assert.Equal(t, files, got)

			ok, err := s.Exists(ctx, template.Skill, "pdf")
			require.NoError(t, err)
			assert.True(t, ok)
			ok, err = s.Exists(ctx, template.Role, "pdf")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestPutReplacesWholeDirectory(t *testing.T) {
	ctx := context.Background()
	for kind, s := range backends(t) {
		t.Run(kind, func(t *testing.T) {
			require.NoError(t, s.Put(ctx, template.Role, "chef", template.Files{
				"ROLE.md": []byte("v1"), "old.txt": []byte("stale"),
			}))
			require.NoError(t, s.Put(ctx, template.Role, "chef", template.Files{
				"ROLE.md": []byte("v2"),
			}))

			got, err := s.Get(ctx, template.Role, "chef")
			require.NoError(t, err)
			assert.Equal(t, template.Files{"ROLE.md": []byte("v2")}, got)

			entries, err := afero.ReadDir(s.Fs(), "roles")
			require.NoError(t, err)
			require.Len(t, entries, 1, "staging and backup directories must be cleaned up")
		})
	}
}

func TestNotFound(t *testing.T) {
	ctx := context.Background()
	for kind, s := range backends(t) {
		t.Run(kind, func(t *testing.T) {
			_, err := s.Get(ctx, template.Role, "ghost")
			var nf *errdefs.NotFoundError
			require.True(t, errors.As(err, &nf))
			assert.Equal(t, "files", nf.Store)
			assert.Equal(t, "ghost", nf.Name)

			assert.True(t, errdefs.IsNotFound(s.Delete(ctx, template.Role, "ghost")))
		})
	}
}

func TestDeleteAndList(t *testing.T) {
	ctx := context.Background()
	for kind, s := range backends(t) {
		t.Run(kind, func(t *testing.T) {
			names, err := s.List(ctx, template.Role)
			require.NoError(t, err)
			assert.Empty(t, names)

			for _, n := range []string{"reviewer", "chef", "architect"} {
				require.NoError(t, s.Put(ctx, template.Role, n, template.Files{"ROLE.md": []byte(n)}))
			}
			require.NoError(t, s.Fs().MkdirAll("roles/.staging-leftover", 0o755))
			require.NoError(t, afero.WriteFile(s.Fs(), "roles/stray.txt", []byte("x"), 0o644))

			names, err = s.List(ctx, template.Role)
			require.NoError(t, err)
			assert.Equal(t, []string{"architect", "chef", "reviewer"}, names)

			require.NoError(t, s.Delete(ctx, template.Role, "chef"))
			names, err = s.List(ctx, template.Role)
			require.NoError(t, err)
			assert.Equal(t, []string{"architect", "reviewer"}, names)
		})
	}
}

// flakyFs fails RemoveAll after removing part of the tree, and fails Rename
// while failRename is set.
type flakyFs struct {
	afero.Fs
	failRename bool
}

func (f *flakyFs) RemoveAll(p string) error {
	_ = f.Fs.Remove(path.Join(p, "ROLE.md"))
	return os.ErrPermission
}

func (f *flakyFs) Rename(oldname, newname string) error {
	if f.failRename {
		return os.ErrPermission
	}
	return f.Fs.Rename(oldname, newname)
}

func TestDeleteNeverLeavesPartialTemplate(t *testing.T) {
	ctx := context.Background()
	fsys := &flakyFs{Fs: afero.NewBasePathFs(afero.NewMemMapFs(), "/")}
	s := &AferoStore{fs: fsys}
	files := template.Files{"ROLE.md": []byte("role"), "notes/a.txt": []byte("a")}
	require.NoError(t, s.Put(ctx, template.Role, "demo", files))

	// Removal fails halfway: the template is already out of view.
	require.NoError(t, s.Delete(ctx, template.Role, "demo"))
	_, err := s.Get(ctx, template.Role, "demo")
	assert.True(t, errdefs.IsNotFound(err))
	names, err := s.List(ctx, template.Role)
	require.NoError(t, err)
	assert.Empty(t, names)

	// The move itself fails: nothing changes.
	require.NoError(t, s.Put(ctx, template.Role, "demo", files))
	fsys.failRename = true
	require.Error(t, s.Delete(ctx, template.Role, "demo"))
	got, err := s.Get(ctx, template.Role, "demo")
	require.NoError(t, err)
	assert.Equal(t, files, got)
}

func TestPutRejectsTraversal(t *testing.T) {
	ctx := context.Background()
	for kind, s := range backends(t) {
		t.Run(kind, func(t *testing.T) {
			err := s.Put(ctx, template.Skill, "evil", template.Files{
				"SKILL.md":         []byte("ok"),
				"../../etc/passwd": []byte("root"),
			})
			var pt *errdefs.PathTraversalError
			require.True(t, errors.As(err, &pt))
			assert.Equal(t, "../../etc/passwd", pt.Path)

			ok, err := s.Exists(ctx, template.Skill, "evil")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestInvalidKeys(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	assert.ErrorIs(t, s.Put(ctx, template.Role, "../x", template.Files{}), errdefs.ErrInvalidName)
	assert.ErrorIs(t, s.Put(ctx, template.Role, ".hidden", template.Files{}), errdefs.ErrInvalidName)
	_, err := s.List(ctx, template.Type("persona"))
	assert.ErrorIs(t, err, errdefs.ErrInvalidType)
}

func TestLocalLayout(t *testing.T) {
	root := t.TempDir()
	s, err := NewLocal(root)
	require.NoError(t, err)
	require.NoError(t, s.Put(context.Background(), template.Skill, "pdf", template.Files{"SKILL.md": []byte("x")}))

	b, err := os.ReadFile(filepath.Join(root, "skills", "pdf", "SKILL.md"))
	require.NoError(t, err)
	assert.Equal(t, "x", string(b))
	assert.Equal(t, root, s.Root())
}

func TestAtomicSwap(t *testing.T) {
	fsys := afero.NewBasePathFs(afero.NewMemMapFs(), "/")
	require.NoError(t, afero.WriteFile(fsys, "index/roles/a", []byte("old"), 0o644))
	require.NoError(t, afero.WriteFile(fsys, "index/.tmp/a", []byte("new"), 0o644))

	require.NoError(t, AtomicSwap(fsys, "index/.tmp", "index/roles"))

	b, err := afero.ReadFile(fsys, "index/roles/a")
	require.NoError(t, err)
	assert.Equal(t, "new", string(b))
	entries, err := afero.ReadDir(fsys, "index")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
