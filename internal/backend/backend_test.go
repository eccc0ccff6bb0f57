package backend

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kamusis/persona/internal/config"
	"github.com/kamusis/persona/internal/errdefs"
	"github.com/kamusis/persona/internal/metastore"
	"github.com/kamusis/persona/internal/registry"
	"github.com/kamusis/persona/internal/template"
)

func testConfig(root, files, index string) *config.Config {
	cfg := config.Defaults()
	cfg.Root = root
	cfg.Storage.Files = files
	cfg.Storage.Index = index
	return &cfg
}

func registerReviewer(t *testing.T, b *Backend) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, b.Registry.Update(ctx, func(s *registry.Session) error {
		_, err := s.Register(ctx, registry.RegisterRequest{
			Type:        template.Role,
			Name:        "reviewer",
			Description: "Reviews code for security issues",
			Files:       template.Files{"ROLE.md": []byte("# Reviewer")},
		})
		return err
	}))
}

func TestLocalBackendsPersistAcrossInstances(t *testing.T) {
	for _, index := range []string{metastore.CodecParquet, metastore.CodecNative, metastore.CodecSQLite} {
		t.Run(index, func(t *testing.T) {
			root := t.TempDir()
			first, err := New(testConfig(root, "local", index))
			require.NoError(t, err)
			registerReviewer(t, first)

			second, err := New(testConfig(root, "local", index))
			require.NoError(t, err)
			ctx := context.Background()
			require.NoError(t, second.Registry.View(ctx, func(s *registry.Session) error {
				matches, err := s.Match(ctx, "security code review", template.Role, 3)
				require.NoError(t, err)
				require.Len(t, matches, 1)
				assert.Equal(t, "reviewer", matches[0].Record.Name)
				return nil
			}))
			assert.FileExists(t, filepath.Join(root, "roles", "reviewer", "ROLE.md"))
		})
	}
}

func TestLocalLockIsSharedAcrossInstances(t *testing.T) {
	root := t.TempDir()
	a, err := New(testConfig(root, "local", metastore.CodecParquet))
	require.NoError(t, err)
	b, err := New(testConfig(root, "local", metastore.CodecParquet))
	require.NoError(t, err)

	ctx := context.Background()
	sess, err := a.Registry.Open(ctx, registry.SessionOptions{})
	require.NoError(t, err)
	defer func() { _ = sess.Discard() }()

	_, err = b.Registry.Open(ctx, registry.SessionOptions{})
	assert.True(t, errdefs.IsStoreLocked(err))
	assert.FileExists(t, filepath.Join(root, "index", LockFile))
}

func TestMemoryBackend(t *testing.T) {
	b, err := New(testConfig("", "memory", metastore.CodecParquet))
	require.NoError(t, err)
	registerReviewer(t, b)
	assert.Empty(t, b.Files.Root())
	assert.Equal(t, "hash:fnv64a/384", b.Embedder.ModelID())
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(testConfig("", "memory", metastore.CodecSQLite))
	assert.Error(t, err)

	cfg := testConfig(t.TempDir(), "local", metastore.CodecParquet)
	cfg.Embeddings.Provider = "openai"
	cfg.Embeddings.Model = "text-embedding-3-small"
	cfg.Embeddings.APIKey = ""
	_, err = New(cfg)
	assert.Error(t, err)

	_, err = New(nil)
	assert.Error(t, err)
}

func TestEmbeddingsConfig(t *testing.T) {
	cfg := config.Defaults()
	cfg.Embeddings.MaxAttempts = -1
	ec := EmbeddingsConfig(&cfg)
	assert.Zero(t, ec.MaxAttempts)
	assert.Zero(t, ec.CacheTTL)
	assert.Equal(t, "hash", ec.Provider)
}
