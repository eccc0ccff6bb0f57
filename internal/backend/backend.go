// Package backend assembles a Registry from resolved configuration.
package backend

import (
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/kamusis/persona/internal/config"
	"github.com/kamusis/persona/internal/embeddings"
	"github.com/kamusis/persona/internal/filestore"
	"github.com/kamusis/persona/internal/metastore"
	"github.com/kamusis/persona/internal/registry"
)

// LockFile is the name of the meta store lock inside the index directory.
const LockFile = ".lock"

// Backend holds the components built from a Config.
type Backend struct {
	Config   *config.Config
	Files    *filestore.AferoStore
	Meta     *metastore.Store
	Embedder embeddings.Provider
	Registry *registry.Registry
}

// New selects and constructs the file store, snapshot codec, lock and
// embedder named by cfg.
func New(cfg *config.Config, opts ...registry.Option) (*Backend, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var (
		files  *filestore.AferoStore
		locker metastore.Locker
		err    error
	)
	switch cfg.Storage.Files {
	case "local":
		files, err = filestore.NewLocal(cfg.Root)
		if err != nil {
			return nil, err
		}
		locker = metastore.NewFileLocker(filepath.Join(files.Root(), filestore.IndexDir, LockFile))
	case "memory":
		files = filestore.NewMemory()
		locker = &metastore.MemoryLocker{}
	default:
		return nil, errors.Errorf("unsupported file store: %s", cfg.Storage.Files)
	}

	snap, err := metastore.NewSnapshotter(cfg.Storage.Index, files.Fs(), files.Root())
	if err != nil {
		return nil, err
	}

	embedder, err := embeddings.NewFromConfig(EmbeddingsConfig(cfg))
	if err != nil {
		return nil, err
	}

	meta := metastore.New(snap, locker)
	opts = append([]registry.Option{
		registry.WithLockTimeout(cfg.Lock.Timeout),
		registry.WithQueryCacheTTL(cfg.Embeddings.CacheTTL),
	}, opts...)
	return &Backend{
		Config:   cfg,
		Files:    files,
		Meta:     meta,
		Embedder: embedder,
		Registry: registry.New(files, meta, embedder, opts...),
	}, nil
}

// EmbeddingsConfig maps the embeddings section onto the provider config.
// Query caching is done by the registry, so the provider itself is uncached.
func EmbeddingsConfig(cfg *config.Config) *embeddings.Config {
	e := cfg.Embeddings
	attempts := uint(0)
	if e.MaxAttempts > 0 {
		attempts = uint(e.MaxAttempts)
	}
	return &embeddings.Config{
		Provider:          e.Provider,
		Model:             e.Model,
		APIKey:            e.APIKey,
		BaseURL:           e.BaseURL,
		Dim:               e.Dim,
		RequestsPerSecond: e.RequestsPerSecond,
		MaxAttempts:       attempts,
	}
}
