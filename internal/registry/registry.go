// Package registry is the public surface over the template stores: register,
// remove, list, match, get-definition and install, plus maintenance
// operations that rebuild or audit the index.
package registry

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"

	"github.com/kamusis/persona/internal/embeddings"
	"github.com/kamusis/persona/internal/filestore"
	"github.com/kamusis/persona/internal/logger"
	"github.com/kamusis/persona/internal/metastore"
	"github.com/kamusis/persona/internal/txn"
)

const defaultQueryCacheTTL = 10 * time.Minute

// Registry composes the file store, the meta store and the embedder.
type Registry struct {
	files    filestore.Store
	meta     *metastore.Store
	embedder embeddings.Provider
	queries  embeddings.Provider
	coord    *txn.Coordinator

	host        afero.Fs
	lockTimeout time.Duration
	queryTTL    time.Duration
}

// Option configures a Registry.
type Option func(*Registry)

// WithHostFs sets the filesystem used to read template sources and write
// installs. It defaults to the OS filesystem.
func WithHostFs(fsys afero.Fs) Option {
	return func(r *Registry) { r.host = fsys }
}

// WithLockTimeout sets how long sessions wait for a conflicting session.
// The default of zero fails immediately with StoreLockedError.
func WithLockTimeout(d time.Duration) Option {
	return func(r *Registry) { r.lockTimeout = d }
}

// WithQueryCacheTTL sets how long query embeddings are cached by Match.
// Zero or less disables the cache.
func WithQueryCacheTTL(d time.Duration) Option {
	return func(r *Registry) { r.queryTTL = d }
}

// New returns a Registry over already constructed stores.
func New(files filestore.Store, meta *metastore.Store, embedder embeddings.Provider, opts ...Option) *Registry {
	r := &Registry{
		files:    files,
		meta:     meta,
		embedder: embedder,
		coord:    txn.New(files, embedder),
		host:     afero.NewOsFs(),
		queryTTL: defaultQueryCacheTTL,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.queries = embedder
	if r.queryTTL > 0 {
		r.queries = embeddings.NewCached(embedder, r.queryTTL)
	}
	return r
}

// Embedder returns the provider used for descriptions and queries.
func (r *Registry) Embedder() embeddings.Provider { return r.embedder }

// SessionOptions control how a registry session is opened.
type SessionOptions struct {
	ReadOnly bool
	// LockTimeout overrides the registry default when positive.
	LockTimeout time.Duration
}

// Open bootstraps a session from the latest snapshots.
func (r *Registry) Open(ctx context.Context, opts SessionOptions) (*Session, error) {
	timeout := r.lockTimeout
	if opts.LockTimeout > 0 {
		timeout = opts.LockTimeout
	}
	meta, err := r.meta.Open(ctx, metastore.OpenOptions{
		Bootstrap:   true,
		ReadOnly:    opts.ReadOnly,
		LockTimeout: timeout,
	})
	if err != nil {
		return nil, err
	}
	return &Session{r: r, meta: meta}, nil
}

// Update runs fn in a writable session and closes it, flushing the index.
// The index is flushed even when fn fails: every registry operation that
// returned successfully has already changed the file store, so dropping its
// index change would leave the stores diverged.
func (r *Registry) Update(ctx context.Context, fn func(*Session) error) error {
	return r.with(ctx, SessionOptions{}, fn)
}

// View runs fn in a read-only session.
func (r *Registry) View(ctx context.Context, fn func(*Session) error) error {
	return r.with(ctx, SessionOptions{ReadOnly: true}, fn)
}

func (r *Registry) with(ctx context.Context, opts SessionOptions, fn func(*Session) error) error {
	sess, err := r.Open(ctx, opts)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = sess.Discard()
			panic(p)
		}
	}()
	err = fn(sess)
	if cerr := sess.Close(ctx); cerr != nil {
		if derr := sess.Discard(); derr != nil {
			logger.G(ctx).WithError(derr).Warn("failed to release registry session")
		}
		if err == nil {
			return cerr
		}
		return multierror.Append(err, cerr)
	}
	return err
}
