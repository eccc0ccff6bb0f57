// Package metastore is the in-memory metadata and vector index of templates.
//
// A Store is opened into a Session, which bootstraps its records from the
// latest snapshot, serves inserts, deletes, listings and similarity search
// from memory, and writes a complete new snapshot per type on flush. Sessions
// hold a lock on the store location for their whole lifetime: one writer or
// any number of readers.
//
// Search is a linear scan over every record of a type. The registry holds low
// thousands of templates, where an approximate nearest neighbour index would
// add complexity without a measurable gain.
package metastore

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/kamusis/persona/internal/errdefs"
	"github.com/kamusis/persona/internal/logger"
	"github.com/kamusis/persona/internal/template"
)

// Store binds a snapshot codec to the lock guarding its location.
type Store struct {
	snap   Snapshotter
	locker Locker
}

// New returns a Store persisting through snap and guarded by locker.
func New(snap Snapshotter, locker Locker) *Store {
	return &Store{snap: snap, locker: locker}
}

// Location describes where snapshots are persisted.
func (s *Store) Location() string { return s.snap.Location() }

// OpenOptions control how a session is opened.
type OpenOptions struct {
	// Bootstrap loads the latest snapshot of every type. Without it the
	// session starts empty and a flush replaces the snapshots with its contents.
	Bootstrap bool
	// ReadOnly sessions take a shared lock and reject mutations.
	ReadOnly bool
	// LockTimeout is how long to wait for a conflicting session to release
	// the store. Zero fails immediately with StoreLockedError.
	LockTimeout time.Duration
}

// Open acquires the store lock and returns a session.
func (s *Store) Open(ctx context.Context, opts OpenOptions) (*Session, error) {
	release, err := s.locker.Acquire(ctx, !opts.ReadOnly, opts.LockTimeout)
	if err != nil {
		var locked *errdefs.StoreLockedError
		if errors.As(err, &locked) {
			locked.Location = s.snap.Location()
		}
		return nil, err
	}

	sess := &Session{
		store:    s,
		tables:   map[template.Type]*table{},
		readOnly: opts.ReadOnly,
		release:  release,
	}
	for _, t := range template.Types() {
		sess.tables[t] = newTable()
	}

	if opts.Bootstrap {
		if err := sess.bootstrap(ctx); err != nil {
			_ = release()
			return nil, err
		}
	}

	logger.G(ctx).WithField("location", s.snap.Location()).
		WithField("read_only", opts.ReadOnly).
		WithField("bootstrap", opts.Bootstrap).
		Debug("opened meta store session")
	return sess, nil
}

// With opens a session, runs fn and closes it. If fn fails or panics the
// session is discarded instead, dropping its unflushed changes. The lock is
// released on every path.
func (s *Store) With(ctx context.Context, opts OpenOptions, fn func(*Session) error) error {
	sess, err := s.Open(ctx, opts)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			_ = sess.Discard()
			panic(r)
		}
	}()

	if err := fn(sess); err != nil {
		if derr := sess.Discard(); derr != nil {
			logger.G(ctx).WithError(derr).Warn("failed to release meta store lock")
		}
		return err
	}
	if err := sess.Close(ctx); err != nil {
		_ = sess.Discard()
		return err
	}
	return nil
}

func (sess *Session) bootstrap(ctx context.Context) error {
	dim := 0
	for _, t := range template.Types() {
		records, err := sess.store.snap.Load(ctx, t)
		if err != nil {
			return err
		}
		tbl := sess.tables[t]
		for i, rec := range records {
			if err := checkLoaded(t, rec, tbl, &dim); err != nil {
				return &errdefs.CorruptIndexError{
					Type:     string(t),
					Location: sess.store.snap.Location(),
					Err:      errors.Wrapf(err, "row %d", i),
				}
			}
			tbl.put(rec)
		}
		logger.G(ctx).WithField("type", t).WithField("records", tbl.len()).Debug("bootstrapped meta store")
	}
	return nil
}

// checkLoaded validates a snapshot row against the invariants a session keeps.
func checkLoaded(t template.Type, rec template.Record, tbl *table, dim *int) error {
	if rec.Type != t {
		return errors.Errorf("record %q has type %q", rec.Name, rec.Type)
	}
	if err := template.ValidateName(rec.Name); err != nil {
		return err
	}
	if rec.UUID == "" {
		return errors.Errorf("record %q has no uuid", rec.Name)
	}
	if _, dup := tbl.get(rec.Name); dup {
		return errors.Errorf("duplicate name %q", rec.Name)
	}
	if len(rec.Embedding) == 0 {
		return errors.Errorf("record %q has no embedding", rec.Name)
	}
	if *dim == 0 {
		*dim = len(rec.Embedding)
	} else if len(rec.Embedding) != *dim {
		return errors.Errorf("record %q has dimension %d, want %d", rec.Name, len(rec.Embedding), *dim)
	}
	return nil
}
