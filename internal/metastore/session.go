package metastore

import (
	"context"
	"iter"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/kamusis/persona/internal/errdefs"
	"github.com/kamusis/persona/internal/logger"
	"github.com/kamusis/persona/internal/template"
)

// Session is an open view of a Store. It is not meant to be shared between
// goroutines; its mutex only keeps its own operations in program order.
type Session struct {
	mu       sync.Mutex
	store    *Store
	tables   map[template.Type]*table
	readOnly bool
	dirty    bool
	closed   bool
	release  func() error
}

// Match is a search hit with its cosine distance to the query.
type Match struct {
	Record   template.Record
	Distance float64
}

type insertOptions struct {
	noOverwrite bool
}

// InsertOption customises Insert.
type InsertOption func(*insertOptions)

// NoOverwrite makes Insert fail with DuplicateNameError instead of replacing.
func NoOverwrite() InsertOption {
	return func(o *insertOptions) { o.noOverwrite = true }
}

// ReadOnly reports whether the session rejects mutations.
func (sess *Session) ReadOnly() bool { return sess.readOnly }

// Dirty reports whether the session holds changes not yet flushed.
func (sess *Session) Dirty() bool {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.dirty
}

func (sess *Session) checkWritable() error {
	if sess.closed {
		return errdefs.ErrSessionClosed
	}
	if sess.readOnly {
		return errdefs.ErrReadOnly
	}
	return nil
}

// Insert adds rec, replacing a record with the same (type, name) unless
// NoOverwrite is given. A replaced record moves to the end of the insertion order.
func (sess *Session) Insert(rec template.Record, opts ...InsertOption) error {
	var o insertOptions
	for _, opt := range opts {
		opt(&o)
	}
	return sess.insert(rec, -1, o)
}

// Restore puts back a record removed by Delete at the insertion-order
// position it had, as reported by Position. Search tie order and List order
// are therefore the same as before the Delete.
func (sess *Session) Restore(rec template.Record, pos int) error {
	return sess.insert(rec, pos, insertOptions{})
}

// Position returns the insertion-order index of (t, name), or -1 when absent.
func (sess *Session) Position(t template.Type, name string) int {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	tbl, err := sess.table(t)
	if err != nil {
		return -1
	}
	return tbl.position(name)
}

func (sess *Session) insert(rec template.Record, pos int, o insertOptions) error {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if err := sess.checkWritable(); err != nil {
		return err
	}
	tbl, err := sess.table(rec.Type)
	if err != nil {
		return err
	}
	if err := template.ValidateName(rec.Name); err != nil {
		return err
	}
	if rec.UUID == "" {
		return errors.Errorf("record %s/%s has no uuid", rec.Type, rec.Name)
	}
	if len(rec.Embedding) == 0 {
		return errors.Wrapf(errdefs.ErrDimensionMismatch, "record %s/%s has no embedding", rec.Type, rec.Name)
	}
	if dim := sess.dimension(); dim != 0 && dim != len(rec.Embedding) {
		return errors.Wrapf(errdefs.ErrDimensionMismatch, "record %s/%s has dimension %d, store has %d",
			rec.Type, rec.Name, len(rec.Embedding), dim)
	}
	if _, exists := tbl.get(rec.Name); exists && o.noOverwrite {
		return &errdefs.DuplicateNameError{Type: string(rec.Type), Name: rec.Name}
	}

	rec = rec.Clone()
	if rec.Path == "" {
		rec.Path = template.StoragePath(rec.Type, rec.Name)
	}
	if pos < 0 {
		tbl.put(rec)
	} else {
		tbl.insertAt(rec, pos)
	}
	sess.dirty = true
	return nil
}

// Delete removes the record of (t, name).
func (sess *Session) Delete(t template.Type, name string) error {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if err := sess.checkWritable(); err != nil {
		return err
	}
	tbl, err := sess.table(t)
	if err != nil {
		return err
	}
	if !tbl.remove(name) {
		return &errdefs.NotFoundError{Store: "metadata", Type: string(t), Name: name}
	}
	sess.dirty = true
	return nil
}

// Get returns a copy of the record of (t, name).
func (sess *Session) Get(t template.Type, name string) (template.Record, error) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.closed {
		return template.Record{}, errdefs.ErrSessionClosed
	}
	tbl, err := sess.table(t)
	if err != nil {
		return template.Record{}, err
	}
	rec, ok := tbl.get(name)
	if !ok {
		return template.Record{}, &errdefs.NotFoundError{Store: "metadata", Type: string(t), Name: name}
	}
	return rec.Clone(), nil
}

// Exists reports whether (t, name) has a record.
func (sess *Session) Exists(t template.Type, name string) (bool, error) {
	_, err := sess.Get(t, name)
	if errdefs.IsNotFound(err) {
		return false, nil
	}
	return err == nil, err
}

// Count returns the number of records of type t.
func (sess *Session) Count(t template.Type) int {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if tbl, ok := sess.tables[t]; ok && !sess.closed {
		return tbl.len()
	}
	return 0
}

// List returns the records of type t matching f in insertion order. Every
// iteration starts from the records present at that moment, so the sequence
// can be ranged over again to observe later changes. Invalid types and
// closed sessions yield nothing.
func (sess *Session) List(t template.Type, f Filter) iter.Seq[template.Record] {
	return func(yield func(template.Record) bool) {
		sess.mu.Lock()
		var records []template.Record
		if tbl, ok := sess.tables[t]; ok && !sess.closed {
			records = tbl.all()
		}
		sess.mu.Unlock()

		for _, rec := range records {
			if !f.Match(rec) {
				continue
			}
			if !yield(rec.Clone()) {
				return
			}
		}
	}
}

// Search ranks the records of type t by ascending cosine distance to query
// and returns at most topK of them. Equal distances keep insertion order.
func (sess *Session) Search(t template.Type, query []float32, topK int) ([]Match, error) {
	if topK <= 0 {
		return nil, errdefs.ErrInvalidTopK
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.closed {
		return nil, errdefs.ErrSessionClosed
	}
	tbl, err := sess.table(t)
	if err != nil {
		return nil, err
	}
	if tbl.len() == 0 {
		return []Match{}, nil
	}

	matches := make([]Match, 0, tbl.len())
	for _, rec := range tbl.records {
		d, err := CosineDistance(query, rec.Embedding)
		if err != nil {
			return nil, errors.Wrapf(err, "query has dimension %d, records have %d", len(query), len(rec.Embedding))
		}
		matches = append(matches, Match{Record: rec, Distance: d})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Distance < matches[j].Distance
	})
	if len(matches) > topK {
		matches = matches[:topK]
	}
	for i := range matches {
		matches[i].Record = matches[i].Record.Clone()
	}
	return matches, nil
}

// Flush writes a complete snapshot of every type, replacing the previous
// ones. On failure the in-memory state is kept so the flush can be retried.
func (sess *Session) Flush(ctx context.Context) error {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if err := sess.checkWritable(); err != nil {
		return err
	}
	return sess.flushLocked(ctx)
}

func (sess *Session) flushLocked(ctx context.Context) error {
	var merr *multierror.Error
	for _, t := range template.Types() {
		records := sess.tables[t].all()
		if err := sess.store.snap.Save(ctx, t, records); err != nil {
			merr = multierror.Append(merr, errors.Wrapf(err, "flush %s snapshot", t))
			continue
		}
		logger.G(ctx).WithField("type", t).WithField("records", len(records)).Debug("flushed meta store snapshot")
	}
	if err := merr.ErrorOrNil(); err != nil {
		return err
	}
	sess.dirty = false
	return nil
}

// Close flushes a writable session with unflushed changes and releases the
// lock. When the flush fails the session stays open and keeps its lock, so
// Close can be retried or the session discarded.
func (sess *Session) Close(ctx context.Context) error {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.closed {
		return nil
	}
	if !sess.readOnly && sess.dirty {
		if err := sess.flushLocked(ctx); err != nil {
			return err
		}
	}
	return sess.releaseLocked()
}

// Discard releases the lock without flushing. Unflushed changes are lost.
func (sess *Session) Discard() error {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.closed {
		return nil
	}
	return sess.releaseLocked()
}

func (sess *Session) releaseLocked() error {
	sess.closed = true
	sess.tables = nil
	if err := sess.release(); err != nil {
		return errors.Wrap(err, "cannot release meta store lock")
	}
	return nil
}

func (sess *Session) table(t template.Type) (*table, error) {
	tbl, ok := sess.tables[t]
	if !ok {
		return nil, errors.Wrapf(errdefs.ErrInvalidType, "%q", t)
	}
	return tbl, nil
}

// dimension is the embedding size shared by all records, 0 when empty.
func (sess *Session) dimension() int {
	for _, t := range template.Types() {
		if tbl := sess.tables[t]; tbl.len() > 0 {
			return len(tbl.records[0].Embedding)
		}
	}
	return 0
}
