package metastore

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/kamusis/persona/internal/template"
)

// Snapshotter persists the complete record set of one type at a time.
type Snapshotter interface {
	// Load returns the records of the latest snapshot of t in insertion
	// order. A missing snapshot yields no records and no error; an
	// unreadable one yields a CorruptIndexError.
	Load(ctx context.Context, t template.Type) ([]template.Record, error)
	// Save replaces the snapshot of t with records. A failed Save leaves the
	// previous snapshot in place.
	Save(ctx context.Context, t template.Type, records []template.Record) error
	// Location describes where snapshots live, for messages.
	Location() string
}

// Snapshot codec names accepted by NewSnapshotter.
const (
	CodecParquet = "parquet"
	CodecNative  = "native"
	CodecSQLite  = "sqlite"
)

// NewSnapshotter returns the codec named kind. fsys is the file store
// filesystem whose "index" directory holds file snapshots; root is its
// on-disk path, required by the sqlite codec.
func NewSnapshotter(kind string, fsys afero.Fs, root string) (Snapshotter, error) {
	switch kind {
	case "", CodecParquet:
		return NewParquet(fsys), nil
	case CodecNative:
		return NewNative(fsys), nil
	case CodecSQLite:
		if root == "" {
			return nil, errors.New("sqlite snapshots need an on-disk file store root")
		}
		return NewSQLite(root), nil
	}
	return nil, errors.Errorf("unsupported meta store type: %s", kind)
}

func joinTags(tags []string) string {
	return strings.Join(tags, ",")
}

func splitTags(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
