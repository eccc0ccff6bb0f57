package metastore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kamusis/persona/internal/errdefs"
)

func lockers(t *testing.T) map[string]Locker {
	return map[string]Locker{
		"file":   NewFileLocker(filepath.Join(t.TempDir(), "index", ".lock")),
		"memory": &MemoryLocker{},
	}
}

func TestLockerWriterExcludesEveryone(t *testing.T) {
	ctx := context.Background()
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			release, err := l.Acquire(ctx, true, 0)
			require.NoError(t, err)

			_, err = l.Acquire(ctx, true, 0)
			var locked *errdefs.StoreLockedError
			assert.True(t, errors.As(err, &locked))
			_, err = l.Acquire(ctx, false, 0)
			assert.True(t, errdefs.IsStoreLocked(err))

			require.NoError(t, release())
			release, err = l.Acquire(ctx, true, 0)
			require.NoError(t, err)
			require.NoError(t, release())
		})
	}
}

func TestLockerReadersShare(t *testing.T) {
	ctx := context.Background()
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			r1, err := l.Acquire(ctx, false, 0)
			require.NoError(t, err)
			r2, err := l.Acquire(ctx, false, 0)
			require.NoError(t, err)

			_, err = l.Acquire(ctx, true, 0)
			assert.True(t, errdefs.IsStoreLocked(err))

			require.NoError(t, r1())
			require.NoError(t, r2())
		})
	}
}

func TestLockerTimeoutWaits(t *testing.T) {
	ctx := context.Background()
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			release, err := l.Acquire(ctx, true, 0)
			require.NoError(t, err)
			go func() {
				time.Sleep(100 * time.Millisecond)
				_ = release()
			}()

			r2, err := l.Acquire(ctx, true, 5*time.Second)
			require.NoError(t, err)
			require.NoError(t, r2())

			hold, err := l.Acquire(ctx, true, 0)
			require.NoError(t, err)
			defer hold()
			start := time.Now()
			_, err = l.Acquire(ctx, true, 150*time.Millisecond)
			assert.True(t, errdefs.IsStoreLocked(err))
			assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
		})
	}
}

func TestStoreLockedNamesLocation(t *testing.T) {
	root := t.TempDir()
	fsys := afero.NewBasePathFs(afero.NewOsFs(), root)
	s := New(NewParquet(fsys), NewFileLocker(filepath.Join(root, "index", ".lock")))
	ctx := context.Background()

	writer, err := s.Open(ctx, OpenOptions{})
	require.NoError(t, err)
	defer writer.Discard()

	_, err = s.Open(ctx, OpenOptions{ReadOnly: true})
	var locked *errdefs.StoreLockedError
	require.True(t, errors.As(err, &locked))
	assert.Equal(t, s.Location(), locked.Location)
}
