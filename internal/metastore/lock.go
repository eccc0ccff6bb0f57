package metastore

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"

	"github.com/kamusis/persona/internal/errdefs"
)

const lockPollInterval = 50 * time.Millisecond

// Locker guards a store location: one writer or many readers.
type Locker interface {
	// Acquire takes an exclusive or shared lock. With a zero timeout it fails
	// immediately with StoreLockedError when the lock is held; otherwise it
	// polls until the timeout expires.
	Acquire(ctx context.Context, exclusive bool, timeout time.Duration) (release func() error, err error)
}

// FileLocker is a Locker backed by an flock file, shared across processes.
type FileLocker struct {
	path string
}

// NewFileLocker returns a locker on the lock file at path.
func NewFileLocker(path string) *FileLocker {
	return &FileLocker{path: path}
}

func (l *FileLocker) Acquire(ctx context.Context, exclusive bool, timeout time.Duration) (func() error, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return nil, errors.Wrapf(err, "cannot create lock directory for %s", l.path)
	}
	fl := flock.New(l.path)
	try := fl.TryLock
	if !exclusive {
		try = fl.TryRLock
	}
	err := poll(ctx, timeout, l.path, func() (bool, error) {
		locked, err := try()
		if err != nil {
			return false, errors.Wrapf(err, "cannot acquire lock %s", l.path)
		}
		return locked, nil
	})
	if err != nil {
		return nil, err
	}
	return fl.Unlock, nil
}

// MemoryLocker is a Locker for stores that live inside one process.
type MemoryLocker struct {
	mu sync.RWMutex
}

func (l *MemoryLocker) Acquire(ctx context.Context, exclusive bool, timeout time.Duration) (func() error, error) {
	try, unlock := l.mu.TryLock, l.mu.Unlock
	if !exclusive {
		try, unlock = l.mu.TryRLock, l.mu.RUnlock
	}
	err := poll(ctx, timeout, "memory", func() (bool, error) { return try(), nil })
	if err != nil {
		return nil, err
	}
	var once sync.Once
	return func() error {
		once.Do(unlock)
		return nil
	}, nil
}

func poll(ctx context.Context, timeout time.Duration, location string, try func() (bool, error)) error {
	deadline := time.Now().Add(timeout)
	for {
		locked, err := try()
		if err != nil {
			return err
		}
		if locked {
			return nil
		}
		if !time.Now().Before(deadline) {
			return &errdefs.StoreLockedError{Location: location}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}
