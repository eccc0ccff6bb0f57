package filestore

import (
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// AtomicSwap replaces destDir with srcDir by renaming. An existing destDir is
// moved to a dot-prefixed sibling backup first and restored if the second
// rename fails.
func AtomicSwap(fsys afero.Fs, srcDir, destDir string) error {
	backup := filepath.Join(filepath.Dir(destDir), ".backup-"+filepath.Base(destDir)+"-"+uuid.NewString())
	hadDest, err := afero.Exists(fsys, destDir)
	if err != nil {
		return err
	}
	if hadDest {
		if err := fsys.Rename(destDir, backup); err != nil {
			return err
		}
	}
	if err := fsys.Rename(srcDir, destDir); err != nil {
		if hadDest {
			_ = fsys.Rename(backup, destDir)
		}
		return err
	}
	if hadDest {
		// The new content is already in place; a leftover backup is skipped by List.
		_ = cleanupBackup(fsys, backup)
	}
	return nil
}
