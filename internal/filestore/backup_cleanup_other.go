//go:build !windows

package filestore

import (
	"github.com/spf13/afero"
)

// cleanupBackup removes backupPath if possible.
func cleanupBackup(fsys afero.Fs, backupPath string) error {
	if backupPath == "" {
		return nil
	}
	return fsys.RemoveAll(backupPath)
}
