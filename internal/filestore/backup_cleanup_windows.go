//go:build windows

package filestore

import (
	"time"

	"github.com/spf13/afero"
	"golang.org/x/sys/windows"
)

// cleanupBackup removes backupPath if possible.
//
// On Windows, antivirus/indexers can temporarily hold a handle to a file in
// the backup; we retry for a short period and fall back to scheduling
// deletion at next reboot.
func cleanupBackup(fsys afero.Fs, backupPath string) error {
	if backupPath == "" {
		return nil
	}

	var lastErr error
	for i := 0; i < 15; i++ {
		if lastErr = fsys.RemoveAll(backupPath); lastErr == nil {
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}

	bp, ok := fsys.(*afero.BasePathFs)
	if !ok {
		return lastErr
	}
	realPath, err := bp.RealPath(backupPath)
	if err != nil {
		return lastErr
	}
	p, err := windows.UTF16PtrFromString(realPath)
	if err != nil {
		return lastErr
	}
	if err := windows.MoveFileEx(p, nil, windows.MOVEFILE_DELAY_UNTIL_REBOOT); err != nil {
		return lastErr
	}
	return nil
}
