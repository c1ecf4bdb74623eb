//go:build windows

package fileutil

import (
	"path/filepath"

	"golang.org/x/sys/windows"
)

// DiskFreeSpace reports the number of free bytes available to an
// unprivileged user on the filesystem containing path.
func DiskFreeSpace(path string) (int64, error) {
	root := filepath.VolumeName(filepath.Dir(path)) + `\`
	rootPtr, err := windows.UTF16PtrFromString(root)
	if err != nil {
		return 0, err
	}
	var freeBytesAvailable, totalBytes, totalFreeBytes uint64
	if err := windows.GetDiskFreeSpaceEx(rootPtr, &freeBytesAvailable, &totalBytes, &totalFreeBytes); err != nil {
		return 0, err
	}
	return int64(freeBytesAvailable), nil
}
