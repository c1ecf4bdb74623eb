//go:build !windows

package fileutil

import "golang.org/x/sys/unix"

// DiskFreeSpace reports the number of free bytes available to an
// unprivileged user on the filesystem containing path.
func DiskFreeSpace(path string) (int64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, err
	}
	return int64(stat.Bavail) * int64(stat.Bsize), nil
}
