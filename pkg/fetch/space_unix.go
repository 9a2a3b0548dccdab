//go:build !windows

package fetch

import "golang.org/x/sys/unix"

// freeBytes reports the space available to unprivileged callers on the
// volume holding path.
func freeBytes(path string) (uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, err
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}
