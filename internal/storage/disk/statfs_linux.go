//go:build linux

package disk

import "golang.org/x/sys/unix"

// inotify misses writes made by other NFS clients, so NFS roots poll only.
func watchable(root string) bool {
	var st unix.Statfs_t
	if err := unix.Statfs(root, &st); err != nil {
		return false
	}
	return st.Type != unix.NFS_SUPER_MAGIC
}
