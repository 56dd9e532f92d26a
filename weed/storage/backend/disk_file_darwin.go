//go:build darwin
// +build darwin

package backend

import (
	"golang.org/x/sys/unix"
)

// FullSync selects F_FULLFSYNC, which also flushes the drive cache. With
// FullSync off only F_BARRIERFSYNC ordering is requested.
var FullSync = true

const fBarrierFsync = 85

func (df *DiskFile) Sync() error {
	fd := df.File.Fd()
	cmd := fBarrierFsync
	if FullSync {
		cmd = unix.F_FULLFSYNC
	}
	if _, err := unix.FcntlInt(fd, cmd, 0); err != nil {
		// some filesystems reject the fcntl, fall back to fsync
		return unix.Fsync(int(fd))
	}
	return nil
}
