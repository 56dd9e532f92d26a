//go:build linux
// +build linux

package backend

import (
	"syscall"
)

// Sync flushes image data. Sector images never change size after creation,
// so fdatasync is enough.
func (df *DiskFile) Sync() error {
	return syscall.Fdatasync(int(df.File.Fd()))
}
