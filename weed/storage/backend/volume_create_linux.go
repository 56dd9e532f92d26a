//go:build linux
// +build linux

package backend

import (
	"fmt"
	"os"
	"syscall"

	"github.com/seaweedfs/blockfilter/weed/glog"
)

// CreateImageFile creates (or truncates) a raw image of exactly size bytes.
func CreateImageFile(fileName string, size int64, preallocate bool) (*DiskFile, error) {
	file, e := os.OpenFile(fileName, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if e != nil {
		return nil, e
	}
	if preallocate && size > 0 {
		if err := syscall.Fallocate(int(file.Fd()), 0, 0, size); err != nil {
			glog.V(0).Infof("Preallocate %d bytes for %s: %v", size, fileName, err)
		} else {
			glog.V(1).Infof("Preallocated %d bytes disk space for %s", size, fileName)
		}
	}
	if err := file.Truncate(size); err != nil {
		file.Close()
		return nil, fmt.Errorf("backend: truncate %s: %w", fileName, err)
	}
	df := NewDiskFile(file)
	df.fileSize = size
	return df, nil
}
