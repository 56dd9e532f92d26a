//go:build !linux
// +build !linux

package backend

import (
	"fmt"
	"os"

	"github.com/seaweedfs/blockfilter/weed/glog"
)

// CreateImageFile creates (or truncates) a raw image of exactly size bytes.
func CreateImageFile(fileName string, size int64, preallocate bool) (*DiskFile, error) {
	if preallocate {
		glog.V(0).Infof("Preallocated disk space for %s is not supported", fileName)
	}
	file, e := os.OpenFile(fileName, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if e != nil {
		return nil, e
	}
	if err := file.Truncate(size); err != nil {
		file.Close()
		return nil, fmt.Errorf("backend: truncate %s: %w", fileName, err)
	}
	df := NewDiskFile(file)
	df.fileSize = size
	return df, nil
}
