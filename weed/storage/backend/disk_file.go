package backend

import (
	"fmt"
	"os"
	"time"
)

var (
	_ BackendStorageFile = &DiskFile{}
)

// DiskFile is a raw image file. Its size is fixed when opened; reads and
// writes never extend it.
type DiskFile struct {
	File         *os.File
	fullFilePath string
	fileSize     int64
	modTime      time.Time
}

func NewDiskFile(f *os.File) *DiskFile {
	return &DiskFile{
		fullFilePath: f.Name(),
		File:         f,
	}
}

// OpenDiskFile opens an existing image for read-write access and records its size.
func OpenDiskFile(path string) (*DiskFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("backend: open %s: %w", path, err)
	}
	df := NewDiskFile(f)
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("backend: stat %s: %w", path, err)
	}
	df.fileSize = stat.Size()
	df.modTime = stat.ModTime()
	return df, nil
}

func (df *DiskFile) ReadAt(p []byte, off int64) (n int, err error) {
	return df.File.ReadAt(p, off)
}

// WriteAt writes p at off, clipped to the image size. A clipped write
// returns the short count with a nil error.
func (df *DiskFile) WriteAt(p []byte, off int64) (n int, err error) {
	if off >= df.fileSize {
		return 0, nil
	}
	if remaining := df.fileSize - off; int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err = df.File.WriteAt(p, off)
	if err == nil {
		df.modTime = time.Now()
	}
	return
}

func (df *DiskFile) Truncate(off int64) error {
	err := df.File.Truncate(off)
	if err == nil {
		df.fileSize = off
		df.modTime = time.Now()
	}
	return err
}

func (df *DiskFile) Close() error {
	return df.File.Close()
}

func (df *DiskFile) GetStat() (datSize int64, modTime time.Time, err error) {
	if df.fileSize != 0 {
		return df.fileSize, df.modTime, nil
	}
	stat, e := df.File.Stat()
	if e == nil {
		return stat.Size(), stat.ModTime(), nil
	}
	return 0, time.Time{}, e
}

func (df *DiskFile) Size() int64 {
	return df.fileSize
}

func (df *DiskFile) Name() string {
	return df.fullFilePath
}
