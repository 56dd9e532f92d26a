package backend

import (
	"io"
	"time"
)

// BackendStorageFile is the positional I/O surface a raw block store is
// served from.
type BackendStorageFile interface {
	io.ReaderAt
	io.WriterAt
	Truncate(off int64) error
	io.Closer
	GetStat() (datSize int64, modTime time.Time, err error)
	Name() string
	Sync() error
}
