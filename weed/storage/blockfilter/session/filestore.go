package session

import (
	"errors"
	"fmt"
	"io"

	"github.com/seaweedfs/blockfilter/weed/glog"
	"github.com/seaweedfs/blockfilter/weed/storage/backend"
	"github.com/seaweedfs/blockfilter/weed/util/mem"
)

// Partition is a byte range of an image exported as its own minor device.
type Partition struct {
	Offset uint64
	Size   uint64
}

// FileStore serves one image file. Requests are handled one at a time, in
// arrival order, by the store's own goroutine.
type FileStore struct {
	label    string
	endpoint Endpoint
	file     backend.BackendStorageFile
	size     uint64
	parts    []Partition

	requests chan *Request
	replies  chan<- *Reply
	quit     chan struct{}
	done     chan struct{}
}

func newFileStore(label string, ep Endpoint, file backend.BackendStorageFile, size uint64, parts []Partition, replies chan<- *Reply) (*FileStore, error) {
	for i, p := range parts {
		if p.Offset+p.Size > size || p.Offset+p.Size < p.Offset {
			return nil, fmt.Errorf("%w: partition %d [%d, +%d) outside %d byte image",
				ErrInvalid, i+1, p.Offset, p.Size, size)
		}
	}
	return &FileStore{
		label:    label,
		endpoint: ep,
		file:     file,
		size:     size,
		parts:    parts,
		requests: make(chan *Request, 32),
		replies:  replies,
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

func (s *FileStore) Endpoint() Endpoint {
	return s.endpoint
}

func (s *FileStore) run() {
	defer close(s.done)
	for {
		select {
		case <-s.quit:
			return
		case req := <-s.requests:
			reply := s.serve(req)
			select {
			case s.replies <- reply:
			case <-s.quit:
				return
			}
		}
	}
}

func (s *FileStore) enqueue(req *Request) error {
	select {
	case <-s.quit:
		return ErrDead
	default:
	}
	select {
	case s.requests <- req:
		return nil
	case <-s.quit:
		return ErrDead
	}
}

// stop ends the store without answering anything still queued.
func (s *FileStore) stop() {
	select {
	case <-s.quit:
		return
	default:
	}
	close(s.quit)
	<-s.done
	if err := s.file.Close(); err != nil {
		glog.V(1).Infof("store %s: close %s: %v", s.label, s.file.Name(), err)
	}
}

func (s *FileStore) serve(req *Request) *Reply {
	reply := &Reply{Source: s.endpoint, ID: req.ID}
	base, size, err := s.device(req.Minor)
	if err != nil {
		reply.Status = err
		return reply
	}
	switch req.Op {
	case OpOpen, OpClose:
	case OpScatter:
		reply.Size, reply.Status = s.scatter(base, size, req.Pos, req.Iov)
	case OpGather:
		reply.Size, reply.Status = s.gather(base, size, req.Pos, req.Iov)
	case OpIoctl:
		switch req.Ioctl {
		case IoctlGetGeometry:
			reply.Geometry = Geometry{Size: size}
		case IoctlSync:
			reply.Status = s.file.Sync()
		default:
			reply.Status = fmt.Errorf("%w: ioctl %d", ErrInvalid, req.Ioctl)
		}
	default:
		reply.Status = fmt.Errorf("%w: op %v", ErrInvalid, req.Op)
	}
	glog.V(4).Infof("store %s: %v minor %d pos %d -> %d %v", s.label, req.Op, req.Minor, req.Pos, reply.Size, reply.Status)
	return reply
}

func (s *FileStore) device(minor int) (base, size uint64, err error) {
	if minor == 0 {
		return 0, s.size, nil
	}
	if minor < 0 || minor > len(s.parts) {
		return 0, 0, fmt.Errorf("%w: minor %d", ErrNoDevice, minor)
	}
	p := s.parts[minor-1]
	return p.Offset, p.Size, nil
}

// scatter reads from the device into iov. Transfers stop at the end of the device.
func (s *FileStore) scatter(base, size, pos uint64, iov []*Grant) (done uint64, err error) {
	for _, g := range iov {
		want := uint64(g.Len())
		n := clip(size, pos+done, want)
		if n == 0 {
			break
		}
		buf := mem.Allocate(int(n))
		read, err := s.file.ReadAt(buf, int64(base+pos+done))
		if err != nil && !errors.Is(err, io.EOF) {
			mem.Free(buf)
			return done, err
		}
		_, err = g.CopyIn(0, buf[:read])
		mem.Free(buf)
		if err != nil {
			return done, err
		}
		done += uint64(read)
		if uint64(read) < want {
			break
		}
	}
	return done, nil
}

// gather writes iov to the device. Transfers stop at the end of the device.
func (s *FileStore) gather(base, size, pos uint64, iov []*Grant) (done uint64, err error) {
	for _, g := range iov {
		want := uint64(g.Len())
		n := clip(size, pos+done, want)
		if n == 0 {
			break
		}
		buf := mem.Allocate(int(n))
		if _, err := g.CopyOut(0, buf); err != nil {
			mem.Free(buf)
			return done, err
		}
		written, err := s.file.WriteAt(buf, int64(base+pos+done))
		mem.Free(buf)
		if err != nil {
			return done, err
		}
		done += uint64(written)
		if uint64(written) < want {
			break
		}
	}
	return done, nil
}

func clip(size, pos, n uint64) uint64 {
	if pos >= size {
		return 0
	}
	if n > size-pos {
		return size - pos
	}
	return n
}
