package blockfilter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/seaweedfs/blockfilter/weed/glog"
	"github.com/seaweedfs/blockfilter/weed/stats"
	"github.com/seaweedfs/blockfilter/weed/storage/blockfilter/session"
	"github.com/seaweedfs/blockfilter/weed/util/request_id"
)

type Verb int

const (
	VerbOpen Verb = iota
	VerbClose
	VerbRead    // one grant
	VerbWrite   // one grant
	VerbScatter // read into a vector of grants
	VerbGather  // write from a vector of grants
	VerbIoctl
)

func (v Verb) String() string {
	switch v {
	case VerbOpen:
		return "open"
	case VerbClose:
		return "close"
	case VerbRead:
		return "read"
	case VerbWrite:
		return "write"
	case VerbScatter:
		return "scatter"
	case VerbGather:
		return "gather"
	case VerbIoctl:
		return "ioctl"
	}
	return fmt.Sprintf("Verb(%d)", int(v))
}

// Request is a client request. Pos and the total length of Iov must be
// multiples of the sector size.
type Request struct {
	Verb  Verb
	Minor int
	Pos   uint64
	Iov   []*session.Grant
	Ioctl session.Ioctl
}

type Reply struct {
	Status   error
	Size     uint64
	Geometry session.Geometry
}

// Router serves client requests on an Engine, one at a time.
type Router struct {
	engine *Engine
	opens  int
}

func NewRouter(e *Engine) *Router {
	return &Router{engine: e}
}

func (r *Router) Engine() *Engine {
	return r.engine
}

// Handle serves req and produces its one reply.
func (r *Router) Handle(ctx context.Context, req *Request) *Reply {
	if request_id.Get(ctx) == "" {
		ctx = request_id.New(ctx)
	}
	start := time.Now()

	r.engine.mu.Lock()
	reply := r.handle(ctx, req)
	r.engine.mu.Unlock()

	verb := req.Verb.String()
	stats.FilterRequestCounter.WithLabelValues(verb, statusCode(reply.Status)).Inc()
	stats.FilterRequestHistogram.WithLabelValues(verb).Observe(time.Since(start).Seconds())
	if reply.Status != nil {
		glog.V(1).InfofCtx(ctx, "%s minor %d at %d: %v", verb, req.Minor, req.Pos, reply.Status)
	} else {
		glog.V(4).InfofCtx(ctx, "%s minor %d at %d: %d bytes", verb, req.Minor, req.Pos, reply.Size)
	}
	return reply
}

func (r *Router) handle(ctx context.Context, req *Request) *Reply {
	e := r.engine
	if err := e.ready(); err != nil {
		return &Reply{Status: err}
	}
	if req.Minor != 0 {
		return &Reply{Status: fmt.Errorf("%w: minor %d", ErrNoDevice, req.Minor)}
	}
	switch req.Verb {
	case VerbOpen:
		r.opens++
		return &Reply{}
	case VerbClose:
		if r.opens > 0 {
			r.opens--
		}
		return &Reply{}
	case VerbRead, VerbWrite:
		if len(req.Iov) != 1 {
			return &Reply{Status: fmt.Errorf("%w: %v takes one buffer, got %d", ErrInvalid, req.Verb, len(req.Iov))}
		}
		n, err := r.transfer(ctx, req, req.Verb == VerbWrite)
		return &Reply{Status: err, Size: n}
	case VerbScatter, VerbGather:
		n, err := r.transfer(ctx, req, req.Verb == VerbGather)
		return &Reply{Status: err, Size: n}
	case VerbIoctl:
		return r.ioctl(ctx, req)
	}
	return &Reply{Status: fmt.Errorf("%w: verb %v", ErrInvalid, req.Verb)}
}

func (r *Router) ioctl(ctx context.Context, req *Request) *Reply {
	e := r.engine
	switch req.Ioctl {
	case session.IoctlGetGeometry:
		return &Reply{Geometry: session.Geometry{Size: e.size()}}
	case session.IoctlSync:
		_, err := e.run(ctx, "sync", func() (uint64, error) {
			return e.dispatch(ctx, transfer{op: session.OpIoctl, ioctl: session.IoctlSync, both: true})
		})
		return &Reply{Status: err}
	}
	return &Reply{Status: fmt.Errorf("%w: ioctl %d", ErrInvalid, req.Ioctl)}
}

// transfer moves data between the client's grants and the device, one chunk
// at a time. It stops early at the end of the device.
func (r *Router) transfer(ctx context.Context, req *Request, write bool) (uint64, error) {
	e := r.engine
	total, err := e.clip(req.Pos, session.TotalLen(req.Iov))
	if err != nil || total == 0 {
		return 0, err
	}
	var done uint64
	for done < total {
		n := min(uint64(e.cfg.Chunk), total-done)
		got, err := r.chunk(ctx, req, done, n, write)
		done += got
		if err != nil {
			return done, err
		}
		if got < n {
			break
		}
	}
	return done, nil
}

func (r *Router) chunk(ctx context.Context, req *Request, off, n uint64, write bool) (uint64, error) {
	e := r.engine
	buf := e.acquire(n)
	defer buf.Release()
	data := buf.Bytes()
	pos := req.Pos + off

	if write {
		if err := copyFromIov(req.Iov, off, data); err != nil {
			return 0, err
		}
		return e.run(ctx, "write", func() (uint64, error) {
			return e.writeLogical(ctx, pos, data)
		})
	}
	got, err := e.run(ctx, "read", func() (uint64, error) {
		return e.readLogical(ctx, pos, data)
	})
	if err != nil {
		return 0, err
	}
	if err := copyToIov(req.Iov, off, data[:got]); err != nil {
		return 0, err
	}
	return got, nil
}

// run repeats op until it stops asking to be redone. Every redo reconciles
// the channels first. Counters start afresh for each call.
func (e *Engine) run(ctx context.Context, verb string, op func() (uint64, error)) (uint64, error) {
	e.resetCounters()
	for {
		n, err := op()
		if !errors.Is(err, ErrRedo) {
			return n, err
		}
		stats.FilterRedoCounter.WithLabelValues(verb).Inc()
		glog.V(2).InfofCtx(ctx, "%s: redo", verb)
		if err := e.reconcileAll(ctx); err != nil {
			return 0, err
		}
	}
}

func (e *Engine) ready() error {
	if e.closed {
		return ErrClosed
	}
	if !e.started {
		return fmt.Errorf("%w: engine not started", ErrNoDevice)
	}
	return nil
}

// clip checks alignment and trims a transfer of n bytes at pos to the visible
// size. A transfer starting at or past the end is empty.
func (e *Engine) clip(pos, n uint64) (uint64, error) {
	if pos%sectorSize != 0 || n%sectorSize != 0 {
		return 0, fmt.Errorf("%w: %d bytes at %d not aligned to %d", ErrInvalid, n, pos, sectorSize)
	}
	size := e.size()
	if pos >= size {
		return 0, nil
	}
	return min(n, size-pos), nil
}

// copyFromIov copies the client's grants, starting off bytes in, into dst.
func copyFromIov(iov []*session.Grant, off uint64, dst []byte) error {
	return walkIov(iov, off, uint64(len(dst)), func(g *session.Grant, gOff int, at uint64, n int) error {
		_, err := g.CopyOut(gOff, dst[at:at+uint64(n)])
		return err
	})
}

// copyToIov copies src into the client's grants starting off bytes in.
func copyToIov(iov []*session.Grant, off uint64, src []byte) error {
	return walkIov(iov, off, uint64(len(src)), func(g *session.Grant, gOff int, at uint64, n int) error {
		_, err := g.CopyIn(gOff, src[at:at+uint64(n)])
		return err
	})
}

func walkIov(iov []*session.Grant, off, length uint64, fn func(g *session.Grant, gOff int, at uint64, n int) error) error {
	var base, done uint64
	for _, g := range iov {
		glen := uint64(g.Len())
		if done == length {
			break
		}
		if off+done >= base+glen {
			base += glen
			continue
		}
		gOff := off + done - base
		n := min(glen-gOff, length-done)
		if err := fn(g, int(gOff), done, int(n)); err != nil {
			return fmt.Errorf("client buffer: %w", err)
		}
		done += n
		base += glen
	}
	return nil
}
