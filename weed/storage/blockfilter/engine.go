// Package blockfilter presents one or two raw block stores as a single block
// device. Writes can be mirrored to a second store, sectors can carry
// interleaved checksums, and a failing store is retried, restarted through
// its supervisor, and finally dropped from the mirror when it cannot be
// brought back.
//
// An Engine serves one client operation at a time. Physical transfers for
// that operation fan out to both stores and are awaited together.
package blockfilter

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/seaweedfs/blockfilter/weed/glog"
	"github.com/seaweedfs/blockfilter/weed/stats"
	"github.com/seaweedfs/blockfilter/weed/storage/blockfilter/layout"
	"github.com/seaweedfs/blockfilter/weed/storage/blockfilter/session"
)

type Engine struct {
	mu sync.Mutex

	cfg    Config
	layout layout.Layout
	tr     session.Transport
	sup    session.Supervisor

	channels  [2]*channel // indexed by RolePrimary and RoleMirror
	mirroring bool

	geometry     uint64 // raw size in bytes, fixed once learned
	haveGeometry bool

	nextID  uint64
	buffers *bufferPool
	started bool
	closed  bool
}

// New builds an engine. No store is contacted until Start.
func New(cfg Config, tr session.Transport, sup session.Supervisor) (*Engine, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:       cfg,
		layout:    cfg.Layout(),
		tr:        tr,
		sup:       sup,
		mirroring: cfg.Mirroring,
		buffers:   newBufferPool(),
	}
	e.channels[RolePrimary] = newChannel(RolePrimary, cfg.Primary)
	e.channels[RoleMirror] = newChannel(RoleMirror, cfg.Mirror)
	if !cfg.Mirroring {
		e.channels[RoleMirror].role = RoleNone
	}
	return e, nil
}

// Start opens the primary and, when mirroring, the mirror. The two stores
// must report the same raw size; a mismatch fails with an error matching both
// ErrGeometryMismatch and ErrRedo, and Start may be called again. Channels
// opened before a failure are closed again.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.started {
		return nil
	}
	chans := e.active()
	for i, ch := range chans {
		if err := e.openChannel(ctx, ch); err != nil {
			for _, opened := range chans[:i] {
				e.closeChannel(ctx, opened)
			}
			if errors.Is(err, ErrGeometryMismatch) {
				// the stores may still be coming up; attaching again can succeed
				err = fmt.Errorf("%w: %w", ErrRedo, err)
			}
			return err
		}
	}
	e.started = true
	if e.mirroring {
		stats.FilterMirroringGauge.Set(1)
	} else {
		stats.FilterMirroringGauge.Set(0)
	}
	glog.V(0).Infof("blockfilter: %v ready, raw %d bytes, visible %d bytes, mirroring %v, checksums %v (%s), interleaved %v",
		e.channels[RolePrimary], e.geometry, e.size(), e.mirroring, e.layout.Checksums, e.layout.Algorithm, e.layout.Interleaved)
	return nil
}

// Close closes the channels in use. Failures are logged only.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	for _, ch := range e.active() {
		e.closeChannel(ctx, ch)
	}
	if n := e.buffers.outstanding(); n != 0 {
		glog.Warningf("blockfilter: %d transfer buffers still held at close", n)
	}
	return nil
}

// active lists the channels in use, primary first.
func (e *Engine) active() []*channel {
	if e.mirroring {
		return []*channel{e.channels[RolePrimary], e.channels[RoleMirror]}
	}
	return []*channel{e.channels[RolePrimary]}
}

func (e *Engine) primary() *channel {
	return e.channels[RolePrimary]
}

// Size is the client-visible capacity in bytes.
func (e *Engine) Size() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.size()
}

func (e *Engine) size() uint64 {
	return e.layout.VisibleSize(e.geometry)
}

// RawSize is the capacity of each backing store.
func (e *Engine) RawSize() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.geometry
}

func (e *Engine) Layout() layout.Layout {
	return e.layout
}

func (e *Engine) Mirroring() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mirroring
}

// Channels returns a snapshot of both channel slots, primary first.
func (e *Engine) Channels() []ChannelState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return []ChannelState{e.channels[RolePrimary].state(), e.channels[RoleMirror].state()}
}

func (e *Engine) String() string {
	return fmt.Sprintf("blockfilter(%s)", e.cfg.Primary.Label)
}
