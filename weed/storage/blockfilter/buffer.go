package blockfilter

import (
	"github.com/seaweedfs/blockfilter/weed/util/mem"
)

const (
	// InlineBufferSize is the largest transfer served from the engine's own slab.
	InlineBufferSize = 64 * 1024
	inlineSlots      = 4
)

// Buffer is transfer memory owned by a single operation. It comes zeroed and
// must be released on every path out of the operation.
type Buffer struct {
	data []byte
	pool *bufferPool
	slot int // -1 when taken from the heap pools
}

func (b *Buffer) Bytes() []byte {
	return b.data
}

func (b *Buffer) Inline() bool {
	return b.slot >= 0
}

// Release returns the memory. Releasing twice is harmless.
func (b *Buffer) Release() {
	if b.data == nil {
		return
	}
	if b.slot >= 0 {
		b.pool.used[b.slot] = false
	} else {
		mem.Free(b.data)
	}
	b.pool.held--
	b.data = nil
}

// bufferPool hands out inline slab slots, falling back to mem.Allocate for
// large transfers or when every slot is taken. Only used under the engine lock.
type bufferPool struct {
	slab [inlineSlots][]byte
	used [inlineSlots]bool
	held int
}

func newBufferPool() *bufferPool {
	return &bufferPool{}
}

func (p *bufferPool) acquire(size int) *Buffer {
	p.held++
	if size <= InlineBufferSize {
		for i := range p.used {
			if p.used[i] {
				continue
			}
			if p.slab[i] == nil {
				p.slab[i] = make([]byte, InlineBufferSize)
			}
			p.used[i] = true
			data := p.slab[i][:size]
			clear(data)
			return &Buffer{data: data, pool: p, slot: i}
		}
	}
	data := mem.Allocate(size)
	clear(data)
	return &Buffer{data: data, pool: p, slot: -1}
}

func (p *bufferPool) outstanding() int {
	return p.held
}

func (e *Engine) acquire(size uint64) *Buffer {
	return e.buffers.acquire(int(size))
}
