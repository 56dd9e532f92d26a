package session

import (
	"fmt"
	"sync"
)

type Access uint8

const (
	AccessRead  Access = 1 << iota // holder may copy out of the granted memory
	AccessWrite                    // holder may copy into the granted memory
)

// Grant hands a store scoped access to a byte slice owned by someone else.
// After Revoke returns no copy is in progress and every later copy fails, so
// the owner may reuse the memory.
type Grant struct {
	mu      sync.Mutex
	buf     []byte
	size    int
	access  Access
	revoked bool
}

func NewGrant(buf []byte, access Access) *Grant {
	return &Grant{buf: buf, size: len(buf), access: access}
}

// Len is the granted length. It does not change when the grant is revoked.
func (g *Grant) Len() int {
	return g.size
}

// CopyIn copies src into the granted memory at off.
func (g *Grant) CopyIn(off int, src []byte) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.check(AccessWrite, off, len(src)); err != nil {
		return 0, err
	}
	return copy(g.buf[off:], src), nil
}

// CopyOut copies granted memory at off into dst.
func (g *Grant) CopyOut(off int, dst []byte) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.check(AccessRead, off, len(dst)); err != nil {
		return 0, err
	}
	return copy(dst, g.buf[off:]), nil
}

func (g *Grant) Revoke() {
	g.mu.Lock()
	g.revoked = true
	g.buf = nil
	g.mu.Unlock()
}

func (g *Grant) check(need Access, off, n int) error {
	if g.revoked {
		return ErrRevoked
	}
	if g.access&need == 0 {
		return ErrAccess
	}
	if off < 0 || n < 0 || off+n > len(g.buf) {
		return fmt.Errorf("%w: range [%d, %d) outside %d byte grant", ErrInvalid, off, off+n, len(g.buf))
	}
	return nil
}

// TotalLen sums the lengths of an I/O vector.
func TotalLen(iov []*Grant) uint64 {
	var n uint64
	for _, g := range iov {
		n += uint64(g.Len())
	}
	return n
}
