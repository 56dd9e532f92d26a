package blockfilter

import (
	"bytes"
	"context"
	"fmt"
	"strconv"

	"github.com/seaweedfs/blockfilter/weed/glog"
	"github.com/seaweedfs/blockfilter/weed/stats"
	"github.com/seaweedfs/blockfilter/weed/storage/blockfilter/layout"
	"github.com/seaweedfs/blockfilter/weed/storage/blockfilter/session"
)

const sectorSize = layout.SectorSize

// readLogical reads len(buf) bytes at logical position pos from the primary
// and returns how many were read. pos and len(buf) are sector aligned.
func (e *Engine) readLogical(ctx context.Context, pos uint64, buf []byte) (uint64, error) {
	if !e.layout.Interleaved {
		return e.dispatch(ctx, transfer{op: session.OpScatter, pos: pos, bufs: [][]byte{buf}})
	}
	first, count := pos/sectorSize, uint64(len(buf))/sectorSize
	start, n := e.layout.Extent(first, count)
	phys := e.acquire(n * sectorSize)
	defer phys.Release()

	got, err := e.dispatch(ctx, transfer{op: session.OpScatter, pos: start * sectorSize, bufs: [][]byte{phys.Bytes()}})
	if err != nil {
		return 0, err
	}
	size := e.layout.LogicalBytes(first, count, got)
	if err := e.checkChecksums(ctx, e.primary(), first, size/sectorSize, phys.Bytes()); err != nil {
		return 0, err
	}
	e.layout.Collapse(first, phys.Bytes(), buf[:size])
	return size, nil
}

// writeLogical writes data at logical position pos to every channel in use.
func (e *Engine) writeLogical(ctx context.Context, pos uint64, data []byte) (uint64, error) {
	if !e.layout.Interleaved {
		return e.dispatch(ctx, transfer{op: session.OpGather, pos: pos, bufs: [][]byte{data}, both: true})
	}
	first, count := pos/sectorSize, uint64(len(data))/sectorSize
	start, n := e.layout.Extent(first, count)
	phys := e.acquire(n * sectorSize)
	defer phys.Release()
	img := phys.Bytes()

	if err := e.makeChecksums(ctx, first, count, start, data, img); err != nil {
		return 0, err
	}
	got, err := e.dispatch(ctx, transfer{op: session.OpGather, pos: start * sectorSize, bufs: [][]byte{img}, both: true})
	if err != nil {
		return 0, err
	}
	if e.layout.Checksums && got > 0 {
		if err := e.verifyWrite(ctx, start, img[:got]); err != nil {
			return 0, err
		}
	}
	return e.layout.LogicalBytes(first, count, got), nil
}

// makeChecksums builds the physical image of a write. Sectors of partially
// covered groups that the write does not replace are read back from the
// primary first, so the image can be written in one piece.
func (e *Engine) makeChecksums(ctx context.Context, first, count, start uint64, data, img []byte) error {
	for _, span := range e.layout.ReadBackSpans(first, count) {
		off := (span.Start - start) * sectorSize
		seg := img[off : off+span.Count*sectorSize]
		glog.V(3).InfofCtx(ctx, "read back %d sector(s) at %d", span.Count, span.Start)
		if _, err := e.dispatch(ctx, transfer{op: session.OpScatter, pos: span.Start * sectorSize, bufs: [][]byte{seg}}); err != nil {
			return err
		}
	}
	e.layout.Expand(first, data, img)
	e.layout.FillChecksums(first, count, img)
	return nil
}

// verifyWrite reads back what was just written, from every channel in use,
// and compares it with the image that was sent.
func (e *Engine) verifyWrite(ctx context.Context, start uint64, img []byte) error {
	chans := e.active()
	bufs := make([][]byte, len(chans))
	for i := range chans {
		b := e.acquire(uint64(len(img)))
		defer b.Release()
		bufs[i] = b.Bytes()
	}
	got, err := e.dispatch(ctx, transfer{op: session.OpScatter, pos: start * sectorSize, bufs: bufs, both: true})
	if err != nil {
		return err
	}
	var result error
	for i, ch := range chans {
		if !bytes.Equal(bufs[i][:got], img[:got]) {
			result = e.reportProblem(ctx, ch, ProblemData,
				fmt.Errorf("%w: read back of %d bytes at sector %d differs", ErrChecksum, got, start))
		}
	}
	return result
}

// checkChecksums verifies count logical sectors from first in the physical
// image img, which was read from ch.
func (e *Engine) checkChecksums(ctx context.Context, ch *channel, first, count uint64, img []byte) error {
	bad := e.layout.VerifyChecksums(first, count, img)
	if len(bad) == 0 {
		ch.ignored = 0
		return nil
	}
	stats.FilterChecksumMismatchCounter.WithLabelValues(strconv.FormatBool(e.cfg.ChecksumFatal)).Add(float64(len(bad)))
	err := fmt.Errorf("%w: %d sector(s) on %v, first %d", ErrChecksum, len(bad), ch, bad[0])
	if e.cfg.ChecksumFatal {
		return e.reportProblem(ctx, ch, ProblemData, err)
	}
	glog.WarningfCtx(ctx, "ignoring %v", err)
	return e.countIgnored(ctx, ch, err)
}

// readBoth reads the same range from both channels into a and b.
func (e *Engine) readBoth(ctx context.Context, pos uint64, a, b []byte) (uint64, error) {
	if !e.mirroring {
		return 0, fmt.Errorf("%w: mirroring is disabled", ErrInvalid)
	}
	if !e.layout.Interleaved {
		return e.dispatch(ctx, transfer{op: session.OpScatter, pos: pos, bufs: [][]byte{a, b}, both: true})
	}
	first, count := pos/sectorSize, uint64(len(a))/sectorSize
	start, n := e.layout.Extent(first, count)
	pa := e.acquire(n * sectorSize)
	defer pa.Release()
	pb := e.acquire(n * sectorSize)
	defer pb.Release()
	imgs := [][]byte{pa.Bytes(), pb.Bytes()}

	got, err := e.dispatch(ctx, transfer{op: session.OpScatter, pos: start * sectorSize, bufs: imgs, both: true})
	if err != nil {
		return 0, err
	}
	size := e.layout.LogicalBytes(first, count, got)
	for i, ch := range e.active() {
		if err := e.checkChecksums(ctx, ch, first, size/sectorSize, imgs[i]); err != nil {
			return 0, err
		}
	}
	e.layout.Collapse(first, imgs[0], a[:size])
	e.layout.Collapse(first, imgs[1], b[:size])
	return size, nil
}

// ReadBoth reads the same logical range from the primary into a and from the
// mirror into b, verifying each against its own checksums. a and b must have
// the same sector-aligned length.
func (e *Engine) ReadBoth(ctx context.Context, pos uint64, a, b []byte) (uint64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: buffers of %d and %d bytes", ErrInvalid, len(a), len(b))
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ready(); err != nil {
		return 0, err
	}
	n, err := e.clip(pos, uint64(len(a)))
	if err != nil || n == 0 {
		return 0, err
	}
	return e.run(ctx, "read_both", func() (uint64, error) {
		return e.readBoth(ctx, pos, a[:n], b[:n])
	})
}
