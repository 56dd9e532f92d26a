// Package layout converts between the client's contiguous view of a block
// device and the physical image kept on a downstream store.
//
// In the interleaved layout every run of N data sectors (a group) is followed
// by one checksum sector holding the N checksums of that group:
//
//	[data 0 .. data N-1][sum][data N .. data 2N-1][sum] ...
//
// so N logical sectors occupy N+1 physical sectors. Everything here is pure
// arithmetic and copying; no I/O is performed.
package layout

import (
	"errors"
	"fmt"
)

const SectorSize = 512

var ErrInvalidLayout = errors.New("layout: invalid configuration")

// Layout describes one on-disk image format. Sectors and SumSize are fixed for
// the life of an image.
type Layout struct {
	Interleaved bool
	Checksums   bool      // compute and verify checksums; implies Interleaved
	Sectors     uint64    // data sectors per group
	SumSize     int       // stored bytes per checksum
	Algorithm   Algorithm // meaningful only with Checksums
}

func (l Layout) Validate() error {
	if l.Checksums && !l.Interleaved {
		return fmt.Errorf("%w: checksums require the interleaved layout", ErrInvalidLayout)
	}
	if !l.Interleaved {
		return nil
	}
	if l.Sectors == 0 {
		return fmt.Errorf("%w: sectors per group is 0", ErrInvalidLayout)
	}
	if l.SumSize <= 0 {
		return fmt.Errorf("%w: checksum size %d", ErrInvalidLayout, l.SumSize)
	}
	if uint64(l.SumSize)*l.Sectors > SectorSize {
		return fmt.Errorf("%w: %d checksums of %d bytes do not fit in a %d byte sector",
			ErrInvalidLayout, l.Sectors, l.SumSize, SectorSize)
	}
	if l.Checksums && l.SumSize < l.Algorithm.DigestSize() {
		return fmt.Errorf("%w: %s needs %d bytes per checksum, have %d",
			ErrInvalidLayout, l.Algorithm, l.Algorithm.DigestSize(), l.SumSize)
	}
	return nil
}

// PhysSector maps a logical sector to its physical sector.
func (l Layout) PhysSector(log uint64) uint64 {
	if !l.Interleaved {
		return log
	}
	return log/l.Sectors*(l.Sectors+1) + log%l.Sectors
}

// SumSector is the physical checksum sector of a group.
func (l Layout) SumSector(group uint64) uint64 {
	return group*(l.Sectors+1) + l.Sectors
}

// Group is the group a logical sector belongs to.
func (l Layout) Group(log uint64) uint64 {
	return log / l.Sectors
}

// Extent returns the physical sectors [start, start+n) a transfer of count
// logical sectors from first touches. In the interleaved layout the range runs
// through the checksum sector of the last group, so it includes any data
// sectors of that group that follow the transfer.
func (l Layout) Extent(first, count uint64) (start, n uint64) {
	if !l.Interleaved || count == 0 {
		return first, count
	}
	start = l.PhysSector(first)
	end := l.SumSector(l.Group(first+count-1)) + 1
	return start, end - start
}

// VisibleSize is the client-visible capacity of a raw image of rawSize bytes.
// Only whole groups are exposed.
func (l Layout) VisibleSize(rawSize uint64) uint64 {
	sectors := rawSize / SectorSize
	if l.Interleaved {
		sectors = sectors / (l.Sectors + 1) * l.Sectors
	}
	return sectors * SectorSize
}

// RawSize is the physical footprint needed to hold visibleSize logical bytes.
func (l Layout) RawSize(visibleSize uint64) uint64 {
	sectors := (visibleSize + SectorSize - 1) / SectorSize
	if !l.Interleaved {
		return sectors * SectorSize
	}
	phys := sectors / l.Sectors * (l.Sectors + 1)
	if rem := sectors % l.Sectors; rem > 0 {
		phys += rem + 1
	}
	return phys * SectorSize
}

// LogicalBytes translates a physical transfer count, measured from the start
// of Extent(first, count), into the number of logical bytes that were fully
// transferred. A logical sector only counts once its group's checksum sector
// is covered too.
func (l Layout) LogicalBytes(first, count, physBytes uint64) uint64 {
	if !l.Interleaved {
		sectors := physBytes / SectorSize
		if sectors > count {
			sectors = count
		}
		return sectors * SectorSize
	}
	avail := l.PhysSector(first) + physBytes/SectorSize
	var done uint64
	for done < count {
		group := l.Group(first + done)
		if l.SumSector(group) >= avail {
			break
		}
		done = (group+1)*l.Sectors - first
		if done > count {
			done = count
		}
	}
	return done * SectorSize
}

// Span is a physical sector range.
type Span struct {
	Start, Count uint64
}

// ReadBackSpans lists the physical sectors inside Extent(first, count) that a
// write of count logical sectors does not cover but would overwrite: the
// checksum sector of a partially written first group, and the trailing data
// sectors plus checksum sector of a partially written last group. Fully
// covered groups need nothing read back.
func (l Layout) ReadBackSpans(first, count uint64) []Span {
	if !l.Interleaved || count == 0 {
		return nil
	}
	end := first + count
	firstGroup, lastGroup := l.Group(first), l.Group(end-1)
	headPartial := first%l.Sectors != 0
	tailPartial := end%l.Sectors != 0

	var spans []Span
	if headPartial && !(tailPartial && firstGroup == lastGroup) {
		spans = append(spans, Span{Start: l.SumSector(firstGroup), Count: 1})
	}
	if tailPartial {
		start := l.PhysSector(end)
		spans = append(spans, Span{Start: start, Count: l.SumSector(lastGroup) - start + 1})
	}
	return spans
}
