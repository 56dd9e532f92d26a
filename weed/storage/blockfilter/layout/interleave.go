package layout

import "bytes"

// Expand scatters the logical sectors in src, starting at logical sector
// first, into dst, the physical image of Extent(first, len(src)/SectorSize).
// Checksum sectors and data sectors outside the transfer are left untouched.
func (l Layout) Expand(first uint64, src, dst []byte) {
	if !l.Interleaved {
		copy(dst, src)
		return
	}
	l.eachRun(first, uint64(len(src))/SectorSize, func(logOff, physOff, n uint64) {
		copy(dst[physOff:physOff+n], src[logOff:logOff+n])
	})
}

// Collapse gathers len(dst)/SectorSize logical sectors starting at first out
// of the physical image src into dst.
func (l Layout) Collapse(first uint64, src, dst []byte) {
	if !l.Interleaved {
		copy(dst, src)
		return
	}
	l.eachRun(first, uint64(len(dst))/SectorSize, func(logOff, physOff, n uint64) {
		copy(dst[logOff:logOff+n], src[physOff:physOff+n])
	})
}

// eachRun walks count logical sectors from first in runs that are contiguous
// both logically and physically, passing byte offsets relative to the start
// of the logical buffer and of the physical extent.
func (l Layout) eachRun(first, count uint64, fn func(logOff, physOff, n uint64)) {
	base := l.PhysSector(first)
	for done := uint64(0); done < count; {
		log := first + done
		run := l.Sectors - log%l.Sectors
		if run > count-done {
			run = count - done
		}
		fn(done*SectorSize, (l.PhysSector(log)-base)*SectorSize, run*SectorSize)
		done += run
	}
}

// slot returns the byte offset, within the physical image of an extent
// starting at logical sector first, of the checksum slot for logical sector log.
func (l Layout) slot(first, log uint64) uint64 {
	sum := l.SumSector(l.Group(log))
	return (sum-l.PhysSector(first))*SectorSize + (log%l.Sectors)*uint64(l.SumSize)
}

// FillChecksums computes the checksums of count logical sectors starting at
// first and stores them in their slots in the physical image buf.
func (l Layout) FillChecksums(first, count uint64, buf []byte) {
	if !l.Checksums {
		return
	}
	base := l.PhysSector(first)
	for i := uint64(0); i < count; i++ {
		log := first + i
		data := (l.PhysSector(log) - base) * SectorSize
		off := l.slot(first, log)
		l.Algorithm.Sum(log, buf[data:data+SectorSize], buf[off:off+uint64(l.SumSize)])
	}
}

// VerifyChecksums recomputes the checksums of count logical sectors starting
// at first in the physical image buf and returns the sectors whose stored
// checksum differs.
func (l Layout) VerifyChecksums(first, count uint64, buf []byte) (bad []uint64) {
	if !l.Checksums {
		return nil
	}
	base := l.PhysSector(first)
	want := make([]byte, l.SumSize)
	for i := uint64(0); i < count; i++ {
		log := first + i
		data := (l.PhysSector(log) - base) * SectorSize
		off := l.slot(first, log)
		l.Algorithm.Sum(log, buf[data:data+SectorSize], want)
		if !bytes.Equal(want, buf[off:off+uint64(l.SumSize)]) {
			bad = append(bad, log)
		}
	}
	return bad
}
