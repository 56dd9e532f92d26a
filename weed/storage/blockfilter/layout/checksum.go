package layout

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"hash"
	"hash/crc32"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Algorithm selects how a sector checksum is computed. Every algorithm mixes
// in the sector number, so a sector written to the wrong place fails
// verification just like a corrupted one.
type Algorithm uint8

const (
	// ChecksumNil stores only the sector number. It keeps the interleaved
	// layout populated without doing real checksumming.
	ChecksumNil Algorithm = iota
	ChecksumXOR
	ChecksumCRC
	ChecksumMD5
	ChecksumBlake2b
)

const blake2bDigestSize = 16

func ParseAlgorithm(s string) (Algorithm, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "nil", "none", "":
		return ChecksumNil, nil
	case "xor":
		return ChecksumXOR, nil
	case "crc", "crc32":
		return ChecksumCRC, nil
	case "md5":
		return ChecksumMD5, nil
	case "blake2b":
		return ChecksumBlake2b, nil
	}
	return ChecksumNil, fmt.Errorf("layout: unknown checksum algorithm %q", s)
}

func (a Algorithm) String() string {
	switch a {
	case ChecksumNil:
		return "nil"
	case ChecksumXOR:
		return "xor"
	case ChecksumCRC:
		return "crc"
	case ChecksumMD5:
		return "md5"
	case ChecksumBlake2b:
		return "blake2b"
	}
	return fmt.Sprintf("Algorithm(%d)", uint8(a))
}

// DigestSize is the minimum stored width the algorithm needs.
func (a Algorithm) DigestSize() int {
	switch a {
	case ChecksumXOR, ChecksumCRC:
		return 4
	case ChecksumMD5:
		return md5.Size
	case ChecksumBlake2b:
		return blake2bDigestSize
	}
	return 0
}

// Sum computes the checksum of one sector into out. out is cleared first, so
// bytes past the digest are always zero.
func (a Algorithm) Sum(sector uint64, data []byte, out []byte) {
	for i := range out {
		out[i] = 0
	}
	switch a {
	case ChecksumXOR:
		var x uint32
		for i := 0; i+4 <= len(data); i += 4 {
			x ^= binary.LittleEndian.Uint32(data[i:])
		}
		binary.LittleEndian.PutUint32(out, x^foldSector(sector))
	case ChecksumCRC:
		binary.LittleEndian.PutUint32(out, crc32.ChecksumIEEE(data)^foldSector(sector))
	case ChecksumMD5:
		digest(md5.New(), sector, data, out)
	case ChecksumBlake2b:
		h, err := blake2b.New(blake2bDigestSize, nil)
		if err != nil {
			panic(err) // only fails for an invalid size or key
		}
		digest(h, sector, data, out)
	default:
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], sector)
		copy(out, b[:])
	}
}

func digest(h hash.Hash, sector uint64, data []byte, out []byte) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], sector)
	h.Write(data)
	h.Write(b[:])
	copy(out, h.Sum(nil))
}

func foldSector(sector uint64) uint32 {
	return uint32(sector) ^ uint32(sector>>32)
}
