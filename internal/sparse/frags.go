// Package sparse implements spec component B: fragment discovery over a
// file's data/hole extents, sparse-aware copy/compare/hash, and the
// non-sparse bit-vector the verity and thin-provisioning components
// build their fast paths on. Grounded on the original sparse.c/frags.c
// SEEK_DATA/SEEK_HOLE probing and adapted to use golang.org/x/sys/unix
// directly, since os.File.Seek only accepts io.Seeker's three whence
// values and SEEK_DATA/SEEK_HOLE are Linux-specific extensions.
package sparse

import (
	"fmt"
	"os"

	"github.com/bits-and-blooms/bitset"
	"golang.org/x/sys/unix"

	"github.com/microsoft/cvmboot-sub000/internal/cvmerr"
)

// BlockSize is the fixed alignment unit fragment discovery operates on,
// matching the verity/thin block size fixed by spec's Non-goals.
const BlockSize = 4096

// Frag is a byte extent [Offset, Offset+Length), both always multiples
// of BlockSize.
type Frag struct {
	Offset int64
	Length int64
}

// FragList is an ordered list of non-overlapping, non-adjacent-merged
// fragments covering part of a file.
type FragList struct {
	Frags []Frag
}

// NumBlocks returns the total block count covered by the list.
func (fl FragList) NumBlocks() int64 {
	var n int64
	for _, f := range fl.Frags {
		n += f.Length / BlockSize
	}
	return n
}

// Contains reports whether absolute block number blk falls within any
// fragment in the list. Used by the verity sparse fast path (§4.4).
func (fl FragList) Contains(blk int64) bool {
	off := blk * BlockSize
	for _, f := range fl.Frags {
		if off >= f.Offset && off < f.Offset+f.Length {
			return true
		}
	}
	return false
}

func wholeWindow(start, end int64) (FragList, FragList) {
	return FragList{Frags: []Frag{{Offset: start, Length: end - start}}}, FragList{}
}

// Find enumerates the data and hole fragments of f within the byte
// window [start, end), both of which must be BlockSize-aligned. Files
// for which SEEK_DATA/SEEK_HOLE are unsupported (no holes at all, or a
// filesystem that doesn't implement the extension) yield a single data
// fragment spanning the whole window, per spec §4.2.
func Find(f *os.File, start, end int64) (data, holes FragList, err error) {
	if start%BlockSize != 0 || end%BlockSize != 0 || end < start {
		return FragList{}, FragList{}, cvmerr.New(cvmerr.InvalidArgument, "sparse.Find", fmt.Errorf("window [%d,%d) is not block-aligned", start, end))
	}
	if start == end {
		return FragList{}, FragList{}, nil
	}

	fd := int(f.Fd())

	// Probe once: if SEEK_DATA at the very start fails with anything
	// other than ENXIO (no data at all, i.e. a pure hole), the
	// filesystem doesn't support the extension and we take the
	// whole-window fallback.
	if _, serr := unix.Seek(fd, start, unix.SEEK_DATA); serr != nil && serr != unix.ENXIO {
		d, h := wholeWindow(start, end)
		return d, h, nil
	}

	pos := start
	for pos < end {
		dataOff, serr := unix.Seek(fd, pos, unix.SEEK_DATA)
		if serr == unix.ENXIO {
			holes.Frags = append(holes.Frags, Frag{Offset: pos, Length: end - pos})
			pos = end
			break
		} else if serr != nil {
			d, h := wholeWindow(start, end)
			return d, h, nil
		}
		if dataOff >= end {
			holes.Frags = append(holes.Frags, Frag{Offset: pos, Length: end - pos})
			break
		}
		if dataOff > pos {
			holes.Frags = append(holes.Frags, Frag{Offset: pos, Length: dataOff - pos})
		}

		holeOff, herr := unix.Seek(fd, dataOff, unix.SEEK_HOLE)
		if herr != nil {
			holeOff = end
		}
		if holeOff > end {
			holeOff = end
		}
		data.Frags = append(data.Frags, Frag{Offset: dataOff, Length: holeOff - dataOff})
		pos = holeOff
	}

	if len(data.Frags) == 0 && len(holes.Frags) == 0 {
		d, h := wholeWindow(start, end)
		return d, h, nil
	}

	return data, holes, nil
}

// NonSparseBitset builds a bitset.BitSet indexed by absolute block
// number relative to partitionBlockOffset, with bit i set iff block i
// (i.e. absolute offset (partitionBlockOffset+i)*BlockSize) is covered
// by dataFrags. Used by the verity format fast path; the thin projector
// works from the fragment list directly.
func NonSparseBitset(dataFrags FragList, partitionBlockOffset, numBlocks int64) *bitset.BitSet {
	bs := bitset.New(uint(numBlocks))
	for _, f := range dataFrags.Frags {
		firstBlk := f.Offset/BlockSize - partitionBlockOffset
		lastBlk := (f.Offset+f.Length)/BlockSize - partitionBlockOffset
		for b := firstBlk; b < lastBlk; b++ {
			if b >= 0 && b < numBlocks {
				bs.Set(uint(b))
			}
		}
	}
	return bs
}

// AllZero reports whether buf is entirely zero bytes, used by both the
// sparse copy fast path (skip-writing holes) and the verity format fast
// path (substitute the precomputed zero-block hash).
func AllZero(buf []byte) bool {
	for _, b := range buf {
		if b != 0 {
			return false
		}
	}
	return true
}
